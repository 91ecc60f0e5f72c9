package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// zeroKey signs pre-auth messages (auth_request / auth_response).
var zeroKey = make([]byte, 32)

// ErrHMACMismatch is returned by Recv when an envelope fails verification.
var ErrHMACMismatch = errors.New("ipc: HMAC mismatch")

// Conn wraps a net.Conn with length-prefixed JSON framing, HMAC signing,
// and sequence number validation. Send is safe for concurrent use; Recv
// must be called from a single goroutine.
type Conn struct {
	conn    net.Conn
	key     atomic.Pointer[[]byte]
	sendSeq atomic.Uint64
	recvSeq uint64
	writeMu sync.Mutex
}

// NewConn wraps a raw connection. Messages are signed with the zero key
// until SetSessionKey is called.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// SetSessionKey switches signing to the per-session key after the handshake.
func (c *Conn) SetSessionKey(key []byte) {
	k := append([]byte(nil), key...)
	c.key.Store(&k)
}

func (c *Conn) sessionKey() []byte {
	if k := c.key.Load(); k != nil {
		return *k
	}
	return zeroKey
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the deadline on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Send signs env, assigns the next sequence number, and writes it as
// [4-byte BE length][JSON].
func (c *Conn) Send(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if env.Payload == nil {
		// the peer decodes an absent payload as null; sign what it will see
		env.Payload = json.RawMessage("null")
	}
	env.Seq = c.sendSeq.Add(1)
	env.HMAC = sign(c.sessionKey(), env)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("ipc: message too large: %d > %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}

// Recv reads one envelope and verifies its HMAC and sequence number.
func (c *Conn) Recv() (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("ipc: zero-length message")
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("ipc: message too large: %d > %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}

	if !hmac.Equal([]byte(env.HMAC), []byte(sign(c.sessionKey(), &env))) {
		return nil, ErrHMACMismatch
	}
	if env.Seq <= c.recvSeq {
		return nil, fmt.Errorf("ipc: sequence number %d <= last %d (replay/duplicate)", env.Seq, c.recvSeq)
	}
	c.recvSeq = env.Seq

	return &env, nil
}

// SendTyped wraps a typed payload into an Envelope and sends it.
func (c *Conn) SendTyped(id, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return c.Send(&Envelope{ID: id, Type: msgType, Payload: raw})
}

// SendError sends an error envelope.
func (c *Conn) SendError(id, msgType, errMsg string) error {
	return c.Send(&Envelope{ID: id, Type: msgType, Error: errMsg})
}

// Decode unmarshals an envelope payload into T.
func Decode[T any](env *Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("ipc: %s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("ipc: decode %s: %w", env.Type, err)
	}
	return out, nil
}

// sign computes HMAC-SHA256(key, id||seq||type||payload||error).
func sign(key []byte, env *Envelope) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(env.ID))
	mac.Write([]byte(strconv.FormatUint(env.Seq, 10)))
	mac.Write([]byte(env.Type))
	mac.Write(env.Payload)
	mac.Write([]byte(env.Error))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSessionKey creates a cryptographically random 256-bit key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ipc: generate session key: %w", err)
	}
	return key, nil
}

package sessionbroker

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/breeze-rmm/screenshare/internal/ipc"
)

const (
	// HandshakeTimeout is the deadline for completing auth after connecting.
	HandshakeTimeout = 5 * time.Second

	// IdleTimeout disconnects host runtimes that send nothing for this long.
	IdleTimeout = 30 * time.Minute

	// MaxConnectionsPerIdentity limits concurrent connections per peer identity.
	MaxConnectionsPerIdentity = 3

	// RateLimitAttempts is max connection attempts per identity per window.
	RateLimitAttempts = 5

	// RateLimitWindow is the sliding window for connection rate limiting.
	RateLimitWindow = 60 * time.Second

	// IdleCheckInterval is how often to scan for idle sessions.
	IdleCheckInterval = 60 * time.Second
)

// unverifiedIdentity groups peers whose transport cannot report credentials.
const unverifiedIdentity = "unverified"

// MessageHandler handles an inbound envelope that isn't a response to a
// pending command. Handlers run on the session's receive loop and must not
// block on further replies from the same session.
type MessageHandler func(session *Session, env *ipc.Envelope)

// Broker accepts host runtime connections and routes their messages.
type Broker struct {
	socketPath  string
	listener    net.Listener
	rateLimiter *ipc.RateLimiter

	// peerCredentials is swapped in tests.
	peerCredentials func(net.Conn) (*ipc.PeerCredentials, error)

	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[string]int
	handlers   map[string]MessageHandler
	closed     bool
}

// New creates a broker for the given socket (or pipe) path.
func New(socketPath string) *Broker {
	return &Broker{
		socketPath:      socketPath,
		rateLimiter:     ipc.NewRateLimiter(RateLimitAttempts, RateLimitWindow),
		peerCredentials: ipc.GetPeerCredentials,
		sessions:        make(map[string]*Session),
		byIdentity:      make(map[string]int),
		handlers:        make(map[string]MessageHandler),
	}
}

// Handle registers the handler for an inbound message type. Handlers are
// registered once at startup; registering a type twice panics.
func (b *Broker) Handle(msgType string, handler MessageHandler) {
	switch msgType {
	case ipc.TypeAuthRequest, ipc.TypePing, ipc.TypeCapabilities, ipc.TypeDisconnect:
		panic("sessionbroker: " + msgType + " is handled by the broker")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[msgType]; dup {
		panic("sessionbroker: duplicate handler for " + msgType)
	}
	b.handlers[msgType] = handler
}

// Listen starts the IPC listener and blocks until ctx is done.
func (b *Broker) Listen(ctx context.Context) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBrokerClosed
	}

	if err := b.setupSocket(); err != nil {
		return fmt.Errorf("sessionbroker: setup socket: %w", err)
	}

	log.Info("session broker listening", "path", b.socketPath)

	go b.idleReaper(ctx)

	go func() {
		for {
			conn, err := b.listener.Accept()
			if err != nil {
				if b.isClosed() {
					return
				}
				log.Warn("accept error", "error", err)
				continue
			}
			go b.ServeConn(conn)
		}
	}()

	<-ctx.Done()
	b.Close()
	return nil
}

// Close shuts down the listener and every session.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	if b.listener != nil {
		b.listener.Close()
		b.cleanupSocket()
	}

	log.Info("session broker closed")
}

// Session returns the connected session with the given broker-assigned id.
func (b *Broker) Session(id string) *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[id]
}

// AllSessions returns info about all connected sessions.
func (b *Broker) AllSessions() []SessionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	infos := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// SessionCount returns the number of active sessions.
func (b *Broker) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// ServeConn runs the handshake on a freshly accepted connection and then
// its receive loop. It blocks until the peer disconnects.
func (b *Broker) ServeConn(rawConn net.Conn) {
	if b.isClosed() {
		rawConn.Close()
		return
	}

	rawConn.SetDeadline(time.Now().Add(HandshakeTimeout))

	identity, pid, err := b.identify(rawConn)
	if err != nil {
		log.Warn("connection rejected", "remote", rawConn.RemoteAddr(), "error", err)
		rawConn.Close()
		return
	}

	conn := ipc.NewConn(rawConn)
	session, err := b.authenticate(conn, identity, pid)
	if err != nil {
		log.Warn("handshake failed", "identity", identity, "error", err)
		conn.Close()
		b.release(identity)
		return
	}

	rawConn.SetDeadline(time.Time{})

	if !b.register(session) {
		session.Close()
		b.release(identity)
		return
	}

	log.Info("host runtime connected",
		"sessionId", session.ID,
		"identity", identity,
		"username", session.Username,
		"display", session.DisplayEnv,
		"pid", session.PID,
	)

	session.RecvLoop(b.dispatch)

	b.removeSession(session)
	log.Info("host runtime disconnected", "sessionId", session.ID, "identity", identity)
}

// identify resolves the peer identity, applies the connection rate limit,
// and reserves a connection slot for it.
func (b *Broker) identify(rawConn net.Conn) (string, int, error) {
	identity, pid := unverifiedIdentity, 0
	creds, err := b.peerCredentials(rawConn)
	switch {
	case err == nil:
		identity, pid = creds.IdentityKey(), creds.PID
	case errors.Is(err, ipc.ErrPeerCredentialsUnsupported):
		// access is enforced by socket mode / pipe ACL
	default:
		return "", 0, fmt.Errorf("peer credentials: %w", err)
	}

	if !b.rateLimiter.Allow(identity) {
		return "", 0, ErrRateLimited
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byIdentity[identity] >= MaxConnectionsPerIdentity {
		return "", 0, ErrMaxConnections
	}
	b.byIdentity[identity]++
	return identity, pid, nil
}

func (b *Broker) authenticate(conn *ipc.Conn, identity string, pid int) (*Session, error) {
	env, err := conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("read auth request: %w", err)
	}
	if env.Type != ipc.TypeAuthRequest {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrAuthFailed, ipc.TypeAuthRequest, env.Type)
	}

	req, err := ipc.Decode[ipc.AuthRequest](env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	if req.ProtocolVersion != ipc.ProtocolVersion {
		conn.SendTyped(env.ID, ipc.TypeAuthResponse, ipc.AuthResponse{
			Accepted: false,
			Reason:   fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion),
		})
		return nil, fmt.Errorf("%w: peer %d, ours %d", ErrProtocolMismatch, req.ProtocolVersion, ipc.ProtocolVersion)
	}

	if pid == 0 {
		pid = req.PID
	}

	sessionKey, err := ipc.GenerateSessionKey()
	if err != nil {
		return nil, err
	}

	resp := ipc.AuthResponse{
		Accepted:   true,
		SessionKey: hex.EncodeToString(sessionKey),
	}
	if err := conn.SendTyped(env.ID, ipc.TypeAuthResponse, resp); err != nil {
		return nil, fmt.Errorf("send auth response: %w", err)
	}
	conn.SetSessionKey(sessionKey)

	return NewSession(conn, identity, req.Username, req.DisplayEnv, req.SessionID, pid), nil
}

func (b *Broker) register(session *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.sessions[session.ID] = session
	return true
}

func (b *Broker) dispatch(s *Session, env *ipc.Envelope) {
	switch env.Type {
	case ipc.TypePing:
		s.Reply(env.ID, ipc.TypePong, nil)
	case ipc.TypeCapabilities:
		caps, err := ipc.Decode[ipc.Capabilities](env)
		if err != nil {
			log.Warn("invalid capabilities", "sessionId", s.ID, "error", err)
			return
		}
		s.SetCapabilities(&caps)
		log.Info("capabilities received",
			"sessionId", s.ID,
			"canEnumerate", caps.CanEnumerate,
			"canPick", caps.CanPick,
			"displayServer", caps.DisplayServer,
		)
	case ipc.TypeDisconnect:
		log.Info("host runtime disconnecting", "sessionId", s.ID)
		s.Close()
	default:
		b.mu.RLock()
		handler := b.handlers[env.Type]
		b.mu.RUnlock()
		if handler == nil {
			log.Warn("unhandled message type", "sessionId", s.ID, "type", env.Type, "id", env.ID)
			return
		}
		handler(s, env)
	}
}

func (b *Broker) removeSession(session *Session) {
	b.mu.Lock()
	_, ok := b.sessions[session.ID]
	delete(b.sessions, session.ID)
	b.mu.Unlock()

	if ok {
		b.release(session.IdentityKey)
	}
}

func (b *Broker) release(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byIdentity[identity] <= 1 {
		delete(b.byIdentity, identity)
		return
	}
	b.byIdentity[identity]--
}

func (b *Broker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Broker) idleReaper(ctx context.Context) {
	ticker := time.NewTicker(IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reapIdleSessions(IdleTimeout)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) reapIdleSessions(limit time.Duration) {
	b.mu.RLock()
	var toClose []*Session
	for _, s := range b.sessions {
		if s.IdleDuration() > limit {
			toClose = append(toClose, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range toClose {
		log.Info("disconnecting idle host runtime", "sessionId", s.ID, "idle", s.IdleDuration())
		s.Close()
		b.removeSession(s)
	}
}

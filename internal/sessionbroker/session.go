package sessionbroker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/screenshare/internal/ipc"
	"github.com/breeze-rmm/screenshare/internal/logging"
)

var log = logging.L("sessionbroker")

// Session is one authenticated host runtime connection.
type Session struct {
	ID            string // broker-assigned
	IdentityKey   string // peer UID on linux, "unverified" where unavailable
	Username      string
	DisplayEnv    string
	HostSessionID string // the host's own session identifier
	PID           int
	Capabilities  *ipc.Capabilities
	ConnectedAt   time.Time
	LastSeen      time.Time

	conn      *ipc.Conn
	mu        sync.Mutex
	pending   map[string]chan *ipc.Envelope // command ID -> response channel
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an authenticated connection.
func NewSession(conn *ipc.Conn, identityKey, username, displayEnv, hostSessionID string, pid int) *Session {
	now := time.Now()
	return &Session{
		ID:            uuid.NewString(),
		IdentityKey:   identityKey,
		Username:      username,
		DisplayEnv:    displayEnv,
		HostSessionID: hostSessionID,
		PID:           pid,
		ConnectedAt:   now,
		LastSeen:      now,
		conn:          conn,
		pending:       make(map[string]chan *ipc.Envelope),
		done:          make(chan struct{}),
	}
}

// SendCommand sends a request to the host runtime and waits for the
// envelope carrying the same id. An envelope with Error set is returned
// as-is; interpreting it is up to the caller.
func (s *Session) SendCommand(ctx context.Context, id, cmdType string, payload any) (*ipc.Envelope, error) {
	ch := make(chan *ipc.Envelope, 1)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	default:
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.conn.SendTyped(id, cmdType, payload); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrSessionClosed
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrCommandTimeout
		}
		return nil, ctx.Err()
	}
}

// Reply answers an inbound request.
func (s *Session) Reply(id, msgType string, payload any) error {
	return s.conn.SendTyped(id, msgType, payload)
}

// ReplyError answers an inbound request with an error envelope.
func (s *Session) ReplyError(id, msgType, errMsg string) error {
	return s.conn.SendError(id, msgType, errMsg)
}

// HandleResponse routes a received envelope to the pending command channel.
// Returns true if the message was matched to a pending command.
func (s *Session) HandleResponse(env *ipc.Envelope) bool {
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.mu.Unlock()

	if ok {
		select {
		case ch <- env:
		default:
			log.Warn("response channel full, dropping", "id", env.ID)
		}
	}
	return ok
}

// Touch updates the last-seen timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastSeen = time.Now()
	s.mu.Unlock()
}

// IdleDuration returns how long this session has been idle.
func (s *Session) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.LastSeen)
}

// SetCapabilities updates the session's reported capabilities.
func (s *Session) SetCapabilities(caps *ipc.Capabilities) {
	s.mu.Lock()
	s.Capabilities = caps
	s.mu.Unlock()
}

// Caps returns the reported capabilities, or nil before any arrive.
func (s *Session) Caps() *ipc.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Capabilities
}

// DisplayServer is the display session the host runtime runs in, as it
// last reported it.
func (s *Session) DisplayServer() string {
	if caps := s.Caps(); caps != nil && caps.DisplayServer != "" {
		return caps.DisplayServer
	}
	return s.DisplayEnv
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close closes the connection and fails all pending commands. Safe to call
// more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// SessionInfo is a serializable summary of a session for status reporting.
type SessionInfo struct {
	ID            string            `json:"id"`
	IdentityKey   string            `json:"identityKey"`
	Username      string            `json:"username"`
	DisplayEnv    string            `json:"displayEnv"`
	HostSessionID string            `json:"hostSessionId"`
	PID           int               `json:"pid"`
	Capabilities  *ipc.Capabilities `json:"capabilities,omitempty"`
	ConnectedAt   time.Time         `json:"connectedAt"`
	LastSeen      time.Time         `json:"lastSeen"`
}

// Info returns a serializable summary of this session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.ID,
		IdentityKey:   s.IdentityKey,
		Username:      s.Username,
		DisplayEnv:    s.DisplayEnv,
		HostSessionID: s.HostSessionID,
		PID:           s.PID,
		Capabilities:  s.Capabilities,
		ConnectedAt:   s.ConnectedAt,
		LastSeen:      s.LastSeen,
	}
}

// RecvLoop reads messages until the connection fails, routing command
// responses to their waiters and everything else to onMessage. The session
// is closed on return.
func (s *Session) RecvLoop(onMessage func(*Session, *ipc.Envelope)) {
	defer s.Close()
	for {
		env, err := s.conn.Recv()
		if err != nil {
			log.Debug("session recv loop ended", "sessionId", s.ID, "error", err)
			return
		}
		s.Touch()

		if s.HandleResponse(env) {
			continue
		}
		onMessage(s, env)
	}
}

// Package userhelper is the host-runtime side of the broker connection. A
// host runtime embeds a Client to request capture streams and to serve the
// enumeration and picker requests the daemon sends back.
package userhelper

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/screenshare/internal/capture"
	"github.com/breeze-rmm/screenshare/internal/ipc"
	"github.com/breeze-rmm/screenshare/internal/logging"
	"github.com/breeze-rmm/screenshare/internal/picker"
)

var log = logging.L("userhelper")

// KeepaliveInterval is how often the client pings the daemon.
const KeepaliveInterval = 30 * time.Second

// ErrClosed is returned for requests on a client that is not connected.
var ErrClosed = errors.New("userhelper: connection closed")

// UI shows the picker. A nil Pick with a nil error means the user cancelled.
type UI interface {
	Pick(ctx context.Context, previews []capture.Preview, singleChoice bool) (*picker.Pick, error)
}

// UIFunc adapts a function to UI.
type UIFunc func(ctx context.Context, previews []capture.Preview, singleChoice bool) (*picker.Pick, error)

func (f UIFunc) Pick(ctx context.Context, previews []capture.Preview, singleChoice bool) (*picker.Pick, error) {
	return f(ctx, previews, singleChoice)
}

// Client is one host runtime's connection to the daemon.
type Client struct {
	socketPath string
	backend    capture.Backend
	ui         UI

	// Dial opens the transport. New sets the platform socket or pipe dialer;
	// override it before Run to use another transport.
	Dial func(ctx context.Context) (net.Conn, error)

	conn  *ipc.Conn
	ready chan struct{} // closed once authenticated
	done  chan struct{} // closed when Run returns

	pendingMu sync.Mutex
	pending   map[string]chan *ipc.Envelope
}

// New creates a client. backend answers sources_list; ui answers picker_open.
func New(socketPath string, backend capture.Backend, ui UI) *Client {
	c := &Client{
		socketPath: socketPath,
		backend:    backend,
		ui:         ui,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		pending:    make(map[string]chan *ipc.Envelope),
	}
	c.Dial = c.dialIPC
	return c
}

// Run connects, authenticates and serves daemon requests until ctx is done
// or the connection drops. A Client runs once.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	rawConn, err := c.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = ipc.NewConn(rawConn)
	defer c.conn.Close()

	if err := c.authenticate(); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := c.conn.SendTyped("caps", ipc.TypeCapabilities, c.capabilities()); err != nil {
		log.Warn("failed to send capabilities", "error", err)
	}
	close(c.ready)
	log.Info("connected to screenshare daemon", "socket", c.socketPath)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepalive(loopCtx)

	err = c.recvLoop(loopCtx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// keepalive pings the daemon and, once ctx ends, says goodbye and closes
// the connection to unblock the receive loop.
func (c *Client) keepalive(ctx context.Context) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.SendTyped("ping-"+uuid.NewString(), ipc.TypePing, nil); err != nil {
				log.Warn("keepalive ping failed", "error", err)
			}
		case <-ctx.Done():
			c.conn.SendTyped("disconnect", ipc.TypeDisconnect, nil)
			c.conn.Close()
			return
		}
	}
}

func (c *Client) authenticate() error {
	username := ""
	if cu, err := user.Current(); err == nil {
		username = cu.Username
	}

	sessionID := os.Getenv("XDG_SESSION_ID")
	if sessionID == "" {
		sessionID = fmt.Sprintf("host-%d", os.Getpid())
	}

	authReq := ipc.AuthRequest{
		ProtocolVersion: ipc.ProtocolVersion,
		Username:        username,
		SessionID:       sessionID,
		DisplayEnv:      detectDisplayEnv(),
		PID:             os.Getpid(),
	}
	if err := c.conn.SendTyped("auth", ipc.TypeAuthRequest, authReq); err != nil {
		return fmt.Errorf("send auth request: %w", err)
	}

	env, err := c.conn.Recv()
	if err != nil {
		return fmt.Errorf("recv auth response: %w", err)
	}
	if env.Type != ipc.TypeAuthResponse {
		return fmt.Errorf("expected auth_response, got %s", env.Type)
	}

	resp, err := ipc.Decode[ipc.AuthResponse](env)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("auth rejected: %s", resp.Reason)
	}

	key, err := hex.DecodeString(resp.SessionKey)
	if err != nil {
		return fmt.Errorf("decode session key: %w", err)
	}
	c.conn.SetSessionKey(key)
	return nil
}

func (c *Client) capabilities() ipc.Capabilities {
	return ipc.Capabilities{
		CanEnumerate:  c.backend != nil,
		CanPick:       c.ui != nil,
		DisplayServer: detectDisplayEnv(),
	}
}

func (c *Client) recvLoop(ctx context.Context) error {
	defer c.closePending()

	for {
		env, err := c.conn.Recv()
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}

		switch env.Type {
		case ipc.TypePing:
			if err := c.conn.SendTyped(env.ID, ipc.TypePong, nil); err != nil {
				return fmt.Errorf("pong send failed: %w", err)
			}
		case ipc.TypePong:
		case ipc.TypeSourcesList:
			go c.handleSourcesList(ctx, env)
		case ipc.TypePickerOpen:
			go c.handlePickerOpen(ctx, env)
		case ipc.TypeDisplayMediaResponse, ipc.TypeThumbnailResponse:
			if !c.resolvePending(env) {
				log.Warn("unsolicited response from daemon", "type", env.Type, "id", env.ID)
			}
		case ipc.TypeDisconnect:
			log.Info("disconnect received from daemon")
			return nil
		default:
			log.Warn("unknown message type", "type", env.Type)
		}
	}
}

// RequestDisplayMedia asks the daemon for a capture stream and waits for its
// single resolution. A denial is a response with Granted=false, not an error.
func (c *Client) RequestDisplayMedia(ctx context.Context, origin string) (*ipc.DisplayMediaResponse, error) {
	req := ipc.DisplayMediaRequest{RequestID: uuid.NewString(), Origin: origin}
	env, err := c.request(ctx, "dm-"+req.RequestID, ipc.TypeDisplayMediaRequest, req)
	if err != nil {
		return nil, err
	}
	resp, err := ipc.Decode[ipc.DisplayMediaResponse](env)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// LargeThumbnail fetches a full-size preview of one source as a data URL.
func (c *Client) LargeThumbnail(ctx context.Context, sourceID string) (string, bool, error) {
	env, err := c.request(ctx, "thumb-"+uuid.NewString(), ipc.TypeThumbnailRequest, ipc.ThumbnailRequest{SourceID: sourceID})
	if err != nil {
		return "", false, err
	}
	resp, err := ipc.Decode[ipc.ThumbnailResponse](env)
	if err != nil {
		return "", false, err
	}
	return resp.URL, resp.Found, nil
}

func (c *Client) request(ctx context.Context, id, msgType string, payload any) (*ipc.Envelope, error) {
	select {
	case <-c.ready:
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ch := make(chan *ipc.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.conn.SendTyped(id, msgType, payload); err != nil {
		return nil, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if env.Error != "" {
			return nil, fmt.Errorf("userhelper: daemon error: %s", env.Error)
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) resolvePending(env *ipc.Envelope) bool {
	c.pendingMu.Lock()
	ch := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.pendingMu.Unlock()
	if ch == nil {
		return false
	}
	ch <- env
	close(ch)
	return true
}

func (c *Client) closePending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

func (c *Client) handleSourcesList(ctx context.Context, env *ipc.Envelope) {
	if c.backend == nil {
		c.replyError(env.ID, ipc.TypeSourcesResult, "enumeration not supported")
		return
	}

	req, err := ipc.Decode[ipc.SourcesListRequest](env)
	if err != nil {
		c.replyError(env.ID, ipc.TypeSourcesResult, err.Error())
		return
	}
	kinds := make([]capture.Kind, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		kind, err := capture.ParseKind(k)
		if err != nil {
			c.replyError(env.ID, ipc.TypeSourcesResult, err.Error())
			return
		}
		kinds = append(kinds, kind)
	}

	sources, err := c.backend.Sources(ctx, kinds, capture.Size{Width: req.Width, Height: req.Height})
	if err != nil {
		log.Warn("source enumeration failed", "error", err)
		c.replyError(env.ID, ipc.TypeSourcesResult, err.Error())
		return
	}

	result := ipc.SourcesListResult{Sources: make([]ipc.SourceData, len(sources))}
	for i, s := range sources {
		result.Sources[i] = ipc.SourceData{ID: s.ID, Name: s.Name, Thumbnail: s.Thumbnail}
	}
	if err := c.conn.SendTyped(env.ID, ipc.TypeSourcesResult, result); err != nil {
		log.Warn("failed to send sources result", "id", env.ID, "error", err)
	}
}

func (c *Client) handlePickerOpen(ctx context.Context, env *ipc.Envelope) {
	if c.ui == nil {
		c.replyError(env.ID, ipc.TypePickerResult, "picker not supported")
		return
	}

	req, err := ipc.Decode[ipc.PickerOpenRequest](env)
	if err != nil {
		c.replyError(env.ID, ipc.TypePickerResult, err.Error())
		return
	}
	previews := make([]capture.Preview, len(req.Previews))
	for i, p := range req.Previews {
		previews[i] = capture.Preview{ID: p.ID, Name: p.Name, URL: p.URL}
	}

	pick, err := c.ui.Pick(ctx, previews, req.SingleChoice)
	if err != nil {
		c.replyError(env.ID, ipc.TypePickerResult, err.Error())
		return
	}

	var result ipc.PickerResult
	if pick != nil {
		result.Pick = &ipc.StreamPick{ID: pick.ID, Audio: pick.Audio}
	}
	if err := c.conn.SendTyped(env.ID, ipc.TypePickerResult, result); err != nil {
		log.Warn("failed to send picker result", "id", env.ID, "error", err)
	}
}

func (c *Client) replyError(id, msgType, msg string) {
	if err := c.conn.SendError(id, msgType, msg); err != nil {
		log.Warn("failed to send error reply", "id", id, "type", msgType, "error", err)
	}
}

func detectDisplayEnv() string {
	if runtime.GOOS == "windows" {
		return "windows"
	}
	if runtime.GOOS == "darwin" {
		return "quartz"
	}
	if display := os.Getenv("WAYLAND_DISPLAY"); display != "" {
		return "wayland:" + display
	}
	if os.Getenv("XDG_SESSION_TYPE") == "wayland" {
		return "wayland"
	}
	if display := os.Getenv("DISPLAY"); display != "" {
		return "x11:" + display
	}
	return ""
}

package dispatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// PushResult classifies one delivery attempt.
type PushResult int

const (
	PushOK PushResult = iota
	// PushGone means the peer will never accept another frame.
	PushGone
	// PushTransient means this frame was lost but the connection may recover.
	PushTransient
)

func (r PushResult) String() string {
	switch r {
	case PushOK:
		return "ok"
	case PushGone:
		return "gone"
	}
	return "transient"
}

// Transport delivers raw frames to a single live connection.
type Transport interface {
	Push(ctx context.Context, connID string, payload []byte) (PushResult, error)
}

// WSSession represents one connected websocket peer. Writes are serialized so
// frames reach the peer in the order they were pushed.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
	// failed is set by the first write error. The socket may hold a partial
	// frame after that, so no later frame can be delivered intact.
	failed bool
}

// Send writes one text frame. It returns errSessionFailed without touching the
// socket once an earlier write has failed.
func (s *WSSession) Send(payload []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errSessionFailed
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.failed = true
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.failed = true
		return err
	}
	return nil
}

// WSTransport holds the websocket sessions of this process keyed by
// connection id.
type WSTransport struct {
	mu           sync.RWMutex
	sessions     map[string]*WSSession
	writeTimeout time.Duration
}

func NewWSTransport(writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSTransport{sessions: make(map[string]*WSSession), writeTimeout: writeTimeout}
}

func (t *WSTransport) Attach(connID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	t.mu.Lock()
	t.sessions[connID] = s
	t.mu.Unlock()
	return s
}

// Close detaches connID and closes its socket. Unknown ids are ignored.
func (t *WSTransport) Close(connID string) {
	t.mu.Lock()
	s, ok := t.sessions[connID]
	delete(t.sessions, connID)
	t.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle"), time.Now().Add(time.Second))
	s.mu.Unlock()
	_ = s.conn.Close()
}

// Ping sends a websocket ping control frame on connID.
func (t *WSTransport) Ping(connID string) error {
	t.mu.RLock()
	s, ok := t.sessions[connID]
	t.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *WSTransport) Push(ctx context.Context, connID string, payload []byte) (PushResult, error) {
	t.mu.RLock()
	s, ok := t.sessions[connID]
	t.mu.RUnlock()
	if !ok {
		return PushGone, ErrNoSession
	}
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.Send(payload, deadline); err != nil {
		if peerGone(err) {
			return PushGone, err
		}
		return PushTransient, err
	}
	return PushOK, nil
}

// peerGone reports write errors after which the session cannot carry another
// frame. A write timeout counts: the peer stopped reading and the frame may
// have been cut mid-write.
func peerGone(err error) bool {
	var (
		ce *websocket.CloseError
		ne net.Error
	)
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, errSessionFailed) ||
		errors.As(err, &ce) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

var (
	ErrNoSession     = errors.New("no ws session")
	errSessionFailed = errors.New("ws session failed an earlier write")
)

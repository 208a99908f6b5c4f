package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
)

const maxMessageBytes = 4096

// handleWS authenticates, upgrades and registers a realtime connection, then
// serves its read loop until the peer leaves or the registry drops it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: apperr.CodeOf(err), Detail: "invalid or missing bearer token"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	connID := uuid.NewString()
	s.transport.Attach(connID, conn)
	if _, err := s.registry.Register(connID, id.Subject, id.Role); err != nil {
		s.logger.Errorw("register connection failed", "user_id", id.Subject, "error", err)
		s.transport.Close(connID)
		return
	}
	go s.serveWS(connID, conn)
}

func (s *Server) serveWS(connID string, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.registry.Deregister(connID)
		s.transport.Close(connID)
	}()

	conn.SetReadLimit(maxMessageBytes)
	conn.SetPongHandler(func(string) error {
		_ = s.registry.Touch(connID)
		return nil
	})
	go s.keepAlive(ctx, connID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debugw("websocket read ended", "conn_id", connID, "error", err)
			}
			return
		}
		if err := s.registry.HandleMessage(ctx, connID, data); err != nil && !apperr.ClientError(err) {
			s.logger.Errorw("websocket message failed", "conn_id", connID, "error", err)
		}
	}
}

// keepAlive pings the peer; pongs refresh the connection's activity time.
func (s *Server) keepAlive(ctx context.Context, connID string) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.transport.Ping(connID); err != nil {
				return
			}
		}
	}
}

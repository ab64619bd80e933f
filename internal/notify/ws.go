package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

// wsSession is one connected client; writes are serialized per connection.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds rider and driver sessions and implements Sink over them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*wsSession), logger: logger}
}

func sessionKey(t UserType, id string) string { return string(t) + ":" + id }

// Add registers conn, replacing and closing any older session of the same user.
func (r *WSRegistry) Add(t UserType, userID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[sessionKey(t, userID)]
	r.sessions[sessionKey(t, userID)] = &wsSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session if it is still conn.
func (r *WSRegistry) Remove(t UserType, userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey(t, userID)]; ok && s.conn == conn {
		delete(r.sessions, sessionKey(t, userID))
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Notify(_ context.Context, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey(msg.UserType, msg.UserID)]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(msg); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws send failed", "user_id", msg.UserID, "error", err)
		}
		r.Remove(msg.UserType, msg.UserID, s.conn)
		return err
	}
	observability.NotificationsSent.WithLabelValues("ws", "ok").Inc()
	return nil
}

package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xhad/ragchat/pkg/session"
)

const (
	EventChat     = "chat"
	EventProgress = "progress"
	EventStatus   = "status"
	EventError    = "error"
	EventResponse = "response"
)

// Event is one websocket frame in either direction.
type Event struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Percent int         `json:"percent,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// client serialises writes to one connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

// hub fans events out to every connection of a session.
type hub struct {
	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	logger  *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger,
	}
}

func (h *hub) add(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*client]struct{})
	}
	h.clients[sessionID][c] = struct{}{}
}

func (h *hub) remove(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[sessionID], c)
	if len(h.clients[sessionID]) == 0 {
		delete(h.clients, sessionID)
	}
}

func (h *hub) send(sessionID string, ev Event) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients[sessionID]))
	for c := range h.clients[sessionID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.write(ev); err != nil {
			h.logger.Debug("failed to send event", zap.String("session", sessionID), zap.Error(err))
		}
	}
}

func (h *hub) closeSession(sessionID string) {
	h.mu.Lock()
	conns := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	for c := range conns {
		c.conn.Close()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.closeSession(id)
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.config.AllowedOrigins) == 0 {
				return sameOrigin(r)
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.config.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// sameOrigin accepts requests without an Origin header and those whose
// Origin host matches the Host header.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession(w, r)

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	s.hub.add(sess.ID(), c)
	defer s.hub.remove(sess.ID(), c)

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", zap.String("session", sess.ID()), zap.Error(err))
			}
			return
		}

		if ev.Type != EventChat {
			c.write(Event{Type: EventError, Content: "unsupported event type: " + ev.Type})
			continue
		}
		s.handleChat(r, sess, c, ev.Content)
	}
}

func (s *Server) handleChat(r *http.Request, sess *session.Session, c *client, text string) {
	reply, err := sess.OnMessage(r.Context(), text)
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		c.write(Event{Type: EventError, Content: err.Error()})
	case err != nil:
		c.write(Event{Type: EventError, Content: reply.Content, Data: s.view(reply)})
	default:
		c.write(Event{Type: EventResponse, Content: reply.Content, Data: s.view(reply)})
	}
}

// Package realtime streams schedule status events to connected users over WebSocket.
package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/PortNumber53/crosspost/internal/publish"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

type Hub struct {
	mu        sync.Mutex
	conns     map[string]map[*websocket.Conn]struct{}
	keepalive time.Duration
	log       *log.Entry
}

func NewHub(l *log.Entry) *Hub {
	return &Hub{
		conns:     make(map[string]map[*websocket.Conn]struct{}),
		keepalive: 30 * time.Second,
		log:       logger.OrDiscard(l),
	}
}

func (h *Hub) add(userID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[userID] = m
	}
	m[c] = struct{}{}
}

func (h *Hub) remove(userID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, userID)
	}
}

func (h *Hub) broadcast(userID string, msg []byte) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(userID, c)
		}
	}
}

// Count is the number of open connections for userID.
func (h *Hub) Count(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

// Emit implements publish.EventSink.
func (h *Hub) Emit(ev publish.Event) {
	if h == nil || strings.TrimSpace(ev.UserID) == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).WithField("userId", ev.UserID).Warn("marshal event failed")
		return
	}
	h.log.WithFields(log.Fields{
		"userId":     ev.UserID,
		"type":       ev.Type,
		"scheduleId": ev.ScheduleID,
		"status":     ev.Status,
		"subs":       h.Count(ev.UserID),
	}).Debug("emit")
	h.broadcast(ev.UserID, b)
}

type control struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	At     string `json:"at"`
}

// ServeHTTP upgrades /api/events/ws?userId=... Callers must authorize the request first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		http.Error(w, "missing_userId", http.StatusBadRequest)
		return
	}

	// x/net/websocket rejects mismatched Origin by default; this socket is internal and
	// authorized by middleware, so any origin is accepted.
	srv := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(c *websocket.Conn) {
			l := h.log.WithFields(log.Fields{"userId": userID, "remote": r.RemoteAddr})
			l.Info("ws connect")
			h.add(userID, c)
			defer h.remove(userID, c)
			defer l.Info("ws disconnect")

			send := func(typ string) error {
				b, _ := json.Marshal(control{Type: typ, UserID: userID, At: time.Now().UTC().Format(time.RFC3339)})
				return websocket.Message.Send(c, string(b))
			}
			_ = send("hello")

			done := make(chan struct{})
			var once sync.Once
			closeDone := func() { once.Do(func() { close(done) }) }
			go func() {
				t := time.NewTicker(h.keepalive)
				defer t.Stop()
				for {
					select {
					case <-done:
						return
					case <-t.C:
						if err := send("ping"); err != nil {
							closeDone()
							return
						}
					}
				}
			}()

			// Read loop detects disconnects.
			for {
				var ignored string
				if err := websocket.Message.Receive(c, &ignored); err != nil {
					closeDone()
					return
				}
			}
		},
	}
	srv.ServeHTTP(w, r)
}

var _ publish.EventSink = (*Hub)(nil)

package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/lkarlslund/duckbridge/pkg/pacing"
)

const (
	wsPingEvery    = 25 * time.Second
	wsReadDeadline = 60 * time.Second
	wsRefreshEvery = 5 * time.Second
)

type wsClient struct {
	ch chan []byte
}

// statusHub fans pacing status snapshots out to websocket subscribers. Slow
// subscribers miss snapshots rather than blocking the publisher.
type statusHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newStatusHub() *statusHub {
	return &statusHub{clients: map[*wsClient]struct{}{}}
}

func (h *statusHub) register() (*wsClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &wsClient{ch: make(chan []byte, 8)}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *statusHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.ch)
	}
}

func (h *statusHub) publish(st pacing.Status) {
	msg, err := json.Marshal(st)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.ch <- msg:
		default:
		}
	}
}

func (h *statusHub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *statusHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.ch)
	}
}

func sameOrigin(req *http.Request) bool {
	origin := strings.TrimSpace(req.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}

// handleRateLimitWS pushes the pacing status on connect, on every pacing
// change and every wsRefreshEvery so the reset countdown stays current.
func (s *Server) handleRateLimitWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: sameOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	client, ok := s.hub.register()
	if !ok {
		return
	}
	defer s.hub.unregister(client)

	ctx := r.Context()
	sendStatus := func() error {
		st, err := s.pacing.Status(ctx)
		if err != nil {
			log.Warn("pacing status for websocket", "err", err)
			return nil
		}
		return conn.WriteJSON(st)
	}
	if err := sendStatus(); err != nil {
		return
	}

	pingTicker := time.NewTicker(wsPingEvery)
	defer pingTicker.Stop()
	refresh := time.NewTicker(wsRefreshEvery)
	defer refresh.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-refresh.C:
			if err := sendStatus(); err != nil {
				return
			}
		case msg, ok := <-client.ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

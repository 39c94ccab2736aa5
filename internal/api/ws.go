package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
)

const (
	wsWriteBuffer  = 256
	wsPingInterval = 45 * time.Second
	wsReadDeadline = 90 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:       func(*http.Request) bool { return true },
	EnableCompression: true,
}

// wsControl is what clients send: subscribe/unsubscribe with a symbol list.
type wsControl struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// wsUpdate is what the hub pushes.
type wsUpdate struct {
	Type   string       `json:"type"`
	Symbol string       `json:"symbol"`
	Quote  market.Quote `json:"quote"`
}

type wsStatus struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wsClient struct {
	conn *websocket.Conn
	out  chan any
	done chan struct{}

	mu      sync.Mutex
	symbols map[string]struct{}
	all     bool
}

func (c *wsClient) setSymbols(action string, symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			continue
		}
		switch action {
		case "subscribe":
			if sym == "*" {
				c.all = true
				continue
			}
			c.symbols[sym] = struct{}{}
		case "unsubscribe":
			if sym == "*" {
				c.all = false
				continue
			}
			delete(c.symbols, sym)
		}
	}
}

func (c *wsClient) wants(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all {
		return true
	}
	_, ok := c.symbols[symbol]
	return ok
}

// Hub relays streamed quotes to WebSocket clients that subscribed to the
// symbol. Slow clients drop updates instead of stalling the broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		log:     log.With().Str("component", "ws").Logger(),
	}
}

// Run drains the quote channel into the connected clients until ctx ends.
// Register the channel with the data manager's AddListener.
func (h *Hub) Run(ctx context.Context, quotes <-chan market.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-quotes:
			if !ok {
				return
			}
			h.broadcast(q)
		}
	}
}

func (h *Hub) broadcast(q market.Quote) {
	update := wsUpdate{Type: "quote", Symbol: q.Symbol, Quote: q}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		if !cl.wants(q.Symbol) {
			continue
		}
		select {
		case cl.out <- update:
			metrics.WebSocketMessages.Inc()
		default:
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades the connection and pumps it until the client goes away.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Debug().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		cl := &wsClient{
			conn:    conn,
			out:     make(chan any, wsWriteBuffer),
			done:    make(chan struct{}),
			symbols: make(map[string]struct{}),
		}
		h.add(cl)
		defer h.remove(cl)

		go h.writer(cl)

		select {
		case cl.out <- wsStatus{Type: "status", Text: "connected"}:
		default:
		}

		h.reader(cl)
		close(cl.done)
	}
}

func (h *Hub) add(cl *wsClient) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

func (h *Hub) remove(cl *wsClient) {
	h.mu.Lock()
	delete(h.clients, cl)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

func (h *Hub) writer(cl *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case v := <-cl.out:
			if err := cl.conn.WriteJSON(v); err != nil {
				return
			}
		case <-ping.C:
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (h *Hub) reader(cl *wsClient) {
	_ = cl.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	for {
		mt, payload, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		if mt != websocket.TextMessage {
			continue
		}

		var ctrl wsControl
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			select {
			case cl.out <- wsStatus{Type: "error", Text: "malformed control message"}:
			default:
			}
			continue
		}
		action := strings.ToLower(ctrl.Action)
		if action != "subscribe" && action != "unsubscribe" {
			select {
			case cl.out <- wsStatus{Type: "error", Text: "unknown action: " + ctrl.Action}:
			default:
			}
			continue
		}
		cl.setSymbols(action, ctrl.Symbols)
		select {
		case cl.out <- wsStatus{Type: "status", Text: action + " ok"}:
		default:
		}
	}
}

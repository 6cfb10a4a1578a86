package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/order"
)

const (
	wsWriteWait    = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsQueueSize    = 256
)

// WSMessage is the JSON frame pushed for every order event.
type WSMessage struct {
	Type     string       `json:"type"`
	LedgerID string       `json:"ledger_id"`
	Order    model.Order  `json:"order"`
	Trade    *model.Trade `json:"trade,omitempty"`
}

// subscriber is one upgraded connection. ledger filters events; empty means
// every ledger.
type subscriber struct {
	conn   *websocket.Conn
	ledger string
}

func (s *subscriber) wants(ledgerID string) bool {
	return s.ledger == "" || s.ledger == ledgerID
}

type outbound struct {
	ledgerID string
	frame    []byte
}

// WSHub fans order events out to WebSocket subscribers. All writes to a
// connection happen on the Run goroutine, except pings, which use
// WriteControl and may be sent concurrently.
type WSHub struct {
	mu    sync.RWMutex
	subs  map[*websocket.Conn]*subscriber
	join  chan *subscriber
	leave chan *websocket.Conn
	out   chan outbound
	done  chan struct{}
}

var _ order.Publisher = (*WSHub)(nil)

func NewWSHub() *WSHub {
	return &WSHub{
		subs:  make(map[*websocket.Conn]*subscriber),
		join:  make(chan *subscriber),
		leave: make(chan *websocket.Conn),
		out:   make(chan outbound, wsQueueSize),
		done:  make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then closes every connection.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.subs {
				h.drop(conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case s := <-h.join:
			h.mu.Lock()
			h.subs[s.conn] = s
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws subscriber joined", "ledger", s.ledger, "subscribers", n)

		case conn := <-h.leave:
			h.mu.Lock()
			h.drop(conn)
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.out:
			h.mu.Lock()
			for conn, s := range h.subs {
				if !s.wants(msg.ledgerID) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.frame); err != nil {
					h.drop(conn)
				}
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// drop closes and forgets conn. Callers hold h.mu.
func (h *WSHub) drop(conn *websocket.Conn) {
	if _, ok := h.subs[conn]; !ok {
		return
	}
	delete(h.subs, conn)
	conn.Close()
}

func (h *WSHub) subscribed(conn *websocket.Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[conn]
	return ok
}

// Publish queues ev for delivery. It never blocks the caller; with a full
// queue the event is dropped.
func (h *WSHub) Publish(ev order.Event) {
	frame, err := json.Marshal(WSMessage{
		Type:     ev.Type,
		LedgerID: ev.Order.LedgerID,
		Order:    ev.Order,
		Trade:    ev.Trade,
	})
	if err != nil {
		slog.Error("ws encode failed", "type", ev.Type, "err", err)
		return
	}
	select {
	case h.out <- outbound{ledgerID: ev.Order.LedgerID, frame: frame}:
	default:
		slog.Warn("ws queue full, dropping event", "type", ev.Type, "order_id", ev.Order.ID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades GET /api/v1/ws. The optional ?ledger= query parameter
// restricts the stream to one ledger.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	select {
	case h.join <- &subscriber{conn: conn, ledger: r.URL.Query().Get("ledger")}:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readLoop(conn)
	go h.pingLoop(conn)
}

// readLoop discards inbound frames and reports the subscriber gone once the
// peer stops answering pings.
func (h *WSHub) readLoop(conn *websocket.Conn) {
	defer func() {
		select {
		case h.leave <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) pingLoop(conn *websocket.Conn) {
	tick := time.NewTicker(wsPingInterval)
	defer tick.Stop()
	for range tick.C {
		if !h.subscribed(conn) {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}

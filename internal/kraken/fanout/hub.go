package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"krakenstreamer/internal/kraken/memorystore"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub accepts subscriber connections, pushes the current snapshot on
// subscribe and relays broadcasts to every open connection.
type Hub struct {
	cfg      Config
	store    *memorystore.SnapshotStore
	source   Source
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[uuid.UUID]*Conn
	closed bool
}

// NewHub creates a hub. source may be nil, in which case pairs missing from
// the store are skipped during the initial push.
func NewHub(cfg Config, store *memorystore.SnapshotStore, source Source, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	h := &Hub{
		cfg:    cfg,
		store:  store,
		source: source,
		logger: logger.Named("fanout"),
		conns:  make(map[uuid.UUID]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := newConn(ws, h.cfg.WriteTimeout)
	if !h.register(conn) {
		conn.close()
		return
	}
	h.logger.Info("subscriber connected", zap.Stringer("conn", conn.id), zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.heartbeat(conn)
	h.readLoop(ctx, conn)
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

// readLoop handles client messages; it returns when the socket fails or closes.
func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	defer func() {
		h.unregister(c)
		c.close()
		h.logger.Info("subscriber disconnected", zap.Stringer("conn", c.id))
	}()

	wait := 2 * h.cfg.HeartbeatInterval
	c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read error", zap.Stringer("conn", c.id), zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(c, Message{Type: KindError, Data: errorData{Message: "message is not valid JSON"}})
			continue
		}
		c.ws.SetReadDeadline(time.Now().Add(wait))

		switch msg.Type {
		case "subscribe":
			pairs := msg.Pairs
			if len(pairs) == 0 {
				pairs = h.cfg.Pairs
			}
			c.setPairs(pairs)
			h.logger.Debug("subscribe", zap.Stringer("conn", c.id), zap.Strings("pairs", pairs))
			h.pushSnapshot(ctx, c, pairs)
		default:
			h.reply(c, Message{Type: KindError, Data: errorData{Message: "unknown message type: " + msg.Type}})
		}
	}
}

// pushSnapshot sends ticker, orderBook and trades for each pair, in that order.
// Broadcasts arriving meanwhile are queued behind the snapshot.
func (h *Hub) pushSnapshot(ctx context.Context, c *Conn, pairs []string) {
	c.beginPush()
	defer func() {
		if err := c.endPush(); err != nil {
			h.logger.Debug("queued broadcast write failed", zap.Stringer("conn", c.id), zap.Error(err))
			c.close()
		}
	}()

	for _, pair := range pairs {
		for _, kind := range []memorystore.Kind{memorystore.KindTicker, memorystore.KindOrderBook, memorystore.KindTrades} {
			if !c.IsOpen() {
				return
			}
			data, err := h.snapshot(ctx, kind, pair)
			if err != nil {
				h.logger.Warn("initial snapshot unavailable",
					zap.String("kind", string(kind)), zap.String("pair", pair), zap.Error(err))
				continue
			}
			if data == nil {
				continue
			}
			if !h.reply(c, Message{Type: kind, Pair: pair, Data: data}) {
				return
			}
		}
	}
}

// snapshot reads the store and falls back to the upstream source, writing a
// fetched record back so later subscribers hit the cache.
func (h *Hub) snapshot(ctx context.Context, kind memorystore.Kind, pair string) (any, error) {
	if rec, ok := h.store.Get(kind, pair); ok {
		return rec, nil
	}
	if h.source == nil {
		return nil, nil
	}

	fctx, cancel := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	defer cancel()

	switch kind {
	case memorystore.KindTicker:
		rec, err := h.source.FetchTicker(fctx, pair)
		if err != nil {
			return nil, err
		}
		h.store.PutTicker(pair, rec)
		return rec, nil
	case memorystore.KindOrderBook:
		rec, err := h.source.FetchOrderBook(fctx, pair, h.cfg.BookDepth)
		if err != nil {
			return nil, err
		}
		h.store.PutOrderBook(pair, rec)
		return rec, nil
	case memorystore.KindTrades:
		rec, err := h.source.FetchTradeHistory(fctx, pair, h.cfg.TradeCount)
		if err != nil {
			return nil, err
		}
		h.store.PutTrades(pair, rec)
		return rec, nil
	}
	return nil, nil
}

func (h *Hub) reply(c *Conn, msg Message) bool {
	if err := c.writeJSON(msg); err != nil {
		h.logger.Debug("write failed", zap.Stringer("conn", c.id), zap.Error(err))
		c.close()
		return false
	}
	return true
}

// heartbeat pings c until it closes.
func (h *Hub) heartbeat(c *Conn) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.IsOpen() {
				return
			}
			if err := c.ping(); err != nil {
				h.logger.Debug("failed to send ping", zap.Stringer("conn", c.id), zap.Error(err))
				c.close()
				return
			}
		}
	}
}

// Broadcast sends msg to every open connection regardless of its
// subscription and returns how many received it.
func (h *Hub) Broadcast(msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", zap.String("type", string(msg.Type)), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, c := range h.snapshotConns() {
		if !c.IsOpen() {
			continue
		}
		if err := c.deliver(data); err != nil {
			h.logger.Debug("broadcast write failed", zap.Stringer("conn", c.id), zap.Error(err))
			c.close()
			continue
		}
		delivered++
	}
	return delivered
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	n := 0
	for _, c := range h.snapshotConns() {
		if c.IsOpen() {
			n++
		}
	}
	return n
}

func (h *Hub) snapshotConns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, c := range h.snapshotConns() {
		c.close()
	}
}

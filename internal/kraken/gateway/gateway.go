package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"krakenstreamer/internal/kraken/fanout"
	"krakenstreamer/internal/kraken/memorystore"
	"krakenstreamer/pkg/kraken"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Refresher runs batch refreshes on demand.
type Refresher interface {
	MarketData(ctx context.Context) (tickers []kraken.TickerRecord, missing []string, err error)
	RefreshAll(ctx context.Context) (tickers []kraken.TickerRecord, missing []string, err error)
}

// Subscribers serves websocket subscribers.
type Subscribers interface {
	http.Handler
	ConnectionCount() int
}

type Config struct {
	BookDepth      int      // Default ?count for order books
	TradeCount     int      // Default ?count for trades
	MaxCount       int      // Upper bound on ?count (default: 1000)
	AllowedOrigins []string // CORS; "*" allows any
}

// Handler exposes the pipeline's read and refresh operations over HTTP.
type Handler struct {
	cfg       Config
	upstream  fanout.Source
	refresher Refresher
	store     *memorystore.SnapshotStore
	subs      Subscribers
	logger    *zap.Logger
}

func New(cfg Config, upstream fanout.Source, refresher Refresher, store *memorystore.SnapshotStore, subs Subscribers, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 5
	}
	if cfg.TradeCount <= 0 {
		cfg.TradeCount = 100
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 1000
	}
	return &Handler{
		cfg:       cfg,
		upstream:  upstream,
		refresher: refresher,
		store:     store,
		subs:      subs,
		logger:    logger.Named("gateway"),
	}
}

// Router builds the gin engine with every route mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(recovery(h.logger), requestLogger(h.logger), cors(h.cfg.AllowedOrigins))

	r.GET("/health", h.Health)
	if h.subs != nil {
		r.GET("/ws", gin.WrapH(h.subs))
	}

	api := r.Group("/api")
	{
		api.GET("/ticker/:pair", h.Ticker)
		api.GET("/orderbook/:pair", h.OrderBook)
		api.GET("/trades/:pair", h.Trades)
		api.GET("/market-data", h.MarketData)
		api.POST("/refresh", h.Refresh)
		api.GET("/cached/:kind", h.CachedAll)
		api.GET("/cached/:kind/:pair", h.Cached)
	}
	return r
}

func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok", "connections": 0, "lastUpdated": nil}
	if h.subs != nil {
		resp["connections"] = h.subs.ConnectionCount()
	}
	if ts, ok := h.store.LastUpdated(); ok {
		resp["lastUpdated"] = ts.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Ticker(c *gin.Context) {
	pair := c.Param("pair")
	rec, err := h.upstream.FetchTicker(c.Request.Context(), pair)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.store.PutTicker(pair, rec)
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) OrderBook(c *gin.Context) {
	pair := c.Param("pair")
	count, ok := h.count(c, h.cfg.BookDepth)
	if !ok {
		return
	}
	rec, err := h.upstream.FetchOrderBook(c.Request.Context(), pair, count)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.store.PutOrderBook(pair, rec)
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) Trades(c *gin.Context) {
	pair := c.Param("pair")
	count, ok := h.count(c, h.cfg.TradeCount)
	if !ok {
		return
	}
	rec, err := h.upstream.FetchTradeHistory(c.Request.Context(), pair, count)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.store.PutTrades(pair, rec)
	c.JSON(http.StatusOK, rec)
}

// MissingPairsHeader lists, comma separated, the pairs a partial batch left
// out of a market-data response.
const MissingPairsHeader = "X-Missing-Pairs"

func (h *Handler) MarketData(c *gin.Context) {
	tickers, missing, err := h.refresher.MarketData(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(missing) > 0 {
		c.Header(MissingPairsHeader, strings.Join(missing, ","))
	}
	c.JSON(http.StatusOK, tickers)
}

func (h *Handler) Refresh(c *gin.Context) {
	tickers, missing, err := h.refresher.RefreshAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{"refreshed": len(tickers), "data": tickers}
	if len(missing) > 0 {
		resp["missing"] = missing
	}
	c.JSON(http.StatusOK, resp)
}

// CachedAll returns every stored record of a kind, or the market list for
// kind "market-data". Nothing is fetched.
func (h *Handler) CachedAll(c *gin.Context) {
	if c.Param("kind") == "market-data" {
		list := h.store.MarketList()
		if len(list) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no cached market data"})
			return
		}
		c.JSON(http.StatusOK, list)
		return
	}

	kind, ok := memorystore.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind: " + c.Param("kind")})
		return
	}
	all := h.store.All(kind)
	if len(all) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached " + string(kind)})
		return
	}
	c.JSON(http.StatusOK, all)
}

func (h *Handler) Cached(c *gin.Context) {
	kind, ok := memorystore.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind: " + c.Param("kind")})
		return
	}
	pair := c.Param("pair")
	rec, ok := h.store.Get(kind, pair)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached " + string(kind) + " for " + pair})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) count(c *gin.Context, def int) (int, bool) {
	raw := c.Query("count")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > h.cfg.MaxCount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be an integer between 1 and " + strconv.Itoa(h.cfg.MaxCount)})
		return 0, false
	}
	return n, true
}

// fail maps upstream errors to a status and writes {"error": msg}.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var notFound *kraken.PairNotFoundError
	var netErr net.Error
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		status = http.StatusGatewayTimeout
	case errors.Is(err, kraken.ErrUpstream):
		status = http.StatusBadGateway
	}

	h.logger.Warn("request failed",
		zap.String("path", c.FullPath()),
		zap.Int("status", status),
		zap.Error(err),
	)
	c.JSON(status, gin.H{"error": err.Error()})
}

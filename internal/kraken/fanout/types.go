package fanout

import (
	"context"
	"time"

	"krakenstreamer/internal/kraken/memorystore"
	"krakenstreamer/pkg/kraken"
)

// Message is the envelope pushed to subscribers.
type Message struct {
	Type memorystore.Kind `json:"type"`           // "ticker", "orderBook", "trades" or "error"
	Pair string           `json:"pair,omitempty"` // Canonical pair id (e.g., "XBTUSD")
	Data any              `json:"data"`
}

// KindError tags replies to malformed or unknown client messages.
const KindError memorystore.Kind = "error"

// clientMessage is what subscribers send, e.g. {"type":"subscribe","pairs":["XBTUSD"]}.
type clientMessage struct {
	Type  string   `json:"type"`
	Pairs []string `json:"pairs"`
}

type errorData struct {
	Message string `json:"message"`
}

// Source is consulted when the store has no snapshot for a requested pair.
type Source interface {
	FetchTicker(ctx context.Context, pair string) (kraken.TickerRecord, error)
	FetchOrderBook(ctx context.Context, pair string, depth int) (kraken.OrderBookRecord, error)
	FetchTradeHistory(ctx context.Context, pair string, count int) (kraken.TradeHistory, error)
}

type Config struct {
	Pairs             []string      // Pairs pushed when a subscribe message names none
	HeartbeatInterval time.Duration // Gap between pings on each connection
	WriteTimeout      time.Duration
	FetchTimeout      time.Duration // Bound on a fallback upstream fetch
	BookDepth         int
	TradeCount        int
	AllowedOrigins    []string // "*" allows any origin
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 5
	}
	if c.TradeCount <= 0 {
		c.TradeCount = 100
	}
	return c
}

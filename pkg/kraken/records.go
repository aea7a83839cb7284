package kraken

// TickerRecord is the normalized 24h summary for one pair.
type TickerRecord struct {
	Pair          string  `json:"pair"`          // Canonical pair id (e.g., "XBTUSD")
	Name          string  `json:"name"`          // Display name (e.g., "Bitcoin")
	Price         float64 `json:"price"`         // Last trade price
	Change        float64 `json:"change"`        // Last price minus today's open
	ChangePercent float64 `json:"changePercent"` // Change relative to the open, in percent
	Volume        float64 `json:"volume"`        // Rolling 24h volume in base units
	High          float64 `json:"high"`          // Rolling 24h high
	Low           float64 `json:"low"`           // Rolling 24h low
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	Spread        float64 `json:"spread"`        // Ask minus bid
	SpreadPercent float64 `json:"spreadPercent"` // Spread relative to the bid, 0 when bid is 0
}

// BookEntry is one price level of an order book side.
type BookEntry struct {
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"` // Exchange timestamp, unix seconds
}

// OrderBookRecord holds both sides of a book: asks ascending, bids descending.
type OrderBookRecord struct {
	Pair          string      `json:"pair"`
	Asks          []BookEntry `json:"asks"`
	Bids          []BookEntry `json:"bids"`
	BestBid       float64     `json:"bestBid"`
	BestAsk       float64     `json:"bestAsk"`
	Spread        float64     `json:"spread"`
	SpreadPercent float64     `json:"spreadPercent"`
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a single public execution.
type Trade struct {
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Time      int64   `json:"time"` // Exchange-assigned time, unix milliseconds
	Side      Side    `json:"side"`
	OrderType string  `json:"orderType,omitempty"` // "market" or "limit"
}

// TradeHistory is the recent trades for a pair, newest first.
type TradeHistory struct {
	Pair   string  `json:"pair"`
	Trades []Trade `json:"trades"`
}

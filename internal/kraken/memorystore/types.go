package memorystore

import "krakenstreamer/pkg/kraken"

// Kind names one category of snapshot held per pair.
// The values double as the "type" field of fan-out messages.
type Kind string

const (
	KindTicker    Kind = "ticker"
	KindOrderBook Kind = "orderBook"
	KindTrades    Kind = "trades"
)

// ParseKind maps a wire name to a Kind. Both the camelCase message names and
// their lowercase spellings are accepted.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "ticker":
		return KindTicker, true
	case "orderBook", "orderbook":
		return KindOrderBook, true
	case "trades":
		return KindTrades, true
	}
	return "", false
}

// cloneBook copies the level slices; a nil side stays nil.
func cloneBook(b kraken.OrderBookRecord) kraken.OrderBookRecord {
	b.Asks = cloneSlice(b.Asks)
	b.Bids = cloneSlice(b.Bids)
	return b
}

func cloneTrades(h kraken.TradeHistory) kraken.TradeHistory {
	h.Trades = cloneSlice(h.Trades)
	return h
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

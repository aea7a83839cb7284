package memorystore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"krakenstreamer/pkg/kraken"
)

var ErrKindMismatch = errors.New("record type does not match kind")

// SnapshotStore keeps the latest record per (kind, pair) plus the last bulk
// ticker list. Writes replace whole records; nothing is merged or evicted.
type SnapshotStore struct {
	mu          sync.RWMutex
	tickers     map[string]kraken.TickerRecord
	books       map[string]kraken.OrderBookRecord
	trades      map[string]kraken.TradeHistory
	market      []kraken.TickerRecord
	lastUpdated time.Time

	now func() time.Time
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		tickers: make(map[string]kraken.TickerRecord),
		books:   make(map[string]kraken.OrderBookRecord),
		trades:  make(map[string]kraken.TradeHistory),
		now:     time.Now,
	}
}

// Put stores record under (kind, pair). The record must be the value type
// matching kind: TickerRecord, OrderBookRecord or TradeHistory.
func (s *SnapshotStore) Put(kind Kind, pair string, record any) error {
	switch r := record.(type) {
	case kraken.TickerRecord:
		if kind == KindTicker {
			s.PutTicker(pair, r)
			return nil
		}
	case kraken.OrderBookRecord:
		if kind == KindOrderBook {
			s.PutOrderBook(pair, r)
			return nil
		}
	case kraken.TradeHistory:
		if kind == KindTrades {
			s.PutTrades(pair, r)
			return nil
		}
	}
	return fmt.Errorf("put %s/%s with %T: %w", kind, pair, record, ErrKindMismatch)
}

// Get returns the resident record for (kind, pair), if any.
func (s *SnapshotStore) Get(kind Kind, pair string) (any, bool) {
	switch kind {
	case KindTicker:
		return s.Ticker(pair)
	case KindOrderBook:
		return s.OrderBook(pair)
	case KindTrades:
		return s.Trades(pair)
	}
	return nil, false
}

// All returns every resident record of kind keyed by pair.
func (s *SnapshotStore) All(kind Kind) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any)
	switch kind {
	case KindTicker:
		for pair, r := range s.tickers {
			out[pair] = r
		}
	case KindOrderBook:
		for pair, r := range s.books {
			out[pair] = cloneBook(r)
		}
	case KindTrades:
		for pair, r := range s.trades {
			out[pair] = cloneTrades(r)
		}
	}
	return out
}

func (s *SnapshotStore) PutTicker(pair string, r kraken.TickerRecord) {
	s.mu.Lock()
	s.tickers[pair] = r
	s.mu.Unlock()
}

func (s *SnapshotStore) Ticker(pair string) (kraken.TickerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.tickers[pair]
	return r, ok
}

func (s *SnapshotStore) PutOrderBook(pair string, r kraken.OrderBookRecord) {
	r = cloneBook(r)
	s.mu.Lock()
	s.books[pair] = r
	s.mu.Unlock()
}

func (s *SnapshotStore) OrderBook(pair string) (kraken.OrderBookRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.books[pair]
	if !ok {
		return kraken.OrderBookRecord{}, false
	}
	return cloneBook(r), true
}

func (s *SnapshotStore) PutTrades(pair string, h kraken.TradeHistory) {
	h = cloneTrades(h)
	s.mu.Lock()
	s.trades[pair] = h
	s.mu.Unlock()
}

func (s *SnapshotStore) Trades(pair string) (kraken.TradeHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.trades[pair]
	if !ok {
		return kraken.TradeHistory{}, false
	}
	return cloneTrades(h), true
}

// PutMarketList replaces the bulk ticker list and stamps the refresh time.
func (s *SnapshotStore) PutMarketList(records []kraken.TickerRecord) {
	cp := cloneSlice(records)
	s.mu.Lock()
	s.market = cp
	s.lastUpdated = s.now()
	s.mu.Unlock()
}

func (s *SnapshotStore) MarketList() []kraken.TickerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSlice(s.market)
}

// LastUpdated reports when PutMarketList last ran; false before the first call.
func (s *SnapshotStore) LastUpdated() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated, !s.lastUpdated.IsZero()
}

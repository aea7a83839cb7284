package refresher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"krakenstreamer/internal/kraken/fanout"
	"krakenstreamer/internal/kraken/memorystore"
	"krakenstreamer/pkg/kraken"
)

type fakeUpstream struct {
	mu         sync.Mutex
	batchCalls int
	bookCalls  int
	batchErr   error
	bookErr    map[string]error
	block      chan struct{} // when set, FetchTickersBatch waits on it
}

func (f *fakeUpstream) FetchTickersBatch(ctx context.Context, pairs []string) ([]kraken.TickerRecord, error) {
	f.mu.Lock()
	f.batchCalls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([]kraken.TickerRecord, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, kraken.TickerRecord{Pair: p, Price: 10, Bid: 9, Ask: 11})
	}
	return out, nil
}

func (f *fakeUpstream) FetchTicker(ctx context.Context, pair string) (kraken.TickerRecord, error) {
	return kraken.TickerRecord{Pair: pair}, nil
}

func (f *fakeUpstream) FetchOrderBook(_ context.Context, pair string, depth int) (kraken.OrderBookRecord, error) {
	f.mu.Lock()
	f.bookCalls++
	err := f.bookErr[pair]
	f.mu.Unlock()
	if err != nil {
		return kraken.OrderBookRecord{}, err
	}
	return kraken.OrderBookRecord{Pair: pair, BestBid: 9, BestAsk: 11}, nil
}

func (f *fakeUpstream) FetchTradeHistory(_ context.Context, pair string, count int) (kraken.TradeHistory, error) {
	return kraken.TradeHistory{Pair: pair, Trades: []kraken.Trade{{Price: 10, Volume: 1}}}, nil
}

func (f *fakeUpstream) calls() (batch, book int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls, f.bookCalls
}

type fakeHub struct {
	conns atomic.Int32
	mu    sync.Mutex
	sent  []fanout.Message
}

func (h *fakeHub) ConnectionCount() int { return int(h.conns.Load()) }

func (h *fakeHub) Broadcast(msg fanout.Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
	return int(h.conns.Load())
}

func (h *fakeHub) messages() []fanout.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]fanout.Message(nil), h.sent...)
}

func newTestRefresher(up *fakeUpstream, hub *fakeHub) (*Refresher, *memorystore.SnapshotStore) {
	store := memorystore.NewSnapshotStore()
	cfg := Config{Pairs: []string{"XBTUSD", "ETHUSD", "ADAUSD"}, Interval: 20 * time.Millisecond}
	return New(cfg, up, store, hub, nil), store
}

// go test -v --run TestCycle_SkipsWithoutSubscribers
func TestCycle_SkipsWithoutSubscribers(t *testing.T) {
	up := &fakeUpstream{}
	r, store := newTestRefresher(up, &fakeHub{})

	r.Cycle(context.Background())

	if batch, _ := up.calls(); batch != 0 {
		t.Fatalf("upstream called %d times with no subscribers", batch)
	}
	if _, ok := store.LastUpdated(); ok {
		t.Error("store should not be stamped by a skipped cycle")
	}
}

// go test -v --run TestCycle_StoresAndBroadcasts
func TestCycle_StoresAndBroadcasts(t *testing.T) {
	up := &fakeUpstream{}
	hub := &fakeHub{}
	hub.conns.Store(2)
	r, store := newTestRefresher(up, hub)

	r.Cycle(context.Background())

	for _, pair := range []string{"XBTUSD", "ETHUSD", "ADAUSD"} {
		if _, ok := store.Ticker(pair); !ok {
			t.Errorf("ticker for %s not stored", pair)
		}
	}
	if got := len(store.MarketList()); got != 3 {
		t.Errorf("market list has %d records, want 3", got)
	}
	if _, ok := store.LastUpdated(); !ok {
		t.Error("last updated not set")
	}

	msgs := hub.messages()
	if len(msgs) != 3 {
		t.Fatalf("broadcast %d messages, want 3", len(msgs))
	}
	for i, pair := range []string{"XBTUSD", "ETHUSD", "ADAUSD"} {
		if msgs[i].Type != memorystore.KindTicker || msgs[i].Pair != pair {
			t.Errorf("message %d = %s/%s, want ticker/%s", i, msgs[i].Type, msgs[i].Pair, pair)
		}
	}
	if r.State() != StateIdle {
		t.Errorf("state = %s after cycle, want idle", r.State())
	}
}

// go test -v --run TestCycle_APIErrorLeavesStoreUntouched
func TestCycle_APIErrorLeavesStoreUntouched(t *testing.T) {
	up := &fakeUpstream{batchErr: &kraken.APIError{Messages: []string{"Invalid arguments"}}}
	hub := &fakeHub{}
	hub.conns.Store(1)
	r, store := newTestRefresher(up, hub)

	r.Cycle(context.Background())

	if _, ok := store.Ticker("XBTUSD"); ok {
		t.Error("store updated despite upstream error")
	}
	if _, ok := store.LastUpdated(); ok {
		t.Error("last updated set despite upstream error")
	}
	if len(hub.messages()) != 0 {
		t.Error("broadcast sent despite upstream error")
	}
}

// go test -v --run TestCycle_SkipsWhileRunning
func TestCycle_SkipsWhileRunning(t *testing.T) {
	up := &fakeUpstream{block: make(chan struct{})}
	hub := &fakeHub{}
	hub.conns.Store(1)
	r, _ := newTestRefresher(up, hub)

	done := make(chan struct{})
	go func() {
		r.Cycle(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateFetching && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.State() != StateFetching {
		t.Fatalf("state = %s, want fetching", r.State())
	}

	r.Cycle(context.Background())
	if batch, _ := up.calls(); batch != 1 {
		t.Fatalf("overlapping cycle reached upstream: %d calls", batch)
	}

	close(up.block)
	<-done
}

// go test -v --run TestRefreshAll_PerPairFailureContinues
func TestRefreshAll_PerPairFailureContinues(t *testing.T) {
	up := &fakeUpstream{bookErr: map[string]error{"ETHUSD": errors.New("book unavailable")}}
	hub := &fakeHub{}
	hub.conns.Store(1)
	r, store := newTestRefresher(up, hub)

	tickers, missing, err := r.RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("missing = %v on a complete batch", missing)
	}
	if len(tickers) != 3 {
		t.Fatalf("got %d tickers, want 3", len(tickers))
	}

	if _, ok := store.OrderBook("ETHUSD"); ok {
		t.Error("failed pair should have no order book")
	}
	for _, pair := range []string{"XBTUSD", "ADAUSD"} {
		if _, ok := store.OrderBook(pair); !ok {
			t.Errorf("order book for %s missing", pair)
		}
		if _, ok := store.Trades(pair); !ok {
			t.Errorf("trades for %s missing", pair)
		}
	}
	if _, book := up.calls(); book != 3 {
		t.Errorf("order book fetched %d times, want 3", book)
	}

	// 3 tickers + orderBook and trades for the 2 successful pairs.
	if got := len(hub.messages()); got != 7 {
		t.Errorf("broadcast %d messages, want 7", got)
	}
}

// go test -v --run TestRefreshAll_BatchFailureAborts
func TestRefreshAll_BatchFailureAborts(t *testing.T) {
	up := &fakeUpstream{batchErr: &kraken.PairNotFoundError{Pair: "ADAUSD"}}
	r, store := newTestRefresher(up, &fakeHub{})

	_, _, err := r.RefreshAll(context.Background())
	var notFound *kraken.PairNotFoundError
	if !errors.As(err, &notFound) || notFound.Pair != "ADAUSD" {
		t.Fatalf("expected PairNotFoundError for ADAUSD, got %v", err)
	}
	if !errors.Is(err, kraken.ErrUpstream) {
		t.Error("error should match ErrUpstream")
	}
	if _, book := up.calls(); book != 0 {
		t.Errorf("order books fetched after batch failure: %d", book)
	}
	if len(store.MarketList()) != 0 {
		t.Error("market list written after batch failure")
	}
}

// go test -v --run TestRefreshAll_NoSubscribersNoBroadcast
func TestRefreshAll_NoSubscribersNoBroadcast(t *testing.T) {
	hub := &fakeHub{}
	r, _ := newTestRefresher(&fakeUpstream{}, hub)

	if _, _, err := r.RefreshAll(context.Background()); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if len(hub.messages()) != 0 {
		t.Errorf("broadcast %d messages with no subscribers", len(hub.messages()))
	}
}

// go test -v --run TestMarketData
func TestMarketData(t *testing.T) {
	up := &fakeUpstream{}
	hub := &fakeHub{}
	r, store := newTestRefresher(up, hub)

	tickers, _, err := r.MarketData(context.Background())
	if err != nil {
		t.Fatalf("MarketData: %v", err)
	}
	if len(tickers) != 3 || len(store.MarketList()) != 3 {
		t.Fatalf("tickers=%d market list=%d, want 3", len(tickers), len(store.MarketList()))
	}

	up.batchErr = &kraken.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}
	if _, _, err := r.MarketData(context.Background()); !errors.Is(err, kraken.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

// partialUpstream answers every Ticker request with XBTUSD only, so any
// other requested pair is unresolved.
func partialUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/0/public/Ticker":
			w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{` +
				`"a":["50010.5","1","1.000"],"b":["50000.0","1","1.000"],"c":["50005.0","0.1"],` +
				`"v":["100","200"],"p":["50000","50000"],"t":[10,20],` +
				`"l":["48000","47000"],"h":["51000","52000"],"o":"49000.0"}}}`))
		case "/0/public/Depth":
			w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{` +
				`"asks":[["50010.5","1.0",1700000000]],"bids":[["50000.0","2.0",1700000000]]}}}`))
		case "/0/public/Trades":
			w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":[` +
				`["50005.0","0.1",1700000000.5,"b","l","",1]],"last":"1700000000500000000"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPartialRefresher(t *testing.T, hub *fakeHub) (*Refresher, *memorystore.SnapshotStore) {
	t.Helper()
	srv := partialUpstream(t)
	client := kraken.NewClient(srv.URL, 5*time.Second, nil,
		kraken.WithLimiter(nil),
		kraken.WithBatchMode(kraken.BatchPartial),
	)
	store := memorystore.NewSnapshotStore()
	cfg := Config{Pairs: []string{"XBTUSD", "FOOBAR"}, Interval: time.Hour}
	return New(cfg, client, store, hub, nil), store
}

// go test -v --run TestCycle_PartialBatchKeepsResolvedPairs
func TestCycle_PartialBatchKeepsResolvedPairs(t *testing.T) {
	hub := &fakeHub{}
	hub.conns.Store(1)
	r, store := newPartialRefresher(t, hub)

	r.Cycle(context.Background())

	rec, ok := store.Ticker("XBTUSD")
	if !ok {
		t.Fatal("resolved pair not stored")
	}
	if rec.Price != 50005 {
		t.Errorf("price = %v, want 50005", rec.Price)
	}
	if _, ok := store.Ticker("FOOBAR"); ok {
		t.Error("unresolved pair stored")
	}
	if got := len(store.MarketList()); got != 1 {
		t.Errorf("market list has %d records, want 1", got)
	}

	msgs := hub.messages()
	if len(msgs) != 1 || msgs[0].Type != memorystore.KindTicker || msgs[0].Pair != "XBTUSD" {
		t.Fatalf("broadcast = %+v, want one XBTUSD ticker", msgs)
	}
}

// go test -v --run TestMarketData_PartialBatchReportsMissing
func TestMarketData_PartialBatchReportsMissing(t *testing.T) {
	r, store := newPartialRefresher(t, &fakeHub{})

	tickers, missing, err := r.MarketData(context.Background())
	if err != nil {
		t.Fatalf("MarketData: %v", err)
	}
	if len(tickers) != 1 || tickers[0].Pair != "XBTUSD" {
		t.Fatalf("tickers = %+v, want XBTUSD only", tickers)
	}
	if len(missing) != 1 || missing[0] != "FOOBAR" {
		t.Errorf("missing = %v, want [FOOBAR]", missing)
	}
	if len(store.MarketList()) != 1 {
		t.Error("resolved records not stored")
	}
}

// go test -v --run TestRefreshAll_PartialBatch
func TestRefreshAll_PartialBatch(t *testing.T) {
	hub := &fakeHub{}
	hub.conns.Store(1)
	r, store := newPartialRefresher(t, hub)

	tickers, missing, err := r.RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if len(tickers) != 1 || len(missing) != 1 || missing[0] != "FOOBAR" {
		t.Fatalf("tickers=%d missing=%v", len(tickers), missing)
	}
	if _, ok := store.OrderBook("XBTUSD"); !ok {
		t.Error("order book for resolved pair missing")
	}
	if _, ok := store.Trades("XBTUSD"); !ok {
		t.Error("trades for resolved pair missing")
	}
	// ticker, orderBook and trades for XBTUSD.
	if got := len(hub.messages()); got != 3 {
		t.Errorf("broadcast %d messages, want 3", got)
	}
}

// go test -v --run TestMarketData_NothingResolved
func TestMarketData_NothingResolved(t *testing.T) {
	srv := partialUpstream(t)
	client := kraken.NewClient(srv.URL, 5*time.Second, nil,
		kraken.WithLimiter(nil),
		kraken.WithBatchMode(kraken.BatchPartial),
	)
	r := New(Config{Pairs: []string{"FOOBAR"}}, client, memorystore.NewSnapshotStore(), &fakeHub{}, nil)

	_, _, err := r.MarketData(context.Background())
	var notFound *kraken.PairNotFoundError
	if !errors.As(err, &notFound) || notFound.Pair != "FOOBAR" {
		t.Fatalf("expected PairNotFoundError for FOOBAR, got %v", err)
	}
}

// go test -v --run TestStartStop
func TestStartStop(t *testing.T) {
	up := &fakeUpstream{}
	hub := &fakeHub{}
	hub.conns.Store(1)
	r, _ := newTestRefresher(up, hub)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if batch, _ := up.calls(); batch >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	batch, _ := up.calls()
	if batch < 2 {
		t.Fatalf("timer fired %d cycles, want at least 2", batch)
	}
	time.Sleep(60 * time.Millisecond)
	if after, _ := up.calls(); after != batch {
		t.Errorf("cycles continued after Stop: %d -> %d", batch, after)
	}
}

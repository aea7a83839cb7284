package refresher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"krakenstreamer/internal/kraken/fanout"
	"krakenstreamer/internal/kraken/memorystore"
	"krakenstreamer/pkg/kraken"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Upstream is the subset of the exchange client the refresher drives.
type Upstream interface {
	fanout.Source
	FetchTickersBatch(ctx context.Context, pairs []string) ([]kraken.TickerRecord, error)
}

// Broadcaster pushes messages to attached subscribers.
type Broadcaster interface {
	ConnectionCount() int
	Broadcast(msg fanout.Message) int
}

// State is the phase of the cycle currently running.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateStoring
	StateBroadcasting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateStoring:
		return "storing"
	case StateBroadcasting:
		return "broadcasting"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Config struct {
	Pairs      []string
	Interval   time.Duration // Timer period (default: 15s)
	BookDepth  int
	TradeCount int
	Timeout    time.Duration // Bound on one timer-driven cycle (default: 30s)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 5
	}
	if c.TradeCount <= 0 {
		c.TradeCount = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Refresher keeps the snapshot store current for a fixed pair universe and
// pushes ticker updates to subscribers.
type Refresher struct {
	cfg      Config
	upstream Upstream
	store    *memorystore.SnapshotStore
	hub      Broadcaster
	logger   *zap.Logger

	// cycleMu keeps cycles from overlapping. The timer path uses TryLock
	// and skips; on-demand refreshes wait their turn.
	cycleMu sync.Mutex
	state   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, upstream Upstream, store *memorystore.SnapshotStore, hub Broadcaster, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		cfg:      cfg.withDefaults(),
		upstream: upstream,
		store:    store,
		hub:      hub,
		logger:   logger.Named("refresher"),
	}
}

// State reports the phase of the running cycle, or StateIdle.
func (r *Refresher) State() State { return State(r.state.Load()) }

func (r *Refresher) setState(s State) { r.state.Store(int32(s)) }

// Start runs Cycle every cfg.Interval until ctx is cancelled or Stop is called.
func (r *Refresher) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("refresher started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Strings("pairs", r.cfg.Pairs),
	)
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle, bounded by ctx.
func (r *Refresher) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("refresher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Refresher) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			cctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
			r.Cycle(cctx)
			cancel()
		}
	}
}

// Cycle runs one timer-driven refresh: batch tickers, store, broadcast.
// It does nothing while no subscriber is attached or another cycle runs.
// Failures are logged only.
func (r *Refresher) Cycle(ctx context.Context) {
	if r.hub == nil || r.hub.ConnectionCount() == 0 {
		r.logger.Debug("no subscribers, skipping cycle")
		return
	}
	if !r.cycleMu.TryLock() {
		r.logger.Debug("previous cycle still running, skipping")
		return
	}
	defer r.cycleMu.Unlock()
	defer r.setState(StateIdle)

	start := time.Now()
	r.setState(StateFetching)
	tickers, _, err := r.fetchTickers(ctx)
	if err != nil {
		r.logger.Warn("ticker refresh failed", zap.Error(err))
		return
	}

	r.setState(StateStoring)
	r.storeTickers(tickers)

	r.setState(StateBroadcasting)
	delivered := r.broadcastTickers(tickers)

	r.logger.Debug("cycle complete",
		zap.Int("pairs", len(tickers)),
		zap.Int("delivered", delivered),
		zap.Duration("duration", time.Since(start)),
	)
}

// RefreshAll refreshes tickers, order books and trades for every pair.
// A ticker batch failure aborts and is returned; per-pair book or trade
// failures are logged and the remaining pairs continue. missing names the
// pairs a partial batch could not resolve.
func (r *Refresher) RefreshAll(ctx context.Context) (tickers []kraken.TickerRecord, missing []string, err error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	defer r.setState(StateIdle)

	r.setState(StateFetching)
	tickers, missing, err = r.fetchTickers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh tickers: %w", err)
	}

	r.setState(StateStoring)
	r.storeTickers(tickers)

	var refreshed []string
	for _, t := range tickers {
		r.setState(StateFetching)
		if err := r.refreshPair(ctx, t.Pair); err != nil {
			r.logger.Warn("pair refresh failed", zap.String("pair", t.Pair), zap.Error(err))
			continue
		}
		refreshed = append(refreshed, t.Pair)
	}

	if r.hub != nil && r.hub.ConnectionCount() > 0 {
		r.setState(StateBroadcasting)
		r.broadcastTickers(tickers)
		for _, pair := range refreshed {
			r.broadcastDetail(pair)
		}
	}

	r.logger.Info("full refresh complete",
		zap.Int("pairs", len(tickers)),
		zap.Int("detailed", len(refreshed)),
		zap.Strings("missing", missing),
	)
	return tickers, missing, nil
}

// refreshPair fetches the order book and trades for pair concurrently and
// stores each on success.
func (r *Refresher) refreshPair(ctx context.Context, pair string) error {
	g, gctx := errgroup.WithContext(ctx)

	var book kraken.OrderBookRecord
	var trades kraken.TradeHistory

	g.Go(func() error {
		var err error
		book, err = r.upstream.FetchOrderBook(gctx, pair, r.cfg.BookDepth)
		if err != nil {
			return fmt.Errorf("order book: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		trades, err = r.upstream.FetchTradeHistory(gctx, pair, r.cfg.TradeCount)
		if err != nil {
			return fmt.Errorf("trades: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	r.setState(StateStoring)
	r.store.PutOrderBook(pair, book)
	r.store.PutTrades(pair, trades)
	return nil
}

// MarketData fetches and stores the ticker batch for the universe. missing
// names the pairs a partial batch could not resolve.
func (r *Refresher) MarketData(ctx context.Context) (tickers []kraken.TickerRecord, missing []string, err error) {
	tickers, missing, err = r.fetchTickers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("market data: %w", err)
	}
	r.storeTickers(tickers)
	return tickers, missing, nil
}

// fetchTickers runs the batch for the universe. The client only returns
// records together with an error in partial mode; those records are kept and
// the unresolved pairs reported.
func (r *Refresher) fetchTickers(ctx context.Context) ([]kraken.TickerRecord, []string, error) {
	tickers, err := r.upstream.FetchTickersBatch(ctx, r.cfg.Pairs)
	if err == nil {
		return tickers, nil, nil
	}
	if len(tickers) == 0 {
		return nil, nil, err
	}

	missing := kraken.UnresolvedPairs(err)
	r.logger.Warn("partial ticker batch",
		zap.Int("resolved", len(tickers)),
		zap.Strings("missing", missing),
		zap.Error(err),
	)
	return tickers, missing, nil
}

func (r *Refresher) storeTickers(tickers []kraken.TickerRecord) {
	for _, t := range tickers {
		r.store.PutTicker(t.Pair, t)
	}
	r.store.PutMarketList(tickers)
}

func (r *Refresher) broadcastTickers(tickers []kraken.TickerRecord) int {
	delivered := 0
	for _, t := range tickers {
		delivered += r.hub.Broadcast(fanout.Message{Type: memorystore.KindTicker, Pair: t.Pair, Data: t})
	}
	return delivered
}

func (r *Refresher) broadcastDetail(pair string) {
	if book, ok := r.store.OrderBook(pair); ok {
		r.hub.Broadcast(fanout.Message{Type: memorystore.KindOrderBook, Pair: pair, Data: book})
	}
	if trades, ok := r.store.Trades(pair); ok {
		r.hub.Broadcast(fanout.Message{Type: memorystore.KindTrades, Pair: pair, Data: trades})
	}
}

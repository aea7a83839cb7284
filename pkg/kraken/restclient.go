package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"


	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// BatchMode controls what FetchTickersBatch does with pairs it cannot resolve.
type BatchMode int

const (
	// BatchFailFast aborts the whole batch on the first unresolved pair.
	BatchFailFast BatchMode = iota
	// BatchPartial returns the pairs that resolved alongside an error naming the rest.
	BatchPartial
)

// ParseBatchMode accepts the config spellings "fail_fast" and "partial".
func ParseBatchMode(s string) (BatchMode, error) {
	switch s {
	case "", "fail_fast":
		return BatchFailFast, nil
	case "partial":
		return BatchPartial, nil
	}
	return BatchFailFast, fmt.Errorf("unknown batch mode %q", s)
}

const (
	tickerPath = "/0/public/Ticker"
	depthPath  = "/0/public/Depth"
	tradesPath = "/0/public/Trades"

	defaultMinInterval = time.Second
)

// Client talks to Kraken's public market-data endpoints. All requests made
// through one Client share its Limiter.
type Client struct {
	baseURL   string
	http      *resty.Client
	limiter   *Limiter
	symbols   *SymbolTable
	batchMode BatchMode
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter replaces the client's limiter; nil disables rate limiting.
func WithLimiter(l *Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithMinInterval sets a fresh limiter with the given gap between requests.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) { c.limiter = NewLimiter(d) }
}

func WithSymbols(t *SymbolTable) Option {
	return func(c *Client) { c.symbols = t }
}

func WithBatchMode(m BatchMode) Option {
	return func(c *Client) { c.batchMode = m }
}

// WithHTTPClient routes requests through hc; the configured timeout still applies.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		timeout := c.http.GetClient().Timeout
		c.http = newResty(resty.NewWithClient(hc), timeout)
	}
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    newResty(resty.New(), timeout),
		limiter: NewLimiter(defaultMinInterval),
		symbols: DefaultSymbols(),
		logger:  logger.Named("kraken"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newResty(rc *resty.Client, timeout time.Duration) *resty.Client {
	return rc.
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "krakenstreamer/1.0")
}

func (c *Client) Symbols() *SymbolTable { return c.symbols }

// FetchTicker returns the 24h ticker for one canonical pair.
func (c *Client) FetchTicker(ctx context.Context, pair string) (TickerRecord, error) {
	result, err := c.get(ctx, "ticker", tickerPath, map[string]string{"pair": pair})
	if err != nil {
		return TickerRecord{}, err
	}

	key, err := c.resolveSingle(pair, result)
	if err != nil {
		return TickerRecord{}, err
	}
	return c.decodeTicker(pair, result[key])
}

// FetchTickersBatch fetches every pair with a single request and returns one
// record per pair in request order.
func (c *Client) FetchTickersBatch(ctx context.Context, pairs []string) ([]TickerRecord, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	result, err := c.get(ctx, "ticker", tickerPath, map[string]string{"pair": strings.Join(pairs, ",")})
	if err != nil {
		return nil, err
	}
	keys := resultKeys(result)

	records := make([]TickerRecord, 0, len(pairs))
	var errs []error
	for _, pair := range pairs {
		key, match := c.symbols.Resolve(pair, keys)
		if match == MatchNone {
			notFound := &PairNotFoundError{Pair: pair}
			if c.batchMode == BatchFailFast {
				return nil, notFound
			}
			errs = append(errs, notFound)
			continue
		}
		if match == MatchFuzzy {
			c.logger.Debug("pair resolved by fuzzy match", zap.String("pair", pair), zap.String("key", key))
		}

		rec, err := c.decodeTicker(pair, result[key])
		if err != nil {
			if c.batchMode == BatchFailFast {
				return nil, err
			}
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}

	return records, errors.Join(errs...)
}

// FetchOrderBook returns at most depth levels per side.
func (c *Client) FetchOrderBook(ctx context.Context, pair string, depth int) (OrderBookRecord, error) {
	query := map[string]string{"pair": pair}
	if depth > 0 {
		query["count"] = strconv.Itoa(depth)
	}

	result, err := c.get(ctx, "depth", depthPath, query)
	if err != nil {
		return OrderBookRecord{}, err
	}
	key, err := c.resolveSingle(pair, result)
	if err != nil {
		return OrderBookRecord{}, err
	}

	var raw RawBook
	if err := json.Unmarshal(result[key], &raw); err != nil {
		return OrderBookRecord{}, invalid("depth", "%s: book is not an asks/bids object", pair)
	}
	return NormalizeOrderBook(pair, raw, depth)
}

// FetchTradeHistory returns up to count recent trades, newest first.
func (c *Client) FetchTradeHistory(ctx context.Context, pair string, count int) (TradeHistory, error) {
	query := map[string]string{"pair": pair}
	if count > 0 {
		query["count"] = strconv.Itoa(count)
	}

	result, err := c.get(ctx, "trades", tradesPath, query)
	if err != nil {
		return TradeHistory{}, err
	}
	key, err := c.resolveSingle(pair, result)
	if err != nil {
		return TradeHistory{}, err
	}

	var raw []rawTrade
	if err := json.Unmarshal(result[key], &raw); err != nil {
		return TradeHistory{}, invalid("trades", "%s: trades is not a list of rows", pair)
	}
	return NormalizeTrades(pair, raw, count)
}

func (c *Client) decodeTicker(pair string, raw json.RawMessage) (TickerRecord, error) {
	var rt RawTicker
	if err := json.Unmarshal(raw, &rt); err != nil {
		return TickerRecord{}, invalid("ticker", "%s: ticker entry has unexpected shape", pair)
	}
	return NormalizeTicker(pair, c.symbols.DisplayName(pair), rt)
}

// resolveSingle picks the key for a one-pair request. Kraken answers with a
// single key even when its spelling is unknown to the alias table.
func (c *Client) resolveSingle(pair string, result map[string]json.RawMessage) (string, error) {
	keys := resultKeys(result)
	if key, match := c.symbols.Resolve(pair, keys); match != MatchNone {
		return key, nil
	}
	if len(keys) == 1 {
		return keys[0], nil
	}
	return "", &PairNotFoundError{Pair: pair}
}

// get waits for the limiter, performs the request and unwraps the envelope.
func (c *Client) get(ctx context.Context, endpoint, path string, query map[string]string) (map[string]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(c.baseURL + path)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}

	c.logger.Debug("upstream request",
		zap.String("endpoint", endpoint),
		zap.Any("query", query),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", time.Since(start)),
	)

	if !resp.IsSuccess() {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode(),
			Status:     http.StatusText(resp.StatusCode()),
			Body:       resp.Body(),
		}
	}
	return decodeEnvelope(endpoint, resp.Body())
}

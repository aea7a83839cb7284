package kraken

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"


	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// NormalizeTicker converts a raw ticker entry into a TickerRecord.
func NormalizeTicker(pair, name string, raw RawTicker) (TickerRecord, error) {
	const endpoint = "ticker"

	if len(raw.Ask) < 1 || len(raw.Bid) < 1 || len(raw.Last) < 1 {
		return TickerRecord{}, invalid(endpoint, "%s: missing a/b/c fields", pair)
	}
	if len(raw.Volume) < 2 || len(raw.Low) < 2 || len(raw.High) < 2 {
		return TickerRecord{}, invalid(endpoint, "%s: missing 24h v/l/h fields", pair)
	}

	fields := map[string]string{
		"ask": raw.Ask[0], "bid": raw.Bid[0], "last": raw.Last[0],
		"volume": raw.Volume[1], "low": raw.Low[1], "high": raw.High[1],
		"open": raw.Open,
	}
	d := make(map[string]decimal.Decimal, len(fields))
	for k, v := range fields {
		if k == "open" && v == "" {
			d[k] = decimal.Zero
			continue
		}
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return TickerRecord{}, invalid(endpoint, "%s: %s %q is not a number", pair, k, v)
		}
		d[k] = parsed
	}

	spread, spreadPct := spreadOf(d["bid"], d["ask"])
	change := decimal.Zero
	changePct := decimal.Zero
	if d["open"].IsPositive() {
		change = d["last"].Sub(d["open"])
		changePct = change.Div(d["open"]).Mul(hundred)
	}

	return TickerRecord{
		Pair:          pair,
		Name:          name,
		Price:         d["last"].InexactFloat64(),
		Change:        change.InexactFloat64(),
		ChangePercent: changePct.InexactFloat64(),
		Volume:        d["volume"].InexactFloat64(),
		High:          d["high"].InexactFloat64(),
		Low:           d["low"].InexactFloat64(),
		Bid:           d["bid"].InexactFloat64(),
		Ask:           d["ask"].InexactFloat64(),
		Spread:        spread.InexactFloat64(),
		SpreadPercent: spreadPct.InexactFloat64(),
	}, nil
}

// NormalizeOrderBook sorts both sides, keeps at most depth levels per side and
// computes the top-of-book spread. An empty side leaves spread at zero.
func NormalizeOrderBook(pair string, raw RawBook, depth int) (OrderBookRecord, error) {
	const endpoint = "depth"

	asks, err := parseLevels(endpoint, pair, raw.Asks)
	if err != nil {
		return OrderBookRecord{}, err
	}
	bids, err := parseLevels(endpoint, pair, raw.Bids)
	if err != nil {
		return OrderBookRecord{}, err
	}

	sort.SliceStable(asks, func(i, j int) bool { return asks[i].price.LessThan(asks[j].price) })
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].price.GreaterThan(bids[j].price) })
	if depth > 0 {
		asks = truncate(asks, depth)
		bids = truncate(bids, depth)
	}

	rec := OrderBookRecord{
		Pair: pair,
		Asks: toEntries(asks),
		Bids: toEntries(bids),
	}
	if len(asks) > 0 && len(bids) > 0 {
		spread, pct := spreadOf(bids[0].price, asks[0].price)
		rec.Spread = spread.InexactFloat64()
		rec.SpreadPercent = pct.InexactFloat64()
	}
	if len(asks) > 0 {
		rec.BestAsk = asks[0].price.InexactFloat64()
	}
	if len(bids) > 0 {
		rec.BestBid = bids[0].price.InexactFloat64()
	}
	return rec, nil
}

// NormalizeTrades converts raw trade rows, newest first, keeping at most count.
func NormalizeTrades(pair string, raw []rawTrade, count int) (TradeHistory, error) {
	const endpoint = "trades"

	trades := make([]Trade, 0, len(raw))
	for i, row := range raw {
		if len(row) < 4 {
			return TradeHistory{}, invalid(endpoint, "%s: trade %d has %d fields", pair, i, len(row))
		}
		price, err := decimalField(row[0])
		if err != nil {
			return TradeHistory{}, invalid(endpoint, "%s: trade %d price: %v", pair, i, err)
		}
		volume, err := decimalField(row[1])
		if err != nil {
			return TradeHistory{}, invalid(endpoint, "%s: trade %d volume: %v", pair, i, err)
		}
		ts, err := decimalField(row[2])
		if err != nil {
			return TradeHistory{}, invalid(endpoint, "%s: trade %d time: %v", pair, i, err)
		}
		var side, orderType string
		if err := json.Unmarshal(row[3], &side); err != nil {
			return TradeHistory{}, invalid(endpoint, "%s: trade %d side is not a string", pair, i)
		}
		if len(row) > 4 {
			_ = json.Unmarshal(row[4], &orderType)
		}

		trades = append(trades, Trade{
			Price:     price.InexactFloat64(),
			Volume:    volume.InexactFloat64(),
			Time:      ts.Mul(decimal.NewFromInt(1000)).IntPart(),
			Side:      tradeSide(side),
			OrderType: orderTypeName(orderType),
		})
	}

	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Time > trades[j].Time })
	if count > 0 && len(trades) > count {
		trades = trades[:count]
	}
	return TradeHistory{Pair: pair, Trades: trades}, nil
}

// spreadOf returns ask-bid and the spread as a percentage of bid (0 when bid <= 0).
func spreadOf(bid, ask decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	spread := ask.Sub(bid)
	if !bid.IsPositive() {
		return spread, decimal.Zero
	}
	return spread, spread.Div(bid).Mul(hundred)
}

type level struct {
	price  decimal.Decimal
	volume decimal.Decimal
	ts     int64
}

func parseLevels(endpoint, pair string, rows [][]json.RawMessage) ([]level, error) {
	out := make([]level, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, invalid(endpoint, "%s: level %d has %d fields", pair, i, len(row))
		}
		price, err := decimalField(row[0])
		if err != nil {
			return nil, invalid(endpoint, "%s: level %d price: %v", pair, i, err)
		}
		volume, err := decimalField(row[1])
		if err != nil {
			return nil, invalid(endpoint, "%s: level %d volume: %v", pair, i, err)
		}
		var ts int64
		if len(row) > 2 {
			t, err := decimalField(row[2])
			if err != nil {
				return nil, invalid(endpoint, "%s: level %d timestamp: %v", pair, i, err)
			}
			ts = t.IntPart()
		}
		out = append(out, level{price: price, volume: volume, ts: ts})
	}
	return out, nil
}

// decimalField accepts both quoted ("123.4") and bare (123.4) JSON numbers.
func decimalField(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	return decimal.NewFromString(s)
}

func toEntries(levels []level) []BookEntry {
	out := make([]BookEntry, len(levels))
	for i, l := range levels {
		out[i] = BookEntry{
			Price:     l.price.InexactFloat64(),
			Volume:    l.volume.InexactFloat64(),
			Timestamp: l.ts,
		}
	}
	return out
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func tradeSide(s string) Side {
	if s == "s" {
		return SideSell
	}
	return SideBuy
}

func orderTypeName(s string) string {
	switch s {
	case "m":
		return "market"
	case "l":
		return "limit"
	}
	return s
}

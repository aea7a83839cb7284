package kraken

import (
	"bytes"
	"encoding/json"
)

// Response represents the envelope wrapping every Kraken public REST response.
// A non-empty Error list is a failure even when the HTTP status is 200.
type Response struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"` // Delay decoding // keyed by upstream pair symbol
}

// RawTicker is one entry of /0/public/Ticker. Array fields follow Kraken's
// layout: a/b = [price, whole lot volume, lot volume], c = [price, lot volume],
// v/p/t/l/h = [today, last 24 hours].
type RawTicker struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Last   []string `json:"c"`
	Volume []string `json:"v"`
	VWAP   []string `json:"p"`
	Trades []int64  `json:"t"`
	Low    []string `json:"l"`
	High   []string `json:"h"`
	Open   string   `json:"o"`
}

// RawBook is one entry of /0/public/Depth. Levels are [price, volume, timestamp].
type RawBook struct {
	Asks [][]json.RawMessage `json:"asks"`
	Bids [][]json.RawMessage `json:"bids"`
}

// rawTrade is [price, volume, time, side, order type, misc, trade id].
type rawTrade []json.RawMessage

// tradesCursorKey is the pagination cursor Kraken puts next to the pair key in
// the Trades result.
const tradesCursorKey = "last"

// decodeEnvelope validates the envelope shape before anything looks at the
// payload and returns the result object split by upstream symbol.
func decodeEnvelope(endpoint string, body []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, invalid(endpoint, "body is not a JSON object")
	}

	rawErr, ok := fields["error"]
	if !ok {
		return nil, invalid(endpoint, "missing error field")
	}
	var apiErrs []string
	if err := json.Unmarshal(rawErr, &apiErrs); err != nil {
		return nil, invalid(endpoint, "error field is not a string list")
	}
	if len(apiErrs) > 0 {
		return nil, &APIError{Messages: apiErrs}
	}

	rawResult, ok := fields["result"]
	if !ok || isNull(rawResult) {
		return nil, invalid(endpoint, "missing result")
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(rawResult, &result); err != nil {
		return nil, invalid(endpoint, "result is not an object")
	}
	return result, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// resultKeys lists the pair symbols in a result, leaving out the trades cursor.
func resultKeys(result map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(result))
	for k := range result {
		if k == tradesCursorKey {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

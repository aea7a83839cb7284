package kraken

import (
	"sort"
	"strings"
)

// MatchKind reports how a canonical pair was matched to an upstream key.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchAlias
	MatchDirect
	MatchFuzzy
)

func (m MatchKind) String() string {
	switch m {
	case MatchAlias:
		return "alias"
	case MatchDirect:
		return "direct"
	case MatchFuzzy:
		return "fuzzy"
	}
	return "none"
}

// SymbolTable maps canonical pair ids to Kraken's spellings and display names.
type SymbolTable struct {
	// Aliases lists upstream keys to try for a canonical pair, highest priority first.
	Aliases map[string][]string
	// Names holds human-readable names; pairs without one use their base asset.
	Names map[string]string
}

// DefaultSymbols returns the table for the pairs the dashboard ships with.
// Legacy assets come back from Kraken with X/Z prefixes (XXBTZUSD), newer ones
// under the plain name (SOLUSD).
func DefaultSymbols() *SymbolTable {
	return &SymbolTable{
		Aliases: map[string][]string{
			"XBTUSD":  {"XXBTZUSD", "XBTUSD"},
			"XBTEUR":  {"XXBTZEUR", "XBTEUR"},
			"ETHUSD":  {"XETHZUSD", "ETHUSD"},
			"ETHEUR":  {"XETHZEUR", "ETHEUR"},
			"LTCUSD":  {"XLTCZUSD", "LTCUSD"},
			"XRPUSD":  {"XXRPZUSD", "XRPUSD"},
			"DOGEUSD": {"XDGUSD", "XXDGZUSD", "DOGEUSD"},
			"SOLUSD":  {"SOLUSD"},
			"ADAUSD":  {"ADAUSD"},
			"DOTUSD":  {"DOTUSD"},
			"LINKUSD": {"LINKUSD"},
		},
		Names: map[string]string{
			"XBTUSD":  "Bitcoin",
			"XBTEUR":  "Bitcoin",
			"ETHUSD":  "Ethereum",
			"ETHEUR":  "Ethereum",
			"LTCUSD":  "Litecoin",
			"XRPUSD":  "XRP",
			"DOGEUSD": "Dogecoin",
			"SOLUSD":  "Solana",
			"ADAUSD":  "Cardano",
			"DOTUSD":  "Polkadot",
			"LINKUSD": "Chainlink",
		},
	}
}

var quoteAssets = []string{"USDT", "USDC", "USD", "EUR", "GBP", "CAD", "JPY", "CHF", "XBT", "ETH"}

// DisplayName returns the configured name or, failing that, the base asset.
func (t *SymbolTable) DisplayName(pair string) string {
	if name, ok := t.Names[pair]; ok {
		return name
	}
	return BaseAsset(pair)
}

// BaseAsset strips the quote currency suffix: "LINKUSD" -> "LINK".
func BaseAsset(pair string) string {
	for _, quote := range quoteAssets {
		if len(pair) > len(quote) && strings.HasSuffix(pair, quote) {
			return pair[:len(pair)-len(quote)]
		}
	}
	return pair
}

// Resolve finds the response key holding data for pair. Aliases are tried in
// order, then an exact key, then a fuzzy match on normalized symbols.
func (t *SymbolTable) Resolve(pair string, keys []string) (string, MatchKind) {
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}

	for _, alias := range t.Aliases[pair] {
		if present[alias] {
			return alias, MatchAlias
		}
	}
	if present[pair] {
		return pair, MatchDirect
	}

	want := NormalizeSymbol(pair)
	if want == "" {
		return "", MatchNone
	}

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	for _, k := range sorted {
		if NormalizeSymbol(k) == want {
			return k, MatchFuzzy
		}
	}
	for _, k := range sorted {
		got := NormalizeSymbol(k)
		if got != "" && (strings.Contains(got, want) || strings.Contains(want, got)) {
			return k, MatchFuzzy
		}
	}
	return "", MatchNone
}

// NormalizeSymbol reduces a Kraken symbol to uppercase alphanumerics with the
// legacy X/Z asset prefixes removed and XBT/XDG spelled BTC/DOGE, so that
// "XXBTZUSD", "XBT/USD" and "BTCUSD" all become "BTCUSD".
func NormalizeSymbol(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	n := b.String()

	if len(n) == 8 && isAssetPrefix(n[0]) && isAssetPrefix(n[4]) {
		n = n[1:4] + n[5:]
	}
	n = strings.Replace(n, "XBT", "BTC", 1)
	n = strings.Replace(n, "XDG", "DOGE", 1)
	return n
}

func isAssetPrefix(c byte) bool {
	return c == 'X' || c == 'Z'
}

// Package symbol parses trading pair notations such as BTC/USDT, BTCUSDT and BTC/USDT:USDT.
package symbol

import "strings"

// quoteCurrencies are tried in order when a pair has no separator.
var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "FDUSD", "BTC", "ETH", "BNB"}

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Valid() bool { return s.Base != "" && s.Quote != "" }

// Pair returns BASE/QUOTE.
func (s Symbol) Pair() string {
	if !s.Valid() {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Exchange returns the concatenated form used by exchange REST APIs.
func (s Symbol) Exchange() string {
	if !s.Valid() {
		return ""
	}
	return s.Base + s.Quote
}

func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	// Settlement suffix, e.g. BTC/USDT:USDT.
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Symbol{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// Normalize returns the exchange form of s, or s upper-cased when it cannot be parsed.
func Normalize(s string) string {
	if sym := Parse(s); sym.Valid() {
		return sym.Exchange()
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

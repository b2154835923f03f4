// Package symbols provides the single canonicalization function applied at
// every cross-subsystem symbol comparison: registry vs exchange, candidate vs
// existing position, intent hashing, lock keys. Venues, signal generators and
// operators spell the same instrument differently ("BTC/USD", "PF_XBTUSD",
// "btcusd"); comparing un-normalized spellings has historically allowed the
// same instrument to be opened twice in one cycle.
package symbols

import (
	"strings"
)

// venue prefixes for perpetual and inverse futures contracts.
var contractPrefixes = []string{"PF_", "PI_", "FF_", "FI_"}

// quote suffixes recognized, longest first so "USDT" wins over "USD".
var quoteSuffixes = []string{"USDT", "USDC", "USD", "EUR", "GBP"}

// base-asset aliases unified to one canonical spelling.
var baseAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// Normalize reduces any spelling of an instrument to the canonical
// "BASEQUOTE" comparison key, e.g. "PF_XBTUSD", "BTC/USD", "btc-usd" and
// "XBTUSD" all normalize to "BTCUSD". The empty string normalizes to "".
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}

	for _, p := range contractPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}

	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '-', '_', ':', '.', ' ':
			return -1
		}
		return r
	}, s)

	// Settlement-date suffix on dated futures, e.g. BTCUSD_240628 already
	// lost its underscore above; strip a trailing all-digit date of 6+ runes.
	s = trimDateSuffix(s)

	base, quote := splitQuote(s)
	if alias, ok := baseAliases[base]; ok {
		base = alias
	}
	return base + quote
}

// Match reports whether two spellings refer to the same instrument.
func Match(a, b string) bool {
	return Normalize(a) != "" && Normalize(a) == Normalize(b)
}

func splitQuote(s string) (base, quote string) {
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q
		}
	}
	return s, ""
}

func trimDateSuffix(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if len(s)-i >= 6 {
		return s[:i]
	}
	return s
}

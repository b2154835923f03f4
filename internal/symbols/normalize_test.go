package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTC/USD", "BTCUSD"},
		{"PF_BTCUSD", "BTCUSD"},
		{"PF_XBTUSD", "BTCUSD"},
		{"PI_XBTUSD", "BTCUSD"},
		{"btc-usd", "BTCUSD"},
		{"BTCUSD", "BTCUSD"},
		{" eth/usdt ", "ETHUSDT"},
		{"ETH_USDT", "ETHUSDT"},
		{"XDG/USD", "DOGEUSD"},
		{"FF_XBTUSD_240628", "BTCUSD"},
		{"SOL:USD", "SOLUSD"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("BTC/USD", "PF_BTCUSD"))
	assert.True(t, Match("PF_XBTUSD", "BTC/USD"))
	assert.False(t, Match("BTC/USD", "ETH/USD"))
	assert.False(t, Match("", ""))
}

func TestNormalizeDoesNotMergeDistinctQuotes(t *testing.T) {
	assert.NotEqual(t, Normalize("BTC/USD"), Normalize("BTC/USDT"))
	assert.NotEqual(t, Normalize("BTC/USD"), Normalize("BTC/USDC"))
}

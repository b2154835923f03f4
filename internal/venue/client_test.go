package venue

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

type noopLimiter struct{}

func (noopLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}
func (noopLimiter) Wait(context.Context, string, int, time.Duration) error { return nil }

// recordingLimiter captures the arguments of the last Wait call.
type recordingLimiter struct {
	key    string
	limit  int
	window time.Duration
}

func (r *recordingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (r *recordingLimiter) Wait(_ context.Context, key string, limit int, window time.Duration) error {
	r.key, r.limit, r.window = key, limit, window
	return nil
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		APISecret: base64.StdEncoding.EncodeToString([]byte("test-secret")),
	}, noopLimiter{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetOpenPositionsMapsSides(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/derivatives/api/v3/openpositions", r.URL.Path)
		w.Write([]byte(`{
			"result": "success",
			"openPositions": [
				{"symbol": "PF_XBTUSD", "side": "long", "size": 0.5, "price": 50000, "markPrice": 50100, "pnl": 50, "initialMargin": 2500},
				{"symbol": "PF_ETHUSD", "side": "short", "size": 2, "price": 3000, "markPrice": 2990, "pnl": 20, "initialMargin": 600}
			]
		}`))
	}))

	positions, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, domain.PositionSideLong, positions[0].Side)
	assert.Equal(t, 2500.0, positions[0].MarginUsed)
	assert.Equal(t, domain.PositionSideShort, positions[1].Side)
}

func TestConfiguredRateLimitReachesLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": "success", "openOrders": []}`))
	}))
	t.Cleanup(srv.Close)

	limiter := &recordingLimiter{}
	c := New(Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		APISecret:  base64.StdEncoding.EncodeToString([]byte("test-secret")),
		RateLimit:  25,
		RateWindow: 5 * time.Second,
	}, limiter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := c.GetOpenOrders(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "venue", limiter.key)
	assert.Equal(t, 25, limiter.limit)
	assert.Equal(t, 5*time.Second, limiter.window)
}

func TestPrivateCallCarriesAuthHeaders(t *testing.T) {
	var gotKey, gotNonce, gotAuthent string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("APIKey")
		gotNonce = r.Header.Get("Nonce")
		gotAuthent = r.Header.Get("Authent")
		w.Write([]byte(`{"result": "success", "openOrders": []}`))
	}))

	_, err := c.GetOpenOrders(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.NotEmpty(t, gotNonce)
	require.NotEmpty(t, gotAuthent)
	_, err = base64.StdEncoding.DecodeString(gotAuthent)
	assert.NoError(t, err, "Authent must be base64")
}

func TestInstrumentSpecResolvesAnySpelling(t *testing.T) {
	var fetches atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte(`{
			"result": "success",
			"instruments": [
				{"symbol": "PF_XBTUSD", "tradeable": true, "tickSize": 0.5, "contractSize": 0.0001, "maxLeverage": 50, "minimumTradeSize": 0.0001},
				{"symbol": "PF_DELISTED", "tradeable": false, "tickSize": 1}
			]
		}`))
	}))

	byVenue, err := c.GetInstrumentSpec(context.Background(), "PF_XBTUSD")
	require.NoError(t, err)
	byCanonical, err := c.GetInstrumentSpec(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, byVenue, byCanonical, "either spelling resolves the same spec")
	assert.Equal(t, "PF_XBTUSD", byVenue.VenueSymbol)
	assert.Equal(t, int32(1), fetches.Load(), "all lookups served from one cached fetch")

	_, err = c.GetInstrumentSpec(context.Background(), "PF_DELISTED")
	assert.Error(t, err, "non-tradeable instruments are not exposed")
}

func TestTransientFailureRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"result": "success", "openPositions": []}`))
	}))

	positions, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNonTransientFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.GetOpenPositions(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPlaceOrderSendsReduceOnly(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "PF_XBTUSD", r.PostForm.Get("symbol"))
		assert.Equal(t, "sell", r.PostForm.Get("side"))
		assert.Equal(t, "true", r.PostForm.Get("reduceOnly"))
		assert.Equal(t, "cli-1", r.PostForm.Get("cliOrdId"))
		w.Write([]byte(`{
			"result": "success",
			"sendStatus": {"order_id": "ord-1", "cliOrdId": "cli-1", "status": "placed"}
		}`))
	}))

	ref, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		ClientID:    "cli-1",
		VenueSymbol: "PF_XBTUSD",
		Side:        domain.OrderSideSell,
		Type:        domain.OrderTypeMarket,
		Qty:         0.5,
		ReduceOnly:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ref.OrderID)
}

func TestPlaceOrderRejectedStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"result": "success",
			"sendStatus": {"order_id": "", "status": "insufficientAvailableFunds"}
		}`))
	}))

	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		VenueSymbol: "PF_XBTUSD",
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeMarket,
		Qty:         0.5,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficientAvailableFunds")
}

func TestCancelTreatsNotFoundAsCancelled(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": "success", "cancelStatus": {"status": "notFound"}}`))
	}))

	assert.NoError(t, c.CancelOrder(context.Background(), "gone-1"))
}

func TestAPIErrorEnvelope(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": "error", "error": "apiLimitExceeded"}`))
	}))

	_, err := c.GetAccount(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apiLimitExceeded")
}

func TestFillFeedDispatch(t *testing.T) {
	var fills []domain.Fill
	feed := NewFillFeed("wss://example", "k", "s", func(f domain.Fill) {
		fills = append(fills, f)
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	feed.dispatch([]byte(`{
		"feed": "fills",
		"fills": [
			{"instrument": "PF_XBTUSD", "time": 1700000000000, "price": 50000, "buy": true,
			 "qty": 0.25, "order_id": "ord-1", "cli_ord_id": "cli-1", "fill_id": "exec-1", "fee_paid": 1.5}
		]
	}`))
	feed.dispatch([]byte(`{"feed": "heartbeat"}`))

	require.Len(t, fills, 1)
	assert.Equal(t, "exec-1", fills[0].ExecID)
	assert.Equal(t, domain.OrderSideBuy, fills[0].Side)
	assert.Equal(t, 0.25, fills[0].Qty)
	assert.Equal(t, 1.5, fills[0].Fee)
}

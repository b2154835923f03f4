// Package venue is the production ExchangeGateway: a REST client for a
// Kraken-Futures-style derivatives API plus a private websocket fill feed.
// Everything above this package depends only on domain.ExchangeGateway.
package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/symbols"
)

const apiPrefix = "/derivatives/api/v3"

var metricVenueRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "perpbot_venue_requests_total",
	Help: "Venue REST calls by endpoint and result.",
}, []string{"endpoint", "result"})

func init() {
	prometheus.MustRegister(metricVenueRequests)
}

// Config configures the REST client.
type Config struct {
	BaseURL        string // e.g. "https://futures.kraken.com"
	APIKey         string
	APISecret      string // base64-encoded
	CallTimeout    time.Duration // per attempt, default 10s
	RateLimitKey   string        // limiter bucket, default "venue"
	RateLimit      int           // calls per window, default 60
	RateWindow     time.Duration // default 10s
	InstrumentsTTL time.Duration // spec cache lifetime, default 10m
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.RateLimitKey == "" {
		c.RateLimitKey = "venue"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 60
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 10 * time.Second
	}
	if c.InstrumentsTTL <= 0 {
		c.InstrumentsTTL = 10 * time.Minute
	}
	return c
}

// Client talks to the venue's REST API. Every call carries a timeout and a
// single bounded retry on transient failure; past that the caller skips the
// symbol for the cycle rather than stalling the tick.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    domain.RateLimiter
	log        *slog.Logger

	calls  atomic.Int64
	errors atomic.Int64

	specMu      sync.RWMutex
	specs       map[string]domain.InstrumentSpec // keyed by canonical symbol
	specsLoaded time.Time
}

var _ domain.ExchangeGateway = (*Client)(nil)

// New creates a venue client.
func New(cfg Config, limiter domain.RateLimiter, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.CallTimeout},
		limiter:    limiter,
		log:        log.With(slog.String("component", "venue")),
		specs:      make(map[string]domain.InstrumentSpec),
	}
}

// ErrorRate returns venue call errors / calls since the last read and resets
// both counters. The invariant monitor consumes this once per cycle.
func (c *Client) ErrorRate() float64 {
	calls := c.calls.Swap(0)
	errs := c.errors.Swap(0)
	if calls == 0 {
		return 0
	}
	return float64(errs) / float64(calls)
}

// GetAccount returns the venue's equity and margin view.
func (c *Client) GetAccount(ctx context.Context) (domain.AccountSummary, error) {
	var out apiAccounts
	if err := c.doPrivate(ctx, http.MethodGet, "/accounts", nil, &out); err != nil {
		return domain.AccountSummary{}, fmt.Errorf("venue: get accounts: %w", err)
	}
	for _, acct := range out.Accounts {
		if acct.Type != "multiCollateralMarginAccount" && acct.Type != "marginAccount" {
			continue
		}
		return domain.AccountSummary{
			Equity:          acct.Auxiliary.PortfolioValue,
			MarginUsed:      acct.Auxiliary.InitialMargin,
			AvailableMargin: acct.Auxiliary.AvailableFunds,
		}, nil
	}
	return domain.AccountSummary{}, fmt.Errorf("venue: get accounts: %w", domain.ErrNotFound)
}

// GetOpenPositions returns all open venue positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	var out apiOpenPositions
	if err := c.doPrivate(ctx, http.MethodGet, "/openpositions", nil, &out); err != nil {
		return nil, fmt.Errorf("venue: get open positions: %w", err)
	}
	positions := make([]domain.ExchangePosition, 0, len(out.OpenPositions))
	for _, p := range out.OpenPositions {
		positions = append(positions, p.toDomain())
	}
	return positions, nil
}

// GetOpenOrders returns all resting venue orders.
func (c *Client) GetOpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	var out apiOpenOrders
	if err := c.doPrivate(ctx, http.MethodGet, "/openorders", nil, &out); err != nil {
		return nil, fmt.Errorf("venue: get open orders: %w", err)
	}
	orders := make([]domain.VenueOrder, 0, len(out.OpenOrders))
	for _, o := range out.OpenOrders {
		orders = append(orders, o.toDomain())
	}
	return orders, nil
}

// GetInstrumentSpec resolves an instrument by venue or canonical spelling.
// Specs come from one cached /instruments fetch, so a burst of symbol lookups
// costs a single venue call.
func (c *Client) GetInstrumentSpec(ctx context.Context, symbol string) (domain.InstrumentSpec, error) {
	key := symbols.Normalize(symbol)
	if key == "" {
		return domain.InstrumentSpec{}, fmt.Errorf("venue: %w: %q", domain.ErrBadSymbol, symbol)
	}

	c.specMu.RLock()
	spec, ok := c.specs[key]
	fresh := time.Since(c.specsLoaded) < c.cfg.InstrumentsTTL
	c.specMu.RUnlock()
	if ok && fresh {
		return spec, nil
	}

	if err := c.refreshInstruments(ctx); err != nil {
		if ok {
			return spec, nil // stale beats unavailable
		}
		return domain.InstrumentSpec{}, err
	}

	c.specMu.RLock()
	spec, ok = c.specs[key]
	c.specMu.RUnlock()
	if !ok {
		return domain.InstrumentSpec{}, fmt.Errorf("venue: instrument %q: %w", symbol, domain.ErrNotFound)
	}
	return spec, nil
}

// GetMarkPrice returns the current mark for a venue symbol.
func (c *Client) GetMarkPrice(ctx context.Context, venueSymbol string) (float64, error) {
	var out apiTicker
	path := "/tickers/" + url.PathEscape(venueSymbol)
	if err := c.doPublic(ctx, path, &out); err != nil {
		return 0, fmt.Errorf("venue: get ticker %s: %w", venueSymbol, err)
	}
	mark := out.Ticker.MarkPrice
	if mark <= 0 {
		mark = out.Ticker.Last
	}
	if mark <= 0 {
		return 0, fmt.Errorf("venue: ticker %s has no mark price", venueSymbol)
	}
	return mark, nil
}

// PlaceOrder submits one order. The ClientID is passed through so a retry of
// the same submission is deduplicated venue-side.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderRef, error) {
	params := url.Values{}
	params.Set("orderType", string(req.Type))
	params.Set("symbol", req.VenueSymbol)
	params.Set("side", string(req.Side))
	params.Set("size", strconv.FormatFloat(req.Qty, 'f', -1, 64))
	params.Set("cliOrdId", req.ClientID)
	if req.LimitPrice > 0 {
		params.Set("limitPrice", strconv.FormatFloat(req.LimitPrice, 'f', -1, 64))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var out apiSendOrder
	if err := c.doPrivate(ctx, http.MethodPost, "/sendorder", params, &out); err != nil {
		return domain.OrderRef{}, fmt.Errorf("venue: send order %s: %w", req.VenueSymbol, err)
	}
	if out.SendStatus.Status != "placed" && out.SendStatus.Status != "attempted" {
		return domain.OrderRef{}, fmt.Errorf("venue: order %s rejected: %s", req.VenueSymbol, out.SendStatus.Status)
	}
	placed, _ := time.Parse(time.RFC3339, out.SendStatus.ReceivedTime)
	return domain.OrderRef{
		OrderID:  out.SendStatus.OrderID,
		ClientID: out.SendStatus.CliOrdID,
		Status:   domain.OrderStatusOpen,
		Placed:   placed,
	}, nil
}

// CancelOrder cancels one resting order by venue order id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("order_id", orderID)

	var out apiCancelOrder
	if err := c.doPrivate(ctx, http.MethodPost, "/cancelorder", params, &out); err != nil {
		return fmt.Errorf("venue: cancel order %s: %w", orderID, err)
	}
	switch out.CancelStatus.Status {
	case "cancelled", "notFound": // already gone counts as cancelled
		return nil
	default:
		return fmt.Errorf("venue: cancel %s failed: %s", orderID, out.CancelStatus.Status)
	}
}

func (c *Client) refreshInstruments(ctx context.Context) error {
	var out apiInstruments
	if err := c.doPublic(ctx, "/instruments", &out); err != nil {
		return fmt.Errorf("venue: get instruments: %w", err)
	}

	specs := make(map[string]domain.InstrumentSpec, len(out.Instruments))
	for _, inst := range out.Instruments {
		if !inst.Tradeable {
			continue
		}
		key := symbols.Normalize(inst.Symbol)
		if key == "" {
			continue
		}
		specs[key] = inst.toDomain()
	}

	c.specMu.Lock()
	c.specs = specs
	c.specsLoaded = time.Now()
	c.specMu.Unlock()
	return nil
}

// doPublic performs an unauthenticated GET with one retry.
func (c *Client) doPublic(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, false, out)
}

// doPrivate performs an authenticated call with one retry. Kraken-Futures
// auth: Authent = base64(HMAC-SHA512(secret, SHA256(postData + nonce + path))).
func (c *Client) doPrivate(ctx context.Context, method, path string, params url.Values, out any) error {
	return c.do(ctx, method, path, params, true, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx, c.cfg.RateLimitKey, c.cfg.RateLimit, c.cfg.RateWindow); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
		err := c.doOnce(ctx, method, path, params, signed, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		c.log.Warn("venue call retrying",
			slog.String("path", path),
			slog.Any("error", err))
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	c.calls.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	postData := ""
	if params != nil {
		postData = params.Encode()
	}

	fullPath := apiPrefix + path
	reqURL := c.cfg.BaseURL + fullPath
	var body io.Reader
	if method == http.MethodGet && postData != "" {
		reqURL += "?" + postData
	} else if postData != "" {
		body = bytes.NewBufferString(postData)
	}

	req, err := http.NewRequestWithContext(callCtx, method, reqURL, body)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed {
		nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
		authent, err := c.sign(postData, nonce, fullPath)
		if err != nil {
			c.errors.Add(1)
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("APIKey", c.cfg.APIKey)
		req.Header.Set("Nonce", nonce)
		req.Header.Set("Authent", authent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errors.Add(1)
		metricVenueRequests.WithLabelValues(path, "transport_error").Inc()
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		c.errors.Add(1)
		metricVenueRequests.WithLabelValues(path, "http_error").Inc()
		return err
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("decode response: %w", err)
	}
	if res, ok := out.(interface{ ok() bool }); ok && !res.ok() {
		c.errors.Add(1)
		metricVenueRequests.WithLabelValues(path, "api_error").Inc()
		return fmt.Errorf("api error: %s", apiErrorOf(respBody))
	}

	metricVenueRequests.WithLabelValues(path, "ok").Inc()
	return nil
}

// sign computes the Authent header over postData + nonce + endpoint path.
func (c *Client) sign(postData, nonce, path string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.cfg.APISecret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	digest := sha256.Sum256([]byte(postData + nonce + path))
	mac := hmac.New(sha512.New, secret)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func apiErrorOf(body []byte) string {
	var res apiResult
	if err := json.Unmarshal(body, &res); err == nil && res.Error != "" {
		return res.Error
	}
	return string(body)
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

func isTransient(err error) bool {
	if errors.Is(err, domain.ErrRateLimited) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	wsWriteWait         = 10 * time.Second
	wsPongWait          = 60 * time.Second
	wsPingPeriod        = (wsPongWait * 9) / 10
	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = 60 * time.Second
)

// FillHandler receives every confirmed execution from the private feed.
type FillHandler func(domain.Fill)

// FillFeed is the private websocket execution feed. It authenticates with the
// venue's challenge flow, subscribes to the fills channel, and replays each
// execution to the handler. The feed reconnects with capped exponential
// backoff; reconciliation covers any fills missed while disconnected.
type FillFeed struct {
	wsURL     string
	apiKey    string
	apiSecret string // base64-encoded
	handler   FillHandler
	log       *slog.Logger
}

// NewFillFeed creates a fill feed.
//
// wsURL is the private websocket endpoint, e.g. "wss://futures.kraken.com/ws/v1".
func NewFillFeed(wsURL, apiKey, apiSecret string, handler FillHandler, log *slog.Logger) *FillFeed {
	return &FillFeed{
		wsURL:     wsURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		handler:   handler,
		log:       log.With(slog.String("component", "venue_ws")),
	}
}

// Run drives the feed until the context is cancelled.
func (f *FillFeed) Run(ctx context.Context) error {
	delay := wsReconnectDelay
	for {
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Warn("fill feed disconnected, reconnecting",
			slog.Duration("delay", delay),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}

func (f *FillFeed) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("venue/ws: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	if err := f.authenticate(conn); err != nil {
		return err
	}

	// Close the connection when the context ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go f.pingLoop(conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("venue/ws: read: %w", domain.ErrWSDisconnect)
		}
		f.dispatch(raw)
	}
}

// authenticate runs the challenge flow: request a challenge, sign it, then
// subscribe to the fills feed with the original and signed challenge.
func (f *FillFeed) authenticate(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(map[string]string{
		"event":   "challenge",
		"api_key": f.apiKey,
	}); err != nil {
		return fmt.Errorf("venue/ws: request challenge: %w", err)
	}

	var challenge string
	for challenge == "" {
		var msg struct {
			Event   string `json:"event"`
			Message string `json:"message"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("venue/ws: read challenge: %w", err)
		}
		if msg.Event == "challenge" {
			challenge = msg.Message
		}
	}

	signed, err := signChallenge(f.apiSecret, challenge)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(map[string]string{
		"event":              "subscribe",
		"feed":               "fills",
		"api_key":            f.apiKey,
		"original_challenge": challenge,
		"signed_challenge":   signed,
	}); err != nil {
		return fmt.Errorf("venue/ws: subscribe fills: %w", err)
	}
	return nil
}

func (f *FillFeed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type wsFillsMessage struct {
	Feed  string   `json:"feed"`
	Fills []wsFill `json:"fills"`
}

type wsFill struct {
	InstrumentSymbol string  `json:"instrument"`
	Time             int64   `json:"time"` // ms since epoch
	Price            float64 `json:"price"`
	Seq              int64   `json:"seq"`
	Buy              bool    `json:"buy"`
	Qty              float64 `json:"qty"`
	OrderID          string  `json:"order_id"`
	CliOrdID         string  `json:"cli_ord_id"`
	FillID           string  `json:"fill_id"`
	FillType         string  `json:"fill_type"`
	FeePaid          float64 `json:"fee_paid"`
}

func (f *FillFeed) dispatch(raw []byte) {
	var msg wsFillsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Feed != "fills" && msg.Feed != "fills_snapshot" {
		return
	}
	for _, wf := range msg.Fills {
		side := domain.OrderSideSell
		if wf.Buy {
			side = domain.OrderSideBuy
		}
		f.handler(domain.Fill{
			ExecID:   wf.FillID,
			OrderID:  wf.OrderID,
			ClientID: wf.CliOrdID,
			Symbol:   wf.InstrumentSymbol,
			Side:     side,
			Qty:      wf.Qty,
			Price:    wf.Price,
			Fee:      wf.FeePaid,
			Time:     time.UnixMilli(wf.Time).UTC(),
		})
	}
}

func signChallenge(apiSecret, challenge string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return "", fmt.Errorf("venue/ws: decode api secret: %w", err)
	}
	digest := sha256.Sum256([]byte(challenge))
	mac := hmac.New(sha512.New, secret)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

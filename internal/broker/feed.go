// Package broker - feed.go implements a live-quote WebSocket feed against
// KIS's real-time push server. Adapted from the teacher's
// cmd/dashboard/websocket.go ping/pong keep-alive pattern, inverted from
// server-upgrade to client-dial since the engine is the consumer here,
// not the publisher.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kis-trend-atr/engine/internal/domain"
)

// Tick is a single real-time price update pushed by KIS.
type Tick struct {
	Symbol    domain.Symbol
	Price     float64
	Volume    int64
	Timestamp time.Time
}

// Feed maintains a long-lived WebSocket connection to the KIS real-time
// quote server and fans out ticks to subscribers. Reconnects with
// backoff on any read error.
type Feed struct {
	url        string
	approvalKey string
	logger     zerolog.Logger

	mu     sync.Mutex
	subs   map[domain.Symbol][]chan Tick
	conn   *websocket.Conn
}

// NewFeed builds a feed client. approvalKey is the websocket-specific
// credential KIS issues separately from the REST access token.
func NewFeed(url, approvalKey string, logger zerolog.Logger) *Feed {
	return &Feed{
		url:         url,
		approvalKey: approvalKey,
		logger:      logger,
		subs:        make(map[domain.Symbol][]chan Tick),
	}
}

// Subscribe returns a channel that receives ticks for symbol. The
// channel is buffered; slow consumers drop ticks rather than block the
// read loop.
func (f *Feed) Subscribe(symbol domain.Symbol) <-chan Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Tick, 64)
	f.subs[symbol] = append(f.subs[symbol], ch)
	return ch
}

// Run dials the feed and processes messages until ctx is cancelled,
// reconnecting with exponential backoff (capped at 30s) on failure.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.runOnce(ctx); err != nil {
			f.logger.Warn().Err(err).Dur("backoff", backoff).Msg("feed disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	symbols := make([]domain.Symbol, 0, len(f.subs))
	for s := range f.subs {
		symbols = append(symbols, s)
	}
	f.mu.Unlock()

	for _, s := range symbols {
		if err := f.sendSubscribe(conn, s); err != nil {
			return err
		}
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	go f.pingLoop(ctx, conn, done)
	defer close(done)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) sendSubscribe(conn *websocket.Conn, symbol domain.Symbol) error {
	req := map[string]interface{}{
		"header": map[string]string{
			"approval_key": f.approvalKey,
			"tr_type":      "1",
			"content-type": "utf-8",
		},
		"body": map[string]interface{}{
			"input": map[string]string{
				"tr_id": "H0STCNT0",
				"tr_key": symbol.String(),
			},
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// kisTickPayload is KIS's pipe-delimited real-time content field, parsed
// after the header/body JSON envelope is stripped by the caller in
// production; here we accept pre-parsed fields for testability.
type kisTickPayload struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
}

func (f *Feed) dispatch(raw []byte) {
	var payload kisTickPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	symbol, err := domain.NewSymbol(payload.Symbol)
	if err != nil {
		return
	}

	tick := Tick{Symbol: symbol, Price: payload.Price, Volume: payload.Volume, Timestamp: time.Now()}

	f.mu.Lock()
	subs := f.subs[symbol]
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
		}
	}
}

// Close tears down the active connection, if any.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

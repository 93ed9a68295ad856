package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 90 * time.Second
	wsPingInterval = 30 * time.Second

	wsBackoffMin = time.Second
	wsBackoffMax = 30 * time.Second
)

// Subscription pairs a feed account address with the symbol whose
// cached reading it stales.
type Subscription struct {
	Symbol  string
	Address string
}

// Watcher holds an accountSubscribe stream against the node's
// WebSocket endpoint and fires the callback whenever a watched feed
// account changes. It is a freshness assist for the cache: losing the
// stream is logged and retried, never fatal, because the cache TTL
// still bounds staleness on its own.
type Watcher struct {
	url      string
	subs     []Subscription
	onChange func(symbol string)
	dialer   *websocket.Dialer
	log      zerolog.Logger
}

// NewWatcher creates a watcher for the given subscriptions. onChange
// is dispatched on its own goroutine per notification, so it may
// block; callbacks for the same symbol carry no ordering guarantee.
func NewWatcher(wsURL string, subs []Subscription, onChange func(symbol string)) *Watcher {
	return &Watcher{
		url:      wsURL,
		subs:     subs,
		onChange: onChange,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      log.With().Str("module", "feedwatcher").Logger(),
	}
}

// Run blocks, maintaining the subscription stream with exponential
// reconnect backoff, until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if len(w.subs) == 0 {
		w.log.Warn().Msg("no feed subscriptions, watcher idle")
		<-ctx.Done()
		return
	}

	backoff := wsBackoffMin
	for {
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		w.log.Warn().Err(err).Dur("retry_in", backoff).Msg("subscription stream lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsBackoffMax {
			backoff = wsBackoffMax
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	bySymbolID := make(map[uint64]string, len(w.subs))
	for i, sub := range w.subs {
		id := uint64(i + 1)
		bySymbolID[id] = sub.Symbol

		req := rpcRequest{
			Jsonrpc: "2.0",
			ID:      id,
			Method:  "accountSubscribe",
			Params: []interface{}{
				sub.Address,
				map[string]string{"encoding": "base64", "commitment": "confirmed"},
			},
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Symbol, err)
		}
	}

	go w.keepAlive(connCtx, conn)

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	bySubID := make(map[uint64]string, len(w.subs))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		switch {
		case msg.Method == "accountNotification" && msg.Params != nil:
			symbol, ok := bySubID[msg.Params.Subscription]
			if !ok {
				continue
			}
			w.log.Debug().Str("symbol", symbol).Msg("feed account changed")
			go w.onChange(symbol)

		case msg.ID != 0 && len(msg.Result) > 0:
			var subID uint64
			if err := json.Unmarshal(msg.Result, &subID); err != nil {
				w.log.Warn().Err(err).Uint64("id", msg.ID).Msg("unreadable subscribe ack")
				continue
			}
			symbol := bySymbolID[msg.ID]
			bySubID[subID] = symbol
			w.log.Info().Str("symbol", symbol).Uint64("subscription", subID).Msg("feed subscribed")

		case msg.Error != nil:
			return fmt.Errorf("subscribe rejected: %s (code %d)", msg.Error.Message, msg.Error.Code)
		}
	}
}

func (w *Watcher) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

type wsMessage struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Error  *rpcErrorBody   `json:"error"`
	Params *struct {
		Subscription uint64 `json:"subscription"`
	} `json:"params"`
}

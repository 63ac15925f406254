package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	bybitSource       = "bybit"
	bybitDefaultURL   = "wss://stream.bybit.com/v5/public/spot"
	bybitPingInterval = 20 * time.Second
	bybitReadTimeout  = 60 * time.Second
)

// BybitTrades streams v5 public trades over a raw websocket.
type BybitTrades struct {
	url     string
	symbols []string
	sink    Sink
	batch   *batcher
	dialer  *websocket.Dialer
	logger  zerolog.Logger
}

// NewBybitTrades builds the feed. An empty url selects the spot endpoint.
func NewBybitTrades(url string, symbols []string, sink Sink, logger zerolog.Logger) *BybitTrades {
	if strings.TrimSpace(url) == "" {
		url = bybitDefaultURL
	}
	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		upper = append(upper, strings.ToUpper(strings.TrimSpace(s)))
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	return &BybitTrades{
		url:     url,
		symbols: upper,
		sink:    sink,
		batch:   newBatcher(bybitSource),
		dialer:  &dialer,
		logger:  logger.With().Str("component", "bybit_trades").Logger(),
	}
}

func (f *BybitTrades) Name() string { return "bybit_trades" }

type bybitRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type bybitMessage struct {
	Topic   string            `json:"topic"`
	Op      string            `json:"op"`
	Success *bool             `json:"success"`
	RetMsg  string            `json:"ret_msg"`
	Data    []bybitTradeEntry `json:"data"`
}

type bybitTradeEntry struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Volume string `json:"v"`
}

// Run dials, subscribes and reads until the connection fails or ctx ends.
func (f *BybitTrades) Run(ctx context.Context) error {
	header := http.Header{}
	header.Set("User-Agent", "crashguard/1.0")
	conn, _, err := f.dialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial bybit: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	var writeMu sync.Mutex
	write := func(req bybitRequest) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(req)
	}

	args := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		args = append(args, "publicTrade."+s)
	}
	if err := write(bybitRequest{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info().Strs("topics", args).Msg("bybit trade stream subscribed")

	wg.Add(2)
	go func() {
		defer wg.Done()
		f.batch.pump(ctx, batchInterval, f.sink, f.logger)
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(bybitPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// unblocks the reader
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := write(bybitRequest{Op: "ping"}); err != nil {
					f.logger.Warn().Err(err).Msg("ping failed")
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(bybitReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		trades, err := parseBybit(payload)
		if err != nil {
			return err
		}
		for _, t := range trades {
			f.batch.add(t)
		}
	}
}

// parseBybit decodes one frame. Control frames yield no trades; a rejected subscription is an error.
func parseBybit(payload []byte) ([]trade, error) {
	var msg bybitMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, nil
	}
	if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
		return nil, fmt.Errorf("bybit subscription rejected: %s", msg.RetMsg)
	}
	if !strings.HasPrefix(msg.Topic, "publicTrade.") {
		return nil, nil
	}
	out := make([]trade, 0, len(msg.Data))
	for _, d := range msg.Data {
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(d.Volume)
		if err != nil {
			continue
		}
		out = append(out, trade{asset: d.Symbol, price: price, qty: qty, at: time.UnixMilli(d.Time).UTC()})
	}
	return out, nil
}

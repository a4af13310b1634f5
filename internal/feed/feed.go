// Package feed subscribes to a websocket ticker stream and pumps prices into
// the trader. It is a price pump only; order flow goes through the gateway.
package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
)

// PriceHandler receives every parsed tick.
type PriceHandler func(ctx context.Context, symbol string, price float64)

// Config holds the stream settings.
type Config struct {
	// URL is the combined-stream endpoint; symbols are appended as
	// lowercase miniTicker stream names.
	URL     string   `json:"url"`
	Symbols []string `json:"symbols"`

	ReconnectBase time.Duration `json:"reconnect_base"`
	ReconnectMax  time.Duration `json:"reconnect_max"`
	ReadTimeout   time.Duration `json:"read_timeout"`
}

// DefaultConfig returns the standard stream tuning.
func DefaultConfig() Config {
	return Config{
		URL:           "wss://stream.binance.com:9443/stream?streams=",
		ReconnectBase: time.Second,
		ReconnectMax:  time.Minute,
		ReadTimeout:   60 * time.Second,
	}
}

// tickerMessage is the combined-stream miniTicker envelope.
type tickerMessage struct {
	Data struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

// Feed maintains the stream connection and dispatches ticks.
type Feed struct {
	cfg     Config
	handler PriceHandler
	log     *logging.EventLogger
}

// New creates a feed; Run starts it.
func New(cfg Config, handler PriceHandler, log *logging.EventLogger) *Feed {
	return &Feed{cfg: cfg, handler: handler, log: log.WithComponent("feed")}
}

func (f *Feed) streamURL() string {
	streams := make([]string, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	return f.cfg.URL + strings.Join(streams, "/")
}

// Run connects and reads until ctx is cancelled, reconnecting with capped
// exponential backoff on any failure.
func (f *Feed) Run(ctx context.Context) {
	backoff := f.cfg.ReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		f.log.Warn("stream_disconnected", "error", err, "retry_in", backoff.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.ReconnectMax {
			backoff = f.cfg.ReconnectMax
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	url := f.streamURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	f.log.Event("stream_connected", "url", url, "symbols", len(f.cfg.Symbols))

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		f.dispatch(ctx, raw)
	}
}

func (f *Feed) dispatch(ctx context.Context, raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.log.Debug("stream_message_unparsed", "error", err)
		return
	}
	if msg.Data.Symbol == "" || msg.Data.Close == "" {
		return
	}
	price, err := strconv.ParseFloat(msg.Data.Close, 64)
	if err != nil || price <= 0 {
		return
	}
	f.handler(ctx, msg.Data.Symbol, price)
}

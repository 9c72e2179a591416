package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// TickHandler is called for each mark-price update.
type TickHandler func(domain.PriceTick)

// MarkPriceStream connects to the futures combined-stream endpoint and
// delivers mark-price ticks for the configured symbols. It reconnects with
// exponential backoff on disconnect.
type MarkPriceStream struct {
	wsHost  string
	symbols []string
	onTick  TickHandler
	logger  *slog.Logger
}

// NewMarkPriceStream creates a stream for the given symbols.
//
// wsHost is the stream root, e.g. "wss://fstream.binance.com".
func NewMarkPriceStream(wsHost string, symbols []string, onTick TickHandler, logger *slog.Logger) *MarkPriceStream {
	return &MarkPriceStream{
		wsHost:  strings.TrimRight(wsHost, "/"),
		symbols: symbols,
		onTick:  onTick,
		logger:  logger.With(slog.String("component", "mark_price_stream")),
	}
}

// streamURL builds the combined-stream URL, one markPrice@1s stream per
// symbol.
func (s *MarkPriceStream) streamURL() string {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(sym) + "@markPrice@1s"
	}
	return s.wsHost + "/stream?streams=" + strings.Join(streams, "/")
}

// Run connects and dispatches ticks until ctx is cancelled, reconnecting with
// backoff after any disconnect.
func (s *MarkPriceStream) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		s.logger.InfoContext(ctx, "no symbols to stream, exiting")
		return nil
	}

	bo := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.Duration()
		s.logger.WarnContext(ctx, "stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *MarkPriceStream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	go s.pingLoop(ctx, conn, done)

	s.logger.InfoContext(ctx, "stream connected", slog.Int("symbols", len(s.symbols)))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance/ws: read: %w", err)
		}

		var frame combinedStreamFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Data.EventType != "markPriceUpdate" {
			continue
		}

		price, err := decimal.NewFromString(frame.Data.MarkPrice)
		if err != nil {
			s.logger.WarnContext(ctx, "bad mark price",
				slog.String("symbol", frame.Data.Symbol),
				slog.String("raw", frame.Data.MarkPrice))
			continue
		}

		s.onTick(domain.PriceTick{
			Symbol:    frame.Data.Symbol,
			Price:     price,
			Timestamp: time.UnixMilli(frame.Data.EventTime),
		})
	}
}

func (s *MarkPriceStream) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}

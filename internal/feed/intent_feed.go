package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// intentsChannel is the signal bus channel the decision component publishes
// trade intents on.
const intentsChannel = "intents"

// intentEvent is the JSON wire shape of a published trade intent.
type intentEvent struct {
	ID            string           `json:"id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	SizePct       decimal.Decimal  `json:"size_pct"`
	Leverage      int              `json:"leverage"`
	StopLossPct   decimal.Decimal  `json:"stop_loss_pct"`
	TakeProfitPct *decimal.Decimal `json:"take_profit_pct,omitempty"`
	Confidence    float64          `json:"confidence"`
	Reasoning     string           `json:"reasoning"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

// IntentFeed subscribes to the intents channel and forwards decoded intents
// to the executor's input channel. Malformed payloads are dropped with a
// debug log; validation proper happens in the risk gate.
type IntentFeed struct {
	bus    domain.SignalBus
	out    chan<- domain.TradeIntent
	logger *slog.Logger
}

// NewIntentFeed creates an IntentFeed writing to out.
func NewIntentFeed(bus domain.SignalBus, out chan<- domain.TradeIntent, logger *slog.Logger) *IntentFeed {
	return &IntentFeed{
		bus:    bus,
		out:    out,
		logger: logger.With(slog.String("component", "intent_feed")),
	}
}

// Run subscribes to the intents channel and forwards messages until ctx ends.
func (f *IntentFeed) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, intentsChannel)
	if err != nil {
		return err
	}
	f.logger.InfoContext(ctx, "intent feed started")
	defer f.logger.Info("intent feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var ev intentEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				f.logger.Debug("bad intent payload", slog.Int("payload_len", len(data)))
				continue
			}
			if ev.ID == "" || ev.Symbol == "" {
				continue
			}
			side := domain.Side(ev.Side)
			if side != domain.SideLong && side != domain.SideShort {
				f.logger.Debug("unknown intent side",
					slog.String("id", ev.ID),
					slog.String("side", ev.Side))
				continue
			}

			intent := domain.TradeIntent{
				ID:            ev.ID,
				Symbol:        ev.Symbol,
				Side:          side,
				Quantity:      ev.Quantity,
				SizePct:       ev.SizePct,
				Leverage:      ev.Leverage,
				StopLossPct:   ev.StopLossPct,
				TakeProfitPct: ev.TakeProfitPct,
				Confidence:    ev.Confidence,
				Reasoning:     ev.Reasoning,
				CreatedAt:     ev.CreatedAt,
				ExpiresAt:     ev.ExpiresAt,
			}

			select {
			case f.out <- intent:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

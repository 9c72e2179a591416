package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"tradeguard/internal/domain"
)

// eventTitles maps bus event names to alert titles. Events outside this map
// are forwarded with the raw event name as title and left to the notifier's
// event filter.
var eventTitles = map[string]string{
	"breaker_tripped":          "🚨 Circuit breaker TRIPPED",
	"breaker_reset":            "Circuit breaker reset",
	"protection_triggered":     "Stop-loss protection triggered",
	"reconcile_flagged":        "⚠️ Unknown exchange position",
	"reconcile_corrected":      "Reconciliation correction applied",
	"reconcile_closed_missing": "Position closed: missing on exchange",
}

// AlertListener subscribes to the core's event channels on the signal bus
// and turns them into operator notifications.
type AlertListener struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewAlertListener creates an AlertListener.
func NewAlertListener(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *AlertListener {
	return &AlertListener{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "alerts")),
	}
}

// Run forwards events from all "events:*" channels until ctx ends.
func (a *AlertListener) Run(ctx context.Context) error {
	ch, err := a.bus.Subscribe(ctx, "events:*")
	if err != nil {
		return fmt.Errorf("notify: subscribe events: %w", err)
	}
	a.logger.InfoContext(ctx, "alert listener started")
	defer a.logger.Info("alert listener stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			a.handle(ctx, payload)
		}
	}
}

func (a *AlertListener) handle(ctx context.Context, payload []byte) {
	var detail map[string]any
	if err := json.Unmarshal(payload, &detail); err != nil {
		a.logger.Debug("bad event payload", slog.Int("payload_len", len(payload)))
		return
	}

	event, _ := detail["event"].(string)
	if event == "" {
		return
	}

	title := eventTitles[event]
	if title == "" {
		title = event
	}

	// Sorted so the same event always reads the same way in the channel.
	keys := make([]string, 0, len(detail))
	for k := range detail {
		if k != "event" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	body := ""
	for _, k := range keys {
		body += fmt.Sprintf("%s: %v\n", k, detail[k])
	}

	if err := a.notifier.Notify(ctx, event, title, body); err != nil {
		a.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	titles []string
	bodies []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return nil
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.titles))
	copy(out, s.titles)
	return out
}

func TestNotifyFiltersByEvent(t *testing.T) {
	sender := &recordingSender{name: "telegram"}
	n := NewNotifier([]Sender{sender}, []string{"breaker_tripped"}, slog.Default())

	require.NoError(t, n.Notify(context.Background(), "breaker_tripped", "tripped", "body"))
	require.NoError(t, n.Notify(context.Background(), "position_opened", "opened", "body"))

	assert.Equal(t, []string{"tripped"}, sender.sent())
}

func TestNotifyEmptyFilterAllowsEverything(t *testing.T) {
	sender := &recordingSender{name: "telegram"}
	n := NewNotifier([]Sender{sender}, nil, slog.Default())

	require.NoError(t, n.Notify(context.Background(), "anything", "t", "b"))
	assert.Len(t, sender.sent(), 1)
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	sender := &recordingSender{name: "telegram"}
	n := NewNotifier([]Sender{sender}, []string{"breaker_tripped"}, slog.Default())

	require.NoError(t, n.NotifyAll(context.Background(), "urgent", "b"))
	assert.Equal(t, []string{"urgent"}, sender.sent())
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	broken := &recordingSender{name: "telegram", err: errors.New("429")}
	working := &recordingSender{name: "discord"}
	n := NewNotifier([]Sender{broken, working}, nil, slog.Default())

	err := n.Notify(context.Background(), "e", "t", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
	assert.Len(t, working.sent(), 1, "one failed sender must not block the others")
}

func TestNotifyNoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, slog.Default())
	assert.NoError(t, n.Notify(context.Background(), "e", "t", "b"))
}

func TestAlertListenerFormatsKnownEvents(t *testing.T) {
	sender := &recordingSender{name: "telegram"}
	notifier := NewNotifier([]Sender{sender}, nil, slog.Default())
	listener := NewAlertListener(nil, notifier, slog.Default())

	payload, err := json.Marshal(map[string]any{
		"event":  "breaker_tripped",
		"day":    "2026-08-30",
		"reason": "daily loss floor",
	})
	require.NoError(t, err)

	listener.handle(context.Background(), payload)

	titles := sender.sent()
	require.Len(t, titles, 1)
	assert.Contains(t, titles[0], "Circuit breaker TRIPPED")
}

func TestAlertListenerBodyFieldsAreSorted(t *testing.T) {
	sender := &recordingSender{name: "telegram"}
	notifier := NewNotifier([]Sender{sender}, nil, slog.Default())
	listener := NewAlertListener(nil, notifier, slog.Default())

	payload, err := json.Marshal(map[string]any{
		"event":     "breaker_tripped",
		"floor":     "-183.8872",
		"daily_pnl": "-200.5",
		"day":       "2026-08-30",
	})
	require.NoError(t, err)

	// Same payload twice: field order must not wobble between deliveries.
	listener.handle(context.Background(), payload)
	listener.handle(context.Background(), payload)

	want := "daily_pnl: -200.5\nday: 2026-08-30\nfloor: -183.8872\n"
	require.Len(t, sender.bodies, 2)
	assert.Equal(t, want, sender.bodies[0])
	assert.Equal(t, want, sender.bodies[1])
}

func TestAlertListenerDropsBadPayloads(t *testing.T) {
	sender := &recordingSender{name: "telegram"}
	notifier := NewNotifier([]Sender{sender}, nil, slog.Default())
	listener := NewAlertListener(nil, notifier, slog.Default())

	listener.handle(context.Background(), []byte(`not json`))
	listener.handle(context.Background(), []byte(`{"no_event":"field"}`))

	assert.Empty(t, sender.sent())
}

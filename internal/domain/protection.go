package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProtectionLayer identifies which of the three stop-loss layers acted.
type ProtectionLayer string

const (
	LayerExchangeOrder ProtectionLayer = "exchange_order" // reduce-only stop order on the exchange
	LayerAppMonitor    ProtectionLayer = "app_monitor"    // local price monitor
	LayerEmergency     ProtectionLayer = "emergency"      // raw-loss backstop
)

// Protection is the per-position guard record. One exists for every open
// position; it is discarded the moment the position leaves OPEN by any path.
type Protection struct {
	PositionID          string
	Symbol              string
	StopPrice           decimal.Decimal
	ExchangeOrderID     string
	ExchangeOrderActive bool
	MonitorActive       bool
	EmergencyActive     bool
	TriggeredLayer      ProtectionLayer // empty until a layer acts
	TriggeredAt         *time.Time
	StartedAt           time.Time
}

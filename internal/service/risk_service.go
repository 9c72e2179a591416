package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradeguard/internal/domain"
)

// RiskLimits are the static parameters of the pre-trade gate.
type RiskLimits struct {
	Capital          decimal.Decimal
	MaxPositionPct   decimal.Decimal
	MaxExposurePct   decimal.Decimal
	MinConfidence    float64
	MinStopLossPct   decimal.Decimal
	MaxStopLossPct   decimal.Decimal
	MinLeverage      int
	MaxLeverage      int
	MaxOpenPositions int
	// SymbolLeverage holds per-symbol leverage ceilings tighter than the
	// global maximum.
	SymbolLeverage map[string]int
}

// RiskValidator is the stateless pre-trade gate. Validate is a pure function
// over (intent, mark price, book snapshot, breaker status); it is the single
// mandatory checkpoint before any new-position order reaches the exchange.
type RiskValidator struct {
	limits RiskLimits
}

// NewRiskValidator creates a RiskValidator with the given limits.
func NewRiskValidator(limits RiskLimits) *RiskValidator {
	return &RiskValidator{limits: limits}
}

// Validate runs the ordered battery of checks. Every check is evaluated and
// recorded even after one fails; approval requires all of them to pass.
func (rv *RiskValidator) Validate(
	intent domain.TradeIntent,
	markPrice decimal.Decimal,
	book domain.BookSnapshot,
	breaker domain.BreakerStatus,
) domain.RiskValidation {
	v := domain.RiskValidation{Approved: true}
	l := rv.limits

	// 1. Circuit breaker gate. Non-overridable.
	v.Record("circuit_breaker", !breaker.Halted(),
		fmt.Sprintf("state %s", breaker.State))

	// 2. Signal confidence floor.
	v.Record("confidence", intent.Confidence >= l.MinConfidence,
		fmt.Sprintf("%.2f vs floor %.2f", intent.Confidence, l.MinConfidence))

	// 3. Stop loss present and within distance bounds.
	stopOK := intent.StopLossPct.GreaterThanOrEqual(l.MinStopLossPct) &&
		intent.StopLossPct.LessThanOrEqual(l.MaxStopLossPct)
	v.Record("stop_loss", stopOK,
		fmt.Sprintf("distance %s, bounds [%s,%s]",
			intent.StopLossPct.String(), l.MinStopLossPct.String(), l.MaxStopLossPct.String()))

	// 4. Leverage within global and symbol-specific ceilings.
	maxLev := l.MaxLeverage
	if ceil, ok := l.SymbolLeverage[intent.Symbol]; ok && ceil < maxLev {
		maxLev = ceil
	}
	levOK := intent.Leverage >= l.MinLeverage && intent.Leverage <= maxLev
	v.Record("leverage", levOK,
		fmt.Sprintf("%dx, allowed [%d,%d] for %s", intent.Leverage, l.MinLeverage, maxLev, intent.Symbol))

	// 5. Notional cap per position.
	notional := intentNotional(intent, markPrice, l.Capital)
	maxNotional := l.Capital.Mul(l.MaxPositionPct)
	v.Record("position_notional", notional.LessThanOrEqual(maxNotional),
		fmt.Sprintf("%s vs cap %s", notional.StringFixed(2), maxNotional.StringFixed(2)))

	// 6. Total exposure cap.
	projected := book.TotalExposure.Add(notional)
	maxExposure := l.Capital.Mul(l.MaxExposurePct)
	v.Record("total_exposure", projected.LessThanOrEqual(maxExposure),
		fmt.Sprintf("%s vs cap %s", projected.StringFixed(2), maxExposure.StringFixed(2)))

	// 7. Open position count.
	v.Record("open_positions", book.OpenCount < l.MaxOpenPositions,
		fmt.Sprintf("%d open, max %d", book.OpenCount, l.MaxOpenPositions))

	return v
}

// SizeQuantity resolves an intent's quantity: explicit quantity wins, else
// SizePct of capital at the mark price.
func (rv *RiskValidator) SizeQuantity(intent domain.TradeIntent, markPrice decimal.Decimal) decimal.Decimal {
	if intent.Quantity.IsPositive() {
		return intent.Quantity
	}
	if markPrice.IsZero() {
		return decimal.Zero
	}
	return rv.limits.Capital.Mul(intent.SizePct).Div(markPrice)
}

// intentNotional computes the effective exposure the intent would add.
// With an explicit quantity: qty × price × leverage. With SizePct the price
// cancels out: sizePct × capital × leverage.
func intentNotional(intent domain.TradeIntent, markPrice, capital decimal.Decimal) decimal.Decimal {
	lev := decimal.NewFromInt(int64(intent.Leverage))
	if intent.Quantity.IsPositive() {
		return intent.Quantity.Mul(markPrice).Mul(lev)
	}
	return capital.Mul(intent.SizePct).Mul(lev)
}

// Package validation checks take-profit and stop-loss levels against the
// broker's minimum stop distance. All arithmetic is fixed-point decimal.
package validation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

// Reason is a machine-readable rejection code.
type Reason string

const (
	ReasonSLWrongSide          Reason = "sl_wrong_side"
	ReasonSLTooClose           Reason = "sl_too_close"
	ReasonTPWrongSide          Reason = "tp_wrong_side"
	ReasonTPTooClose           Reason = "tp_too_close"
	ReasonUnsupportedAction    Reason = "unsupported_action"
	ReasonPriceConversionError Reason = "price_conversion_error"
)

// Rejection is returned when a stop level would be refused by the broker or
// would leave the position with undefined risk.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "validation: " + string(r.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// StopLevels are the broker-ready TP/SL values. Zero means not set.
type StopLevels struct {
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

// ValidateStopLevels checks tp and sl against reference for the given
// action. Absent or zero levels are returned as zero. A BUY needs sl below
// and tp above the reference by at least the minimum stop distance; a SELL
// inverts both. The stop loss is checked before the take profit. Values are
// never clamped or rounded.
func ValidateStopLevels(
	action domain.Side,
	reference decimal.Decimal,
	tp, sl *decimal.Decimal,
	c domain.SymbolConstraints,
) (StopLevels, error) {
	if !action.Valid() {
		return StopLevels{}, reject(ReasonUnsupportedAction, "action %q", action)
	}

	tpv, err := level("tp", tp)
	if err != nil {
		return StopLevels{}, err
	}
	slv, err := level("sl", sl)
	if err != nil {
		return StopLevels{}, err
	}
	out := StopLevels{TakeProfit: tpv, StopLoss: slv}
	if tpv.IsZero() && slv.IsZero() {
		return out, nil
	}

	if !reference.IsPositive() {
		return StopLevels{}, reject(ReasonPriceConversionError, "reference price %s", reference)
	}
	if !c.PointSize.IsPositive() {
		return StopLevels{}, reject(ReasonPriceConversionError, "point size %s for %s", c.PointSize, c.Symbol)
	}
	if c.MinStopDistancePoints < 0 {
		return StopLevels{}, reject(ReasonPriceConversionError, "min stop distance %d for %s", c.MinStopDistancePoints, c.Symbol)
	}
	minDist := c.MinStopDistance()

	if !slv.IsZero() {
		// distance is positive when sl sits on the protective side
		dist := reference.Sub(slv)
		if action == domain.SideSell {
			dist = slv.Sub(reference)
		}
		if !dist.IsPositive() {
			return StopLevels{}, reject(ReasonSLWrongSide, "%s sl %s vs reference %s", action, slv, reference)
		}
		if dist.LessThan(minDist) {
			return StopLevels{}, reject(ReasonSLTooClose, "sl %s is %s from %s, minimum %s", slv, dist, reference, minDist)
		}
	}

	if !tpv.IsZero() {
		dist := tpv.Sub(reference)
		if action == domain.SideSell {
			dist = reference.Sub(tpv)
		}
		if !dist.IsPositive() {
			return StopLevels{}, reject(ReasonTPWrongSide, "%s tp %s vs reference %s", action, tpv, reference)
		}
		if dist.LessThan(minDist) {
			return StopLevels{}, reject(ReasonTPTooClose, "tp %s is %s from %s, minimum %s", tpv, dist, reference, minDist)
		}
	}

	return out, nil
}

func level(name string, v *decimal.Decimal) (decimal.Decimal, error) {
	if v == nil {
		return decimal.Zero, nil
	}
	if v.IsNegative() {
		return decimal.Zero, reject(ReasonPriceConversionError, "%s %s is negative", name, v)
	}
	return *v, nil
}

package exchange

import (
	"github.com/shopspring/decimal"
)

// RoundDown floors value to a multiple of step. A non-positive step
// returns value unchanged.
func RoundDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	return v.Div(s).Floor().Mul(s).InexactFloat64()
}

// RoundToTick rounds value to the nearest multiple of tick.
func RoundToTick(value, tick float64) float64 {
	if tick <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(tick)
	return v.Div(s).Round(0).Mul(s).InexactFloat64()
}

// IsMultiple reports whether value is an exact multiple of step.
func IsMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	return decimal.NewFromFloat(value).Mod(decimal.NewFromFloat(step)).IsZero()
}

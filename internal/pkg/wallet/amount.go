package wallet

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const unitExponent = 8

// ToBaseUnits converts a coin amount such as "0.015" into base units.
func ToBaseUnits(coins string) (int64, error) {
	d, err := decimal.NewFromString(coins)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidAmount, coins, err)
	}

	units := d.Shift(unitExponent)
	if units.IsNegative() || !units.Equal(units.Truncate(0)) ||
		units.GreaterThan(decimal.New(math.MaxInt64, 0)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, coins)
	}

	return units.IntPart(), nil
}

func FromBaseUnits(units int64) string {
	return decimal.New(units, -unitExponent).String()
}

package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultTopupAmounts are the yen amounts the checkout UI offers.
var DefaultTopupAmounts = []int64{100, 500, 1000}

// TopupPlan decides which top-up amounts are accepted and how many points they buy.
type TopupPlan struct {
	Amounts      []int64
	PointsPerYen decimal.Decimal
}

// DefaultTopupPlan credits one point per yen for the default amounts.
func DefaultTopupPlan() TopupPlan {
	return TopupPlan{
		Amounts:      append([]int64(nil), DefaultTopupAmounts...),
		PointsPerYen: decimal.NewFromInt(1),
	}
}

// NewTopupPlan parses a rate such as "1" or "1.1".
func NewTopupPlan(amounts []int64, pointsPerYen string) (TopupPlan, error) {
	rate, err := decimal.NewFromString(pointsPerYen)
	if err != nil {
		return TopupPlan{}, fmt.Errorf("points per yen %q: %w", pointsPerYen, err)
	}
	if !rate.IsPositive() {
		return TopupPlan{}, fmt.Errorf("points per yen must be positive, got %s", rate)
	}
	for _, a := range amounts {
		if a <= 0 {
			return TopupPlan{}, fmt.Errorf("%w: top-up amount %d", ErrInvalidAmount, a)
		}
	}
	return TopupPlan{Amounts: amounts, PointsPerYen: rate}, nil
}

// Points converts a yen amount into credited points, rounding down.
// Fails with ErrInvalidAmount if the amount is not offered by the plan.
func (p TopupPlan) Points(amountYen int64) (int64, error) {
	if !p.allows(amountYen) {
		return 0, fmt.Errorf("%w: %d yen is not a top-up option", ErrInvalidAmount, amountYen)
	}
	points := decimal.NewFromInt(amountYen).Mul(p.PointsPerYen).Floor().IntPart()
	if points <= 0 {
		return 0, fmt.Errorf("%w: %d yen credits no points", ErrInvalidAmount, amountYen)
	}
	return points, nil
}

func (p TopupPlan) allows(amountYen int64) bool {
	for _, a := range p.Amounts {
		if a == amountYen {
			return true
		}
	}
	return false
}

package pricing

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ComputeDiscount returns the discount rule grants on cart and the scope it
// was computed against. It assumes rule passed Evaluate; a malformed rule
// yields zero.
func ComputeDiscount(rule *Rule, cart *Cart) (decimal.Decimal, AppliedTo) {
	if rule.Scope == nil {
		return decimal.Zero, ""
	}
	base := cart.Subtotal(rule.Scope)
	appliedTo := rule.Scope.AppliedTo()
	if !base.IsPositive() {
		return decimal.Zero, appliedTo
	}

	var amount decimal.Decimal
	switch m := rule.Magnitude.(type) {
	case Percentage:
		amount = base.Mul(m.Percent).Div(hundred)
	case FixedAmount:
		amount = decimal.Min(m.Amount, base)
	default:
		return decimal.Zero, appliedTo
	}

	if rule.MaxDiscount.Valid {
		amount = decimal.Min(amount, rule.MaxDiscount.Decimal)
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	// Round is half away from zero, which is half-up for non-negative amounts.
	return amount.Round(2), appliedTo
}

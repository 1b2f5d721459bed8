package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ValidateRule reports every structural problem with r as a single
// *MalformedRuleError, or nil when the rule can be evaluated safely.
func ValidateRule(r *Rule) error {
	var problems []string
	add := func(p string) { problems = append(problems, p) }
	// Stored columns keep two decimal places.
	checkCents := func(name string, v decimal.Decimal) {
		if !v.Equal(v.Round(2)) {
			add(name + " has more than 2 decimal places")
		}
	}

	if r.Scope == nil {
		add("scope missing")
	}
	switch s := r.Scope.(type) {
	case CategoryScope:
		if s.CategoryID == "" {
			add("category reference required")
		}
	case ProductScope:
		if s.ProductID == "" && s.VariantID == "" {
			add("product or variant reference required")
		}
	}

	switch m := r.Magnitude.(type) {
	case Percentage:
		if !m.Percent.IsPositive() || m.Percent.GreaterThan(hundred) {
			add("percentage must be above 0 and at most 100")
		}
		checkCents("percentage", m.Percent)
	case FixedAmount:
		if !m.Amount.IsPositive() {
			add("fixed amount must be positive")
		}
		checkCents("fixed amount", m.Amount)
	default:
		add("magnitude missing")
	}

	checkBounds := func(name string, b Bounds) {
		if b.Min.Valid && b.Min.Decimal.IsNegative() {
			add(name + " minimum is negative")
		}
		if b.Min.Valid {
			checkCents(name+" minimum", b.Min.Decimal)
		}
		if b.Max.Valid {
			checkCents(name+" maximum", b.Max.Decimal)
		}
		if b.Min.Valid && b.Max.Valid && b.Min.Decimal.GreaterThan(b.Max.Decimal) {
			add(name + " minimum exceeds maximum")
		}
	}
	checkBounds("cart value", r.CartBounds)
	checkBounds("scope value", r.ScopeBounds)

	if r.MaxDiscount.Valid && !r.MaxDiscount.Decimal.GreaterThan(decimal.Zero) {
		add("max discount must be positive")
	}
	if r.MaxDiscount.Valid {
		checkCents("max discount", r.MaxDiscount.Decimal)
	}
	if r.StartsAt != nil && r.EndsAt != nil && r.EndsAt.Before(*r.StartsAt) {
		add("ends_at precedes starts_at")
	}
	if r.UsageLimit != nil && *r.UsageLimit < 0 {
		add("usage limit is negative")
	}
	if r.PerUserLimit != nil && *r.PerUserLimit < 0 {
		add("per-user limit is negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return &MalformedRuleError{RuleID: r.ID, Reason: strings.Join(problems, "; ")}
}

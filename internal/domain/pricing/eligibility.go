package pricing

import (
	"slices"
	"time"
)

// Reason is the outcome of evaluating one rule against one cart. Every value
// other than ReasonEligible names the first check that failed.
type Reason string

const (
	ReasonEligible     Reason = "eligible"
	ReasonMalformed    Reason = "malformed"
	ReasonInactive     Reason = "inactive"
	ReasonNotStarted   Reason = "not_started"
	ReasonExpired      Reason = "expired"
	ReasonCurrency     Reason = "currency_mismatch"
	ReasonUser         Reason = "user_mismatch"
	ReasonNotSelected  Reason = "not_selected"
	ReasonGlobalLimit  Reason = "usage_limit_reached"
	ReasonUserLimit    Reason = "per_user_limit_reached"
	ReasonCartBounds   Reason = "cart_value_out_of_bounds"
	ReasonNoScopeItems Reason = "no_matching_items"
	ReasonScopeBounds  Reason = "scope_value_out_of_bounds"
)

// IsEligible reports whether rule applies to cart given the supplied coupon
// codes at instant now.
func IsEligible(rule *Rule, cart *Cart, codes []string, now time.Time) bool {
	return Evaluate(rule, cart, codes, now) == ReasonEligible
}

// Evaluate runs every applicability check against rule and returns the first
// failure. It has no side effects and never panics on a malformed rule.
func Evaluate(rule *Rule, cart *Cart, codes []string, now time.Time) Reason {
	if rule == nil || rule.Scope == nil || rule.Magnitude == nil {
		return ReasonMalformed
	}
	if !rule.Active {
		return ReasonInactive
	}

	if rule.StartsAt != nil && rule.StartsAt.After(now) {
		return ReasonNotStarted
	}
	if rule.EndsAt != nil && rule.EndsAt.Before(now) {
		return ReasonExpired
	}

	if rule.Currency != "" && rule.Currency != cart.Currency {
		return ReasonCurrency
	}
	if rule.UserID != "" && rule.UserID != cart.UserID {
		return ReasonUser
	}

	if !selected(rule, codes) {
		return ReasonNotSelected
	}

	if rule.UsageLimit != nil && rule.UsageCount >= *rule.UsageLimit {
		return ReasonGlobalLimit
	}
	// Guest carts have no per-user counter and are exempt.
	if rule.PerUserLimit != nil && cart.UserID != "" &&
		rule.UserUsage.Get(cart.UserID) >= *rule.PerUserLimit {
		return ReasonUserLimit
	}

	if !rule.CartBounds.Contains(cart.Total()) {
		return ReasonCartBounds
	}
	if _, ok := rule.Scope.(CartScope); ok {
		return ReasonEligible
	}

	subtotal, matched := cart.scopeSubtotal(rule.Scope)
	if !matched || !subtotal.IsPositive() {
		return ReasonNoScopeItems
	}
	if !rule.ScopeBounds.Contains(subtotal) {
		return ReasonScopeBounds
	}
	return ReasonEligible
}

// selected implements the discovery path: coupon rules only by exact code,
// code-less rules only when auto-applied.
func selected(rule *Rule, codes []string) bool {
	if rule.CouponCode != "" {
		return slices.Contains(codes, rule.CouponCode)
	}
	return rule.AutoApply
}

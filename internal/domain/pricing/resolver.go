package pricing

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"
)

// CompareRules orders rules by priority descending, then creation time
// ascending, then id so the order never depends on storage.
func CompareRules(a, b *Rule) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Resolve picks at most one non-combinable winner and stacks every
// combinable rule on top of it. The winner comes first in the returned
// slice, followed by combinable rules in CompareRules order. Rules that
// discount nothing are dropped so they never consume usage.
func Resolve(candidates []AppliedRule) (decimal.Decimal, []AppliedRule) {
	sorted := slices.DeleteFunc(slices.Clone(candidates), func(c AppliedRule) bool {
		return !c.Amount.IsPositive()
	})
	slices.SortStableFunc(sorted, func(a, b AppliedRule) int {
		return CompareRules(a.Rule, b.Rule)
	})

	total := decimal.Zero
	applied := make([]AppliedRule, 0, len(sorted))
	for _, c := range sorted {
		if !c.Rule.Combinable {
			total = total.Add(c.Amount)
			applied = append(applied, c)
			break
		}
	}
	for _, c := range sorted {
		if c.Rule.Combinable {
			total = total.Add(c.Amount)
			applied = append(applied, c)
		}
	}
	return total, applied
}

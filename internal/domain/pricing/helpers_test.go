package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func nd(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(v))
}

func intp(v int) *int {
	return &v
}

func timep(t time.Time) *time.Time {
	return &t
}

func cartRule(id string, m Magnitude) Rule {
	return Rule{
		ID:        id,
		Name:      id,
		Scope:     CartScope{},
		Magnitude: m,
		Active:    true,
		AutoApply: true,
		CreatedAt: fixedNow.Add(-time.Hour),
	}
}

func pct(v string) Magnitude   { return Percentage{Percent: d(v)} }
func fixed(v string) Magnitude { return FixedAmount{Amount: d(v)} }

func usdCart(userID string, items ...LineItem) *Cart {
	return &Cart{ID: "cart-1", UserID: userID, Currency: "USD", Items: items}
}

func line(category, price string, qty int) LineItem {
	return LineItem{
		ProductID:  "p-" + category,
		VariantID:  "v-" + category,
		CategoryID: category,
		UnitPrice:  d(price),
		Quantity:   qty,
	}
}

package pricing

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// LineItem is one cart line as seen by the engine.
type LineItem struct {
	ProductID  string
	VariantID  string
	CategoryID string
	UnitPrice  decimal.Decimal
	Quantity   int
}

// Subtotal returns UnitPrice * Quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Cart is a read-only snapshot of a shopping cart. An empty UserID marks a
// guest cart.
type Cart struct {
	ID       string
	UserID   string
	Currency string
	Items    []LineItem
}

// Total returns the sum of all line subtotals.
func (c *Cart) Total() decimal.Decimal {
	return c.Subtotal(CartScope{})
}

// Subtotal returns the sum of line subtotals matching scope.
func (c *Cart) Subtotal(scope Scope) decimal.Decimal {
	sum, _ := c.scopeSubtotal(scope)
	return sum
}

func (c *Cart) scopeSubtotal(scope Scope) (decimal.Decimal, bool) {
	sum := decimal.Zero
	matched := false
	for _, item := range c.Items {
		if !scope.matches(item) {
			continue
		}
		matched = true
		sum = sum.Add(item.Subtotal())
	}
	return sum, matched
}

// NormalizeCode trims and upper-cases a coupon code. Stored codes and codes
// submitted with a cart go through it before the case-sensitive match.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeCodes normalizes codes, dropping blanks and duplicates while
// keeping the first occurrence order.
func NormalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = NormalizeCode(c)
		if c == "" || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

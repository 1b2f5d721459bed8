package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleType is the persisted classification of a rule. It is derived from the
// rule's Scope and Magnitude and never stored on Rule itself.
type RuleType string

const (
	CartPercentage     RuleType = "cart_percentage"
	CartFixed          RuleType = "cart_fixed"
	CategoryPercentage RuleType = "category_percentage"
	CategoryFixed      RuleType = "category_fixed"
	ProductPercentage  RuleType = "product_percentage"
	ProductFixed       RuleType = "product_fixed"
)

// AppliedTo tags the part of the cart a discount was computed against.
type AppliedTo string

const (
	AppliedToCart     AppliedTo = "cart"
	AppliedToCategory AppliedTo = "category"
	AppliedToProduct  AppliedTo = "product"
)

// Scope is the closed set of cart subsets a rule can target.
type Scope interface {
	AppliedTo() AppliedTo
	matches(item LineItem) bool
}

// CartScope targets every line of the cart.
type CartScope struct{}

// CategoryScope targets lines of a single category.
type CategoryScope struct {
	CategoryID string
}

// ProductScope targets lines of a single product. When VariantID is set only
// that variant matches.
type ProductScope struct {
	ProductID string
	VariantID string
}

func (CartScope) AppliedTo() AppliedTo     { return AppliedToCart }
func (CategoryScope) AppliedTo() AppliedTo { return AppliedToCategory }
func (ProductScope) AppliedTo() AppliedTo  { return AppliedToProduct }

func (CartScope) matches(LineItem) bool { return true }

func (s CategoryScope) matches(item LineItem) bool {
	return s.CategoryID != "" && item.CategoryID == s.CategoryID
}

func (s ProductScope) matches(item LineItem) bool {
	if s.VariantID != "" {
		return item.VariantID == s.VariantID
	}
	return s.ProductID != "" && item.ProductID == s.ProductID
}

// Magnitude is the closed set of discount sizes.
type Magnitude interface {
	isMagnitude()
}

// Percentage discounts Percent (0-100) of the scope subtotal.
type Percentage struct {
	Percent decimal.Decimal
}

// FixedAmount discounts a flat amount, capped at the scope subtotal.
type FixedAmount struct {
	Amount decimal.Decimal
}

func (Percentage) isMagnitude()  {}
func (FixedAmount) isMagnitude() {}

// Bounds is an inclusive [Min, Max] range. An invalid NullDecimal means the
// side is unconstrained.
type Bounds struct {
	Min decimal.NullDecimal
	Max decimal.NullDecimal
}

// Contains reports whether v satisfies both bounds.
func (b Bounds) Contains(v decimal.Decimal) bool {
	if b.Min.Valid && v.LessThan(b.Min.Decimal) {
		return false
	}
	if b.Max.Valid && v.GreaterThan(b.Max.Decimal) {
		return false
	}
	return true
}

// UsageCounts maps a user identifier to the number of recorded uses.
type UsageCounts map[string]int

// Get returns the recorded uses for userID, zero when absent.
func (u UsageCounts) Get(userID string) int {
	return u[userID]
}

// Rule is a discount definition. Scope and Magnitude are always set on rules
// produced by NewRuleShape; a nil in either makes the rule malformed.
type Rule struct {
	ID          string
	Name        string
	Description string

	Scope       Scope
	Magnitude   Magnitude
	CartBounds  Bounds
	ScopeBounds Bounds
	MaxDiscount decimal.NullDecimal

	Active   bool
	StartsAt *time.Time
	EndsAt   *time.Time
	Currency string

	CouponCode string
	AutoApply  bool
	UserID     string

	Combinable bool
	Priority   int

	PerUserLimit *int
	UsageLimit   *int
	UsageCount   int
	UserUsage    UsageCounts

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Type returns the rule type implied by the rule's shape, or an empty
// RuleType when the shape is incomplete.
func (r *Rule) Type() RuleType {
	var pct bool
	switch r.Magnitude.(type) {
	case Percentage:
		pct = true
	case FixedAmount:
	default:
		return ""
	}

	switch r.Scope.(type) {
	case CartScope:
		return pick(pct, CartPercentage, CartFixed)
	case CategoryScope:
		return pick(pct, CategoryPercentage, CategoryFixed)
	case ProductScope:
		return pick(pct, ProductPercentage, ProductFixed)
	default:
		return ""
	}
}

func pick(pct bool, p, f RuleType) RuleType {
	if pct {
		return p
	}
	return f
}

// RuleShape is the flat, storage-oriented form of a rule's type, scope
// reference and magnitude.
type RuleShape struct {
	Type       RuleType
	CategoryID string
	ProductID  string
	VariantID  string
	Percentage decimal.NullDecimal
	Amount     decimal.NullDecimal
}

// NewRuleShape converts a flat shape into Scope and Magnitude. It returns
// ErrMalformedRule when the scope reference required by the type is missing
// or when the percentage/amount pair does not match the type.
func NewRuleShape(s RuleShape) (Scope, Magnitude, error) {
	var (
		scope Scope
		pct   bool
	)
	switch s.Type {
	case CartPercentage, CartFixed:
		scope = CartScope{}
	case CategoryPercentage, CategoryFixed:
		if s.CategoryID == "" {
			return nil, nil, &MalformedRuleError{Reason: "category reference required"}
		}
		scope = CategoryScope{CategoryID: s.CategoryID}
	case ProductPercentage, ProductFixed:
		if s.ProductID == "" && s.VariantID == "" {
			return nil, nil, &MalformedRuleError{Reason: "product or variant reference required"}
		}
		scope = ProductScope{ProductID: s.ProductID, VariantID: s.VariantID}
	default:
		return nil, nil, &MalformedRuleError{Reason: "unknown rule type " + string(s.Type)}
	}
	pct = s.Type == CartPercentage || s.Type == CategoryPercentage || s.Type == ProductPercentage

	switch {
	case s.Percentage.Valid && s.Amount.Valid:
		return nil, nil, &MalformedRuleError{Reason: "both percentage and amount set"}
	case pct && s.Percentage.Valid:
		return scope, Percentage{Percent: s.Percentage.Decimal}, nil
	case !pct && s.Amount.Valid:
		return scope, FixedAmount{Amount: s.Amount.Decimal}, nil
	default:
		return nil, nil, &MalformedRuleError{Reason: "magnitude does not match " + string(s.Type)}
	}
}

// Shape returns the flat form of r, the inverse of NewRuleShape.
func (r *Rule) Shape() RuleShape {
	s := RuleShape{Type: r.Type()}
	switch sc := r.Scope.(type) {
	case CategoryScope:
		s.CategoryID = sc.CategoryID
	case ProductScope:
		s.ProductID = sc.ProductID
		s.VariantID = sc.VariantID
	}
	switch m := r.Magnitude.(type) {
	case Percentage:
		s.Percentage = decimal.NewNullDecimal(m.Percent)
	case FixedAmount:
		s.Amount = decimal.NewNullDecimal(m.Amount)
	}
	return s
}

package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CandidateFilter is the coarse, index-friendly prefilter passed to the
// repository. Implementations must return every active rule whose window
// contains Now, whose currency is empty or Currency, whose user is empty or
// UserID, and which either carries one of CouponCodes or has no code and is
// auto-applied.
type CandidateFilter struct {
	Now         time.Time
	Currency    string
	UserID      string
	CouponCodes []string
}

// Repository returns candidate rules ordered by priority descending, then
// created_at ascending.
type Repository interface {
	FindCandidates(ctx context.Context, f CandidateFilter) ([]Rule, error)
}

// UsageRecord is a single rule application committed after order
// confirmation.
type UsageRecord struct {
	RuleID    string
	CartID    string
	UserID    string
	Discount  decimal.Decimal
	AppliedTo AppliedTo
}

// UsageRecorder commits usage atomically. RecordUsage must re-validate the
// rule's global and per-user caps inside the same transaction as the
// increment and return a *LimitExceededError when either is exhausted.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// AppliedRule is a rule selected by Resolve together with its computed
// discount.
type AppliedRule struct {
	Rule      *Rule
	Amount    decimal.Decimal
	AppliedTo AppliedTo
}

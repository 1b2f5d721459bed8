package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-pricing/internal/domain/auth"
	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func intp(v int) *int { return &v }

func timep(t time.Time) *time.Time { return &t }

func newRule(id string) pricing.Rule {
	return pricing.Rule{
		ID:        id,
		Name:      id,
		Scope:     pricing.CartScope{},
		Magnitude: pricing.Percentage{Percent: decimal.NewFromInt(10)},
		Active:    true,
		AutoApply: true,
		CreatedAt: now.Add(-time.Hour),
	}
}

func seed(t *testing.T, rules ...pricing.Rule) *Store {
	t.Helper()
	s := New()
	for _, r := range rules {
		_, err := s.UpsertRule(context.Background(), r)
		require.NoError(t, err)
	}
	return s
}

func ruleIDs(rules []pricing.Rule) []string {
	var out []string
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}

func TestFindCandidates(t *testing.T) {
	inactive := newRule("inactive")
	inactive.Active = false
	future := newRule("future")
	future.StartsAt = timep(now.Add(time.Hour))
	expired := newRule("expired")
	expired.EndsAt = timep(now.Add(-time.Second))
	eur := newRule("eur")
	eur.Currency = "EUR"
	usd := newRule("usd")
	usd.Currency = "USD"
	otherUser := newRule("other-user")
	otherUser.UserID = "u2"
	mine := newRule("mine")
	mine.UserID = "u1"
	coupon := newRule("coupon")
	coupon.CouponCode = " save10 "
	coupon.AutoApply = false
	otherCoupon := newRule("other-coupon")
	otherCoupon.CouponCode = "OTHER"
	manual := newRule("manual")
	manual.AutoApply = false

	s := seed(t, inactive, future, expired, eur, usd, otherUser, mine, coupon, otherCoupon, manual, newRule("plain"))

	got, err := s.FindCandidates(context.Background(), pricing.CandidateFilter{
		Now:         now,
		Currency:    "USD",
		UserID:      "u1",
		CouponCodes: []string{"SAVE10"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"usd", "mine", "coupon", "plain"}, ruleIDs(got))
}

func TestFindCandidates_Ordering(t *testing.T) {
	low := newRule("low")
	high := newRule("high")
	high.Priority = 10
	older := newRule("b-older")
	older.Priority = 5
	older.CreatedAt = now.Add(-2 * time.Hour)
	newer := newRule("a-newer")
	newer.Priority = 5
	tieB := newRule("tie-b")
	tieA := newRule("tie-a")

	s := seed(t, low, tieB, newer, high, older, tieA)

	got, err := s.FindCandidates(context.Background(), pricing.CandidateFilter{Now: now, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "b-older", "a-newer", "low", "tie-a", "tie-b"}, ruleIDs(got))
}

func TestFindCandidates_ReturnsCopies(t *testing.T) {
	r := newRule("r1")
	r.UserUsage = pricing.UsageCounts{"u1": 1}
	s := seed(t, r)

	got, err := s.FindCandidates(context.Background(), pricing.CandidateFilter{Now: now})
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].UsageCount = 99
	got[0].UserUsage["u1"] = 99

	stored, err := s.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, stored.UsageCount)
	assert.Equal(t, 1, stored.UserUsage.Get("u1"))
}

func TestUpsertRule(t *testing.T) {
	s := New()
	s.now = func() time.Time { return now }

	r := newRule("")
	r.CreatedAt = time.Time{}
	r.CouponCode = " welcome10"
	id, err := s.UpsertRule(context.Background(), r)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := s.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "WELCOME10", stored.CouponCode)
	assert.Equal(t, now, stored.CreatedAt)
	assert.Equal(t, now, stored.UpdatedAt)
	assert.NotNil(t, stored.UserUsage)
}

func TestUpsertRule_DuplicateCoupon(t *testing.T) {
	first := newRule("r1")
	first.CouponCode = "SAVE10"
	s := seed(t, first)
	ctx := context.Background()

	second := newRule("r2")
	second.CouponCode = " save10 "
	_, err := s.UpsertRule(ctx, second)
	require.ErrorIs(t, err, pricing.ErrDuplicateCoupon)

	_, err = s.FindByID(ctx, "r2")
	assert.ErrorIs(t, err, pricing.ErrRuleNotFound)

	// Re-saving the holder of the code is an update, not a conflict.
	first.Priority = 7
	_, err = s.UpsertRule(ctx, first)
	require.NoError(t, err)
	stored, err := s.FindByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 7, stored.Priority)
}

func TestFindByID_NotFound(t *testing.T) {
	_, err := New().FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, pricing.ErrRuleNotFound)
}

func TestRecordUsage(t *testing.T) {
	tests := []struct {
		name     string
		rule     func() pricing.Rule
		records  []pricing.UsageRecord
		wantErrs []error
		wantKind pricing.LimitKind
		count    int
	}{
		{
			name: "Unlimited",
			rule: func() pricing.Rule { return newRule("r1") },
			records: []pricing.UsageRecord{
				{RuleID: "r1", CartID: "c1", UserID: "u1"},
				{RuleID: "r1", CartID: "c2", UserID: "u1"},
			},
			wantErrs: []error{nil, nil},
			count:    2,
		},
		{
			name: "GlobalLimit",
			rule: func() pricing.Rule {
				r := newRule("r1")
				r.UsageLimit = intp(1)
				return r
			},
			records: []pricing.UsageRecord{
				{RuleID: "r1", CartID: "c1", UserID: "u1"},
				{RuleID: "r1", CartID: "c2", UserID: "u2"},
			},
			wantErrs: []error{nil, pricing.ErrLimitExceeded},
			wantKind: pricing.LimitGlobal,
			count:    1,
		},
		{
			name: "PerUserLimit",
			rule: func() pricing.Rule {
				r := newRule("r1")
				r.PerUserLimit = intp(1)
				return r
			},
			records: []pricing.UsageRecord{
				{RuleID: "r1", CartID: "c1", UserID: "u1"},
				{RuleID: "r1", CartID: "c2", UserID: "u2"},
				{RuleID: "r1", CartID: "c3", UserID: "u1"},
			},
			wantErrs: []error{nil, nil, pricing.ErrLimitExceeded},
			wantKind: pricing.LimitPerUser,
			count:    2,
		},
		{
			name: "GuestExemptFromPerUserLimit",
			rule: func() pricing.Rule {
				r := newRule("r1")
				r.PerUserLimit = intp(1)
				return r
			},
			records: []pricing.UsageRecord{
				{RuleID: "r1", CartID: "c1"},
				{RuleID: "r1", CartID: "c2"},
			},
			wantErrs: []error{nil, nil},
			count:    2,
		},
		{
			name: "SameCartCountedOnce",
			rule: func() pricing.Rule { return newRule("r1") },
			records: []pricing.UsageRecord{
				{RuleID: "r1", CartID: "c1", UserID: "u1"},
				{RuleID: "r1", CartID: "c1", UserID: "u1"},
			},
			wantErrs: []error{nil, nil},
			count:    1,
		},
		{
			name: "SameCartAtExhaustedCap",
			rule: func() pricing.Rule {
				r := newRule("r1")
				r.UsageLimit = intp(1)
				r.PerUserLimit = intp(1)
				return r
			},
			records: []pricing.UsageRecord{
				{RuleID: "r1", CartID: "c1", UserID: "u1"},
				{RuleID: "r1", CartID: "c1", UserID: "u1"},
			},
			wantErrs: []error{nil, nil},
			count:    1,
		},
		{
			name: "UnknownRule",
			rule: func() pricing.Rule { return newRule("r1") },
			records: []pricing.UsageRecord{
				{RuleID: "missing", CartID: "c1"},
			},
			wantErrs: []error{pricing.ErrRuleNotFound},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seed(t, tt.rule())
			ctx := context.Background()

			for i, rec := range tt.records {
				err := s.RecordUsage(ctx, rec)
				if tt.wantErrs[i] == nil {
					require.NoError(t, err, "record %d", i)
					continue
				}
				require.ErrorIs(t, err, tt.wantErrs[i], "record %d", i)

				var limitErr *pricing.LimitExceededError
				if tt.wantKind != "" {
					require.ErrorAs(t, err, &limitErr)
					assert.Equal(t, tt.wantKind, limitErr.Kind)
					assert.Equal(t, 1, limitErr.Limit)
				}
			}

			stored, err := s.FindByID(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, tt.count, stored.UsageCount)
		})
	}
}

func TestRecordUsage_Links(t *testing.T) {
	s := seed(t, newRule("r1"), newRule("r2"))
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.RecordUsage(ctx, pricing.UsageRecord{
		RuleID: "r2", CartID: "c1", UserID: "u1",
		Discount: decimal.RequireFromString("5"), AppliedTo: pricing.AppliedToCart,
	}))
	require.NoError(t, s.RecordUsage(ctx, pricing.UsageRecord{
		RuleID: "r1", CartID: "c1", UserID: "u1",
		Discount: decimal.RequireFromString("2.5"), AppliedTo: pricing.AppliedToCategory,
	}))
	// Without a cart there is nothing to link.
	require.NoError(t, s.RecordUsage(ctx, pricing.UsageRecord{RuleID: "r1"}))

	assert.Equal(t, []CartLink{
		{CartID: "c1", RuleID: "r1", Discount: "2.50", AppliedTo: pricing.AppliedToCategory, CreatedAt: now},
		{CartID: "c1", RuleID: "r2", Discount: "5.00", AppliedTo: pricing.AppliedToCart, CreatedAt: now},
	}, s.Links("c1"))
	assert.Empty(t, s.Links(""))

	r1, err := s.FindByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, r1.UsageCount)
	assert.Equal(t, 1, r1.UserUsage.Get("u1"))
}

func TestRecordUsage_Concurrent(t *testing.T) {
	r := newRule("r1")
	r.UsageLimit = intp(5)
	s := seed(t, r)

	const workers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.RecordUsage(context.Background(), pricing.UsageRecord{RuleID: "r1"}); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, success)
	stored, err := s.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 5, stored.UsageCount)
}

func TestFindByHash(t *testing.T) {
	s := New()
	hash := auth.HashKey([]byte("pepper"), "key")
	s.AddAPIKey(auth.APIKeyInfo{ID: "k1", KeyHash: hash, Scopes: []string{auth.ScopeConfirm}})

	info, err := s.FindByHash(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "k1", info.ID)
	assert.True(t, info.HasScope(auth.ScopeConfirm))

	_, err = s.FindByHash(context.Background(), "nope")
	assert.ErrorIs(t, err, auth.ErrKeyNotFound)
}

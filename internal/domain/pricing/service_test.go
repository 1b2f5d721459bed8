package pricing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// --- Fakes ---

type fakeRepo struct {
	rules   []Rule
	err     error
	filters []CandidateFilter
}

func (f *fakeRepo) FindCandidates(_ context.Context, filter CandidateFilter) ([]Rule, error) {
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Rule, len(f.rules))
	copy(out, f.rules)
	return out, nil
}

// fakeUsage applies recorded usage back onto the repo rules so later
// evaluations observe it.
type fakeUsage struct {
	mu      sync.Mutex
	repo    *fakeRepo
	fail    map[string]error
	records []UsageRecord
}

func (f *fakeUsage) RecordUsage(_ context.Context, rec UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fail[rec.RuleID]; err != nil {
		return err
	}
	for i := range f.repo.rules {
		r := &f.repo.rules[i]
		if r.ID != rec.RuleID {
			continue
		}
		if r.UsageLimit != nil && r.UsageCount >= *r.UsageLimit {
			return &LimitExceededError{RuleID: r.ID, Kind: LimitGlobal, Limit: *r.UsageLimit}
		}
		if rec.UserID != "" && r.PerUserLimit != nil && r.UserUsage.Get(rec.UserID) >= *r.PerUserLimit {
			return &LimitExceededError{RuleID: r.ID, Kind: LimitPerUser, Limit: *r.PerUserLimit}
		}
		r.UsageCount++
		if rec.UserID != "" {
			if r.UserUsage == nil {
				r.UserUsage = UsageCounts{}
			}
			r.UserUsage[rec.UserID]++
		}
		f.records = append(f.records, rec)
		return nil
	}
	return ErrRuleNotFound
}

func newTestService(t *testing.T, rules ...Rule) (*Service, *fakeRepo, *fakeUsage) {
	t.Helper()
	repo := &fakeRepo{rules: rules}
	usage := &fakeUsage{repo: repo}
	svc, err := NewService(repo, usage, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return svc, repo, usage
}

func appliedIDs(applied []AppliedRule) []string {
	var out []string
	for _, a := range applied {
		out = append(out, a.Rule.ID)
	}
	return out
}

// --- Tests ---

func TestCalculateDiscounts(t *testing.T) {
	welcome := cartRule("welcome10", pct("10"))
	welcome.CouponCode = "WELCOME10"
	welcome.AutoApply = false
	welcome.Priority = 20
	freeship := cartRule("freeship", fixed("8"))
	freeship.CouponCode = "FREESHIP"
	freeship.AutoApply = false
	freeship.Combinable = true
	loyalty := cartRule("loyalty5", fixed("5"))
	loyalty.Combinable = true

	svc, repo, _ := newTestService(t, welcome, freeship, loyalty)
	cart := usdCart("u1", line("general", "100", 1))

	calc, err := svc.CalculateDiscounts(context.Background(), cart, []string{"WELCOME10", "FREESHIP"})
	require.NoError(t, err)

	assert.Equal(t, "100.00", calc.Subtotal.StringFixed(2))
	assert.Equal(t, "23.00", calc.TotalDiscount.StringFixed(2))
	assert.Equal(t, "77.00", calc.Total.StringFixed(2))
	assert.Equal(t, []string{"welcome10", "freeship", "loyalty5"}, appliedIDs(calc.Applied))

	require.Len(t, repo.filters, 1)
	assert.Equal(t, CandidateFilter{
		Now:         fixedNow,
		Currency:    "USD",
		UserID:      "u1",
		CouponCodes: []string{"WELCOME10", "FREESHIP"},
	}, repo.filters[0])
}

func TestCalculateDiscounts_TotalFlooredAtZero(t *testing.T) {
	a := cartRule("a", fixed("8"))
	a.Combinable = true
	b := cartRule("b", fixed("8"))
	b.Combinable = true
	svc, _, _ := newTestService(t, a, b)

	calc, err := svc.CalculateDiscounts(context.Background(), usdCart("", line("general", "10", 1)), nil)
	require.NoError(t, err)
	assert.Equal(t, "16.00", calc.TotalDiscount.StringFixed(2))
	assert.True(t, calc.Total.IsZero())
}

func TestCalculateDiscounts_Idempotent(t *testing.T) {
	r := cartRule("once", fixed("5"))
	r.UsageLimit = intp(1)
	r.PerUserLimit = intp(1)
	svc, repo, usage := newTestService(t, r)
	cart := usdCart("u1", line("general", "50", 1))

	first, err := svc.CalculateDiscounts(context.Background(), cart, nil)
	require.NoError(t, err)
	second, err := svc.CalculateDiscounts(context.Background(), cart, nil)
	require.NoError(t, err)

	assert.Equal(t, first.TotalDiscount, second.TotalDiscount)
	assert.Equal(t, appliedIDs(first.Applied), appliedIDs(second.Applied))
	assert.Empty(t, usage.records)
	assert.Zero(t, repo.rules[0].UsageCount)
}

func TestCalculateDiscounts_RepositoryError(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.err = errors.New("db down")

	_, err := svc.CalculateDiscounts(context.Background(), usdCart("", line("general", "10", 1)), nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "db down")
}

func TestGetApplicableRules_SkipsMalformed(t *testing.T) {
	good := cartRule("good", pct("10"))
	noScope := cartRule("no-scope", pct("10"))
	noScope.Scope = nil
	badPct := cartRule("bad-pct", pct("150"))

	core, logs := observer.New(zap.WarnLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))

	svc, _, _ := newTestService(t, noScope, good, badPct)
	rules, err := svc.GetApplicableRules(ctx, usdCart("", line("general", "10", 1)), nil, fixedNow)
	require.NoError(t, err)

	require.Len(t, rules, 1)
	assert.Equal(t, "good", rules[0].ID)

	skipped := logs.FilterMessage("Skipping malformed pricing rule").All()
	require.Len(t, skipped, 2)
	assert.Equal(t, "no-scope", skipped[0].ContextMap()["rule_id"])
	assert.Equal(t, "bad-pct", skipped[1].ContextMap()["rule_id"])
}

func TestGetApplicableRules_ExactEligibility(t *testing.T) {
	// The repository prefilter is coarse; the service must still drop rules
	// that fail the full evaluation.
	expired := cartRule("expired", pct("10"))
	expired.EndsAt = timep(fixedNow.Add(-time.Minute))
	otherCurrency := cartRule("eur", pct("10"))
	otherCurrency.Currency = "EUR"
	tooSmall := cartRule("min", pct("10"))
	tooSmall.CartBounds.Min = nd("100")
	ok := cartRule("ok", pct("10"))

	svc, _, _ := newTestService(t, expired, otherCurrency, tooSmall, ok)
	rules, err := svc.GetApplicableRules(context.Background(), usdCart("", line("general", "50", 1)), nil, fixedNow)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "ok", rules[0].ID)
}

func TestRecordAppliedRules(t *testing.T) {
	r := cartRule("welcome", pct("10"))
	r.CouponCode = "WELCOME10"
	r.AutoApply = false
	r.PerUserLimit = intp(1)
	svc, _, usage := newTestService(t, r)
	ctx := context.Background()
	cart := usdCart("u1", line("general", "100", 1))
	codes := []string{"WELCOME10"}

	calc, err := svc.CalculateDiscounts(ctx, cart, codes)
	require.NoError(t, err)
	require.Len(t, calc.Applied, 1)

	results, err := svc.RecordAppliedRules(ctx, cart, calc.Applied)
	require.NoError(t, err)
	require.Equal(t, []RecordResult{{RuleID: "welcome"}}, results)

	require.Len(t, usage.records, 1)
	rec := usage.records[0]
	assert.Equal(t, "welcome", rec.RuleID)
	assert.Equal(t, "cart-1", rec.CartID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "10.00", rec.Discount.StringFixed(2))
	assert.Equal(t, AppliedToCart, rec.AppliedTo)

	// Second use by the same user finds nothing to apply.
	calc, err = svc.CalculateDiscounts(ctx, cart, codes)
	require.NoError(t, err)
	assert.Empty(t, calc.Applied)
	assert.True(t, calc.TotalDiscount.IsZero())
}

func TestRecordAppliedRules_Empty(t *testing.T) {
	svc, _, usage := newTestService(t)

	results, err := svc.RecordAppliedRules(context.Background(), usdCart("u1"), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Empty(t, usage.records)
}

func TestRecordAppliedRules_PerRuleFailures(t *testing.T) {
	capped := cartRule("capped", fixed("5"))
	capped.UsageLimit = intp(1)
	capped.UsageCount = 1
	broken := cartRule("broken", fixed("1"))
	broken.Combinable = true
	fine := cartRule("fine", fixed("2"))
	fine.Combinable = true

	svc, _, usage := newTestService(t, capped, broken, fine)
	usage.fail = map[string]error{"broken": errors.New("connection reset")}

	cart := usdCart("u1", line("general", "50", 1))
	applied := []AppliedRule{
		{Rule: &capped, Amount: d("5"), AppliedTo: AppliedToCart},
		{Rule: &broken, Amount: d("1"), AppliedTo: AppliedToCart},
		{Rule: &fine, Amount: d("2"), AppliedTo: AppliedToCart},
	}

	results, err := svc.RecordAppliedRules(context.Background(), cart, applied)
	require.Error(t, err)
	require.Len(t, results, 3)

	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Len(t, recErr.Failed(), 2)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "capped", limitErr.RuleID)
	assert.Equal(t, LimitGlobal, limitErr.Kind)
	assert.Equal(t, 1, limitErr.Limit)

	assert.ErrorIs(t, results[0].Err, ErrLimitExceeded)
	assert.ErrorContains(t, results[1].Err, "connection reset")
	assert.NoError(t, results[2].Err)

	// The successful rule stays recorded.
	require.Len(t, usage.records, 1)
	assert.Equal(t, "fine", usage.records[0].RuleID)
}

func TestRecordAppliedRules_ConcurrentSingleUse(t *testing.T) {
	r := cartRule("single", fixed("5"))
	r.UsageLimit = intp(1)
	svc, repo, _ := newTestService(t, r)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		limited int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cart := usdCart("", line("general", "50", 1))
			cart.ID = "cart-" + string(rune('a'+i))
			rule := r
			_, err := svc.RecordAppliedRules(context.Background(), cart, []AppliedRule{
				{Rule: &rule, Amount: d("5"), AppliedTo: AppliedToCart},
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrLimitExceeded):
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, workers-1, limited)
	assert.Equal(t, 1, repo.rules[0].UsageCount)
}

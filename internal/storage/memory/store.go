// Package memory provides an in-process pricing rule store. It implements the
// same repository and usage contracts as the PostgreSQL store and is used for
// local runs without a database and in tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/kart-pricing/internal/domain/auth"
	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

var (
	_ pricing.Repository    = (*Store)(nil)
	_ pricing.UsageRecorder = (*Store)(nil)
	_ auth.Repository       = (*Store)(nil)
)

// CartLink is an audit row linking a rule to the cart it was applied to.
type CartLink struct {
	CartID    string
	RuleID    string
	Discount  string
	AppliedTo pricing.AppliedTo
	CreatedAt time.Time
}

// Store keeps rules in memory. All methods are safe for concurrent use;
// RecordUsage checks and increments under one lock.
type Store struct {
	mu    sync.RWMutex
	rules map[string]*pricing.Rule
	links map[[2]string]CartLink
	keys  map[string]auth.APIKeyInfo
	now   func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		rules: make(map[string]*pricing.Rule),
		links: make(map[[2]string]CartLink),
		keys:  make(map[string]auth.APIKeyInfo),
		now:   time.Now,
	}
}

// UpsertRule inserts or replaces rule. Missing ids and creation times are
// filled in and coupon codes are normalised to trimmed upper case. A code
// already held by another rule is rejected with pricing.ErrDuplicateCoupon.
func (s *Store) UpsertRule(_ context.Context, rule pricing.Rule) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CouponCode = pricing.NormalizeCode(rule.CouponCode)
	if rule.CouponCode != "" {
		for id, other := range s.rules {
			if id != rule.ID && other.CouponCode == rule.CouponCode {
				return "", errors.Wrapf(pricing.ErrDuplicateCoupon, "rule %s: code %s held by %s", rule.ID, rule.CouponCode, id)
			}
		}
	}
	now := s.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.UserUsage = maps.Clone(rule.UserUsage)
	if rule.UserUsage == nil {
		rule.UserUsage = pricing.UsageCounts{}
	}

	s.rules[rule.ID] = &rule
	return rule.ID, nil
}

// FindByID returns a copy of the stored rule.
func (s *Store) FindByID(_ context.Context, id string) (*pricing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, pricing.ErrRuleNotFound
	}
	c := snapshot(r)
	return &c, nil
}

// Links returns the audit rows recorded for cartID.
func (s *Store) Links(cartID string) []CartLink {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CartLink
	for key, l := range s.links {
		if key[0] == cartID {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b CartLink) int { return strings.Compare(a.RuleID, b.RuleID) })
	return out
}

// FindCandidates applies the coarse prefilter and returns copies ordered by
// priority descending, then created_at ascending.
func (s *Store) FindCandidates(_ context.Context, f pricing.CandidateFilter) ([]pricing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pricing.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if !prefilter(r, f) {
			continue
		}
		out = append(out, snapshot(r))
	}
	slices.SortFunc(out, func(a, b pricing.Rule) int {
		return pricing.CompareRules(&a, &b)
	})
	return out, nil
}

func prefilter(r *pricing.Rule, f pricing.CandidateFilter) bool {
	switch {
	case !r.Active:
		return false
	case r.StartsAt != nil && r.StartsAt.After(f.Now):
		return false
	case r.EndsAt != nil && r.EndsAt.Before(f.Now):
		return false
	case r.Currency != "" && r.Currency != f.Currency:
		return false
	case r.UserID != "" && r.UserID != f.UserID:
		return false
	case r.CouponCode != "":
		return slices.Contains(f.CouponCodes, r.CouponCode)
	default:
		return r.AutoApply
	}
}

// RecordUsage re-validates the caps and increments the counters under the
// store lock, then links the rule to the cart. A rule already linked to the
// cart is not counted again.
func (s *Store) RecordUsage(_ context.Context, rec pricing.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[rec.RuleID]
	if !ok {
		return pricing.ErrRuleNotFound
	}
	key := [2]string{rec.CartID, rec.RuleID}
	if _, linked := s.links[key]; linked {
		return nil
	}
	if r.UsageLimit != nil && r.UsageCount >= *r.UsageLimit {
		return &pricing.LimitExceededError{RuleID: r.ID, Kind: pricing.LimitGlobal, Limit: *r.UsageLimit}
	}
	if rec.UserID != "" && r.PerUserLimit != nil && r.UserUsage.Get(rec.UserID) >= *r.PerUserLimit {
		return &pricing.LimitExceededError{RuleID: r.ID, Kind: pricing.LimitPerUser, Limit: *r.PerUserLimit}
	}

	r.UsageCount++
	if rec.UserID != "" {
		r.UserUsage[rec.UserID]++
	}

	if rec.CartID != "" {
		s.links[key] = CartLink{
			CartID:    rec.CartID,
			RuleID:    rec.RuleID,
			Discount:  rec.Discount.StringFixed(2),
			AppliedTo: rec.AppliedTo,
			CreatedAt: s.now(),
		}
	}
	return nil
}

func snapshot(r *pricing.Rule) pricing.Rule {
	c := *r
	c.UserUsage = maps.Clone(r.UserUsage)
	return c
}

// AddAPIKey registers an active API key by its hash.
func (s *Store) AddAPIKey(info auth.APIKeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[info.KeyHash] = info
}

// FindByHash looks up an API key by its HMAC-SHA256 hash.
func (s *Store) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.keys[hash]
	if !ok {
		return nil, errors.Wrap(auth.ErrKeyNotFound, "find api key")
	}
	return &info, nil
}

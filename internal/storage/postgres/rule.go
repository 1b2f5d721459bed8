package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

const (
	uniqueViolation      = "23505"
	couponCodeConstraint = "pricing_rules_coupon_code_key"
)

const ruleColumns = `r.id::text, r.name, r.description, r.rule_type,
	r.category_id, r.product_id, r.variant_id,
	r.discount_percentage, r.discount_amount, r.max_discount_amount,
	r.min_cart_value, r.max_cart_value, r.min_scope_value, r.max_scope_value,
	r.active, r.starts_at, r.ends_at, r.currency, r.coupon_code, r.auto_apply,
	r.user_id, r.combinable, r.priority, r.per_user_limit, r.usage_limit,
	r.usage_count, r.created_at, r.updated_at`

const (
	// The usage join only loads the counter of the cart owner; eligibility
	// never looks at other users.
	findCandidatesSQL = `SELECT ` + ruleColumns + `, u.uses
		FROM pricing_rules r
		LEFT JOIN pricing_rule_user_usage u ON u.rule_id = r.id AND u.user_id = $3
		WHERE r.active
		  AND (r.starts_at IS NULL OR r.starts_at <= $1)
		  AND (r.ends_at IS NULL OR r.ends_at >= $1)
		  AND (r.currency IS NULL OR r.currency = $2)
		  AND (r.user_id IS NULL OR r.user_id = $3)
		  AND (r.coupon_code = ANY($4::text[]) OR (r.coupon_code IS NULL AND r.auto_apply))
		ORDER BY r.priority DESC, r.created_at ASC, r.id ASC`

	getRuleSQL = `SELECT ` + ruleColumns + `, NULL::integer
		FROM pricing_rules r WHERE r.id = $1`

	getRuleUsageSQL = `SELECT user_id, uses FROM pricing_rule_user_usage WHERE rule_id = $1`

	upsertRuleSQL = `INSERT INTO pricing_rules (
			id, name, description, rule_type, category_id, product_id, variant_id,
			discount_percentage, discount_amount, max_discount_amount,
			min_cart_value, max_cart_value, min_scope_value, max_scope_value,
			active, starts_at, ends_at, currency, coupon_code, auto_apply, user_id,
			combinable, priority, per_user_limit, usage_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $26)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			rule_type = EXCLUDED.rule_type, category_id = EXCLUDED.category_id,
			product_id = EXCLUDED.product_id, variant_id = EXCLUDED.variant_id,
			discount_percentage = EXCLUDED.discount_percentage,
			discount_amount = EXCLUDED.discount_amount,
			max_discount_amount = EXCLUDED.max_discount_amount,
			min_cart_value = EXCLUDED.min_cart_value, max_cart_value = EXCLUDED.max_cart_value,
			min_scope_value = EXCLUDED.min_scope_value, max_scope_value = EXCLUDED.max_scope_value,
			active = EXCLUDED.active, starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at,
			currency = EXCLUDED.currency, coupon_code = EXCLUDED.coupon_code,
			auto_apply = EXCLUDED.auto_apply, user_id = EXCLUDED.user_id,
			combinable = EXCLUDED.combinable, priority = EXCLUDED.priority,
			per_user_limit = EXCLUDED.per_user_limit, usage_limit = EXCLUDED.usage_limit,
			updated_at = now()`

	lockRuleSQL = `SELECT usage_limit, per_user_limit, usage_count
		FROM pricing_rules WHERE id = $1 FOR UPDATE`

	getUserUsesSQL = `SELECT uses FROM pricing_rule_user_usage
		WHERE rule_id = $1 AND user_id = $2`

	incrementUsageSQL = `UPDATE pricing_rules
		SET usage_count = usage_count + 1, updated_at = now() WHERE id = $1`

	incrementUserUsageSQL = `INSERT INTO pricing_rule_user_usage (rule_id, user_id, uses)
		VALUES ($1, $2, 1)
		ON CONFLICT (rule_id, user_id) DO UPDATE SET uses = pricing_rule_user_usage.uses + 1`

	linkCartSQL = `INSERT INTO cart_pricing_rules (cart_id, rule_id, discount_amount, applied_to)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cart_id, rule_id) DO NOTHING`
)

var (
	_ pricing.Repository    = (*RuleRepository)(nil)
	_ pricing.UsageRecorder = (*RuleRepository)(nil)
)

// RuleRepository implements pricing.Repository and pricing.UsageRecorder
// backed by PostgreSQL.
type RuleRepository struct {
	pool *pgxpool.Pool
}

// NewRuleRepository returns a RuleRepository that uses the given pool.
func NewRuleRepository(pool *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{pool: pool}
}

// FindCandidates runs the coarse prefilter in SQL. Rows that cannot be
// mapped to a rule shape are returned without Scope/Magnitude so the caller
// can report them as malformed.
func (r *RuleRepository) FindCandidates(ctx context.Context, f pricing.CandidateFilter) ([]pricing.Rule, error) {
	rows, err := r.pool.Query(ctx, findCandidatesSQL, f.Now, f.Currency, f.UserID, f.CouponCodes)
	if err != nil {
		return nil, fmt.Errorf("finding candidate rules: %w", err)
	}

	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pricing.Rule, error) {
		rule, uses, err := scanRule(row)
		if err != nil {
			return rule, err
		}
		rule.UserUsage = pricing.UsageCounts{}
		if uses != nil && f.UserID != "" {
			rule.UserUsage[f.UserID] = int(*uses)
		}
		return rule, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning candidate rules: %w", err)
	}
	return rules, nil
}

// FindByID returns a rule with its complete per-user usage map.
func (r *RuleRepository) FindByID(ctx context.Context, id string) (*pricing.Rule, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, pricing.ErrRuleNotFound
	}

	rows, err := r.pool.Query(ctx, getRuleSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting rule %q: %w", id, err)
	}
	rule, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (pricing.Rule, error) {
		rule, _, err := scanRule(row)
		return rule, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pricing.ErrRuleNotFound
		}
		return nil, fmt.Errorf("getting rule %q: %w", id, err)
	}

	rows, err = r.pool.Query(ctx, getRuleUsageSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting usage of rule %q: %w", id, err)
	}
	rule.UserUsage = pricing.UsageCounts{}
	var (
		userID string
		uses   int32
	)
	if _, err := pgx.ForEachRow(rows, []any{&userID, &uses}, func() error {
		rule.UserUsage[userID] = int(uses)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scanning usage of rule %q: %w", id, err)
	}

	return &rule, nil
}

// UpsertRule inserts or updates rule and returns its id. Usage counters are
// never overwritten. Coupon codes are stored trimmed and upper-cased.
func (r *RuleRepository) UpsertRule(ctx context.Context, rule pricing.Rule) (string, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	shape := rule.Shape()
	if shape.Type == "" {
		return "", &pricing.MalformedRuleError{RuleID: rule.ID, Reason: "rule has no type"}
	}

	_, err := r.pool.Exec(ctx, upsertRuleSQL,
		rule.ID, rule.Name, rule.Description, string(shape.Type),
		nullString(shape.CategoryID), nullString(shape.ProductID), nullString(shape.VariantID),
		shape.Percentage, shape.Amount, rule.MaxDiscount,
		rule.CartBounds.Min, rule.CartBounds.Max, rule.ScopeBounds.Min, rule.ScopeBounds.Max,
		rule.Active, rule.StartsAt, rule.EndsAt, nullString(rule.Currency),
		nullString(pricing.NormalizeCode(rule.CouponCode)), rule.AutoApply, nullString(rule.UserID),
		rule.Combinable, rule.Priority, rule.PerUserLimit, rule.UsageLimit, rule.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == couponCodeConstraint {
			return "", fmt.Errorf("upserting rule %q: %w", rule.ID, pricing.ErrDuplicateCoupon)
		}
		return "", fmt.Errorf("upserting rule %q: %w", rule.ID, err)
	}
	return rule.ID, nil
}

// RecordUsage locks the rule row, links the rule to the cart, re-validates
// both caps and increments the counters in one transaction. The row lock
// serialises concurrent recordings of the same rule, so no increment is lost
// and a cap is never overrun. A cart already linked to the rule is not
// counted again.
func (r *RuleRepository) RecordUsage(ctx context.Context, rec pricing.UsageRecord) error {
	if _, err := uuid.Parse(rec.RuleID); err != nil {
		return pricing.ErrRuleNotFound
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			usageLimit   *int32
			perUserLimit *int32
			usageCount   int32
		)
		err := tx.QueryRow(ctx, lockRuleSQL, rec.RuleID).Scan(&usageLimit, &perUserLimit, &usageCount)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return pricing.ErrRuleNotFound
			}
			return fmt.Errorf("locking rule %q: %w", rec.RuleID, err)
		}

		if rec.CartID != "" {
			tag, err := tx.Exec(ctx, linkCartSQL,
				rec.CartID, rec.RuleID, rec.Discount.Round(2), string(rec.AppliedTo),
			)
			if err != nil {
				return fmt.Errorf("linking rule %q to cart %q: %w", rec.RuleID, rec.CartID, err)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
		}

		if usageLimit != nil && usageCount >= *usageLimit {
			return &pricing.LimitExceededError{RuleID: rec.RuleID, Kind: pricing.LimitGlobal, Limit: int(*usageLimit)}
		}

		if rec.UserID != "" && perUserLimit != nil {
			var uses int32
			err := tx.QueryRow(ctx, getUserUsesSQL, rec.RuleID, rec.UserID).Scan(&uses)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("reading usage of rule %q: %w", rec.RuleID, err)
			}
			if uses >= *perUserLimit {
				return &pricing.LimitExceededError{RuleID: rec.RuleID, Kind: pricing.LimitPerUser, Limit: int(*perUserLimit)}
			}
		}

		if _, err := tx.Exec(ctx, incrementUsageSQL, rec.RuleID); err != nil {
			return fmt.Errorf("incrementing usage of rule %q: %w", rec.RuleID, err)
		}
		if rec.UserID != "" {
			if _, err := tx.Exec(ctx, incrementUserUsageSQL, rec.RuleID, rec.UserID); err != nil {
				return fmt.Errorf("incrementing user usage of rule %q: %w", rec.RuleID, err)
			}
		}
		return nil
	})
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanRule(row pgx.CollectableRow) (pricing.Rule, *int32, error) {
	var (
		rule                                 pricing.Rule
		ruleType                             string
		categoryID, productID, variantID     *string
		percentage, amount                   decimal.NullDecimal
		currency, couponCode, userID         *string
		perUserLimit, usageLimit, usageCount *int32
		uses                                 *int32
	)
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Description, &ruleType,
		&categoryID, &productID, &variantID,
		&percentage, &amount, &rule.MaxDiscount,
		&rule.CartBounds.Min, &rule.CartBounds.Max, &rule.ScopeBounds.Min, &rule.ScopeBounds.Max,
		&rule.Active, &rule.StartsAt, &rule.EndsAt, &currency, &couponCode, &rule.AutoApply,
		&userID, &rule.Combinable, &rule.Priority, &perUserLimit, &usageLimit,
		&usageCount, &rule.CreatedAt, &rule.UpdatedAt,
		&uses,
	)
	if err != nil {
		return rule, nil, err
	}

	rule.Currency = deref(currency)
	rule.CouponCode = deref(couponCode)
	rule.UserID = deref(userID)
	rule.PerUserLimit = intPtr(perUserLimit)
	rule.UsageLimit = intPtr(usageLimit)
	if usageCount != nil {
		rule.UsageCount = int(*usageCount)
	}

	// A row violating the type/magnitude pairing keeps nil Scope and
	// Magnitude; ValidateRule reports it upstream.
	rule.Scope, rule.Magnitude, _ = pricing.NewRuleShape(pricing.RuleShape{
		Type:       pricing.RuleType(ruleType),
		CategoryID: deref(categoryID),
		ProductID:  deref(productID),
		VariantID:  deref(variantID),
		Percentage: percentage,
		Amount:     amount,
	})
	return rule, uses, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

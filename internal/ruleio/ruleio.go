// Package ruleio reads pricing rule definitions from JSON-lines files,
// optionally gzip-compressed. It backs the rule-import tool and rule loading
// for the in-memory store.
package ruleio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
)

// maxLineBytes bounds a single rule definition.
const maxLineBytes = 1 << 20

// LineError reports a definition that could not be decoded or validated.
type LineError struct {
	Path string
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Handler receives every decoded rule. A non-nil err is a *LineError for a
// rejected definition; returning an error stops the stream.
type Handler func(rule pricing.Rule, err error) error

// StreamFile reads path line by line, transparently decompressing files
// ending in .gz.
func StreamFile(ctx context.Context, path string, fn Handler) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	return Stream(ctx, path, r, fn)
}

// Stream decodes and validates one rule per non-blank line of r. Lines
// starting with # are comments.
func Stream(ctx context.Context, name string, r io.Reader, fn Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		rule, err := DecodeRule([]byte(text))
		if err == nil {
			err = pricing.ValidateRule(&rule)
		}
		if err != nil {
			err = &LineError{Path: name, Line: line, Err: err}
		}
		if err := fn(rule, err); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", name)
	}
	return nil
}

// DecodeRule decodes one JSON rule definition. Field names follow the
// pricing_rules columns; active defaults to true.
func DecodeRule(data []byte) (pricing.Rule, error) {
	rule := pricing.Rule{Active: true}
	var shape pricing.RuleShape

	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			rule.ID, err = optStr(d)
		case "name":
			rule.Name, err = d.Str()
		case "description":
			rule.Description, err = optStr(d)
		case "rule_type":
			var s string
			s, err = d.Str()
			shape.Type = pricing.RuleType(s)
		case "category_id":
			shape.CategoryID, err = optStr(d)
		case "product_id":
			shape.ProductID, err = optStr(d)
		case "variant_id":
			shape.VariantID, err = optStr(d)
		case "discount_percentage":
			shape.Percentage, err = optDecimal(d)
		case "discount_amount":
			shape.Amount, err = optDecimal(d)
		case "max_discount_amount":
			rule.MaxDiscount, err = optDecimal(d)
		case "min_cart_value":
			rule.CartBounds.Min, err = optDecimal(d)
		case "max_cart_value":
			rule.CartBounds.Max, err = optDecimal(d)
		case "min_scope_value":
			rule.ScopeBounds.Min, err = optDecimal(d)
		case "max_scope_value":
			rule.ScopeBounds.Max, err = optDecimal(d)
		case "active":
			rule.Active, err = d.Bool()
		case "starts_at":
			rule.StartsAt, err = optTime(d)
		case "ends_at":
			rule.EndsAt, err = optTime(d)
		case "currency":
			rule.Currency, err = optStr(d)
			rule.Currency = strings.ToUpper(rule.Currency)
		case "coupon_code":
			rule.CouponCode, err = optStr(d)
			rule.CouponCode = pricing.NormalizeCode(rule.CouponCode)
		case "auto_apply":
			rule.AutoApply, err = d.Bool()
		case "user_id":
			rule.UserID, err = optStr(d)
		case "combinable":
			rule.Combinable, err = d.Bool()
		case "priority":
			rule.Priority, err = d.Int()
		case "per_user_limit":
			rule.PerUserLimit, err = optInt(d)
		case "usage_limit":
			rule.UsageLimit, err = optInt(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return rule, err
	}
	if rule.Name == "" {
		return rule, errors.New("name is required")
	}

	rule.Scope, rule.Magnitude, err = pricing.NewRuleShape(shape)
	if err != nil {
		return rule, err
	}
	return rule, nil
}

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func optInt(d *jx.Decoder) (*int, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	v, err := d.Int()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func optTime(d *jx.Decoder) (*time.Time, error) {
	s, err := optStr(d)
	if err != nil || s == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// optDecimal accepts JSON numbers, numeric strings and null.
func optDecimal(d *jx.Decoder) (decimal.NullDecimal, error) {
	switch tt := d.Next(); tt {
	case jx.Null:
		return decimal.NullDecimal{}, d.Null()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return decimal.NewNullDecimal(v), nil
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		v, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return decimal.NewNullDecimal(v), nil
	default:
		return decimal.NullDecimal{}, errors.Errorf("expected number, got %s", tt)
	}
}

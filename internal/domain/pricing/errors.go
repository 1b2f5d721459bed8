package pricing

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrMalformedRule is matched by every MalformedRuleError.
	ErrMalformedRule = errors.New("malformed pricing rule")
	// ErrLimitExceeded is returned by usage recording when a rule's global or
	// per-user cap is already exhausted at commit time.
	ErrLimitExceeded = errors.New("pricing rule limit exceeded")
	// ErrRuleNotFound is returned when recording usage for an unknown rule.
	ErrRuleNotFound = errors.New("pricing rule not found")
	// ErrDuplicateCoupon is returned when a coupon code is already held by
	// another rule.
	ErrDuplicateCoupon = errors.New("coupon code already in use")
)

// MalformedRuleError describes why a rule cannot be evaluated.
type MalformedRuleError struct {
	RuleID string
	Reason string
}

func (e *MalformedRuleError) Error() string {
	if e.RuleID == "" {
		return "malformed pricing rule: " + e.Reason
	}
	return fmt.Sprintf("malformed pricing rule %s: %s", e.RuleID, e.Reason)
}

func (e *MalformedRuleError) Is(target error) bool {
	return target == ErrMalformedRule
}

// LimitKind names the cap that rejected a usage recording.
type LimitKind string

const (
	LimitGlobal  LimitKind = "usage_limit"
	LimitPerUser LimitKind = "per_user_limit"
)

// LimitExceededError is the per-rule failure reported when the atomic
// re-validation finds a cap exhausted.
type LimitExceededError struct {
	RuleID string
	Kind   LimitKind
	Limit  int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("pricing rule %s: %s %d exhausted", e.RuleID, e.Kind, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// RecordResult is the outcome of recording a single applied rule.
type RecordResult struct {
	RuleID string
	Err    error
}

// RecordError is returned by Service.RecordAppliedRules when at least one
// rule failed to record. Successful rules stay recorded.
type RecordError struct {
	Results []RecordResult
}

// Failed returns the results carrying an error.
func (e *RecordError) Failed() []RecordResult {
	var out []RecordResult
	for _, r := range e.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

func (e *RecordError) Error() string {
	failed := e.Failed()
	msgs := make([]string, len(failed))
	for i, r := range failed {
		msgs[i] = r.Err.Error()
	}
	return fmt.Sprintf("record applied rules: %d of %d failed: %s",
		len(failed), len(e.Results), strings.Join(msgs, "; "))
}

// Unwrap exposes every per-rule error to errors.Is and errors.As.
func (e *RecordError) Unwrap() []error {
	failed := e.Failed()
	errs := make([]error, len(failed))
	for i, r := range failed {
		errs[i] = r.Err
	}
	return errs
}

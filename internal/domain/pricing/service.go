package pricing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/xenking/kart-pricing/internal/domain/pricing"

// Calculation is the side-effect free result of CalculateDiscounts.
type Calculation struct {
	Subtotal      decimal.Decimal
	TotalDiscount decimal.Decimal
	Total         decimal.Decimal
	Applied       []AppliedRule
}

// Option configures a Service.
type Option func(*Service)

// WithTracerProvider sets the tracer provider used for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider used for engine counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// WithClock overrides the time source used by CalculateDiscounts.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service composes the rule repository, the evaluator, the calculator and
// the resolver. Only RecordAppliedRules mutates state.
type Service struct {
	rules Repository
	usage UsageRecorder
	now   func() time.Time

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer

	calculations  metric.Int64Counter
	rulesApplied  metric.Int64Counter
	usageRecorded metric.Int64Counter
	usageRejected metric.Int64Counter
}

// NewService creates a Service backed by the given repository and usage
// recorder.
func NewService(rules Repository, usage UsageRecorder, opts ...Option) (*Service, error) {
	s := &Service{
		rules:          rules,
		usage:          usage,
		now:            time.Now,
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, o := range opts {
		o(s)
	}

	s.tracer = s.tracerProvider.Tracer(instrumentationName)
	meter := s.meterProvider.Meter(instrumentationName)

	var err error
	if s.calculations, err = meter.Int64Counter("pricing.calculations",
		metric.WithDescription("Discount calculations performed"),
	); err != nil {
		return nil, errors.Wrap(err, "calculations counter")
	}
	if s.rulesApplied, err = meter.Int64Counter("pricing.rules.applied",
		metric.WithDescription("Rules selected by conflict resolution"),
	); err != nil {
		return nil, errors.Wrap(err, "rules applied counter")
	}
	if s.usageRecorded, err = meter.Int64Counter("pricing.usage.recorded",
		metric.WithDescription("Rule usages committed"),
	); err != nil {
		return nil, errors.Wrap(err, "usage recorded counter")
	}
	if s.usageRejected, err = meter.Int64Counter("pricing.usage.rejected",
		metric.WithDescription("Rule usages rejected at commit"),
	); err != nil {
		return nil, errors.Wrap(err, "usage rejected counter")
	}

	return s, nil
}

// GetApplicableRules returns the rules eligible for cart at now, in
// repository order. Malformed rules are logged and skipped.
func (s *Service) GetApplicableRules(ctx context.Context, cart *Cart, codes []string, now time.Time) ([]Rule, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.GetApplicableRules")
	defer span.End()

	candidates, err := s.rules.FindCandidates(ctx, CandidateFilter{
		Now:         now,
		Currency:    cart.Currency,
		UserID:      cart.UserID,
		CouponCodes: codes,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "find candidates")
		return nil, errors.Wrap(err, "find candidate rules")
	}

	lg := zctx.From(ctx)
	eligible := make([]Rule, 0, len(candidates))
	for i := range candidates {
		rule := &candidates[i]
		if err := ValidateRule(rule); err != nil {
			lg.Warn("Skipping malformed pricing rule",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			continue
		}
		reason := Evaluate(rule, cart, codes, now)
		if reason != ReasonEligible {
			lg.Debug("Pricing rule not eligible",
				zap.String("rule_id", rule.ID),
				zap.String("reason", string(reason)),
			)
			continue
		}
		eligible = append(eligible, *rule)
	}

	span.SetAttributes(
		attribute.Int("pricing.candidates", len(candidates)),
		attribute.Int("pricing.eligible", len(eligible)),
	)
	return eligible, nil
}

// CalculateDiscounts computes the discount for cart without mutating any
// state; it is safe to call repeatedly for previews.
func (s *Service) CalculateDiscounts(ctx context.Context, cart *Cart, codes []string) (*Calculation, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.CalculateDiscounts")
	defer span.End()

	rules, err := s.GetApplicableRules(ctx, cart, codes, s.now())
	if err != nil {
		return nil, err
	}

	candidates := make([]AppliedRule, len(rules))
	for i := range rules {
		amount, appliedTo := ComputeDiscount(&rules[i], cart)
		candidates[i] = AppliedRule{Rule: &rules[i], Amount: amount, AppliedTo: appliedTo}
	}
	totalDiscount, applied := Resolve(candidates)

	subtotal := cart.Total()
	total := subtotal.Sub(totalDiscount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	s.calculations.Add(ctx, 1)
	for _, a := range applied {
		s.rulesApplied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("applied_to", string(a.AppliedTo)),
		))
	}
	span.SetAttributes(
		attribute.Int("pricing.applied", len(applied)),
		attribute.String("pricing.total_discount", totalDiscount.StringFixed(2)),
	)

	return &Calculation{
		Subtotal:      subtotal.Round(2),
		TotalDiscount: totalDiscount.Round(2),
		Total:         total.Round(2),
		Applied:       applied,
	}, nil
}

// RecordAppliedRules commits usage for every applied rule. It must be called
// exactly once per confirmed order and never during preview. Each rule is
// recorded independently: the returned results carry one entry per rule and,
// when any failed, the error is a *RecordError unwrapping to each failure.
func (s *Service) RecordAppliedRules(ctx context.Context, cart *Cart, applied []AppliedRule) ([]RecordResult, error) {
	if len(applied) == 0 {
		return nil, nil
	}

	ctx, span := s.tracer.Start(ctx, "pricing.RecordAppliedRules")
	defer span.End()

	lg := zctx.From(ctx)
	results := make([]RecordResult, len(applied))
	failed := 0
	for i, a := range applied {
		results[i] = RecordResult{RuleID: a.Rule.ID}

		err := s.usage.RecordUsage(ctx, UsageRecord{
			RuleID:    a.Rule.ID,
			CartID:    cart.ID,
			UserID:    cart.UserID,
			Discount:  a.Amount,
			AppliedTo: a.AppliedTo,
		})
		if err != nil {
			failed++
			results[i].Err = err
			s.usageRejected.Add(ctx, 1)
			lg.Warn("Pricing rule usage not recorded",
				zap.String("rule_id", a.Rule.ID),
				zap.String("cart_id", cart.ID),
				zap.Error(err),
			)
			continue
		}
		s.usageRecorded.Add(ctx, 1)
	}

	if failed > 0 {
		err := &RecordError{Results: results}
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "record usage")
		return results, err
	}
	return results, nil
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-pricing/internal/domain/auth"
	"github.com/xenking/kart-pricing/internal/domain/pricing"
	"github.com/xenking/kart-pricing/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("KART_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or KART_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("KART_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedRules(ctx, postgres.NewRuleRepository(pool)); err != nil {
		return errors.Wrap(err, "seed rules")
	}

	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

// seedID derives a stable rule id so reseeding updates instead of duplicating.
func seedID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("kart-pricing:rule:"+name)).String()
}

func money(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

func limit(v int) *int { return &v }

func demoRules() []pricing.Rule {
	return []pricing.Rule{
		{
			Name:         "WELCOME10",
			Description:  "10% off the first order",
			Scope:        pricing.CartScope{},
			Magnitude:    pricing.Percentage{Percent: decimal.NewFromInt(10)},
			CouponCode:   "WELCOME10",
			Priority:     20,
			PerUserLimit: limit(1),
		},
		{
			Name:        "FREESHIP",
			Description: "$8 off to cover shipping",
			Scope:       pricing.CartScope{},
			Magnitude:   pricing.FixedAmount{Amount: decimal.NewFromInt(8)},
			CouponCode:  "FREESHIP",
			Combinable:  true,
		},
		{
			Name:        "LOYALTY5",
			Description: "$5 loyalty credit on orders of $50 or more",
			Scope:       pricing.CartScope{},
			Magnitude:   pricing.FixedAmount{Amount: decimal.NewFromInt(5)},
			CartBounds:  pricing.Bounds{Min: money(50)},
			AutoApply:   true,
			Combinable:  true,
		},
		{
			Name:        "TECH5",
			Description: "$5 off electronics",
			Scope:       pricing.CategoryScope{CategoryID: "electronics"},
			Magnitude:   pricing.FixedAmount{Amount: decimal.NewFromInt(5)},
			CouponCode:  "TECH5",
			Priority:    10,
		},
		{
			Name:        "BULK15",
			Description: "15% off carts up to $200",
			Scope:       pricing.CartScope{},
			Magnitude:   pricing.Percentage{Percent: decimal.NewFromInt(15)},
			CartBounds:  pricing.Bounds{Min: money(100), Max: money(200)},
			MaxDiscount: money(25),
			AutoApply:   true,
			Priority:    5,
		},
		{
			Name:        "LAUNCH100",
			Description: "$10 off for the first 100 orders",
			Scope:       pricing.CartScope{},
			Magnitude:   pricing.FixedAmount{Amount: decimal.NewFromInt(10)},
			CouponCode:  "LAUNCH100",
			Currency:    "USD",
			UsageLimit:  limit(100),
			Priority:    15,
		},
	}
}

func seedRules(ctx context.Context, repo *postgres.RuleRepository) error {
	rules := demoRules()
	slog.Info("seeding demo pricing rules", slog.Int("count", len(rules)))

	for _, r := range rules {
		r.ID = seedID(r.Name)
		r.Active = true
		if err := pricing.ValidateRule(&r); err != nil {
			return errors.Wrapf(err, "validate rule %s", r.Name)
		}
		if _, err := repo.UpsertRule(ctx, r); err != nil {
			return errors.Wrapf(err, "upsert rule %s", r.Name)
		}

		slog.Info("upserted rule",
			slog.String("id", r.ID),
			slog.String("name", r.Name),
			slog.String("type", string(r.Type())),
		)
	}

	return nil
}

func seedAPIKey(ctx context.Context, repo *postgres.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	if err := repo.UpsertAPIKey(ctx, auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default checkout key",
		Scopes:  []string{auth.ScopeConfirm},
	}); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", "default"), slog.String("name", "Default checkout key"))

	return nil
}

// Command rule-import loads pricing rule definitions from JSON-lines files
// (optionally gzip-compressed) into PostgreSQL.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-pricing/internal/domain/pricing"
	"github.com/xenking/kart-pricing/internal/ruleio"
	"github.com/xenking/kart-pricing/internal/storage/postgres"
)

const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.001
	progressEvery = 1_000
)

// fileRules holds the accepted definitions of one input file and a bloom
// filter over their coupon codes.
type fileRules struct {
	path     string
	rules    []pricing.Rule
	codes    *bloom.BloomFilter
	rejected int
}

// ruleWriter is satisfied by postgres.RuleRepository.
type ruleWriter interface {
	UpsertRule(ctx context.Context, rule pricing.Rule) (string, error)
}

func main() {
	var (
		databaseURL string
		dryRun      bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and validate only, do not write")
	flag.Usage = func() {
		_, _ = os.Stderr.WriteString("usage: rule-import [flags] rules.jsonl[.gz]...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, files, databaseURL, dryRun); err != nil {
		slog.Error("rule import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("rule import completed successfully")
}

func run(ctx context.Context, files []string, databaseURL string, dryRun bool) error {
	slog.Info("pass 1: parsing rule files", slog.Int("files", len(files)))

	parsed, err := parseFiles(ctx, files)
	if err != nil {
		return errors.Wrap(err, "parse files")
	}

	slog.Info("pass 2: checking coupon codes")

	rules, duplicates := dedupe(parsed)
	for _, code := range duplicates {
		slog.Warn("duplicate coupon code, keeping first definition", slog.String("code", code))
	}
	slog.Info("rules accepted", slog.Int("count", len(rules)), slog.Int("duplicates", len(duplicates)))

	if dryRun || len(rules) == 0 {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return writeRules(ctx, postgres.NewRuleRepository(pool), rules)
}

// parseFiles streams every file concurrently.
func parseFiles(ctx context.Context, files []string) ([]fileRules, error) {
	results := make([]fileRules, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			res, err := parseFile(ctx, path)
			if err != nil {
				return errors.Wrapf(err, "file %d", i+1)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func parseFile(ctx context.Context, path string) (fileRules, error) {
	res := fileRules{
		path:  path,
		codes: bloom.NewWithEstimates(bloomCapacity, bloomFPR),
	}

	err := ruleio.StreamFile(ctx, path, func(rule pricing.Rule, err error) error {
		if err != nil {
			res.rejected++
			slog.Warn("rejected rule definition", slog.String("error", err.Error()))
			return nil
		}
		if rule.ID == "" {
			rule.ID = derivedID(rule)
		}
		if rule.CouponCode != "" {
			res.codes.AddString(rule.CouponCode)
		}
		res.rules = append(res.rules, rule)
		return nil
	})
	if err != nil {
		return res, err
	}

	slog.Info("pass 1 complete",
		slog.String("file", path),
		slog.Int("rules", len(res.rules)),
		slog.Int("rejected", res.rejected),
	)
	return res, nil
}

// derivedID keeps re-imports of an id-less definition idempotent.
func derivedID(rule pricing.Rule) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("kart-pricing:rule:"+rule.Name+":"+rule.CouponCode)).String()
}

// dedupe drops every definition whose coupon code was already claimed by an
// earlier definition, in file order. Codes are unique in storage. The bloom
// filters of the other files only preselect codes for the exact check.
func dedupe(files []fileRules) ([]pricing.Rule, []string) {
	var (
		kept       []pricing.Rule
		duplicates []string
		seen       = make(map[string]struct{})
	)
	for i, f := range files {
		local := make(map[string]struct{})
		for _, rule := range f.rules {
			code := rule.CouponCode
			if code == "" {
				kept = append(kept, rule)
				continue
			}
			if _, dup := local[code]; dup {
				duplicates = append(duplicates, code)
				continue
			}
			local[code] = struct{}{}

			if _, dup := seen[code]; dup {
				duplicates = append(duplicates, code)
				continue
			}
			if sharedWithOthers(files, i, code) {
				seen[code] = struct{}{}
			}
			kept = append(kept, rule)
		}
	}
	return kept, duplicates
}

func sharedWithOthers(files []fileRules, idx int, code string) bool {
	for j, f := range files {
		if j != idx && f.codes.TestString(code) {
			return true
		}
	}
	return false
}

func writeRules(ctx context.Context, repo ruleWriter, rules []pricing.Rule) error {
	slog.Info("writing rules to database", slog.Int("count", len(rules)))

	for i, rule := range rules {
		if _, err := repo.UpsertRule(ctx, rule); err != nil {
			return errors.Wrapf(err, "upsert rule %s", rule.Name)
		}

		if (i+1)%progressEvery == 0 || i+1 == len(rules) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(rules)))
		}
	}

	return nil
}

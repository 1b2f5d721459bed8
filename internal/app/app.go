package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-pricing/internal/domain/auth"
	"github.com/xenking/kart-pricing/internal/domain/pricing"
	"github.com/xenking/kart-pricing/internal/handler"
	"github.com/xenking/kart-pricing/internal/ruleio"
	"github.com/xenking/kart-pricing/internal/storage/memory"
	"github.com/xenking/kart-pricing/internal/storage/postgres"
	"github.com/xenking/kart-pricing/pkg/health"
	"github.com/xenking/kart-pricing/pkg/httpmiddleware"
)

// ruleStore is what the API needs from a storage backend.
type ruleStore interface {
	pricing.Repository
	pricing.UsageRecorder
	handler.RuleFinder
}

type backend struct {
	rules   ruleStore
	apikeys auth.Repository
	close   func()
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))

	store, err := openStore(ctx, lg, cfg, healthSvc)
	if err != nil {
		return err
	}
	defer store.close()

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	pricingSvc, err := pricing.NewService(store.rules, store.rules,
		pricing.WithTracerProvider(m.TracerProvider()),
		pricing.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create pricing service")
	}

	h := handler.NewHandler(pricingSvc, store.rules)
	securityHandler := handler.NewSecurityHandler(store.apikeys, []byte(cfg.APIKeyPepper))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux, securityHandler)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.LogRequests(),
			httpmiddleware.Instrument("kart-pricing", m),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", handler.APIKeyHeader, httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.HeaderKey(handler.APIKeyHeader),
			}),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

func openStore(ctx context.Context, lg *zap.Logger, cfg *Config, healthSvc *health.Health) (*backend, error) {
	if cfg.Store == StoreMemory {
		store, err := newMemoryStore(ctx, lg, cfg)
		if err != nil {
			return nil, err
		}
		return &backend{rules: store, apikeys: store, close: func() {}}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))

	return &backend{
		rules:   postgres.NewRuleRepository(pool),
		apikeys: postgres.NewAPIKeyRepository(pool),
		close:   pool.Close,
	}, nil
}

// newMemoryStore builds a database-less store, loading rules from
// cfg.RulesFile and registering cfg.APIKey with the confirm scope.
func newMemoryStore(ctx context.Context, lg *zap.Logger, cfg *Config) (*memory.Store, error) {
	store := memory.New()

	if cfg.RulesFile != "" {
		var loaded, rejected int
		err := ruleio.StreamFile(ctx, cfg.RulesFile, func(rule pricing.Rule, err error) error {
			if err != nil {
				rejected++
				lg.Warn("Skipping rule definition", zap.Error(err))
				return nil
			}
			if _, err := store.UpsertRule(ctx, rule); err != nil {
				if errors.Is(err, pricing.ErrDuplicateCoupon) {
					rejected++
					lg.Warn("Skipping rule definition", zap.Error(err))
					return nil
				}
				return errors.Wrap(err, "store rule")
			}
			loaded++
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "load rules")
		}
		lg.Info("Rules loaded",
			zap.String("file", cfg.RulesFile),
			zap.Int("loaded", loaded),
			zap.Int("rejected", rejected),
		)
	}

	if cfg.APIKey != "" {
		store.AddAPIKey(auth.APIKeyInfo{
			ID:      "config",
			KeyHash: auth.HashKey([]byte(cfg.APIKeyPepper), cfg.APIKey),
			Name:    "config",
			Scopes:  []string{auth.ScopeConfirm},
		})
	}
	return store, nil
}

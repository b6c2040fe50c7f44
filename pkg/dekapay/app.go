// Package dekapay assembles the paid-inference gateway for standalone
// serving or embedding. NewApp wires the full stack from one Config:
// stores, boot recovery, the WAL writer election, the ledger, the payment
// decision engine, wallet auth, Stripe grants, alerts, and the daily
// reconciler. Callers get an http.Handler plus lifecycle hooks.
package dekapay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/alerts"
	"github.com/dekapay/gateway/internal/apikey"
	"github.com/dekapay/gateway/internal/audit"
	"github.com/dekapay/gateway/internal/auth"
	"github.com/dekapay/gateway/internal/billing"
	"github.com/dekapay/gateway/internal/circuitbreaker"
	"github.com/dekapay/gateway/internal/clock"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/creditnote"
	"github.com/dekapay/gateway/internal/dispatch"
	"github.com/dekapay/gateway/internal/grants"
	"github.com/dekapay/gateway/internal/httpserver"
	"github.com/dekapay/gateway/internal/httputil"
	"github.com/dekapay/gateway/internal/kv"
	"github.com/dekapay/gateway/internal/ledger"
	"github.com/dekapay/gateway/internal/lifecycle"
	"github.com/dekapay/gateway/internal/logger"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/internal/observability"
	"github.com/dekapay/gateway/internal/oracle"
	"github.com/dekapay/gateway/internal/paywall"
	"github.com/dekapay/gateway/internal/pricing"
	"github.com/dekapay/gateway/internal/ratelimit"
	"github.com/dekapay/gateway/internal/reconcile"
	"github.com/dekapay/gateway/internal/recovery"
	"github.com/dekapay/gateway/internal/signer"
	"github.com/dekapay/gateway/internal/storage"
	"github.com/dekapay/gateway/internal/versioning"
	"github.com/dekapay/gateway/internal/wal"
)

// App is the assembled gateway.
type App struct {
	Config     *config.Config
	Store      storage.Store
	KV         kv.Store
	Ledger     *ledger.Ledger
	Engine     *paywall.Engine
	Auth       *auth.Service
	Keys       *apikey.Validator
	Alerts     *alerts.Service
	Reconciler *reconcile.Reconciler
	WriterLock *wal.WriterLock
	Hooks      *observability.Registry
	Audit      *audit.Trail
	// Versions holds collaborator-managed records as immutable version
	// chains; embedders read and update them through the App.
	Versions      *versioning.Store
	RecoveryState string

	server    *httpserver.Server
	resources *lifecycle.Manager
	logger    zerolog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store      storage.Store
	kvStore    kv.Store
	dispatcher dispatch.Dispatcher
	clk        clock.Clock
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithKV sets a custom coordination store.
func WithKV(store kv.Store) Option {
	return func(o *options) { o.kvStore = store }
}

// WithDispatcher replaces the echo dispatcher with real provider
// adapters.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithClock injects a test clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// NewApp assembles the gateway. Boot-time recovery runs before anything
// mutates state; the process refuses to start only on wiring errors, not
// on degraded recovery.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("dekapay: config required")
	}
	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "dekapay-gateway",
		Environment: cfg.Logging.Environment,
	})

	clk := optState.clk
	if clk == nil {
		clk = clock.System{}
	}
	ids := clock.NewIDGenerator(clk)
	instanceID := ids.ULID()

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(),
		logger:    appLogger,
	}
	m := metrics.New(prometheus.DefaultRegisterer)
	hooks := observability.NewRegistry(appLogger)
	hooks.RegisterPaymentHook(observability.NewPrometheusHook(m))

	// Coordination store: Redis when configured, in-process otherwise.
	kvStore := optState.kvStore
	if kvStore == nil {
		if cfg.Redis.URL != "" {
			redisOpts, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return nil, fmt.Errorf("dekapay: redis url: %w", err)
			}
			if cfg.Redis.PoolSize > 0 {
				redisOpts.PoolSize = cfg.Redis.PoolSize
			}
			client := redis.NewClient(redisOpts)
			app.resources.RegisterFunc("redis", client.Close)
			kvStore = kv.NewRedisStore(client)
		} else {
			memKV := kv.NewMemoryStore(clk)
			app.resources.RegisterFunc("kv", memKV.Close)
			kvStore = memKV
			appLogger.Warn().Msg("no redis configured, coordination state is process-local")
		}
	}
	app.KV = kvStore
	app.Hooks = hooks
	app.Versions = versioning.NewStore(kvStore, clk)
	app.Audit = audit.NewTrail(clk, m, appLogger)

	store := optState.store
	if store == nil {
		var err error
		switch cfg.Storage.Backend {
		case "postgres":
			store, err = storage.NewPostgresStore(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
		case "mongodb":
			store, err = storage.NewMongoDBStore(cfg.Storage.MongoDBURL, cfg.Storage.MongoDBDatabase)
		default:
			store = storage.NewMemoryStore()
			appLogger.Warn().Msg("using in-memory storage, not suitable for production")
		}
		if err != nil {
			return nil, fmt.Errorf("dekapay: storage backend: %w", err)
		}
		if instrumented, ok := store.(interface{ SetMetrics(*metrics.Metrics) }); ok {
			instrumented.SetMetrics(m)
		}
		if closer, ok := store.(interface{ Close() error }); ok {
			app.resources.RegisterFunc("storage", closer.Close)
		}
	}
	app.Store = store

	// Boot recovery restores the WAL before any writer touches it, then
	// the replay rebuilds the balance cache.
	recoveryEngine := recovery.NewEngine(recovery.Options{
		Config:  cfg.Recovery,
		Clock:   clk,
		Metrics: m,
		Logger:  appLogger,
	})
	derived := map[string]int64{}
	report, err := recoveryEngine.Run(context.Background(), func(entry wal.Entry) error {
		if !ledger.IsJournalEvent(entry.EventType) {
			return nil
		}
		journalEntry, err := ledger.DecodeJournalEntry(entry.Payload)
		if err != nil {
			return err
		}
		for _, leg := range journalEntry.Legs {
			if leg.Counter == ledger.CounterUnlocked {
				derived[leg.Account] += leg.Delta
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dekapay: boot recovery: %w", err)
	}
	for account, balance := range derived {
		if err := kvStore.Set(context.Background(), "balance:"+account, strconv.FormatInt(balance, 10), 0); err != nil {
			appLogger.Warn().Err(err).Str("account", account).Msg("balance cache rebuild failed")
		}
	}
	app.RecoveryState = report.State
	appLogger.Info().
		Str("source", report.Source).
		Str("state", string(report.State)).
		Int("entries_replayed", report.EntriesReplayed).
		Msg("boot recovery complete")

	// WAL writer election. An instance that loses the lock stops
	// journaling; appends fail fenced rather than corrupting the log.
	writerLock := wal.NewWriterLock(kvStore, cfg.WAL.LockKey, instanceID, cfg.WAL.LockTTL.Duration, m, appLogger)
	acquired, err := writerLock.Acquire(context.Background(), func() {
		appLogger.Error().Msg("wal writer lock lost, journaling disabled until reacquired")
	})
	if err != nil {
		return nil, fmt.Errorf("dekapay: wal writer election: %w", err)
	}
	if !acquired {
		appLogger.Warn().Msg("another instance holds the wal writer lock")
	}
	app.WriterLock = writerLock
	app.resources.RegisterFunc("wal-writer-lock", func() error {
		return writerLock.Release(context.Background())
	})

	walLog, err := wal.Open(wal.Options{
		Dir:          cfg.WAL.Dir,
		SegmentBytes: cfg.WAL.SegmentBytes,
		Store:        kvStore,
		IDs:          ids,
		Metrics:      m,
		Logger:       appLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("dekapay: open wal: %w", err)
	}
	app.resources.RegisterFunc("wal", walLog.Close)

	led := ledger.New(ledger.Options{
		Store:          store,
		KV:             kvStore,
		Journal:        walLog,
		Tokens:         writerLock,
		Clock:          clk,
		IDs:            ids,
		ReservationTTL: cfg.Ledger.ReservationTTL.Duration,
		Metrics:        m,
		Logger:         appLogger,
	})
	app.Ledger = led

	sgn, err := signer.NewWithPrevious(cfg.Secrets.HMACSecret, cfg.Secrets.HMACSecretPrev)
	if err != nil {
		return nil, fmt.Errorf("dekapay: challenge signer: %w", err)
	}
	validator, err := apikey.NewValidator(store, []byte(cfg.Secrets.KeyPepper), cfg.Auth.KeyCacheSize, appLogger)
	if err != nil {
		return nil, err
	}
	app.Keys = validator

	calc, err := pricing.NewCalculator(cfg.Pricing, appLogger)
	if err != nil {
		return nil, fmt.Errorf("dekapay: pricing catalog: %w", err)
	}

	outboundBreakers := circuitbreaker.NewManager(cfg.Outbound, appLogger)
	settlementOracle, err := oracle.New(cfg.Oracle, cfg.Paywall.Recipient, outboundBreakers, m, appLogger)
	if err != nil {
		return nil, fmt.Errorf("dekapay: settlement oracle: %w", err)
	}

	notes := creditnote.New(creditnote.Options{
		KV:      kvStore,
		Store:   store,
		Clock:   clk,
		IDs:     ids,
		Cap:     cfg.Ledger.CreditNoteCapAtomic,
		TTL:     cfg.Ledger.CreditNoteTTL.Duration,
		Metrics: m,
		Logger:  appLogger,
	})

	issuer := paywall.NewIssuer(paywall.IssuerOptions{
		KV:     kvStore,
		Signer: sgn,
		Clock:  clk,
		IDs:    ids,
		Config: cfg.Paywall,
		Logger: appLogger,
	})
	verifier := paywall.NewVerifier(paywall.VerifierOptions{
		Issuer:      issuer,
		KV:          kvStore,
		Signer:      sgn,
		Oracle:      settlementOracle,
		CreditNotes: notes,
		Store:       store,
		Clock:       clk,
		Metrics:     m,
		Logger:      appLogger,
	})

	admission, err := ratelimit.NewAdmissionLimiter(kvStore, clk, ratelimit.AdmissionConfig{
		PublicDailyLimit:        cfg.Limits.PublicDailyLimit,
		AuthenticatedDailyLimit: cfg.Limits.AuthenticatedDailyLimit,
		DailyCap:                cfg.Limits.DailyCap,
		CostCeilingCents:        cfg.Limits.CostCeilingCents,
		FallbackCacheSize:       cfg.RateLimit.FallbackCacheSize,
	}, m, appLogger)
	if err != nil {
		return nil, err
	}

	recorder := billing.NewRecorder(billing.Options{
		Store:   store,
		IDs:     ids,
		Metrics: m,
		Logger:  appLogger,
	})
	app.resources.RegisterFunc("billing", func() error { recorder.Close(); return nil })

	engine := paywall.NewEngine(paywall.EngineOptions{
		FreeEndpoints: cfg.Paywall.FreeEndpoints,
		Validator:     validator,
		Pricing:       calc,
		Ledger:        led,
		Issuer:        issuer,
		Verifier:      verifier,
		Billing:       recorder,
		Admission:     admission,
		TokenID:       cfg.Paywall.Token,
		Clock:         clk,
		Metrics:       m,
		Logger:        appLogger,
	})
	app.Engine = engine

	authSvc, err := auth.NewService(cfg.Auth, cfg.Secrets, kvStore, clk, ids, appLogger)
	if err != nil {
		return nil, fmt.Errorf("dekapay: auth: %w", err)
	}
	app.Auth = authSvc

	grantSvc := grants.NewService(cfg.Stripe, led, outboundBreakers, m, appLogger)

	alertSvc := alerts.New(alerts.Options{
		Store:    store,
		Breakers: outboundBreakers,
		Config:   cfg.Alerts,
		Client:   httputil.NewClient(cfg.Alerts.Timeout.Duration),
		Clock:    clk,
		Metrics:  m,
		Logger:   appLogger,
	})
	alertSvc.Start()
	app.resources.RegisterFunc("alerts", func() error { alertSvc.Stop(); return nil })
	app.Alerts = alertSvc

	reconciler := reconcile.New(reconcile.Options{
		WALDir:  cfg.WAL.Dir,
		KV:      kvStore,
		Journal: walLog,
		Tokens:  writerLock,
		Clock:   clk,
		Alerts:  divergenceFan{alerts: alertSvc, hooks: hooks},
		Config:  cfg.Reconcile,
		Metrics: m,
		Logger:  appLogger,
	})
	app.Reconciler = reconciler

	providerBreaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow.Duration,
		Cooldown:         cfg.Breaker.Cooldown.Duration,
	}, clk, kvStore, instanceID, m, appLogger)
	providerBreaker.Notify(func(provider string, from, to circuitbreaker.State) {
		hooks.EmitBreakerTransition(context.Background(), observability.BreakerTransitionEvent{
			Provider: provider,
			From:     string(from),
			To:       string(to),
			At:       clk.Now(),
		})
	})
	dispatcher := optState.dispatcher
	if dispatcher == nil {
		dispatcher = dispatch.Echo{}
		appLogger.Warn().Msg("no dispatcher configured, echoing prompts")
	}
	providerLimiter := ratelimit.NewProviderLimiter(kvStore, clk, cfg.Limits.ProviderRPM, cfg.Limits.ProviderTPM, appLogger)
	chain := dispatch.NewChain(
		[]dispatch.Provider{{Name: "default", Dispatcher: dispatcher}},
		providerBreaker, providerLimiter, appLogger,
	)

	costLimiter := ratelimit.NewCostLimiter(kvStore, clk, ids, cfg.Limits.CostCeilingCents, m, appLogger)

	app.server = httpserver.New(httpserver.Options{
		Config:        cfg,
		Engine:        engine,
		Auth:          authSvc,
		Keys:          validator,
		Ledger:        led,
		Grants:        grantSvc,
		Dispatcher:    chain,
		Pricing:       calc,
		Cost:          costLimiter,
		Reconciler:    reconciler,
		Alerts:        alertSvc,
		Store:         store,
		RecoveryState: app.RecoveryState,
		Hooks:         hooks,
		Audit:         app.Audit,
		Clock:         clk,
		Metrics:       m,
		Logger:        appLogger,
	})
	return app, nil
}

// Start launches the background schedules and the HTTP listener. It
// blocks until the listener stops; a graceful Shutdown returns nil.
func (a *App) Start(ctx context.Context) error {
	a.Reconciler.Start(ctx)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the configured router for embedding or tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Shutdown stops the HTTP server, then releases resources in reverse
// order of acquisition.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	a.Reconciler.Stop()
	if closeErr := a.resources.Close(); err == nil {
		err = closeErr
	}
	return err
}

// divergenceFan forwards reconciliation alerts to the alert queue and
// mirrors each divergence onto the hook registry.
type divergenceFan struct {
	alerts *alerts.Service
	hooks  *observability.Registry
}

func (f divergenceFan) Publish(ctx context.Context, alertType string, payload interface{}) error {
	if summary, ok := payload.(reconcile.Summary); ok {
		for _, d := range summary.Divergences {
			f.hooks.EmitDivergence(ctx, observability.DivergenceEvent{
				Account:      d.Account,
				CachedMicro:  d.Cached,
				DerivedMicro: d.Derived,
				Trigger:      summary.Trigger,
			})
		}
	}
	return f.alerts.Publish(ctx, alertType, payload)
}

// Config is an exported alias for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for embedders.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

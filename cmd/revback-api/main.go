// Package main is the entry point for the revback-api server. One process
// serves webhook ingress, the queue workers, the cron scheduler, and the
// operational API; horizontal scaling only needs more of the same process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/revbackhq/revback/internal/alert"
	"github.com/revbackhq/revback/internal/breaker"
	"github.com/revbackhq/revback/internal/config"
	"github.com/revbackhq/revback/internal/crypto"
	"github.com/revbackhq/revback/internal/database"
	"github.com/revbackhq/revback/internal/detector"
	"github.com/revbackhq/revback/internal/engine"
	"github.com/revbackhq/revback/internal/entitlement"
	"github.com/revbackhq/revback/internal/http/handlers"
	"github.com/revbackhq/revback/internal/http/mw"
	"github.com/revbackhq/revback/internal/identity"
	"github.com/revbackhq/revback/internal/ingest"
	"github.com/revbackhq/revback/internal/investigate"
	"github.com/revbackhq/revback/internal/logging"
	"github.com/revbackhq/revback/internal/maintenance"
	"github.com/revbackhq/revback/internal/metrics"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/normalizer"
	"github.com/revbackhq/revback/internal/queue"
	"github.com/revbackhq/revback/internal/ratelimit"
	"github.com/revbackhq/revback/internal/repository"
	"github.com/revbackhq/revback/internal/shutdown"
	"github.com/revbackhq/revback/internal/version"
)

func main() {
	// Initialize logger with TTY detection and format control
	logger := logging.SetDefault()

	// Log version info first thing
	v := version.Get()
	logger.Info("starting revback-api",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Run embedded migrations
	if err := database.Migrate(ctx, db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize Redis; the client is shared by the queue, the scheduler
	// locks, and the readiness probe
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	repos := repository.NewRepositories(db)

	// Credential encryption (rotation-aware)
	enc, err := crypto.NewEncryptor(cfg.CredentialEncryptionKey, cfg.CredentialEncryptionKeyPrevious)
	if err != nil {
		logger.Error("failed to initialize credential encryption", "error", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Tracked pool for fire-and-forget side effects (alert fan-out,
	// re-encryption); drained before exit
	runner := shutdown.NewRunner(shutdown.RunnerConfig{}, logger)

	breakers := breaker.NewRegistry(breaker.Config{OnStateChange: m.ObserveBreaker}, logger)

	// Domain services
	resolver := identity.NewResolver(repos.User, repos.Identity, repos.Issue, logger)
	reducer := entitlement.NewReducer(repos.Entitlement, logger)

	detectors := detector.NewDefaultRegistry()
	deps := detector.Deps{
		Events:       repos.Event,
		Entitlements: repos.Entitlement,
		Connections:  repos.Connection,
		AccessChecks: repos.AccessCheck,
		Issues:       repos.Issue,
		Logger:       logger,
	}

	q := queue.New(redisClient, queue.Config{}, m, logger)

	slackSender := alert.NewSlackSender(cfg.SlackBotToken, enc, logger)
	emailSender := alert.NewEmailSender(cfg.SendGridAPIKey, cfg.AlertFromEmail, logger)
	dispatcher := alert.NewDispatcher(repos.AlertConfig, repos.DeliveryLog, q, runner, slackSender, emailSender, m, logger)

	eng := engine.New(detectors, deps, dispatcher, q, runner, m, logger)

	normalizers := normalizer.NewDefaultRegistry(logger)

	// Per-provider fallback secrets for connections that store none
	fallbacks := map[models.Source]normalizer.Credentials{
		models.SourceStripe:  {WebhookSecret: cfg.StripeWebhookSecret},
		models.SourceApple:   {RootCAPEM: cfg.AppleRootCAPEM},
		models.SourceGoogle:  {PushToken: cfg.GooglePushToken},
		models.SourceRecurly: {WebhookSecret: cfg.RecurlyWebhookSecret},
	}

	pipeline := ingest.NewPipeline(repos, normalizers, enc, fallbacks, resolver, reducer, eng, q, m, logger)

	deliverer := alert.NewWebhookDeliverer(repos.AlertConfig, repos.DeliveryLog, enc, breakers,
		alert.WebhookConfig{Timeout: cfg.AlertHTTPTimeout}, m, logger)

	investigator := investigate.NewWorker(repos.Issue, investigate.NewNoop(logger), logger)

	sweeper := maintenance.NewSweeper(repos.WebhookLog, repos.DeliveryLog, maintenance.RetentionConfig{
		RawLogDays:      cfg.RawLogRetentionDays,
		DeliveryLogDays: cfg.DeliveryLogRetentionDays,
	}, logger)

	// Queue handlers
	q.Register(queue.WebhookProcessing, pipeline.HandleJob)
	q.RegisterExhausted(queue.WebhookProcessing, pipeline.HandleExhausted)
	q.Register(queue.ScheduledScans, eng.HandleScanJob)
	q.Register(queue.WebhookDelivery, deliverer.HandleJob)
	q.Register(queue.AIInvestigation, investigator.HandleJob)
	q.Register(queue.DataRetention, sweeper.HandleJob)

	if cfg.EnableWorkers {
		q.Start(ctx)
	} else {
		logger.Warn("queue workers disabled, jobs will accumulate until a worker instance drains them")
	}

	// Cron-driven scan and retention entries
	var sched *queue.Scheduler
	if cfg.EnableScheduledScans {
		scanIDs := make([]string, 0, len(detectors.Scheduled()))
		for _, d := range detectors.Scheduled() {
			scanIDs = append(scanIDs, d.ID)
		}
		sched = queue.NewScheduler(q, redisClient, repos.Organization, queue.BuildSchedule(scanIDs), logger)
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	// One-shot re-encryption pass; only useful while a previous key is
	// still configured
	if len(cfg.CredentialEncryptionKeyPrevious) > 0 {
		reenc := maintenance.NewReencryptor(repos.Connection, repos.AlertConfig, enc, logger)
		runner.Go("credential-reencrypt", func(ctx context.Context) {
			if _, err := reenc.Run(ctx); err != nil {
				logger.Warn("credential re-encryption pass failed", "error", err)
			}
		})
	}

	// HTTP surface
	limiter := ratelimit.NewLimiter(nil)
	ingress := handlers.NewIngress(pipeline, limiter, handlers.IngressConfig{MaxBodyBytes: cfg.WebhookMaxBodyBytes}, m, logger)
	ops := handlers.NewOps(
		handlers.PingerFunc(db.PingContext),
		handlers.PingerFunc(q.Ping),
		q,
		eng,
		repos.Organization,
		detectors,
		logger,
	)

	// Create router
	router := chi.NewRouter()

	// Global middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(mw.RequestMetrics(m))
	router.Use(mw.APIVersion(v.Short()))

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))

	// Surge guard per client IP; sits above the per-org webhook tier so a
	// single provider IP delivering for many orgs is never throttled here
	router.Use(httprate.LimitByIP(1000, time.Minute))

	// Global concurrency throttle
	router.Use(middleware.Throttle(256))

	// Webhook ingress (signature verified by the pipeline, no caller auth)
	router.Post("/webhooks/{orgSlug}/{source}", ingress.HandleWebhook)

	// Prometheus scrape endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Kubernetes probes and version (no docs, no auth)
	hiddenConfig := huma.DefaultConfig("RevBack API", v.Version)
	hiddenConfig.DocsPath = ""
	hiddenConfig.OpenAPIPath = ""
	hiddenConfig.SchemasPath = ""
	hiddenAPI := humachi.New(router, hiddenConfig)
	ops.RegisterProbes(hiddenAPI)

	// Operational API behind bearer auth
	if cfg.OpsAPIKey == "" {
		logger.Warn("OPS_API_KEY not set, operational API is unauthenticated")
	}
	router.Group(func(r chi.Router) {
		r.Use(mw.OpsAuth(cfg.APIKeySalt, cfg.OpsAPIKey))
		r.Use(mw.Limit(limiter, ratelimit.TierAPI, mw.KeyByIP))

		opsConfig := huma.DefaultConfig("RevBack API", v.Version)
		opsConfig.DocsPath = ""
		opsConfig.OpenAPIPath = ""
		opsConfig.SchemasPath = ""
		opsAPI := humachi.New(r, opsConfig)
		ops.RegisterOps(opsAPI)
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown: stop accepting HTTP first, then drain the
	// background machinery below
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	logger.Info("starting server",
		"port", cfg.Port,
		"base_url", cfg.BaseURL,
		"workers", cfg.EnableWorkers,
		"scheduled_scans", cfg.EnableScheduledScans,
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	// HTTP is drained; stop the scheduler, the workers, and the tracked
	// background tasks within the same deadline. Jobs still active at the
	// deadline are recovered later through the visibility timeout.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()

	if sched != nil {
		if err := sched.Stop(drainCtx); err != nil {
			logger.Warn("scheduler stop error", "error", err)
		}
	}
	if err := q.Stop(drainCtx); err != nil {
		logger.Warn("queue drain incomplete", "error", err)
	}
	if err := runner.Drain(drainCtx); err != nil {
		logger.Warn("background tasks did not drain", "error", err)
	}

	logger.Info("server stopped")
}

// grantflowd is the GrantFlow ingestion daemon.
// It serves the REST API, runs the per-source ingestion pipeline, and
// schedules recurring syncs against registered funding sources.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grantflow-data/grantflow/platform/internal/analysis"
	"github.com/grantflow-data/grantflow/platform/internal/api"
	"github.com/grantflow-data/grantflow/platform/internal/auth"
	"github.com/grantflow-data/grantflow/platform/internal/cache"
	"github.com/grantflow-data/grantflow/platform/internal/config"
	"github.com/grantflow-data/grantflow/platform/internal/detect"
	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/extract"
	"github.com/grantflow-data/grantflow/platform/internal/fetch"
	"github.com/grantflow-data/grantflow/platform/internal/filter"
	"github.com/grantflow-data/grantflow/platform/internal/leader"
	"github.com/grantflow-data/grantflow/platform/internal/llm"
	"github.com/grantflow-data/grantflow/platform/internal/pipeline"
	"github.com/grantflow-data/grantflow/platform/internal/postgres"
	"github.com/grantflow-data/grantflow/platform/internal/ratelimit"
	"github.com/grantflow-data/grantflow/platform/internal/reaper"
	"github.com/grantflow-data/grantflow/platform/internal/runmanager"
	"github.com/grantflow-data/grantflow/platform/internal/scheduler"
	"github.com/grantflow-data/grantflow/platform/internal/storage"
)

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	// Validate listen address format (host:port).
	if addr := os.Getenv("GRANTFLOW_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("GRANTFLOW_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}

	// Validate PORT is numeric.
	if port := os.Getenv("PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("PORT=%q: must be a valid port number", port))
		}
	}

	// Validate DATABASE_URL is a parseable postgres URL.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}

	// Validate duration-typed env vars.
	for _, name := range []string{"S3_METADATA_TIMEOUT", "S3_DATA_TIMEOUT"} {
		if v := os.Getenv(name); v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid Go duration (e.g. 10s, 2m) (%v)", name, v, err))
			}
		}
	}

	// S3_ENDPOINT may be host:port without scheme; allow both forms.
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		if _, _, err := net.SplitHostPort(v); err != nil {
			if _, err := url.Parse("http://" + v); err != nil {
				errs = append(errs, fmt.Sprintf("S3_ENDPOINT=%q: must be a valid endpoint", v))
			}
		}
	}

	return errs
}

// warnDefaultCredentials logs security warnings when S3 or Postgres credentials
// appear to be well-known defaults (e.g., minioadmin/minioadmin).
// These are safe for local development but dangerous in production deployments.
func warnDefaultCredentials() {
	s3Access := os.Getenv("S3_ACCESS_KEY")
	s3Secret := os.Getenv("S3_SECRET_KEY")
	if s3Access == "minioadmin" || s3Secret == "minioadmin" {
		slog.Warn("S3 credentials are set to default values (minioadmin) — change these for production deployments")
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if u, err := url.Parse(dbURL); err == nil && u.User != nil {
			user := u.User.Username()
			pass, _ := u.User.Password()
			if (user == "grantflow" && pass == "grantflow") || (user == "postgres" && pass == "postgres") {
				slog.Warn("database credentials appear to be defaults — change these for production deployments",
					"user", user)
			}
		}
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /grantflowd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/healthz")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Validate critical environment variables before wiring anything.
	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	// Load config: GRANTFLOW_CONFIG env > ./grantflow.yaml > defaults.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	ctx := context.Background()

	// Postgres is required: every pipeline stage writes run state,
	// raw responses, and opportunity records through it.
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	sourceStore := postgres.NewSourceStore(pool)
	rawStore := postgres.NewRawResponseStore(pool)
	oppStore := postgres.NewOpportunityStore(pool)
	runStore := postgres.NewRunStore(pool)
	locks := postgres.NewSourceLocks(pool)
	slog.Info("postgres stores initialized")

	// Wire S3 raw-payload archive when an endpoint is configured.
	// Env overrides yaml so compose/k8s deployments need no config file.
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3.Endpoint = v
		cfg.S3.AccessKey = os.Getenv("S3_ACCESS_KEY")
		cfg.S3.SecretKey = os.Getenv("S3_SECRET_KEY")
		cfg.S3.UseSSL = os.Getenv("S3_USE_SSL") == "true"
		if b := os.Getenv("S3_BUCKET"); b != "" {
			cfg.S3.Bucket = b
		}
	}

	var (
		s3Store  *storage.S3Store
		archiver fetch.Archiver
		s3Health api.HealthChecker
	)
	if cfg.S3.Endpoint != "" {
		bucket := cfg.S3.Bucket
		if bucket == "" {
			bucket = "grantflow"
		}
		s3Cfg := storage.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    bucket,
			UseSSL:    cfg.S3.UseSSL,
		}
		// Optional timeout overrides (e.g. S3_METADATA_TIMEOUT=15s, S3_DATA_TIMEOUT=120s).
		// Values are validated in validateEnv.
		if v := os.Getenv("S3_METADATA_TIMEOUT"); v != "" {
			s3Cfg.MetadataTimeout, _ = time.ParseDuration(v)
		}
		if v := os.Getenv("S3_DATA_TIMEOUT"); v != "" {
			s3Cfg.DataTimeout, _ = time.ParseDuration(v)
		}

		s3Store, err = storage.NewS3Store(ctx, s3Cfg)
		if err != nil {
			slog.Error("failed to connect to S3", "error", err)
			os.Exit(1)
		}
		archiver = s3Store
		s3Health = s3Store
		slog.Info("s3 archive initialized", "endpoint", cfg.S3.Endpoint, "bucket", bucket)
	} else {
		slog.Warn("S3 not configured, raw payloads stay in Postgres")
	}

	// LLM client for the extraction and analysis stages.
	llmClient, err := llm.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.ModelCapacity)
	if err != nil {
		slog.Error("failed to create LLM client", "error", err)
		os.Exit(1)
	}
	slog.Info("llm client initialized", "model", cfg.LLM.Model)

	// Pipeline wiring: fetch → extract → detect → analyze → filter → store/update.
	fetcher := fetch.New(rawStore, archiver)
	extractEngine := extract.NewEngine(llmClient, cfg.Extraction)
	analysisEngine := analysis.NewEngine(llmClient, cfg.Analysis)
	detector := detect.New(oppStore)
	runs := runmanager.New(runStore)

	coord := pipeline.New(runs, fetcher, extractEngine, detector, analysisEngine,
		filter.Apply, oppStore, oppStore, locks, sourceStore, cfg.RunTimeout)
	svc := pipeline.NewService(coord, sourceStore)

	srv := &api.Server{
		Sources:   sourceStore,
		Runs:      runStore,
		Processor: svc,
		DBHealth:  postgres.NewHealthChecker(pool),
		S3Health:  s3Health,
	}

	// Source lists are fetched on every portal page load but rarely change.
	srv.SourceCache = cache.New[string, []domain.Source](cache.Options{
		TTL:        30 * time.Second,
		MaxEntries: 10, // "all" and "active" entries only
	})

	// Static API key auth (GRANTFLOW_API_KEY). Unset means open access.
	if apiKey := os.Getenv("GRANTFLOW_API_KEY"); apiKey != "" {
		srv.Auth = auth.APIKey(apiKey)
		slog.Info("API key authentication enabled")
	} else {
		srv.Auth = auth.Noop()
	}

	// Per-IP rate limiting (disable with RATE_LIMIT=0).
	if rl := os.Getenv("RATE_LIMIT"); rl != "0" {
		rlCfg := ratelimit.DefaultConfig()
		srv.RateLimit = &rlCfg
		slog.Info("rate limiting enabled", "rps", rlCfg.RequestsPerSecond, "burst", rlCfg.Burst)
	}

	// Configurable CORS origins (comma-separated).
	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	warnDefaultCredentials()

	// startBackgroundWorkers launches the sync scheduler and reaper.
	// Called by the leader elector when this replica wins the advisory lock,
	// so only one replica runs scheduled syncs and retention cleanup.
	startBackgroundWorkers := func(ctx context.Context) func() {
		sched := scheduler.New(sourceStore, svc, cfg.SchedulerInterval)
		sched.Start(ctx)
		slog.Info("scheduler started", "interval", cfg.SchedulerInterval)

		reap := reaper.New(reaper.DefaultConfig(), runStore, rawStore)
		reap.Start(ctx)
		slog.Info("reaper started")

		return func() {
			sched.Stop()
			slog.Info("scheduler stopped")
			reap.Stop()
			slog.Info("reaper stopped")
		}
	}

	// Background workers run on ONE replica only, elected via Postgres
	// advisory lock. If the leader dies, Postgres releases the lock and
	// another replica takes over. Disable with SCHEDULER_ENABLED=false to
	// run a pure API-only replica.
	var stopLeader func()
	if os.Getenv("SCHEDULER_ENABLED") != "false" {
		tryLock := func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}
		elector := leader.New(tryLock, leader.RetryInterval, startBackgroundWorkers)
		elector.Start(ctx)
		stopLeader = func() { elector.Stop() }
		slog.Info("leader election started (advisory lock)")
	} else {
		slog.Info("background workers disabled (SCHEDULER_ENABLED=false)")
	}

	router := api.NewRouter(srv)

	// Listen address: GRANTFLOW_LISTEN_ADDR > PORT > config listen_addr.
	addr := cfg.ListenAddr
	if port := os.Getenv("PORT"); port != "" && os.Getenv("GRANTFLOW_LISTEN_ADDR") == "" {
		addr = ":" + port
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting grantflowd", "addr", addr, "version", api.Version)

	// Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections (15s timeout).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Ordered cleanup: leader (stops scheduler/reaper) → rate limiter → pool (deferred).
	if stopLeader != nil {
		stopLeader()
		slog.Info("leader elector stopped")
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
		slog.Info("rate limiter stopped")
	}

	slog.Info("grantflowd shutdown complete")
}

// flowmanagerd is the flow manager server.
// It accepts dataset spec uploads, tracks pipeline and flow status, and
// re-submits scheduled datasets.
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/datahq/flowmanager/internal/api"
	"github.com/datahq/flowmanager/internal/auth"
	"github.com/datahq/flowmanager/internal/config"
	"github.com/datahq/flowmanager/internal/events"
	"github.com/datahq/flowmanager/internal/fanout"
	"github.com/datahq/flowmanager/internal/flow"
	"github.com/datahq/flowmanager/internal/incidents"
	"github.com/datahq/flowmanager/internal/pkgstore"
	"github.com/datahq/flowmanager/internal/planner"
	"github.com/datahq/flowmanager/internal/postgres"
	"github.com/datahq/flowmanager/internal/runner"
	"github.com/datahq/flowmanager/internal/scheduler"
	"github.com/datahq/flowmanager/internal/search"
)

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	// Validate listen address format (host:port).
	if addr := os.Getenv("FLOWMANAGER_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("FLOWMANAGER_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
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
	if v := os.Getenv("PKGSTORE_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Sprintf("PKGSTORE_TIMEOUT=%q: must be a valid Go duration (e.g. 10s, 2m) (%v)", v, err))
		}
	}

	// Validate URL-typed env vars.
	if v := os.Getenv("INCIDENTS_SLACK_WEBHOOK"); v != "" {
		if _, err := url.ParseRequestURI(v); err != nil {
			errs = append(errs, fmt.Sprintf("INCIDENTS_SLACK_WEBHOOK=%q: must be a valid URL (%v)", v, err))
		}
	}

	// Validate address env vars (URL or host:port).
	for _, name := range []string{"AUTH_SERVER", "RUNNER_ADDR", "PLANNER_ADDR", "EVENTS_ELASTICSEARCH_HOST", "PKGSTORE_ENDPOINT"} {
		if v := os.Getenv(name); v != "" {
			if _, err := url.ParseRequestURI(v); err != nil {
				if _, _, err2 := net.SplitHostPort(v); err2 != nil {
					errs = append(errs, fmt.Sprintf("%s=%q: must be a URL or host:port (%v)", name, v, err2))
				}
			}
		}
	}

	return errs
}

// warnDefaultCredentials logs security warnings when object-store or Postgres
// credentials appear to be well-known defaults. These are safe for local
// development but dangerous in production deployments.
func warnDefaultCredentials() {
	access := os.Getenv("PKGSTORE_ACCESS_KEY")
	secret := os.Getenv("PKGSTORE_SECRET_KEY")
	if access == "minioadmin" || secret == "minioadmin" {
		slog.Warn("package store credentials are set to default values (minioadmin) — change these for production deployments")
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if u, err := url.Parse(dbURL); err == nil && u.User != nil {
			user := u.User.Username()
			pass, _ := u.User.Password()
			if (user == "flowmanager" && pass == "flowmanager") || (user == "postgres" && pass == "postgres") {
				slog.Warn("database credentials appear to be defaults — change these for production deployments",
					"user", user)
			}
		}
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /flowmanagerd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Context-aware slog handler so request_id lands on every record logged
	// inside a request context.
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(api.NewContextHandler(baseHandler)))

	// Validate critical environment variables before wiring anything.
	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	// Load config: FLOWMANAGER_CONFIG env > ./flowmanager.yaml > defaults.
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

	// Postgres is required — the FlowRegistry is the source of truth.
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
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	registry := postgres.NewFlowRegistry(pool)

	srv := &api.Server{
		Prefix:   cfg.Prefix,
		DBHealth: postgres.NewHealthChecker(pool),
	}
	if prefix := os.Getenv("FLOWMANAGER_PREFIX"); prefix != "" {
		srv.Prefix = prefix
	}
	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	svc := &flow.Service{
		Registry:     registry,
		AllowedTypes: cfg.AllowedTypes,
		Verbosity:    cfg.Verbosity,
	}
	if v := os.Getenv("FLOWMANAGER_VERBOSITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 2 {
			slog.Error("invalid FLOWMANAGER_VERBOSITY", "value", v)
			os.Exit(1)
		}
		svc.Verbosity = n
	}

	// Planner and runner are required collaborators.
	plannerAddr := os.Getenv("PLANNER_ADDR")
	runnerAddr := os.Getenv("RUNNER_ADDR")
	if plannerAddr == "" || runnerAddr == "" {
		slog.Error("PLANNER_ADDR and RUNNER_ADDR are required")
		os.Exit(1)
	}
	svc.Planner = planner.New(plannerAddr)
	svc.Runner = runner.NewHTTPRunner(runnerAddr)
	slog.Info("planner and runner initialized", "planner_addr", plannerAddr, "runner_addr", runnerAddr)

	// JWT verifyer: fetches the auth server's RSA public key once at startup.
	authServer := os.Getenv("AUTH_SERVER")
	if authServer == "" {
		slog.Error("AUTH_SERVER is required")
		os.Exit(1)
	}
	verifyer, err := auth.NewJWTVerifyer(ctx, authServer)
	if err != nil {
		slog.Error("failed to initialize token verifyer", "auth_server", authServer, "error", err)
		os.Exit(1)
	}
	svc.Verifyer = verifyer
	slog.Info("token verifyer initialized", "auth_server", authServer)

	// Elasticsearch sinks: events bus and dataset catalog indexer.
	if esHost := os.Getenv("EVENTS_ELASTICSEARCH_HOST"); esHost != "" {
		eventsIndex := cfg.EventsIndex
		if v := os.Getenv("EVENTS_INDEX_NAME"); v != "" {
			eventsIndex = v
		}
		sink, err := events.NewESSink(esHost, eventsIndex)
		if err != nil {
			slog.Error("failed to connect to elasticsearch", "error", err)
			os.Exit(1)
		}
		svc.Events = sink
		srv.EventsHealth = sink

		datasetsIndex := cfg.DatasetsIndex
		if v := os.Getenv("DATASETS_INDEX_NAME"); v != "" {
			datasetsIndex = v
		}
		indexer, err := search.NewESIndexer(esHost, datasetsIndex)
		if err != nil {
			slog.Error("failed to create dataset indexer", "error", err)
			os.Exit(1)
		}
		if err := indexer.EnsureIndex(ctx); err != nil {
			slog.Error("failed to ensure dataset index", "error", err)
			os.Exit(1)
		}
		svc.Index = indexer
		slog.Info("elasticsearch sinks initialized", "host", esHost)
	} else {
		slog.Warn("EVENTS_ELASTICSEARCH_HOST not set, running without events and search indexing")
	}

	// Slack incident reporter.
	if webhook := os.Getenv("INCIDENTS_SLACK_WEBHOOK"); webhook != "" {
		svc.Incidents = incidents.NewSlackReporter(webhook, os.Getenv("INCIDENTS_SLACK_CHANNEL"))
		slog.Info("incident reporter initialized")
	} else {
		slog.Warn("INCIDENTS_SLACK_WEBHOOK not set, running without incident reporting")
	}

	// Package store for datapackage.json descriptors of finished flows.
	if endpoint := os.Getenv("PKGSTORE_ENDPOINT"); endpoint != "" {
		bucket := os.Getenv("PKGSTORE_BUCKET")
		if bucket == "" {
			bucket = "pkgstore"
		}
		storeCfg := pkgstore.S3Config{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("PKGSTORE_ACCESS_KEY"),
			SecretKey: os.Getenv("PKGSTORE_SECRET_KEY"),
			Bucket:    bucket,
			UseSSL:    os.Getenv("PKGSTORE_USE_SSL") == "true",
		}
		if v := os.Getenv("PKGSTORE_TIMEOUT"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				slog.Error("invalid PKGSTORE_TIMEOUT", "value", v, "error", err)
				os.Exit(1)
			}
			storeCfg.Timeout = d
		}
		store, err := pkgstore.NewS3Store(storeCfg)
		if err != nil {
			slog.Error("failed to connect to package store", "error", err)
			os.Exit(1)
		}
		svc.Descriptors = store
		srv.StorageHealth = store
		slog.Info("package store initialized", "endpoint", endpoint, "bucket", bucket)
	} else {
		slog.Warn("PKGSTORE_ENDPOINT not set, running without descriptor indexing")
	}

	// Single-worker background executor for terminal side effects.
	executor := fanout.New(fanout.DefaultQueueSize)
	executor.Start(ctx)
	svc.Background = executor

	srv.Flows = svc

	// Scheduler: sweeps due datasets and re-submits them.
	// Set SCHEDULER_ENABLED=false to run a pure API replica.
	var sched *scheduler.Scheduler
	if os.Getenv("SCHEDULER_ENABLED") != "false" {
		sched = scheduler.New(registry, svc)
		sched.Start(ctx)
		slog.Info("scheduler started")
	} else {
		slog.Info("scheduler disabled (SCHEDULER_ENABLED=false)")
	}

	warnDefaultCredentials()

	router := api.NewRouter(srv)

	// Listen address: FLOWMANAGER_LISTEN_ADDR > PORT (legacy) > default :8080.
	addr := ":8080"
	if listenAddr := os.Getenv("FLOWMANAGER_LISTEN_ADDR"); listenAddr != "" {
		addr = listenAddr
	} else if port := os.Getenv("PORT"); port != "" {
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
	slog.Info("starting flowmanagerd", "addr", addr, "version", api.Version)

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

	// Ordered cleanup: scheduler → background executor → database pool.
	if sched != nil {
		sched.Stop()
		slog.Info("scheduler stopped")
	}
	executor.Stop()
	slog.Info("background executor stopped")
	pool.Close()
	slog.Info("database pool closed")

	slog.Info("flowmanagerd shutdown complete")
}

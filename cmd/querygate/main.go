package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guillermoBallester/querygate/internal/adapter/catalog"
	"github.com/guillermoBallester/querygate/internal/adapter/mcp"
	"github.com/guillermoBallester/querygate/internal/adapter/postgres"
	"github.com/guillermoBallester/querygate/internal/adapter/rest"
	"github.com/guillermoBallester/querygate/internal/audit"
	"github.com/guillermoBallester/querygate/internal/config"
	"github.com/guillermoBallester/querygate/internal/core/domain"
	"github.com/guillermoBallester/querygate/internal/core/port"
	"github.com/guillermoBallester/querygate/internal/core/service"
	"github.com/guillermoBallester/querygate/internal/scheduler"
	"github.com/guillermoBallester/querygate/internal/telemetry"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
)

var version = "dev"

const serviceName = "querygate"

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	overrides, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr: stdout is reserved for the MCP stdio transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	logger.Info("starting querygate",
		slog.String("version", version),
		slog.String("log_level", cfg.LogLevel.String()),
		slog.String("catalog_file", cfg.CatalogFile),
		slog.String("transport", cfg.Transport),
		slog.Bool("dry_run", cfg.DryRun),
		slog.Bool("explain_only", cfg.ExplainOnly),
		slog.Int64("max_scan_bytes", cfg.MaxScanBytes),
		slog.Int("max_rows", cfg.MaxRows),
		slog.String("query_timeout", cfg.QueryTimeout.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Telemetry
	tracer := telemetry.NoopTracer()
	var inst port.Instrumentation = telemetry.NoopInstruments()
	if cfg.OTelEnabled {
		provider, err := telemetry.Init(ctx, telemetry.Options{
			ServiceName: serviceName,
			Version:     version,
			SampleRatio: cfg.OTelSampleRatio,
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()
		tracer = otel.Tracer(serviceName)
		inst = telemetry.NewInstruments()
		logger.Info("opentelemetry enabled", slog.Float64("sample_ratio", cfg.OTelSampleRatio))
	}

	// Policy
	store, err := catalog.NewStore(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	validator, err := domain.NewSafetyValidator(store)
	if err != nil {
		return err
	}
	logger.Info("catalog loaded",
		slog.String("file", cfg.CatalogFile),
		slog.String("version", store.Current().Version()),
		slog.Int("tables", len(store.Current().Tables())),
	)

	// Audit
	auditor, err := newAuditor(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditor.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	}()

	// Database (optional)
	opts := []service.Option{service.WithScanBudget(cfg.MaxScanBytes)}
	var executor port.QueryExecutor
	if cfg.HasDatabase() {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{
			MaxConns:        cfg.PoolMaxConns,
			MinConns:        cfg.PoolMinConns,
			MaxConnLifetime: cfg.PoolMaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		logger.Info("database pool connected",
			slog.String("db.system", "postgresql"),
			slog.String("database_url", redactDSN(cfg.DatabaseURL)),
		)

		var execOpts []postgres.ExecutorOption
		if cfg.ExplainOnly {
			execOpts = append(execOpts, postgres.WithExplainOnly())
			opts = append(opts, service.WithExplainOnly())
			logger.Info("explain-only mode: admitted queries return plans, not rows")
		}
		executor = postgres.NewExecutor(pool, cfg.MaxRows, cfg.QueryTimeout, execOpts...)
		opts = append(opts, service.WithVolumeSource(postgres.NewVolumeReader(pool, store.Schemas)))
	} else {
		logger.Info("no database configured, serving validation only")
	}

	querySvc := service.NewQueryService(validator, executor, auditor, logger, tracer, inst, opts...)
	if err := querySvc.RefreshVolumes(ctx); err != nil {
		logger.Warn("using catalog table volumes", slog.String("error", err.Error()))
	}

	if cfg.HasDatabase() && cfg.VolumeRefreshSchedule != "" {
		sched := scheduler.New(logger)
		if err := sched.Add(ctx, "refresh_volumes", cfg.VolumeRefreshSchedule, querySvc.RefreshVolumes); err != nil {
			return fmt.Errorf("scheduling volume refresh: %w", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadOnSignal(ctx, hup, store, querySvc, logger)

	// MCP server with tool handlers.
	mcpServer := mcp.NewServer(version, querySvc, logger, tracer, inst)

	switch cfg.Transport {
	case "http":
		return serveHTTP(ctx, cfg, mcpServer, rest.NewHandler(querySvc, store, logger), logger)
	default:
		stdioServer := mcpserver.NewStdioServer(mcpServer)

		logger.Info("serving MCP over stdio")
		if err := stdioServer.Listen(ctx, os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("stdio server: %w", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// reloadOnSignal reloads the catalog each time a signal arrives on sig. A
// rejected file leaves the active snapshot in place.
func reloadOnSignal(ctx context.Context, sig <-chan os.Signal, store *catalog.Store, svc *service.QueryService, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			cat, err := store.Reload()
			if err != nil {
				logger.Error("catalog reload rejected, keeping active snapshot",
					slog.String("version", cat.Version()),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("catalog reloaded",
				slog.String("version", cat.Version()),
				slog.Int("tables", len(cat.Tables())),
			)
			if err := svc.RefreshVolumes(ctx); err != nil {
				logger.Warn("keeping previous table volumes", slog.String("error", err.Error()))
			}
		}
	}
}

func parseFlags(args []string) (config.Overrides, error) {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)

	catalogFile := fs.String("catalog-file", "", "Path to the policy catalog YAML (env: CATALOG_FILE)")
	maxScanBytes := fs.Int64("max-scan-bytes", 0, "Scan budget ceiling in bytes, 0 disables it (env: MAX_SCAN_BYTES)")
	databaseURL := fs.String("database-url", "", "PostgreSQL connection URL; omit to serve validation only (env: DATABASE_URL)")
	maxRows := fs.Int("max-rows", 0, "Maximum rows returned per query (env: MAX_ROWS)")
	queryTimeout := fs.Duration("query-timeout", 0, "Query timeout (env: QUERY_TIMEOUT)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	transport := fs.String("transport", "", "Transport: stdio or http (env: TRANSPORT)")
	httpAddr := fs.String("http-addr", "", "Listen address for the http transport (env: HTTP_ADDR)")
	httpBearerToken := fs.String("http-bearer-token", "", "Bearer token required by the http transport (env: HTTP_BEARER_TOKEN)")
	auditLog := fs.String("audit-log", "", "Path to the NDJSON audit log (env: AUDIT_LOG)")
	poolMaxConns := fs.Int("pool-max-conns", 0, "Maximum pool connections (env: POOL_MAX_CONNS)")
	poolMinConns := fs.Int("pool-min-conns", 0, "Minimum pool connections (env: POOL_MIN_CONNS)")
	poolMaxConnLifetime := fs.Duration("pool-max-conn-lifetime", 0, "Maximum connection lifetime (env: POOL_MAX_CONN_LIFETIME)")
	otelEnabled := fs.Bool("otel", false, "Enable OpenTelemetry tracing and metrics (env: OTEL_ENABLED)")
	dryRun := fs.Bool("dry-run", false, "Validate only; never execute, even with a database configured")
	explainOnly := fs.Bool("explain-only", false, "Return query plans instead of rows for admitted queries")

	if err := fs.Parse(args); err != nil {
		return config.Overrides{}, err
	}
	if fs.NArg() > 0 {
		return config.Overrides{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	o := config.Overrides{
		OTelEnabled: *otelEnabled,
		DryRun:      *dryRun,
		ExplainOnly: *explainOnly,
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "catalog-file":
			o.CatalogFile = catalogFile
		case "max-scan-bytes":
			o.MaxScanBytes = maxScanBytes
		case "database-url":
			o.DatabaseURL = databaseURL
		case "max-rows":
			o.MaxRows = maxRows
		case "query-timeout":
			o.QueryTimeout = queryTimeout
		case "log-level":
			o.LogLevel = logLevel
		case "transport":
			o.Transport = transport
		case "http-addr":
			o.HTTPAddr = httpAddr
		case "http-bearer-token":
			o.HTTPBearerToken = httpBearerToken
		case "audit-log":
			o.AuditLog = auditLog
		case "pool-max-conns":
			o.PoolMaxConns, err = toInt32(f.Name, *poolMaxConns, err)
		case "pool-min-conns":
			o.PoolMinConns, err = toInt32(f.Name, *poolMinConns, err)
		case "pool-max-conn-lifetime":
			o.PoolMaxConnLifetime = poolMaxConnLifetime
		}
	})
	if err != nil {
		return config.Overrides{}, err
	}

	return o, nil
}

// toInt32 narrows a flag value, keeping the first error seen.
func toInt32(name string, v int, prev error) (*int32, error) {
	if prev != nil {
		return nil, prev
	}
	if v < 0 || v > math.MaxInt32 {
		return nil, fmt.Errorf("invalid --%s value %d: out of range", name, v)
	}
	n := int32(v)
	return &n, nil
}

// newAuditor returns every configured audit sink, or a no-op when none is.
func newAuditor(cfg *config.Config, logger *slog.Logger) (port.QueryAuditor, error) {
	var sinks audit.Multi
	if cfg.AuditLog != "" {
		fa, err := audit.NewFileAuditor(cfg.AuditLog)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		sinks = append(sinks, fa)
		logger.Info("audit log enabled", slog.String("file", cfg.AuditLog))
	}
	if len(cfg.AuditKafkaBrokers) > 0 {
		ka, err := audit.NewKafkaAuditor(audit.KafkaConfig{
			Brokers: cfg.AuditKafkaBrokers,
			Topic:   cfg.AuditKafkaTopic,
		}, logger)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("configuring kafka audit: %w", err)
		}
		sinks = append(sinks, ka)
		logger.Info("kafka audit enabled", slog.Any("brokers", cfg.AuditKafkaBrokers))
	}
	switch len(sinks) {
	case 0:
		return audit.NoopAuditor{}, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/justjake/pgactivity/pkg/activity"
	"github.com/justjake/pgactivity/pkg/backend"
	"github.com/justjake/pgactivity/pkg/config"
	"github.com/justjake/pgactivity/pkg/observability"
	"github.com/justjake/pgactivity/pkg/tag"
	"github.com/justjake/pgactivity/pkg/timeout"
)

type globalOptions struct {
	configPath       string
	database         string
	databaseURL      string
	statementTimeout string
	jsonLogs         bool
	logLevel         string
}

// app holds what the subcommands share: configuration, logging, metrics
// and, once connect has run, the single connection every query goes
// through. The reader excludes that connection's backend from listings.
type app struct {
	opts   globalOptions
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg      *config.Config
	secrets  *config.SecretCache
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracing  *observability.TracerProvider

	db      *backend.Database
	conn    *pgxpool.Conn
	guard   *timeout.Guard
	reader  *activity.Reader
	control *backend.Controller

	releaseTag func()
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: slog.New(slog.NewTextHandler(stderr, nil)),
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, usageError("unknown log level %q (expected debug, info, warn, or error)", s)
	}
	return l, nil
}

// setup builds the logger and loads configuration. It does not connect.
func (a *app) setup() error {
	level, err := parseLevel(a.opts.logLevel)
	if err != nil {
		return err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if a.opts.jsonLogs {
		handler = slog.NewJSONHandler(a.stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(a.stderr, handlerOpts)
	}
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)

	a.cfg = &config.Config{}
	if a.opts.configPath != "" {
		a.cfg, err = config.ReadConfigFile(a.opts.configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if a.opts.databaseURL != "" {
		if a.cfg.Databases == nil {
			a.cfg.Databases = map[string]config.DatabaseConfig{}
		}
		name := a.opts.database
		if name == "" {
			name = config.DefaultDatabase
		}
		db := a.cfg.Databases[name]
		db.URL = &config.SecretRef{InsecureValue: a.opts.databaseURL}
		db.Host, db.Database, db.User = "", "", nil
		a.cfg.Databases[name] = db
	}

	a.secrets = config.NewSecretCacheFromEnv()
	registry, reg := observability.NewRegistry(a.cfg.Prometheus)
	a.registry = registry
	a.metrics = observability.NewMetrics(reg)
	return nil
}

// connect validates configuration, opens the named database (or the
// default one) and prepares the reader and controller.
func (a *app) connect(ctx context.Context, name string) error {
	if a.conn != nil {
		return nil
	}
	if len(a.cfg.Databases) == 0 {
		return usageError("no database configured: pass --database-url, set PGACTIVITY_DATABASE_URL, or use --config")
	}
	if err := a.cfg.Validate(ctx, a.secrets); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	dbCfg, err := a.cfg.Database(name)
	if err != nil {
		return usageError("%v", err)
	}

	a.tracing, err = observability.NewTracerProvider(ctx, a.cfg.OpenTelemetry)
	if err != nil {
		return err
	}

	if name == "" {
		name = config.DefaultDatabase
	}
	a.db, err = backend.Open(ctx, name, dbCfg, a.secrets, a.logger)
	if err != nil {
		return err
	}
	a.conn, err = a.db.Acquire(ctx)
	if err != nil {
		return err
	}

	if a.opts.statementTimeout != "" {
		d, err := timeout.ParseDuration(a.opts.statementTimeout)
		if err != nil {
			return usageError("--statement-timeout: %v", err)
		}
		session := timeout.NewSession(a.conn.Conn(), timeout.WithLogger(a.logger), timeout.WithMetrics(a.metrics))
		if a.guard, err = session.Enter(ctx, d); err != nil {
			return err
		}
	}

	tagOpts := []tag.Option{tag.WithMetrics(a.metrics)}
	if otelCfg := a.cfg.OpenTelemetry; otelCfg != nil && otelCfg.TagTraceparent {
		tagOpts = append(tagOpts, tag.WithTraceContext())
	}
	q := tag.Wrap(a.conn, tagOpts...)
	tracer := a.tracing.Tracer(observability.TracerName)

	a.reader = activity.NewReader(q,
		activity.WithLogger(a.logger),
		activity.WithMetrics(a.metrics),
		activity.WithTracer(tracer))
	a.control = backend.NewController(q,
		backend.WithLogger(a.logger),
		backend.WithMetrics(a.metrics),
		backend.WithTracer(tracer))
	return nil
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.guard != nil {
		errs = append(errs, a.guard.Release(ctx))
	}
	if a.conn != nil {
		a.conn.Release()
	}
	if a.db != nil {
		a.db.Close()
	}
	errs = append(errs, a.tracing.Shutdown(ctx))
	if a.releaseTag != nil {
		a.releaseTag()
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}

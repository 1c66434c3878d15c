package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
	zerologadapter "github.com/mihaimyh/goreconcile/pkg/reconcile/logger/zerolog"
	prommetrics "github.com/mihaimyh/goreconcile/pkg/reconcile/metrics/prometheus"
	"github.com/mihaimyh/goreconcile/storage/postgres"
	redisstore "github.com/mihaimyh/goreconcile/storage/redis"
)

const (
	metricsNamespace = "goreconcile"
	lockPrefix       = "goreconcile:"
	pushTimeout      = 10 * time.Second
)

// app holds the dependencies shared by the job commands.
type app struct {
	cfg      *Config
	job      string
	zlog     zerolog.Logger
	logger   *zerologadapter.Logger
	registry *prometheus.Registry
	metrics  reconcile.Metrics
	store    *postgres.Storage
	redis    *redisstore.Storage
	locker   reconcile.Locker
}

// newLogger builds the process logger. Logs always go to w (stderr in
// production) so stdout carries only the JSON summary.
func newLogger(cfg *Config, w io.Writer, job string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := w
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", "goreconcile").
		Str("job", job).
		Logger()
}

// newApp connects the store and, when configured, Redis.
func newApp(ctx context.Context, cfg *Config, job string, logOut io.Writer) (*app, error) {
	zlog := newLogger(cfg, logOut, job)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	rt := &app{
		cfg:      cfg,
		job:      job,
		zlog:     zlog,
		logger:   zerologadapter.NewLogger(zlog),
		registry: registry,
		metrics:  prommetrics.NewMetrics(registry, metricsNamespace),
	}

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	rt.store = store
	rt.locker = store

	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rs, err := redisstore.New(goredis.NewClient(opts), redisstore.DefaultConfig())
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.redis = rs
		rt.locker = rs
	}

	return rt, nil
}

// Close releases connections.
func (rt *app) Close() {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.zlog.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// lock takes the job's run lock. held is true when another run owns it.
func (rt *app) lock(ctx context.Context) (release func(), held bool, err error) {
	release, err = rt.locker.TryLock(ctx, lockPrefix+rt.job)
	if errors.Is(err, reconcile.ErrLockHeld) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return release, false, nil
}

// pushMetrics sends the run's metrics to the Pushgateway when configured.
// A push failure is logged and never fails the job.
func (rt *app) pushMetrics() {
	if rt.cfg.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	err := push.New(rt.cfg.PushgatewayURL, metricsNamespace).
		Gatherer(rt.registry).
		Grouping("job_name", rt.job).
		PushContext(ctx)
	if err != nil {
		rt.zlog.Warn().Err(err).Str("pushgateway", rt.cfg.PushgatewayURL).Msg("failed to push metrics")
	}
}

// lockHeldSummary is printed when another run owns the job lock.
type lockHeldSummary struct {
	Job     string `json:"job"`
	Skipped string `json:"skipped"`
}

// writeJSON writes v as one JSON document followed by a newline.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

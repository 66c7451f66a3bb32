package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xraph/vmledger"
	audithook "github.com/xraph/vmledger/audit_hook"
	"github.com/xraph/vmledger/internal/config"
	"github.com/xraph/vmledger/locker"
	"github.com/xraph/vmledger/observability"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/store/badger"
	"github.com/xraph/vmledger/store/memory"
	"github.com/xraph/vmledger/store/mongo"
	"github.com/xraph/vmledger/store/postgres"
	"github.com/xraph/vmledger/store/sqlite"
)

// openStore opens the backend selected by store.driver.
func openStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres:
		return postgres.Open(ctx, c.DSN)
	case config.DriverSQLite:
		return sqlite.Open(c.Path)
	case config.DriverMongo:
		return mongo.Open(ctx, c.DSN, c.Database)
	case config.DriverBadger:
		if c.Path == "" {
			return badger.OpenInMemory()
		}
		return badger.Open(c.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// runtime is an engine with the collaborators the configuration asked for.
type runtime struct {
	engine  *vmledger.Engine
	metrics *observability.PrometheusFactory
	closers []func() error
}

func (r *runtime) close(logger *slog.Logger) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
}

// buildRuntime wires the store, the account locker, metrics and the audit
// recorder into an engine. The engine is not started.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	rt := &runtime{}

	opts := []vmledger.Option{
		vmledger.WithConfig(cfg.Engine),
		vmledger.WithLogger(logger),
	}

	if cfg.Redis.URL != "" {
		client, err := locker.ParseURL(ctx, cfg.Redis.URL)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, client.Close)

		var lopts []locker.RedisOption
		if cfg.Redis.LockTTL > 0 {
			lopts = append(lopts, locker.WithTTL(cfg.Redis.LockTTL))
		}
		opts = append(opts, vmledger.WithLocker(locker.NewRedis(client, lopts...)))
		logger.Info("using redis account locks")
	}

	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.metrics = observability.NewPrometheusFactory(reg)
		opts = append(opts, vmledger.WithPlugin(observability.NewMetricsExtension(rt.metrics)))
	}

	var recorder audithook.Recorder = audithook.RecorderFunc(func(ctx context.Context, ev *audithook.AuditEvent) error {
		logger.LogAttrs(ctx, slog.LevelDebug, "audit event",
			slog.String("action", ev.Action),
			slog.String("resource", ev.Resource),
			slog.String("resource_id", ev.ResourceID),
			slog.String("outcome", ev.Outcome),
		)
		return nil
	})
	if cfg.NATS.URL != "" {
		var nopts []audithook.NATSOption
		if cfg.NATS.SubjectPrefix != "" {
			nopts = append(nopts, audithook.WithSubjectPrefix(cfg.NATS.SubjectPrefix))
		}
		nr, err := audithook.DialNATS(cfg.NATS.URL, logger, nopts...)
		if err != nil {
			rt.close(logger)
			_ = s.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, nr.Close)
		recorder = nr
		logger.Info("publishing audit events to nats", "url", cfg.NATS.URL)
	}
	opts = append(opts, vmledger.WithPlugin(audithook.New(recorder, audithook.WithLogger(logger))))

	rt.engine = vmledger.New(s, opts...)
	return rt, nil
}

package runengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/runengine/pkg/runengine/checkpoint"
	"github.com/randalmurphal/runengine/pkg/runengine/config"
	"github.com/randalmurphal/runengine/pkg/runengine/event"
	"github.com/randalmurphal/runengine/pkg/runengine/executor"
	"github.com/randalmurphal/runengine/pkg/runengine/loader"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
	"github.com/randalmurphal/runengine/pkg/runengine/observability"
	"github.com/randalmurphal/runengine/pkg/runengine/perf"
	"github.com/randalmurphal/runengine/pkg/runengine/statestore"
)

// System is an engine together with the infrastructure Open built for it.
type System struct {
	Engine  *Engine
	Store   statestore.Store
	Bus     event.Bus
	Logger  *slog.Logger
	Monitor *perf.Monitor
	// Metrics holds the perf monitor's Prometheus collectors. Nil when perf
	// is disabled.
	Metrics *prometheus.Registry

	redis       *redis.Client
	checkpoints *checkpoint.BlobStore
}

// Open builds a System from settings. Nil settings mean
// config.DefaultSettings. opts are applied after the options derived from
// settings and may override them.
func Open(ctx context.Context, s *config.Settings, ld loader.Loader, reg *navigator.Registry, exec executor.Executor, opts ...Option) (_ *System, err error) {
	if s == nil {
		s = config.DefaultSettings()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	logger, err := s.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	sys := &System{Logger: logger}
	defer func() {
		if err != nil {
			_ = sys.closeInfra()
		}
	}()

	switch s.Store.Driver {
	case config.StoreMemory:
		sys.Store = statestore.NewMemoryStore()
	default:
		cfg := statestore.DefaultConfig(s.Store.Driver, s.Store.DSN)
		if s.Store.MaxOpenConns > 0 {
			cfg.MaxOpenConns = s.Store.MaxOpenConns
		}
		if s.Store.MaxIdleConns > 0 {
			cfg.MaxIdleConns = s.Store.MaxIdleConns
		}
		if s.Store.ConnMaxLifetime > 0 {
			cfg.ConnMaxLifetime = s.Store.ConnMaxLifetime
		}
		store, err := statestore.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sys.Store = store
	}

	switch s.Bus.Transport {
	case config.TransportRedis:
		sys.redis = redis.NewClient(&redis.Options{
			Addr:     s.Bus.RedisAddr,
			Password: s.Bus.RedisPassword,
			DB:       s.Bus.RedisDB,
			// RESP2 without CLIENT SETINFO works against every server and
			// proxy the bus has been run with.
			Protocol:        2,
			DisableIdentity: true,
		})
		if err := sys.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", s.Bus.RedisAddr, err)
		}
		sys.Bus = event.NewRedisBus(sys.redis,
			event.WithChannelPrefix(s.Bus.ChannelPrefix),
			event.WithRedisLogger(logger),
		)
	default:
		sys.Bus = event.NewBus(event.BusConfig{BufferSize: s.Bus.BufferSize})
	}

	engineOpts := []Option{
		WithLogger(logger),
		WithStore(sys.Store),
		WithBus(sys.Bus),
		WithDefaults(s.Run),
		WithMetrics(observability.NewMetricsRecorder(nil)),
		WithSpans(observability.NewSpanManager(nil)),
	}
	if s.Checkpoint.BucketURL != "" {
		sys.checkpoints, err = checkpoint.NewBlobStore(ctx, s.Checkpoint.BucketURL, s.Checkpoint.Prefix)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, WithCheckpointStore(sys.checkpoints))
	}
	if s.Perf.Enabled {
		sys.Metrics = prometheus.NewRegistry()
		sys.Monitor = perf.NewMonitor(
			perf.WithBufferSize(s.Perf.BufferSize),
			perf.WithRegisterer(sys.Metrics),
			perf.WithLogger(logger),
		)
		engineOpts = append(engineOpts, WithMonitor(sys.Monitor))
	}

	sys.Engine, err = NewEngine(ld, reg, exec, append(engineOpts, opts...)...)
	if err != nil {
		return nil, err
	}
	return sys, nil
}

// Close shuts the engine down and releases everything Open created.
func (s *System) Close(ctx context.Context) error {
	var err error
	if s.Engine != nil {
		err = s.Engine.Shutdown(ctx)
	}
	return errors.Join(err, s.closeInfra())
}

func (s *System) closeInfra() error {
	var errs []error
	if s.Monitor != nil {
		s.Monitor.Close()
	}
	if s.Bus != nil {
		errs = append(errs, s.Bus.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.checkpoints != nil {
		errs = append(errs, s.checkpoints.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}

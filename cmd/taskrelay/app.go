package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"taskrelay/internal/broker"
	"taskrelay/internal/broker/redisbroker"
	"taskrelay/internal/codec"
	"taskrelay/internal/config"
	"taskrelay/internal/dispatch"
	"taskrelay/internal/handlers/arith"
	"taskrelay/internal/handlers/email"
	"taskrelay/internal/handlers/webhook"
	"taskrelay/internal/inspect"
	"taskrelay/internal/logging"
	"taskrelay/internal/metrics"
	"taskrelay/internal/queue"
	"taskrelay/internal/registry"
	"taskrelay/internal/results"
	"taskrelay/internal/scheduler"
	"taskrelay/internal/status"
	"taskrelay/internal/worker"
)

// app holds the components every command shares.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer
	codec     codec.Codec
	reg       *registry.Registry
	metrics   *metrics.Collector
	mgr       *broker.Manager
	safeURL   string

	dispatcher *dispatch.Dispatcher
	store      *results.Store
	resolver   *status.Resolver
	inspector  *inspect.Inspector
}

func newApp(cfgPath string, opts ...config.Option) (*app, error) {
	cfg, err := config.Load(cfgPath, opts...)
	if err != nil {
		return nil, err
	}
	c, err := codec.New(cfg.Task.Serializer)
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.Limits{Soft: cfg.Worker.SoftTimeLimit, Hard: cfg.Worker.HardTimeLimit})
	if err := registerTasks(reg); err != nil {
		return nil, err
	}

	dial, safeURL, err := dialer(cfg)
	if err != nil {
		return nil, err
	}

	// Logging comes last among the fallible steps so an early return never
	// leaves the file sink open.
	logger, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	m := metrics.NewCollector()
	mopts := cfg.ManagerOptions()
	mopts.OnStateChange = m.SetConnected
	mgr := broker.NewManager(dial, mopts, logging.Component(logger, "broker"))

	store := results.NewStore(mgr, c, cfg.Results.TTL)
	return &app{
		cfg:        cfg,
		log:        logger,
		logCloser:  closer,
		codec:      c,
		reg:        reg,
		metrics:    m,
		mgr:        mgr,
		safeURL:    safeURL,
		dispatcher: dispatch.New(mgr, reg, c, m, logging.Component(logger, "dispatch")),
		store:      store,
		resolver:   status.NewResolver(store),
		inspector:  inspect.NewInspector(mgr, cfg.Worker.InspectTimeout, logging.Component(logger, "inspect")),
	}, nil
}

func registerTasks(reg *registry.Registry) error {
	if err := arith.Register(reg); err != nil {
		return err
	}
	if err := email.Register(reg); err != nil {
		return err
	}
	return webhook.Register(reg, webhook.NewCaller(nil))
}

// dialer picks the backend and returns its dial func with the redacted URL
// that may be logged or shown on /health.
func dialer(cfg *config.Config) (broker.DialFunc, string, error) {
	switch cfg.Broker.Backend {
	case "sqlite":
		path := cfg.Broker.SQLitePath
		return func(context.Context) (broker.Broker, error) {
			return queue.Dial(path)
		}, "sqlite://" + path, nil
	default:
		d := cfg.Descriptor()
		safe, err := broker.SafeURL(d)
		if err != nil {
			return nil, "", err
		}
		opts := redisbroker.Options{Prefix: cfg.Broker.KeyPrefix, DialTimeout: cfg.Broker.DialTimeout}
		return func(context.Context) (broker.Broker, error) {
			b, err := redisbroker.Dial(d, opts)
			if err != nil {
				return nil, err
			}
			return b, nil
		}, safe, nil
	}
}

// connect blocks until the broker is reachable or the startup retries are
// spent, then keeps the connection supervised until ctx ends.
func (a *app) connect(ctx context.Context) error {
	a.log.Info().Str("broker", a.safeURL).Msg("connecting to broker")
	if err := a.mgr.Connect(ctx); err != nil {
		return err
	}
	go a.mgr.Watch(ctx)
	return nil
}

func (a *app) newPool() *worker.Pool {
	return worker.NewPool(a.mgr, a.reg, a.codec, a.store, a.metrics, worker.Config{
		ID:                a.cfg.Worker.ID,
		Concurrency:       a.cfg.Worker.Concurrency,
		PollInterval:      a.cfg.Worker.PollInterval,
		HeartbeatInterval: a.cfg.Worker.HeartbeatInterval,
	}, logging.Component(a.log, "worker"))
}

type purger interface {
	Purge(ctx context.Context) (int, error)
}

func (a *app) newScheduler() (*scheduler.Service, error) {
	entries := make([]scheduler.Entry, 0, len(a.cfg.Schedules))
	for _, s := range a.cfg.Schedules {
		entries = append(entries, scheduler.Entry{Name: s.Name, Cron: s.Cron, Task: s.Task, Args: s.Args})
	}
	svc, err := scheduler.NewService(a.dispatcher, a.reg, a.codec, entries, logging.Component(a.log, "scheduler"))
	if err != nil {
		return nil, err
	}
	if a.cfg.Broker.Backend == "sqlite" {
		err = svc.AddFunc("purge-expired", "@every 10m", func(ctx context.Context) error {
			b, err := a.mgr.Broker()
			if err != nil {
				return err
			}
			p, ok := b.(purger)
			if !ok {
				return nil
			}
			n, err := p.Purge(ctx)
			if err == nil && n > 0 {
				a.log.Info().Int("rows", n).Msg("purged expired records")
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (a *app) close() {
	if err := a.mgr.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing broker")
	}
	_ = a.logCloser.Close()
}

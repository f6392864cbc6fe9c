// Package worker pulls task messages off the broker, runs the registered
// handler under its time limits and writes exactly one terminal record per task.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"taskrelay/internal/broker"
	"taskrelay/internal/codec"
	"taskrelay/internal/domain"
	"taskrelay/internal/metrics"
	"taskrelay/internal/registry"
	"taskrelay/internal/results"
)

type Config struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// FinalizeBackoff and FinalizeMaxBackoff pace result writes retried
	// across a broker outage.
	FinalizeBackoff    time.Duration
	FinalizeMaxBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:        8,
		PollInterval:       time.Second,
		HeartbeatInterval:  2 * time.Second,
		FinalizeBackoff:    200 * time.Millisecond,
		FinalizeMaxBackoff: 5 * time.Second,
	}
}

// DefaultID names a worker after its host, in the form worker@host-1a2b3c4d.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("worker@%s-%s", host, uuid.NewString()[:8])
}

type Pool struct {
	cfg     Config
	src     broker.Source
	reg     *registry.Registry
	codec   codec.Codec
	results *results.Store
	metrics *metrics.Collector
	log     zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func NewPool(src broker.Source, reg *registry.Registry, c codec.Codec, store *results.Store, m *metrics.Collector, cfg Config, logger zerolog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.FinalizeBackoff <= 0 {
		cfg.FinalizeBackoff = def.FinalizeBackoff
	}
	if cfg.FinalizeMaxBackoff < cfg.FinalizeBackoff {
		cfg.FinalizeMaxBackoff = max(def.FinalizeMaxBackoff, cfg.FinalizeBackoff)
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	return &Pool{
		cfg:     cfg,
		src:     src,
		reg:     reg,
		codec:   c,
		results: store,
		metrics: m,
		log:     logger.With().Str("worker_id", cfg.ID).Logger(),
		active:  make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled and every slot has finished its current task.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info().Int("concurrency", p.cfg.Concurrency).Strs("tasks", p.reg.Names()).Msg("worker pool started")
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(ctx)
	}()
	wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, slot int) {
	log := p.log.With().Int("slot", slot).Logger()
	for ctx.Err() == nil {
		b, err := p.src.Broker()
		if err != nil {
			sleep(ctx, p.cfg.PollInterval)
			continue
		}
		body, err := b.Dequeue(ctx, p.cfg.PollInterval)
		if errors.Is(err, broker.ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("dequeue failed")
			sleep(ctx, p.cfg.PollInterval)
			continue
		}
		p.process(ctx, body, log)
	}
}

func (p *Pool) process(ctx context.Context, body []byte, log zerolog.Logger) {
	var msg domain.Message
	if err := p.codec.Unmarshal(body, &msg); err != nil || msg.ID == "" {
		log.Error().Err(err).Int("bytes", len(body)).Msg("discarding undecodable message")
		return
	}
	log = log.With().Str("task_id", msg.ID).Str("task", msg.Task).Logger()

	// the claimed task is finished and recorded even if shutdown starts meanwhile
	rctx := log.WithContext(context.WithoutCancel(ctx))
	started := time.Now().UTC()
	p.track(msg.ID, true)
	defer p.track(msg.ID, false)
	p.metrics.RecordStart()

	def, err := p.reg.Lookup(msg.Task)
	if err != nil {
		log.Error().Err(err).Msg("received unregistered task")
		p.finish(rctx, log, msg, started, registry.DefaultLimits().Hard, nil, err)
		return
	}
	if def.ReportsProgress {
		if err := p.results.Progress(rctx, msg.ID, started, 0, 1); err != nil {
			log.Warn().Err(err).Msg("failed to record task claim")
		}
	}
	log.Info().Msg("task received")
	val, err := p.execute(rctx, def, msg, started)
	p.finish(rctx, log, msg, started, def.HardLimit, val, err)
}

// finish writes the terminal record. The message is already off the queue, so
// while the broker is unreachable the write is retried for up to wait.
func (p *Pool) finish(ctx context.Context, log zerolog.Logger, msg domain.Message, started time.Time, wait time.Duration, val any, err error) {
	rec := domain.ResultRecord{TaskID: msg.ID, StartedAt: &started}
	if err == nil {
		rec.State = domain.StateSuccess
		rec.Payload = domain.Result{Value: val}
	} else {
		rec.State = domain.StateFailure
		rec.Payload = failureInfo(err)
	}

	ferr := p.finalize(ctx, log, rec, wait)
	if errors.Is(ferr, results.ErrEncode) && rec.State == domain.StateSuccess {
		rec.State = domain.StateFailure
		rec.Payload = domain.ErrorInfo{Kind: domain.KindHandlerError, Summary: "result is not serializable: " + ferr.Error()}
		ferr = p.finalize(ctx, log, rec, wait)
	}
	took := time.Since(started)
	p.metrics.RecordFinish(msg.Task, string(rec.State), took)

	switch {
	case errors.Is(ferr, broker.ErrAlreadyFinalized):
		log.Warn().Msg("task already finalized, result dropped")
	case ferr != nil:
		log.Error().Err(ferr).Str("state", string(rec.State)).Msg("failed to store task result")
	case err != nil:
		log.Error().Err(err).Dur("took", took).Msg("task failed")
	default:
		log.Info().Dur("took", took).Msg("task succeeded")
	}
}

func (p *Pool) finalize(ctx context.Context, log zerolog.Logger, rec domain.ResultRecord, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	b := retry.WithCappedDuration(p.cfg.FinalizeMaxBackoff, retry.NewExponential(p.cfg.FinalizeBackoff))
	var last error
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := p.results.Finalize(ctx, rec)
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			last = err
			log.Warn().Err(err).Msg("broker unavailable, retrying result write")
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && last != nil && ctx.Err() != nil {
		return last
	}
	return err
}

func (p *Pool) track(id string, running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if running {
		p.active[id] = struct{}{}
		return
	}
	delete(p.active, id)
}

// ActiveTasks returns the ids currently executing in this pool, sorted.
func (p *Pool) ActiveTasks() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

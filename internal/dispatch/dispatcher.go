// Package dispatch validates and enqueues task submissions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskrelay/internal/broker"
	"taskrelay/internal/codec"
	"taskrelay/internal/domain"
	"taskrelay/internal/metrics"
	"taskrelay/internal/registry"
)

type Dispatcher struct {
	src     broker.Source
	reg     *registry.Registry
	codec   codec.Codec
	metrics *metrics.Collector
	log     zerolog.Logger
	now     func() time.Time
	newID   func() string
}

func New(src broker.Source, reg *registry.Registry, c codec.Codec, m *metrics.Collector, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		src:     src,
		reg:     reg,
		codec:   c,
		metrics: m,
		log:     logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Submit enqueues name with args and returns as soon as the broker accepted
// the message. Unknown names and mismatched arguments are rejected before the
// broker is touched; a broker failure is returned as a BrokerUnavailableError
// and is not retried.
func (d *Dispatcher) Submit(ctx context.Context, name string, args ...any) (domain.TaskHandle, error) {
	def, err := d.reg.Lookup(name)
	if err != nil {
		d.metrics.RecordReject("unknown_task")
		return domain.TaskHandle{}, err
	}
	if args == nil {
		args = []any{}
	}
	if err := def.Validate(d.codec, args); err != nil {
		d.metrics.RecordReject("bad_arguments")
		return domain.TaskHandle{}, err
	}

	msg := domain.Message{
		ID:          d.newID(),
		Task:        name,
		Args:        args,
		SubmittedAt: d.now().UTC(),
	}
	body, err := d.codec.Marshal(msg)
	if err != nil {
		return domain.TaskHandle{}, fmt.Errorf("encode task %s: %w", name, err)
	}

	b, err := d.src.Broker()
	if err != nil {
		d.metrics.RecordReject("broker_unavailable")
		return domain.TaskHandle{}, err
	}
	if err := b.Enqueue(ctx, body); err != nil {
		d.metrics.RecordReject("broker_unavailable")
		if errors.Is(err, context.Canceled) {
			return domain.TaskHandle{}, err
		}
		return domain.TaskHandle{}, broker.Unavailable("enqueue", err)
	}

	d.metrics.RecordSubmit(name)
	d.log.Debug().Str("task_id", msg.ID).Str("task", name).Msg("task enqueued")
	return domain.TaskHandle{ID: msg.ID, Name: name, SubmittedAt: msg.SubmittedAt}, nil
}

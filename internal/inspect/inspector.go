// Package inspect reports which workers are alive and what they are running.
package inspect

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"taskrelay/internal/broker"
)

// Fleet is the inspection result. Degraded distinguishes "could not ask" from
// "nobody answered"; Workers is empty, never nil, in both cases.
type Fleet struct {
	Workers  map[string][]string `json:"workers"`
	Degraded bool                `json:"degraded"`
	Reason   string              `json:"reason,omitempty"`
}

// WorkerIDs returns the worker ids in sorted order.
func (f Fleet) WorkerIDs() []string {
	ids := make([]string, 0, len(f.Workers))
	for id := range f.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type Inspector struct {
	src     broker.Source
	timeout time.Duration
	log     zerolog.Logger
}

func NewInspector(src broker.Source, timeout time.Duration, logger zerolog.Logger) *Inspector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Inspector{src: src, timeout: timeout, log: logger}
}

// ListActiveWorkers maps each live worker to its active task ids. It never
// fails; an unreachable broker yields an empty, degraded fleet.
func (i *Inspector) ListActiveWorkers(ctx context.Context) Fleet {
	fleet := Fleet{Workers: map[string][]string{}}
	b, err := i.src.Broker()
	if err != nil {
		return degraded(fleet, err)
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	beats, err := b.Heartbeats(ctx)
	if err != nil {
		i.log.Warn().Err(err).Msg("worker inspection failed")
		return degraded(fleet, err)
	}
	for _, hb := range beats {
		ids := append([]string{}, hb.ActiveTaskIDs...)
		sort.Strings(ids)
		fleet.Workers[hb.WorkerID] = ids
	}
	return fleet
}

func degraded(f Fleet, err error) Fleet {
	f.Degraded = true
	f.Reason = err.Error()
	return f
}

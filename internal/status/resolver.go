// Package status turns a task id into one of the observable task states.
package status

import (
	"context"
	"fmt"
	"time"

	"taskrelay/internal/domain"
)

// RecordReader is the read side of the result store.
type RecordReader interface {
	Get(ctx context.Context, id string) (domain.ResultRecord, bool, error)
}

// View is what a poller sees for one task id.
type View struct {
	TaskID     string
	State      domain.State
	Payload    domain.Payload
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Describe gives a one-line human description of the view.
func (v View) Describe() string {
	switch p := v.Payload.(type) {
	case domain.Progress:
		return fmt.Sprintf("task running (%d/%d)", p.Current, p.Total)
	case domain.Result:
		return "task succeeded"
	case domain.ErrorInfo:
		return "task failed: " + p.Summary
	}
	return "task pending or unknown; make sure a worker is running"
}

type Resolver struct {
	records RecordReader
}

func NewResolver(records RecordReader) *Resolver {
	return &Resolver{records: records}
}

// Resolve reads the record for id. Ids with no live record, whether never
// submitted, not yet claimed or expired, resolve to PENDING with no payload.
// Broker failures are returned, never mapped to a state.
func (r *Resolver) Resolve(ctx context.Context, id string) (View, error) {
	rec, found, err := r.records.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if !found {
		return View{TaskID: id, State: domain.StatePending}, nil
	}
	return View{
		TaskID:     id,
		State:      rec.State,
		Payload:    rec.Payload,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}, nil
}

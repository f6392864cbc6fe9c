// Package results reads and writes task result records on the broker's
// key-value side. Records expire after a TTL; an expired record reads as
// absent even if the backend has not evicted it yet.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskrelay/internal/broker"
	"taskrelay/internal/codec"
	"taskrelay/internal/domain"
)

const DefaultTTL = time.Hour

// ErrEncode wraps failures to serialize a record, typically a result value the
// codec cannot represent.
var ErrEncode = errors.New("encode result")

type Store struct {
	src   broker.Source
	codec codec.Codec
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now; used by tests to step past expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(src broker.Source, c codec.Codec, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{src: src, codec: c, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Progress writes a PROGRESS record for id.
func (s *Store) Progress(ctx context.Context, id string, startedAt time.Time, current, total int64) error {
	return s.put(ctx, domain.ResultRecord{
		TaskID:    id,
		State:     domain.StateProgress,
		Payload:   domain.Progress{Current: current, Total: total},
		StartedAt: &startedAt,
	})
}

// Finalize writes the terminal record for rec.TaskID, stamping FinishedAt and
// ExpiresAt. It returns broker.ErrAlreadyFinalized if another terminal write won.
func (s *Store) Finalize(ctx context.Context, rec domain.ResultRecord) error {
	if !rec.State.Terminal() {
		return fmt.Errorf("finalize %s: state %s is not terminal", rec.TaskID, rec.State)
	}
	if e, ok := rec.Payload.(domain.ErrorInfo); ok && e.Summary == "" {
		return fmt.Errorf("finalize %s: failure without summary", rec.TaskID)
	}
	return s.put(ctx, rec)
}

func (s *Store) put(ctx context.Context, rec domain.ResultRecord) error {
	now := s.now()
	if rec.State.Terminal() && rec.FinishedAt == nil {
		rec.FinishedAt = &now
	}
	base := now
	if rec.FinishedAt != nil {
		base = *rec.FinishedAt
	}
	rec.ExpiresAt = base.Add(s.ttl)

	body, err := s.codec.Marshal(toWire(rec))
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrEncode, rec.TaskID, err)
	}
	b, err := s.src.Broker()
	if err != nil {
		return err
	}
	if err := b.StoreResult(ctx, rec.TaskID, body, rec.State.Terminal(), s.ttl); err != nil {
		return broker.Unavailable("store result", err)
	}
	return nil
}

// Get returns the live record for id. found is false for absent and expired records.
func (s *Store) Get(ctx context.Context, id string) (rec domain.ResultRecord, found bool, err error) {
	b, err := s.src.Broker()
	if err != nil {
		return domain.ResultRecord{}, false, err
	}
	body, err := b.LoadResult(ctx, id)
	if errors.Is(err, broker.ErrNoResult) {
		return domain.ResultRecord{}, false, nil
	}
	if err != nil {
		return domain.ResultRecord{}, false, broker.Unavailable("load result", err)
	}
	var w wireRecord
	if err := s.codec.Unmarshal(body, &w); err != nil {
		return domain.ResultRecord{}, false, fmt.Errorf("decode result %s: %w", id, err)
	}
	rec = w.record()
	if rec.Expired(s.now()) {
		return domain.ResultRecord{}, false, nil
	}
	return rec, true, nil
}

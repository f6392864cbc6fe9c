package broker

import (
	"context"
	"errors"
	"time"

	"taskrelay/internal/domain"
)

var (
	// ErrNoMessage is returned by Dequeue when the wait elapsed with an empty queue.
	ErrNoMessage = errors.New("no message ready")
	// ErrNoResult is returned by LoadResult for absent or expired records.
	ErrNoResult = errors.New("no result stored")
	// ErrAlreadyFinalized is returned by StoreResult when the id already holds a
	// terminal record.
	ErrAlreadyFinalized = errors.New("result already finalized")
)

// Broker is the queue plus key-value contract the dispatcher, workers and
// pollers rely on. Message and record bodies are opaque, codec-encoded bytes.
type Broker interface {
	Ping(ctx context.Context) error

	// Enqueue appends body to the task queue in one atomic operation.
	Enqueue(ctx context.Context, body []byte) error
	// Dequeue atomically removes the oldest message, waiting up to wait for one.
	Dequeue(ctx context.Context, wait time.Duration) ([]byte, error)

	// StoreResult writes the record for id with the given TTL. It fails with
	// ErrAlreadyFinalized, without writing, if the stored record is terminal.
	StoreResult(ctx context.Context, id string, body []byte, terminal bool, ttl time.Duration) error
	LoadResult(ctx context.Context, id string) ([]byte, error)

	Heartbeat(ctx context.Context, hb domain.WorkerHeartbeat, ttl time.Duration) error
	Heartbeats(ctx context.Context) ([]domain.WorkerHeartbeat, error)

	Close() error
}

// Source hands out the live broker, or an unavailable error while disconnected.
type Source interface {
	Broker() (Broker, error)
}

package domain

import "time"

// State is the observable lifecycle state of a task.
type State string

const (
	StatePending  State = "PENDING"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// TaskHandle is returned by a successful submission and is never mutated.
type TaskHandle struct {
	ID          string    `json:"task_id"`
	Name        string    `json:"name"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Message is the envelope carried on the broker queue.
type Message struct {
	ID          string    `json:"id" yaml:"id"`
	Task        string    `json:"task" yaml:"task"`
	Args        []any     `json:"args" yaml:"args"`
	SubmittedAt time.Time `json:"submitted_at" yaml:"submitted_at"`
}

// Payload is the state-dependent content of a result record. It is one of
// Progress, Result or ErrorInfo.
type Payload interface {
	payload()
}

type Progress struct {
	Current int64 `json:"current" yaml:"current"`
	Total   int64 `json:"total" yaml:"total"`
}

type Result struct {
	Value any `json:"value" yaml:"value"`
}

// ErrorKind classifies why a task ended in FAILURE.
type ErrorKind string

const (
	KindHandlerError  ErrorKind = "handler_error"
	KindPanic         ErrorKind = "panic"
	KindSoftTimeLimit ErrorKind = "soft_time_limit"
	KindTimeLimit     ErrorKind = "time_limit"
	KindUnknownTask   ErrorKind = "unknown_task"
	KindBadArguments  ErrorKind = "bad_arguments"
)

type ErrorInfo struct {
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Summary string    `json:"summary" yaml:"summary"`
}

func (Progress) payload()  {}
func (Result) payload()    {}
func (ErrorInfo) payload() {}

// ResultRecord is the stored outcome of one task id.
type ResultRecord struct {
	TaskID     string
	State      State
	Payload    Payload
	StartedAt  *time.Time
	FinishedAt *time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the record must be treated as absent at now.
func (r ResultRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// WorkerHeartbeat is the liveness beacon a worker publishes on the broker.
type WorkerHeartbeat struct {
	WorkerID      string    `json:"worker_id"`
	ActiveTaskIDs []string  `json:"active_task_ids"`
	LastSeen      time.Time `json:"last_seen"`
}

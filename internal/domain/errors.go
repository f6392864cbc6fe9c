package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBrokerUnavailable matches every BrokerUnavailableError.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrSoftTimeLimit is the context cause delivered to a handler at its soft limit.
	ErrSoftTimeLimit = errors.New("soft time limit exceeded")
	// ErrHardTimeLimit matches a TaskTimeoutError for the hard limit.
	ErrHardTimeLimit = errors.New("hard time limit exceeded")
)

// ConfigError reports malformed connection or process parameters.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// BrokerUnavailableError is returned by operations that could not reach the broker.
type BrokerUnavailableError struct {
	Op  string
	Err error
}

func (e *BrokerUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: broker unavailable", e.Op)
	}
	return fmt.Sprintf("%s: broker unavailable: %v", e.Op, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }

func (e *BrokerUnavailableError) Is(target error) bool { return target == ErrBrokerUnavailable }

// TaskTimeoutError reports that a handler ran past one of its limits.
type TaskTimeoutError struct {
	Limit time.Duration
	Hard  bool
}

func (e *TaskTimeoutError) Error() string {
	if e.Hard {
		return fmt.Sprintf("TimeLimitExceeded(%s)", e.Limit)
	}
	return fmt.Sprintf("SoftTimeLimitExceeded(%s)", e.Limit)
}

func (e *TaskTimeoutError) Is(target error) bool {
	if e.Hard {
		return target == ErrHardTimeLimit
	}
	return target == ErrSoftTimeLimit
}

// HandlerExecutionError wraps anything a task handler returned or panicked with.
type HandlerExecutionError struct {
	Task  string
	Err   error
	Panic bool
}

func (e *HandlerExecutionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("task %s panicked: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q already registered", e.Name)
}

type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("task %q is not registered", e.Name)
}

// ArgumentError reports arguments whose count or shape does not match the
// registered handler.
type ArgumentError struct {
	Task   string
	Index  int
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("task %s: %s", e.Task, e.Reason)
	}
	return fmt.Sprintf("task %s: argument %d: %s", e.Task, e.Index, e.Reason)
}

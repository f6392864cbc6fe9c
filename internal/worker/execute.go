package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
)

type outcome struct {
	val any
	err error
}

// execute runs def under its limits. At the soft limit the handler's context
// is cancelled with cause domain.ErrSoftTimeLimit. At the hard limit execute
// returns a hard TaskTimeoutError without waiting; the handler goroutine is
// left to finish on its own and its outcome is discarded.
func (p *Pool) execute(ctx context.Context, def registry.Definition, msg domain.Message, started time.Time) (any, error) {
	hctx := registry.WithProgress(ctx, func(pctx context.Context, current, total int64) error {
		return p.results.Progress(context.WithoutCancel(pctx), msg.ID, started, current, total)
	})
	hctx, cancel := context.WithTimeoutCause(hctx, def.SoftLimit, domain.ErrSoftTimeLimit)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().Str("task_id", msg.ID).Bytes("stack", debug.Stack()).Msg("task panicked")
				done <- outcome{err: &domain.HandlerExecutionError{Task: def.Name, Err: fmt.Errorf("%v", r), Panic: true}}
			}
		}()
		v, err := def.Call(hctx, p.codec, msg.Args)
		done <- outcome{val: v, err: err}
	}()

	hard := time.NewTimer(def.HardLimit)
	defer hard.Stop()
	select {
	case o := <-done:
		return o.val, classify(hctx, def, o.err)
	case <-hard.C:
		return nil, &domain.TaskTimeoutError{Limit: def.HardLimit, Hard: true}
	}
}

func classify(hctx context.Context, def registry.Definition, err error) error {
	if err == nil {
		return nil
	}
	var argErr *domain.ArgumentError
	var execErr *domain.HandlerExecutionError
	switch {
	case errors.As(err, &argErr), errors.As(err, &execErr):
		return err
	case hctx.Err() != nil && errors.Is(context.Cause(hctx), domain.ErrSoftTimeLimit) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrSoftTimeLimit)):
		return &domain.TaskTimeoutError{Limit: def.SoftLimit}
	}
	return &domain.HandlerExecutionError{Task: def.Name, Err: err}
}

func failureInfo(err error) domain.ErrorInfo {
	info := domain.ErrorInfo{Kind: domain.KindHandlerError, Summary: err.Error()}
	var (
		unknown *domain.UnknownTaskError
		argErr  *domain.ArgumentError
		timeout *domain.TaskTimeoutError
		exec    *domain.HandlerExecutionError
	)
	switch {
	case errors.As(err, &unknown):
		info.Kind = domain.KindUnknownTask
	case errors.As(err, &argErr):
		info.Kind = domain.KindBadArguments
	case errors.As(err, &timeout) && errors.Is(timeout, domain.ErrHardTimeLimit):
		info.Kind = domain.KindTimeLimit
	case errors.As(err, &timeout):
		info.Kind = domain.KindSoftTimeLimit
	case errors.As(err, &exec):
		if exec.Panic {
			info.Kind = domain.KindPanic
		}
		if exec.Err != nil && exec.Err.Error() != "" {
			info.Summary = exec.Err.Error()
		}
	}
	if info.Summary == "" {
		info.Summary = fmt.Sprintf("%T", err)
	}
	return info
}

package registry

import "context"

// ProgressFunc records a handler's progress for the running task.
type ProgressFunc func(ctx context.Context, current, total int64) error

type progressKey struct{}

// WithProgress attaches fn to ctx; the worker does this before calling a handler.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress publishes a PROGRESS record for the task running under ctx.
// Outside a worker it is a no-op.
func ReportProgress(ctx context.Context, current, total int64) error {
	fn, ok := ctx.Value(progressKey{}).(ProgressFunc)
	if !ok || fn == nil {
		return nil
	}
	return fn(ctx, current, total)
}

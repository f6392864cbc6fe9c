package registry

import (
	"context"
	"fmt"
	"reflect"

	"taskrelay/internal/codec"
)

// Handler is a task body with a fixed parameter list. Build one with Func0
// through Func3 so the argument types are known at registration.
type Handler interface {
	Params() []reflect.Type
	invoke(ctx context.Context, args []any) (any, error)
}

type typedHandler struct {
	params []reflect.Type
	call   func(ctx context.Context, args []any) (any, error)
}

func (h *typedHandler) Params() []reflect.Type { return h.params }

func (h *typedHandler) invoke(ctx context.Context, args []any) (any, error) {
	return h.call(ctx, args)
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// as converts a decoded argument back to its static type; a nil interface
// becomes the zero value.
func as[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}

func Func0[R any](fn func(context.Context) (R, error)) Handler {
	return &typedHandler{
		call: func(ctx context.Context, _ []any) (any, error) { return fn(ctx) },
	}
}

func Func1[A, R any](fn func(context.Context, A) (R, error)) Handler {
	return &typedHandler{
		params: []reflect.Type{typeOf[A]()},
		call: func(ctx context.Context, a []any) (any, error) {
			return fn(ctx, as[A](a[0]))
		},
	}
}

func Func2[A, B, R any](fn func(context.Context, A, B) (R, error)) Handler {
	return &typedHandler{
		params: []reflect.Type{typeOf[A](), typeOf[B]()},
		call: func(ctx context.Context, a []any) (any, error) {
			return fn(ctx, as[A](a[0]), as[B](a[1]))
		},
	}
}

func Func3[A, B, C, R any](fn func(context.Context, A, B, C) (R, error)) Handler {
	return &typedHandler{
		params: []reflect.Type{typeOf[A](), typeOf[B](), typeOf[C]()},
		call: func(ctx context.Context, a []any) (any, error) {
			return fn(ctx, as[A](a[0]), as[B](a[1]), as[C](a[2]))
		},
	}
}

// decodeArgs converts generic decoded values into the handler's parameter types.
func decodeArgs(c codec.Codec, params []reflect.Type, args []any) ([]any, int, error) {
	if len(args) != len(params) {
		return nil, -1, fmt.Errorf("takes %d arguments, got %d", len(params), len(args))
	}
	out := make([]any, len(args))
	for i, t := range params {
		p := reflect.New(t)
		if err := codec.Convert(c, args[i], p.Interface()); err != nil {
			return nil, i, fmt.Errorf("want %s: %w", t, err)
		}
		out[i] = p.Elem().Interface()
	}
	return out, -1, nil
}

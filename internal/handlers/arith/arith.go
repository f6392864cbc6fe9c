// Package arith holds the arithmetic demo tasks.
package arith

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"taskrelay/internal/registry"
)

const (
	AddName      = "tasks.add"
	MultiplyName = "tasks.multiply"
)

// MultiplyDelay simulates a slow computation in Multiply.
var MultiplyDelay = 2 * time.Second

func Add(ctx context.Context, x, y int) (int, error) {
	log := zerolog.Ctx(ctx)
	log.Info().Int("x", x).Int("y", y).Msg("adding")
	result := x + y
	log.Info().Int("result", result).Msg("add finished")
	return result, nil
}

// Multiply returns x*y after MultiplyDelay, or the context's cause if it is
// cancelled first.
func Multiply(ctx context.Context, x, y int) (int, error) {
	log := zerolog.Ctx(ctx)
	log.Info().Int("x", x).Int("y", y).Msg("multiplying")

	t := time.NewTimer(MultiplyDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return 0, context.Cause(ctx)
	case <-t.C:
	}

	result := x * y
	log.Info().Int("result", result).Msg("multiply finished")
	return result, nil
}

// Register adds both tasks to reg with the registry's default limits.
func Register(reg *registry.Registry) error {
	if err := reg.Register(registry.Definition{Name: AddName, Handler: registry.Func2(Add)}); err != nil {
		return err
	}
	return reg.Register(registry.Definition{Name: MultiplyName, Handler: registry.Func2(Multiply)})
}

// Package registry maps task names to typed handlers and their time limits.
// Definitions are registered at startup and never change afterwards.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskrelay/internal/codec"
	"taskrelay/internal/domain"
)

type Definition struct {
	Name      string
	Handler   Handler
	SoftLimit time.Duration
	HardLimit time.Duration
	// ReportsProgress makes the worker write PROGRESS{0,1} when it claims the task.
	ReportsProgress bool
}

// Arity is the number of positional arguments the handler takes.
func (d Definition) Arity() int { return len(d.Handler.Params()) }

// Validate checks args against the handler's parameter list without running it.
func (d Definition) Validate(c codec.Codec, args []any) error {
	_, err := d.decode(c, args)
	return err
}

// Call decodes args and runs the handler.
func (d Definition) Call(ctx context.Context, c codec.Codec, args []any) (any, error) {
	vals, err := d.decode(c, args)
	if err != nil {
		return nil, err
	}
	return d.Handler.invoke(ctx, vals)
}

func (d Definition) decode(c codec.Codec, args []any) ([]any, error) {
	vals, idx, err := decodeArgs(c, d.Handler.Params(), args)
	if err != nil {
		return nil, &domain.ArgumentError{Task: d.Name, Index: idx, Reason: err.Error()}
	}
	return vals, nil
}

// Limits are applied to definitions registered without their own.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

func DefaultLimits() Limits {
	return Limits{Soft: 25 * time.Minute, Hard: 30 * time.Minute}
}

type Registry struct {
	mu       sync.RWMutex
	defaults Limits
	defs     map[string]Definition
}

func New(defaults Limits) *Registry {
	return &Registry{defaults: defaults, defs: make(map[string]Definition)}
}

// Register adds def. Zero limits take the registry defaults; the soft limit
// must end up strictly below the hard one.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return &domain.ConfigError{Field: "task.name", Reason: "must not be empty"}
	}
	if def.Handler == nil {
		return &domain.ConfigError{Field: "task." + def.Name, Reason: "handler is nil"}
	}
	if def.SoftLimit == 0 {
		def.SoftLimit = r.defaults.Soft
	}
	if def.HardLimit == 0 {
		def.HardLimit = r.defaults.Hard
	}
	if def.SoftLimit <= 0 || def.SoftLimit >= def.HardLimit {
		return &domain.ConfigError{
			Field:  "task." + def.Name,
			Reason: "soft limit " + def.SoftLimit.String() + " must be positive and below hard limit " + def.HardLimit.String(),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return &domain.DuplicateTaskError{Name: def.Name}
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister panics on error; for wiring fixed handler sets at startup.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, &domain.UnknownTaskError{Name: name}
	}
	return def, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

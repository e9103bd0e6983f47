package poll

import (
	gocontext "context"
)

// RetryablePredicate wraps a check over a subject of type T so that applying
// it polls under a fixed Config.
type RetryablePredicate[T any] struct {
	cfg   Config
	check func(gocontext.Context, T) (bool, error)
}

func NewRetryablePredicate[T any](check func(gocontext.Context, T) (bool, error), cfg Config) *RetryablePredicate[T] {
	return &RetryablePredicate[T]{cfg: cfg, check: check}
}

// Apply polls the wrapped check against subject. See Until.
func (p *RetryablePredicate[T]) Apply(ctx gocontext.Context, subject T) (bool, error) {
	return Until(ctx, p.cfg, func(ctx gocontext.Context) (bool, error) {
		return p.check(ctx, subject)
	})
}

// Config returns the bounds the predicate polls with.
func (p *RetryablePredicate[T]) Config() Config {
	return p.cfg
}

package registry

import (
	"context"
	"fmt"
)

// Handler runs one named method with positional arguments.
type Handler interface {
	Invoke(ctx context.Context, args []any) (any, error)
}

type HandlerFunc func(ctx context.Context, args []any) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, args []any) (any, error) {
	return f(ctx, args)
}

// Service exposes a fixed set of named handlers.
type Service interface {
	Methods() map[string]Handler
}

// Arg returns args[i] as T. Numbers decoded from the wire arrive as float64.
func Arg[T any](args []any, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(args) {
		return zero, fmt.Errorf("registry: missing argument %d", i)
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("registry: argument %d is %T, want %T", i, args[i], zero)
	}
	return v, nil
}

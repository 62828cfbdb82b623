package service

import (
	"context"
	"sync"

	"github.com/danmuck/hostlink/internal/registry"
	"github.com/rs/zerolog/log"
)

// methods are the handlers every service registers.
type methods struct {
	mu     sync.Mutex
	pushed []any
}

func (m *methods) Ping(context.Context, []any) (any, error) {
	return "pong", nil
}

func (m *methods) Echo(_ context.Context, args []any) (any, error) {
	return args, nil
}

func (m *methods) Sum(_ context.Context, args []any) (any, error) {
	var total float64
	for i := range args {
		v, err := registry.Arg[float64](args, i)
		if err != nil {
			return nil, err
		}
		total += v
	}
	return total, nil
}

// DoThing receives results the host pushes with registry Call.
func (m *methods) DoThing(_ context.Context, args []any) (any, error) {
	m.mu.Lock()
	m.pushed = append(m.pushed, args...)
	n := len(m.pushed)
	m.mu.Unlock()
	log.Info().Interface("args", args).Int("received", n).Msg("host pushed result")
	return n, nil
}

func (m *methods) Received() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.pushed...)
}

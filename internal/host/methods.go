package host

import (
	"context"
	"time"

	"github.com/danmuck/hostlink/internal/registry"
)

// methods are the handlers every host registers.
type methods struct {
	name    string
	started time.Time
}

func (m *methods) Version(context.Context, []any) (any, error) {
	return Version, nil
}

func (m *methods) Uptime(context.Context, []any) (any, error) {
	return time.Since(m.started).Round(time.Millisecond).String(), nil
}

func (m *methods) Identify(context.Context, []any) (any, error) {
	return map[string]any{"name": m.name, "started": m.started.UTC().Format(time.RFC3339)}, nil
}

func (m *methods) Echo(_ context.Context, args []any) (any, error) {
	return args, nil
}

// DoThing reports how many arguments it was given; its result is pushed to
// the service by registry Call.
func (m *methods) DoThing(_ context.Context, args []any) (any, error) {
	return len(args), nil
}

func (m *methods) Greet(_ context.Context, args []any) (any, error) {
	who, err := registry.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	return "hello, " + who, nil
}

// Package registry binds method names to handlers and connection keys to
// peer connections, and dispatches calls between them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/danmuck/hostlink/internal/observability"
	"github.com/danmuck/hostlink/internal/relay"
	"github.com/danmuck/hostlink/internal/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrMethodNotFound     = errors.New("registry: method not found")
	ErrConnectionNotFound = errors.New("registry: connection not found")
	ErrNoMethods          = errors.New("registry: object exposes no invocable methods")
)

// DefaultConnection is the key Call sends on.
const DefaultConnection = "default"

// Conn is the outbound side of a peer connection. *session.Manager
// satisfies it.
type Conn interface {
	Request(payload []byte, done session.ReplyFunc) error
}

// MethodStats counts dispatches of one method.
type MethodStats struct {
	Calls    uint64 `json:"calls"`
	Failures uint64 `json:"failures"`
}

type Registry struct {
	mu      sync.RWMutex
	methods map[string]Handler
	conns   map[string]Conn
	stats   map[string]*MethodStats
}

func New() *Registry {
	return &Registry{
		methods: make(map[string]Handler),
		conns:   make(map[string]Conn),
		stats:   make(map[string]*MethodStats),
	}
}

var handlerType = reflect.TypeOf((*func(context.Context, []any) (any, error))(nil)).Elem()

// Register binds every method obj exposes and returns the bound names. A
// Service contributes its Methods; any other value contributes each exported
// method shaped like HandlerFunc, keyed by its name with a lowercase first
// letter. A later binding of the same name replaces the earlier one.
func (r *Registry) Register(obj any) ([]string, error) {
	if obj == nil {
		return nil, ErrNoMethods
	}
	bound := make(map[string]Handler)
	if svc, ok := obj.(Service); ok {
		for name, h := range svc.Methods() {
			if name != "" && h != nil {
				bound[name] = h
			}
		}
	} else {
		v := reflect.ValueOf(obj)
		t := v.Type()
		for i := 0; i < t.NumMethod(); i++ {
			m := v.Method(i)
			if m.Type() != handlerType {
				continue
			}
			fn := m.Interface().(func(context.Context, []any) (any, error))
			bound[methodKey(t.Method(i).Name)] = HandlerFunc(fn)
		}
	}
	if len(bound) == 0 {
		return nil, fmt.Errorf("%w: %T", ErrNoMethods, obj)
	}

	names := make([]string, 0, len(bound))
	r.mu.Lock()
	for name, h := range bound {
		r.methods[name] = h
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	log.Debug().Str("type", fmt.Sprintf("%T", obj)).Strs("methods", names).Msg("registered handlers")
	return names, nil
}

// RegisterMethod binds a single handler under name.
func (r *Registry) RegisterMethod(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = h
}

func (r *Registry) Method(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// Methods returns the bound method names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) RegisterConnection(key string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[key] = c
}

func (r *Registry) UnregisterConnection(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, key)
}

func (r *Registry) Connection(key string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[key]
	return c, ok
}

// Connections returns the registered connection keys in sorted order.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for key := range r.conns {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Stats returns a copy of the per-method dispatch counters.
func (r *Registry) Stats() map[string]MethodStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]MethodStats, len(r.stats))
	for name, s := range r.stats {
		out[name] = *s
	}
	return out
}

// Call runs CallOn with DefaultConnection.
func (r *Registry) Call(ctx context.Context, method string, args []any, reply session.ReplyFunc) {
	r.CallOn(ctx, DefaultConnection, method, args, reply)
}

// CallOn invokes method with args, sends the result to the connection bound
// to key as a reply-requested payload and hands the peer's reply to reply.
// reply runs exactly once, with an error when the method or the connection
// is unknown, the handler fails, or the send fails.
func (r *Registry) CallOn(ctx context.Context, key, method string, args []any, reply session.ReplyFunc) {
	if reply == nil {
		reply = func([]byte, error) {}
	}
	result, err := r.invoke(ctx, method, args)
	if err != nil {
		reply(nil, err)
		return
	}
	conn, ok := r.Connection(key)
	if !ok {
		reply(nil, fmt.Errorf("%w: %q", ErrConnectionNotFound, key))
		return
	}
	payload, err := EncodeInvocation(Invocation{Method: method, Result: result})
	if err != nil {
		reply(nil, fmt.Errorf("registry: encode %s result: %w", method, err))
		return
	}
	if err := conn.Request(payload, reply); err != nil {
		reply(nil, err)
	}
}

// Processor adapts the registry to the relay: each inbound payload is an
// Invocation, answered with a Result. An Invocation that carries a Result
// instead of Args delivers that Result as the handler's only argument.
func (r *Registry) Processor() relay.Processor {
	return relay.ProcessorFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		inv, err := DecodeInvocation(payload)
		if err != nil {
			return nil, fmt.Errorf("registry: decode invocation: %w", err)
		}
		args := inv.Args
		if args == nil && inv.Result != nil {
			args = []any{inv.Result}
		}
		var res Result
		out, err := r.invoke(ctx, inv.Method, args)
		switch {
		case errors.Is(err, ErrMethodNotFound):
			res = Result{Error: err.Error(), Code: codeMethodNotFound}
		case err != nil:
			res = Result{Error: err.Error()}
		default:
			res = Result{Result: out}
		}
		return EncodeResult(res)
	})
}

// Invoke calls method on the peer behind conn and waits for its Result.
func Invoke(ctx context.Context, conn Conn, method string, args []any) (any, error) {
	payload, err := EncodeInvocation(Invocation{Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	type reply struct {
		payload []byte
		err     error
	}
	out := make(chan reply, 1)
	if err := conn.Request(payload, func(p []byte, err error) {
		out <- reply{payload: p, err: err}
	}); err != nil {
		return nil, err
	}
	var rep reply
	select {
	case rep = <-out:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if rep.err != nil {
		return nil, rep.err
	}
	res, err := DecodeResult(rep.payload)
	if err != nil {
		return nil, fmt.Errorf("registry: decode %s result: %w", method, err)
	}
	switch {
	case res.Code == codeMethodNotFound:
		return nil, fmt.Errorf("%w: %q on peer", ErrMethodNotFound, method)
	case res.Error != "":
		return nil, fmt.Errorf("registry: %s: %s", method, res.Error)
	}
	return res.Result, nil
}

func (r *Registry) invoke(ctx context.Context, method string, args []any) (out any, err error) {
	h, ok := r.Method(method)
	if !ok {
		observability.RecordDispatch(method, "not_found")
		return nil, fmt.Errorf("%w: %q", ErrMethodNotFound, method)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("registry: %s panicked: %v", method, rec)
		}
		r.count(method, err)
	}()
	return h.Invoke(ctx, args)
}

func (r *Registry) count(method string, err error) {
	outcome := "ok"
	r.mu.Lock()
	s, ok := r.stats[method]
	if !ok {
		s = &MethodStats{}
		r.stats[method] = s
	}
	s.Calls++
	if err != nil {
		s.Failures++
		outcome = "error"
	}
	r.mu.Unlock()
	observability.RecordDispatch(method, outcome)
}

func methodKey(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}

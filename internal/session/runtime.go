package session

import (
	"context"
	"sort"
	"sync"

	"github.com/danmuck/hostlink/internal/channel"
	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/danmuck/hostlink/internal/relay"
	"github.com/rs/zerolog/log"
)

// Runtime owns every Manager of one process: the broker inbound payloads go
// to, the Notifier errors go to, and the private host connection once a
// handoff completes. Independent Runtimes share nothing.
type Runtime struct {
	cfg      Config
	broker   *relay.Broker
	notifier Notifier
	// open dials every outbound Channel: Dial, reconnects and handoffs.
	open func(ctx context.Context, name string, ep envelope.Endpoint, opts channel.Options) (*channel.Channel, error)

	mu        sync.RWMutex
	managers  map[string]*Manager
	host      *Manager
	hostReady chan struct{}
}

// NewRuntime builds a Runtime. A nil broker drops inbound requests; a nil
// notifier logs.
func NewRuntime(cfg Config, broker *relay.Broker, notifier Notifier) *Runtime {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Runtime{
		cfg:       cfg.WithDefaults(),
		broker:    broker,
		notifier:  notifier,
		open:      channel.Open,
		managers:  make(map[string]*Manager),
		hostReady: make(chan struct{}),
	}
}

func (rt *Runtime) Config() Config { return rt.cfg }

// Attach wraps an established Channel. The Manager is not resumed.
func (rt *Runtime) Attach(ch *channel.Channel) *Manager {
	return rt.attach(ch, false)
}

// Dial opens a Channel to ep and attaches it.
func (rt *Runtime) Dial(ctx context.Context, name string, ep envelope.Endpoint) (*Manager, error) {
	ch, err := rt.open(ctx, name, ep, rt.cfg.ChannelOptions())
	if err != nil {
		return nil, err
	}
	return rt.Attach(ch), nil
}

// Listen binds ep with the Runtime's channel options.
func (rt *Runtime) Listen(name string, ep envelope.Endpoint) (*channel.Listener, error) {
	return channel.Listen(name, ep, rt.cfg.ChannelOptions())
}

// Serve accepts peers on ln until it closes, attaching and resuming each.
func (rt *Runtime) Serve(ln *channel.Listener) error {
	for {
		ch, err := ln.Accept()
		if err != nil {
			return err
		}
		m := rt.Attach(ch)
		if err := m.Resume(); err != nil {
			log.Warn().Str("channel", m.Name()).Err(err).Msg("resume accepted peer")
		}
	}
}

// Host returns the private host connection, if one is established.
func (rt *Runtime) Host() (*Manager, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.host, rt.host != nil
}

// WaitHost blocks until a host connection is established or ctx ends.
func (rt *Runtime) WaitHost(ctx context.Context) (*Manager, error) {
	for {
		rt.mu.RLock()
		host, ready := rt.host, rt.hostReady
		rt.mu.RUnlock()
		if host != nil {
			return host, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CallHost sends payload to the host over the private connection and waits
// for the reply.
func (rt *Runtime) CallHost(ctx context.Context, payload []byte) ([]byte, error) {
	host, ok := rt.Host()
	if !ok {
		return nil, ErrNoHost
	}
	return host.Call(ctx, payload)
}

// Managers returns the live Managers ordered by name then id.
func (rt *Runtime) Managers() []*Manager {
	rt.mu.RLock()
	out := make([]*Manager, 0, len(rt.managers))
	for _, m := range rt.managers {
		out = append(out, m)
	}
	rt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].id < out[j].id
	})
	return out
}

func (rt *Runtime) Snapshots() []Snapshot {
	managers := rt.Managers()
	out := make([]Snapshot, 0, len(managers))
	for _, m := range managers {
		out = append(out, m.Snapshot())
	}
	return out
}

// Shutdown announces termination to every peer, runs the local
// termination-imminent path on every Manager and drains the broker. If ctx
// ends first, in-flight processing is cancelled.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	managers := rt.Managers()
	for _, m := range managers {
		if err := m.AnnounceTermination(); err != nil {
			log.Debug().Str("channel", m.name).Err(err).Msg("termination notice not sent")
		}
		m.terminate()
	}
	for _, m := range managers {
		select {
		case <-m.Done():
		case <-ctx.Done():
			if rt.broker != nil {
				rt.broker.Cancel()
			}
			return ctx.Err()
		}
	}
	if rt.broker == nil {
		return nil
	}
	drained := make(chan struct{})
	go func() {
		rt.broker.Close()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		rt.broker.Cancel()
		return ctx.Err()
	}
}

func (rt *Runtime) attach(ch *channel.Channel, private bool) *Manager {
	m := newManager(rt, ch, private)
	rt.mu.Lock()
	rt.managers[m.id] = m
	rt.mu.Unlock()
	return m
}

func (rt *Runtime) forget(m *Manager) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.managers, m.id)
	if rt.host == m {
		rt.host = nil
		rt.hostReady = make(chan struct{})
	}
}

func (rt *Runtime) setHost(m *Manager) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if m.State() == StateInvalid {
		return
	}
	if rt.host == nil {
		close(rt.hostReady)
	}
	rt.host = m
}

func (rt *Runtime) notify(name, kind string) {
	rt.notifier.NotifyError(name, kind)
}

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/hostlink/internal/channel"
	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/danmuck/hostlink/internal/protocol/frame"
	"github.com/danmuck/hostlink/internal/protocol/tlv"
	"github.com/danmuck/hostlink/internal/relay"
	"github.com/danmuck/hostlink/internal/testutil/testlog"
)

var loopback = envelope.Endpoint{Network: "tcp", Address: "127.0.0.1:0"}

type recorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recorder) NotifyError(_, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

func pingPong() relay.Processor {
	return relay.ProcessorFunc(func(_ context.Context, payload []byte) ([]byte, error) {
		if string(payload) == "ping" {
			return []byte("pong"), nil
		}
		return payload, nil
	})
}

func newRuntime(t *testing.T, proc relay.Processor, cfg Config, n Notifier) *Runtime {
	t.Helper()
	var broker *relay.Broker
	if proc != nil {
		broker = relay.NewBroker(proc, relay.DefaultConfig())
		t.Cleanup(broker.Cancel)
	}
	return NewRuntime(cfg, broker, n)
}

// connect dials from client to a listener owned by server and returns both
// resumed Managers. The client side has the connected role.
func connect(t *testing.T, client, server *Runtime) (*Manager, *Manager) {
	t.Helper()
	ln, err := server.Listen("svc", loopback)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Shutdown() })

	accepted := make(chan *channel.Channel, 1)
	go func() {
		if ch, err := ln.Accept(); err == nil {
			accepted <- ch
		}
	}()
	c, err := client.Dial(context.Background(), "svc", ln.Endpoint())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var s *Manager
	select {
	case ch := <-accepted:
		s = server.Attach(ch)
	case <-time.After(2 * time.Second):
		t.Fatalf("accept timed out")
	}
	for _, m := range []*Manager{c, s} {
		if err := m.Resume(); err != nil {
			t.Fatalf("resume: %v", err)
		}
		t.Cleanup(func() { _ = m.Close() })
	}
	return c, s
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not reach invalid, state=%s", m.Name(), m.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPingPong(t *testing.T) {
	testlog.Start(t)
	host := newRuntime(t, nil, DefaultConfig(), nil)
	svc := newRuntime(t, pingPong(), DefaultConfig(), nil)
	h, _ := connect(t, host, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := h.Call(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(got) != "pong" {
		t.Fatalf("expected pong, got %q", got)
	}
	if h.State() != StateActive {
		t.Fatalf("expected active after first reply, got %s", h.State())
	}
	if n := len(h.Pending()); n != 0 {
		t.Fatalf("expected no pending replies, got %d", n)
	}
}

func TestEventWithoutReplySendsNothingBack(t *testing.T) {
	testlog.Start(t)
	var processed atomic.Int32
	svc := newRuntime(t, relay.ProcessorFunc(func(context.Context, []byte) ([]byte, error) {
		processed.Add(1)
		return []byte("should not be sent"), nil
	}), DefaultConfig(), nil)
	ln, err := svc.Listen("svc", loopback)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Shutdown()
	go func() { _ = svc.Serve(ln) }()

	raw, err := channel.Open(context.Background(), "raw", ln.Endpoint(), channel.DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer raw.Close()
	events := make(chan channel.Event, 4)
	_ = raw.SetEventHandler(func(ev channel.Event) { events <- ev })
	if err := raw.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}

	fields, _ := envelope.Encode(envelope.New([]byte("event"), false))
	if err := raw.Send(frame.New(frame.MsgEnvelope, 1, 0, tlv.EncodeFields(fields))); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "processor", func() bool { return processed.Load() == 1 })
	select {
	case ev := <-events:
		t.Fatalf("unexpected event on sender: %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerInvalidResolvesPendingAndRejectsSends(t *testing.T) {
	testlog.Start(t)
	notes := &recorder{}
	block := make(chan struct{})
	defer close(block)
	connected := newRuntime(t, relay.ProcessorFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
		<-block
		return nil, ctx.Err()
	}), DefaultConfig(), nil)
	accepted := newRuntime(t, nil, DefaultConfig(), notes)
	c, a := connect(t, connected, accepted)

	out := make(chan replyResult, 2)
	if err := a.Request([]byte("never answered"), collect(out)); err != nil {
		t.Fatalf("request: %v", err)
	}
	waitFor(t, "pending entry", func() bool { return len(a.Pending()) == 1 })

	_ = c.Close()
	if r := waitReply(t, out); !errors.Is(r.err, ErrPeerGone) {
		t.Fatalf("expected ErrPeerGone, got %v", r.err)
	}
	waitDone(t, a)
	if err := a.Send([]byte("late")); !errors.Is(err, channel.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if kinds := notes.Kinds(); len(kinds) != 1 || kinds[0] != KindPeerInvalid {
		t.Fatalf("expected one peer-invalid notification, got %v", kinds)
	}
}

func TestInterruptedWithoutReconnectFailsPending(t *testing.T) {
	testlog.Start(t)
	notes := &recorder{}
	host := newRuntime(t, nil, DefaultConfig(), notes)
	svc := newRuntime(t, relay.Deliver(func([]byte, int) []byte { return nil }), DefaultConfig(), nil)
	h, s := connect(t, host, svc)

	out := make(chan replyResult, 1)
	if err := h.Request([]byte("ping"), collect(out)); err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = s.Close()
	if r := waitReply(t, out); !errors.Is(r.err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", r.err)
	}
	waitDone(t, h)
	if kinds := notes.Kinds(); len(kinds) != 1 || kinds[0] != KindInterrupted {
		t.Fatalf("expected one interrupted notification, got %v", kinds)
	}
}

func TestReconnectAfterInterrupt(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Reconnect = true
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	host := newRuntime(t, nil, cfg, nil)
	svc := newRuntime(t, pingPong(), DefaultConfig(), nil)

	ln, err := svc.Listen("svc", loopback)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Shutdown()
	go func() { _ = svc.Serve(ln) }()

	h, err := host.Dial(context.Background(), "svc", ln.Endpoint())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer h.Close()
	if err := h.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "service side", func() bool { return len(svc.Managers()) == 1 })
	first := svc.Managers()[0]
	_ = first.Close()

	waitFor(t, "redial", func() bool {
		ms := svc.Managers()
		return len(ms) == 1 && ms[0].ID() != first.ID()
	})
	waitFor(t, "reconnect", func() bool {
		st := h.State()
		return st == StateResumed || st == StateActive
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := h.Call(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("call after reconnect: %v", err)
	}
	if string(got) != "pong" {
		t.Fatalf("expected pong, got %q", got)
	}
}

func TestHandoffCreatesOnePrivateChannel(t *testing.T) {
	testlog.Start(t)
	var relayed atomic.Int32
	host := newRuntime(t, pingPong(), DefaultConfig(), nil)
	svc := newRuntime(t, relay.ProcessorFunc(func(_ context.Context, p []byte) ([]byte, error) {
		relayed.Add(1)
		return p, nil
	}), DefaultConfig(), nil)
	h, _ := connect(t, host, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	child, err := h.HandoffEphemeral(ctx)
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if !child.Private() || child.Role() != channel.RoleAccepted {
		t.Fatalf("unexpected private child: private=%v role=%s", child.Private(), child.Role())
	}
	hostConn, err := svc.WaitHost(ctx)
	if err != nil {
		t.Fatalf("wait host: %v", err)
	}
	if !hostConn.Private() {
		t.Fatalf("expected private host connection")
	}
	if relayed.Load() != 0 {
		t.Fatalf("handoff must not reach the relay, saw %d", relayed.Load())
	}
	if _, err := h.HandoffEphemeral(ctx); !errors.Is(err, ErrHandoffDone) {
		t.Fatalf("expected ErrHandoffDone, got %v", err)
	}

	got, err := svc.CallHost(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("call host: %v", err)
	}
	if string(got) != "pong" {
		t.Fatalf("expected pong from host, got %q", got)
	}
}

func TestDuplicateHandoffEnvelopeIgnored(t *testing.T) {
	testlog.Start(t)
	svc := newRuntime(t, pingPong(), DefaultConfig(), nil)
	ln, err := svc.Listen("svc", loopback)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Shutdown()
	go func() { _ = svc.Serve(ln) }()

	private, err := channel.Listen("private", loopback, channel.DefaultOptions())
	if err != nil {
		t.Fatalf("listen private: %v", err)
	}
	defer private.Shutdown()
	var dials atomic.Int32
	go func() {
		for {
			if _, err := private.Accept(); err != nil {
				return
			}
			dials.Add(1)
		}
	}()

	raw, err := channel.Open(context.Background(), "raw", ln.Endpoint(), channel.DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer raw.Close()
	fields, _ := envelope.Encode(envelope.Handoff(private.Endpoint()))
	for i := 0; i < 2; i++ {
		if err := raw.Send(frame.New(frame.MsgEnvelope, 0, 0, tlv.EncodeFields(fields))); err != nil {
			t.Fatalf("send handoff: %v", err)
		}
	}
	waitFor(t, "private dial", func() bool { return dials.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Fatalf("expected exactly one private channel, got %d", n)
	}
	if _, ok := svc.Host(); !ok {
		t.Fatalf("expected host connection to be stored")
	}
}

func TestTerminationImminentTearsDownOnce(t *testing.T) {
	testlog.Start(t)
	notes := &recorder{}
	host := newRuntime(t, nil, DefaultConfig(), nil)
	svc := newRuntime(t, pingPong(), DefaultConfig(), notes)
	h, s := connect(t, host, svc)

	if err := h.AnnounceTermination(); err != nil {
		t.Fatalf("announce: %v", err)
	}
	waitDone(t, s)
	_ = h.Close()
	time.Sleep(50 * time.Millisecond)
	if kinds := notes.Kinds(); len(kinds) != 1 || kinds[0] != KindTerminationImminent {
		t.Fatalf("expected a single termination-imminent notification, got %v", kinds)
	}
	if len(svc.Managers()) != 0 {
		t.Fatalf("expected runtime to forget the torn down manager")
	}
}

func TestRuntimeShutdown(t *testing.T) {
	testlog.Start(t)
	hostNotes := &recorder{}
	host := newRuntime(t, nil, DefaultConfig(), hostNotes)
	svc := newRuntime(t, pingPong(), DefaultConfig(), nil)
	h, s := connect(t, host, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if s.State() != StateInvalid {
		t.Fatalf("expected service side invalid, got %s", s.State())
	}
	waitDone(t, h)
	if kinds := hostNotes.Kinds(); len(kinds) != 1 || kinds[0] != KindTerminationImminent {
		t.Fatalf("expected host to hear termination-imminent, got %v", kinds)
	}
}

func TestReplyTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.ReplyTimeout = 30 * time.Millisecond
	host := newRuntime(t, nil, cfg, nil)
	svc := newRuntime(t, relay.Deliver(func([]byte, int) []byte { return nil }), DefaultConfig(), nil)
	h, _ := connect(t, host, svc)

	_, err := h.Call(context.Background(), []byte("ping"))
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("expected ErrReplyTimeout, got %v", err)
	}
	if h.State() == StateInvalid {
		t.Fatalf("timeout must not tear the connection down")
	}
}

func TestMalformedEnvelopeKeepsChannel(t *testing.T) {
	testlog.Start(t)
	svc := newRuntime(t, pingPong(), DefaultConfig(), nil)
	ln, err := svc.Listen("svc", loopback)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Shutdown()
	go func() { _ = svc.Serve(ln) }()

	raw, err := channel.Open(context.Background(), "raw", ln.Endpoint(), channel.DefaultOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer raw.Close()
	events := make(chan channel.Event, 4)
	_ = raw.SetEventHandler(func(ev channel.Event) { events <- ev })
	if err := raw.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if err := raw.Send(frame.New(frame.MsgEnvelope, 1, 0, []byte{0xff, 0x01})); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	empty := tlv.EncodeFields([]tlv.Field{tlv.NewBool(envelope.FieldReply, true)})
	if err := raw.Send(frame.New(frame.MsgEnvelope, 2, 0, empty)); err != nil {
		t.Fatalf("send empty envelope: %v", err)
	}
	fields, _ := envelope.Encode(envelope.New([]byte("ping"), true))
	if err := raw.Send(frame.New(frame.MsgEnvelope, 3, 0, tlv.EncodeFields(fields))); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != channel.EventMessage || ev.Frame.Header.MessageID != 3 || !ev.Frame.Header.IsReply() {
			t.Fatalf("unexpected event: kind=%s header=%+v", ev.Kind, ev.Frame.Header)
		}
		replyFields, err := tlv.DecodeFields(ev.Frame.Payload)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		env, err := envelope.Decode(replyFields)
		if err != nil {
			t.Fatalf("decode reply envelope: %v", err)
		}
		if string(env.Payload) != "pong" {
			t.Fatalf("expected pong, got %q", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply after malformed input")
	}
}

func TestRequestBeforeResume(t *testing.T) {
	testlog.Start(t)
	host := newRuntime(t, nil, DefaultConfig(), nil)
	svc := newRuntime(t, nil, DefaultConfig(), nil)
	ln, err := svc.Listen("svc", loopback)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Shutdown()
	go func() { _ = svc.Serve(ln) }()

	h, err := host.Dial(context.Background(), "svc", ln.Endpoint())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer h.Close()
	if err := h.Request([]byte("x"), nil); !errors.Is(err, ErrNotResumed) {
		t.Fatalf("expected ErrNotResumed, got %v", err)
	}
	if h.State() != StateCreated {
		t.Fatalf("expected created, got %s", h.State())
	}
	if err := h.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := h.Resume(); err != nil {
		t.Fatalf("second resume must be a no-op, got %v", err)
	}
}

func TestHandoffRetriesAfterFailedAttempt(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.HandoffTimeout = 200 * time.Millisecond
	host := newRuntime(t, pingPong(), cfg, nil)
	svc := newRuntime(t, pingPong(), DefaultConfig(), nil)
	var dials atomic.Int32
	svc.open = func(ctx context.Context, name string, ep envelope.Endpoint, opts channel.Options) (*channel.Channel, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("dial refused")
		}
		return channel.Open(ctx, name, ep, opts)
	}
	h, _ := connect(t, host, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.HandoffEphemeral(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected first handoff to time out, got %v", err)
	}
	if _, ok := h.Child(); ok {
		t.Fatalf("failed handoff must not leave a child")
	}
	child, err := h.HandoffEphemeral(ctx)
	if err != nil {
		t.Fatalf("expected retried handoff to succeed, got %v", err)
	}
	if !child.Private() {
		t.Fatalf("expected private child")
	}
	if _, err := svc.WaitHost(ctx); err != nil {
		t.Fatalf("wait host: %v", err)
	}
	if n := dials.Load(); n != 2 {
		t.Fatalf("expected two handoff dials, got %d", n)
	}
}

func TestHandoffDialDoesNotBlockDelivery(t *testing.T) {
	testlog.Start(t)
	host := newRuntime(t, pingPong(), DefaultConfig(), nil)
	svc := newRuntime(t, pingPong(), DefaultConfig(), nil)
	dialing := make(chan struct{})
	gate := make(chan struct{})
	svc.open = func(ctx context.Context, name string, ep envelope.Endpoint, opts channel.Options) (*channel.Channel, error) {
		close(dialing)
		<-gate
		return channel.Open(ctx, name, ep, opts)
	}
	h, _ := connect(t, host, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	handoff := make(chan error, 1)
	go func() {
		_, err := h.HandoffEphemeral(ctx)
		handoff <- err
	}()
	select {
	case <-dialing:
	case <-ctx.Done():
		t.Fatalf("service never started the handoff dial")
	}

	callCtx, callCancel := context.WithTimeout(ctx, time.Second)
	defer callCancel()
	got, err := h.Call(callCtx, []byte("ping"))
	if err != nil {
		t.Fatalf("call during handoff dial: %v", err)
	}
	if string(got) != "pong" {
		t.Fatalf("expected pong, got %q", got)
	}

	close(gate)
	if err := <-handoff; err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if _, err := svc.WaitHost(ctx); err != nil {
		t.Fatalf("wait host: %v", err)
	}
}

func TestPayloadLimitExcludesEnvelopeFields(t *testing.T) {
	testlog.Start(t)
	small := DefaultConfig()
	small.MaxPayloadBytes = 64
	var relayed atomic.Int32
	host := newRuntime(t, pingPong(), DefaultConfig(), nil)
	svc := newRuntime(t, relay.ProcessorFunc(func(_ context.Context, p []byte) ([]byte, error) {
		relayed.Add(1)
		return p, nil
	}), small, nil)
	h, s := connect(t, host, svc)

	// Over the service's limit: dropped on receipt, the channel survives.
	if err := h.Send(make([]byte, 200)); err != nil {
		t.Fatalf("send oversized: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	exact := make([]byte, 64)
	exact[0] = 'x'
	got, err := h.Call(ctx, exact)
	if err != nil {
		t.Fatalf("call with payload at the limit: %v", err)
	}
	if len(got) != 64 || got[0] != 'x' {
		t.Fatalf("unexpected echo of %d bytes", len(got))
	}
	if n := relayed.Load(); n != 1 {
		t.Fatalf("expected only the in-limit payload relayed, got %d", n)
	}
	if st := s.State(); st.Terminal() {
		t.Fatalf("oversized frame must not end the connection, state %s", st)
	}

	if err := s.Send(make([]byte, 65)); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on send, got %v", err)
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostlink/internal/channel"
	"github.com/danmuck/hostlink/internal/observability"
	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/danmuck/hostlink/internal/protocol/frame"
	"github.com/danmuck/hostlink/internal/protocol/tlv"
	"github.com/danmuck/hostlink/internal/relay"
	"github.com/rs/zerolog/log"
)

// Manager drives one peer connection through its lifecycle. Inbound events
// are handled on the Channel's serial queue; outbound calls may come from any
// goroutine.
type Manager struct {
	rt      *Runtime
	cfg     Config
	id      string
	name    string
	role    channel.Role
	private bool

	pending *PendingReplies
	nextID  atomic.Uint64

	mu        sync.Mutex
	ch        *channel.Channel
	state     State
	handedOff bool
	child     *Manager
	stopRetry context.CancelFunc

	done chan struct{}
}

// Snapshot is a point-in-time view of a Manager.
type Snapshot struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	State    string `json:"state"`
	Private  bool   `json:"private"`
	Endpoint string `json:"endpoint"`
	Pending  int    `json:"pending_replies"`
}

func newManager(rt *Runtime, ch *channel.Channel, private bool) *Manager {
	return &Manager{
		rt:      rt,
		cfg:     rt.cfg,
		id:      ch.ID(),
		name:    ch.Name(),
		role:    ch.Role(),
		private: private,
		pending: NewPendingReplies(),
		ch:      ch,
		state:   StateCreated,
		done:    make(chan struct{}),
	}
}

func (m *Manager) ID() string         { return m.id }
func (m *Manager) Name() string       { return m.name }
func (m *Manager) Role() channel.Role { return m.role }

// Private reports whether the connection was created by a handoff.
func (m *Manager) Private() bool { return m.private }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Endpoint() envelope.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch.Endpoint()
}

// Child returns the private connection established by a handoff, if any.
func (m *Manager) Child() (*Manager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.child, m.child != nil
}

// Done is closed once the Manager reaches StateInvalid.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) Pending() []PendingInfo {
	return m.pending.List()
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ID:       m.id,
		Name:     m.name,
		Role:     m.role.String(),
		State:    m.state.String(),
		Private:  m.private,
		Endpoint: m.ch.Endpoint().String(),
		Pending:  m.pending.Len(),
	}
}

// Resume installs the event handler and starts delivery. Calling it again is
// a no-op.
func (m *Manager) Resume() error {
	m.mu.Lock()
	if m.state != StateCreated {
		m.mu.Unlock()
		return nil
	}
	ch := m.ch
	m.setStateLocked(StateResumed)
	m.mu.Unlock()

	if err := m.start(ch); err != nil {
		m.teardown(err)
		return err
	}
	return nil
}

// Send delivers payload without asking for a reply.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	ch := m.ch
	m.mu.Unlock()
	return m.write(ch, m.nextID.Add(1), envelope.New(payload, false))
}

// Request delivers payload and asks for a reply. done runs exactly once
// unless Request itself returns an error.
func (m *Manager) Request(payload []byte, done ReplyFunc) error {
	_, err := m.request(payload, done)
	return err
}

// Call is the blocking form of Request. Cancelling ctx abandons the reply.
func (m *Manager) Call(ctx context.Context, payload []byte) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}
	out := make(chan result, 1)
	id, err := m.request(payload, func(p []byte, err error) {
		out <- result{payload: p, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-out:
		return r.payload, r.err
	case <-ctx.Done():
		m.pending.Remove(id)
		return nil, ctx.Err()
	}
}

// Handoff sends the endpoint of ln to the peer and waits for the peer to dial
// it. The accepted connection becomes this Manager's private child. At most
// one handoff succeeds per Manager.
func (m *Manager) Handoff(ctx context.Context, ln *channel.Listener) (*Manager, error) {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.handedOff {
		m.mu.Unlock()
		return nil, ErrHandoffDone
	}
	m.handedOff = true
	ch := m.ch
	m.mu.Unlock()

	child, err := m.handoff(ctx, ch, ln)
	if err != nil {
		m.releaseHandoff(ch)
		return nil, err
	}
	return child, nil
}

func (m *Manager) handoff(ctx context.Context, ch *channel.Channel, ln *channel.Listener) (*Manager, error) {
	type result struct {
		ch  *channel.Channel
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- result{ch: c, err: err}
	}()

	if err := m.write(ch, 0, envelope.Handoff(ln.Endpoint())); err != nil {
		_ = ln.Close()
		if r := <-accepted; r.ch != nil {
			_ = r.ch.Close()
		}
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.HandoffTimeout)
	defer cancel()
	select {
	case r := <-accepted:
		if r.err != nil {
			return nil, r.err
		}
		return m.adopt(r.ch)
	case <-ctx.Done():
		_ = ln.Close()
		if r := <-accepted; r.ch != nil {
			_ = r.ch.Close()
		}
		return nil, ctx.Err()
	}
}

// HandoffEphemeral runs Handoff on a one-shot listener next to the
// Manager's endpoint.
func (m *Manager) HandoffEphemeral(ctx context.Context) (*Manager, error) {
	ep := channel.EphemeralEndpoint(m.Endpoint())
	ln, err := channel.Listen(m.name+".private", ep, m.cfg.ChannelOptions())
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	return m.Handoff(ctx, ln)
}

// AnnounceTermination tells the peer this side is about to stop.
func (m *Manager) AnnounceTermination() error {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	ch := m.ch
	m.mu.Unlock()
	return ch.SendControl(envelope.ControlTerminationImminent)
}

// Close tears the connection down locally. Pending replies fail with
// channel.ErrChannelClosed and no error is reported to the Notifier.
func (m *Manager) Close() error {
	m.teardown(channel.ErrChannelClosed)
	return nil
}

// terminate runs the local termination-imminent path.
func (m *Manager) terminate() {
	m.mu.Lock()
	state, ch := m.state, m.ch
	m.mu.Unlock()
	switch state {
	case StateResumed, StateActive:
		ch.SignalTerminationImminent()
	case StateInvalid:
	default:
		m.rt.notify(m.name, KindTerminationImminent)
		m.teardown(ErrPeerGone)
	}
}

func (m *Manager) start(ch *channel.Channel) error {
	if err := ch.SetEventHandler(func(ev channel.Event) { m.handle(ch, ev) }); err != nil {
		return err
	}
	return ch.Resume()
}

func (m *Manager) handle(ch *channel.Channel, ev channel.Event) {
	observability.RecordChannelEvent(ch.Role().String(), ev.Kind.String())

	m.mu.Lock()
	stale := ch != m.ch || m.state == StateInvalid
	m.mu.Unlock()
	if stale {
		log.Debug().Str("channel", m.name).Str("event", ev.Kind.String()).Msg("event after teardown ignored")
		return
	}

	switch ev.Kind {
	case channel.EventMessage:
		m.handleMessage(ch, ev.Frame)
	case channel.EventInvalid:
		m.rt.notify(m.name, KindPeerInvalid)
		m.teardown(ErrPeerGone)
	case channel.EventTerminationImminent:
		m.rt.notify(m.name, KindTerminationImminent)
		m.teardown(ErrPeerGone)
	case channel.EventInterrupted:
		m.rt.notify(m.name, KindInterrupted)
		m.interrupt(ch, ev.Err)
	}
}

func (m *Manager) handleMessage(ch *channel.Channel, f frame.Frame) {
	m.mu.Lock()
	if m.state == StateResumed {
		m.setStateLocked(StateActive)
	}
	m.mu.Unlock()

	fields, err := tlv.DecodeFields(f.Payload)
	var env envelope.Envelope
	if err == nil {
		env, err = envelope.Decode(fields)
	}
	if err != nil {
		observability.RecordMalformedEnvelope(m.name)
		log.Warn().Str("channel", m.name).Uint64("id", f.Header.MessageID).Err(err).Msg("malformed envelope dropped")
		return
	}
	if declared, ok := envelope.DeclaredLength(fields); ok && declared != env.Length {
		log.Debug().
			Str("channel", m.name).
			Int64("declared", declared).
			Int64("actual", env.Length).
			Msg("length mismatch, using attached buffer")
	}

	if env.IsHandoff() {
		m.acceptHandoff(ch, *env.Endpoint)
		return
	}
	if f.Header.IsReply() {
		if !m.pending.Resolve(f.Header.MessageID, env.Payload, nil) {
			log.Debug().Str("channel", m.name).Uint64("id", f.Header.MessageID).Msg("unsolicited reply dropped")
		}
		return
	}
	m.relay(ch, f.Header.MessageID, env)
}

func (m *Manager) relay(ch *channel.Channel, id uint64, env envelope.Envelope) {
	if m.rt.broker == nil {
		log.Warn().Str("channel", m.name).Uint64("id", id).Msg("no broker configured, payload dropped")
		return
	}
	req := relay.Request{
		Channel:        m.name,
		ID:             id,
		Payload:        env.Payload,
		ReplyRequested: env.ReplyRequested,
	}
	if env.ReplyRequested {
		req.Reply = func(out []byte) {
			err := ch.Dispatch(func() {
				if err := m.writeReply(ch, id, out); err != nil {
					log.Warn().Str("channel", m.name).Uint64("id", id).Err(err).Msg("reply send failed")
				}
			})
			if err != nil {
				log.Debug().Str("channel", m.name).Uint64("id", id).Msg("reply dropped, channel closed")
			}
		}
	}
	if err := m.rt.broker.Relay(req); err != nil {
		log.Warn().Str("channel", m.name).Uint64("id", id).Err(err).Msg("relay rejected payload")
	}
}

// acceptHandoff dials the handed-off endpoint off the delivery queue and
// adopts the result back on it.
func (m *Manager) acceptHandoff(ch *channel.Channel, ep envelope.Endpoint) {
	m.mu.Lock()
	if m.handedOff {
		m.mu.Unlock()
		log.Warn().Str("channel", m.name).Str("endpoint", ep.String()).Msg("duplicate handoff ignored")
		return
	}
	m.handedOff = true
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		private, err := m.rt.open(ctx, m.name+".private", ep, m.cfg.ChannelOptions())
		if err != nil {
			m.releaseHandoff(ch)
			log.Error().Str("channel", m.name).Str("endpoint", ep.String()).Err(err).Msg("handoff dial failed")
			return
		}
		err = ch.Dispatch(func() {
			m.mu.Lock()
			stale := ch != m.ch
			m.mu.Unlock()
			if stale {
				_ = private.Close()
				return
			}
			child, err := m.adopt(private)
			if err != nil {
				log.Error().Str("channel", m.name).Err(err).Msg("handoff resume failed")
				return
			}
			m.rt.setHost(child)
			log.Info().Str("channel", m.name).Str("endpoint", ep.String()).Msg("private host connection established")
		})
		if err != nil {
			_ = private.Close()
		}
	}()
}

// releaseHandoff allows another handoff on ch after a failed attempt.
func (m *Manager) releaseHandoff(ch *channel.Channel) {
	m.mu.Lock()
	if m.ch == ch && m.child == nil {
		m.handedOff = false
	}
	m.mu.Unlock()
}

// adopt wraps ch as this Manager's private child and resumes it.
func (m *Manager) adopt(ch *channel.Channel) (*Manager, error) {
	child := m.rt.attach(ch, true)
	m.mu.Lock()
	if m.state == StateInvalid {
		m.mu.Unlock()
		_ = child.Close()
		return nil, channel.ErrChannelClosed
	}
	m.child = child
	m.mu.Unlock()
	if err := child.Resume(); err != nil {
		return nil, err
	}
	return child, nil
}

func (m *Manager) interrupt(ch *channel.Channel, cause error) {
	if m.private || !m.cfg.Reconnect || m.role != channel.RoleConnected {
		log.Warn().Str("channel", m.name).AnErr("cause", cause).Msg("peer has gone away")
		m.teardown(ErrInterrupted)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.state == StateInvalid {
		m.mu.Unlock()
		cancel()
		return
	}
	m.setStateLocked(StateInterrupted)
	m.stopRetry = cancel
	m.mu.Unlock()

	n := m.pending.FailAll(ErrInterrupted)
	_ = ch.Close()
	log.Warn().Str("channel", m.name).AnErr("cause", cause).Int("failed_replies", n).Msg("connection interrupted, reconnecting")
	go m.reconnect(ctx, ch.Endpoint())
}

func (m *Manager) reconnect(ctx context.Context, ep envelope.Endpoint) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; m.cfg.MaxReconnectAttempts <= 0 || attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		timer := time.NewTimer(m.cfg.Backoff.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ch, err := m.rt.open(ctx, m.name, ep, m.cfg.ChannelOptions())
		if err != nil {
			log.Debug().Str("channel", m.name).Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
			continue
		}

		m.mu.Lock()
		if m.state != StateInterrupted {
			m.mu.Unlock()
			_ = ch.Close()
			return
		}
		stop, child := m.stopRetry, m.child
		m.stopRetry = nil
		m.ch = ch
		m.handedOff = false
		m.child = nil
		m.setStateLocked(StateResumed)
		m.mu.Unlock()
		stop()
		if child != nil {
			_ = child.Close()
		}

		if err := m.start(ch); err != nil {
			log.Error().Str("channel", m.name).Err(err).Msg("resume after reconnect failed")
			m.teardown(ErrInterrupted)
			return
		}
		log.Info().Str("channel", m.name).Int("attempt", attempt).Msg("reconnected")
		return
	}
	log.Warn().Str("channel", m.name).Int("attempts", m.cfg.MaxReconnectAttempts).Msg("reconnect attempts exhausted")
	m.teardown(ErrInterrupted)
}

// teardown moves the Manager to StateInvalid exactly once, failing pending
// replies with cause and releasing the Channel.
func (m *Manager) teardown(cause error) bool {
	m.mu.Lock()
	if m.state == StateInvalid {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(StateInvalid)
	ch, child, stop := m.ch, m.child, m.stopRetry
	m.stopRetry = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	n := m.pending.FailAll(cause)
	if err := ch.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Str("channel", m.name).Err(err).Msg("channel close")
	}
	if child != nil {
		_ = child.Close()
	}
	m.rt.forget(m)
	close(m.done)
	log.Info().
		Str("channel", m.name).
		Str("id", m.id).
		Bool("private", m.private).
		Int("failed_replies", n).
		AnErr("cause", cause).
		Msg("connection invalidated")
	return true
}

func (m *Manager) request(payload []byte, done ReplyFunc) (uint64, error) {
	if done == nil {
		done = func([]byte, error) {}
	}
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	ch := m.ch
	id := m.nextID.Add(1)
	m.pending.Add(id, done, m.cfg.ReplyTimeout)
	m.mu.Unlock()

	if err := m.write(ch, id, envelope.New(payload, true)); err != nil {
		// A teardown that raced the write has already resolved the entry.
		if m.pending.Remove(id) {
			return 0, err
		}
	}
	return id, nil
}

func (m *Manager) write(ch *channel.Channel, id uint64, env envelope.Envelope) error {
	if err := m.checkSize(env.Payload); err != nil {
		return err
	}
	fields, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return ch.Send(frame.New(frame.MsgEnvelope, id, 0, tlv.EncodeFields(fields)))
}

func (m *Manager) writeReply(ch *channel.Channel, id uint64, payload []byte) error {
	if err := m.checkSize(payload); err != nil {
		return err
	}
	body := tlv.EncodeFields(envelope.EncodeReply(payload))
	return ch.Send(frame.New(frame.MsgEnvelope, id, frame.FlagIsReply, body))
}

func (m *Manager) checkSize(payload []byte) error {
	if limit := m.cfg.MaxPayloadBytes; limit > 0 && uint64(len(payload)) > uint64(limit) {
		return fmt.Errorf("session: %d byte payload over %d byte limit: %w", len(payload), limit, frame.ErrPayloadTooLarge)
	}
	return nil
}

func (m *Manager) usableLocked() error {
	switch m.state {
	case StateCreated:
		return ErrNotResumed
	case StateInterrupted:
		return ErrInterrupted
	case StateInvalid:
		return channel.ErrChannelClosed
	default:
		return nil
	}
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	observability.RecordTransition(from.String(), to.String())
	log.Debug().Str("channel", m.name).Str("from", from.String()).Str("to", to.String()).Msg("state transition")
}

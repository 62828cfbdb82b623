// Package channel owns the duplex, message-oriented connection between two
// peers.
//
// Ownership boundary:
// - one net.Conn per Channel, released exactly once
// - one serial delivery queue per Channel; events never run concurrently
// - frame reads start only after Resume
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostlink/internal/observability"
	"github.com/danmuck/hostlink/internal/protocol/envelope"
	"github.com/danmuck/hostlink/internal/protocol/frame"
	"github.com/danmuck/hostlink/internal/protocol/tlv"
	"github.com/danmuck/hostlink/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrChannelClosed     = errors.New("channel: closed")
	ErrNoEventHandler    = errors.New("channel: event handler not set")
	ErrHandlerAfterStart = errors.New("channel: event handler set after resume")
)

// Role records which side created the connection.
type Role int

const (
	RoleAccepted Role = iota
	RoleConnected
)

func (r Role) String() string {
	switch r {
	case RoleAccepted:
		return "accepted"
	case RoleConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventInvalid
	EventInterrupted
	EventTerminationImminent
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventInvalid:
		return "peer-invalid"
	case EventInterrupted:
		return "interrupted"
	case EventTerminationImminent:
		return "termination-imminent"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence on a Channel.
type Event struct {
	Kind  EventKind
	Frame frame.Frame
	// Err is the read error that ended the connection, if any.
	Err error
}

type EventHandler func(Event)

// Options tunes IO on a Channel.
type Options struct {
	Limits         frame.Limits
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		Limits:         frame.DefaultLimits(),
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   15 * time.Second,
	}
}

func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.Limits.MaxPayloadBytes == 0 {
		o.Limits = def.Limits
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	return o
}

type Channel struct {
	id       string
	name     string
	endpoint envelope.Endpoint
	role     Role
	conn     net.Conn
	opts     Options
	queue    *queue.Serial

	handlerMu sync.Mutex
	handler   EventHandler

	writeMu sync.Mutex

	resumed   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func(*Channel)
	readDone  chan struct{}
}

// New wraps an established connection. The Channel takes ownership of conn.
func New(name string, ep envelope.Endpoint, conn net.Conn, role Role, opts Options) *Channel {
	id := uuid.NewString()
	return &Channel{
		id:       id,
		name:     name,
		endpoint: ep,
		role:     role,
		conn:     conn,
		opts:     opts.WithDefaults(),
		queue:    queue.NewSerial(fmt.Sprintf("channel.%s.%s", name, id[:8])),
		readDone: make(chan struct{}),
	}
}

// Open dials ep and returns an actively-connected Channel.
func Open(ctx context.Context, name string, ep envelope.Endpoint, opts Options) (*Channel, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("channel: open %s: %w", ep, err)
	}
	ch := New(name, ep, conn, RoleConnected, opts)
	log.Debug().Str("channel", name).Str("id", ch.id).Str("endpoint", ep.String()).Msg("channel opened")
	return ch, nil
}

func (c *Channel) ID() string                  { return c.id }
func (c *Channel) Name() string                { return c.name }
func (c *Channel) Role() Role                  { return c.role }
func (c *Channel) Endpoint() envelope.Endpoint { return c.endpoint }
func (c *Channel) Closed() bool                { return c.closed.Load() }

// SetEventHandler installs h. It must be called before Resume.
func (c *Channel) SetEventHandler(h EventHandler) error {
	if c.resumed.Load() {
		return ErrHandlerAfterStart
	}
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
	return nil
}

// Resume starts reading frames. Calling it again is a no-op.
func (c *Channel) Resume() error {
	c.handlerMu.Lock()
	h := c.handler
	c.handlerMu.Unlock()
	if h == nil {
		return ErrNoEventHandler
	}
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if !c.resumed.CompareAndSwap(false, true) {
		return nil
	}
	go c.readLoop()
	return nil
}

// Send writes f. Writes are serialized and preserve call order.
func (c *Channel) Send(f frame.Frame) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := frame.WriteFrame(c.conn, f, c.opts.Limits); err != nil {
		if c.closed.Load() {
			return ErrChannelClosed
		}
		return fmt.Errorf("channel: send on %s: %w", c.name, err)
	}
	return nil
}

// SendControl tells the peer about an imminent local event such as shutdown.
func (c *Channel) SendControl(kind string) error {
	body := tlv.EncodeFields(envelope.Control(kind))
	return c.Send(frame.New(frame.MsgControl, 0, 0, body))
}

// Dispatch runs fn on the Channel's serial queue.
func (c *Channel) Dispatch(fn func()) error {
	if err := c.queue.Async(fn); err != nil {
		return ErrChannelClosed
	}
	return nil
}

// SignalTerminationImminent delivers a termination-imminent event locally,
// used when this process is about to stop.
func (c *Channel) SignalTerminationImminent() {
	if !c.resumed.Load() || c.closed.Load() {
		return
	}
	c.deliver(Event{Kind: EventTerminationImminent})
}

// Close releases the connection. Only the first call has any effect.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		if !c.resumed.Load() {
			c.queue.Close()
		}
		if c.onClose != nil {
			c.onClose(c)
		}
		log.Debug().Str("channel", c.name).Str("id", c.id).Str("role", c.role.String()).Msg("channel closed")
	})
	return err
}

// Done is closed once the read loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.readDone
}

// QueueDone is closed once every queued event has been handled after the
// read loop exits.
func (c *Channel) QueueDone() <-chan struct{} {
	return c.queue.Done()
}

func (c *Channel) readLoop() {
	defer close(c.readDone)

	var readErr error
	for {
		f, err := frame.ReadFrame(c.conn, c.opts.Limits)
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			observability.RecordMalformedEnvelope(c.name)
			log.Warn().
				Str("channel", c.name).
				Uint64("id", f.Header.MessageID).
				Uint32("bytes", f.Header.PayloadLen).
				Msg("oversized frame dropped")
			continue
		}
		if err != nil {
			readErr = err
			break
		}
		if f.Header.MessageType == frame.MsgControl {
			c.handleControl(f)
			continue
		}
		c.deliver(Event{Kind: EventMessage, Frame: f})
	}

	kind := EventInvalid
	if c.role == RoleConnected && !c.closed.Load() {
		kind = EventInterrupted
	}
	log.Debug().
		Str("channel", c.name).
		Str("id", c.id).
		Str("event", kind.String()).
		AnErr("read_err", readErr).
		Msg("channel read loop ended")
	c.deliver(Event{Kind: kind, Err: readErr})
	c.queue.Close()
}

func (c *Channel) handleControl(f frame.Frame) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err == nil {
		var kind string
		kind, err = envelope.DecodeControl(fields)
		if err == nil && kind == envelope.ControlTerminationImminent {
			c.deliver(Event{Kind: EventTerminationImminent})
			return
		}
		if err == nil {
			err = fmt.Errorf("unknown control kind %q", kind)
		}
	}
	log.Warn().Str("channel", c.name).Err(err).Msg("control frame dropped")
}

func (c *Channel) deliver(ev Event) {
	c.handlerMu.Lock()
	h := c.handler
	c.handlerMu.Unlock()
	if err := c.queue.Async(func() { h(ev) }); err != nil {
		log.Debug().Str("channel", c.name).Str("event", ev.Kind.String()).Msg("event after queue close dropped")
	}
}

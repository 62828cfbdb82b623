// Package relay hands inbound payloads to an external processor and routes
// the processor's result back as a reply when the sender asked for one.
//
// Processing runs on a bounded work pool, never on a Channel's delivery
// queue. Requests beyond the pool and its wait queue are rejected rather
// than buffered. A processor that fails or never returns produces no reply;
// callers bound their wait with their own timeout.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/hostlink/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	ErrBrokerClosed      = errors.New("relay: broker closed")
	ErrBrokerBusy        = errors.New("relay: broker busy")
	ErrProcessingFailure = errors.New("relay: processing failure")
	// ErrNoReply lets a processor decline to answer without counting as a
	// failure.
	ErrNoReply = errors.New("relay: no reply")
)

// Processor transforms one request payload into a reply payload.
type Processor interface {
	Process(ctx context.Context, payload []byte) ([]byte, error)
}

type ProcessorFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f ProcessorFunc) Process(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Deliver adapts a pure relay callback. An empty return sends no reply.
func Deliver(fn func(payload []byte, length int) []byte) Processor {
	return ProcessorFunc(func(_ context.Context, payload []byte) ([]byte, error) {
		out := fn(payload, len(payload))
		if len(out) == 0 {
			return nil, ErrNoReply
		}
		return out, nil
	})
}

// Request is one inbound payload.
type Request struct {
	Channel        string
	ID             uint64
	Payload        []byte
	ReplyRequested bool
	// Reply sends the result back on the originating channel. It is called at
	// most once and only when ReplyRequested is set.
	Reply func(payload []byte)
}

type Config struct {
	// MaxInFlight bounds concurrent processor calls; <=0 means 64.
	MaxInFlight int64
	// MaxQueued bounds requests waiting for a free slot; <=0 means 1024.
	// Requests past it fail with ErrBrokerBusy and get no reply.
	MaxQueued int64
	// ProcessTimeout bounds one processor call; zero means unbounded.
	ProcessTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{MaxInFlight: 64, MaxQueued: 1024}
}

type Broker struct {
	proc Processor
	cfg  Config
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	pending int64
	closed  bool
}

func NewBroker(proc Processor, cfg Config) *Broker {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultConfig().MaxQueued
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		proc:   proc,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Relay schedules req and returns without waiting for the processor. It
// never blocks: when every slot and queue position is taken it fails with
// ErrBrokerBusy.
func (b *Broker) Relay(req Request) error {
	if b.proc == nil {
		return fmt.Errorf("%w: no processor configured", ErrProcessingFailure)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if b.pending >= b.cfg.MaxInFlight+b.cfg.MaxQueued {
		observability.RecordRelay(req.Channel, req.ReplyRequested, "busy", 0)
		return ErrBrokerBusy
	}
	b.pending++
	b.wg.Add(1)
	go b.run(req)
	return nil
}

// Pending reports requests running or waiting for a slot.
func (b *Broker) Pending() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Cancel aborts in-flight and queued processing. Work already finished is
// unaffected; cancelled requests get no reply.
func (b *Broker) Cancel() {
	b.cancel()
}

// Close stops accepting requests and waits for scheduled work to finish.
func (b *Broker) Close() {
	b.mu.Lock()
	already := b.closed
	b.closed = true
	b.mu.Unlock()
	if already {
		return
	}
	b.wg.Wait()
	b.cancel()
}

func (b *Broker) run(req Request) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		b.pending--
		b.mu.Unlock()
	}()
	if err := b.sem.Acquire(b.ctx, 1); err != nil {
		return
	}
	defer b.sem.Release(1)

	start := time.Now()
	out, err := b.process(req)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrNoReply):
		observability.RecordRelay(req.Channel, req.ReplyRequested, "no_reply", elapsed)
		return
	case err != nil:
		observability.RecordRelay(req.Channel, req.ReplyRequested, "failure", elapsed)
		log.Warn().
			Str("channel", req.Channel).
			Uint64("id", req.ID).
			Bool("reply_requested", req.ReplyRequested).
			Err(fmt.Errorf("%w: %v", ErrProcessingFailure, err)).
			Msg("payload dropped without reply")
		return
	}
	observability.RecordRelay(req.Channel, req.ReplyRequested, "ok", elapsed)

	if !req.ReplyRequested || req.Reply == nil {
		return
	}
	req.Reply(out)
}

func (b *Broker) process(req Request) (out []byte, err error) {
	ctx := b.ctx
	if b.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.ProcessTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return b.proc.Process(ctx, req.Payload)
}

package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/hostlink/internal/observability"
)

// ReplyFunc receives the outcome of one reply-expected request. Exactly one
// of payload or err is meaningful. It runs on its own goroutine, so it may
// issue further requests on the same connection.
type ReplyFunc func(payload []byte, err error)

// PendingInfo describes one outstanding request.
type PendingInfo struct {
	ID       uint64
	QueuedAt time.Time
	Deadline time.Time
}

type pendingReply struct {
	info  PendingInfo
	done  ReplyFunc
	timer *time.Timer
}

// PendingReplies maps correlation ids to continuations. Each entry resolves
// exactly once: by a reply, a timeout, or a failure sweep.
type PendingReplies struct {
	mu    sync.Mutex
	items map[uint64]*pendingReply
}

func NewPendingReplies() *PendingReplies {
	return &PendingReplies{
		items: make(map[uint64]*pendingReply),
	}
}

// Add registers done under id. A positive timeout resolves the entry with
// ErrReplyTimeout if no reply arrives in time.
func (p *PendingReplies) Add(id uint64, done ReplyFunc, timeout time.Duration) {
	now := time.Now()
	item := &pendingReply{
		info: PendingInfo{ID: id, QueuedAt: now},
		done: done,
	}
	observability.AddPendingReplies(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[id] = item
	// The timer starts only once the entry is visible, so an early expiry
	// always finds it.
	if timeout > 0 {
		item.info.Deadline = now.Add(timeout)
		item.timer = time.AfterFunc(timeout, func() {
			p.Resolve(id, nil, ErrReplyTimeout)
		})
	}
}

// Resolve completes id. It reports false when id is unknown or was already
// resolved.
func (p *PendingReplies) Resolve(id uint64, payload []byte, err error) bool {
	item, ok := p.take(id)
	if !ok {
		return false
	}
	go item.done(payload, err)
	return true
}

// Remove drops id without calling its continuation.
func (p *PendingReplies) Remove(id uint64) bool {
	_, ok := p.take(id)
	return ok
}

// FailAll resolves every outstanding entry with err and returns how many
// there were.
func (p *PendingReplies) FailAll(err error) int {
	p.mu.Lock()
	items := p.items
	p.items = make(map[uint64]*pendingReply)
	p.mu.Unlock()

	for _, item := range items {
		if item.timer != nil {
			item.timer.Stop()
		}
		go item.done(nil, err)
	}
	if len(items) > 0 {
		observability.AddPendingReplies(-len(items))
	}
	return len(items)
}

func (p *PendingReplies) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *PendingReplies) List() []PendingInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingInfo, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *PendingReplies) take(id uint64) (*pendingReply, bool) {
	p.mu.Lock()
	item, ok := p.items[id]
	if ok {
		delete(p.items, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	if item.timer != nil {
		item.timer.Stop()
	}
	observability.AddPendingReplies(-1)
	return item, true
}

// Package eventbus implements the kernel's typed, prioritized, bounded
// pub/sub bus. Delivery is at-least-once within a subscriber, FIFO
// within a priority per subscriber, unordered across priorities.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	helixerrors "github.com/HelixOS-Org/helix/infrastructure/errors"
	"github.com/HelixOS-Org/helix/infrastructure/metrics"
	"github.com/HelixOS-Org/helix/kernel/hal"
)

// Priority orders delivery urgency. Lower value is more urgent.
type Priority int

const (
	Emergency Priority = iota
	High
	Normal
	Low
	Background

	numPriorities = 5
)

func (p Priority) String() string {
	switch p {
	case Emergency:
		return "emergency"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// PriorityMask selects which priorities a subscription receives.
type PriorityMask uint8

// MaskOf builds a mask from priorities.
func MaskOf(ps ...Priority) PriorityMask {
	var m PriorityMask
	for _, p := range ps {
		m |= 1 << uint(p)
	}
	return m
}

// AllPriorities receives everything.
const AllPriorities PriorityMask = 1<<numPriorities - 1

// Has reports whether the mask includes p.
func (m PriorityMask) Has(p Priority) bool {
	return m&(1<<uint(p)) != 0
}

// Message is one delivered event.
type Message struct {
	Topic       string
	Priority    Priority
	Payload     any
	Seq         uint64
	PublishedAt uint64
}

// Subscription is a subscriber's handle onto one topic.
type Subscription struct {
	owner string
	topic string
	mask  PriorityMask

	mu     sync.Mutex
	queues [numPriorities][]Message
	total  int
	cap    int

	paused    bool
	pauseBuf  [numPriorities][]Message
	pauseTot  int
	closed    bool
	delivered uint64
}

// Owner returns the subscribing subsystem's name.
func (s *Subscription) Owner() string { return s.owner }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Bus is the kernel event bus.
type Bus struct {
	clock   hal.Clock
	metrics *metrics.Metrics

	capacity int
	spinMax  time.Duration

	mu     sync.RWMutex
	subs   map[string][]*Subscription // topic -> subscriptions
	byName map[string][]*Subscription // owner -> subscriptions
	seq    atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
}

// Options configures the bus.
type Options struct {
	QueueCapacity    int
	EmergencySpinMax time.Duration
}

// New creates a Bus.
func New(clock hal.Clock, m *metrics.Metrics, opts Options) *Bus {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.EmergencySpinMax <= 0 {
		opts.EmergencySpinMax = time.Millisecond
	}
	return &Bus{
		clock:    clock,
		metrics:  m,
		capacity: opts.QueueCapacity,
		spinMax:  opts.EmergencySpinMax,
		subs:     make(map[string][]*Subscription),
		byName:   make(map[string][]*Subscription),
	}
}

// Subscribe registers owner on topic for the masked priorities.
func (b *Bus) Subscribe(owner, topic string, mask PriorityMask) *Subscription {
	sub := &Subscription{owner: owner, topic: topic, mask: mask, cap: b.capacity}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.byName[owner] = append(b.byName[owner], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription; pending messages are discarded.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	b.subs[sub.topic] = removeSub(b.subs[sub.topic], sub)
	b.byName[sub.owner] = removeSub(b.byName[sub.owner], sub)
	b.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	for i := range sub.queues {
		sub.queues[i] = nil
		sub.pauseBuf[i] = nil
	}
	sub.total, sub.pauseTot = 0, 0
	sub.mu.Unlock()
}

func removeSub(list []*Subscription, sub *Subscription) []*Subscription {
	for i, s := range list {
		if s == sub {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Publish delivers payload to every subscription on topic whose mask
// includes priority. It never blocks, except that Emergency publishes
// spin with exponential backoff up to a hard cap before giving up.
// Returns Backpressure when any target queue stayed full at the
// publisher's priority.
func (b *Bus) Publish(topic string, priority Priority, payload any) error {
	msg := Message{
		Topic:       topic,
		Priority:    priority,
		Payload:     payload,
		Seq:         b.seq.Add(1),
		PublishedAt: b.clock.Now(),
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		if sub.mask.Has(priority) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var backpressured bool
	for _, sub := range targets {
		if b.enqueue(sub, msg) {
			continue
		}
		if priority == Emergency && b.spinEnqueue(sub, msg) {
			continue
		}
		backpressured = true
	}

	if backpressured {
		b.rejected.Add(1)
		if b.metrics != nil {
			b.metrics.BackpressureHit.WithLabelValues(topic).Inc()
		}
		return helixerrors.NewBackpressure(topic)
	}

	b.published.Add(1)
	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(topic, priority.String()).Inc()
	}
	return nil
}

// enqueue appends msg to sub, shedding lower-priority messages when the
// bounded budget is exhausted. Returns false when no room could be made
// at the message's priority.
func (b *Bus) enqueue(sub *Subscription, msg Message) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return true // silently ignore; subscriber is gone
	}

	if sub.paused {
		return b.bufferPausedLocked(sub, msg)
	}

	if sub.total >= sub.cap && !b.shedLocked(sub, msg.Priority) {
		return false
	}
	sub.queues[msg.Priority] = append(sub.queues[msg.Priority], msg)
	sub.total++
	return true
}

// shedLocked drops the oldest message of the least urgent non-empty
// priority strictly below pri. Reports whether room was made.
func (b *Bus) shedLocked(sub *Subscription, pri Priority) bool {
	for p := Background; p > pri; p-- {
		if len(sub.queues[p]) == 0 {
			continue
		}
		victim := sub.queues[p][0]
		sub.queues[p] = sub.queues[p][1:]
		sub.total--
		b.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.EventsDropped.WithLabelValues(victim.Topic, p.String()).Inc()
		}
		return true
	}
	return false
}

func (b *Bus) spinEnqueue(sub *Subscription, msg Message) bool {
	deadline := time.Now().Add(b.spinMax)
	backoff := time.Microsecond
	for time.Now().Before(deadline) {
		time.Sleep(backoff)
		if backoff < b.spinMax/4 {
			backoff *= 2
		}
		if b.enqueue(sub, msg) {
			return true
		}
	}
	return false
}

// Poll dequeues the most urgent pending message, FIFO within a priority.
func (b *Bus) Poll(sub *Subscription) (Message, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for p := Emergency; p <= Background; p++ {
		if len(sub.queues[p]) == 0 {
			continue
		}
		msg := sub.queues[p][0]
		sub.queues[p] = sub.queues[p][1:]
		sub.total--
		sub.delivered++
		return msg, true
	}
	return Message{}, false
}

// Pending reports queued (non-paused) messages for a subscription.
func (b *Bus) Pending(sub *Subscription) int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.total
}

// =============================================================================
// Pause / Resume — hot-reload support
// =============================================================================

// Pause buffers all traffic addressed to owner's subscriptions. Already
// queued messages stay queued; new publishes land in the pause buffer.
func (b *Bus) Pause(owner string) {
	b.mu.RLock()
	subs := b.byName[owner]
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.mu.Lock()
		sub.paused = true
		sub.mu.Unlock()
	}
}

// Resume drains each pause buffer into the live queues in FIFO order per
// priority and unblocks delivery.
func (b *Bus) Resume(owner string) {
	b.mu.RLock()
	subs := b.byName[owner]
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.mu.Lock()
		for p := Emergency; p <= Background; p++ {
			sub.queues[p] = append(sub.queues[p], sub.pauseBuf[p]...)
			sub.total += len(sub.pauseBuf[p])
			sub.pauseBuf[p] = nil
		}
		sub.pauseTot = 0
		sub.paused = false
		sub.mu.Unlock()
	}
}

// bufferPausedLocked stores msg in the pause buffer under the same
// bounded budget and shedding rule as live queues.
func (b *Bus) bufferPausedLocked(sub *Subscription, msg Message) bool {
	if sub.pauseTot >= sub.cap {
		shed := false
		for p := Background; p > msg.Priority; p-- {
			if len(sub.pauseBuf[p]) == 0 {
				continue
			}
			sub.pauseBuf[p] = sub.pauseBuf[p][1:]
			sub.pauseTot--
			b.dropped.Add(1)
			shed = true
			break
		}
		if !shed {
			return false
		}
	}
	sub.pauseBuf[msg.Priority] = append(sub.pauseBuf[msg.Priority], msg)
	sub.pauseTot++
	return true
}

// =============================================================================
// Introspection
// =============================================================================

// Stats is a point-in-time view of bus activity.
type Stats struct {
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
	Backpressured uint64 `json:"backpressured"`
	Subscriptions int    `json:"subscriptions"`
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	var n int
	for _, subs := range b.subs {
		n += len(subs)
	}
	b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
		Backpressured: b.rejected.Load(),
		Subscriptions: n,
	}
}

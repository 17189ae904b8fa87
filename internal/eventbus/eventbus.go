// Package eventbus implements the in-process, topic-addressed pub/sub used
// by the orchestrator to notify subscribers of lifecycle changes (spec.md
// §4.7). Publishers never block: each subscriber gets a bounded buffer and
// the oldest queued event is dropped (and counted) when that buffer fills.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/itcaffenet/ggnet", "eventbus")

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Event is a single published lifecycle notification.
type Event struct {
	Topic   string
	Payload interface{}
}

// Subscription is a live subscriber handle returned by Subscribe.
type Subscription struct {
	C       <-chan Event
	id      uint64
	topic   string
	bus     *Bus
	c       chan Event
	dropped *uint64
}

// Dropped returns the number of events dropped for this subscriber because
// its buffer was full.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(s.dropped)
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.topic, s.id)
}

// Bus is an in-process pub/sub dispatcher. The zero value is not usable; use
// New.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	bufSize int
	subs    map[string]map[uint64]*subscriber
}

type subscriber struct {
	c       chan Event
	dropped uint64
}

// New returns a Bus whose subscribers are buffered to bufSize events
// (DefaultBufferSize if bufSize <= 0).
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		bufSize: bufSize,
		subs:    make(map[string]map[uint64]*subscriber),
	}
}

// Subscribe registers interest in topic. Use "*" to receive every topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{c: make(chan Event, b.bufSize)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][id] = sub

	return &Subscription{
		C:       sub.c,
		id:      id,
		topic:   topic,
		bus:     b,
		c:       sub.c,
		dropped: &sub.dropped,
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[topic]; ok {
		if sub, ok := m[id]; ok {
			close(sub.c)
			delete(m, id)
		}
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Publish is non-blocking: it never waits on a slow subscriber. If a
// subscriber's buffer is full, the oldest queued event for that subscriber
// is dropped to make room and a drop is counted.
func (b *Bus) Publish(topic string, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.Lock()
	targets := make([]*subscriber, 0, 4)
	for _, sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	for _, sub := range b.subs["*"] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	select {
	case sub.c <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest queued event, then enqueue this one.
	select {
	case <-sub.c:
		atomic.AddUint64(&sub.dropped, 1)
		plog.Warningf("subscriber buffer full for topic %q, dropping oldest event", ev.Topic)
	default:
	}
	select {
	case sub.c <- ev:
	default:
		// Another publisher raced us and refilled the buffer; count this
		// event as dropped rather than block.
		atomic.AddUint64(&sub.dropped, 1)
	}
}

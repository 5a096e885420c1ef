package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
)

// Bus fans change notifications out to prefix-filtered subscribers.
// Delivery never blocks the publisher: a full subscriber misses the event
// and catches up by re-reading state on the next one.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  uint64
}

type subscriber struct {
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			s.dropped.Add(1)
			metrics.BusDropped.WithLabelValues(label(s.prefix)).Inc()
		}
	}
}

// Emit publishes kind with payload stamped with the current time.
// Safe to call on a nil bus.
func (b *Bus) Emit(kind string, payload any) {
	if b == nil {
		return
	}
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe registers a subscriber for kinds starting with prefix; "" matches
// everything. The returned cancel func is idempotent and does not close the
// channel.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	s := &subscriber{prefix: prefix, ch: make(chan Event, buf)}
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped returns the number of events missed by subscribers of prefix.
func (b *Bus) Dropped(prefix string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, s := range b.subs {
		if s.prefix == prefix {
			n += s.dropped.Load()
		}
	}
	return n
}

func label(prefix string) string {
	if prefix == "" {
		return "*"
	}
	return strings.TrimSuffix(prefix, ".")
}

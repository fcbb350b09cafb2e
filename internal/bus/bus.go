package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace and topic filtering.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Int64
}

// Filter selects the events a subscriber receives. An empty Namespace matches
// every kind; an empty Topic matches every topic.
type Filter struct {
	Namespace string
	Topic     string
}

func (f Filter) matches(evt Event) bool {
	if !strings.HasPrefix(evt.Kind, f.Namespace) {
		return false
	}
	return f.Topic == "" || f.Topic == evt.Topic
}

type subscription struct {
	filter Filter
	ch     chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose filter matches it.
// Safe to call on a nil Bus.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter.matches(evt) {
			select {
			case sub.ch <- evt:
			default:
				// Slow subscriber; observers re-read state on the next event.
				b.dropped.Add(1)
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeFilter(Filter{Namespace: namespace}, bufSize)
}

// SubscribeTopic is Subscribe restricted to one topic (conversation id).
func (b *Bus) SubscribeTopic(topic, namespace string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeFilter(Filter{Namespace: namespace, Topic: topic}, bufSize)
}

// SubscribeFilter registers a subscriber for f. The returned function removes
// the subscription; calling it more than once is a no-op.
func (b *Bus) SubscribeFilter(f Filter, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{filter: f, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many events were discarded because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

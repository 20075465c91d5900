package level

import "sync"

// Broadcaster fans samples out to subscribers that outlive individual feeds,
// such as websocket clients watching a whole session.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Sample
	next   int
	buffer int
	closed bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{subs: make(map[int]chan Sample), buffer: buffer}
}

// Subscribe registers a new subscriber. The returned cancel function closes
// the channel and is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Sample, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Sample, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers s to every subscriber with room in its buffer.
func (b *Broadcaster) Publish(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Forward publishes every sample of f until the feed closes.
func (b *Broadcaster) Forward(f *Feed) {
	for s := range f.Samples() {
		b.Publish(s)
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

var _ Bus = (*MemoryBus)(nil)

// MemoryBus fans published payloads out to in-process subscribers. Like
// redis pub/sub it does not persist messages: publishing to a topic with no
// subscriber drops the message.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	buf    int
	closed bool

	dropped uint64
}

func NewMemoryBus(buf int) *MemoryBus {
	if buf <= 0 {
		buf = 64
	}
	return &MemoryBus{subs: map[string][]*memorySub{}, buf: buf}
}

type memorySub struct {
	bus    *MemoryBus
	topics []string
	ch     chan Message
	once   sync.Once
	done   chan struct{}
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topics ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: b, topics: topics, ch: make(chan Message, b.buf), done: make(chan struct{})}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], sub)
	}
	return sub, nil
}

// Publish blocks while a subscriber's buffer is full, until ctx is done.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*memorySub(nil), b.subs[topic]...)
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
			atomic.AddUint64(&b.dropped, 1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.topics {
		list := b.subs[t]
		for i, s := range list {
			if s == sub {
				b.subs[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Dropped counts messages discarded because their subscriber went away.
func (b *MemoryBus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*memorySub
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
	return nil
}

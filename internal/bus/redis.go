package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var _ Bus = (*RedisBus)(nil)

// RedisBus is the cross-process transport: the webhook listener and each bot
// worker share one redis instance and talk over pub/sub channels.
type RedisBus struct {
	Client *redis.Client
}

func NewRedisBus(opt *redis.Options) *RedisBus {
	return &RedisBus{Client: redis.NewClient(opt)}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.Client.Ping(ctx).Err()
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.Client.Publish(ctx, topic, payload).Err()
}

// Subscribe returns once redis has confirmed the subscription, so a publish
// issued after it returns is guaranteed to be delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	ps := b.Client.Subscribe(ctx, topics...)
	for range topics {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("redis subscribe %v: %w", topics, err)
		}
	}
	sub := &redisSub{ps: ps, ch: make(chan Message, 64), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

func (b *RedisBus) Close() error {
	return b.Client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump() {
	defer close(s.ch)
	for m := range s.ps.Channel() {
		select {
		case s.ch <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) Messages() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willer/trading-bot/internal/config"
)

func recv(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case m := <-sub.Messages():
		return m
	case <-time.After(time.Second):
		t.Fatalf("no message")
	}
	return Message{}
}

func TestMemoryBusFanout(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(4)
	a, err := b.Subscribe(ctx, DefaultSignalTopic)
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, DefaultSignalTopic, DefaultHealthTopic)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, DefaultSignalTopic, []byte("x")))
	require.NoError(t, b.Publish(ctx, DefaultHealthTopic, []byte(HealthOK)))

	assert.Equal(t, "x", string(recv(t, a).Payload))
	assert.Equal(t, "x", string(recv(t, c).Payload))
	m := recv(t, c)
	assert.Equal(t, DefaultHealthTopic, m.Topic)
	assert.Equal(t, HealthOK, string(m.Payload))
}

func TestMemoryBusUnsubscribed(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(1)
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, b.Publish(ctx, "t", []byte("lost")))

	require.NoError(t, b.Close())
	_, err = b.Subscribe(ctx, "t")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(b.Publish(ctx, "t", nil), ErrClosed))
}

func TestMemoryBusPublishHonoursContext(t *testing.T) {
	b := NewMemoryBus(1)
	_, err := b.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "t", []byte("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Publish(ctx, "t", []byte("2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealthError(t *testing.T) {
	assert.Equal(t, "ok", HealthError(nil))
	assert.Equal(t, "error: down", HealthError(errors.New("down")))
}

func TestOpenSelectsDriver(t *testing.T) {
	b, err := Open(config.BusConfig{Driver: "memory", BufferSize: 4}, config.RedisConfig{})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := b.(*MemoryBus); !ok {
		t.Fatalf("bus=%T want=*MemoryBus", b)
	}
	_ = b.Close()

	b, err = Open(config.BusConfig{Driver: "redis"}, config.RedisConfig{Addr: "localhost:6379"})
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	if _, ok := b.(*RedisBus); !ok {
		t.Fatalf("bus=%T want=*RedisBus", b)
	}
	_ = b.Close()

	if _, err := Open(config.BusConfig{Driver: "redis"}, config.RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty redis addr")
	}
	if _, err := Open(config.BusConfig{Driver: "kafka"}, config.RedisConfig{}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

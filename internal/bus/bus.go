// Package bus carries canonical signals and health replies between the
// webhook listener, the retry scheduler and the bot worker.
package bus

import (
	"context"
	"errors"
)

const (
	DefaultSignalTopic = "tradingview"
	DefaultHealthTopic = "health"
	// HealthCheck is the non-JSON sentinel published on the signal topic to
	// request a round-trip health report.
	HealthCheck = "health check"
	HealthOK    = "ok"
)

var ErrClosed = errors.New("bus closed")

type Message struct {
	Topic   string
	Payload []byte
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Subscription interface {
	Messages() <-chan Message
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// HealthError formats a failed health reply.
func HealthError(err error) string {
	if err == nil {
		return HealthOK
	}
	return "error: " + err.Error()
}

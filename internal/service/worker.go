package service

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/willer/trading-bot/internal/bus"
	"github.com/willer/trading-bot/internal/signal"
)

const defaultMaxInFlight = 4

type SignalHandler interface {
	Handle(ctx context.Context, p signal.Payload) error
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

// Worker drains the signal topic for one bot. The read loop never blocks on
// a broker: health probes are answered on their own goroutine and signals
// run on per-ticker lanes, so signals for one ticker execute in arrival
// order while other tickers proceed. At most MaxInFlight signals execute at
// once.
type Worker struct {
	Bus          bus.Bus
	Bot          string
	SignalTopic  string
	HealthTopic  string
	HealthSignal string
	MaxInFlight  int
	Executor     SignalHandler
	Health       HealthChecker
	Settings     *SystemSettingsService
	Logger       *zap.Logger

	checking atomic.Bool
}

func (w *Worker) signalTopic() string {
	if w.SignalTopic == "" {
		return bus.DefaultSignalTopic
	}
	return w.SignalTopic
}

func (w *Worker) healthTopic() string {
	if w.HealthTopic == "" {
		return bus.DefaultHealthTopic
	}
	return w.HealthTopic
}

func (w *Worker) healthSignal() string {
	if w.HealthSignal == "" {
		return bus.HealthCheck
	}
	return w.HealthSignal
}

func (w *Worker) maxInFlight() int {
	if w.MaxInFlight <= 0 {
		return defaultMaxInFlight
	}
	return w.MaxInFlight
}

// Run blocks until ctx is done or the subscription ends, then waits for
// in-flight signals and health checks to return.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.Bus == nil {
		return nil
	}
	sub, err := w.Bus.Subscribe(ctx, w.signalTopic())
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()
	if w.Logger != nil {
		w.Logger.Info("worker started", zap.String("bot", w.Bot), zap.String("topic", w.signalTopic()))
	}

	l := newLanes(w.maxInFlight())
	defer l.wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			w.dispatch(ctx, l, msg.Payload)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, l *lanes, payload []byte) {
	if w.isHealthProbe(payload) {
		// Probes arriving while one is running share its reply.
		if !w.checking.CompareAndSwap(false, true) {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer w.checking.Store(false)
			w.answerHealth(ctx)
		}()
		return
	}
	p, ok := w.accept(payload)
	if !ok {
		return
	}
	l.dispatch(ctx, strings.ToUpper(p.Ticker), p, w.execute)
}

// HandleMessage processes one bus payload synchronously.
func (w *Worker) HandleMessage(ctx context.Context, payload []byte) {
	if w.isHealthProbe(payload) {
		w.answerHealth(ctx)
		return
	}
	if p, ok := w.accept(payload); ok {
		w.execute(ctx, p)
	}
}

func (w *Worker) isHealthProbe(payload []byte) bool {
	return string(bytes.TrimSpace(payload)) == w.healthSignal()
}

// accept parses payload and keeps it only if it is a valid signal for this
// bot.
func (w *Worker) accept(payload []byte) (signal.Payload, bool) {
	p, err := signal.Parse(payload)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Warn("unreadable signal", zap.Error(err))
		}
		return p, false
	}
	if !strings.EqualFold(p.Strategy.Bot, w.Bot) {
		return p, false
	}
	if err := p.Validate(); err != nil {
		if w.Logger != nil {
			w.Logger.Warn("invalid signal", zap.String("ticker", p.Ticker), zap.Error(err))
		}
		return p, false
	}
	return p, true
}

func (w *Worker) execute(ctx context.Context, p signal.Payload) {
	if !w.Settings.IsEnabled(ctx, FeatureTrading, true) {
		if w.Logger != nil {
			w.Logger.Info("trading disabled, signal dropped", zap.Uint64("signal_id", p.Strategy.ID), zap.String("ticker", p.Ticker))
		}
		return
	}
	if w.Executor == nil {
		return
	}
	if err := w.Executor.Handle(ctx, p); err != nil && w.Logger != nil {
		w.Logger.Error("signal execution failed",
			zap.Uint64("signal_id", p.Strategy.ID),
			zap.String("ticker", p.Ticker),
			zap.Error(err),
		)
	}
}

func (w *Worker) answerHealth(ctx context.Context) {
	var err error
	if w.Health != nil {
		err = w.Health.Check(ctx)
	}
	reply := bus.HealthError(err)
	if w.Logger != nil {
		w.Logger.Info("health check", zap.String("result", reply))
	}
	if perr := w.Bus.Publish(ctx, w.healthTopic(), []byte(reply)); perr != nil && w.Logger != nil {
		w.Logger.Warn("health reply failed", zap.Error(perr))
	}
}

// lanes runs one goroutine per busy key. Queued payloads for a key run in
// order; a shared semaphore bounds how many run at the same time.
type lanes struct {
	mu     sync.Mutex
	queues map[string][]signal.Payload
	sem    chan struct{}
	wg     sync.WaitGroup
}

func newLanes(limit int) *lanes {
	return &lanes{queues: map[string][]signal.Payload{}, sem: make(chan struct{}, limit)}
}

func (l *lanes) dispatch(ctx context.Context, key string, p signal.Payload, run func(context.Context, signal.Payload)) {
	l.mu.Lock()
	q, busy := l.queues[key]
	l.queues[key] = append(q, p)
	l.mu.Unlock()
	if busy {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			l.mu.Lock()
			q := l.queues[key]
			if len(q) == 0 || ctx.Err() != nil {
				delete(l.queues, key)
				l.mu.Unlock()
				return
			}
			next := q[0]
			l.queues[key] = q[1:]
			l.mu.Unlock()

			select {
			case l.sem <- struct{}{}:
			case <-ctx.Done():
				continue
			}
			run(ctx, next)
			<-l.sem
		}
	}()
}

func (l *lanes) wait() {
	l.wg.Wait()
}

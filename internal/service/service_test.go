package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/willer/trading-bot/internal/broker"
	"github.com/willer/trading-bot/internal/bus"
	"github.com/willer/trading-bot/internal/config"
	"github.com/willer/trading-bot/internal/repository/memory"
	"github.com/willer/trading-bot/internal/signal"
)

type recordingExecutor struct {
	mu   sync.Mutex
	seen []signal.Payload
}

func (e *recordingExecutor) Handle(_ context.Context, p signal.Payload) error {
	e.mu.Lock()
	e.seen = append(e.seen, p)
	e.mu.Unlock()
	return nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

type healthFunc func(context.Context) error

func (f healthFunc) Check(ctx context.Context) error { return f(ctx) }

func TestSettingsDefaultsAreNotOverwritten(t *testing.T) {
	ctx := context.Background()
	s := &SystemSettingsService{Repo: memory.New()}
	require.NoError(t, s.EnsureDefaultSwitches(ctx))
	assert.True(t, s.IsEnabled(ctx, FeatureTrading, false))

	require.NoError(t, s.SetEnabled(ctx, FeatureTrading, false))
	require.NoError(t, s.EnsureDefaultSwitches(ctx))
	assert.False(t, s.IsEnabled(ctx, FeatureTrading, true))

	switches, err := s.ListSwitches(ctx)
	require.NoError(t, err)
	require.Len(t, switches, 2)
	assert.Equal(t, "retry_scheduler", switches[0].Name)
	assert.Equal(t, "trading", switches[1].Name)

	var nilSvc *SystemSettingsService
	assert.True(t, nilSvc.IsEnabled(ctx, FeatureTrading, true))
}

func TestGated(t *testing.T) {
	ctx := context.Background()
	s := &SystemSettingsService{Repo: memory.New()}
	runs := 0
	job := Gated(s, FeatureRetryScheduler, func(context.Context) error { runs++; return nil })

	require.NoError(t, job(ctx))
	require.NoError(t, s.SetEnabled(ctx, FeatureRetryScheduler, false))
	require.NoError(t, job(ctx))
	assert.Equal(t, 1, runs)
}

func TestWorkerRoutesSignalsAndHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemoryBus(8)
	defer b.Close()
	health, err := b.Subscribe(ctx, bus.DefaultHealthTopic)
	require.NoError(t, err)

	exec := &recordingExecutor{}
	settings := &SystemSettingsService{Repo: memory.New()}
	w := &Worker{
		Bus:      b,
		Bot:      "live",
		Executor: exec,
		Health:   healthFunc(func(context.Context) error { return errors.New("alpaca down") }),
		Settings: settings,
		Logger:   zap.NewNop(),
	}

	w.HandleMessage(ctx, []byte(`{"ticker":"SPY","strategy":{"bot":"live","market_position":"long","position_pct":10}}`))
	w.HandleMessage(ctx, []byte(`{"ticker":"SPY","strategy":{"bot":"other","market_position":"long"}}`))
	w.HandleMessage(ctx, []byte(`not json`))
	assert.Equal(t, 1, exec.count())

	require.NoError(t, settings.SetEnabled(ctx, FeatureTrading, false))
	w.HandleMessage(ctx, []byte(`{"ticker":"SPY","strategy":{"bot":"live","market_position":"flat"}}`))
	assert.Equal(t, 1, exec.count())

	w.HandleMessage(ctx, []byte(" health check\n"))
	select {
	case m := <-health.Messages():
		assert.Equal(t, "error: alpaca down", string(m.Payload))
	case <-time.After(time.Second):
		t.Fatalf("no health reply")
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := bus.NewMemoryBus(8)
	defer b.Close()
	health, err := b.Subscribe(ctx, bus.DefaultHealthTopic)
	require.NoError(t, err)

	exec := &recordingExecutor{}
	w := &Worker{Bus: b, Bot: "live", Executor: exec}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Publish until the worker's subscription is live and replies.
	deadline := time.After(2 * time.Second)
	for replied := false; !replied; {
		require.NoError(t, b.Publish(ctx, bus.DefaultSignalTopic, []byte(bus.HealthCheck)))
		select {
		case m := <-health.Messages():
			assert.Equal(t, bus.HealthOK, string(m.Payload))
			replied = true
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("worker never answered")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestBrokerHealthChecksEveryAccount(t *testing.T) {
	cfg := config.Config{
		Bots:     map[string]config.BotAccounts{"live": {Accounts: []string{"p1", "p2"}}},
		Accounts: map[string]config.AccountConfig{"p1": {Driver: "paper"}, "p2": {Driver: "paper"}},
	}
	reg := broker.NewRegistry(config.BrokerConfig{}, broker.NewInstrumentTable(nil), nil)
	h := &BrokerHealth{Bot: "live", Accounts: config.NewAccountBook(cfg), Brokers: reg}
	require.NoError(t, h.Check(context.Background()))

	cfg.Accounts["p2"] = config.AccountConfig{Driver: "ibkr"}
	h.Accounts = config.NewAccountBook(cfg)
	err := h.Check(context.Background())
	assert.True(t, errors.Is(err, broker.ErrUnsupportedDriver))

	h.Bot = "nobody"
	assert.Error(t, h.Check(context.Background()))
}

// gatedExecutor blocks every SPY signal until release is closed.
type gatedExecutor struct {
	recordingExecutor
	started chan string
	release chan struct{}
}

func (e *gatedExecutor) Handle(ctx context.Context, p signal.Payload) error {
	e.started <- p.Ticker + ":" + p.Strategy.MarketPosition
	if p.Ticker == "SPY" {
		select {
		case <-e.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.recordingExecutor.Handle(ctx, p)
}

func startWorker(t *testing.T, w *Worker, b *bus.MemoryBus, health bus.Subscription) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	deadline := time.After(2 * time.Second)
	for replied := false; !replied; {
		require.NoError(t, b.Publish(ctx, bus.DefaultSignalTopic, []byte(bus.HealthCheck)))
		select {
		case <-health.Messages():
			replied = true
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("worker never answered")
		}
	}
	// Drain replies to probes that raced the first answer.
	for {
		select {
		case <-health.Messages():
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	return cancel, done
}

func TestWorkerAnswersHealthWhileSignalBlocks(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	health, err := b.Subscribe(context.Background(), bus.DefaultHealthTopic)
	require.NoError(t, err)

	exec := &gatedExecutor{started: make(chan string, 4), release: make(chan struct{})}
	w := &Worker{Bus: b, Bot: "live", Executor: exec, Logger: zap.NewNop()}
	cancel, done := startWorker(t, w, b, health)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, bus.DefaultSignalTopic, []byte(`{"ticker":"SPY","strategy":{"bot":"live","market_position":"long","position_pct":10}}`)))
	select {
	case got := <-exec.started:
		assert.Equal(t, "SPY:long", got)
	case <-time.After(time.Second):
		t.Fatalf("signal never started")
	}

	require.NoError(t, b.Publish(ctx, bus.DefaultSignalTopic, []byte(bus.HealthCheck)))
	select {
	case m := <-health.Messages():
		assert.Equal(t, bus.HealthOK, string(m.Payload))
	case <-time.After(time.Second):
		t.Fatalf("health reply blocked behind an executing signal")
	}
	assert.Equal(t, 0, exec.count())

	close(exec.release)
	require.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestWorkerKeepsTickerOrderAcrossLanes(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()
	health, err := b.Subscribe(context.Background(), bus.DefaultHealthTopic)
	require.NoError(t, err)

	exec := &gatedExecutor{started: make(chan string, 8), release: make(chan struct{})}
	w := &Worker{Bus: b, Bot: "live", MaxInFlight: 2, Executor: exec, Logger: zap.NewNop()}
	cancel, done := startWorker(t, w, b, health)
	defer func() {
		cancel()
		<-done
	}()

	ctx := context.Background()
	for _, raw := range []string{
		`{"ticker":"SPY","strategy":{"bot":"live","market_position":"long","position_pct":10}}`,
		`{"ticker":"SPY","strategy":{"bot":"live","market_position":"flat"}}`,
		`{"ticker":"QQQ","strategy":{"bot":"live","market_position":"short","position_pct":5}}`,
	} {
		require.NoError(t, b.Publish(ctx, bus.DefaultSignalTopic, []byte(raw)))
	}

	var order []string
	next := func() string {
		select {
		case got := <-exec.started:
			return got
		case <-time.After(time.Second):
			t.Fatalf("no signal started; order so far %v", order)
			return ""
		}
	}
	order = append(order, next(), next())
	assert.ElementsMatch(t, []string{"SPY:long", "QQQ:short"}, order)
	select {
	case got := <-exec.started:
		t.Fatalf("SPY flat ran before SPY long finished: %s", got)
	case <-time.After(100 * time.Millisecond):
	}

	close(exec.release)
	assert.Equal(t, "SPY:flat", next())
	require.Eventually(t, func() bool { return exec.count() == 3 }, time.Second, 10*time.Millisecond)
	exec.mu.Lock()
	defer exec.mu.Unlock()
	var spy []string
	for _, p := range exec.seen {
		if p.Ticker == "SPY" {
			spy = append(spy, p.Strategy.MarketPosition)
		}
	}
	assert.Equal(t, []string{"long", "flat"}, spy)
}

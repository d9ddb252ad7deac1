package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/willer/trading-bot/internal/bus"
	"github.com/willer/trading-bot/internal/config"
	"github.com/willer/trading-bot/internal/intake"
	"github.com/willer/trading-bot/internal/models"
	"github.com/willer/trading-bot/internal/repository/memory"
	"github.com/willer/trading-bot/internal/signal"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

type harness struct {
	now    time.Time
	repo   *memory.Store
	sub    bus.Subscription
	intake *intake.Service
	sched  *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: t0, repo: memory.New()}
	b := bus.NewMemoryBus(32)
	sub, err := b.Subscribe(context.Background(), bus.DefaultSignalTopic)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	h.sub = sub
	clock := func() time.Time { return h.now }
	h.intake = &intake.Service{
		Repo: h.repo,
		Bus:  b,
		Bot:  config.BotConfig{Name: "live"},
		Config: config.IntakeConfig{
			FlatDelay:           15 * time.Second,
			VerifyDelay:         time.Minute,
			FlatSupersedeWindow: 15 * time.Second,
		},
		Now: clock,
	}
	h.sched = &Scheduler{
		Repo:   h.repo,
		Bus:    b,
		Config: config.SchedulerConfig{StaleHorizon: 3 * time.Minute, DedupWindow: 10 * time.Second},
		Now:    clock,
	}
	return h
}

func (h *harness) ingest(t *testing.T, at time.Duration, ticker, pos string) uint64 {
	t.Helper()
	h.now = t0.Add(at)
	raw, _ := json.Marshal(map[string]any{
		"ticker":   ticker,
		"strategy": map[string]any{"bot": "live", "market_position": pos},
	})
	res, err := h.intake.Ingest(context.Background(), raw)
	require.NoError(t, err)
	return res.SignalID
}

func (h *harness) tick(t *testing.T, at time.Duration) TickResult {
	t.Helper()
	h.now = t0.Add(at)
	res, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) drain() []signal.Payload {
	var out []signal.Payload
	for {
		select {
		case m := <-h.sub.Messages():
			p, err := signal.Parse(m.Payload)
			if err == nil {
				out = append(out, p)
			}
		default:
			return out
		}
	}
}

func TestFlatAfterShortIsSuperseded(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, 0, "SOXL", "short")
	flatID := h.ingest(t, 2*time.Second, "SOXL", "flat")
	pub := h.drain()
	require.Len(t, pub, 1)
	assert.Equal(t, signal.Short, pub[0].Strategy.MarketPosition)

	// The flat consumed the short's retries at intake.
	res := h.tick(t, 5*time.Second)
	assert.Equal(t, 0, res.Due)

	res = h.tick(t, 17*time.Second)
	assert.Equal(t, 0, res.Published)
	assert.Equal(t, 1, res.Superseded)
	assert.Empty(t, h.drain())

	for _, s := range h.repo.Signals() {
		if s.ID == flatID {
			require.NotNil(t, s.SkippedReason)
			assert.Equal(t, SkippedDuplicateFlat, *s.SkippedReason)
		}
	}

	res = h.tick(t, 62*time.Second)
	assert.Equal(t, 0, res.Published)
	assert.Equal(t, 1, res.Superseded)
	assert.Empty(t, h.drain())
}

func TestLateFlatCancelsLongVerification(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, 0, "SPY", "long")
	flatID := h.ingest(t, 30*time.Second, "SPY", "flat")
	h.drain()

	var seen []string
	for _, at := range []time.Duration{5 * time.Second, 45 * time.Second, 60 * time.Second, 90 * time.Second} {
		h.tick(t, at)
		for _, p := range h.drain() {
			if p.Strategy.MarketPosition == signal.Long {
				t.Fatalf("long republished at t=%v", at)
			}
			assert.Equal(t, flatID, p.Strategy.ID)
			seen = append(seen, at.String())
		}
	}
	assert.Equal(t, []string{"45s", "1m30s"}, seen)
}

func TestLoneFlatPublishesOnce(t *testing.T) {
	h := newHarness(t)
	id := h.ingest(t, 0, "TQQQ", "flat")

	res := h.tick(t, 10*time.Second)
	assert.Equal(t, 0, res.Due)

	res = h.tick(t, 15*time.Second)
	assert.Equal(t, 1, res.Published)
	pub := h.drain()
	require.Len(t, pub, 1)
	assert.Equal(t, "TQQQ", pub[0].Ticker)
	assert.Equal(t, signal.Flat, pub[0].Strategy.MarketPosition)
	assert.Equal(t, id, pub[0].Strategy.ID)
	assert.True(t, pub[0].IsRetry)

	res = h.tick(t, 20*time.Second)
	assert.Equal(t, 0, res.Published)
	assert.Empty(t, h.drain())
}

// addRetry stores a signal with one pending retry, skipping intake's
// supersede step, as when a retry lands concurrently with a newer alert.
func (h *harness) addRetry(t *testing.T, at time.Duration, ticker string) uint64 {
	t.Helper()
	ctx := context.Background()
	sig := &models.Signal{Ticker: ticker, Bot: "live", MarketPosition: signal.Flat, ReceivedAt: t0.Add(at)}
	require.NoError(t, h.repo.InsertSignal(ctx, sig))
	p := signal.Payload{Ticker: ticker, Strategy: signal.Strategy{ID: sig.ID, Bot: "live", MarketPosition: signal.Flat}}
	raw, err := p.Marshal()
	require.NoError(t, err)
	require.NoError(t, h.repo.InsertRetry(ctx, &models.SignalRetry{
		SignalID:         sig.ID,
		RetryTime:        t0.Add(at + 15*time.Second),
		SignalData:       datatypes.JSON(raw),
		RetriesRemaining: 1,
	}))
	return sig.ID
}

func TestLatestSignalWinsPerGroup(t *testing.T) {
	h := newHarness(t)
	h.addRetry(t, 0, "SPY")
	second := h.addRetry(t, time.Second, "SPY")
	h.addRetry(t, time.Second, "QQQ")

	res := h.tick(t, 20*time.Second)
	assert.Equal(t, 3, res.Due)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, 1, res.Superseded)

	got := map[string]uint64{}
	for _, p := range h.drain() {
		got[p.Ticker] = p.Strategy.ID
	}
	assert.Equal(t, second, got["SPY"])
	assert.Contains(t, got, "QQQ")
}

func TestStaleRetriesNeverFire(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, 0, "SPY", "flat")

	res := h.tick(t, 15*time.Second+3*time.Minute+time.Second)
	// Only the verification entry is still inside the horizon.
	assert.Equal(t, 1, res.Due)
	for _, r := range h.repo.Retries() {
		if r.RetryTime.Equal(t0.Add(15 * time.Second)) {
			assert.True(t, r.Pending(), "stale retry is left pending")
		}
	}
}

func TestTickNilSafe(t *testing.T) {
	var s *Scheduler
	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res)
}

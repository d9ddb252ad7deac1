// Package memory is an in-process repository used by tests and by the
// single-process paper setup.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/willer/trading-bot/internal/models"
	"github.com/willer/trading-bot/internal/repository"
)

var _ repository.Repository = (*Store)(nil)

type Store struct {
	mu       sync.Mutex
	signals  []models.Signal
	retries  []models.SignalRetry
	settings map[string]models.SystemSetting
	nextSig  uint64
	nextRet  uint64
	nextSet  uint64

	// Now stamps created_at on retries; defaults to time.Now.
	Now func() time.Time
}

func New() *Store {
	return &Store{settings: map[string]models.SystemSetting{}}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

type snapshot struct {
	signals  []models.Signal
	retries  []models.SignalRetry
	settings map[string]models.SystemSetting
	nextSig  uint64
	nextRet  uint64
	nextSet  uint64
}

// WithTx restores the prior state when fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Repository) error) error {
	s.mu.Lock()
	snap := snapshot{
		signals:  append([]models.Signal(nil), s.signals...),
		retries:  append([]models.SignalRetry(nil), s.retries...),
		settings: make(map[string]models.SystemSetting, len(s.settings)),
		nextSig:  s.nextSig,
		nextRet:  s.nextRet,
		nextSet:  s.nextSet,
	}
	for k, v := range s.settings {
		snap.settings[k] = v
	}
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.signals, s.retries, s.settings = snap.signals, snap.retries, snap.settings
		s.nextSig, s.nextRet, s.nextSet = snap.nextSig, snap.nextRet, snap.nextSet
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) InsertSignal(_ context.Context, item *models.Signal) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSig++
	item.ID = s.nextSig
	s.signals = append(s.signals, *item)
	return nil
}

func (s *Store) GetSignalByID(_ context.Context, id uint64) (*models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.signals {
		if s.signals[i].ID == id {
			item := s.signals[i]
			return &item, nil
		}
	}
	return nil, nil
}

func (s *Store) filterSignals(params repository.ListSignalsParams) []models.Signal {
	var out []models.Signal
	for _, sig := range s.signals {
		if params.Ticker != nil && *params.Ticker != "" && !strings.EqualFold(sig.Ticker, *params.Ticker) {
			continue
		}
		if params.Bot != nil && *params.Bot != "" && sig.Bot != *params.Bot {
			continue
		}
		if params.Since != nil && sig.ReceivedAt.Before(*params.Since) {
			continue
		}
		out = append(out, sig)
	}
	return out
}

func (s *Store) ListSignals(_ context.Context, params repository.ListSignalsParams) ([]models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.filterSignals(params)
	asc := params.Asc != nil && *params.Asc
	sort.SliceStable(items, func(i, j int) bool {
		if asc {
			return items[i].ID < items[j].ID
		}
		return items[i].ID > items[j].ID
	})
	if params.Offset > 0 {
		if params.Offset >= len(items) {
			return nil, nil
		}
		items = items[params.Offset:]
	}
	if params.Limit > 0 && len(items) > params.Limit {
		items = items[:params.Limit]
	}
	return items, nil
}

func (s *Store) CountSignals(_ context.Context, params repository.ListSignalsParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.filterSignals(params))), nil
}

func (s *Store) MarkSignalProcessed(_ context.Context, id uint64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.signals {
		if s.signals[i].ID == id {
			if s.signals[i].ProcessedAt != nil {
				return false, nil
			}
			ts := at.UTC()
			s.signals[i].ProcessedAt = &ts
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MarkSignalSkipped(_ context.Context, id uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.signals {
		if s.signals[i].ID == id {
			r := reason
			s.signals[i].SkippedReason = &r
		}
	}
	return nil
}

func (s *Store) HasDirectionalSignal(_ context.Context, ticker, bot string, from, to time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range s.signals {
		if sig.Ticker != ticker || sig.Bot != bot || !sig.IsDirectional() {
			continue
		}
		if !sig.ReceivedAt.Before(from) && !sig.ReceivedAt.After(to) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) InsertRetry(_ context.Context, item *models.SignalRetry) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRet++
	item.ID = s.nextRet
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	s.retries = append(s.retries, *item)
	return nil
}

func (s *Store) ListRetriesBySignal(_ context.Context, signalID uint64) ([]models.SignalRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SignalRetry
	for _, r := range s.retries {
		if r.SignalID == signalID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) signalByIDLocked(id uint64) (models.Signal, bool) {
	for _, sig := range s.signals {
		if sig.ID == id {
			return sig, true
		}
	}
	return models.Signal{}, false
}

func (s *Store) ListDueRetries(_ context.Context, from, to time.Time) ([]repository.DueRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.DueRetry
	for _, r := range s.retries {
		if !r.Pending() || r.RetryTime.Before(from) || r.RetryTime.After(to) {
			continue
		}
		sig, ok := s.signalByIDLocked(r.SignalID)
		if !ok {
			continue
		}
		out = append(out, repository.DueRetry{
			Retry:          r,
			Ticker:         sig.Ticker,
			Bot:            sig.Bot,
			MarketPosition: sig.MarketPosition,
			ReceivedAt:     sig.ReceivedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Retry.RetryTime.Equal(out[j].Retry.RetryTime) {
			return out[i].Retry.RetryTime.Before(out[j].Retry.RetryTime)
		}
		return out[i].Retry.ID < out[j].Retry.ID
	})
	return out, nil
}

func (s *Store) ConsumeRetry(_ context.Context, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.retries {
		if s.retries[i].ID == id && s.retries[i].RetriesRemaining > 0 {
			s.retries[i].RetriesRemaining = 0
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) supersede(match func(models.Signal) bool) int64 {
	var n int64
	for i := range s.retries {
		if !s.retries[i].Pending() {
			continue
		}
		sig, ok := s.signalByIDLocked(s.retries[i].SignalID)
		if !ok || !match(sig) {
			continue
		}
		s.retries[i].RetriesRemaining = 0
		n++
	}
	return n
}

func (s *Store) SupersedeFlatRetries(_ context.Context, ticker, bot string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supersede(func(sig models.Signal) bool {
		return sig.Ticker == ticker && sig.Bot == bot &&
			sig.MarketPosition == models.PositionFlat && !sig.ReceivedAt.Before(since)
	}), nil
}

func (s *Store) SupersedePendingRetries(_ context.Context, ticker, bot string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supersede(func(sig models.Signal) bool {
		return sig.Ticker == ticker && sig.Bot == bot
	}), nil
}

func (s *Store) GetSystemSettingByKey(_ context.Context, key string) (*models.SystemSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.settings[key]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) UpsertSystemSetting(_ context.Context, item *models.SystemSetting) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.settings[item.Key]; ok {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	} else {
		s.nextSet++
		item.ID = s.nextSet
	}
	s.settings[item.Key] = *item
	return nil
}

func (s *Store) ListSystemSettings(_ context.Context, prefix string) ([]models.SystemSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SystemSetting
	for k, v := range s.settings {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Signals returns a copy of every stored signal, oldest first.
func (s *Store) Signals() []models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Signal(nil), s.signals...)
}

// Retries returns a copy of every stored retry, oldest first.
func (s *Store) Retries() []models.SignalRetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SignalRetry(nil), s.retries...)
}

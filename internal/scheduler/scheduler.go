// Package scheduler fires or supersedes due retry entries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/willer/trading-bot/internal/bus"
	"github.com/willer/trading-bot/internal/config"
	"github.com/willer/trading-bot/internal/paas"
	"github.com/willer/trading-bot/internal/repository"
	"github.com/willer/trading-bot/internal/signal"
)

// SkippedDuplicateFlat is recorded on a flat signal whose retry was dropped
// because a directional signal arrived around the same time.
const SkippedDuplicateFlat = "flat superseded by directional signal"

type TickResult struct {
	Due        int
	Published  int
	Superseded int
	Failed     int
}

type Scheduler struct {
	Repo   repository.Repository
	Bus    bus.Publisher
	Topic  string
	Config config.SchedulerConfig
	Logger *zap.Logger

	Now func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) staleHorizon() time.Duration {
	if s.Config.StaleHorizon > 0 {
		return s.Config.StaleHorizon
	}
	return 3 * time.Minute
}

func (s *Scheduler) dedupWindow() time.Duration {
	if s.Config.DedupWindow > 0 {
		return s.Config.DedupWindow
	}
	return 10 * time.Second
}

func (s *Scheduler) topic() string {
	if s.Topic == "" {
		return bus.DefaultSignalTopic
	}
	return s.Topic
}

type groupKey struct {
	ticker string
	bot    string
}

// newer orders due retries by their originating signal, newest first.
func newer(a, b repository.DueRetry) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	if !a.Retry.RetryTime.Equal(b.Retry.RetryTime) {
		return a.Retry.RetryTime.After(b.Retry.RetryTime)
	}
	return a.Retry.ID > b.Retry.ID
}

// Tick processes every pending retry that came due within the staleness
// horizon. Older entries stay pending and are never fired.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	if s == nil || s.Repo == nil {
		return res, nil
	}
	now := s.now()
	due, err := s.Repo.ListDueRetries(ctx, now.Add(-s.staleHorizon()), now)
	if err != nil {
		return res, fmt.Errorf("list due retries: %w", err)
	}
	res.Due = len(due)
	if len(due) == 0 {
		return res, nil
	}

	groups := map[groupKey][]repository.DueRetry{}
	var keys []groupKey
	for _, d := range due {
		k := groupKey{ticker: d.Ticker, bot: d.Bot}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], d)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ticker != keys[j].ticker {
			return keys[i].ticker < keys[j].ticker
		}
		return keys[i].bot < keys[j].bot
	})

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.processGroup(ctx, groups[k], &res); err != nil {
			res.Failed++
			if s.Logger != nil {
				s.Logger.Error("retry group failed",
					zap.String("ticker", k.ticker),
					zap.String("bot", k.bot),
					zap.Error(err),
				)
			}
		}
	}
	return res, nil
}

func (s *Scheduler) processGroup(ctx context.Context, entries []repository.DueRetry, res *TickResult) error {
	sort.SliceStable(entries, func(i, j int) bool { return newer(entries[i], entries[j]) })
	survivor := entries[0]
	for _, d := range entries[1:] {
		won, err := s.Repo.ConsumeRetry(ctx, d.Retry.ID)
		if err != nil {
			return fmt.Errorf("supersede retry %d: %w", d.Retry.ID, err)
		}
		if won {
			res.Superseded++
		}
	}

	p, err := signal.Parse(survivor.Retry.SignalData)
	if err != nil {
		// An unreadable snapshot can never fire; retire it.
		if _, cerr := s.Repo.ConsumeRetry(ctx, survivor.Retry.ID); cerr != nil {
			return errors.Join(err, cerr)
		}
		res.Superseded++
		return fmt.Errorf("retry %d snapshot: %w", survivor.Retry.ID, err)
	}

	if p.IsFlat() {
		w := s.dedupWindow()
		found, err := s.Repo.HasDirectionalSignal(ctx, survivor.Ticker, survivor.Bot,
			survivor.ReceivedAt.Add(-w), survivor.ReceivedAt.Add(w))
		if err != nil {
			return fmt.Errorf("directional lookup: %w", err)
		}
		if found {
			won, err := s.Repo.ConsumeRetry(ctx, survivor.Retry.ID)
			if err != nil {
				return fmt.Errorf("supersede retry %d: %w", survivor.Retry.ID, err)
			}
			if !won {
				return nil
			}
			res.Superseded++
			if err := s.Repo.MarkSignalSkipped(ctx, survivor.Retry.SignalID, SkippedDuplicateFlat); err != nil {
				return fmt.Errorf("mark skipped %d: %w", survivor.Retry.SignalID, err)
			}
			if s.Logger != nil {
				s.Logger.Info("flat retry superseded by directional signal",
					zap.Uint64("retry_id", survivor.Retry.ID),
					zap.Uint64("signal_id", survivor.Retry.SignalID),
					zap.String("ticker", survivor.Ticker),
				)
			}
			paas.LogBestEffortCtx(ctx, "trading_flat_superseded", "info", map[string]any{
				"signal_id": survivor.Retry.SignalID,
				"ticker":    survivor.Ticker,
				"bot":       survivor.Bot,
			})
			return nil
		}
	}

	won, err := s.Repo.ConsumeRetry(ctx, survivor.Retry.ID)
	if err != nil {
		return fmt.Errorf("claim retry %d: %w", survivor.Retry.ID, err)
	}
	if !won {
		return nil
	}
	p.IsRetry = true
	payload, err := p.Marshal()
	if err != nil {
		return err
	}
	if s.Bus != nil {
		if err := s.Bus.Publish(ctx, s.topic(), payload); err != nil {
			return fmt.Errorf("publish retry %d: %w", survivor.Retry.ID, err)
		}
	}
	res.Published++
	if s.Logger != nil {
		s.Logger.Info("retry fired",
			zap.Uint64("retry_id", survivor.Retry.ID),
			zap.Uint64("signal_id", survivor.Retry.SignalID),
			zap.String("ticker", survivor.Ticker),
			zap.String("market_position", p.Strategy.MarketPosition),
		)
	}
	return nil
}

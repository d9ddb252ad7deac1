// Package intake validates inbound alerts, persists them with their retry
// entries and publishes directional signals to the bot workers.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/willer/trading-bot/internal/broker"
	"github.com/willer/trading-bot/internal/bus"
	"github.com/willer/trading-bot/internal/config"
	"github.com/willer/trading-bot/internal/models"
	"github.com/willer/trading-bot/internal/repository"
	"github.com/willer/trading-bot/internal/signal"
)

var (
	ErrValidation = errors.New("invalid signal")
	ErrNotFound   = errors.New("signal not found")
)

// Result describes what Ingest did with an alert.
type Result struct {
	// Ignored is set for alerts addressed to another bot. Nothing is stored.
	Ignored   bool
	SignalID  uint64
	Published bool
	Payload   signal.Payload
}

type Service struct {
	Repo   repository.Repository
	Bus    bus.Publisher
	Topic  string
	Bot    config.BotConfig
	Config config.IntakeConfig
	Logger *zap.Logger

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) topic() string {
	if s.Topic == "" {
		return bus.DefaultSignalTopic
	}
	return s.Topic
}

func (s *Service) manualBot() string {
	if s.Bot.ManualBot == "" {
		return "human"
	}
	return s.Bot.ManualBot
}

func durationOr(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// Ingest handles one raw alert body.
func (s *Service) Ingest(ctx context.Context, raw []byte) (Result, error) {
	if s == nil || s.Repo == nil {
		return Result{}, errors.New("intake not configured")
	}
	p, err := signal.Parse(raw)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if p.Strategy.Bot == "" {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, signal.ErrMissingBot)
	}
	if s.Bot.Name != "" && strings.EqualFold(p.Strategy.Bot, s.manualBot()) {
		p.Strategy.Bot = s.Bot.Name
	}
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if s.Bot.Name != "" && !strings.EqualFold(p.Strategy.Bot, s.Bot.Name) {
		if s.Logger != nil {
			s.Logger.Debug("signal for another bot ignored", zap.String("bot", p.Strategy.Bot), zap.String("ticker", p.Ticker))
		}
		return Result{Ignored: true, Payload: p}, nil
	}
	p = p.WithPct(signal.ComputePositionPct(p, s.Config.TakeProfitTiers))

	now := s.now()
	item := &models.Signal{
		ReceivedAt:         now,
		Ticker:             p.Ticker,
		Bot:                p.Strategy.Bot,
		MarketPosition:     p.Strategy.MarketPosition,
		PrevMarketPosition: p.Strategy.PrevMarketPosition,
		PositionPct:        p.Pct(),
		OrderAction:        p.Strategy.OrderAction,
		OrderContracts:     float64(p.Strategy.OrderContracts),
		MarketPositionSize: float64(p.Strategy.MarketPositionSize),
		OrderPrice:         float64(p.Strategy.OrderPrice),
		OrderComment:       p.Strategy.OrderComment,
		OrderMessage:       datatypes.JSON(append([]byte(nil), raw...)),
	}

	var snapshot []byte
	err = s.Repo.WithTx(ctx, func(tx repository.Repository) error {
		if err := tx.InsertSignal(ctx, item); err != nil {
			return fmt.Errorf("insert signal: %w", err)
		}
		if p.IsDirectional() {
			since := now.Add(-durationOr(s.Config.FlatSupersedeWindow, 15*time.Second))
			if _, err := tx.SupersedeFlatRetries(ctx, p.Ticker, p.Strategy.Bot, since); err != nil {
				return fmt.Errorf("supersede flat retries: %w", err)
			}
		}
		// Only the newest signal for a ticker+bot pair may still fire.
		if _, err := tx.SupersedePendingRetries(ctx, p.Ticker, p.Strategy.Bot); err != nil {
			return fmt.Errorf("supersede pending retries: %w", err)
		}

		p.Strategy.ID = item.ID
		initial, err := p.Marshal()
		if err != nil {
			return err
		}
		verify := p
		verify.IsRetry = true
		verifyData, err := verify.Marshal()
		if err != nil {
			return err
		}

		fireAt := now
		if !p.IsDirectional() {
			fireAt = now.Add(durationOr(s.Config.FlatDelay, 15*time.Second))
		}
		entries := []*models.SignalRetry{
			{SignalID: item.ID, RetryTime: fireAt, SignalData: datatypes.JSON(initial), RetriesRemaining: 1},
			{SignalID: item.ID, RetryTime: now.Add(durationOr(s.Config.VerifyDelay, 60*time.Second)), SignalData: datatypes.JSON(verifyData), RetriesRemaining: 1},
		}
		for _, e := range entries {
			if err := tx.InsertRetry(ctx, e); err != nil {
				return fmt.Errorf("insert retry: %w", err)
			}
		}
		snapshot = initial
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{SignalID: item.ID, Payload: p}
	if s.Logger != nil {
		s.Logger.Info("signal received",
			zap.Uint64("signal_id", item.ID),
			zap.String("ticker", p.Ticker),
			zap.String("bot", p.Strategy.Bot),
			zap.String("market_position", p.Strategy.MarketPosition),
			zap.Float64("position_pct", p.Pct()),
		)
	}
	if !p.IsDirectional() || s.Bus == nil {
		return res, nil
	}
	// A failed publish is covered by the initial retry, which fires on the
	// next scheduler tick.
	if err := s.Bus.Publish(ctx, s.topic(), snapshot); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("signal publish failed", zap.Uint64("signal_id", item.ID), zap.Error(err))
		}
		return res, nil
	}
	res.Published = true
	return res, nil
}

// Resend feeds a stored signal's original message back through Ingest.
func (s *Service) Resend(ctx context.Context, id uint64) (Result, error) {
	if s == nil || s.Repo == nil {
		return Result{}, errors.New("intake not configured")
	}
	item, err := s.Repo.GetSignalByID(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if item == nil {
		return Result{}, ErrNotFound
	}
	return s.Ingest(ctx, item.OrderMessage)
}

// ManualOrder ingests one manual signal per ticker in the ';' separated
// list. Futures tickers listed in the config are sized as one contract.
func (s *Service) ManualOrder(ctx context.Context, direction, tickers string) ([]Result, error) {
	pos := signal.NormalizePosition(direction)
	if pos != signal.Long && pos != signal.Short && pos != signal.Flat {
		return nil, fmt.Errorf("%w: %v", ErrValidation, signal.ErrPosition)
	}
	futures := map[string]bool{}
	for _, f := range s.Config.ManualFutures {
		futures[broker.Normalize(f)] = true
	}

	var out []Result
	for _, t := range strings.Split(tickers, ";") {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		p := signal.Payload{
			Ticker: t,
			Strategy: signal.Strategy{
				Bot:            s.manualBot(),
				MarketPosition: pos,
				OrderComment:   "manual",
			},
		}
		if futures[broker.Normalize(t)] && pos != signal.Flat {
			p.Strategy.MarketPositionSize = 1
		}
		raw, err := p.Marshal()
		if err != nil {
			return out, err
		}
		res, err := s.Ingest(ctx, raw)
		if err != nil {
			return out, fmt.Errorf("manual order %s: %w", t, err)
		}
		out = append(out, res)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrValidation, signal.ErrNoTicker)
	}
	return out, nil
}

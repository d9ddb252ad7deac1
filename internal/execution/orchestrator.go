// Package execution sizes a signal across a bot's accounts and drives the
// resulting orders to completion, closing batch first.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/willer/trading-bot/internal/broker"
	"github.com/willer/trading-bot/internal/config"
	"github.com/willer/trading-bot/internal/notify"
	"github.com/willer/trading-bot/internal/repository"
	"github.com/willer/trading-bot/internal/signal"
	"github.com/willer/trading-bot/internal/sizing"
)

var (
	ErrSubmit  = errors.New("order submission failed")
	ErrTimeout = errors.New("orders did not complete in time")
)

// TimeoutError names the accounts whose orders were still open when the
// completion timeout passed.
type TimeoutError struct {
	Accounts []string
}

func (e *TimeoutError) Error() string {
	return "ORDER FAILED: Timeout reached for accounts: " + joinUnique(e.Accounts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type AccountSource interface {
	BotAccounts(bot string) []string
	Resolve(name string) (config.ResolvedAccount, error)
}

type CapabilitySource interface {
	Capability(ctx context.Context, acct config.ResolvedAccount) (broker.Capability, error)
}

type Orchestrator struct {
	Repo     repository.SignalRepository
	Accounts AccountSource
	Brokers  CapabilitySource
	Sizer    *sizing.Engine
	Reporter *notify.Reporter
	Config   config.ExecutionConfig
	Logger   *zap.Logger

	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) pollInterval() time.Duration {
	if o.Config.PollInterval > 0 {
		return o.Config.PollInterval
	}
	return time.Second
}

func (o *Orchestrator) timeout() time.Duration {
	if o.Config.Timeout > 0 {
		return o.Config.Timeout
	}
	return 30 * time.Second
}

func (o *Orchestrator) tolerance() float64 {
	if o.Config.RetryTolerance > 0 {
		return o.Config.RetryTolerance
	}
	return 0.05
}

type submitted struct {
	intent sizing.Intent
	handle broker.OrderHandle
}

// Handle executes one signal. Sizing failures are reported per account and
// do not stop the others; a submission failure aborts the signal. The
// signal is marked processed only when every account was sized and every
// order completed.
func (o *Orchestrator) Handle(ctx context.Context, p signal.Payload) error {
	if o == nil || o.Accounts == nil || o.Brokers == nil {
		return errors.New("execution not configured")
	}
	tags := func(account string) map[string]string {
		return map[string]string{"account": account, "ticker": p.Ticker, "bot": p.Strategy.Bot}
	}

	var closing, opening []sizing.Intent
	var unsized []string
	for _, name := range o.Accounts.BotAccounts(p.Strategy.Bot) {
		plan, err := o.size(ctx, p, name)
		if err != nil {
			o.Reporter.Report(ctx, err, "sizing", tags(name))
			unsized = append(unsized, name)
			continue
		}
		if plan.Skipped != "" && o.Logger != nil {
			o.Logger.Info("account skipped", zap.String("account", name), zap.String("ticker", p.Ticker), zap.String("reason", plan.Skipped))
		}
		closing = append(closing, plan.Closing...)
		opening = append(opening, plan.Opening...)
	}
	if p.IsRetry {
		opening = o.filterRetry(opening)
	}
	if o.Logger != nil {
		o.Logger.Info("executing signal",
			zap.Uint64("signal_id", p.Strategy.ID),
			zap.String("ticker", p.Ticker),
			zap.Bool("is_retry", p.IsRetry),
			zap.Int("closing", len(closing)),
			zap.Int("opening", len(opening)),
		)
	}

	var timedOut []error
	for _, batch := range [][]sizing.Intent{closing, opening} {
		if len(batch) == 0 {
			continue
		}
		orders, err := o.submit(ctx, batch)
		if err != nil {
			o.Reporter.Report(ctx, err, "submit", tags(accountList(batch)))
			o.Reporter.Page(ctx, fmt.Sprintf("ORDER FAILED: %s %s: %v", p.Strategy.Bot, p.Ticker, err))
			return err
		}
		if err := o.wait(ctx, orders); err != nil {
			if !errors.Is(err, ErrTimeout) {
				return err
			}
			var te *TimeoutError
			account := ""
			if errors.As(err, &te) {
				account = joinUnique(te.Accounts)
			}
			o.Reporter.Report(ctx, err, "wait", tags(account))
			o.Reporter.Page(ctx, err.Error())
			timedOut = append(timedOut, err)
		}
	}
	if len(timedOut) > 0 {
		return errors.Join(timedOut...)
	}
	// Leave the signal open for a resend when an account never got sized.
	if len(unsized) > 0 {
		if o.Logger != nil {
			o.Logger.Warn("signal left unprocessed", zap.Uint64("signal_id", p.Strategy.ID), zap.Strings("unsized", unsized))
		}
		return nil
	}

	if o.Repo != nil && p.Strategy.ID != 0 {
		if _, err := o.Repo.MarkSignalProcessed(ctx, p.Strategy.ID, o.now()); err != nil {
			return fmt.Errorf("mark processed %d: %w", p.Strategy.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) size(ctx context.Context, p signal.Payload, name string) (sizing.Plan, error) {
	acct, err := o.Accounts.Resolve(name)
	if err != nil {
		return sizing.Plan{}, err
	}
	capab, err := o.Brokers.Capability(ctx, acct)
	if err != nil {
		return sizing.Plan{}, fmt.Errorf("account %s: %w", name, err)
	}
	plan, err := o.Sizer.Size(ctx, p, acct, capab)
	if err != nil {
		return sizing.Plan{}, fmt.Errorf("account %s: %w", name, err)
	}
	return plan, nil
}

// filterRetry drops opening intents the first pass already achieved within
// tolerance. A flat target is always kept.
func (o *Orchestrator) filterRetry(in []sizing.Intent) []sizing.Intent {
	tol := o.tolerance()
	out := in[:0:0]
	for _, it := range in {
		if it.Target != 0 {
			diff := math.Abs(float64(it.Target - it.Current))
			if diff <= tol*math.Abs(float64(it.Target)) {
				if o.Logger != nil {
					o.Logger.Info("retry within tolerance",
						zap.String("account", it.Account),
						zap.String("ticker", it.Ticker),
						zap.Int64("target", it.Target),
						zap.Int64("current", it.Current),
					)
				}
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func (o *Orchestrator) submit(ctx context.Context, batch []sizing.Intent) ([]submitted, error) {
	out := make([]submitted, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, it := range batch {
		i, it := i, it
		g.Go(func() error {
			h, err := it.Capability.Submit(gctx, it.Ticker, it.Target)
			if err != nil {
				return fmt.Errorf("%w: account %s %s -> %d: %v", ErrSubmit, it.Account, it.Ticker, it.Target, err)
			}
			out[i] = submitted{intent: it, handle: h}
			if o.Logger != nil {
				o.Logger.Info("order submitted",
					zap.String("account", it.Account),
					zap.String("ticker", it.Ticker),
					zap.Int64("target", it.Target),
					zap.Int64("current", it.Current),
					zap.Bool("closing", it.Closing),
					zap.String("order", string(h)),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// wait polls every outstanding order until all are complete or the timeout
// passes. Orders left open are not cancelled.
func (o *Orchestrator) wait(ctx context.Context, orders []submitted) error {
	pending := make([]submitted, 0, len(orders))
	for _, s := range orders {
		if s.handle != "" {
			pending = append(pending, s)
		}
	}
	deadline := time.NewTimer(o.timeout())
	defer deadline.Stop()
	ticker := time.NewTicker(o.pollInterval())
	defer ticker.Stop()

	for {
		pending = o.poll(ctx, pending)
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			pending = o.poll(ctx, pending)
			if len(pending) == 0 {
				return nil
			}
			names := make([]string, 0, len(pending))
			for _, s := range pending {
				names = append(names, s.intent.Account)
			}
			return &TimeoutError{Accounts: names}
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) poll(ctx context.Context, pending []submitted) []submitted {
	var mu sync.Mutex
	still := make([]submitted, 0, len(pending))
	var wg sync.WaitGroup
	for _, s := range pending {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := s.intent.Capability.IsComplete(ctx, s.handle)
			if err != nil && o.Logger != nil {
				o.Logger.Warn("order status failed", zap.String("account", s.intent.Account), zap.String("order", string(s.handle)), zap.Error(err))
			}
			if !done {
				mu.Lock()
				still = append(still, s)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return still
}

func accountList(batch []sizing.Intent) string {
	names := make([]string, 0, len(batch))
	for _, it := range batch {
		names = append(names, it.Account)
	}
	return joinUnique(names)
}

func joinUnique(names []string) string {
	seen := map[string]bool{}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

// Package sizing turns a signed position percentage into per-account order
// intents.
package sizing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/willer/trading-bot/internal/broker"
	"github.com/willer/trading-bot/internal/config"
	"github.com/willer/trading-bot/internal/signal"
)

// Intent is one order the orchestrator should send: move the account's
// position in Ticker from Current to Target.
type Intent struct {
	Account    string
	Capability broker.Capability
	Ticker     string
	Target     int64
	Current    int64
	Closing    bool
}

// Plan is the sizing result for one account. Closing intents come from the
// paired-instrument rule and must settle before Opening is sent.
type Plan struct {
	Closing []Intent
	Opening []Intent
	Skipped string
}

func (p Plan) Empty() bool {
	return len(p.Closing) == 0 && len(p.Opening) == 0
}

type Engine struct {
	Config config.SizingConfig
	Logger *zap.Logger
}

func (e *Engine) defaultCap(acct config.ResolvedAccount) float64 {
	if acct.DefaultPct != 0 {
		return acct.DefaultPct
	}
	if e != nil && e.Config.DefaultCap != 0 {
		return e.Config.DefaultCap
	}
	return 100
}

func (e *Engine) safety() decimal.Decimal {
	if e == nil || e.Config.SafetyFraction <= 0 {
		return decimal.RequireFromString("0.95")
	}
	return decimal.NewFromFloat(e.Config.SafetyFraction)
}

func (e *Engine) microPrefix() string {
	if e == nil || e.Config.MicroPrefix == "" {
		return "M"
	}
	return e.Config.MicroPrefix
}

func (e *Engine) microDivisor() decimal.Decimal {
	if e == nil || e.Config.MicroDivisor <= 0 {
		return decimal.NewFromInt(10)
	}
	return decimal.NewFromFloat(e.Config.MicroDivisor)
}

// Size computes the plan for one account. Lookup failures are returned as
// errors; a plan that cannot be sized for a known reason comes back with
// Skipped set.
func (e *Engine) Size(ctx context.Context, sig signal.Payload, acct config.ResolvedAccount, capab broker.Capability) (Plan, error) {
	if capab == nil {
		return Plan{}, fmt.Errorf("account %s: no broker capability", acct.Name)
	}
	original := broker.Normalize(sig.Ticker)
	working := original
	pct := sig.Pct()

	// Per-instrument rules only apply to accounts that trade futures.
	rule, hasRule := acct.Rule(original)
	hasRule = hasRule && acct.UseFutures
	switch {
	case hasRule && rule.IsSubstitute():
		working = broker.Normalize(rule.Substitute)
		if sig.IsFlat() || pct == 0 {
			pct = 0
		} else {
			pct = rule.Factor * sign(pct)
		}
	case hasRule:
		pct = pct * rule.Cap / 100
	default:
		pct = pct * e.defaultCap(acct) / 100
	}

	meta, err := capab.InstrumentMeta(ctx, working)
	if err != nil {
		return Plan{}, fmt.Errorf("instrument %s: %w", working, err)
	}
	if meta.Futures && !acct.UseFutures {
		return Plan{Skipped: fmt.Sprintf("%s is futures and account %s does not trade futures", working, acct.Name)}, nil
	}

	var plan Plan
	pair, paired := "", false
	if acct.UseInverse {
		pair, paired = acct.Pair(working)
	}
	if paired {
		if pct >= 0 {
			in, err := closeIntent(ctx, acct.Name, capab, pair)
			if err != nil {
				return Plan{}, err
			}
			plan.Closing = append(plan.Closing, in...)
		}
		if pct <= 0 {
			in, err := closeIntent(ctx, acct.Name, capab, working)
			if err != nil {
				return Plan{}, err
			}
			plan.Closing = append(plan.Closing, in...)
		}
		if pct == 0 {
			return plan, nil
		}
	}

	if !meta.Futures && acct.Multiplier != 0 {
		pct *= acct.Multiplier
	}

	price, err := capab.Price(ctx, working)
	if err != nil {
		return Plan{}, fmt.Errorf("price %s: %w", working, err)
	}
	eff := price
	if meta.Futures && strings.HasPrefix(working, e.microPrefix()) {
		eff = price.Div(e.microDivisor())
	}
	if !eff.IsPositive() {
		plan.Skipped = fmt.Sprintf("no usable price for %s", working)
		return plan, nil
	}
	netliq, err := capab.NetLiquidity(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("net liquidity: %w", err)
	}

	target := netliq.Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100)).Div(eff).Round(0).IntPart()
	if pct < 0 && paired {
		shortPrice, err := capab.Price(ctx, pair)
		if err != nil {
			return Plan{}, fmt.Errorf("price %s: %w", pair, err)
		}
		if !shortPrice.IsPositive() {
			plan.Skipped = fmt.Sprintf("no usable price for %s", pair)
			return plan, nil
		}
		longQty := decimal.NewFromInt(target).Abs()
		target = longQty.Mul(eff).Div(shortPrice).Round(0).IntPart()
		working = pair
		eff = shortPrice
	}

	bound := netliq.Mul(e.safety()).Div(eff).Floor().IntPart()
	if abs64(target) > bound {
		if e != nil && e.Logger != nil {
			e.Logger.Info("sizing clamped",
				zap.String("account", acct.Name),
				zap.String("ticker", working),
				zap.Int64("raw", target),
				zap.Int64("bound", bound),
			)
		}
		if target < 0 {
			target = -bound
		} else {
			target = bound
		}
	}

	current, err := capab.PositionSize(ctx, working)
	if err != nil {
		return Plan{}, fmt.Errorf("position %s: %w", working, err)
	}
	if current == target {
		return plan, nil
	}
	plan.Opening = append(plan.Opening, Intent{
		Account:    acct.Name,
		Capability: capab,
		Ticker:     working,
		Target:     target,
		Current:    current,
	})
	return plan, nil
}

func closeIntent(ctx context.Context, account string, capab broker.Capability, ticker string) ([]Intent, error) {
	current, err := capab.PositionSize(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", ticker, err)
	}
	if current == 0 {
		return nil, nil
	}
	return []Intent{{
		Account:    account,
		Capability: capab,
		Ticker:     ticker,
		Target:     0,
		Current:    current,
		Closing:    true,
	}}, nil
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

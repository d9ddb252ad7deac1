package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/willer/trading-bot/internal/execution"
)

// BrokerHealth checks every account a bot trades: quotes once per driver,
// positions once per account.
type BrokerHealth struct {
	Bot      string
	Accounts execution.AccountSource
	Brokers  execution.CapabilitySource
}

func (h *BrokerHealth) Check(ctx context.Context) error {
	if h == nil || h.Accounts == nil || h.Brokers == nil {
		return errors.New("broker health not configured")
	}
	names := h.Accounts.BotAccounts(h.Bot)
	if len(names) == 0 {
		return fmt.Errorf("bot %q has no accounts", h.Bot)
	}
	drivers := map[string]bool{}
	for _, name := range names {
		acct, err := h.Accounts.Resolve(name)
		if err != nil {
			return err
		}
		capab, err := h.Brokers.Capability(ctx, acct)
		if err != nil {
			return fmt.Errorf("account %s: %w", name, err)
		}
		if !drivers[acct.Driver] {
			drivers[acct.Driver] = true
			if err := capab.HealthCheckPrices(ctx); err != nil {
				return fmt.Errorf("%s prices: %w", acct.Driver, err)
			}
		}
		if err := capab.HealthCheckPositions(ctx); err != nil {
			return fmt.Errorf("account %s positions: %w", name, err)
		}
	}
	return nil
}

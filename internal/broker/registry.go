package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/willer/trading-bot/internal/config"
)

// Factory builds a Capability for a resolved account.
type Factory func(acct config.ResolvedAccount) (Capability, error)

// Registry hands out capability instances per account. Venue connections are
// cached for the connection TTL, keyed by driver and credentials; paper
// venues live for the whole process so their simulated positions persist.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	conns     *TTLCache[string, Capability]
	paper     map[string]*PaperProvider

	cfg         config.BrokerConfig
	instruments *InstrumentTable
	logger      *zap.Logger
}

func NewRegistry(cfg config.BrokerConfig, instruments *InstrumentTable, logger *zap.Logger) *Registry {
	ttl := cfg.ConnectionTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	r := &Registry{
		factories:   map[string]Factory{},
		conns:       NewTTLCache[string, Capability](ttl),
		paper:       map[string]*PaperProvider{},
		cfg:         cfg,
		instruments: instruments,
		logger:      logger,
	}
	r.Register("alpaca", r.alpaca)
	r.Register("paper", r.paperFor)
	r.Register("ibkr", func(config.ResolvedAccount) (Capability, error) {
		return nil, fmt.Errorf("%w: ibkr", ErrUnsupportedDriver)
	})
	return r
}

func (r *Registry) Register(driver string, f Factory) {
	r.mu.Lock()
	r.factories[strings.ToLower(driver)] = f
	r.mu.Unlock()
}

func (r *Registry) Capability(_ context.Context, acct config.ResolvedAccount) (Capability, error) {
	key := acct.CacheKey()
	if c, ok := r.conns.Get(key); ok {
		return c, nil
	}
	r.mu.Lock()
	f, ok := r.factories[acct.Driver]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, acct.Driver)
	}
	c, err := f(acct)
	if err != nil {
		return nil, err
	}
	r.conns.Set(key, c)
	if r.logger != nil {
		r.logger.Debug("broker connection created", zap.String("account", acct.Name), zap.String("driver", acct.Driver))
	}
	return c, nil
}

// Invalidate drops the cached connection for acct.
func (r *Registry) Invalidate(acct config.ResolvedAccount) {
	r.conns.Invalidate(acct.CacheKey())
}

func (r *Registry) alpaca(acct config.ResolvedAccount) (Capability, error) {
	if acct.Credentials.Key == "" || acct.Credentials.Secret == "" {
		return nil, fmt.Errorf("account %q: alpaca key and secret are required", acct.Name)
	}
	return NewAlpacaProvider(AlpacaOptions{
		APIKey:       acct.Credentials.Key,
		APISecret:    acct.Credentials.Secret,
		BaseURL:      acct.Credentials.BaseURL,
		DataURL:      acct.Credentials.DataURL,
		Paper:        acct.Paper,
		QuoteTTL:     r.cfg.QuoteTTL,
		HealthTicker: r.cfg.HealthTicker,
		Instruments:  r.instruments,
		Logger:       r.logger,
	}), nil
}

// Paper returns the simulated venue for an account, creating it on first use.
func (r *Registry) Paper(account string) *PaperProvider {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.paper[account]; ok {
		return p
	}
	p := NewPaperProvider(decimal.NewFromFloat(r.cfg.PaperEquity), r.instruments)
	for sym, price := range r.cfg.PaperPrices {
		p.SetPrice(sym, decimal.NewFromFloat(price))
	}
	r.paper[account] = p
	return p
}

func (r *Registry) paperFor(acct config.ResolvedAccount) (Capability, error) {
	return r.Paper(acct.Name), nil
}

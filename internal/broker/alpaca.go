package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	alpacaLiveURL  = "https://api.alpaca.markets"
	alpacaPaperURL = "https://paper-api.alpaca.markets"
)

var _ Capability = (*AlpacaProvider)(nil)

// alpacaTrading is the subset of *alpaca.Client the provider uses.
type alpacaTrading interface {
	GetAccount() (*alpaca.Account, error)
	GetPosition(symbol string) (*alpaca.Position, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
}

type alpacaQuotes interface {
	GetLatestQuote(symbol string, req marketdata.GetLatestQuoteRequest) (*marketdata.Quote, error)
}

type AlpacaOptions struct {
	APIKey       string
	APISecret    string
	BaseURL      string
	DataURL      string
	Paper        bool
	QuoteTTL     time.Duration
	HealthTicker string
	Instruments  *InstrumentTable
	Logger       *zap.Logger
}

// AlpacaProvider implements Capability on the Alpaca trading and market
// data APIs. Quotes are the latest ask, cached for QuoteTTL.
type AlpacaProvider struct {
	trading      alpacaTrading
	quotes       alpacaQuotes
	instruments  *InstrumentTable
	quoteCache   *TTLCache[string, decimal.Decimal]
	healthTicker string
	logger       *zap.Logger
}

func NewAlpacaProvider(opts AlpacaOptions) *AlpacaProvider {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = alpacaLiveURL
		if opts.Paper {
			baseURL = alpacaPaperURL
		}
	}
	httpClient := &http.Client{Timeout: 15 * time.Second}
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:     opts.APIKey,
		APISecret:  opts.APISecret,
		BaseURL:    baseURL,
		HTTPClient: httpClient,
	})
	mdOpts := marketdata.ClientOpts{
		APIKey:     opts.APIKey,
		APISecret:  opts.APISecret,
		HTTPClient: httpClient,
	}
	if opts.DataURL != "" {
		mdOpts.BaseURL = opts.DataURL
	}
	return newAlpacaProvider(trading, marketdata.NewClient(mdOpts), opts)
}

func newAlpacaProvider(trading alpacaTrading, quotes alpacaQuotes, opts AlpacaOptions) *AlpacaProvider {
	health := opts.HealthTicker
	if health == "" {
		health = "TQQQ"
	}
	return &AlpacaProvider{
		trading:      trading,
		quotes:       quotes,
		instruments:  opts.Instruments,
		quoteCache:   NewTTLCache[string, decimal.Decimal](opts.QuoteTTL),
		healthTicker: health,
		logger:       opts.Logger,
	}
}

func (p *AlpacaProvider) symbol(ticker string) string {
	return p.instruments.Lookup(ticker).Symbol
}

func (p *AlpacaProvider) Price(ctx context.Context, ticker string) (decimal.Decimal, error) {
	sym := p.symbol(ticker)
	if v, ok := p.quoteCache.Get(sym); ok {
		return v, nil
	}
	price, err := p.latestAsk(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	p.quoteCache.Set(sym, price)
	return price, nil
}

func (p *AlpacaProvider) latestAsk(ctx context.Context, sym string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	q, err := p.quotes.GetLatestQuote(sym, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("alpaca latest quote %s: %w", sym, err)
	}
	if q == nil {
		return decimal.Zero, fmt.Errorf("alpaca latest quote %s: %w", sym, ErrNoQuote)
	}
	return decimal.NewFromFloat(q.AskPrice), nil
}

func (p *AlpacaProvider) InstrumentMeta(_ context.Context, ticker string) (InstrumentMeta, error) {
	return p.instruments.Lookup(ticker).Meta(), nil
}

func (p *AlpacaProvider) PositionSize(ctx context.Context, ticker string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sym := p.symbol(ticker)
	pos, err := p.trading.GetPosition(sym)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("alpaca position %s: %w", sym, err)
	}
	if pos == nil {
		return 0, nil
	}
	return pos.Qty.IntPart(), nil
}

func (p *AlpacaProvider) NetLiquidity(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	acct, err := p.trading.GetAccount()
	if err != nil {
		return decimal.Zero, fmt.Errorf("alpaca account: %w", err)
	}
	return acct.Equity, nil
}

func (p *AlpacaProvider) Submit(ctx context.Context, ticker string, target int64) (OrderHandle, error) {
	current, err := p.PositionSize(ctx, ticker)
	if err != nil {
		return "", err
	}
	if current == target {
		return "", nil
	}
	spec := p.instruments.Lookup(ticker)
	side := alpaca.Buy
	delta := target - current
	if delta < 0 {
		side = alpaca.Sell
		delta = -delta
	}
	qty := decimal.NewFromInt(delta)
	req := alpaca.PlaceOrderRequest{
		Symbol:        spec.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: uuid.NewString(),
	}
	if !spec.MarketOrder && spec.SecType != "STK" {
		ask, err := p.latestAsk(ctx, spec.Symbol)
		if err != nil {
			return "", err
		}
		limit := roundPrice(ask, spec.RoundPrecision)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}
	order, err := p.trading.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("alpaca place order %s %s %s: %w", spec.Symbol, side, qty, err)
	}
	if p.logger != nil {
		p.logger.Info("alpaca order placed",
			zap.String("symbol", spec.Symbol),
			zap.String("side", string(side)),
			zap.String("qty", qty.String()),
			zap.Int64("target", target),
			zap.String("order_id", order.ID),
		)
	}
	return OrderHandle(order.ID), nil
}

func (p *AlpacaProvider) IsComplete(ctx context.Context, h OrderHandle) (bool, error) {
	if h == "" {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	order, err := p.trading.GetOrder(string(h))
	if err != nil {
		return false, fmt.Errorf("alpaca order %s: %w", h, err)
	}
	switch order.Status {
	case "filled", "canceled", "expired", "rejected":
		return true, nil
	default:
		return false, nil
	}
}

func (p *AlpacaProvider) HealthCheckPrices(ctx context.Context) error {
	_, err := p.latestAsk(ctx, p.symbol(p.healthTicker))
	return err
}

func (p *AlpacaProvider) HealthCheckPositions(ctx context.Context) error {
	if _, err := p.NetLiquidity(ctx); err != nil {
		return err
	}
	if _, err := p.trading.GetPositions(); err != nil {
		return fmt.Errorf("alpaca positions: %w", err)
	}
	return nil
}

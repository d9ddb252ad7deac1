package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var _ Capability = (*PaperProvider)(nil)

type paperOrder struct {
	symbol string
	target int64
	filled bool
}

// PaperProvider is an in-memory venue for paper accounts and tests.
// Orders fill immediately unless Hold is set, in which case they stay open
// until Fill is called.
type PaperProvider struct {
	mu          sync.Mutex
	instruments *InstrumentTable
	prices      map[string]decimal.Decimal
	positions   map[string]int64
	orders      map[OrderHandle]*paperOrder
	equity      decimal.Decimal
	hold        bool
}

func NewPaperProvider(equity decimal.Decimal, instruments *InstrumentTable) *PaperProvider {
	return &PaperProvider{
		instruments: instruments,
		prices:      map[string]decimal.Decimal{},
		positions:   map[string]int64{},
		orders:      map[OrderHandle]*paperOrder{},
		equity:      equity,
	}
}

func (p *PaperProvider) SetPrice(ticker string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[p.instruments.Lookup(ticker).Symbol] = price
	p.mu.Unlock()
}

func (p *PaperProvider) SetPosition(ticker string, qty int64) {
	p.mu.Lock()
	p.positions[p.instruments.Lookup(ticker).Symbol] = qty
	p.mu.Unlock()
}

// Hold keeps submitted orders open until Fill is called.
func (p *PaperProvider) Hold(hold bool) {
	p.mu.Lock()
	p.hold = hold
	p.mu.Unlock()
}

// Fill completes every open order.
func (p *PaperProvider) Fill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if !o.filled {
			o.filled = true
			p.positions[o.symbol] = o.target
		}
	}
}

func (p *PaperProvider) Price(_ context.Context, ticker string) (decimal.Decimal, error) {
	sym := p.instruments.Lookup(ticker).Symbol
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[sym]
	if !ok {
		return decimal.Zero, fmt.Errorf("paper price %s: %w", sym, ErrNoQuote)
	}
	return price, nil
}

func (p *PaperProvider) InstrumentMeta(_ context.Context, ticker string) (InstrumentMeta, error) {
	return p.instruments.Lookup(ticker).Meta(), nil
}

func (p *PaperProvider) PositionSize(_ context.Context, ticker string) (int64, error) {
	sym := p.instruments.Lookup(ticker).Symbol
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[sym], nil
}

func (p *PaperProvider) NetLiquidity(context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}

func (p *PaperProvider) Submit(_ context.Context, ticker string, target int64) (OrderHandle, error) {
	sym := p.instruments.Lookup(ticker).Symbol
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.positions[sym] == target {
		return "", nil
	}
	h := OrderHandle(uuid.NewString())
	o := &paperOrder{symbol: sym, target: target}
	if !p.hold {
		o.filled = true
		p.positions[sym] = target
	}
	p.orders[h] = o
	return h, nil
}

func (p *PaperProvider) IsComplete(_ context.Context, h OrderHandle) (bool, error) {
	if h == "" {
		return true, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[h]
	if !ok {
		return false, fmt.Errorf("paper order %s: %w", h, ErrUnknownOrder)
	}
	return o.filled, nil
}

func (p *PaperProvider) HealthCheckPrices(context.Context) error { return nil }

func (p *PaperProvider) HealthCheckPositions(context.Context) error { return nil }

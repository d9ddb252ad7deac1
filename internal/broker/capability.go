// Package broker exposes brokerage venues to the trading core through the
// narrow Capability interface, one instance per account.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported broker driver")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrNoQuote           = errors.New("no quote available")
)

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// InstrumentMeta is what sizing needs to know about a ticker.
type InstrumentMeta struct {
	Symbol         string
	Futures        bool
	RoundPrecision int
	OrderType      OrderType
}

// OrderHandle identifies a submitted order. The empty handle means nothing
// had to be sent and is always complete.
type OrderHandle string

// Capability is the per-account view of a venue.
type Capability interface {
	Price(ctx context.Context, ticker string) (decimal.Decimal, error)
	InstrumentMeta(ctx context.Context, ticker string) (InstrumentMeta, error)
	// PositionSize is the signed quantity currently held.
	PositionSize(ctx context.Context, ticker string) (int64, error)
	NetLiquidity(ctx context.Context) (decimal.Decimal, error)
	// Submit sends whatever order moves the position in ticker to target.
	Submit(ctx context.Context, ticker string, target int64) (OrderHandle, error)
	// IsComplete reports whether the order reached a terminal state.
	IsComplete(ctx context.Context, h OrderHandle) (bool, error)
	HealthCheckPrices(ctx context.Context) error
	HealthCheckPositions(ctx context.Context) error
}

// roundPrice rounds p to 1/precision, e.g. precision 4 rounds to quarters.
func roundPrice(p decimal.Decimal, precision int) decimal.Decimal {
	if precision <= 0 {
		return p
	}
	step := decimal.NewFromInt(int64(precision))
	return p.Mul(step).Round(0).Div(step)
}

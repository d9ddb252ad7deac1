package broker

import (
	"strings"
	"sync"

	"github.com/willer/trading-bot/internal/config"
)

// InstrumentSpec describes how a venue addresses a symbol.
type InstrumentSpec struct {
	Symbol         string
	SecType        string
	Exchange       string
	Currency       string
	Expiry         string
	RoundPrecision int
	MarketOrder    bool
	Futures        bool
}

func (s InstrumentSpec) Meta() InstrumentMeta {
	ot := OrderLimit
	if s.MarketOrder {
		ot = OrderMarket
	}
	return InstrumentMeta{
		Symbol:         s.Symbol,
		Futures:        s.Futures,
		RoundPrecision: s.RoundPrecision,
		OrderType:      ot,
	}
}

func future(exchange string, round int, market bool) InstrumentSpec {
	return InstrumentSpec{SecType: "FUT", Exchange: exchange, Currency: "USD", RoundPrecision: round, MarketOrder: market, Futures: true}
}

func stock(exchange, currency string, round int, market bool) InstrumentSpec {
	return InstrumentSpec{SecType: "STK", Exchange: exchange, Currency: currency, RoundPrecision: round, MarketOrder: market}
}

func index(exchange string) InstrumentSpec {
	return InstrumentSpec{SecType: "IND", Exchange: exchange, Currency: "USD", RoundPrecision: 100}
}

func group(spec InstrumentSpec, symbols ...string) map[string]InstrumentSpec {
	out := make(map[string]InstrumentSpec, len(symbols))
	for _, s := range symbols {
		sp := spec
		sp.Symbol = s
		out[s] = sp
	}
	return out
}

// builtinInstruments is the contract table for symbols that do not trade as
// plain SMART-routed US stocks.
func builtinInstruments() map[string]InstrumentSpec {
	out := map[string]InstrumentSpec{}
	for _, g := range []map[string]InstrumentSpec{
		group(stock("ARCA", "USD", 100, false), "SOXL", "SOXS"),
		group(future("CME", 4, false), "NQ", "ES", "MNQ", "MES", "HE"),
		group(future("CME", 10, false), "RTY", "M2K"),
		group(future("CBOT", 100, true), "YM", "MYM"),
		group(future("CBOT", 100, false), "ZN"),
		group(future("CME", 10000, false), "M6E", "M6A", "M6B", "MJY", "MSF", "MIR", "MNH", "MCD"),
		group(future("NYBOT", 100, false), "DX"),
		group(future("NYMEX", 10, false), "CL", "NG"),
		group(future("COMEX", 10, true), "GC", "HG", "MGC", "MHG", "SI", "MSI"),
		group(stock("TSE", "CAD", 100, true),
			"HXU", "HXD", "HQU", "HQD", "HEU", "HED", "HSU", "HSD", "HGU",
			"HGD", "HBU", "HBD", "HNU", "HND", "HOU", "HOD", "HCU", "HCD"),
		group(index("NASDAQ"), "NDX"),
		group(index("CBOE"), "VIX"),
		group(index("NYSE"), "JETS", "WEAT"),
	} {
		for k, v := range g {
			out[k] = v
		}
	}
	vx := future("CFE", 100, true)
	vx.Symbol = "VIX"
	out["VX"] = vx
	brk := index("NYSE")
	brk.Symbol = "BRK B"
	for _, alias := range []string{"BRK-B", "BRK/B", "BRK.B"} {
		out[alias] = brk
	}
	return out
}

// InstrumentTable maps alert tickers to venue contract specs. Unknown
// symbols resolve to a SMART-routed US stock.
type InstrumentTable struct {
	mu    sync.RWMutex
	specs map[string]InstrumentSpec
}

func NewInstrumentTable(overrides map[string]config.InstrumentConfig) *InstrumentTable {
	t := &InstrumentTable{specs: builtinInstruments()}
	for sym, o := range overrides {
		key := strings.ToUpper(strings.TrimSpace(sym))
		spec := InstrumentSpec{
			Symbol:         strings.ToUpper(strings.TrimSpace(o.Symbol)),
			SecType:        o.SecType,
			Exchange:       o.Exchange,
			Currency:       o.Currency,
			Expiry:         o.Expiry,
			RoundPrecision: o.RoundPrecision,
			MarketOrder:    o.MarketOrder,
			Futures:        o.Futures,
		}
		if spec.Symbol == "" {
			spec.Symbol = key
		}
		if spec.Currency == "" {
			spec.Currency = "USD"
		}
		if spec.RoundPrecision == 0 {
			spec.RoundPrecision = 100
		}
		t.specs[key] = spec
	}
	return t
}

// Normalize strips the continuous-contract suffix used by charting tools
// ("NQ1!" -> "NQ").
func Normalize(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	return strings.TrimSuffix(t, "1!")
}

func (t *InstrumentTable) Lookup(ticker string) InstrumentSpec {
	key := Normalize(ticker)
	if t != nil {
		t.mu.RLock()
		spec, ok := t.specs[key]
		t.mu.RUnlock()
		if ok {
			return spec
		}
	}
	return InstrumentSpec{Symbol: key, SecType: "STK", Exchange: "SMART", Currency: "USD", RoundPrecision: 100}
}

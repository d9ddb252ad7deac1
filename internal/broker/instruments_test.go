package broker

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/willer/trading-bot/internal/config"
)

func TestInstrumentTableLookup(t *testing.T) {
	table := NewInstrumentTable(nil)
	cases := []struct {
		ticker   string
		symbol   string
		exchange string
		futures  bool
		round    int
		market   bool
	}{
		{"NQ1!", "NQ", "CME", true, 4, false},
		{"mes", "MES", "CME", true, 4, false},
		{"YM", "YM", "CBOT", true, 100, true},
		{"VX1!", "VIX", "CFE", true, 100, true},
		{"M6E", "M6E", "CME", true, 10000, false},
		{"SOXL", "SOXL", "ARCA", false, 100, false},
		{"HXU", "HXU", "TSE", false, 100, true},
		{"BRK.B", "BRK B", "NYSE", false, 100, false},
		{"AAPL", "AAPL", "SMART", false, 100, false},
	}
	for _, tc := range cases {
		spec := table.Lookup(tc.ticker)
		if spec.Symbol != tc.symbol || spec.Exchange != tc.exchange || spec.Futures != tc.futures ||
			spec.RoundPrecision != tc.round || spec.MarketOrder != tc.market {
			t.Fatalf("ticker=%s spec=%+v", tc.ticker, spec)
		}
	}
}

func TestInstrumentTableOverrides(t *testing.T) {
	table := NewInstrumentTable(map[string]config.InstrumentConfig{
		"nq":   {Exchange: "CME", SecType: "FUT", Expiry: "20250321", RoundPrecision: 4, Futures: true},
		"tqqq": {Exchange: "NASDAQ", MarketOrder: true},
	})
	if spec := table.Lookup("NQ"); spec.Expiry != "20250321" || spec.Symbol != "NQ" {
		t.Fatalf("nq=%+v", spec)
	}
	meta := table.Lookup("TQQQ").Meta()
	if meta.OrderType != OrderMarket || meta.Futures || meta.RoundPrecision != 100 {
		t.Fatalf("tqqq meta=%+v", meta)
	}
	if got := table.Lookup("ES").Meta().OrderType; got != OrderLimit {
		t.Fatalf("es order type=%s want=limit", got)
	}
}

func TestRoundPrice(t *testing.T) {
	cases := []struct {
		in    string
		prec  int
		want  string
	}{
		{"101.13", 4, "101.25"},
		{"101.12", 4, "101"},
		{"12.345", 100, "12.35"},
		{"7.7", 0, "7.7"},
	}
	for _, tc := range cases {
		got := roundPrice(decimal.RequireFromString(tc.in), tc.prec)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("in=%s prec=%d got=%s want=%s", tc.in, tc.prec, got, tc.want)
		}
	}
}

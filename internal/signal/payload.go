// Package signal defines the canonical alert payload carried on the signal
// bus and stored with every retry.
package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformed  = errors.New("malformed signal payload")
	ErrMissingBot = errors.New("strategy.bot is required")
	ErrNoTicker   = errors.New("ticker is required")
	ErrPosition   = errors.New("strategy.market_position must be long, short or flat")
)

const (
	Long  = "long"
	Short = "short"
	Flat  = "flat"
)

// Number decodes both JSON numbers and numeric strings; alert templates
// frequently quote their placeholders.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("number %q: %w", s, err)
		}
		*n = Number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = Number(v)
	return nil
}

type Strategy struct {
	Bot                string  `json:"bot"`
	MarketPosition     string  `json:"market_position"`
	PrevMarketPosition string  `json:"prev_market_position,omitempty"`
	PositionPct        *Number `json:"position_pct,omitempty"`
	ID                 uint64  `json:"id,omitempty"`
	OrderComment       string  `json:"order_comment,omitempty"`
	OrderAction        string  `json:"order_action,omitempty"`
	OrderContracts     Number  `json:"order_contracts,omitempty"`
	OrderPrice         Number  `json:"order_price,omitempty"`
	MarketPositionSize Number  `json:"market_position_size,omitempty"`
}

// Payload is the canonical signal shape.
type Payload struct {
	Ticker   string   `json:"ticker"`
	Strategy Strategy `json:"strategy"`
	IsRetry  bool     `json:"is_retry,omitempty"`
}

// Parse decodes raw JSON into a Payload and normalizes the ticker and
// position labels. It does not check the bot.
func Parse(raw []byte) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Payload{}, ErrMalformed
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	p.Ticker = strings.ToUpper(strings.TrimSpace(p.Ticker))
	p.Strategy.Bot = strings.TrimSpace(p.Strategy.Bot)
	p.Strategy.MarketPosition = NormalizePosition(p.Strategy.MarketPosition)
	p.Strategy.PrevMarketPosition = NormalizePosition(p.Strategy.PrevMarketPosition)
	return p, nil
}

// Validate checks the fields every downstream stage depends on.
func (p Payload) Validate() error {
	if p.Strategy.Bot == "" {
		return ErrMissingBot
	}
	if p.Ticker == "" {
		return ErrNoTicker
	}
	switch p.Strategy.MarketPosition {
	case Long, Short, Flat:
		return nil
	default:
		return ErrPosition
	}
}

// NormalizePosition maps free-form labels such as "halfshort" onto the
// three canonical positions. Unknown labels are returned lower-cased.
func NormalizePosition(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	switch {
	case l == "":
		return ""
	case strings.Contains(l, Short):
		return Short
	case strings.Contains(l, Long):
		return Long
	case l == Flat:
		return Flat
	default:
		return l
	}
}

func (p Payload) IsDirectional() bool {
	return p.Strategy.MarketPosition == Long || p.Strategy.MarketPosition == Short
}

func (p Payload) IsFlat() bool {
	return p.Strategy.MarketPosition == Flat
}

// Pct returns position_pct, or 0 when it is unset.
func (p Payload) Pct() float64 {
	if p.Strategy.PositionPct == nil {
		return 0
	}
	return float64(*p.Strategy.PositionPct)
}

func (p Payload) WithPct(v float64) Payload {
	n := Number(v)
	p.Strategy.PositionPct = &n
	return p
}

func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

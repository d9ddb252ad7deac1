package signal

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var pctToken = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// ComputePositionPct returns the signed position percentage for p.
//
// An explicit position_pct is kept, clamped to 100 and signed by the market
// position. Otherwise a directional signal is 100 and a flat one 0, and a
// take-profit annotation in order_comment replaces the magnitude: a reserved
// tier label maps to its configured value, a bare "N%" token to N.
func ComputePositionPct(p Payload, tiers map[string]float64) float64 {
	pos := p.Strategy.MarketPosition
	if pos == Flat {
		return 0
	}
	var magnitude float64
	if p.Strategy.PositionPct != nil {
		magnitude = math.Abs(float64(*p.Strategy.PositionPct))
	} else {
		magnitude = 100
		if v, ok := TakeProfitPct(p.Strategy.OrderComment, tiers); ok {
			magnitude = v
		}
	}
	if magnitude > 100 {
		magnitude = 100
	}
	if pos == Short {
		return -magnitude
	}
	return magnitude
}

// TakeProfitPct extracts the remaining position percentage encoded in an
// order comment. Reserved labels are matched as whole words, case
// insensitively, before any free-form "N%" token.
func TakeProfitPct(comment string, tiers map[string]float64) (float64, bool) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return 0, false
	}
	words := strings.FieldsFunc(strings.ToLower(comment), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	labels := make([]string, 0, len(tiers))
	for label := range tiers {
		labels = append(labels, strings.ToLower(label))
	}
	sort.Strings(labels)
	for _, label := range labels {
		for _, w := range words {
			if w == label {
				return tierValue(tiers, label), true
			}
		}
	}
	if m := pctToken.FindStringSubmatch(comment); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil && v >= 0 && v <= 100 {
			return v, true
		}
	}
	return 0, false
}

func tierValue(tiers map[string]float64, label string) float64 {
	for k, v := range tiers {
		if strings.EqualFold(k, label) {
			return v
		}
	}
	return 0
}

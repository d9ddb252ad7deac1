package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// InstrumentRule is a parsed per-instrument entry of an account. An entry is
// either a plain percentage cap ("50") or a substitution ("2, MNQ").
type InstrumentRule struct {
	Cap        float64
	Factor     float64
	Substitute string
}

func (r InstrumentRule) IsSubstitute() bool {
	return r.Substitute != ""
}

// ParseInstrumentRule accepts "cap", "factor, SYMBOL" and the legacy
// "factor x SYMBOL" form.
func ParseInstrumentRule(raw string) (InstrumentRule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return InstrumentRule{}, fmt.Errorf("empty instrument rule")
	}
	var parts []string
	switch {
	case strings.Contains(raw, ","):
		parts = strings.SplitN(raw, ",", 2)
	case strings.Contains(raw, " x "):
		parts = strings.SplitN(raw, " x ", 2)
	default:
		limit, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return InstrumentRule{}, fmt.Errorf("instrument rule %q: %w", raw, err)
		}
		return InstrumentRule{Cap: limit}, nil
	}
	factor, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return InstrumentRule{}, fmt.Errorf("instrument rule %q: %w", raw, err)
	}
	symbol := strings.ToUpper(strings.TrimSpace(parts[1]))
	if symbol == "" {
		return InstrumentRule{}, fmt.Errorf("instrument rule %q: missing substitute symbol", raw)
	}
	return InstrumentRule{Factor: factor, Substitute: symbol}, nil
}

type Credentials struct {
	Key     string
	Secret  string
	BaseURL string
	DataURL string
}

// ResolvedAccount is the group-merged view of one account. It is built once
// per signal per account and never mutated afterwards; accessors hand out
// copies of the underlying maps.
type ResolvedAccount struct {
	Name        string
	Driver      string
	Group       string
	DefaultPct  float64
	UseInverse  bool
	Multiplier  float64
	UseFutures  bool
	Paper       bool
	Credentials Credentials

	rules map[string]InstrumentRule
	pairs map[string]string
}

// Rule returns the per-instrument rule for ticker, if the account has one.
func (a ResolvedAccount) Rule(ticker string) (InstrumentRule, bool) {
	r, ok := a.rules[strings.ToUpper(strings.TrimSpace(ticker))]
	return r, ok
}

// Pair returns the short-side instrument paired with ticker.
func (a ResolvedAccount) Pair(ticker string) (string, bool) {
	p, ok := a.pairs[strings.ToUpper(strings.TrimSpace(ticker))]
	return p, ok && p != ""
}

func (a ResolvedAccount) Rules() map[string]InstrumentRule {
	out := make(map[string]InstrumentRule, len(a.rules))
	for k, v := range a.rules {
		out[k] = v
	}
	return out
}

// CacheKey identifies the venue connection an account uses.
func (a ResolvedAccount) CacheKey() string {
	if a.Credentials.Key != "" {
		return a.Driver + ":" + a.Credentials.Key
	}
	return a.Driver + ":" + a.Name
}

// AccountBook resolves accounts against the groups they belong to.
type AccountBook struct {
	bots     map[string][]string
	accounts map[string]AccountConfig
	groups   map[string]AccountConfig
	pairs    map[string]string
}

func NewAccountBook(cfg Config) *AccountBook {
	b := &AccountBook{
		bots:     map[string][]string{},
		accounts: map[string]AccountConfig{},
		groups:   map[string]AccountConfig{},
		pairs:    map[string]string{},
	}
	for name, bot := range cfg.Bots {
		list := make([]string, 0, len(bot.Accounts))
		for _, acct := range bot.Accounts {
			acct = strings.ToLower(strings.TrimSpace(acct))
			if acct != "" {
				list = append(list, acct)
			}
		}
		b.bots[strings.ToLower(name)] = list
	}
	for name, acct := range cfg.Accounts {
		b.accounts[strings.ToLower(name)] = acct
	}
	for name, grp := range cfg.Groups {
		b.groups[strings.ToLower(name)] = grp
	}
	for long, short := range cfg.InversePairs {
		b.pairs[strings.ToUpper(strings.TrimSpace(long))] = strings.ToUpper(strings.TrimSpace(short))
	}
	return b
}

// BotAccounts lists the accounts a bot trades, in configured order.
func (b *AccountBook) BotAccounts(bot string) []string {
	if b == nil {
		return nil
	}
	list := b.bots[strings.ToLower(strings.TrimSpace(bot))]
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// Accounts lists every configured account name, sorted.
func (b *AccountBook) Accounts() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.accounts))
	for name := range b.accounts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve merges the account's group under the account entry; fields set on
// the account win.
func (b *AccountBook) Resolve(name string) (ResolvedAccount, error) {
	if b == nil {
		return ResolvedAccount{}, fmt.Errorf("account book unavailable")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	acct, ok := b.accounts[key]
	if !ok {
		return ResolvedAccount{}, fmt.Errorf("account %q not configured", name)
	}
	merged := acct
	if g := strings.ToLower(strings.TrimSpace(acct.Group)); g != "" {
		grp, ok := b.groups[g]
		if !ok {
			return ResolvedAccount{}, fmt.Errorf("account %q: group %q not configured", name, acct.Group)
		}
		merged = mergeAccount(grp, acct)
	}
	if merged.Driver == "" {
		return ResolvedAccount{}, fmt.Errorf("account %q: driver not set", name)
	}

	out := ResolvedAccount{
		Name:       key,
		Driver:     strings.ToLower(strings.TrimSpace(merged.Driver)),
		Group:      merged.Group,
		DefaultPct: 100,
		Multiplier: 1,
		Credentials: Credentials{
			Key:     merged.Key,
			Secret:  merged.Secret,
			BaseURL: merged.BaseURL,
			DataURL: merged.DataURL,
		},
		rules: map[string]InstrumentRule{},
		pairs: map[string]string{},
	}
	if merged.DefaultPct != nil {
		out.DefaultPct = *merged.DefaultPct
	}
	if merged.Multiplier != nil && *merged.Multiplier != 0 {
		out.Multiplier = *merged.Multiplier
	}
	if merged.UseInverse != nil {
		out.UseInverse = *merged.UseInverse
	}
	if merged.UseFutures != nil {
		out.UseFutures = *merged.UseFutures
	}
	if merged.Paper != nil {
		out.Paper = *merged.Paper
	}
	for ticker, raw := range merged.Instruments {
		rule, err := ParseInstrumentRule(raw)
		if err != nil {
			return ResolvedAccount{}, fmt.Errorf("account %q: %w", name, err)
		}
		out.rules[strings.ToUpper(strings.TrimSpace(ticker))] = rule
	}
	for k, v := range b.pairs {
		out.pairs[k] = v
	}
	return out, nil
}

func mergeAccount(base, over AccountConfig) AccountConfig {
	out := base
	if over.Driver != "" {
		out.Driver = over.Driver
	}
	out.Group = over.Group
	if over.DefaultPct != nil {
		out.DefaultPct = over.DefaultPct
	}
	if over.UseInverse != nil {
		out.UseInverse = over.UseInverse
	}
	if over.Multiplier != nil {
		out.Multiplier = over.Multiplier
	}
	if over.UseFutures != nil {
		out.UseFutures = over.UseFutures
	}
	if over.Paper != nil {
		out.Paper = over.Paper
	}
	if over.Key != "" {
		out.Key = over.Key
	}
	if over.Secret != "" {
		out.Secret = over.Secret
	}
	if over.BaseURL != "" {
		out.BaseURL = over.BaseURL
	}
	if over.DataURL != "" {
		out.DataURL = over.DataURL
	}
	instruments := make(map[string]string, len(base.Instruments)+len(over.Instruments))
	for k, v := range base.Instruments {
		instruments[k] = v
	}
	for k, v := range over.Instruments {
		instruments[k] = v
	}
	out.Instruments = instruments
	return out
}

// NewResolvedAccount builds a resolved account directly. It is used by
// callers that construct accounts outside a config file, such as tests and
// the paper driver.
func NewResolvedAccount(a ResolvedAccount, rules map[string]InstrumentRule, pairs map[string]string) ResolvedAccount {
	a.rules = map[string]InstrumentRule{}
	for k, v := range rules {
		a.rules[strings.ToUpper(k)] = v
	}
	a.pairs = map[string]string{}
	for k, v := range pairs {
		a.pairs[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	if a.Multiplier == 0 {
		a.Multiplier = 1
	}
	return a
}

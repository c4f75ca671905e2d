package tier

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is a collateral-based eligibility class. Higher values need more stake.
type Tier int

const (
	None Tier = iota
	Explorer
	Navigator
	Captain
	Admiral
	Commodore
)

// Unlimited marks a limit that never blocks.
const Unlimited = -1

var names = [...]string{"NONE", "EXPLORER", "NAVIGATOR", "CAPTAIN", "ADMIRAL", "COMMODORE"}

// String returns the canonical upper-case tier name.
func (t Tier) String() string {
	if t < None || int(t) >= len(names) {
		return "UNKNOWN"
	}
	return names[t]
}

// Parse resolves a tier from its name, case-insensitively.
func Parse(name string) (Tier, error) {
	for i, n := range names {
		if strings.EqualFold(strings.TrimSpace(name), n) {
			return Tier(i), nil
		}
	}
	return None, fmt.Errorf("unknown tier %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Benefits are the limits and perks granted by a tier.
type Benefits struct {
	DailyLimit     int             `json:"daily_limit"`
	MonthlyLimit   int             `json:"monthly_limit"`
	Priority       bool            `json:"priority"`
	FeeDiscountPct decimal.Decimal `json:"fee_discount_pct"`
}

// Info pairs a tier with its stake requirement and benefits.
type Info struct {
	Tier     Tier            `json:"tier"`
	MinStake decimal.Decimal `json:"min_stake"`
	Benefits Benefits        `json:"benefits"`
}

// Table maps collateral amounts to tiers. Entries are ordered by Tier.
type Table struct {
	entries []Info
}

// DefaultTable returns the stock tier thresholds and benefits.
func DefaultTable() *Table {
	t, err := NewTable([]Info{
		{Tier: None, MinStake: decimal.Zero, Benefits: Benefits{DailyLimit: 1, MonthlyLimit: 10, FeeDiscountPct: decimal.Zero}},
		{Tier: Explorer, MinStake: decimal.NewFromInt(100), Benefits: Benefits{DailyLimit: 5, MonthlyLimit: 100, FeeDiscountPct: decimal.Zero}},
		{Tier: Navigator, MinStake: decimal.NewFromInt(1_000), Benefits: Benefits{DailyLimit: 20, MonthlyLimit: 400, FeeDiscountPct: decimal.NewFromInt(10)}},
		{Tier: Captain, MinStake: decimal.NewFromInt(5_000), Benefits: Benefits{DailyLimit: 50, MonthlyLimit: 1_000, Priority: true, FeeDiscountPct: decimal.NewFromInt(25)}},
		{Tier: Admiral, MinStake: decimal.NewFromInt(25_000), Benefits: Benefits{DailyLimit: 200, MonthlyLimit: 5_000, Priority: true, FeeDiscountPct: decimal.NewFromInt(50)}},
		{Tier: Commodore, MinStake: decimal.NewFromInt(100_000), Benefits: Benefits{DailyLimit: Unlimited, MonthlyLimit: Unlimited, Priority: true, FeeDiscountPct: decimal.NewFromInt(100)}},
	})
	if err != nil {
		panic("default tier table invalid: " + err.Error())
	}
	return t
}

// NewTable validates and builds a tier table. Every tier from None to
// Commodore must appear exactly once, None must start at zero and the
// thresholds must strictly increase.
func NewTable(entries []Info) (*Table, error) {
	if len(entries) != len(names) {
		return nil, fmt.Errorf("tier table needs %d entries, got %d", len(names), len(entries))
	}

	ordered := make([]Info, len(names))
	seen := make(map[Tier]bool, len(names))
	for _, e := range entries {
		if e.Tier < None || int(e.Tier) >= len(names) {
			return nil, fmt.Errorf("tier %d out of range", e.Tier)
		}
		if seen[e.Tier] {
			return nil, fmt.Errorf("tier %s listed twice", e.Tier)
		}
		seen[e.Tier] = true
		ordered[e.Tier] = e
	}

	if !ordered[None].MinStake.IsZero() {
		return nil, fmt.Errorf("tier NONE must start at zero stake")
	}
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if !cur.MinStake.GreaterThan(prev.MinStake) {
			return nil, fmt.Errorf("tier %s min stake %s must exceed %s of %s", cur.Tier, cur.MinStake, prev.MinStake, prev.Tier)
		}
		if !dailyIncreases(prev.Benefits.DailyLimit, cur.Benefits.DailyLimit) {
			return nil, fmt.Errorf("tier %s daily limit must exceed that of %s", cur.Tier, prev.Tier)
		}
	}

	return &Table{entries: ordered}, nil
}

func dailyIncreases(prev, cur int) bool {
	switch {
	case prev == Unlimited:
		return false
	case cur == Unlimited:
		return true
	default:
		return cur > prev
	}
}

// Of returns the highest tier whose threshold the amount reaches.
// Negative amounts are treated as zero.
func (t *Table) Of(amount decimal.Decimal) Tier {
	result := None
	for _, e := range t.entries {
		if amount.GreaterThanOrEqual(e.MinStake) {
			result = e.Tier
		}
	}
	return result
}

// Info returns the entry for a tier; unknown tiers map to None.
func (t *Table) Info(tr Tier) Info {
	if tr < None || int(tr) >= len(t.entries) {
		return t.entries[None]
	}
	return t.entries[tr]
}

// Benefits is shorthand for Info(tr).Benefits.
func (t *Table) Benefits(tr Tier) Benefits {
	return t.Info(tr).Benefits
}

// Next returns the tier above tr, or false at the ceiling.
func (t *Table) Next(tr Tier) (Info, bool) {
	next := tr + 1
	if next <= None || int(next) >= len(t.entries) {
		return Info{}, false
	}
	return t.entries[next], true
}

// All returns a copy of the entries in tier order.
func (t *Table) All() []Info {
	out := make([]Info, len(t.entries))
	copy(out, t.entries)
	return out
}

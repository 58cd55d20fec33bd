package ratelimit

import "time"

// Operations subject to rate limiting
const (
	OpResearchQuery = "research_query"
	OpExport        = "export"
	OpConnect       = "connect"
)

// DefaultBurstWindow is the short window used for burst control
const DefaultBurstWindow = time.Second

// Limit is one sliding-window rule. Burst > 0 adds a second, shorter window
// (BurstWindow) with its own cap.
type Limit struct {
	Max         int64
	Window      time.Duration
	Burst       int64
	BurstWindow time.Duration
}

// Enabled reports whether the rule limits anything
func (l Limit) Enabled() bool {
	return l.Max > 0 && l.Window > 0
}

// Policy maps operation -> tier -> limit
type Policy map[string]map[string]Limit

// Lookup returns the limit for op and tier. An unknown tier falls back to
// fallbackTier; an unknown operation is unlimited.
func (p Policy) Lookup(op, tier, fallbackTier string) (Limit, bool) {
	tiers, ok := p[op]
	if !ok {
		return Limit{}, false
	}
	if l, ok := tiers[tier]; ok {
		return l, true
	}
	l, ok := tiers[fallbackTier]
	return l, ok
}

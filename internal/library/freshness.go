package library

import (
	"context"
	"time"
)

// Freshness classifies a derived index against its cooldown window.
type Freshness int

const (
	// FreshnessFresh: within the cooldown, no check needed.
	FreshnessFresh Freshness = iota
	// FreshnessChecking: cooldown expired, a cheap probe ran.
	FreshnessChecking
	// FreshnessStale: the probe found data newer than the last rebuild.
	FreshnessStale
)

// ProbeFunc fetches a small bounded page and reports the newest modification
// timestamp found.
type ProbeFunc func(ctx context.Context) (newest time.Time, err error)

// RefreshDecision is the outcome of ShouldRefresh.
type RefreshDecision struct {
	State Freshness
	// Refresh is true when the caller must rebuild the index.
	Refresh bool
	// AdvanceChecked is true when lastChecked should move to now, so the
	// next cooldown window starts fresh even without a rebuild.
	AdvanceChecked bool
	Reason         string
}

// ShouldRefresh decides whether a derived index needs a full rebuild. Within
// the cooldown nothing happens. Past it, the probe runs; if it fails the
// existing cache is served rather than blocking the caller (availability
// over freshness), and if it finds nothing newer only lastChecked advances.
func ShouldRefresh(ctx context.Context, now, lastUpdated, lastChecked time.Time, cooldown time.Duration, probe ProbeFunc) RefreshDecision {
	if !lastChecked.IsZero() && now.Sub(lastChecked) < cooldown {
		return RefreshDecision{State: FreshnessFresh, Reason: "within cooldown"}
	}
	newest, err := probe(ctx)
	if err != nil {
		return RefreshDecision{State: FreshnessFresh, Reason: "probe failed, serving cache"}
	}
	if lastUpdated.IsZero() || newest.After(lastUpdated) {
		return RefreshDecision{State: FreshnessStale, Refresh: true, AdvanceChecked: true, Reason: "newer data on server"}
	}
	return RefreshDecision{State: FreshnessChecking, AdvanceChecked: true, Reason: "no change since last rebuild"}
}

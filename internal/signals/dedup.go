// Package signals maintains the recent AI signal list under the
// symbol-uniqueness, freshness and size policy.
package signals

import (
	"sort"
	"time"

	"trading-sync-client/internal/models"
)

const (
	// DefaultFreshnessWindow is the horizon beyond which a signal is stale
	DefaultFreshnessWindow = 30 * time.Minute

	// DefaultMaxSignals bounds the recent-signals list
	DefaultMaxSignals = 8
)

// Deduper merges signal batches into a bounded, symbol-unique,
// newest-first list.
type Deduper struct {
	Window time.Duration
	Max    int
	Now    func() time.Time
}

// NewDeduper creates a deduper with the default window and cap
func NewDeduper() *Deduper {
	return &Deduper{
		Window: DefaultFreshnessWindow,
		Max:    DefaultMaxSignals,
		Now:    time.Now,
	}
}

// Merge combines the existing list with newly observed signals. The
// result keeps at most one signal per symbol (the most recent), drops
// anything older than the freshness window and truncates to the cap.
// The returned slice replaces the previous list wholesale.
func (d *Deduper) Merge(existing, incoming []models.AISignal) []models.AISignal {
	now := d.Now()

	merged := make([]models.AISignal, 0, len(existing)+len(incoming))
	merged = append(merged, incoming...)
	merged = append(merged, existing...)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})

	seen := make(map[string]bool, len(merged))
	kept := make([]models.AISignal, 0, d.Max)
	for _, sig := range merged {
		if seen[sig.Symbol] {
			continue
		}
		if now.Sub(sig.Timestamp) >= d.Window {
			continue
		}
		seen[sig.Symbol] = true
		kept = append(kept, sig)
		if len(kept) == d.Max {
			break
		}
	}
	return kept
}

package signals

import (
	"fmt"
	"testing"
	"time"

	"trading-sync-client/internal/models"
)

func fixedDeduper(now time.Time) *Deduper {
	d := NewDeduper()
	d.Now = func() time.Time { return now }
	return d
}

func TestMergeKeepsLatestPerSymbol(t *testing.T) {
	now := time.Now()
	d := fixedDeduper(now)

	incoming := []models.AISignal{
		{ID: "1", Symbol: "BTCUSDT", Direction: models.SideLong, Timestamp: now.Add(-1 * time.Second)},
		{ID: "2", Symbol: "BTCUSDT", Direction: models.SideShort, Timestamp: now},
		{ID: "3", Symbol: "ETHUSDT", Direction: models.SideLong, Timestamp: now},
	}

	result := d.Merge(nil, incoming)

	if len(result) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(result))
	}
	for _, sig := range result {
		if sig.Symbol == "BTCUSDT" && sig.Direction != models.SideShort {
			t.Errorf("expected latest BTCUSDT signal (short), got %s", sig.Direction)
		}
	}
}

func TestMergeDropsExpiredSignals(t *testing.T) {
	now := time.Now()
	d := fixedDeduper(now)

	existing := []models.AISignal{
		{ID: "old", Symbol: "BTCUSDT", Timestamp: now.Add(-31 * time.Minute)},
	}
	incoming := []models.AISignal{
		{ID: "fresh", Symbol: "ETHUSDT", Timestamp: now.Add(-29 * time.Minute)},
	}

	result := d.Merge(existing, incoming)

	if len(result) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(result))
	}
	if result[0].ID != "fresh" {
		t.Errorf("expected fresh signal kept, got %s", result[0].ID)
	}
}

func TestMergeBoundedToCap(t *testing.T) {
	now := time.Now()
	d := fixedDeduper(now)

	var incoming []models.AISignal
	for i := 0; i < 12; i++ {
		incoming = append(incoming, models.AISignal{
			ID:        fmt.Sprintf("sig-%d", i),
			Symbol:    fmt.Sprintf("SYM%dUSDT", i),
			Timestamp: now.Add(-time.Duration(i) * time.Second),
		})
	}

	result := d.Merge(nil, incoming)

	if len(result) != DefaultMaxSignals {
		t.Fatalf("expected %d signals, got %d", DefaultMaxSignals, len(result))
	}
	// Newest-first order after truncation.
	for i := 1; i < len(result); i++ {
		if result[i].Timestamp.After(result[i-1].Timestamp) {
			t.Errorf("signals not sorted newest-first at index %d", i)
		}
	}
}

func TestMergeUniqueSymbols(t *testing.T) {
	now := time.Now()
	d := fixedDeduper(now)

	existing := []models.AISignal{
		{ID: "e1", Symbol: "BTCUSDT", Timestamp: now.Add(-10 * time.Minute)},
		{ID: "e2", Symbol: "ETHUSDT", Timestamp: now.Add(-5 * time.Minute)},
	}
	incoming := []models.AISignal{
		{ID: "n1", Symbol: "BTCUSDT", Timestamp: now},
	}

	result := d.Merge(existing, incoming)

	seen := make(map[string]bool)
	for _, sig := range result {
		if seen[sig.Symbol] {
			t.Fatalf("duplicate symbol %s in result", sig.Symbol)
		}
		seen[sig.Symbol] = true
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(result))
	}
	if result[0].ID != "n1" {
		t.Errorf("expected newest BTCUSDT signal first, got %s", result[0].ID)
	}
}

func TestMergeEmptyInputs(t *testing.T) {
	d := fixedDeduper(time.Now())

	if result := d.Merge(nil, nil); len(result) != 0 {
		t.Errorf("expected empty result, got %d entries", len(result))
	}
}

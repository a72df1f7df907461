package state

import (
	"sync"
	"time"

	"trading-sync-client/internal/events"
	"trading-sync-client/internal/models"
)

// Snapshot is the single mutable view of account state for the active
// mode. All fields except Mode are mode-scoped and reset on transition.
type Snapshot struct {
	Mode                models.TradingMode      `json:"mode"`
	IsActive            bool                    `json:"is_active"`
	IsLoading           bool                    `json:"is_loading"`
	Error               string                  `json:"error,omitempty"`
	Portfolio           models.PortfolioMetrics `json:"portfolio"`
	OpenTrades          []models.Trade          `json:"open_trades"`
	ClosedTrades        []models.Trade          `json:"closed_trades"`
	RecentSignals       []models.AISignal       `json:"recent_signals"`
	Settings            *models.Settings        `json:"settings,omitempty"`
	PendingConfirmation *models.PendingAction   `json:"pending_confirmation,omitempty"`
	LastUpdated         *time.Time              `json:"last_updated,omitempty"`
	UpdateCounter       int64                   `json:"update_counter"`
}

// Store owns the snapshot behind a single mutex. Concurrent writers (a
// REST response and a stream event) funnel through Apply so a reader
// never observes half of one update mixed with half of another.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot

	// generation increments on every mode reset; results captured under
	// an older generation are discarded instead of applied.
	generation uint64

	bus *events.Bus
	now func() time.Time
}

// New creates an empty store. The bus may be nil.
func New(bus *events.Bus) *Store {
	return &Store{
		bus: bus,
		now: time.Now,
	}
}

// Snapshot returns a copy of the current state. Slices are copied so
// callers can iterate without holding the store lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySnapshot(s.snap)
}

// Generation returns the current mode generation. Callers capture it
// before issuing I/O and pass it back to ApplyIfCurrent.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Mode returns the mode the store is currently scoped to
func (s *Store) Mode() models.TradingMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Mode
}

// Apply mutates the snapshot under the store lock, bumps the update
// counter and stamps LastUpdated. One Apply corresponds to one logical
// update (one fetch result or one decoded event).
func (s *Store) Apply(mutate func(*Snapshot)) {
	s.mu.Lock()
	mutate(&s.snap)
	s.snap.UpdateCounter++
	now := s.now()
	s.snap.LastUpdated = &now
	counter := s.snap.UpdateCounter
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.PublishStateUpdated(counter)
	}
}

// ApplyIfCurrent applies the mutation only if the store is still on the
// given generation. It returns false when the result is stale (a mode
// switch happened while the I/O was in flight).
func (s *Store) ApplyIfCurrent(generation uint64, mutate func(*Snapshot)) bool {
	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return false
	}
	mutate(&s.snap)
	s.snap.UpdateCounter++
	now := s.now()
	s.snap.LastUpdated = &now
	counter := s.snap.UpdateCounter
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.PublishStateUpdated(counter)
	}
	return true
}

// SetLoading flips the transient loading flag without counting as an
// applied update.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	s.snap.IsLoading = loading
	s.mu.Unlock()
}

// SetError records a transient, user-visible error without touching the
// data fields or the update counter.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.snap.Error = msg
	s.mu.Unlock()
}

// SetPendingConfirmation records or clears a pending confirmation
// without counting as an applied update.
func (s *Store) SetPendingConfirmation(pending *models.PendingAction) {
	s.mu.Lock()
	s.snap.PendingConfirmation = pending
	s.mu.Unlock()
}

// ResetForMode clears all mode-scoped state to zero values, scopes the
// store to the new mode and advances the generation so in-flight
// results for the old mode are discarded. Returns the new generation.
func (s *Store) ResetForMode(mode models.TradingMode) uint64 {
	s.mu.Lock()
	s.snap = Snapshot{Mode: mode}
	s.generation++
	gen := s.generation
	s.mu.Unlock()
	return gen
}

func copySnapshot(in Snapshot) Snapshot {
	out := in
	if in.OpenTrades != nil {
		out.OpenTrades = append([]models.Trade(nil), in.OpenTrades...)
	}
	if in.ClosedTrades != nil {
		out.ClosedTrades = append([]models.Trade(nil), in.ClosedTrades...)
	}
	if in.RecentSignals != nil {
		out.RecentSignals = append([]models.AISignal(nil), in.RecentSignals...)
	}
	if in.Settings != nil {
		settings := *in.Settings
		out.Settings = &settings
	}
	if in.PendingConfirmation != nil {
		pending := *in.PendingConfirmation
		out.PendingConfirmation = &pending
	}
	if in.LastUpdated != nil {
		ts := *in.LastUpdated
		out.LastUpdated = &ts
	}
	return out
}

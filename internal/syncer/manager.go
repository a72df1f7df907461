// Package syncer coordinates the REST synchronizer, the event stream
// and the state store for the active trading mode, and exposes the
// mode-guarded trading operations.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"trading-sync-client/internal/events"
	"trading-sync-client/internal/journal"
	"trading-sync-client/internal/logging"
	"trading-sync-client/internal/models"
	"trading-sync-client/internal/notification"
	"trading-sync-client/internal/rest"
	"trading-sync-client/internal/signals"
	"trading-sync-client/internal/state"
)

// StreamController is the surface of the event stream consumer the
// manager drives during mode transitions.
type StreamController interface {
	Connect(mode models.TradingMode) error
	Close() error
}

// Config holds sync orchestration tuning
type Config struct {
	// DriftResyncProbability is the chance a market data tick triggers a
	// full portfolio refetch to correct incremental P&L drift.
	DriftResyncProbability float64

	SignalFreshnessWindow time.Duration
	MaxRecentSignals      int
}

// resyncSet selects which resources a resync refetches
type resyncSet uint8

const (
	resyncStatus resyncSet = 1 << iota
	resyncPortfolio
	resyncOpenTrades
	resyncClosedTrades
	resyncSettings
)

// Manager owns the mode lifecycle. Exactly one REST synchronizer and
// one stream connection are active at a time, scoped to the current
// mode; a transition runs to completion before operations targeting the
// new mode are accepted.
type Manager struct {
	// Transitions hold the write lock for their full duration; facade
	// operations hold a read lock, so a call targeting the new mode is
	// not admitted until the transition's initial fetch set completes.
	mu sync.RWMutex

	store   *state.Store
	rest    *rest.Client
	stream  StreamController
	deduper *signals.Deduper
	notify  *notification.Manager
	bus     *events.Bus
	journal *journal.Journal
	log     *logging.Logger

	driftProb float64
	rand      func() float64
}

// New creates a manager. The journal may be nil.
func New(cfg Config, store *state.Store, restClient *rest.Client, stream StreamController,
	notify *notification.Manager, bus *events.Bus, jnl *journal.Journal, log *logging.Logger) *Manager {

	deduper := signals.NewDeduper()
	if cfg.SignalFreshnessWindow > 0 {
		deduper.Window = cfg.SignalFreshnessWindow
	}
	if cfg.MaxRecentSignals > 0 {
		deduper.Max = cfg.MaxRecentSignals
	}

	return &Manager{
		store:     store,
		rest:      restClient,
		stream:    stream,
		deduper:   deduper,
		notify:    notify,
		bus:       bus,
		journal:   jnl,
		log:       log.WithComponent("syncer"),
		driftProb: cfg.DriftResyncProbability,
		rand:      rand.Float64,
	}
}

// SetStream binds the stream controller. The consumer needs the
// manager as its sink, so the two are wired in two steps.
func (m *Manager) SetStream(stream StreamController) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = stream
}

// Mode returns the currently active trading mode
func (m *Manager) Mode() models.TradingMode {
	return m.store.Mode()
}

// ============================================================================
// MODE TRANSITION RECONCILER
// ============================================================================

// SetMode switches the client to a new trading mode: tear down the
// stream, zero all mode-scoped state, then prime the new mode with the
// initial fetch set and a fresh stream connection. Passing ModeNone
// deactivates synchronization entirely.
func (m *Manager) SetMode(ctx context.Context, mode models.TradingMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.store.Mode()
	if mode == current {
		return nil
	}

	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			m.log.Warn("stream teardown failed", "error", err)
		}
	}

	generation := m.store.ResetForMode(mode)
	m.bus.PublishModeChanged(current.String(), mode.String())
	m.log.Info("mode changed", "from", current.String(), "to", mode.String())

	if !mode.IsActive() {
		return nil
	}

	m.warmStart(ctx, mode, generation)
	m.prime(ctx, mode, generation)

	if m.stream == nil {
		return nil
	}
	if err := m.stream.Connect(mode); err != nil {
		m.log.Warn("stream connect failed", "mode", mode.String(), "error", err)
		m.notify.Warning("Event Stream", "Live updates unavailable: "+err.Error())
	} else {
		m.bus.PublishStreamStatus(true, mode.String())
	}
	return nil
}

// Stop deactivates synchronization
func (m *Manager) Stop(ctx context.Context) error {
	return m.SetMode(ctx, models.ModeNone)
}

// warmStart hydrates the store from the journal so the UI has
// last-known-good data while the initial fetches run.
func (m *Manager) warmStart(ctx context.Context, mode models.TradingMode, generation uint64) {
	if m.journal == nil {
		return
	}
	snap, err := m.journal.LoadSnapshot(ctx, mode)
	if err != nil || snap == nil {
		return
	}
	m.store.ApplyIfCurrent(generation, func(s *state.Snapshot) {
		s.Portfolio = snap.Portfolio
		s.OpenTrades = snap.OpenTrades
		s.ClosedTrades = snap.ClosedTrades
		s.RecentSignals = snap.RecentSignals
		s.Settings = snap.Settings
	})
}

// prime issues the full initial fetch set for a freshly activated mode
func (m *Manager) prime(ctx context.Context, mode models.TradingMode, generation uint64) {
	m.store.SetLoading(true)
	defer m.store.SetLoading(false)

	m.refreshStatus(ctx, mode, generation)
	m.refreshOpenTrades(ctx, mode, generation)
	m.refreshClosedTrades(ctx, mode, generation)
	m.refreshSettings(ctx, mode, generation)
	m.refreshPortfolio(ctx, mode, generation)
}

// ============================================================================
// MODE GUARD
// ============================================================================

// guard rejects the operation when the requested mode does not match
// the active mode. Rejections are deterministic and pre-flight: no REST
// call is issued and no state mutates.
func (m *Manager) guard(required models.TradingMode, reason string) error {
	current := m.Mode()
	if current == required {
		return nil
	}
	m.log.Warn("operation rejected", "required_mode", required.String(), "active_mode", current.String())
	return errors.New(reason)
}

// ============================================================================
// ACTION FACADE
// ============================================================================

// StartTrading starts the bot for the mode
func (m *Manager) StartTrading(ctx context.Context, mode models.TradingMode) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(mode, fmt.Sprintf("Cannot start trading - not in %s mode", mode)); err != nil {
		return err
	}
	return m.execute(ctx, mode, "Start Trading", "Trading started",
		func() error { return m.rest.StartTrading(ctx, mode) },
		resyncStatus|resyncPortfolio)
}

// StopTrading stops the bot for the mode
func (m *Manager) StopTrading(ctx context.Context, mode models.TradingMode) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(mode, fmt.Sprintf("Cannot stop trading - not in %s mode", mode)); err != nil {
		return err
	}
	return m.execute(ctx, mode, "Stop Trading", "Trading stopped",
		func() error { return m.rest.StopTrading(ctx, mode) },
		resyncStatus)
}

// CloseTrade closes an open trade. The trade moves to the closed
// collection only via the server's confirmation, never client-side.
func (m *Manager) CloseTrade(ctx context.Context, mode models.TradingMode, tradeID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(mode, fmt.Sprintf("Cannot close %s trade - not in %s mode", mode, mode)); err != nil {
		return err
	}
	err := m.execute(ctx, mode, "Close Trade", "Trade close requested",
		func() error { return m.rest.CloseTrade(ctx, mode, tradeID) },
		resyncOpenTrades|resyncClosedTrades|resyncPortfolio)
	if err == nil {
		m.store.SetPendingConfirmation(nil)
	}
	return err
}

// UpdateSettings replaces the mode's settings wholesale
func (m *Manager) UpdateSettings(ctx context.Context, mode models.TradingMode, settings models.Settings) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(mode, fmt.Sprintf("Cannot update settings - not in %s mode", mode)); err != nil {
		return err
	}
	return m.execute(ctx, mode, "Update Settings", "Settings updated",
		func() error { return m.rest.UpdateSettings(ctx, mode, settings) },
		resyncSettings)
}

// PlaceOrder submits a new order
func (m *Manager) PlaceOrder(ctx context.Context, mode models.TradingMode, order models.OrderRequest) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(mode, fmt.Sprintf("Cannot place order - not in %s mode", mode)); err != nil {
		return err
	}
	return m.execute(ctx, mode, "Place Order", fmt.Sprintf("Order placed for %s", order.Symbol),
		func() error { return m.rest.PlaceOrder(ctx, mode, order) },
		resyncOpenTrades|resyncPortfolio)
}

// CancelOrder cancels a pending order
func (m *Manager) CancelOrder(ctx context.Context, mode models.TradingMode, orderID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(mode, fmt.Sprintf("Cannot cancel order - not in %s mode", mode)); err != nil {
		return err
	}
	return m.execute(ctx, mode, "Cancel Order", "Order cancelled",
		func() error { return m.rest.CancelOrder(ctx, mode, orderID) },
		resyncOpenTrades)
}

// ModifyStopLoss updates the stop-loss on an open trade
func (m *Manager) ModifyStopLoss(ctx context.Context, mode models.TradingMode, tradeID string, price float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(mode, fmt.Sprintf("Cannot modify stop loss - not in %s mode", mode)); err != nil {
		return err
	}
	return m.execute(ctx, mode, "Modify Stop Loss", "Stop loss updated",
		func() error { return m.rest.ModifyStopLoss(ctx, mode, tradeID, price) },
		resyncOpenTrades)
}

// ModifyTakeProfit updates the take-profit on an open trade
func (m *Manager) ModifyTakeProfit(ctx context.Context, mode models.TradingMode, tradeID string, price float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(mode, fmt.Sprintf("Cannot modify take profit - not in %s mode", mode)); err != nil {
		return err
	}
	return m.execute(ctx, mode, "Modify Take Profit", "Take profit updated",
		func() error { return m.rest.ModifyTakeProfit(ctx, mode, tradeID, price) },
		resyncOpenTrades)
}

// RequestCloseConfirmation records a pending close so the caller can
// confirm before the money-moving call goes out.
func (m *Manager) RequestCloseConfirmation(tradeID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.store.SetPendingConfirmation(&models.PendingAction{
		Action:      "close_trade",
		TradeID:     tradeID,
		RequestedAt: time.Now(),
	})
}

// execute runs a mutating REST call and, on success, the follow-up
// resync so server-side effects (fees, partial fills) are reflected
// rather than assumed. On failure only the transient error and loading
// fields mutate.
func (m *Manager) execute(ctx context.Context, mode models.TradingMode, title, successMsg string,
	call func() error, targets resyncSet) error {

	m.store.SetLoading(true)
	defer m.store.SetLoading(false)

	if err := call(); err != nil {
		msg := serverMessage(err, title)
		m.store.SetError(msg)
		m.notify.Error(title, msg)
		return err
	}

	m.store.SetError("")
	m.notify.Success(title, successMsg)
	m.resync(ctx, mode, targets)
	return nil
}

// serverMessage surfaces the server-provided error when present, a
// generic fallback otherwise.
func serverMessage(err error, op string) string {
	var apiErr *rest.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fmt.Sprintf("%s failed - please try again", op)
}

// ============================================================================
// RESYNC
// ============================================================================

func (m *Manager) resync(ctx context.Context, mode models.TradingMode, targets resyncSet) {
	generation := m.store.Generation()
	if targets&resyncStatus != 0 {
		m.refreshStatus(ctx, mode, generation)
	}
	if targets&resyncOpenTrades != 0 {
		m.refreshOpenTrades(ctx, mode, generation)
	}
	if targets&resyncClosedTrades != 0 {
		m.refreshClosedTrades(ctx, mode, generation)
	}
	if targets&resyncSettings != 0 {
		m.refreshSettings(ctx, mode, generation)
	}
	if targets&resyncPortfolio != 0 {
		m.refreshPortfolio(ctx, mode, generation)
	}
}

func (m *Manager) refreshStatus(ctx context.Context, mode models.TradingMode, generation uint64) {
	status, err := m.rest.FetchStatus(ctx, mode)
	if err != nil {
		m.reportFetchError("status", err)
		return
	}
	m.store.ApplyIfCurrent(generation, func(s *state.Snapshot) {
		s.IsActive = status.Active
		s.Error = ""
	})
}

func (m *Manager) refreshPortfolio(ctx context.Context, mode models.TradingMode, generation uint64) {
	portfolio, err := m.rest.FetchPortfolio(ctx, mode)
	if err != nil {
		m.reportFetchError("portfolio", err)
		return
	}
	m.store.ApplyIfCurrent(generation, func(s *state.Snapshot) {
		s.Portfolio = *portfolio
		s.Error = ""
	})
}

func (m *Manager) refreshOpenTrades(ctx context.Context, mode models.TradingMode, generation uint64) {
	trades, err := m.rest.FetchOpenTrades(ctx, mode)
	if err != nil {
		m.reportFetchError("open trades", err)
		return
	}
	m.store.ApplyIfCurrent(generation, func(s *state.Snapshot) {
		s.OpenTrades = trades
		// A trade id lives in exactly one collection.
		s.ClosedTrades = excludeIDs(s.ClosedTrades, trades)
		s.Error = ""
	})
}

func (m *Manager) refreshClosedTrades(ctx context.Context, mode models.TradingMode, generation uint64) {
	trades, err := m.rest.FetchClosedTrades(ctx, mode)
	if err != nil {
		m.reportFetchError("closed trades", err)
		return
	}
	m.store.ApplyIfCurrent(generation, func(s *state.Snapshot) {
		s.ClosedTrades = trades
		s.OpenTrades = excludeIDs(s.OpenTrades, trades)
		s.Error = ""
	})
}

func (m *Manager) refreshSettings(ctx context.Context, mode models.TradingMode, generation uint64) {
	settings, err := m.rest.FetchSettings(ctx, mode)
	if err != nil {
		m.reportFetchError("settings", err)
		return
	}
	m.store.ApplyIfCurrent(generation, func(s *state.Snapshot) {
		s.Settings = settings
		s.Error = ""
	})
}

// reportFetchError surfaces a failed fetch without stomping good data.
// A skipped call for an inactive mode is not an error.
func (m *Manager) reportFetchError(resource string, err error) {
	if errors.Is(err, rest.ErrModeInactive) {
		return
	}
	msg := fmt.Sprintf("Failed to load %s: %v", resource, err)
	m.store.SetError(msg)
	m.log.Error("fetch failed", "resource", resource, "error", err)
	m.bus.PublishError("syncer", msg, err)
}

func excludeIDs(list, applied []models.Trade) []models.Trade {
	if len(list) == 0 || len(applied) == 0 {
		return list
	}
	ids := make(map[string]bool, len(applied))
	for _, t := range applied {
		ids[t.ID] = true
	}
	kept := list[:0:0]
	for _, t := range list {
		if !ids[t.ID] {
			kept = append(kept, t)
		}
	}
	return kept
}

// ============================================================================
// STREAM SINK
// ============================================================================

// OnMarketData recomputes unrealized P&L for open trades on the tick's
// symbol and occasionally refetches the portfolio to correct drift from
// the incremental math.
func (m *Manager) OnMarketData(mode models.TradingMode, tick models.MarketDataEvent) {
	// Capture the generation before the mode check: a switch racing this
	// handler either fails the check or invalidates the generation.
	generation := m.store.Generation()
	if m.Mode() != mode {
		return
	}
	m.store.ApplyIfCurrent(generation, func(s *state.Snapshot) {
		var unrealized float64
		for i := range s.OpenTrades {
			t := &s.OpenTrades[i]
			if t.Symbol == tick.Symbol {
				t.PnL = t.UnrealizedPnL(tick.Price)
			}
			unrealized += t.PnL
		}
		s.Portfolio.UnrealizedPnL = unrealized
	})

	if m.driftProb > 0 && m.rand() < m.driftProb {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			m.refreshPortfolio(ctx, mode, generation)
		}()
	}
}

// OnOrderEvent refetches open trades after order lifecycle events, and
// the portfolio too when a fill moved money.
func (m *Manager) OnOrderEvent(mode models.TradingMode, kind models.EventKind) {
	generation := m.store.Generation()
	if m.Mode() != mode {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.refreshOpenTrades(ctx, mode, generation)
		switch kind {
		case models.EventOrderFilled, models.EventOrderPartiallyFilled, models.EventTradeExecuted:
			m.refreshPortfolio(ctx, mode, generation)
		}
	}()
}

// OnTradeClosed refetches both trade collections and the portfolio so
// the trade moves collections on the server's authority.
func (m *Manager) OnTradeClosed(mode models.TradingMode) {
	generation := m.store.Generation()
	if m.Mode() != mode {
		return
	}
	m.bus.PublishTradeClosed(mode.String())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.refreshOpenTrades(ctx, mode, generation)
		m.refreshClosedTrades(ctx, mode, generation)
		m.refreshPortfolio(ctx, mode, generation)
	}()
}

// OnSignal merges the signal into the recent list under the dedup policy
func (m *Manager) OnSignal(mode models.TradingMode, signal models.AISignal) {
	generation := m.store.Generation()
	if m.Mode() != mode {
		return
	}
	applied := m.store.ApplyIfCurrent(generation, func(s *state.Snapshot) {
		s.RecentSignals = m.deduper.Merge(s.RecentSignals, []models.AISignal{signal})
	})
	if !applied {
		return
	}
	m.bus.PublishSignalReceived(signal.Symbol, string(signal.Direction), signal.Confidence)
}

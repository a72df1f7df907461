package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trading-sync-client/internal/events"
	"trading-sync-client/internal/logging"
	"trading-sync-client/internal/models"
	"trading-sync-client/internal/notification"
	"trading-sync-client/internal/rest"
	"trading-sync-client/internal/state"
)

// ============================================================================
// FAKE TRADING API
// ============================================================================

// fakeAPI serves the trading service's endpoints from in-memory data and
// counts requests per path.
type fakeAPI struct {
	mu           sync.Mutex
	hits         map[string]int
	status       models.BotStatus
	portfolio    models.PortfolioMetrics
	openTrades   []models.Trade
	closedTrades []models.Trade
	settings     models.Settings
	closeErr     string // when set, close-trade requests fail with this message

	// When set, status requests signal statusEntered and wait on
	// statusRelease, letting tests hold a mode transition mid-prime.
	statusEntered chan struct{}
	statusRelease chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{hits: make(map[string]int)}
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++

	var data interface{}
	var entered, release chan struct{}
	switch {
	case r.URL.Path == "/api/v1/trading/status":
		data = f.status
		entered, release = f.statusEntered, f.statusRelease
	case r.URL.Path == "/api/v1/trading/portfolio":
		data = f.portfolio
	case r.URL.Path == "/api/v1/trading/trades/open":
		data = f.openTrades
	case r.URL.Path == "/api/v1/trading/trades/closed":
		data = f.closedTrades
	case r.URL.Path == "/api/v1/trading/settings":
		data = f.settings
	case strings.HasSuffix(r.URL.Path, "/close"):
		if f.closeErr != "" {
			msg := f.closeErr
			f.mu.Unlock()
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(models.APIResponse{Success: false, Error: msg})
			return
		}
		// The server moves the trade; subsequent fetches reflect it.
		if len(f.openTrades) > 0 {
			closed := f.openTrades[0]
			now := time.Now()
			closed.ClosedAt = &now
			f.closedTrades = append([]models.Trade{closed}, f.closedTrades...)
			f.openTrades = f.openTrades[1:]
		}
	}
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	payload, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(models.APIResponse{Success: true, Data: payload})
}

// ============================================================================
// FIXTURE
// ============================================================================

type stubStream struct {
	mu       sync.Mutex
	connects []models.TradingMode
	closes   int
}

func (s *stubStream) Connect(mode models.TradingMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects = append(s.connects, mode)
	return nil
}

func (s *stubStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

type fixture struct {
	api     *fakeAPI
	server  *httptest.Server
	store   *state.Store
	stream  *stubStream
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	api := newFakeAPI()
	api.status = models.BotStatus{Active: true}
	api.portfolio = models.PortfolioMetrics{TotalBalance: 5000}
	api.settings = models.Settings{Basic: models.BasicSettings{Enabled: true, DefaultLeverage: 3}}

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	bus := events.NewBus()
	store := state.New(bus)

	restClient := rest.NewClient(rest.Config{
		BaseURL:       server.URL,
		RetryAttempts: 1,
	}, nil, func(mode models.TradingMode) bool {
		return store.Mode() == mode
	}, logger)

	notify := notification.NewManager(false, logger)

	manager := New(Config{DriftResyncProbability: 0}, store, restClient, nil, notify, bus, nil, logger)
	stream := &stubStream{}
	manager.SetStream(stream)

	return &fixture{api: api, server: server, store: store, stream: stream, manager: manager}
}

// ============================================================================
// MODE TRANSITIONS
// ============================================================================

func TestSetModePrimesStateFromServer(t *testing.T) {
	f := newFixture(t)
	f.api.openTrades = []models.Trade{{ID: "t1", Symbol: "BTCUSDT", Side: models.SideLong}}
	f.api.closedTrades = []models.Trade{{ID: "t2", Symbol: "ETHUSDT", Side: models.SideShort}}

	if err := f.manager.SetMode(context.Background(), models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}

	snap := f.store.Snapshot()
	if snap.Mode != models.ModePaper {
		t.Errorf("expected paper mode, got %s", snap.Mode)
	}
	if !snap.IsActive {
		t.Error("expected active after status fetch")
	}
	if snap.IsLoading {
		t.Error("expected loading cleared after prime")
	}
	if len(snap.OpenTrades) != 1 || snap.OpenTrades[0].ID != "t1" {
		t.Errorf("open trades not primed: %+v", snap.OpenTrades)
	}
	if len(snap.ClosedTrades) != 1 || snap.ClosedTrades[0].ID != "t2" {
		t.Errorf("closed trades not primed: %+v", snap.ClosedTrades)
	}
	if snap.Portfolio.TotalBalance != 5000 {
		t.Errorf("portfolio not primed: %v", snap.Portfolio.TotalBalance)
	}
	if snap.Settings == nil || !snap.Settings.Basic.Enabled {
		t.Errorf("settings not primed: %+v", snap.Settings)
	}
	if snap.UpdateCounter == 0 {
		t.Error("expected update counter to advance during prime")
	}

	f.stream.mu.Lock()
	defer f.stream.mu.Unlock()
	if len(f.stream.connects) != 1 || f.stream.connects[0] != models.ModePaper {
		t.Errorf("stream not connected for mode: %+v", f.stream.connects)
	}
}

func TestStopDeactivatesAndTearsDownStream(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.SetMode(context.Background(), models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}

	if err := f.manager.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if f.manager.Mode() != models.ModeNone {
		t.Errorf("expected inactive mode, got %s", f.manager.Mode())
	}
	snap := f.store.Snapshot()
	if len(snap.OpenTrades) != 0 || snap.IsActive {
		t.Error("mode-scoped state not cleared on stop")
	}

	f.stream.mu.Lock()
	defer f.stream.mu.Unlock()
	if f.stream.closes == 0 {
		t.Error("stream not closed on stop")
	}
}

func TestStaleFetchDiscardedAfterModeSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.manager.SetMode(ctx, models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}
	staleGeneration := f.store.Generation()

	if err := f.manager.SetMode(ctx, models.ModeReal); err != nil {
		t.Fatalf("mode switch failed: %v", err)
	}
	f.store.Apply(func(s *state.Snapshot) {
		s.Portfolio.TotalBalance = 1111
	})

	// A fetch started before the switch completes afterwards.
	f.api.mu.Lock()
	f.api.portfolio.TotalBalance = 9999
	f.api.mu.Unlock()
	f.manager.refreshPortfolio(ctx, models.ModeReal, staleGeneration)

	if balance := f.store.Snapshot().Portfolio.TotalBalance; balance != 1111 {
		t.Errorf("stale fetch result applied: balance %v", balance)
	}
}

func TestFacadeBlockedDuringModeTransition(t *testing.T) {
	f := newFixture(t)
	f.api.statusEntered = make(chan struct{}, 8)
	f.api.statusRelease = make(chan struct{})
	ctx := context.Background()

	transitionDone := make(chan error, 1)
	go func() { transitionDone <- f.manager.SetMode(ctx, models.ModePaper) }()

	select {
	case <-f.api.statusEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("transition never reached the status fetch")
	}

	// The transition is held mid-prime; a facade call for the new mode
	// must wait for it rather than slip past the guard.
	startDone := make(chan error, 1)
	go func() { startDone <- f.manager.StartTrading(ctx, models.ModePaper) }()

	select {
	case err := <-startDone:
		t.Fatalf("facade call admitted mid-transition: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	if got := f.api.count("/api/v1/trading/start"); got != 0 {
		t.Errorf("REST write issued before transition completed: %d", got)
	}

	close(f.api.statusRelease)

	if err := <-transitionDone; err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := <-startDone; err != nil {
		t.Fatalf("start trading failed after transition: %v", err)
	}
	if got := f.api.count("/api/v1/trading/start"); got != 1 {
		t.Errorf("expected 1 start call after transition, got %d", got)
	}
}

// ============================================================================
// MODE GUARD
// ============================================================================

func TestGuardedCloseWhilePaperActive(t *testing.T) {
	f := newFixture(t)
	f.api.openTrades = []models.Trade{{ID: "t1", Symbol: "BTCUSDT", Side: models.SideLong}}
	if err := f.manager.SetMode(context.Background(), models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}

	err := f.manager.CloseTrade(context.Background(), models.ModeReal, "t1")
	if err == nil {
		t.Fatal("expected guard rejection")
	}
	if err.Error() != "Cannot close real trade - not in real mode" {
		t.Errorf("unexpected rejection message: %q", err.Error())
	}
	if got := f.api.count("/api/v1/trading/trades/t1/close"); got != 0 {
		t.Errorf("guard rejection issued a REST call: %d", got)
	}
	if len(f.store.Snapshot().OpenTrades) != 1 {
		t.Error("guard rejection mutated state")
	}
}

func TestGuardRejectsStartInWrongMode(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.SetMode(context.Background(), models.ModeReal); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}

	err := f.manager.StartTrading(context.Background(), models.ModePaper)
	if err == nil || err.Error() != "Cannot start trading - not in paper mode" {
		t.Errorf("unexpected rejection: %v", err)
	}
	if got := f.api.count("/api/v1/trading/start"); got != 0 {
		t.Errorf("guard rejection issued a REST call: %d", got)
	}
}

// ============================================================================
// ACTION FACADE
// ============================================================================

func TestCloseTradeMovesTradeOnServerAuthority(t *testing.T) {
	f := newFixture(t)
	f.api.openTrades = []models.Trade{{ID: "t1", Symbol: "BTCUSDT", Side: models.SideLong}}
	ctx := context.Background()
	if err := f.manager.SetMode(ctx, models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}

	f.manager.RequestCloseConfirmation("t1")
	if f.store.Snapshot().PendingConfirmation == nil {
		t.Fatal("pending confirmation not recorded")
	}

	if err := f.manager.CloseTrade(ctx, models.ModePaper, "t1"); err != nil {
		t.Fatalf("close trade failed: %v", err)
	}

	snap := f.store.Snapshot()
	if len(snap.OpenTrades) != 0 {
		t.Errorf("trade still open: %+v", snap.OpenTrades)
	}
	if len(snap.ClosedTrades) != 1 || snap.ClosedTrades[0].ID != "t1" {
		t.Errorf("trade not in closed collection: %+v", snap.ClosedTrades)
	}
	if snap.PendingConfirmation != nil {
		t.Error("pending confirmation not cleared after close")
	}
	for _, open := range snap.OpenTrades {
		for _, closed := range snap.ClosedTrades {
			if open.ID == closed.ID {
				t.Errorf("trade %s in both collections", open.ID)
			}
		}
	}
}

func TestCloseTradeSurfacesServerError(t *testing.T) {
	f := newFixture(t)
	f.api.openTrades = []models.Trade{{ID: "t1", Symbol: "BTCUSDT", Side: models.SideLong}}
	f.api.closeErr = "Insufficient balance"
	ctx := context.Background()
	if err := f.manager.SetMode(ctx, models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}

	err := f.manager.CloseTrade(ctx, models.ModePaper, "t1")
	if err == nil {
		t.Fatal("expected error from server")
	}

	snap := f.store.Snapshot()
	if snap.Error != "Insufficient balance" {
		t.Errorf("server message not surfaced: %q", snap.Error)
	}
	if len(snap.OpenTrades) != 1 {
		t.Errorf("failed close mutated trade data: %+v", snap.OpenTrades)
	}
}

func TestUpdateSettingsResyncsSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.manager.SetMode(ctx, models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}

	f.api.mu.Lock()
	f.api.settings.Basic.DefaultLeverage = 10
	f.api.mu.Unlock()

	newSettings := models.Settings{Basic: models.BasicSettings{Enabled: true, DefaultLeverage: 10}}
	if err := f.manager.UpdateSettings(ctx, models.ModePaper, newSettings); err != nil {
		t.Fatalf("update settings failed: %v", err)
	}

	snap := f.store.Snapshot()
	if snap.Settings == nil || snap.Settings.Basic.DefaultLeverage != 10 {
		t.Errorf("settings not refetched after update: %+v", snap.Settings)
	}
}

// ============================================================================
// STREAM SINK
// ============================================================================

func TestMarketDataTickRecomputesPnL(t *testing.T) {
	f := newFixture(t)
	f.api.openTrades = []models.Trade{
		{ID: "t1", Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 48000, Quantity: 0.01},
		{ID: "t2", Symbol: "ETHUSDT", Side: models.SideLong, EntryPrice: 3000, Quantity: 1, PnL: 5},
	}
	ctx := context.Background()
	if err := f.manager.SetMode(ctx, models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}

	f.manager.OnMarketData(models.ModePaper, models.MarketDataEvent{Symbol: "BTCUSDT", Price: 50000})

	snap := f.store.Snapshot()
	if pnl := snap.OpenTrades[0].PnL; pnl != 20.0 {
		t.Errorf("expected BTCUSDT pnl 20.0, got %v", pnl)
	}
	if pnl := snap.OpenTrades[1].PnL; pnl != 5 {
		t.Errorf("other-symbol trade changed: %v", pnl)
	}
	if snap.Portfolio.UnrealizedPnL != 25 {
		t.Errorf("expected aggregate unrealized pnl 25, got %v", snap.Portfolio.UnrealizedPnL)
	}
}

func TestTickForInactiveModeIgnored(t *testing.T) {
	f := newFixture(t)
	f.api.openTrades = []models.Trade{
		{ID: "t1", Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 48000, Quantity: 0.01},
	}
	ctx := context.Background()
	if err := f.manager.SetMode(ctx, models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}
	before := f.store.Snapshot().UpdateCounter

	f.manager.OnMarketData(models.ModeReal, models.MarketDataEvent{Symbol: "BTCUSDT", Price: 50000})

	snap := f.store.Snapshot()
	if snap.UpdateCounter != before {
		t.Error("tick for inactive mode mutated state")
	}
	if snap.OpenTrades[0].PnL != 0 {
		t.Errorf("tick for inactive mode recomputed pnl: %v", snap.OpenTrades[0].PnL)
	}
}

func TestOnSignalMergesUnderDedupPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.manager.SetMode(ctx, models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}

	now := time.Now()
	f.manager.OnSignal(models.ModePaper, models.AISignal{
		ID: "s1", Symbol: "BTCUSDT", Direction: models.SideLong, Timestamp: now.Add(-time.Second),
	})
	f.manager.OnSignal(models.ModePaper, models.AISignal{
		ID: "s2", Symbol: "BTCUSDT", Direction: models.SideShort, Timestamp: now,
	})
	f.manager.OnSignal(models.ModeReal, models.AISignal{
		ID: "s3", Symbol: "SOLUSDT", Direction: models.SideLong, Timestamp: now,
	})

	snap := f.store.Snapshot()
	if len(snap.RecentSignals) != 1 {
		t.Fatalf("expected 1 signal after dedup, got %d", len(snap.RecentSignals))
	}
	if snap.RecentSignals[0].ID != "s2" {
		t.Errorf("expected latest BTCUSDT signal kept, got %s", snap.RecentSignals[0].ID)
	}
}

func TestSignalForPreviousModeDiscardedAfterSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.manager.SetMode(ctx, models.ModePaper); err != nil {
		t.Fatalf("set mode failed: %v", err)
	}
	if err := f.manager.SetMode(ctx, models.ModeReal); err != nil {
		t.Fatalf("mode switch failed: %v", err)
	}

	f.manager.OnSignal(models.ModePaper, models.AISignal{
		ID: "late", Symbol: "BTCUSDT", Direction: models.SideLong, Timestamp: time.Now(),
	})

	if signals := f.store.Snapshot().RecentSignals; len(signals) != 0 {
		t.Errorf("old-mode signal landed in new mode's state: %+v", signals)
	}
}

package models

import (
	"encoding/json"
	"time"
)

// TradingMode identifies which account view the client synchronizes.
// ModeNone is the inactive sentinel used during shutdown and transitions.
type TradingMode string

const (
	ModeNone  TradingMode = ""
	ModePaper TradingMode = "paper"
	ModeReal  TradingMode = "real"
)

// IsActive reports whether the mode owns a live synchronization session.
func (m TradingMode) IsActive() bool {
	return m == ModePaper || m == ModeReal
}

func (m TradingMode) String() string {
	if m == ModeNone {
		return "none"
	}
	return string(m)
}

// TradeSide represents the direction of a trade
type TradeSide string

const (
	SideLong  TradeSide = "long"
	SideShort TradeSide = "short"
)

// Trade represents a single open or closed trade.
// A trade lives in exactly one of the open or closed collections.
type Trade struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Side       TradeSide  `json:"side"`
	Type       string     `json:"type,omitempty"` // MARKET, LIMIT, etc.
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	Quantity   float64    `json:"quantity"`
	Leverage   int        `json:"leverage"`
	PnL        float64    `json:"pnl"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// UnrealizedPnL recomputes the trade's P&L from the current mark price.
func (t *Trade) UnrealizedPnL(price float64) float64 {
	if t.Side == SideShort {
		return -(price - t.EntryPrice) * t.Quantity
	}
	return (price - t.EntryPrice) * t.Quantity
}

// PortfolioMetrics is the aggregate account snapshot. It is replaced
// wholesale by each successful portfolio fetch; only the unrealized P&L
// view is updated incrementally from live price ticks.
type PortfolioMetrics struct {
	TotalBalance     float64 `json:"total_balance"`
	AvailableBalance float64 `json:"available_balance"`
	UsedMargin       float64 `json:"used_margin"`
	MarginRatio      float64 `json:"margin_ratio"`
	RealizedPnL      float64 `json:"realized_pnl"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	DailyPnL         float64 `json:"daily_pnl"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	WinRate          float64 `json:"win_rate"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	TotalTrades      int     `json:"total_trades"`
}

// BasicSettings holds position sizing and execution assumptions
type BasicSettings struct {
	Enabled             bool    `json:"enabled"`
	PositionSizePercent float64 `json:"position_size_percent"`
	DefaultLeverage     int     `json:"default_leverage"`
	FeeRate             float64 `json:"fee_rate"`
	SlippageRate        float64 `json:"slippage_rate"`
}

// RiskSettings holds risk limits and stop defaults
type RiskSettings struct {
	RiskPerTradePercent      float64 `json:"risk_per_trade_percent"`
	PortfolioRiskPercent     float64 `json:"portfolio_risk_percent"`
	DefaultStopLossPercent   float64 `json:"default_stop_loss_percent"`
	DefaultTakeProfitPercent float64 `json:"default_take_profit_percent"`
	MaxLeverage              int     `json:"max_leverage"`
	MaxDrawdownPercent       float64 `json:"max_drawdown_percent"`
	DailyLossLimitPercent    float64 `json:"daily_loss_limit_percent"`
	CooldownMinutes          int     `json:"cooldown_minutes"`
}

// Settings is the current trading configuration. It is replaced
// wholesale on fetch or successful update, never merged field-by-field.
type Settings struct {
	Basic BasicSettings `json:"basic"`
	Risk  RiskSettings  `json:"risk"`
}

// AISignal is a strategy recommendation pushed over the event stream
type AISignal struct {
	ID             string             `json:"id"`
	Symbol         string             `json:"symbol"`
	Direction      TradeSide          `json:"direction"`
	Confidence     float64            `json:"confidence"`
	Timestamp      time.Time          `json:"timestamp"`
	Reasoning      string             `json:"reasoning,omitempty"`
	StrategyScores map[string]float64 `json:"strategy_scores,omitempty"`
	MarketAnalysis string             `json:"market_analysis,omitempty"`
	RiskAssessment string             `json:"risk_assessment,omitempty"`
}

// BotStatus is the server's view of whether trading is running for a mode
type BotStatus struct {
	Active    bool        `json:"active"`
	Mode      TradingMode `json:"mode"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
}

// PendingAction is a confirmation the UI layer has requested but not
// yet executed (e.g. closing a real trade).
type PendingAction struct {
	Action      string    `json:"action"`
	TradeID     string    `json:"trade_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// OrderRequest describes an order placement
type OrderRequest struct {
	Symbol   string    `json:"symbol"`
	Side     TradeSide `json:"side"`
	Type     string    `json:"type"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price,omitempty"`
	Leverage int       `json:"leverage,omitempty"`
}

// APIResponse is the REST response envelope used by the trading service
type APIResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// EventKind tags a decoded stream envelope
type EventKind string

const (
	EventMarketData           EventKind = "market_data"
	EventOrderPlaced          EventKind = "order_placed"
	EventOrderFilled          EventKind = "order_filled"
	EventOrderPartiallyFilled EventKind = "order_partially_filled"
	EventOrderCancelled       EventKind = "order_cancelled"
	EventTradeExecuted        EventKind = "trade_executed"
	EventTradeClosed          EventKind = "trade_closed"
	EventAISignal             EventKind = "ai_signal"
)

// StreamEnvelope is the tagged JSON frame carried over the event stream.
// Servers emit either "event_type" or "type" depending on the event family.
type StreamEnvelope struct {
	EventType string          `json:"event_type,omitempty"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Kind returns the envelope's event tag, preferring event_type
func (e *StreamEnvelope) Kind() EventKind {
	if e.EventType != "" {
		return EventKind(e.EventType)
	}
	return EventKind(e.Type)
}

// MarketDataEvent carries a live price tick
type MarketDataEvent struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// SignalEvent wraps an AI signal pushed over the stream
type SignalEvent struct {
	Signal AISignal `json:"signal"`
}

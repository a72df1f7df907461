// Package stream maintains the live event connection for the active
// trading mode and dispatches decoded envelopes into the sink.
package stream

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"trading-sync-client/internal/models"

	"github.com/gorilla/websocket"
)

// Status is the connection state of the consumer
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
)

// Sink receives decoded stream events. Implementations apply state
// patches and trigger resyncs; they must not block for long since
// dispatch happens on the read loop.
type Sink interface {
	OnMarketData(mode models.TradingMode, tick models.MarketDataEvent)
	OnOrderEvent(mode models.TradingMode, kind models.EventKind)
	OnTradeClosed(mode models.TradingMode)
	OnSignal(mode models.TradingMode, signal models.AISignal)
}

// Stats exposes connection counters for the ops server
type Stats struct {
	Status           Status     `json:"status"`
	Mode             string     `json:"mode"`
	EventsDispatched int64      `json:"events_dispatched"`
	FramesDropped    int64      `json:"frames_dropped"`
	Reconnects       int64      `json:"reconnects"`
	ConnectedAt      *time.Time `json:"connected_at,omitempty"`
}

// Config holds stream consumer configuration
type Config struct {
	URL                  string
	PingInterval         time.Duration
	ReconnectEnabled     bool
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
}

// Consumer owns at most one websocket connection, scoped to a mode.
// Close is idempotent; a closed consumer can be connected again for a
// new mode.
type Consumer struct {
	mu   sync.Mutex
	cfg  Config
	sink Sink

	dialer   *websocket.Dialer
	conn     *websocket.Conn
	mode     models.TradingMode
	status   Status
	stopChan chan struct{}

	eventsDispatched int64
	framesDropped    int64
	reconnects       int64
	connectedAt      time.Time
}

// NewConsumer creates a disconnected consumer
func NewConsumer(cfg Config, sink Sink) *Consumer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	return &Consumer{
		cfg:    cfg,
		sink:   sink,
		dialer: websocket.DefaultDialer,
		status: StatusDisconnected,
	}
}

// Connect opens the stream connection for the mode and starts the read
// loop and heartbeat. Connecting while already open is a no-op.
func (c *Consumer) Connect(mode models.TradingMode) error {
	c.mu.Lock()
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mode = mode
	url := c.cfg.URL + "?mode=" + string(mode)
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(url, nil)
	if err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.status = StatusOpen
	c.stopChan = make(chan struct{})
	c.connectedAt = time.Now()
	stopChan := c.stopChan
	c.mu.Unlock()

	log.Printf("[STREAM] Connected for mode %s", mode)

	go c.supervise(conn, mode, stopChan)
	return nil
}

// Close tears down the connection and cancels the heartbeat. Closing an
// already-closed consumer is a no-op.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusDisconnected {
		return nil
	}

	if c.stopChan != nil {
		close(c.stopChan)
		c.stopChan = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.status = StatusDisconnected

	log.Printf("[STREAM] Closed for mode %s", c.mode)
	return nil
}

// Status returns the current connection state
func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stats returns connection counters
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Status:           c.status,
		Mode:             c.mode.String(),
		EventsDispatched: c.eventsDispatched,
		FramesDropped:    c.framesDropped,
		Reconnects:       c.reconnects,
	}
	if c.status == StatusOpen && !c.connectedAt.IsZero() {
		ts := c.connectedAt
		stats.ConnectedAt = &ts
	}
	return stats
}

// heartbeat pings one connection every ping interval. It is scoped to
// that connection: connStop closes when the connection's read loop ends,
// so a redial never inherits the old heartbeat. A write error just ends
// the loop; the read loop notices the dead connection on its own.
func (c *Consumer) heartbeat(conn *websocket.Conn, connStop, stopChan chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connStop:
			return
		case <-stopChan:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				log.Printf("[STREAM] Ping failed: %v", err)
				return
			}
		}
	}
}

// supervise runs the read loop and, after an abrupt close, reconnects
// with bounded exponential backoff. An explicit Close never reconnects.
// Exactly one heartbeat runs per live connection.
func (c *Consumer) supervise(conn *websocket.Conn, mode models.TradingMode, stopChan chan struct{}) {
	for {
		connStop := make(chan struct{})
		go c.heartbeat(conn, connStop, stopChan)
		c.readLoop(conn, mode, stopChan)
		close(connStop)

		if c.stopped(stopChan) || !c.cfg.ReconnectEnabled {
			c.markDisconnected(stopChan)
			return
		}

		next, ok := c.redial(mode, stopChan)
		if !ok {
			c.markDisconnected(stopChan)
			return
		}
		conn = next
	}
}

// redial attempts to re-establish the connection, doubling the wait
// between attempts up to the configured budget.
func (c *Consumer) redial(mode models.TradingMode, stopChan chan struct{}) (*websocket.Conn, bool) {
	url := c.cfg.URL + "?mode=" + string(mode)
	backoff := c.cfg.ReconnectBackoff

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-stopChan:
			return nil, false
		case <-time.After(backoff):
		}

		conn, _, err := c.dialer.Dial(url, nil)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.status = StatusOpen
			c.reconnects++
			c.connectedAt = time.Now()
			c.mu.Unlock()
			log.Printf("[STREAM] Reconnected for mode %s (attempt %d)", mode, attempt)
			return conn, true
		}

		log.Printf("[STREAM] Reconnect attempt %d/%d failed: %v", attempt, c.cfg.MaxReconnectAttempts, err)
		backoff *= 2
	}
	return nil, false
}

func (c *Consumer) readLoop(conn *websocket.Conn, mode models.TradingMode, stopChan chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !c.stopped(stopChan) {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("[STREAM] Connection closed normally")
				} else {
					log.Printf("[STREAM] Read error: %v", err)
				}
			}
			return
		}
		c.dispatch(mode, message)
	}
}

// dispatch decodes one envelope and routes it by event kind. Malformed
// frames are logged and dropped without terminating the connection;
// unrecognized kinds are ignored.
func (c *Consumer) dispatch(mode models.TradingMode, message []byte) {
	var envelope models.StreamEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		log.Printf("[STREAM] Dropped malformed frame: %v", err)
		c.countDropped()
		return
	}

	switch envelope.Kind() {
	case models.EventMarketData:
		var tick models.MarketDataEvent
		if err := json.Unmarshal(envelope.Data, &tick); err != nil {
			log.Printf("[STREAM] Dropped malformed market data payload: %v", err)
			c.countDropped()
			return
		}
		c.sink.OnMarketData(mode, tick)

	case models.EventOrderPlaced, models.EventOrderFilled, models.EventOrderPartiallyFilled,
		models.EventOrderCancelled, models.EventTradeExecuted:
		c.sink.OnOrderEvent(mode, envelope.Kind())

	case models.EventTradeClosed:
		c.sink.OnTradeClosed(mode)

	case models.EventAISignal:
		signal, err := decodeSignal(envelope.Data)
		if err != nil {
			log.Printf("[STREAM] Dropped malformed signal payload: %v", err)
			c.countDropped()
			return
		}
		c.sink.OnSignal(mode, signal)

	default:
		return
	}

	c.mu.Lock()
	c.eventsDispatched++
	c.mu.Unlock()
}

// decodeSignal accepts both the wrapped {"signal": {...}} shape and a
// bare signal object.
func decodeSignal(data json.RawMessage) (models.AISignal, error) {
	var wrapped models.SignalEvent
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Signal.Symbol != "" {
		return wrapped.Signal, nil
	}
	var signal models.AISignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return models.AISignal{}, err
	}
	return signal, nil
}

func (c *Consumer) countDropped() {
	c.mu.Lock()
	c.framesDropped++
	c.mu.Unlock()
}

func (c *Consumer) stopped(stopChan chan struct{}) bool {
	select {
	case <-stopChan:
		return true
	default:
		return false
	}
}

func (c *Consumer) markDisconnected(stopChan chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close may have already torn everything down.
	if c.stopChan != stopChan {
		return
	}
	c.status = StatusDisconnected
	c.conn = nil
	c.stopChan = nil
}

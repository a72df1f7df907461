// Package rest issues the idempotent reads and side-effectful writes
// against the trading service's JSON API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"trading-sync-client/internal/logging"
	"trading-sync-client/internal/models"

	"github.com/google/uuid"
)

// ErrModeInactive is returned when a read is skipped because the owning
// mode is no longer active. Callers must not surface it as a failure.
var ErrModeInactive = errors.New("trading mode is not active")

// APIError carries the server-provided error message for a failed call
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// CredentialSource supplies the bearer token for a mode. Token may
// return an empty string when no credential is configured.
type CredentialSource interface {
	Token(ctx context.Context, mode models.TradingMode) (string, error)
}

// ActiveCheck reports whether a mode still owns the synchronization
// session. Reads are skipped entirely (not retried) when it returns false.
type ActiveCheck func(mode models.TradingMode) bool

// Config holds REST client configuration
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Client is the REST synchronizer. Reads are wrapped in bounded
// retry-with-backoff; writes run a single attempt and rely on the
// follow-up resync to reconcile server-side effects.
type Client struct {
	baseURL  string
	http     *http.Client
	log      *logging.Logger
	attempts int
	backoff  time.Duration
	creds    CredentialSource
	active   ActiveCheck

	sleep func(time.Duration)
}

// NewClient creates a REST client. creds may be nil; active must not be.
func NewClient(cfg Config, creds CredentialSource, active ActiveCheck, log *logging.Logger) *Client {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      log,
		attempts: cfg.RetryAttempts,
		backoff:  cfg.RetryBackoff,
		creds:    creds,
		active:   active,
		sleep:    time.Sleep,
	}
}

// ============================================================================
// READS
// ============================================================================

// FetchStatus returns the server's trading status for the mode
func (c *Client) FetchStatus(ctx context.Context, mode models.TradingMode) (*models.BotStatus, error) {
	var status models.BotStatus
	if err := c.getWithRetry(ctx, mode, "/api/v1/trading/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// FetchPortfolio returns the aggregate portfolio snapshot for the mode
func (c *Client) FetchPortfolio(ctx context.Context, mode models.TradingMode) (*models.PortfolioMetrics, error) {
	var portfolio models.PortfolioMetrics
	if err := c.getWithRetry(ctx, mode, "/api/v1/trading/portfolio", &portfolio); err != nil {
		return nil, err
	}
	return &portfolio, nil
}

// FetchOpenTrades returns the current open trades for the mode
func (c *Client) FetchOpenTrades(ctx context.Context, mode models.TradingMode) ([]models.Trade, error) {
	var trades []models.Trade
	if err := c.getWithRetry(ctx, mode, "/api/v1/trading/trades/open", &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// FetchClosedTrades returns the closed trade history for the mode
func (c *Client) FetchClosedTrades(ctx context.Context, mode models.TradingMode) ([]models.Trade, error) {
	var trades []models.Trade
	if err := c.getWithRetry(ctx, mode, "/api/v1/trading/trades/closed", &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// FetchSettings returns the current settings for the mode
func (c *Client) FetchSettings(ctx context.Context, mode models.TradingMode) (*models.Settings, error) {
	var settings models.Settings
	if err := c.getWithRetry(ctx, mode, "/api/v1/trading/settings", &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// ============================================================================
// WRITES
// ============================================================================

// StartTrading asks the server to start the bot for the mode
func (c *Client) StartTrading(ctx context.Context, mode models.TradingMode) error {
	return c.write(ctx, mode, http.MethodPost, "/api/v1/trading/start", nil)
}

// StopTrading asks the server to stop the bot for the mode
func (c *Client) StopTrading(ctx context.Context, mode models.TradingMode) error {
	return c.write(ctx, mode, http.MethodPost, "/api/v1/trading/stop", nil)
}

// CloseTrade requests closure of an open trade
func (c *Client) CloseTrade(ctx context.Context, mode models.TradingMode, tradeID string) error {
	return c.write(ctx, mode, http.MethodPost, "/api/v1/trading/trades/"+tradeID+"/close", nil)
}

// UpdateSettings replaces the mode's settings wholesale
func (c *Client) UpdateSettings(ctx context.Context, mode models.TradingMode, settings models.Settings) error {
	return c.write(ctx, mode, http.MethodPut, "/api/v1/trading/settings", settings)
}

// PlaceOrder submits a new order
func (c *Client) PlaceOrder(ctx context.Context, mode models.TradingMode, order models.OrderRequest) error {
	return c.write(ctx, mode, http.MethodPost, "/api/v1/trading/orders", order)
}

// CancelOrder cancels a pending order
func (c *Client) CancelOrder(ctx context.Context, mode models.TradingMode, orderID string) error {
	return c.write(ctx, mode, http.MethodPost, "/api/v1/trading/orders/"+orderID+"/cancel", nil)
}

// ModifyStopLoss updates the stop-loss price on an open trade
func (c *Client) ModifyStopLoss(ctx context.Context, mode models.TradingMode, tradeID string, price float64) error {
	body := map[string]float64{"stop_loss": price}
	return c.write(ctx, mode, http.MethodPost, "/api/v1/trading/trades/"+tradeID+"/stop-loss", body)
}

// ModifyTakeProfit updates the take-profit price on an open trade
func (c *Client) ModifyTakeProfit(ctx context.Context, mode models.TradingMode, tradeID string, price float64) error {
	body := map[string]float64{"take_profit": price}
	return c.write(ctx, mode, http.MethodPost, "/api/v1/trading/trades/"+tradeID+"/take-profit", body)
}

// ============================================================================
// REQUEST PLUMBING
// ============================================================================

// getWithRetry runs a GET with the bounded retry policy: up to the
// configured attempt count, waiting backoff×attempt between failures.
// The mode gate is re-checked before every attempt so a mode switch
// mid-retry abandons the call instead of retrying it.
func (c *Client) getWithRetry(ctx context.Context, mode models.TradingMode, path string, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if !c.active(mode) {
			return ErrModeInactive
		}

		data, err := c.do(ctx, mode, http.MethodGet, path, nil)
		if err == nil {
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", path, err)
			}
			return nil
		}

		lastErr = err
		c.log.Warn("fetch failed", "path", path, "attempt", attempt, "error", err)
		if attempt < c.attempts {
			c.sleep(c.backoff * time.Duration(attempt))
		}
	}
	return lastErr
}

func (c *Client) write(ctx context.Context, mode models.TradingMode, method, path string, body interface{}) error {
	if !c.active(mode) {
		return ErrModeInactive
	}
	_, err := c.do(ctx, mode, method, path, body)
	return err
}

// do runs a single HTTP attempt and unwraps the API response envelope.
// A non-OK status or an envelope with success=false is an error; the
// server message is preserved for the caller to surface.
func (c *Client) do(ctx context.Context, mode models.TradingMode, method, path string, body interface{}) (json.RawMessage, error) {
	url := c.baseURL + path + "?mode=" + string(mode)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	if c.creds != nil {
		token, err := c.creds.Token(ctx, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credentials: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var envelope models.APIResponse
	if decodeErr := json.Unmarshal(raw, &envelope); decodeErr != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("failed to decode response envelope: %w", decodeErr)
	}

	if resp.StatusCode != http.StatusOK || !envelope.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: envelope.Error}
	}

	return envelope.Data, nil
}

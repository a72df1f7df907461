package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"trading-sync-client/config"
	"trading-sync-client/internal/models"

	"github.com/hashicorp/vault/api"
)

// Credentials is the API credential material stored per trading mode
type Credentials struct {
	Token     string `json:"token"`
	APIKey    string `json:"api_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
}

// Client wraps the HashiCorp Vault client. With Vault disabled it keeps
// credentials in a local cache only, for development and testing.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[models.TradingMode]*Credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config: cfg,
			cache:  make(map[models.TradingMode]*Credentials),
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[models.TradingMode]*Credentials),
	}, nil
}

// StoreCredentials stores credentials for a mode
func (c *Client) StoreCredentials(ctx context.Context, mode models.TradingMode, creds Credentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[mode] = &creds
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"token":      creds.Token,
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
		},
	}

	path := c.secretPath(mode)
	if _, err := c.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("failed to write credentials to vault: %w", err)
	}

	c.mu.Lock()
	c.cache[mode] = &creds
	c.mu.Unlock()
	return nil
}

// Credentials returns the credentials for a mode, consulting the cache
// before Vault. A missing secret is not an error; it yields nil.
func (c *Client) Credentials(ctx context.Context, mode models.TradingMode) (*Credentials, error) {
	c.mu.RLock()
	cached, ok := c.cache[mode]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if !c.config.Enabled {
		return nil, nil
	}

	path := c.secretPath(mode)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	// KV v2 nests the payload under "data"
	payload, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		payload = secret.Data
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vault payload: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode vault payload: %w", err)
	}

	c.mu.Lock()
	c.cache[mode] = &creds
	c.mu.Unlock()
	return &creds, nil
}

// Token implements the REST client's credential source
func (c *Client) Token(ctx context.Context, mode models.TradingMode) (string, error) {
	creds, err := c.Credentials(ctx, mode)
	if err != nil {
		return "", err
	}
	if creds == nil {
		return "", nil
	}
	return creds.Token, nil
}

// InvalidateCache drops cached credentials for a mode
func (c *Client) InvalidateCache(mode models.TradingMode) {
	c.mu.Lock()
	delete(c.cache, mode)
	c.mu.Unlock()
}

func (c *Client) secretPath(mode models.TradingMode) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, mode)
}

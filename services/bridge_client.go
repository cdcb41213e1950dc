// services/bridge_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	// The upstream proxy in front of the bridge cuts connections at 100s,
	// so every call self-cancels just under that.
	bridgeRequestTimeout = 95 * time.Second

	// Retries on 5xx / network failure: 2 extra attempts, 1s then 2s backoff.
	bridgeMaxRetries = 2
)

// BridgeClient wraps the external trading-platform bridge: account
// provisioning, balance/leverage control and trade history fetch.
type BridgeClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewBridgeClient(baseURL, apiKey string) *BridgeClient {
	return &BridgeClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout: bridgeRequestTimeout,
		},
	}
}

// BridgeError is a non-2xx response from the bridge. 4xx errors are never
// retried; 5xx are.
type BridgeError struct {
	StatusCode int
	Body       string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.StatusCode, e.Body)
}

// BridgeTrade is the raw trade row shape returned by the bridge.
// Direction codes and scaled volume are normalized by the sync worker.
type BridgeTrade struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Type       int     `json:"type"`   // 0=sell, 1=buy, else balance op
	Volume     int     `json:"volume"` // lots * 100
	Price      float64 `json:"price"`
	ClosePrice float64 `json:"close_price"`
	Time       int64   `json:"time"`                 // epoch seconds
	CloseTime  *int64  `json:"close_time,omitempty"` // nil while open
	Profit     float64 `json:"profit"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	Comment    string  `json:"comment"`
}

// BridgeAccountState is one row from the bulk account check.
type BridgeAccountState struct {
	Login   string  `json:"login"`
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
	Enabled bool    `json:"enabled"`
}

type CreateAccountRequest struct {
	Name     string  `json:"name"`
	Group    string  `json:"group"`
	Leverage int     `json:"leverage"`
	Balance  float64 `json:"balance"`
}

type CreateAccountResponse struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

// postJSON POSTs body to path and decodes the response into out (out may be
// nil). 5xx and transport errors are retried with exponential backoff; 4xx is
// returned immediately. The caller's ctx aborts independently of the
// per-request timeout.
func (c *BridgeClient) postJSON(ctx context.Context, path string, body any, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge request: %w", err)
	}

	url := fmt.Sprintf("%s%s", c.BaseURL, path)

	var lastErr error
	for attempt := 0; attempt <= bridgeMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			log.Printf("[Bridge] 🔁 Retry %d/%d for %s after %s (last error: %v)",
				attempt, bridgeMaxRetries, path, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create bridge request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Api-Key", c.APIKey)

		resp, err := c.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("bridge request to %s failed: %w", path, err)
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = &BridgeError{StatusCode: resp.StatusCode, Body: string(respBody)}
			continue
		}
		if resp.StatusCode >= 400 {
			return &BridgeError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		if readErr != nil {
			return fmt.Errorf("failed to read bridge response: %w", readErr)
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode bridge response from %s: %w", path, err)
			}
		}
		return nil
	}

	return lastErr
}

func (c *BridgeClient) CreateAccount(ctx context.Context, req CreateAccountRequest) (*CreateAccountResponse, error) {
	var out CreateAccountResponse
	if err := c.postJSON(ctx, "/api/account/create", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchTrades returns the full trade history for a login. On unrecoverable
// failure it degrades to an empty result instead of failing the sync cycle:
// a cycle with no data means "nothing new", not a broken account.
func (c *BridgeClient) FetchTrades(ctx context.Context, login string) ([]BridgeTrade, error) {
	var out struct {
		Trades []BridgeTrade `json:"trades"`
	}
	err := c.postJSON(ctx, "/api/account/trades", map[string]string{"login": login}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("[Bridge] ⚠️ Trade fetch for login %s failed, treating as empty: %v", login, err)
		return []BridgeTrade{}, nil
	}
	return out.Trades, nil
}

func (c *BridgeClient) EnableAccount(ctx context.Context, login string) error {
	return c.postJSON(ctx, "/api/account/enable", map[string]string{"login": login}, nil)
}

// DisableAccount disables trading on a login. A 404 means the account is
// already absent on the platform side, which is what we wanted anyway.
func (c *BridgeClient) DisableAccount(ctx context.Context, login string) error {
	err := c.postJSON(ctx, "/api/account/disable", map[string]string{"login": login}, nil)
	var be *BridgeError
	if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
		log.Printf("[Bridge] login %s already absent on disable, treating as success", login)
		return nil
	}
	return err
}

func (c *BridgeClient) AdjustBalance(ctx context.Context, login string, amount float64, comment string) error {
	return c.postJSON(ctx, "/api/account/balance", map[string]any{
		"login":   login,
		"amount":  amount,
		"comment": comment,
	}, nil)
}

func (c *BridgeClient) ChangeLeverage(ctx context.Context, login string, leverage int) error {
	return c.postJSON(ctx, "/api/account/leverage", map[string]any{
		"login":    login,
		"leverage": leverage,
	}, nil)
}

// StopOut force-closes every open position on a login.
func (c *BridgeClient) StopOut(ctx context.Context, login string) error {
	return c.postJSON(ctx, "/api/account/stopout", map[string]string{"login": login}, nil)
}

// CheckBulk returns live balance/equity for a batch of logins.
func (c *BridgeClient) CheckBulk(ctx context.Context, logins []string) ([]BridgeAccountState, error) {
	var out struct {
		Accounts []BridgeAccountState `json:"accounts"`
	}
	if err := c.postJSON(ctx, "/api/account/check-bulk", map[string]any{"logins": logins}, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// ReloadConfig asks the bridge to re-read its group configuration.
func (c *BridgeClient) ReloadConfig(ctx context.Context) error {
	return c.postJSON(ctx, "/api/config/reload", map[string]string{}, nil)
}

func (c *BridgeClient) Health(ctx context.Context) error {
	return c.postJSON(ctx, "/api/health", map[string]string{}, nil)
}

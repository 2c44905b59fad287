package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExchangeError carries the full LWA response when an exchange is rejected.
type ExchangeError struct {
	StatusCode int
	Header     http.Header
	Body       string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange rejected: status %d: %s", e.StatusCode, e.Body)
}

// Client performs OAuth 2.0 authorization-code and refresh-token exchanges
// against LWA.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewClient creates an LWA client for the given token endpoint URL.
func NewClient(baseURL, clientID, clientSecret string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

// InitialGrant exchanges the one-time authorization code for the first token.
func (c *Client) InitialGrant(ctx context.Context, code string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	c.logger.Info("calling LWA for the first access token")
	return c.exchange(ctx, form)
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	c.logger.Info("calling LWA to refresh the access token")
	return c.exchange(ctx, form)
}

func (c *Client) exchange(ctx context.Context, form url.Values) (Token, error) {
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("create exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("read exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, &ExchangeError{StatusCode: resp.StatusCode, Header: resp.Header, Body: string(body)}
	}

	var wire struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return Token{}, fmt.Errorf("parse exchange response: %w", err)
	}
	return Token{
		AccessToken:  wire.AccessToken,
		RefreshToken: wire.RefreshToken,
		ExpiresIn:    wire.ExpiresIn,
		Datetime:     time.Now().UTC(),
	}, nil
}

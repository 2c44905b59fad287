package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// PublishError carries the gateway's full response when an event is rejected.
type PublishError struct {
	StatusCode int
	Header     http.Header
	Body       string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("event gateway rejected event: status %d: %s", e.StatusCode, e.Body)
}

// Publisher posts events to the Alexa Event Gateway. It performs no retries;
// retry policy belongs to the caller.
type Publisher struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewPublisher creates a publisher for the given event endpoint URL.
func NewPublisher(baseURL string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Publish posts one event with the bearer token. Success is exactly HTTP 202;
// any other status returns a PublishError with the full response.
func (p *Publisher) Publish(ctx context.Context, accessToken string, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return &PublishError{StatusCode: resp.StatusCode, Header: resp.Header, Body: string(body)}
	}

	p.logger.Info("event accepted by gateway",
		zap.String("media_id", ev.Event.Payload.Media.ID),
		zap.String("message_id", ev.Event.Header.MessageID),
	)
	return nil
}

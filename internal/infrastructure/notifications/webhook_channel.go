package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/retry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a secret is set
const SignatureHeader = "X-Signature"

// WebhookChannel POSTs notifications as JSON to a fixed URL
type WebhookChannel struct {
	url        string
	secret     []byte
	httpClient *http.Client
}

var _ providers.NotificationChannel = (*WebhookChannel)(nil)

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(url, secret string, timeout time.Duration) (*WebhookChannel, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{
		url:        url,
		secret:     []byte(secret),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name implements NotificationChannel
func (c *WebhookChannel) Name() string { return "webhook" }

// Send implements NotificationChannel
func (c *WebhookChannel) Send(ctx context.Context, n *entities.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(observability.CorrelationHeader, n.CorrelationID)
	if len(c.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusError("webhook", resp.StatusCode, snippet)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

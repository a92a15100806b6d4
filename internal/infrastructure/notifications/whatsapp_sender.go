package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/retry"
)

const whatsAppBaseURL = "https://graph.facebook.com/v18.0"

// WhatsAppConfig configures the WhatsApp Cloud channel
type WhatsAppConfig struct {
	AccessToken   string
	PhoneNumberID string
	Recipient     string
	MinSeverity   entities.Severity
}

// WhatsAppCloudSender sends alert summaries via WhatsApp Cloud API
type WhatsAppCloudSender struct {
	accessToken   string
	phoneNumberID string
	recipient     string
	minSeverity   entities.Severity
	httpClient    *http.Client
	baseURL       string
}

var (
	_ providers.NotificationChannel = (*WhatsAppCloudSender)(nil)
	_ providers.SeverityFilter      = (*WhatsAppCloudSender)(nil)
)

// NewWhatsAppCloudSender creates a new WhatsApp sender
func NewWhatsAppCloudSender(cfg WhatsAppConfig) (*WhatsAppCloudSender, error) {
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("WHATSAPP_ACCESS_TOKEN and WHATSAPP_PHONE_NUMBER_ID must be set")
	}
	if cfg.Recipient == "" {
		return nil, fmt.Errorf("WHATSAPP_RECIPIENT must be set")
	}
	minSeverity := cfg.MinSeverity
	if minSeverity == "" {
		minSeverity = entities.SeverityHigh
	}

	return &WhatsAppCloudSender{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		recipient:     cfg.Recipient,
		minSeverity:   minSeverity,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: whatsAppBaseURL,
	}, nil
}

// WhatsAppTextMessage represents a text message
type WhatsAppTextMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

// WhatsAppResponse represents the API response
type WhatsAppResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Name implements NotificationChannel
func (w *WhatsAppCloudSender) Name() string { return "whatsapp" }

// MinSeverity implements SeverityFilter
func (w *WhatsAppCloudSender) MinSeverity() entities.Severity { return w.minSeverity }

// Send delivers the notification summary as a text message
func (w *WhatsAppCloudSender) Send(ctx context.Context, n *entities.Notification) error {
	_, err := w.SendText(ctx, w.recipient, formatWhatsAppBody(n))
	return err
}

func formatWhatsAppBody(n *entities.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(n.HighestSeverity)), n.Summary)
	if len(n.AlertCodes) > 0 {
		fmt.Fprintf(&b, "\nAlerts: %s", strings.Join(n.AlertCodes, ", "))
	}
	fmt.Fprintf(&b, "\nRef: %s", n.CorrelationID)
	return b.String()
}

// SendText sends a text message and returns the message id
func (w *WhatsAppCloudSender) SendText(ctx context.Context, to, body string) (string, error) {
	message := WhatsAppTextMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
	}
	message.Text.Body = body

	return w.sendMessage(ctx, message)
}

// sendMessage sends a message to WhatsApp Cloud API
func (w *WhatsAppCloudSender) sendMessage(ctx context.Context, message interface{}) (string, error) {
	url := fmt.Sprintf("%s/%s/messages", w.baseURL, w.phoneNumberID)

	jsonData, err := json.Marshal(message)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+w.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", statusError("WhatsApp API", resp.StatusCode, body)
	}

	var whatsappResp WhatsAppResponse
	if err := json.Unmarshal(body, &whatsappResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(whatsappResp.Messages) > 0 {
		return whatsappResp.Messages[0].ID, nil
	}

	return "", fmt.Errorf("no message ID in response")
}

// statusError marks client errors other than 429 as permanent so they are not retried.
func statusError(service string, status int, body []byte) error {
	err := fmt.Errorf("%s error (status %d): %s", service, status, strings.TrimSpace(string(body)))
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

// Package push implements the push-channel delivery provider: an HTTP
// client for an FCM-style send endpoint. The rendered template's recipient
// is the device token; subject and content map onto the notification title
// and body.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"courier/internal/provider"
	"courier/internal/types"
)

// providerName is the identity recorded in delivery logs and breaker keys.
const providerName = "fcm"

// maxResponseBodyRead limits how much of a response body is read for error
// messages and message id extraction.
const maxResponseBodyRead = 4096

// Compile-time assertion that Client implements provider.Provider.
var _ provider.Provider = (*Client)(nil)

// ClientConfig holds the configuration for creating a push Client.
type ClientConfig struct {
	// Endpoint is the full URL of the send endpoint.
	Endpoint string

	// ServerKey authenticates requests (Authorization: key=...).
	ServerKey string
}

// Client sends push notifications over HTTP. Timeouts are enforced by the
// caller via context deadline; the injected http.Client carries no timeout
// of its own.
type Client struct {
	httpClient *http.Client
	endpoint   string
	serverKey  string
	logger     types.Logger
}

// NewClient creates a push Client.
func NewClient(httpClient *http.Client, cfg ClientConfig, logger types.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		serverKey:  cfg.ServerKey,
		logger:     logger,
	}
}

// Name returns the provider identity.
func (c *Client) Name() string { return providerName }

// sendRequest is the wire payload for the send endpoint.
type sendRequest struct {
	To           string         `json:"to"`
	Notification pushNote       `json:"notification"`
	Data         map[string]any `json:"data,omitempty"`
}

type pushNote struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// sendResponse is the subset of the send endpoint's response we consume.
type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send posts the rendered template to the push endpoint and returns the
// provider-assigned message id.
//
// Error mapping:
//   - network failure, context deadline -> transient
//   - 429 / 5xx -> transient
//   - other 4xx (invalid or unregistered token, rejected payload) -> permanent
func (c *Client) Send(ctx context.Context, tmpl types.RenderedTemplate) (string, error) {
	payload := sendRequest{
		To: tmpl.Recipient,
		Notification: pushNote{
			Title: tmpl.Subject,
			Body:  tmpl.Content,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", provider.NewPermanentError(providerName, "failed to marshal push payload", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", provider.NewPermanentError(providerName, "failed to build push request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serverKey != "" {
		req.Header.Set("Authorization", "key="+c.serverKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection failure or deadline; both provider-health faults.
		return "", provider.NewTransientError(providerName, "push request failed", 0, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))

	if resp.StatusCode == http.StatusOK {
		var parsed sendResponse
		if err := json.Unmarshal(raw, &parsed); err != nil || parsed.MessageID == "" {
			// Accepted but unparseable: delivery happened, keep going
			// with an empty message id rather than failing the attempt.
			c.logger.Warn("push provider returned 200 with unparseable body",
				"template_id", tmpl.TemplateID,
			)
			return "", nil
		}
		return parsed.MessageID, nil
	}

	message := fmt.Sprintf("push provider rejected request: %s", summarize(raw))
	if provider.ClassifyStatus(resp.StatusCode) == provider.FailureTransient {
		return "", provider.NewTransientError(providerName, message, resp.StatusCode, nil)
	}
	return "", provider.NewPermanentError(providerName, message, resp.StatusCode, nil)
}

// summarize collapses a response body into a single log-safe line.
func summarize(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "(empty body)"
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// Package email implements the email-channel delivery provider via the
// SendGrid v3 Mail Send API. The rendered template's recipient is the
// destination address; subject and content arrive final from the rendering
// stage and are passed through untouched.
package email

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
const providerName = "sendgrid"

// sendGridAPIBase is the default SendGrid API base URL. Overridable in
// tests via ClientConfig.BaseURL.
const sendGridAPIBase = "https://api.sendgrid.com"

// maxResponseBodyRead limits how much of an error response body is read.
const maxResponseBodyRead = 4096

// Compile-time assertion that Client implements provider.Provider.
var _ provider.Provider = (*Client)(nil)

// ClientConfig holds the configuration for creating an email Client.
type ClientConfig struct {
	APIKey      string
	BaseURL     string // Override for testing; defaults to sendGridAPIBase
	FromAddress string
	FromName    string
}

// Client sends email through SendGrid's v3 Mail Send API with direct HTTP
// calls, which keeps testing with httptest straightforward. Retries and
// circuit breaking are owned by the pipeline, not this client: a hidden
// transport-level retry here would break the dispatcher's attempt
// accounting.
type Client struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	fromAddress string
	fromName    string
	logger      types.Logger
}

// NewClient creates a new email Client.
func NewClient(httpClient *http.Client, cfg ClientConfig, logger types.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	return &Client{
		httpClient:  httpClient,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		logger:      logger,
	}
}

// Name returns the provider identity.
func (c *Client) Name() string { return providerName }

// Send transmits the rendered template using SendGrid's v3 mail/send
// endpoint and returns the provider message ID from the X-Message-Id
// response header on success (SendGrid answers 202 Accepted).
//
// Error mapping:
//   - 403 Forbidden (recipient on suppression list) -> permanent
//   - other 4xx (rejected content, bad address) -> permanent
//   - 429 / 5xx -> transient
//   - network failure, context deadline -> transient
func (c *Client) Send(ctx context.Context, tmpl types.RenderedTemplate) (string, error) {
	payload := c.buildMailPayload(tmpl)

	body, err := json.Marshal(payload)
	if err != nil {
		return "", provider.NewPermanentError(providerName, "failed to marshal mail payload", 0, err)
	}

	reqURL := c.baseURL + "/v3/mail/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return "", provider.NewPermanentError(providerName, "failed to build mail send request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", provider.NewTransientError(providerName, "mail send request failed", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return resp.Header.Get("X-Message-Id"), nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
	message := fmt.Sprintf("mail send rejected: %s", summarize(raw))

	if resp.StatusCode == http.StatusForbidden {
		// Suppression list or blocked recipient: a target flaw, never
		// retried and never counted against provider health.
		return "", provider.NewPermanentError(providerName, "recipient blocked by provider", resp.StatusCode, nil)
	}
	if provider.ClassifyStatus(resp.StatusCode) == provider.FailureTransient {
		return "", provider.NewTransientError(providerName, message, resp.StatusCode, nil)
	}
	return "", provider.NewPermanentError(providerName, message, resp.StatusCode, nil)
}

// mailPayload mirrors the SendGrid v3 mail/send request schema, reduced to
// the fields this pipeline uses.
type mailPayload struct {
	Personalizations []personalization `json:"personalizations"`
	From             emailAddress      `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
}

type personalization struct {
	To []emailAddress `json:"to"`
}

type emailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// buildMailPayload maps a rendered template onto the mail/send schema. The
// rendered content is assumed HTML; plain-text producers still render fine
// since the body is passed through verbatim.
func (c *Client) buildMailPayload(tmpl types.RenderedTemplate) mailPayload {
	return mailPayload{
		Personalizations: []personalization{
			{To: []emailAddress{{Email: tmpl.Recipient}}},
		},
		From: emailAddress{
			Email: c.fromAddress,
			Name:  c.fromName,
		},
		Subject: tmpl.Subject,
		Content: []mailContent{
			{Type: "text/html", Value: tmpl.Content},
		},
	}
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

// Package provider defines the contract between the delivery pipeline and
// the external services that actually transmit rendered content. Concrete
// clients live in the push and email subpackages; the gateway only sees
// this interface plus the transient/permanent error classification.
package provider

import (
	"context"

	"courier/internal/types"
)

// Provider transmits one rendered template to its recipient.
type Provider interface {
	// Name identifies the provider in delivery logs and breaker keys
	// (e.g. "fcm", "sendgrid").
	Name() string

	// Send delivers the rendered template and returns the provider's own
	// message id on success. Implementations honor ctx cancellation and
	// deadlines; the gateway bounds every call with the configured
	// per-call timeout.
	Send(ctx context.Context, tmpl types.RenderedTemplate) (providerMessageID string, err error)
}

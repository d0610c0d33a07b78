// Package queue provides the SQS-backed message bus for the delivery
// pipeline: topic-to-queue mapping, task and audit publishers, and the
// long-poll consumer that drives intake.
package queue

import (
	"fmt"

	"courier/internal/types"
)

// Topics maps the pipeline's logical topic names onto SQS queue URLs. The
// two diagnostic streams (DeliveryLogs, ProviderAudit) are optional; an
// empty URL disables the stream.
type Topics struct {
	// Inbound generic notification events.
	Notification string

	// Per-channel delivery task queues.
	Push  string
	Email string

	// Audit streams.
	DeliveryLogs  string
	ProviderAudit string

	// Dead-letter queues.
	NotificationDLQ string
	PushDLQ         string
	EmailDLQ        string
}

// TaskQueue returns the delivery task queue URL for a channel.
func (t Topics) TaskQueue(ch types.ChannelType) (string, error) {
	switch ch {
	case types.ChannelPush:
		return t.Push, nil
	case types.ChannelEmail:
		return t.Email, nil
	}
	return "", fmt.Errorf("no task queue for channel %q", string(ch))
}

// DeadLetterQueue returns the dead-letter queue URL for a channel.
func (t Topics) DeadLetterQueue(ch types.ChannelType) (string, error) {
	switch ch {
	case types.ChannelPush:
		return t.PushDLQ, nil
	case types.ChannelEmail:
		return t.EmailDLQ, nil
	}
	return "", fmt.Errorf("no dead-letter queue for channel %q", string(ch))
}

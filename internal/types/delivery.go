package types

import (
	"fmt"
	"time"
)

// DeliveryLog is one audit record of a single stage transition for one
// (notification, channel) pair. Rows are append-only and never mutated
// after write; multiple rows per pair form the stage history, ordered by
// timestamp with ties broken by insertion order.
//
// Duplicate rows are possible when a message is redelivered after a crash
// before acknowledgment. The history is a log, not a single-row state, so
// replays append rather than corrupt.
type DeliveryLog struct {
	ID             int64          `json:"-"`
	NotificationID string         `json:"notification_id"`
	EventID        string         `json:"event_id,omitempty"`
	EventName      string         `json:"event_name,omitempty"`
	ChannelID      string         `json:"channel_id"`
	ChannelName    ChannelType    `json:"channel_name"`
	ProviderName   string         `json:"provider_name,omitempty"`
	ProviderReqID  string         `json:"provider_request_id,omitempty"`
	Stage          DeliveryStage  `json:"stage"`
	Status         DeliveryStatus `json:"status"`
	ErrorMessage   string         `json:"error_message,omitempty"`

	// Provider-assigned delivery id, set on provider_success.
	MessageID string `json:"message_id,omitempty"`

	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate rejects records with an unrecognized stage or status tag.
func (l *DeliveryLog) Validate() error {
	if l.NotificationID == "" {
		return fmt.Errorf("delivery log: missing notification_id")
	}
	if !l.Stage.Valid() {
		return fmt.Errorf("delivery log %s: unrecognized stage %q", l.NotificationID, string(l.Stage))
	}
	if !l.Status.Valid() {
		return fmt.Errorf("delivery log %s: unrecognized status %q", l.NotificationID, string(l.Status))
	}
	return nil
}

package types

import (
	"fmt"
	"time"
)

// NotificationMessage is the transport envelope consumed from the inbound
// notification queue. It identifies one logical notification together with
// the fully rendered, per-channel content produced by the upstream rendering
// stage. JSON tags use snake_case to match the producer's wire format.
//
// The message is immutable once deserialized: the router hands the same
// value (read-only) to every per-channel delivery task derived from it.
type NotificationMessage struct {
	// Core identity
	NotificationID string `json:"notification_id"`
	EventID        string `json:"event_id"`
	EventName      string `json:"event_name"`

	// One entry per target channel, already rendered upstream.
	RenderedTemplates []RenderedTemplate `json:"rendered_templates"`

	// Raw payload from the originating event. Opaque to the pipeline;
	// carried for audit context only.
	Data map[string]any `json:"data,omitempty"`

	// Optional producer metadata.
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata carries optional context about the originating event.
type MessageMetadata struct {
	Source    string    `json:"source,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RenderedTemplate is one channel's ready-to-send content. The pipeline never
// re-renders: Content and Subject arrive final from the rendering stage.
type RenderedTemplate struct {
	ChannelID    string      `json:"channel_id"`
	ChannelName  ChannelType `json:"channel_name"`
	TemplateID   string      `json:"template_id"`
	TemplateName string      `json:"template_name"`
	Subject      string      `json:"subject,omitempty"`
	Content      string      `json:"content"`

	// Channel-specific address: a device token for push, an email
	// address for email.
	Recipient string `json:"recipient"`
}

// ChannelDeliveryTask is the unit of work for one (notification, channel)
// pair. It is created by the router, carried across the per-channel queues
// on retry, and retired by the dispatcher. Tasks are never persisted
// directly; their outcomes are persisted as DeliveryLog rows.
//
// AttemptCount is the number of provider delivery attempts already made for
// this lineage. The publisher increments it before re-serialization so a
// downstream consumer of the same queue can enforce the max-attempt policy.
type ChannelDeliveryTask struct {
	Message      NotificationMessage `json:"message"`
	Template     RenderedTemplate    `json:"template"`
	AttemptCount int                 `json:"attempt_count"`
}

// Validate checks the fields the pipeline cannot proceed without. Unknown
// channel names are rejected here, at the deserialization boundary, so a
// bad tag never propagates past intake.
func (m *NotificationMessage) Validate() error {
	if m.NotificationID == "" {
		return fmt.Errorf("notification message: missing notification_id")
	}
	if len(m.RenderedTemplates) == 0 {
		return fmt.Errorf("notification message %s: no rendered templates", m.NotificationID)
	}
	for i := range m.RenderedTemplates {
		if err := m.RenderedTemplates[i].Validate(); err != nil {
			return fmt.Errorf("notification message %s: template %d: %w", m.NotificationID, i, err)
		}
	}
	return nil
}

// Validate checks a rendered template for the fields delivery requires.
func (t *RenderedTemplate) Validate() error {
	if !t.ChannelName.Valid() {
		return fmt.Errorf("unrecognized channel %q", string(t.ChannelName))
	}
	if t.ChannelID == "" {
		return fmt.Errorf("missing channel_id")
	}
	if t.Recipient == "" {
		return fmt.Errorf("missing recipient")
	}
	return nil
}

// Validate checks a channel delivery task after deserialization from a
// per-channel queue.
func (t *ChannelDeliveryTask) Validate() error {
	if t.Message.NotificationID == "" {
		return fmt.Errorf("channel delivery task: missing notification_id")
	}
	if err := t.Template.Validate(); err != nil {
		return fmt.Errorf("channel delivery task %s: %w", t.Message.NotificationID, err)
	}
	if t.AttemptCount < 0 {
		return fmt.Errorf("channel delivery task %s: negative attempt_count", t.Message.NotificationID)
	}
	return nil
}

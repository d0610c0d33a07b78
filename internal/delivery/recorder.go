package delivery

import (
	"context"

	"courier/internal/types"
)

// AuditPublisher mirrors completed delivery log rows onto the audit stream.
type AuditPublisher interface {
	PublishAudit(ctx context.Context, entry types.DeliveryLog) error
}

// Recorder appends audit-trail rows and mirrors them onto the audit
// stream. Persistence failures propagate so the caller can leave the
// message for redelivery; the stream mirror is best-effort only.
type Recorder struct {
	store  LogStore
	audit  AuditPublisher
	clock  types.Clock
	logger types.Logger
}

// NewRecorder creates a Recorder. audit may be nil to disable the stream
// mirror.
func NewRecorder(store LogStore, audit AuditPublisher, clock types.Clock, logger types.Logger) *Recorder {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Recorder{
		store:  store,
		audit:  audit,
		clock:  clock,
		logger: logger,
	}
}

// Record durably appends one delivery log row, stamping a missing
// timestamp with the current time.
func (r *Recorder) Record(ctx context.Context, entry *types.DeliveryLog) error {
	r.stamp(entry)

	if err := entry.Validate(); err != nil {
		return err
	}

	if err := r.store.Insert(ctx, entry); err != nil {
		return err
	}

	r.mirror(ctx, entry)
	return nil
}

// RecordAll appends a group of rows as an all-or-nothing unit. Used when a
// non-terminal row and its terminal conclusion must land together, e.g.
// provider_failed followed by processing_failed on the final attempt.
func (r *Recorder) RecordAll(ctx context.Context, entries []*types.DeliveryLog) error {
	for _, entry := range entries {
		r.stamp(entry)
		if err := entry.Validate(); err != nil {
			return err
		}
	}

	if err := r.store.InsertAll(ctx, entries); err != nil {
		return err
	}

	for _, entry := range entries {
		r.mirror(ctx, entry)
	}
	return nil
}

// HasTerminalStage reports whether the (notification, channel) lineage has
// already concluded.
func (r *Recorder) HasTerminalStage(ctx context.Context, notificationID, channelID string) (bool, error) {
	return r.store.HasTerminalStage(ctx, notificationID, channelID)
}

func (r *Recorder) stamp(entry *types.DeliveryLog) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now()
	}
}

func (r *Recorder) mirror(ctx context.Context, entry *types.DeliveryLog) {
	if r.audit == nil {
		return
	}
	if err := r.audit.PublishAudit(ctx, *entry); err != nil {
		r.logger.Warn("failed to mirror delivery log to audit stream",
			"notification_id", entry.NotificationID,
			"channel_id", entry.ChannelID,
			"stage", entry.Stage,
			"error", err)
	}
}

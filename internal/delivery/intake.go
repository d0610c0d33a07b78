package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"courier/internal/types"
)

// SeenGuard is the idempotency check consulted before processing a
// message. A key is marked only after processing fully settles, so a
// seen key always means a prior delivery of this message concluded; a
// crash mid-processing leaves the key unset and the redelivery runs
// again. Guard errors are treated as not-seen (fail-open): a duplicate
// delivery is preferable to a stalled pipeline.
type SeenGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string) error
}

// Intake adapts raw bus messages into pipeline work. Its handlers follow
// the consumer's ack contract: returning nil acknowledges (deletes) the
// message, returning an error leaves it for redelivery.
//
// Malformed messages are poison: redelivery cannot fix them, so they are
// concluded with a best-effort processing_failed row and acknowledged.
type Intake struct {
	router   *Router
	recorder *Recorder
	guard    SeenGuard
	metrics  NotificationMetrics
	clock    types.Clock
	logger   types.Logger
}

// NewIntake creates an Intake. guard and metrics may be nil to disable
// the idempotency fast path and queue lag telemetry respectively.
func NewIntake(router *Router, recorder *Recorder, guard SeenGuard, metrics NotificationMetrics, logger types.Logger) *Intake {
	return &Intake{
		router:   router,
		recorder: recorder,
		guard:    guard,
		metrics:  metrics,
		clock:    types.RealClock{},
		logger:   logger,
	}
}

// HandleNotification consumes the main notification queue: validate,
// dedupe, fan out, and wait for every lineage before acknowledging.
func (i *Intake) HandleNotification(ctx context.Context, body []byte, attributes map[string]string) error {
	i.recordQueueLag(ctx, attributes)

	var msg types.NotificationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return i.rejectPoison(ctx, body, fmt.Sprintf("malformed notification message: %v", err))
	}
	if err := msg.Validate(); err != nil {
		return i.rejectPoison(ctx, body, fmt.Sprintf("invalid notification message: %v", err))
	}

	key := "courier:seen:notification:" + msg.NotificationID
	if i.alreadySeen(ctx, key, msg.NotificationID) {
		return nil
	}

	result, err := i.router.Route(ctx, msg)
	if err != nil {
		return err
	}
	if err := result.Wait(); err != nil {
		return err
	}

	// Marked only now that every lineage settled: an unmarked key on
	// redelivery means the previous processing did not finish.
	i.markSeen(ctx, key, msg.NotificationID)
	return nil
}

// HandleChannelTask consumes a per-channel task queue (retry re-entry).
// Tasks whose lineage already concluded are acknowledged without another
// provider call, so a replayed retry message cannot double-deliver.
func (i *Intake) HandleChannelTask(ctx context.Context, body []byte, attributes map[string]string) error {
	i.recordQueueLag(ctx, attributes)

	var task types.ChannelDeliveryTask
	if err := json.Unmarshal(body, &task); err != nil {
		return i.rejectPoison(ctx, body, fmt.Sprintf("malformed delivery task: %v", err))
	}
	if err := task.Validate(); err != nil {
		return i.rejectPoison(ctx, body, fmt.Sprintf("invalid delivery task: %v", err))
	}

	done, err := i.recorder.HasTerminalStage(ctx, task.Message.NotificationID, task.Template.ChannelID)
	if err != nil {
		return err
	}
	if done {
		i.logger.Info("lineage already concluded, skipping task",
			"notification_id", task.Message.NotificationID,
			"channel_id", task.Template.ChannelID,
			"attempt_count", task.AttemptCount)
		return nil
	}

	key := fmt.Sprintf("courier:seen:task:%s:%s:%d",
		task.Message.NotificationID, task.Template.ChannelID, task.AttemptCount)
	if i.alreadySeen(ctx, key, task.Message.NotificationID) {
		return nil
	}

	if err := i.router.Process(ctx, task); err != nil {
		return err
	}
	i.markSeen(ctx, key, task.Message.NotificationID)
	return nil
}

// recordQueueLag reports the delay between enqueue and processing start,
// derived from the SentTimestamp system attribute (epoch milliseconds).
func (i *Intake) recordQueueLag(ctx context.Context, attributes map[string]string) {
	if i.metrics == nil {
		return
	}
	raw, ok := attributes["SentTimestamp"]
	if !ok {
		return
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	lag := i.clock.Now().Sub(time.UnixMilli(ms))
	if lag < 0 {
		lag = 0
	}
	i.metrics.RecordQueueLag(ctx, lag)
}

func (i *Intake) alreadySeen(ctx context.Context, key, notificationID string) bool {
	if i.guard == nil {
		return false
	}
	seen, err := i.guard.Seen(ctx, key)
	if err != nil {
		i.logger.Warn("idempotency check failed, proceeding",
			"notification_id", notificationID,
			"error", err)
		return false
	}
	if seen {
		i.logger.Info("duplicate of a concluded message skipped",
			"notification_id", notificationID,
			"key", key)
	}
	return seen
}

// markSeen is best-effort: a lost mark costs one extra terminal-stage
// lookup on redelivery, nothing more.
func (i *Intake) markSeen(ctx context.Context, key, notificationID string) {
	if i.guard == nil {
		return
	}
	if err := i.guard.MarkSeen(ctx, key); err != nil {
		i.logger.Warn("failed to mark message as processed",
			"notification_id", notificationID,
			"key", key,
			"error", err)
	}
}

// rejectPoison concludes an unprocessable message. What identifying
// fields survive the broken payload are salvaged into the terminal row;
// the row itself is best-effort, since a payload can be too broken to
// attribute to any lineage. Always acknowledges.
func (i *Intake) rejectPoison(ctx context.Context, body []byte, reason string) error {
	i.logger.Error("rejecting poison message", "reason", reason)

	var partial struct {
		NotificationID string `json:"notification_id"`
		EventID        string `json:"event_id"`
		EventName      string `json:"event_name"`
		Message        *struct {
			NotificationID string `json:"notification_id"`
			EventID        string `json:"event_id"`
			EventName      string `json:"event_name"`
		} `json:"message"`
	}
	_ = json.Unmarshal(body, &partial)
	if partial.NotificationID == "" && partial.Message != nil {
		partial.NotificationID = partial.Message.NotificationID
		partial.EventID = partial.Message.EventID
		partial.EventName = partial.Message.EventName
	}

	if partial.NotificationID == "" {
		// Nothing to attribute the failure to.
		return nil
	}

	entry := &types.DeliveryLog{
		NotificationID: partial.NotificationID,
		EventID:        partial.EventID,
		EventName:      partial.EventName,
		Stage:          types.StageProcessingFailed,
		Status:         types.StatusFailed,
		ErrorMessage:   reason,
	}
	if err := i.recorder.Record(ctx, entry); err != nil {
		i.logger.Warn("failed to record poison message rejection",
			"notification_id", partial.NotificationID,
			"error", err)
	}
	return nil
}

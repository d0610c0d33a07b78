package delivery

import (
	"context"
	"fmt"

	"courier/internal/types"
)

// Dispatcher applies the post-attempt policy: record what the gateway
// reported, then either finish the lineage, schedule a retry, or
// dead-letter the task.
//
// Policy by outcome:
//
//	success            -> provider_success row (terminal)
//	circuit_open       -> circuit_breaker_open row, retry with backoff
//	transient_failure  -> provider_failed row, retry; on the final
//	                      attempt, provider_failed + processing_failed
//	                      land as one transactional unit, then dead-letter
//	permanent_failure  -> provider_failed + processing_failed unit,
//	                      dead-letter immediately
//
// A non-nil error means the outcome could not be durably recorded or the
// dead-letter publish failed; the caller must leave the message for
// redelivery.
type Dispatcher struct {
	recorder  *Recorder
	publisher TaskPublisher
	policy    RetryPolicy
	metrics   NotificationMetrics
	logger    types.Logger
}

// NewDispatcher creates a Dispatcher. metrics may be nil.
func NewDispatcher(recorder *Recorder, publisher TaskPublisher, policy RetryPolicy, metrics NotificationMetrics, logger types.Logger) *Dispatcher {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	return &Dispatcher{
		recorder:  recorder,
		publisher: publisher,
		policy:    policy,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handle settles one delivery attempt.
func (d *Dispatcher) Handle(ctx context.Context, task types.ChannelDeliveryTask, outcome DeliveryOutcome) error {
	switch outcome.Result {
	case OutcomeSuccess:
		return d.handleSuccess(ctx, task, outcome)
	case OutcomeCircuitOpen:
		return d.handleCircuitOpen(ctx, task, outcome)
	case OutcomeTransientFailure:
		return d.handleTransient(ctx, task, outcome)
	case OutcomePermanentFailure:
		return d.handlePermanent(ctx, task, outcome)
	default:
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("unknown delivery outcome %q", outcome.Result), nil)
	}
}

func (d *Dispatcher) handleSuccess(ctx context.Context, task types.ChannelDeliveryTask, outcome DeliveryOutcome) error {
	entry := d.newLog(task, outcome, types.StageProviderSuccess, types.StatusSuccess)
	entry.MessageID = outcome.ProviderMessageID

	if err := d.recorder.Record(ctx, entry); err != nil {
		return err
	}

	d.logger.Info("delivery succeeded",
		"notification_id", task.Message.NotificationID,
		"channel_id", task.Template.ChannelID,
		"provider", outcome.ProviderName,
		"provider_message_id", outcome.ProviderMessageID,
		"attempt", task.AttemptCount+1)

	d.recordMetric(ctx, task, MetricSuccess)
	return nil
}

func (d *Dispatcher) handleCircuitOpen(ctx context.Context, task types.ChannelDeliveryTask, outcome DeliveryOutcome) error {
	entry := d.newLog(task, outcome, types.StageCircuitBreakerOpen, types.StatusFailed)
	entry.ErrorMessage = "circuit breaker open"

	return d.retryOrDeadLetter(ctx, task, entry, "circuit breaker open", MetricCircuitOpen)
}

func (d *Dispatcher) handleTransient(ctx context.Context, task types.ChannelDeliveryTask, outcome DeliveryOutcome) error {
	entry := d.newLog(task, outcome, types.StageProviderFailed, types.StatusFailed)
	if outcome.Err != nil {
		entry.ErrorMessage = outcome.Err.Error()
	}

	return d.retryOrDeadLetter(ctx, task, entry, "retries exhausted", MetricRetried)
}

func (d *Dispatcher) handlePermanent(ctx context.Context, task types.ChannelDeliveryTask, outcome DeliveryOutcome) error {
	entry := d.newLog(task, outcome, types.StageProviderFailed, types.StatusFailed)
	if outcome.Err != nil {
		entry.ErrorMessage = outcome.Err.Error()
	}

	return d.deadLetter(ctx, task, entry, "permanent provider failure")
}

// retryOrDeadLetter settles a retryable failure. attemptsMade counts the
// attempt that just finished; when it reaches the cap the lineage is
// concluded instead of re-enqueued. Each settled attempt emits exactly
// one delivery metric: retryMetric when re-enqueued, dead_lettered when
// concluded here.
func (d *Dispatcher) retryOrDeadLetter(ctx context.Context, task types.ChannelDeliveryTask, entry *types.DeliveryLog, reason string, retryMetric MetricResult) error {
	attemptsMade := task.AttemptCount + 1

	if attemptsMade >= d.policy.MaxAttempts {
		return d.deadLetter(ctx, task, entry, reason)
	}

	if err := d.recorder.Record(ctx, entry); err != nil {
		return err
	}

	delay := CalculateNextRetry(d.policy, task.AttemptCount)
	if err := d.publisher.PublishRetry(ctx, task, delay); err != nil {
		return err
	}

	d.logger.Info("delivery scheduled for retry",
		"notification_id", task.Message.NotificationID,
		"channel_id", task.Template.ChannelID,
		"attempt", attemptsMade,
		"max_attempts", d.policy.MaxAttempts,
		"delay", delay.String())

	d.recordMetric(ctx, task, retryMetric)
	return nil
}

// deadLetter concludes the lineage: the failure row and its
// processing_failed terminal row land as one transactional unit before the
// task goes to the dead-letter queue. A failed dead-letter publish leaves
// duplicate rows on redelivery, which the append-only trail tolerates.
func (d *Dispatcher) deadLetter(ctx context.Context, task types.ChannelDeliveryTask, entry *types.DeliveryLog, reason string) error {
	terminal := &types.DeliveryLog{
		NotificationID: entry.NotificationID,
		EventID:        entry.EventID,
		EventName:      entry.EventName,
		ChannelID:      entry.ChannelID,
		ChannelName:    entry.ChannelName,
		ProviderName:   entry.ProviderName,
		ProviderReqID:  entry.ProviderReqID,
		Stage:          types.StageProcessingFailed,
		Status:         types.StatusFailed,
		ErrorMessage:   reason,
	}

	if err := d.recorder.RecordAll(ctx, []*types.DeliveryLog{entry, terminal}); err != nil {
		return err
	}

	if err := d.publisher.PublishDeadLetter(ctx, task, reason); err != nil {
		return err
	}

	d.logger.Error("delivery dead-lettered",
		"notification_id", task.Message.NotificationID,
		"channel_id", task.Template.ChannelID,
		"provider", entry.ProviderName,
		"reason", reason,
		"attempts", task.AttemptCount+1)

	d.recordMetric(ctx, task, MetricDeadLettered)
	return nil
}

func (d *Dispatcher) newLog(task types.ChannelDeliveryTask, outcome DeliveryOutcome, stage types.DeliveryStage, status types.DeliveryStatus) *types.DeliveryLog {
	return &types.DeliveryLog{
		NotificationID: task.Message.NotificationID,
		EventID:        task.Message.EventID,
		EventName:      task.Message.EventName,
		ChannelID:      task.Template.ChannelID,
		ChannelName:    task.Template.ChannelName,
		ProviderName:   outcome.ProviderName,
		ProviderReqID:  outcome.ProviderReqID,
		Stage:          stage,
		Status:         status,
	}
}

func (d *Dispatcher) recordMetric(ctx context.Context, task types.ChannelDeliveryTask, result MetricResult) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordDelivery(ctx, task.Template.ChannelName, result)
}

// Package delivery implements the core pipeline: the channel router fans a
// notification out into per-channel tasks, the provider gateway executes
// them behind the circuit breaker, the recorder appends the audit trail,
// and the dispatcher decides between retry and dead-letter.
package delivery

import (
	"context"
	"time"

	"courier/internal/types"
)

// OutcomeResult classifies what happened to one provider delivery attempt.
type OutcomeResult string

const (
	// OutcomeSuccess: the provider accepted the message.
	OutcomeSuccess OutcomeResult = "success"

	// OutcomeCircuitOpen: the breaker short-circuited the call; the
	// provider was never contacted. Treated as transient for retry
	// purposes.
	OutcomeCircuitOpen OutcomeResult = "circuit_open"

	// OutcomeTransientFailure: timeout, connection failure, or a
	// 5xx-equivalent. Retried and counted against provider health.
	OutcomeTransientFailure OutcomeResult = "transient_failure"

	// OutcomePermanentFailure: rejected recipient or content. Never
	// retried; dead-lettered on first sight.
	OutcomePermanentFailure OutcomeResult = "permanent_failure"
)

// DeliveryOutcome is the gateway's report on one attempt.
type DeliveryOutcome struct {
	Result       OutcomeResult
	ProviderName string

	// ProviderMessageID is the provider-assigned delivery id, set on
	// success.
	ProviderMessageID string

	// ProviderReqID correlates the attempt with the provider's own
	// tracking and the provider_request_response diagnostic stream.
	ProviderReqID string

	// Err carries the provider error for transient/permanent outcomes.
	Err error
}

// LogStore is the narrow persistence interface the recorder needs. By
// depending on this rather than the full repository, the pipeline is
// testable with lightweight mocks.
type LogStore interface {
	// Insert appends one delivery log row durably.
	Insert(ctx context.Context, entry *types.DeliveryLog) error

	// InsertAll appends rows as an all-or-nothing transactional unit,
	// preserving slice order.
	InsertAll(ctx context.Context, entries []*types.DeliveryLog) error

	// HasTerminalStage reports whether the (notification, channel)
	// history already ends in a terminal stage.
	HasTerminalStage(ctx context.Context, notificationID, channelID string) (bool, error)
}

// Breaker is the failure-isolation interface the gateway consults before
// every provider call. Every admitted call must end in exactly one of
// RecordSuccess, RecordFailure, or ReleaseTrial; an admission that
// reports nothing would leave a half-open trial slot occupied forever.
type Breaker interface {
	Allow(channelID, provider string) bool
	RecordSuccess(channelID, provider string)
	RecordFailure(channelID, provider string)
	ReleaseTrial(channelID, provider string)
}

// TaskPublisher re-enqueues tasks for retry and routes exhausted or
// permanently failed tasks to their dead-letter queue.
type TaskPublisher interface {
	PublishRetry(ctx context.Context, task types.ChannelDeliveryTask, delay time.Duration) error
	PublishDeadLetter(ctx context.Context, task types.ChannelDeliveryTask, reason string) error
}

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess      MetricResult = "success"
	MetricRetried      MetricResult = "retried"
	MetricDeadLettered MetricResult = "dead_lettered"
	MetricCircuitOpen  MetricResult = "circuit_open"
)

// NotificationMetrics abstracts telemetry for the pipeline.
type NotificationMetrics interface {
	RecordDelivery(ctx context.Context, channel types.ChannelType, result MetricResult)
	RecordLatency(ctx context.Context, channel types.ChannelType, duration time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// RetryPolicy defines the exponential backoff parameters for delivery
// retries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy matches the pipeline defaults: three attempts with
// exponential backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   3,
	BaseDelay:     5 * time.Second,
	MaxDelay:      5 * time.Minute,
	BackoffFactor: 2.0,
}

// CalculateNextRetry computes the delay before the next retry attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d < 0 {
		// Guard against overflow
		d = policy.MaxDelay
	}

	return d
}

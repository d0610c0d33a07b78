package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"courier/internal/types"
)

// sqsMaxDelaySeconds is the maximum DelaySeconds SQS supports (15 minutes).
// Retry backoff beyond this is clamped; the attempt cap keeps total delay
// well under the limit in practice.
const sqsMaxDelaySeconds = 900

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher writes pipeline messages back onto the bus: retry
// re-publication to the per-channel task queues, dead-letter publication,
// and the best-effort audit streams.
type Publisher struct {
	client SQSSender
	topics Topics
	logger types.Logger
}

// NewPublisher creates a Publisher over the given SQS client and topic map.
func NewPublisher(client SQSSender, topics Topics, logger types.Logger) *Publisher {
	return &Publisher{
		client: client,
		topics: topics,
		logger: logger,
	}
}

// PublishRetry re-enqueues a failed delivery task onto its originating
// channel queue with the given backoff delay.
//
// The attempt count is incremented BEFORE serialization: the downstream
// consumer of the same queue must see the updated attempt number so the
// max-attempt policy stays enforceable. The original message/template pair
// is preserved untouched.
func (p *Publisher) PublishRetry(ctx context.Context, task types.ChannelDeliveryTask, delay time.Duration) error {
	queueURL, err := p.topics.TaskQueue(task.Template.ChannelName)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "retry publish", err)
	}

	task.AttemptCount++

	body, err := json.Marshal(task)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal delivery task", err)
	}

	delaySec := int32(delay.Seconds())
	if delaySec > sqsMaxDelaySeconds {
		delaySec = sqsMaxDelaySeconds
	}
	if delaySec < 0 {
		delaySec = 0
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to publish retry task", err)
	}

	p.logger.Info("delivery task re-enqueued for retry",
		"notification_id", task.Message.NotificationID,
		"channel_id", task.Template.ChannelID,
		"attempt_count", task.AttemptCount,
		"delay_seconds", delaySec,
	)
	return nil
}

// PublishDeadLetter routes a task that exhausted its retries (or failed
// permanently) onto its channel's dead-letter queue for out-of-band
// handling. The reason travels as a message attribute so DLQ consumers can
// triage without parsing the body.
func (p *Publisher) PublishDeadLetter(ctx context.Context, task types.ChannelDeliveryTask, reason string) error {
	queueURL, err := p.topics.DeadLetterQueue(task.Template.ChannelName)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "dead-letter publish", err)
	}

	body, err := json.Marshal(task)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal delivery task", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to publish dead letter", err)
	}

	p.logger.Warn("delivery task dead-lettered",
		"notification_id", task.Message.NotificationID,
		"channel_id", task.Template.ChannelID,
		"attempt_count", task.AttemptCount,
		"reason", reason,
	)
	return nil
}

// PublishAudit mirrors a delivery log row onto the delivery_logs stream.
// Best-effort by contract: the durable copy lives in Postgres, so failures
// here are returned for logging but never fail a delivery.
func (p *Publisher) PublishAudit(ctx context.Context, entry types.DeliveryLog) error {
	if p.topics.DeliveryLogs == "" {
		return nil
	}
	return p.publishJSON(ctx, p.topics.DeliveryLogs, entry)
}

// ProviderCallRecord is the raw call/response diagnostic emitted on the
// provider_request_response stream. Optional output for debugging; not a
// correctness-critical path.
type ProviderCallRecord struct {
	NotificationID string    `json:"notification_id"`
	ChannelID      string    `json:"channel_id"`
	ProviderName   string    `json:"provider_name"`
	ProviderReqID  string    `json:"provider_request_id"`
	AttemptCount   int       `json:"attempt_count"`
	DurationMS     int64     `json:"duration_ms"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PublishProviderAudit emits a raw provider call record. Best-effort; a
// missing queue URL disables the stream entirely.
func (p *Publisher) PublishProviderAudit(ctx context.Context, rec ProviderCallRecord) error {
	if p.topics.ProviderAudit == "" {
		return nil
	}
	return p.publishJSON(ctx, p.topics.ProviderAudit, rec)
}

func (p *Publisher) publishJSON(ctx context.Context, queueURL string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal audit record", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "failed to publish audit record", err)
	}
	return nil
}

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"courier/internal/types"
)

// sqsMaxReceiveBatch is the ReceiveMessage batch ceiling imposed by SQS;
// asking for more fails the request outright.
const sqsMaxReceiveBatch = 10

// SQSReceiver abstracts the SQS receive/delete operations for testability.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Handler processes one message body. Returning nil acknowledges (deletes)
// the message; returning an error leaves it on the queue for redelivery
// after the visibility timeout. Handlers therefore ack only once the
// message's terminal outcome is durably recorded, and ack-with-nil for
// poison messages that can never succeed.
type Handler func(ctx context.Context, body []byte, attributes map[string]string) error

// ConsumerConfig tunes one consumer loop.
type ConsumerConfig struct {
	QueueURL string

	// Concurrency bounds how many messages from this queue are processed
	// in parallel. Defaults to 4.
	Concurrency int

	// WaitTime is the long-poll duration. Defaults to 20s (SQS maximum).
	WaitTime time.Duration

	// ReconnectRetries and ReconnectBaseDelay govern backoff when the
	// broker is unreachable: the delay doubles per consecutive receive
	// failure up to ReconnectRetries doublings, then stays flat. The
	// consumer never gives up; connectivity loss is a process-level
	// fault to ride out, not a crash.
	ReconnectRetries   int
	ReconnectBaseDelay time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.ReconnectRetries <= 0 {
		c.ReconnectRetries = 5
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	return c
}

// Consumer runs a long-poll receive loop against one queue, dispatching
// each message to the handler on a bounded set of goroutines.
//
// Shutdown: when ctx is cancelled the loop stops receiving, waits for
// in-flight handlers to finish (including their logging and publishes,
// which run on a background context), and returns. No new messages are
// admitted during the drain.
type Consumer struct {
	client SQSReceiver
	cfg    ConsumerConfig
	handle Handler
	logger types.Logger
}

// NewConsumer creates a consumer for one queue.
func NewConsumer(client SQSReceiver, cfg ConsumerConfig, handle Handler, logger types.Logger) *Consumer {
	return &Consumer{
		client: client,
		cfg:    cfg.withDefaults(),
		handle: handle,
		logger: logger.With("queue_url", cfg.QueueURL),
	}
}

// Run consumes until ctx is cancelled. It returns nil on a clean drain.
func (c *Consumer) Run(ctx context.Context) error {
	sem := make(chan struct{}, c.cfg.Concurrency)
	var inFlight sync.WaitGroup

	batch := c.cfg.Concurrency
	if batch > sqsMaxReceiveBatch {
		batch = sqsMaxReceiveBatch
	}

	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			break
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.cfg.QueueURL),
			MaxNumberOfMessages:   int32(batch),
			WaitTimeSeconds:       int32(c.cfg.WaitTime.Seconds()),
			MessageAttributeNames: []string{"All"},
			MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
				sqsTypes.MessageSystemAttributeNameSentTimestamp,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			consecutiveFailures++
			delay := c.backoff(consecutiveFailures)
			c.logger.Error("receive failed, backing off",
				"error", err.Error(),
				"consecutive_failures", consecutiveFailures,
				"delay", delay.String(),
			)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		consecutiveFailures = 0

		for _, msg := range out.Messages {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				// Not acked; SQS redelivers after the visibility
				// timeout.
				break
			}

			inFlight.Add(1)
			go func(msg sqsTypes.Message) {
				defer inFlight.Done()
				defer func() { <-sem }()
				c.process(ctx, msg)
			}(msg)
		}
	}

	c.logger.Info("consumer draining in-flight messages")
	inFlight.Wait()
	c.logger.Info("consumer stopped")
	return nil
}

// process runs the handler and deletes the message on success. The handler
// and the delete run on a background context so a shutdown mid-message
// finishes its work instead of abandoning a half-recorded attempt.
func (c *Consumer) process(ctx context.Context, msg sqsTypes.Message) {
	handleCtx := context.WithoutCancel(ctx)

	attrs := make(map[string]string, len(msg.Attributes)+len(msg.MessageAttributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}

	var body []byte
	if msg.Body != nil {
		body = []byte(*msg.Body)
	}

	if err := c.handle(handleCtx, body, attrs); err != nil {
		// Leave the message for redelivery; persistence failures land
		// here and the attempt replays from scratch.
		c.logger.Error("message processing failed, leaving for redelivery",
			"message_id", aws.ToString(msg.MessageId),
			"error", err.Error(),
		)
		return
	}

	if _, err := c.client.DeleteMessage(handleCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		// The message will be redelivered and reprocessed; the audit
		// log is append-only so the replay is harmless.
		c.logger.Warn("failed to delete processed message",
			"message_id", aws.ToString(msg.MessageId),
			"error", err.Error(),
		)
	}
}

// backoff doubles the base delay per consecutive failure, flattening out
// after ReconnectRetries doublings.
func (c *Consumer) backoff(consecutiveFailures int) time.Duration {
	n := consecutiveFailures - 1
	if n > c.cfg.ReconnectRetries {
		n = c.cfg.ReconnectRetries
	}
	delay := c.cfg.ReconnectBaseDelay
	for i := 0; i < n; i++ {
		delay *= 2
	}
	return delay
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"courier/internal/types"
)

type testLogger struct{}

func (testLogger) Info(string, ...any)        {}
func (testLogger) Error(string, ...any)       {}
func (testLogger) Warn(string, ...any)        {}
func (l testLogger) With(...any) types.Logger { return l }

// mockSQS captures SendMessage inputs.
type mockSQS struct {
	sent    []*sqs.SendMessageInput
	sendErr error
}

func (m *mockSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, params)
	return &sqs.SendMessageOutput{}, nil
}

func testTopics() Topics {
	return Topics{
		Notification:    "https://sqs.test/notification",
		Push:            "https://sqs.test/notification-push",
		Email:           "https://sqs.test/notification-email",
		DeliveryLogs:    "https://sqs.test/delivery-logs",
		ProviderAudit:   "https://sqs.test/provider-request-response",
		NotificationDLQ: "https://sqs.test/notification-dlq",
		PushDLQ:         "https://sqs.test/notification-push-dlq",
		EmailDLQ:        "https://sqs.test/notification-email-dlq",
	}
}

func testTask(attempts int) types.ChannelDeliveryTask {
	return types.ChannelDeliveryTask{
		Message: types.NotificationMessage{
			NotificationID: "notif-1",
			EventID:        "ev-1",
			EventName:      "order_shipped",
		},
		Template: types.RenderedTemplate{
			ChannelID:   "chan-push",
			ChannelName: types.ChannelPush,
			TemplateID:  "tmpl-1",
			Recipient:   "device-token",
		},
		AttemptCount: attempts,
	}
}

func TestPublishRetryIncrementsAttemptBeforeMarshal(t *testing.T) {
	client := &mockSQS{}
	p := NewPublisher(client, testTopics(), testLogger{})

	if err := p.PublishRetry(context.Background(), testTask(1), 10*time.Second); err != nil {
		t.Fatalf("PublishRetry returned error: %v", err)
	}

	if len(client.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(client.sent))
	}
	input := client.sent[0]
	if *input.QueueUrl != "https://sqs.test/notification-push" {
		t.Errorf("queue = %q, want the push task queue", *input.QueueUrl)
	}
	if input.DelaySeconds != 10 {
		t.Errorf("delay = %d, want 10", input.DelaySeconds)
	}

	var republished types.ChannelDeliveryTask
	if err := json.Unmarshal([]byte(*input.MessageBody), &republished); err != nil {
		t.Fatalf("failed to unmarshal republished task: %v", err)
	}
	if republished.AttemptCount != 2 {
		t.Errorf("serialized attempt count = %d, want 2", republished.AttemptCount)
	}
	if republished.Message.NotificationID != "notif-1" || republished.Template.TemplateID != "tmpl-1" {
		t.Error("message/template pair must be preserved untouched")
	}
}

func TestPublishRetryClampsDelayToSQSMax(t *testing.T) {
	client := &mockSQS{}
	p := NewPublisher(client, testTopics(), testLogger{})

	if err := p.PublishRetry(context.Background(), testTask(0), time.Hour); err != nil {
		t.Fatalf("PublishRetry returned error: %v", err)
	}
	if client.sent[0].DelaySeconds != sqsMaxDelaySeconds {
		t.Errorf("delay = %d, want clamp at %d", client.sent[0].DelaySeconds, sqsMaxDelaySeconds)
	}
}

func TestPublishRetryBrokerFailure(t *testing.T) {
	client := &mockSQS{sendErr: errors.New("sqs unavailable")}
	p := NewPublisher(client, testTopics(), testLogger{})

	err := p.PublishRetry(context.Background(), testTask(0), time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeBrokerUnavailable {
		t.Errorf("expected broker_unavailable, got %v", err)
	}
}

func TestPublishDeadLetterCarriesReasonAttribute(t *testing.T) {
	client := &mockSQS{}
	p := NewPublisher(client, testTopics(), testLogger{})

	if err := p.PublishDeadLetter(context.Background(), testTask(2), "retries exhausted"); err != nil {
		t.Fatalf("PublishDeadLetter returned error: %v", err)
	}

	input := client.sent[0]
	if *input.QueueUrl != "https://sqs.test/notification-push-dlq" {
		t.Errorf("queue = %q, want the push DLQ", *input.QueueUrl)
	}
	attr, ok := input.MessageAttributes["reason"]
	if !ok || *attr.StringValue != "retries exhausted" {
		t.Errorf("reason attribute = %+v", input.MessageAttributes)
	}

	// The dead-lettered body keeps the final attempt count as-is.
	var task types.ChannelDeliveryTask
	if err := json.Unmarshal([]byte(*input.MessageBody), &task); err != nil {
		t.Fatalf("failed to unmarshal dead-lettered task: %v", err)
	}
	if task.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", task.AttemptCount)
	}
}

func TestPublishAuditDisabledByEmptyURL(t *testing.T) {
	client := &mockSQS{}
	topics := testTopics()
	topics.DeliveryLogs = ""
	topics.ProviderAudit = ""
	p := NewPublisher(client, topics, testLogger{})

	if err := p.PublishAudit(context.Background(), types.DeliveryLog{NotificationID: "n1"}); err != nil {
		t.Fatalf("PublishAudit returned error: %v", err)
	}
	if err := p.PublishProviderAudit(context.Background(), ProviderCallRecord{NotificationID: "n1"}); err != nil {
		t.Fatalf("PublishProviderAudit returned error: %v", err)
	}
	if len(client.sent) != 0 {
		t.Errorf("disabled streams must not send, sent %d", len(client.sent))
	}
}

func TestPublishProviderAudit(t *testing.T) {
	client := &mockSQS{}
	p := NewPublisher(client, testTopics(), testLogger{})

	rec := ProviderCallRecord{
		NotificationID: "notif-1",
		ChannelID:      "chan-push",
		ProviderName:   "fcm",
		AttemptCount:   1,
		DurationMS:     42,
		Success:        true,
	}
	if err := p.PublishProviderAudit(context.Background(), rec); err != nil {
		t.Fatalf("PublishProviderAudit returned error: %v", err)
	}

	input := client.sent[0]
	if *input.QueueUrl != "https://sqs.test/provider-request-response" {
		t.Errorf("queue = %q", *input.QueueUrl)
	}
	var decoded ProviderCallRecord
	if err := json.Unmarshal([]byte(*input.MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal record: %v", err)
	}
	if decoded.ProviderName != "fcm" || !decoded.Success {
		t.Errorf("decoded record = %+v", decoded)
	}
}

func TestTopicsRejectUnknownChannel(t *testing.T) {
	topics := testTopics()

	if _, err := topics.TaskQueue("carrier_pigeon"); err == nil {
		t.Error("expected error for unknown channel task queue")
	}
	if _, err := topics.DeadLetterQueue("carrier_pigeon"); err == nil {
		t.Error("expected error for unknown channel dead-letter queue")
	}
}

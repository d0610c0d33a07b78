package delivery

import (
	"context"
	"sync"
	"time"

	"courier/internal/queue"
	"courier/internal/types"
)

// testLogger satisfies types.Logger and discards everything.
type testLogger struct{}

func (testLogger) Info(string, ...any)        {}
func (testLogger) Error(string, ...any)       {}
func (testLogger) Warn(string, ...any)        {}
func (l testLogger) With(...any) types.Logger { return l }

// fakeClock returns a fixed time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// mockLogStore implements LogStore, recording every inserted row.
type mockLogStore struct {
	mu sync.Mutex

	inserted    []*types.DeliveryLog
	batches     [][]*types.DeliveryLog
	insertErr   error
	batchErr    error
	terminal    bool
	terminalErr error
}

func (m *mockLogStore) Insert(_ context.Context, entry *types.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, entry)
	return nil
}

func (m *mockLogStore) InsertAll(_ context.Context, entries []*types.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchErr != nil {
		return m.batchErr
	}
	m.batches = append(m.batches, entries)
	m.inserted = append(m.inserted, entries...)
	return nil
}

func (m *mockLogStore) HasTerminalStage(_ context.Context, _, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal, m.terminalErr
}

// stages returns the recorded stage sequence in insertion order.
func (m *mockLogStore) stages() []types.DeliveryStage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DeliveryStage, len(m.inserted))
	for i, e := range m.inserted {
		out[i] = e.Stage
	}
	return out
}

// mockTaskPublisher implements TaskPublisher.
type mockTaskPublisher struct {
	mu sync.Mutex

	retries       []types.ChannelDeliveryTask
	retryDelays   []time.Duration
	retryErr      error
	deadLetters   []types.ChannelDeliveryTask
	deadReasons   []string
	deadLetterErr error
}

func (m *mockTaskPublisher) PublishRetry(_ context.Context, task types.ChannelDeliveryTask, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryErr != nil {
		return m.retryErr
	}
	task.AttemptCount++
	m.retries = append(m.retries, task)
	m.retryDelays = append(m.retryDelays, delay)
	return nil
}

func (m *mockTaskPublisher) PublishDeadLetter(_ context.Context, task types.ChannelDeliveryTask, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deadLetterErr != nil {
		return m.deadLetterErr
	}
	m.deadLetters = append(m.deadLetters, task)
	m.deadReasons = append(m.deadReasons, reason)
	return nil
}

// mockBreaker implements Breaker.
type mockBreaker struct {
	mu sync.Mutex

	allow     bool
	successes []string
	failures  []string
	released  []string
}

func (m *mockBreaker) Allow(_, _ string) bool { return m.allow }

func (m *mockBreaker) RecordSuccess(channelID, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes = append(m.successes, channelID+"/"+provider)
}

func (m *mockBreaker) RecordFailure(channelID, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, channelID+"/"+provider)
}

func (m *mockBreaker) ReleaseTrial(channelID, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, channelID+"/"+provider)
}

// mockProvider implements provider.Provider.
type mockProvider struct {
	mu sync.Mutex

	name      string
	messageID string
	err       error
	calls     int
	lastTmpl  types.RenderedTemplate
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Send(_ context.Context, tmpl types.RenderedTemplate) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastTmpl = tmpl
	if m.err != nil {
		return "", m.err
	}
	return m.messageID, nil
}

// mockProviderAudit implements ProviderAuditPublisher.
type mockProviderAudit struct {
	mu      sync.Mutex
	records []queue.ProviderCallRecord
}

func (m *mockProviderAudit) PublishProviderAudit(_ context.Context, rec queue.ProviderCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// mockGuard implements SeenGuard, mirroring the real guard's contract:
// Seen reports only keys a prior MarkSeen recorded.
type mockGuard struct {
	err    error
	keys   []string
	marked map[string]bool
}

func (m *mockGuard) Seen(_ context.Context, key string) (bool, error) {
	m.keys = append(m.keys, key)
	if m.err != nil {
		return false, m.err
	}
	return m.marked[key], nil
}

func (m *mockGuard) MarkSeen(_ context.Context, key string) error {
	if m.err != nil {
		return m.err
	}
	if m.marked == nil {
		m.marked = make(map[string]bool)
	}
	m.marked[key] = true
	return nil
}

// mockMetrics implements NotificationMetrics, recording each delivery
// outcome as "channel/result".
type mockMetrics struct {
	mu sync.Mutex

	deliveries []string
	latencies  []time.Duration
	lags       []time.Duration
}

func (m *mockMetrics) RecordDelivery(_ context.Context, channel types.ChannelType, result MetricResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, string(channel)+"/"+string(result))
}

func (m *mockMetrics) RecordLatency(_ context.Context, _ types.ChannelType, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, duration)
}

func (m *mockMetrics) RecordQueueLag(_ context.Context, lag time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lags = append(m.lags, lag)
}

func newTestRecorder(store *mockLogStore) *Recorder {
	return NewRecorder(store, nil, &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, testLogger{})
}

func newTestTemplate(channel types.ChannelType) types.RenderedTemplate {
	return types.RenderedTemplate{
		ChannelID:    "chan-" + string(channel),
		ChannelName:  channel,
		TemplateID:   "tmpl-1",
		TemplateName: "order_shipped_" + string(channel),
		Subject:      "Your order shipped",
		Content:      "Order #42 is on its way",
		Recipient:    "user-recipient",
	}
}

func newTestMessage(channels ...types.ChannelType) types.NotificationMessage {
	msg := types.NotificationMessage{
		NotificationID: "notif-1",
		EventID:        "event-1",
		EventName:      "order_shipped",
	}
	for _, ch := range channels {
		msg.RenderedTemplates = append(msg.RenderedTemplates, newTestTemplate(ch))
	}
	return msg
}

func newTestTask(channel types.ChannelType, attempts int) types.ChannelDeliveryTask {
	return types.ChannelDeliveryTask{
		Message:      newTestMessage(channel),
		Template:     newTestTemplate(channel),
		AttemptCount: attempts,
	}
}

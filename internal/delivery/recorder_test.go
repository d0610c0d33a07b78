package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"courier/internal/types"
)

type mockAuditStream struct {
	mu      sync.Mutex
	entries []types.DeliveryLog
	err     error
}

func (m *mockAuditStream) PublishAudit(_ context.Context, entry types.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func TestRecorderStampsMissingTimestamp(t *testing.T) {
	store := &mockLogStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecorder(store, nil, &fakeClock{now: now}, testLogger{})

	entry := &types.DeliveryLog{
		NotificationID: "notif-1",
		Stage:          types.StageRouted,
		Status:         types.StatusPending,
	}
	if err := r.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if !entry.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", entry.Timestamp, now)
	}

	// An explicit timestamp is preserved.
	explicit := now.Add(-time.Hour)
	entry2 := &types.DeliveryLog{
		NotificationID: "notif-1",
		Stage:          types.StageProviderCalled,
		Status:         types.StatusPending,
		Timestamp:      explicit,
	}
	if err := r.Record(context.Background(), entry2); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if !entry2.Timestamp.Equal(explicit) {
		t.Errorf("timestamp = %v, want %v", entry2.Timestamp, explicit)
	}
}

func TestRecorderRejectsInvalidRows(t *testing.T) {
	store := &mockLogStore{}
	r := newTestRecorder(store)

	err := r.Record(context.Background(), &types.DeliveryLog{
		NotificationID: "notif-1",
		Stage:          "shipped", // not a recognized stage
		Status:         types.StatusPending,
	})
	if err == nil {
		t.Fatal("expected validation error for unrecognized stage")
	}
	if len(store.inserted) != 0 {
		t.Error("invalid row must not be persisted")
	}
}

func TestRecorderMirrorsToAuditStream(t *testing.T) {
	store := &mockLogStore{}
	stream := &mockAuditStream{}
	r := NewRecorder(store, stream, &fakeClock{now: time.Now()}, testLogger{})

	entry := &types.DeliveryLog{
		NotificationID: "notif-1",
		Stage:          types.StageRouted,
		Status:         types.StatusPending,
	}
	if err := r.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if len(stream.entries) != 1 {
		t.Fatalf("audit stream entries = %d, want 1", len(stream.entries))
	}
}

func TestRecorderAuditStreamFailureIsBestEffort(t *testing.T) {
	store := &mockLogStore{}
	stream := &mockAuditStream{err: errors.New("sqs unavailable")}
	r := NewRecorder(store, stream, &fakeClock{now: time.Now()}, testLogger{})

	entry := &types.DeliveryLog{
		NotificationID: "notif-1",
		Stage:          types.StageRouted,
		Status:         types.StatusPending,
	}
	if err := r.Record(context.Background(), entry); err != nil {
		t.Fatalf("a broken audit stream must not fail the write, got %v", err)
	}
	if len(store.inserted) != 1 {
		t.Error("the durable row must still land")
	}
}

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"courier/internal/types"
)

func newTestIntake(p *pipeline, guard SeenGuard) *Intake {
	recorder := newTestRecorder(p.store)
	return NewIntake(p.router, recorder, guard, nil, testLogger{})
}

func TestIntakeMalformedMessageAckedWithFailureRow(t *testing.T) {
	p := newTestPipeline(DefaultRetryPolicy)
	intake := newTestIntake(p, nil)

	body := []byte(`{"notification_id":"notif-7","event_id":"ev-7","rendered_templates":`)
	err := intake.HandleNotification(context.Background(), body, nil)
	if err != nil {
		t.Fatalf("poison message must be acknowledged, got error: %v", err)
	}

	// Truncated JSON salvages nothing, so no row either.
	if len(p.store.inserted) != 0 {
		t.Errorf("unattributable poison must leave no rows, got %v", p.store.stages())
	}
}

func TestIntakeInvalidMessageRecordsSalvagedFailure(t *testing.T) {
	p := newTestPipeline(DefaultRetryPolicy)
	intake := newTestIntake(p, nil)

	// Well-formed JSON, unknown channel: validation rejects it, but the
	// identifying fields survive into the terminal row.
	body := []byte(`{
		"notification_id": "notif-7",
		"event_id": "ev-7",
		"event_name": "order_shipped",
		"rendered_templates": [{"channel_id": "c1", "channel_name": "carrier_pigeon"}]
	}`)

	if err := intake.HandleNotification(context.Background(), body, nil); err != nil {
		t.Fatalf("poison message must be acknowledged, got error: %v", err)
	}

	if len(p.store.inserted) != 1 {
		t.Fatalf("expected 1 salvaged row, got %d", len(p.store.inserted))
	}
	row := p.store.inserted[0]
	if row.NotificationID != "notif-7" || row.Stage != types.StageProcessingFailed || row.Status != types.StatusFailed {
		t.Errorf("salvaged row = %+v", row)
	}
	if p.pushProv.calls != 0 {
		t.Error("invalid message must never reach a provider")
	}
}

func TestIntakeDuplicateOfConcludedNotificationSkipped(t *testing.T) {
	p := newTestPipeline(DefaultRetryPolicy)
	guard := &mockGuard{}
	intake := newTestIntake(p, guard)
	ctx := context.Background()

	body, _ := json.Marshal(newTestMessage(types.ChannelPush))
	if err := intake.HandleNotification(ctx, body, nil); err != nil {
		t.Fatalf("HandleNotification returned error: %v", err)
	}
	if p.pushProv.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", p.pushProv.calls)
	}
	if !guard.marked["courier:seen:notification:notif-1"] {
		t.Fatal("completed notification must be marked seen")
	}

	// Redelivery of the concluded message is acknowledged without a
	// second provider call.
	if err := intake.HandleNotification(ctx, body, nil); err != nil {
		t.Fatalf("duplicate must be acknowledged, got error: %v", err)
	}
	if p.pushProv.calls != 1 {
		t.Error("duplicate of a concluded notification must not deliver again")
	}
}

// A crash between receiving a notification and settling its lineages
// leaves no seen mark, so the redelivered message must be processed in
// full rather than silently acknowledged.
func TestIntakeCrashReplayReprocessesUnfinishedNotification(t *testing.T) {
	p := newTestPipeline(DefaultRetryPolicy)
	guard := &mockGuard{}
	intake := newTestIntake(p, guard)
	ctx := context.Background()

	body, _ := json.Marshal(newTestMessage(types.ChannelPush))

	// First delivery dies before any lineage settles.
	p.store.batchErr = errors.New("connection reset")
	if err := intake.HandleNotification(ctx, body, nil); err == nil {
		t.Fatal("a failed fan-out must not be acknowledged")
	}
	if guard.marked["courier:seen:notification:notif-1"] {
		t.Fatal("an unfinished notification must not be marked seen")
	}

	// The broker redelivers after the crash; this time it must go all
	// the way through.
	p.store.batchErr = nil
	if err := intake.HandleNotification(ctx, body, nil); err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if p.pushProv.calls != 1 {
		t.Errorf("provider calls = %d, want 1 on replay", p.pushProv.calls)
	}
	if len(p.store.inserted) == 0 {
		t.Error("replay must leave an audit trail")
	}
	if !guard.marked["courier:seen:notification:notif-1"] {
		t.Error("settled replay must be marked seen")
	}
}

// A replayed channel task that never concluded must run again; the seen
// mark appears only after the attempt settles.
func TestIntakeCrashReplayReprocessesUnfinishedTask(t *testing.T) {
	p := newTestPipeline(DefaultRetryPolicy)
	guard := &mockGuard{}
	intake := newTestIntake(p, guard)
	ctx := context.Background()

	body, _ := json.Marshal(newTestTask(types.ChannelPush, 1))

	p.store.insertErr = errors.New("connection reset")
	if err := intake.HandleChannelTask(ctx, body, nil); err == nil {
		t.Fatal("a failed attempt must not be acknowledged")
	}
	if len(guard.marked) != 0 {
		t.Fatal("an unfinished task must not be marked seen")
	}

	p.store.insertErr = nil
	if err := intake.HandleChannelTask(ctx, body, nil); err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if p.pushProv.calls != 1 {
		t.Errorf("provider calls = %d, want 1 on replay", p.pushProv.calls)
	}
	if !guard.marked["courier:seen:task:notif-1:chan-push:1"] {
		t.Errorf("settled task must be marked seen, marked = %v", guard.marked)
	}
}

func TestIntakeGuardFailureIsOpen(t *testing.T) {
	p := newTestPipeline(DefaultRetryPolicy)
	guard := &mockGuard{err: errors.New("redis down")}
	intake := newTestIntake(p, guard)

	body, _ := json.Marshal(newTestMessage(types.ChannelPush))
	if err := intake.HandleNotification(context.Background(), body, nil); err != nil {
		t.Fatalf("HandleNotification returned error: %v", err)
	}
	if p.pushProv.calls != 1 {
		t.Error("a broken idempotency store must not stall delivery")
	}
}

func TestIntakeChannelTaskSkipsConcludedLineage(t *testing.T) {
	p := newTestPipeline(DefaultRetryPolicy)
	p.store.terminal = true
	intake := newTestIntake(p, nil)

	body, _ := json.Marshal(newTestTask(types.ChannelPush, 1))
	if err := intake.HandleChannelTask(context.Background(), body, nil); err != nil {
		t.Fatalf("HandleChannelTask returned error: %v", err)
	}
	if p.pushProv.calls != 0 {
		t.Error("a concluded lineage must not be delivered again")
	}
}

func TestIntakeChannelTaskProcessesRetry(t *testing.T) {
	p := newTestPipeline(DefaultRetryPolicy)
	intake := newTestIntake(p, nil)

	body, _ := json.Marshal(newTestTask(types.ChannelPush, 1))
	if err := intake.HandleChannelTask(context.Background(), body, nil); err != nil {
		t.Fatalf("HandleChannelTask returned error: %v", err)
	}

	if p.pushProv.calls != 1 {
		t.Fatalf("expected one provider call, got %d", p.pushProv.calls)
	}
	stages := p.store.stages()
	want := []types.DeliveryStage{types.StageProviderCalled, types.StageProviderSuccess}
	if len(stages) != len(want) || stages[0] != want[0] || stages[1] != want[1] {
		t.Errorf("stages = %v, want %v", stages, want)
	}
}

// TestPushTimeoutsExhaustIntoDeadLetter walks one push lineage through
// three transient failures: intake fan-out, two queue re-entries, then
// dead-letter, verifying the complete audit trail.
func TestPushTimeoutsExhaustIntoDeadLetter(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}
	p := newTestPipeline(policy)
	p.pushProv.err = errors.New("upstream timeout")
	intake := newTestIntake(p, nil)
	ctx := context.Background()

	body, _ := json.Marshal(newTestMessage(types.ChannelPush))
	if err := intake.HandleNotification(ctx, body, nil); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}

	// Each retry re-enters through the push channel queue with the
	// incremented attempt count the publisher stamped.
	for i := 0; i < 2; i++ {
		if len(p.publisher.retries) != i+1 {
			t.Fatalf("after attempt %d: retries = %d, want %d", i+1, len(p.publisher.retries), i+1)
		}
		taskBody, _ := json.Marshal(p.publisher.retries[i])
		if err := intake.HandleChannelTask(ctx, taskBody, nil); err != nil {
			t.Fatalf("attempt %d: %v", i+2, err)
		}
	}

	if p.pushProv.calls != 3 {
		t.Errorf("provider calls = %d, want 3", p.pushProv.calls)
	}
	if len(p.publisher.retries) != 2 {
		t.Errorf("retries = %d, want 2", len(p.publisher.retries))
	}
	if len(p.publisher.deadLetters) != 1 {
		t.Fatalf("dead-letters = %d, want 1", len(p.publisher.deadLetters))
	}
	if p.publisher.deadLetters[0].AttemptCount != 2 {
		t.Errorf("dead-lettered attempt count = %d, want 2", p.publisher.deadLetters[0].AttemptCount)
	}

	stages := p.store.stages()
	want := []types.DeliveryStage{
		types.StageRouted,
		types.StageProviderCalled, types.StageProviderFailed,
		types.StageProviderCalled, types.StageProviderFailed,
		types.StageProviderCalled, types.StageProviderFailed, types.StageProcessingFailed,
	}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage[%d] = %s, want %s", i, stages[i], want[i])
		}
	}
}

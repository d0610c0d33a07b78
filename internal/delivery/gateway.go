package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"courier/internal/provider"
	"courier/internal/queue"
	"courier/internal/types"
)

// ProviderAuditPublisher emits raw provider call diagnostics. Best-effort.
type ProviderAuditPublisher interface {
	PublishProviderAudit(ctx context.Context, rec queue.ProviderCallRecord) error
}

// Gateway executes a single provider delivery attempt for one channel,
// guarded by the circuit breaker. It owns the provider_called audit row;
// the dispatcher records what happened afterwards.
//
// A non-nil error from Deliver means the attempt could not be durably
// recorded and the task must not be acknowledged. Provider failures are
// not errors in this sense; they come back inside the DeliveryOutcome.
type Gateway struct {
	channel     types.ChannelType
	prov        provider.Provider
	breaker     Breaker
	recorder    *Recorder
	audit       ProviderAuditPublisher
	callTimeout time.Duration
	metrics     NotificationMetrics
	clock       types.Clock
	logger      types.Logger
}

// NewGateway creates a Gateway for one channel/provider pair. audit and
// metrics may be nil to disable the provider_request_response stream and
// latency telemetry respectively.
func NewGateway(channel types.ChannelType, prov provider.Provider, brk Breaker, recorder *Recorder, audit ProviderAuditPublisher, callTimeout time.Duration, metrics NotificationMetrics, clock types.Clock, logger types.Logger) *Gateway {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Gateway{
		channel:     channel,
		prov:        prov,
		breaker:     brk,
		recorder:    recorder,
		audit:       audit,
		callTimeout: callTimeout,
		metrics:     metrics,
		clock:       clock,
		logger:      logger,
	}
}

// Channel returns the channel this gateway serves.
func (g *Gateway) Channel() types.ChannelType {
	return g.channel
}

// ProviderName returns the name of the underlying provider.
func (g *Gateway) ProviderName() string {
	return g.prov.Name()
}

// Deliver runs one provider attempt for the task.
//
// Order of operations: breaker admission check first (a short-circuited
// attempt records no provider_called row; the provider was never
// contacted), then the provider_called row, then the provider call under
// the per-call timeout, then breaker bookkeeping. Permanent failures
// neither trip nor reset the breaker (they say nothing about provider
// health), but they still release the admitted slot so a half-open
// trial cannot be left dangling.
func (g *Gateway) Deliver(ctx context.Context, task types.ChannelDeliveryTask) (DeliveryOutcome, error) {
	providerName := g.prov.Name()
	channelID := task.Template.ChannelID

	if !g.breaker.Allow(channelID, providerName) {
		g.logger.Warn("circuit breaker open, skipping provider call",
			"notification_id", task.Message.NotificationID,
			"channel_id", channelID,
			"provider", providerName)
		return DeliveryOutcome{
			Result:       OutcomeCircuitOpen,
			ProviderName: providerName,
		}, nil
	}

	reqID := uuid.NewString()

	called := &types.DeliveryLog{
		NotificationID: task.Message.NotificationID,
		EventID:        task.Message.EventID,
		EventName:      task.Message.EventName,
		ChannelID:      channelID,
		ChannelName:    task.Template.ChannelName,
		ProviderName:   providerName,
		ProviderReqID:  reqID,
		Stage:          types.StageProviderCalled,
		Status:         types.StatusPending,
	}
	if err := g.recorder.Record(ctx, called); err != nil {
		// The attempt cannot be audited, so it must not happen. The
		// admission says nothing about provider health; release it so a
		// half-open key is not wedged by the aborted trial.
		g.breaker.ReleaseTrial(channelID, providerName)
		return DeliveryOutcome{}, err
	}

	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	start := g.clock.Now()
	messageID, err := g.prov.Send(callCtx, task.Template)
	duration := g.clock.Now().Sub(start)

	outcome := DeliveryOutcome{
		ProviderName:      providerName,
		ProviderMessageID: messageID,
		ProviderReqID:     reqID,
		Err:               err,
	}

	if err == nil {
		outcome.Result = OutcomeSuccess
		g.breaker.RecordSuccess(channelID, providerName)
	} else {
		switch provider.Classify(err) {
		case provider.FailurePermanent:
			outcome.Result = OutcomePermanentFailure
			// Says nothing about provider health, but the admitted slot
			// must still be handed back.
			g.breaker.ReleaseTrial(channelID, providerName)
		default:
			outcome.Result = OutcomeTransientFailure
			g.breaker.RecordFailure(channelID, providerName)
		}
	}

	if g.metrics != nil {
		g.metrics.RecordLatency(ctx, g.channel, duration)
	}
	g.publishCallRecord(ctx, task, outcome, duration)

	return outcome, nil
}

func (g *Gateway) publishCallRecord(ctx context.Context, task types.ChannelDeliveryTask, outcome DeliveryOutcome, duration time.Duration) {
	if g.audit == nil {
		return
	}

	rec := queue.ProviderCallRecord{
		NotificationID: task.Message.NotificationID,
		ChannelID:      task.Template.ChannelID,
		ProviderName:   outcome.ProviderName,
		ProviderReqID:  outcome.ProviderReqID,
		AttemptCount:   task.AttemptCount + 1,
		DurationMS:     duration.Milliseconds(),
		Success:        outcome.Result == OutcomeSuccess,
		Timestamp:      g.clock.Now(),
	}
	if outcome.Err != nil {
		rec.Error = outcome.Err.Error()
	}

	if err := g.audit.PublishProviderAudit(ctx, rec); err != nil {
		g.logger.Warn("failed to publish provider call record",
			"notification_id", task.Message.NotificationID,
			"provider", outcome.ProviderName,
			"error", err)
	}
}

package delivery

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"courier/internal/types"
)

// Router fans a notification out into independent per-channel delivery
// lineages and runs each through its channel gateway and the dispatcher.
//
// Fan-out is fire-and-track: Route returns once every lineage has its
// routed row on record and a worker goroutine, and the returned
// RouteResult lets the caller wait for all of them before acknowledging
// the source message. Lineages never block each other; one channel's
// failure leaves the others untouched.
type Router struct {
	gateways    map[types.ChannelType]*Gateway
	dispatcher  *Dispatcher
	recorder    *Recorder
	concurrency int
	logger      types.Logger

	inFlight sync.WaitGroup
}

// NewRouter creates a Router over the given channel gateways.
// concurrency bounds the number of simultaneous provider calls per
// routed notification; zero or negative means unbounded.
func NewRouter(gateways map[types.ChannelType]*Gateway, dispatcher *Dispatcher, recorder *Recorder, concurrency int, logger types.Logger) *Router {
	return &Router{
		gateways:    gateways,
		dispatcher:  dispatcher,
		recorder:    recorder,
		concurrency: concurrency,
		logger:      logger,
	}
}

// RouteResult tracks the lineages spawned by one Route call.
type RouteResult struct {
	group *errgroup.Group
}

// Wait blocks until every lineage from the Route call has settled and
// returns the first escalation error, if any. A non-nil return means at
// least one lineage could not durably record its outcome and the source
// message must be left for redelivery.
func (r *RouteResult) Wait() error {
	return r.group.Wait()
}

// Route records one routed row per rendered template as a single
// transactional unit, then starts a delivery lineage for each. Templates
// whose channel has no configured gateway are concluded immediately with
// a processing_failed row rather than silently dropped.
func (r *Router) Route(ctx context.Context, msg types.NotificationMessage) (*RouteResult, error) {
	routed := make([]*types.DeliveryLog, 0, len(msg.RenderedTemplates))
	for _, tmpl := range msg.RenderedTemplates {
		routed = append(routed, &types.DeliveryLog{
			NotificationID: msg.NotificationID,
			EventID:        msg.EventID,
			EventName:      msg.EventName,
			ChannelID:      tmpl.ChannelID,
			ChannelName:    tmpl.ChannelName,
			Stage:          types.StageRouted,
			Status:         types.StatusPending,
		})
	}

	if err := r.recorder.RecordAll(ctx, routed); err != nil {
		return nil, err
	}

	r.logger.Info("notification routed",
		"notification_id", msg.NotificationID,
		"event_name", msg.EventName,
		"channels", len(msg.RenderedTemplates))

	group := &errgroup.Group{}
	if r.concurrency > 0 {
		group.SetLimit(r.concurrency)
	}

	for _, tmpl := range msg.RenderedTemplates {
		task := types.ChannelDeliveryTask{
			Message:  msg,
			Template: tmpl,
		}
		r.inFlight.Add(1)
		group.Go(func() error {
			defer r.inFlight.Done()
			return r.Process(ctx, task)
		})
	}

	return &RouteResult{group: group}, nil
}

// Process runs one delivery attempt for a task and settles it. This is
// the shared path for both freshly routed tasks and retries re-entering
// from the per-channel queues.
func (r *Router) Process(ctx context.Context, task types.ChannelDeliveryTask) error {
	gateway, ok := r.gateways[task.Template.ChannelName]
	if !ok {
		return r.failUnroutable(ctx, task)
	}

	outcome, err := gateway.Deliver(ctx, task)
	if err != nil {
		return err
	}

	return r.dispatcher.Handle(ctx, task, outcome)
}

// Wait blocks until all in-flight lineages across all Route calls have
// drained. Used during graceful shutdown.
func (r *Router) Wait() {
	r.inFlight.Wait()
}

// failUnroutable concludes a lineage whose channel has no gateway. This
// happens only under misconfiguration; the terminal row keeps the audit
// trail honest about it.
func (r *Router) failUnroutable(ctx context.Context, task types.ChannelDeliveryTask) error {
	r.logger.Error("no gateway configured for channel",
		"notification_id", task.Message.NotificationID,
		"channel", task.Template.ChannelName)

	return r.recorder.Record(ctx, &types.DeliveryLog{
		NotificationID: task.Message.NotificationID,
		EventID:        task.Message.EventID,
		EventName:      task.Message.EventName,
		ChannelID:      task.Template.ChannelID,
		ChannelName:    task.Template.ChannelName,
		Stage:          types.StageProcessingFailed,
		Status:         types.StatusFailed,
		ErrorMessage:   fmt.Sprintf("no gateway configured for channel %q", task.Template.ChannelName),
	})
}

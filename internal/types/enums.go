package types

// ChannelType identifies a delivery medium. Each channel has its own
// provider, task queue, and dead-letter queue.
type ChannelType string

const (
	ChannelPush  ChannelType = "push"
	ChannelEmail ChannelType = "email"
)

// Valid reports whether the channel type is one of the closed set.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelPush, ChannelEmail:
		return true
	}
	return false
}

// Channels lists every supported channel type. Used to size per-channel
// wiring (gateways, queues) at startup.
func Channels() []ChannelType {
	return []ChannelType{ChannelPush, ChannelEmail}
}

// DeliveryStage is a named point in a delivery attempt's lifecycle. Stages
// form the append-only history of a (notification, channel) pair; the
// relative order of rows defines the observable lifecycle of that delivery.
type DeliveryStage string

const (
	StageRouted             DeliveryStage = "routed"
	StageProviderCalled     DeliveryStage = "provider_called"
	StageProviderSuccess    DeliveryStage = "provider_success"
	StageProviderFailed     DeliveryStage = "provider_failed"
	StageCircuitBreakerOpen DeliveryStage = "circuit_breaker_open"
	StageProcessingFailed   DeliveryStage = "processing_failed"
)

// Valid reports whether the stage is one of the closed set. Records with an
// unrecognized stage are quarantined at the deserialization boundary rather
// than propagated.
func (s DeliveryStage) Valid() bool {
	switch s {
	case StageRouted, StageProviderCalled, StageProviderSuccess,
		StageProviderFailed, StageCircuitBreakerOpen, StageProcessingFailed:
		return true
	}
	return false
}

// Terminal reports whether the stage ends a delivery history. Retried
// attempts produce additional provider_called/provider_failed pairs before
// one of these.
func (s DeliveryStage) Terminal() bool {
	switch s {
	case StageProviderSuccess, StageProcessingFailed:
		return true
	}
	return false
}

// DeliveryStatus is the outcome recorded alongside a stage.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSuccess DeliveryStatus = "success"
	StatusFailed  DeliveryStatus = "failed"
)

// Valid reports whether the status is one of the closed set.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

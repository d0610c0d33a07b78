// Package config defines the delivery worker's configuration. It is
// loaded once at process startup and immutable thereafter, following
// 12-Factor principles: values come from the OS environment, with an
// optional .env file for local development.
//
// Any missing required value or invalid format fails the process
// immediately on startup.
package config

import (
	"time"

	"courier/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret
// type used to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration for the delivery worker.
// Sub-components receive only the subsets they require.
type Config struct {
	// System metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"courier-delivery-worker"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Worker   WorkerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Queues   QueueConfig
	Breaker  BreakerConfig
	Retry    RetryConfig
	Push     PushConfig
	Email    EmailConfig
	Redis    RedisConfig
	Ops      OpsConfig

	// Build metadata (injected via ldflags, not env)
	Build BuildInfo
}

// WorkerConfig tunes the consumer loops and shutdown behavior.
type WorkerConfig struct {
	Concurrency     int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"30s"`

	// Broker reconnect backoff on receive failures.
	ReconnectRetries   int           `envconfig:"BROKER_RECONNECT_RETRIES" default:"5"`
	ReconnectBaseDelay time.Duration `envconfig:"BROKER_RECONNECT_BASE_DELAY" default:"1s"`
}

// DatabaseConfig holds connection and pool tuning parameters for the
// delivery log store.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds regional configuration shared by the SQS and
// CloudWatch clients.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// QueueConfig maps each pipeline topic to its queue URL. The audit
// streams are optional; an empty URL disables them.
type QueueConfig struct {
	Notification  string `envconfig:"SQS_NOTIFICATION" validate:"required,url"`
	Push          string `envconfig:"SQS_NOTIFICATION_PUSH" validate:"required,url"`
	Email         string `envconfig:"SQS_NOTIFICATION_EMAIL" validate:"required,url"`
	DeliveryLogs  string `envconfig:"SQS_DELIVERY_LOGS"`
	ProviderAudit string `envconfig:"SQS_PROVIDER_REQUEST_RESPONSE"`

	NotificationDLQ string `envconfig:"SQS_NOTIFICATION_DLQ" validate:"required,url"`
	PushDLQ         string `envconfig:"SQS_NOTIFICATION_PUSH_DLQ" validate:"required,url"`
	EmailDLQ        string `envconfig:"SQS_NOTIFICATION_EMAIL_DLQ" validate:"required,url"`
}

// BreakerConfig tunes the per-(channel, provider) circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	CoolDown         time.Duration `envconfig:"BREAKER_COOL_DOWN" default:"30s"`
	CoolDownFactor   float64       `envconfig:"BREAKER_COOL_DOWN_FACTOR" default:"2.0"`
	MaxCoolDown      time.Duration `envconfig:"BREAKER_MAX_COOL_DOWN" default:"10m"`
}

// RetryConfig tunes the delivery retry policy.
type RetryConfig struct {
	MaxAttempts   int           `envconfig:"DELIVERY_MAX_ATTEMPTS" default:"3"`
	BaseDelay     time.Duration `envconfig:"DELIVERY_RETRY_BASE_DELAY" default:"5s"`
	MaxDelay      time.Duration `envconfig:"DELIVERY_RETRY_MAX_DELAY" default:"5m"`
	BackoffFactor float64       `envconfig:"DELIVERY_RETRY_BACKOFF_FACTOR" default:"2.0"`

	// ProviderTimeout bounds each individual provider call.
	ProviderTimeout time.Duration `envconfig:"PROVIDER_CALL_TIMEOUT" default:"10s"`
}

// PushConfig holds push provider credentials.
type PushConfig struct {
	Endpoint string       `envconfig:"PUSH_ENDPOINT" validate:"required,url"`
	APIKey   SecretString `envconfig:"PUSH_API_KEY" validate:"required"`
}

// EmailConfig holds email provider credentials.
type EmailConfig struct {
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required"`
	BaseURL        string       `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" validate:"required,email"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"Courier"`
}

// RedisConfig holds the idempotency guard settings. An empty address
// disables the guard.
type RedisConfig struct {
	Addr           string        `envconfig:"REDIS_ADDR"`
	Password       SecretString  `envconfig:"REDIS_PASSWORD"`
	DB             int           `envconfig:"REDIS_DB" default:"0"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
}

// OpsConfig holds the operational HTTP server settings.
type OpsConfig struct {
	Port string `envconfig:"OPS_PORT" default:"8080"`
}

// BuildInfo holds build-time metadata injected via ldflags. These values
// are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure parsing environment values into
	// their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

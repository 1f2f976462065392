// Package config defines the global configuration structure for the snapcue
// platform. Configuration is loaded once at process initialization (Lambda
// cold start) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails the process immediately
// on startup.
package config

import (
	"time"

	"snapcue/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used in configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the snapcue platform.
// It is populated once during process initialization and never modified.
// Components receive only the config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"snapcue"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	AWS           AWSConfig
	Scheduler     SchedulerConfig
	Publish       PublishConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig

	// Build Metadata (injected via ldflags, not env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration for the registration API.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// AdminAPIKey authorizes tenant registration calls.
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Resource Identifiers
	ScheduleBucket string `envconfig:"SCHEDULE_BUCKET" validate:"required"`
	ArchiveBucket  string `envconfig:"ARCHIVE_BUCKET"` // cold storage for rotated journal buckets
	PublishQueue   string `envconfig:"SQS_PUBLISH_JOBS" validate:"required,url"`
	PollQueue      string `envconfig:"SQS_TENANT_POLLS" validate:"omitempty,url"`

	// CredentialPrefix is the SSM Parameter Store path prefix under which
	// per-tenant publish credentials are written.
	CredentialPrefix string `envconfig:"CREDENTIAL_SSM_PREFIX" default:"/snapcue/tenants"`

	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SchedulerConfig holds dispatch timing parameters.
//
// Lookahead must be at least twice TickInterval: a job landing in the gap
// between one scan's horizon and the next scan would otherwise be missed
// until the following tick. It must also stay within the delivery queue's
// 900s delay ceiling, or jobs would be delivered before their scheduled
// time. The loader enforces both.
type SchedulerConfig struct {
	TickInterval    time.Duration `envconfig:"DISPATCH_INTERVAL" default:"5m"`
	Lookahead       time.Duration `envconfig:"DISPATCH_LOOKAHEAD" default:"10m"`
	PollBackoff     time.Duration `envconfig:"POLL_RETRY_BACKOFF" default:"30s"`
	PollMaxAttempts int           `envconfig:"POLL_MAX_ATTEMPTS" default:"3"`

	// MinLeadTime is the minimum distance in the future a publish time must
	// be to be accepted by the schedule API.
	MinLeadTime time.Duration `envconfig:"SCHEDULE_MIN_LEAD" default:"5m"`
}

// PublishConfig holds remote publish API settings.
type PublishConfig struct {
	BaseURL   string        `envconfig:"PUBLISH_API_URL" validate:"required,url"`
	UserAgent string        `envconfig:"PUBLISH_USER_AGENT" default:"snapcue-publisher/1.0"`
	Timeout   time.Duration `envconfig:"PUBLISH_TIMEOUT" default:"10s"`
}

// MaintenanceConfig holds journal rotation settings.
type MaintenanceConfig struct {
	// JournalRetention is how long daily journal buckets stay in the live
	// bucket before the archiver compresses them into cold storage.
	JournalRetention time.Duration `envconfig:"JOURNAL_RETENTION" default:"720h"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Snapcue"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure parsing environment values into their
	// target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

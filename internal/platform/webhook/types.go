// Package webhook implements the outbound webhook pipeline: routing events to
// endpoints, signing and delivering payloads from a work queue, recording each
// attempt, and handling jobs that exhausted queue redelivery.
package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// HealthStatus is the operational state of a webhook endpoint.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDisabled  HealthStatus = "disabled"
)

// HealthPolicy holds the failure-count thresholds applied by the dead-letter
// consumer.
type HealthPolicy struct {
	DegradedAt  int
	UnhealthyAt int
	DisableAt   int
}

// DefaultHealthPolicy returns thresholds of 5 (degraded), 10 (unhealthy) and
// 20 (disabled).
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{DegradedAt: 5, UnhealthyAt: 10, DisableAt: 20}
}

// StatusFor derives the health status for a failure count. A disabled endpoint
// stays disabled, and counts below the degraded threshold leave the current
// status unchanged.
func (p HealthPolicy) StatusFor(failureCount int, current HealthStatus) HealthStatus {
	switch {
	case current == HealthDisabled:
		return current
	case failureCount >= p.UnhealthyAt:
		return HealthUnhealthy
	case failureCount >= p.DegradedAt:
		return HealthDegraded
	default:
		return current
	}
}

// ShouldDisable reports whether an endpoint with the given failure count must
// be taken out of rotation.
func (p HealthPolicy) ShouldDisable(failureCount int) bool {
	return failureCount >= p.DisableAt
}

// ---------------------------------------------------------------------------
// Queue messages
// ---------------------------------------------------------------------------

// Environment values accepted on jobs and configs.
const (
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// DeliveryJob is the queued unit of work: one event to one endpoint.
type DeliveryJob struct {
	WebhookConfigID string          `json:"webhookConfigId"`
	OrganizationID  string          `json:"organizationId"`
	Environment     string          `json:"environment"`
	URL             string          `json:"url"`
	SecretID        string          `json:"secretId"`
	EventType       string          `json:"eventType"`
	EventData       json.RawMessage `json:"eventData"`
	Timestamp       time.Time       `json:"timestamp"`
	UserID          string          `json:"userId,omitempty"`
	Attempt         int             `json:"attempt"`
	MaxAttempts     int             `json:"maxAttempts"`
}

// Message is a queue message independent of the transport that delivered it.
type Message struct {
	ID           string
	Body         string
	ReceiveCount int
	// ReceiptHandle is set when the message came from a polling worker.
	ReceiptHandle string
}

// ---------------------------------------------------------------------------
// Delivery records
// ---------------------------------------------------------------------------

// DeliveryStatus is the lifecycle state of a DeliveryRecord.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryCompleted DeliveryStatus = "completed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryRecord is the durable audit row for one delivery attempt.
type DeliveryRecord struct {
	ID              uuid.UUID      `json:"id"`
	WebhookConfigID uuid.UUID      `json:"webhook_config_id"`
	EventType       string         `json:"event_type"`
	Payload         string         `json:"payload"`
	Status          DeliveryStatus `json:"status"`
	AttemptNumber   int            `json:"attempt_number"`
	HTTPStatusCode  *int           `json:"http_status_code,omitempty"`
	ResponseBody    *string        `json:"response_body,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// FailedDelivery is reconstructed from a dead-lettered message. It is never
// persisted.
type FailedDelivery struct {
	WebhookConfigID string
	OrganizationID  string
	Environment     string
	EventType       string
	FailureReason   string
	Payload         string
	Attempts        int
}

// unknownValue fills FailedDelivery fields that could not be parsed.
const unknownValue = "unknown"

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// Endpoint is the routing view of a webhook config.
type Endpoint struct {
	ID             uuid.UUID
	OrganizationID string
	Environment    string
	URL            string
	SecretID       string
	Events         []string
	MaxRetries     int
}

// FailureUpdate is the result of atomically incrementing an endpoint's
// failure counter.
type FailureUpdate struct {
	FailureCount int
	HealthStatus HealthStatus
	IsActive     bool
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// DeliveryStore persists delivery records.
type DeliveryStore interface {
	UpsertDelivery(ctx context.Context, rec *DeliveryRecord) error
}

// HealthStore mutates webhook config health fields.
type HealthStore interface {
	// IncrementFailure atomically adds one to failure_count, stamps
	// last_failure_at and applies the policy's degraded/unhealthy thresholds.
	IncrementFailure(ctx context.Context, configID uuid.UUID, policy HealthPolicy) (*FailureUpdate, error)
	// Disable deactivates the config. It returns false when the config was
	// already disabled.
	Disable(ctx context.Context, configID uuid.UUID, reason string) (bool, error)
	// MarkSuccess stamps last_success_at.
	MarkSuccess(ctx context.Context, configID uuid.UUID) error
	// CountRecentFailures counts failed delivery records for an organization
	// updated since the given time.
	CountRecentFailures(ctx context.Context, organizationID string, since time.Time) (int, error)
}

// EndpointLister finds active endpoints that should receive an event.
type EndpointLister interface {
	ListActiveEndpoints(ctx context.Context, organizationID, environment string) ([]Endpoint, error)
}

// DeliveryPurger removes delivery records created before a cutoff.
type DeliveryPurger interface {
	PurgeDeliveries(ctx context.Context, before time.Time) (int64, error)
}

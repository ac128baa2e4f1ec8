package webhook

import (
	"time"

	"github.com/google/uuid"

	pipeline "github.com/foresight/rcm/internal/platform/webhook"
)

// WebhookConfig is an organization's registered delivery endpoint.
type WebhookConfig struct {
	ID             uuid.UUID             `json:"id"`
	OrganizationID string                `json:"organization_id"`
	Name           string                `json:"name"`
	URL            string                `json:"url"`
	Environment    string                `json:"environment"`
	Events         []string              `json:"events"`
	SecretID       string                `json:"secret_id"`
	MaxRetries     int                   `json:"max_retries"`
	IsActive       bool                  `json:"is_active"`
	HealthStatus   pipeline.HealthStatus `json:"health_status"`
	FailureCount   int                   `json:"failure_count"`
	LastFailureAt  *time.Time            `json:"last_failure_at,omitempty"`
	LastSuccessAt  *time.Time            `json:"last_success_at,omitempty"`
	DisabledAt     *time.Time            `json:"disabled_at,omitempty"`
	DisabledReason *string               `json:"disabled_reason,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Endpoint returns the routing view used by the event router.
func (w *WebhookConfig) Endpoint() pipeline.Endpoint {
	return pipeline.Endpoint{
		ID:             w.ID,
		OrganizationID: w.OrganizationID,
		Environment:    w.Environment,
		URL:            w.URL,
		SecretID:       w.SecretID,
		Events:         w.Events,
		MaxRetries:     w.MaxRetries,
	}
}

// CreateRequest is the body of POST /webhooks.
type CreateRequest struct {
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Environment string   `json:"environment"`
	Events      []string `json:"events"`
	MaxRetries  *int     `json:"max_retries"`
}

// UpdateRequest is the body of PUT /webhooks/:id. Nil fields are left as is.
type UpdateRequest struct {
	Name       *string  `json:"name"`
	URL        *string  `json:"url"`
	Events     []string `json:"events"`
	MaxRetries *int     `json:"max_retries"`
	IsActive   *bool    `json:"is_active"`
}

const (
	DefaultMaxRetries = 3
	MaxMaxRetries     = 10
	maxNameLength     = 255
)

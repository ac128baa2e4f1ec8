package webhook

import (
	"context"
	"errors"

	"github.com/google/uuid"

	pipeline "github.com/foresight/rcm/internal/platform/webhook"
)

var (
	ErrNotFound         = pipeline.ErrConfigNotFound
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrDuplicate        = errors.New("webhook name already exists for this environment")
)

// WebhookRepository is the organization-scoped admin view of webhook configs.
// Every lookup filters on organization so one organization cannot read or
// change another's endpoints.
type WebhookRepository interface {
	Create(ctx context.Context, w *WebhookConfig) error
	GetByID(ctx context.Context, orgID string, id uuid.UUID) (*WebhookConfig, error)
	Update(ctx context.Context, w *WebhookConfig) error
	Deactivate(ctx context.Context, orgID string, id uuid.UUID) error
	Reactivate(ctx context.Context, orgID string, id uuid.UUID) (*WebhookConfig, error)
	List(ctx context.Context, orgID string, limit, offset int) ([]*WebhookConfig, int, error)
	ListDeliveries(ctx context.Context, orgID string, configID uuid.UUID, limit, offset int) ([]*pipeline.DeliveryRecord, int, error)
	GetDelivery(ctx context.Context, orgID string, configID, deliveryID uuid.UUID) (*pipeline.DeliveryRecord, error)
}

// Store is everything the API and the delivery pipeline need from storage.
type Store interface {
	WebhookRepository
	pipeline.DeliveryStore
	pipeline.HealthStore
	pipeline.EndpointLister
	pipeline.DeliveryPurger
}

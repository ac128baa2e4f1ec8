package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foresight/rcm/internal/platform/db"
	pipeline "github.com/foresight/rcm/internal/platform/webhook"
)

// ErrInvalid marks request validation failures.
var ErrInvalid = errors.New("invalid webhook")

// TestEventType is the event sent by POST /webhooks/:id/test.
const TestEventType = "webhook.test"

// ServiceConfig carries the service's collaborators.
type ServiceConfig struct {
	Repo             WebhookRepository
	DB               db.TxBeginner
	Secrets          pipeline.SecretCreator
	Queue            pipeline.Enqueuer
	SecretNamePrefix string
	// RequireHTTPS rejects plain http endpoints for every environment.
	RequireHTTPS bool
	Logger       zerolog.Logger
}

// Service provides business logic for webhook management.
type Service struct {
	repo         WebhookRepository
	db           db.TxBeginner
	secrets      pipeline.SecretCreator
	queue        pipeline.Enqueuer
	secretPrefix string
	requireHTTPS bool
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{
		repo:         cfg.Repo,
		db:           cfg.DB,
		secrets:      cfg.Secrets,
		queue:        cfg.Queue,
		secretPrefix: strings.TrimSuffix(cfg.SecretNamePrefix, "/"),
		requireHTTPS: cfg.RequireHTTPS,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

// resolveHost is a variable to allow test injection.
var resolveHost = net.LookupHost

var metadataIP = net.ParseIP("169.254.169.254")

func validateEndpointURL(endpoint, environment string, requireHTTPS bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: invalid endpoint URL: %v", ErrInvalid, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: endpoint URL scheme must be http or https, got %q", ErrInvalid, u.Scheme)
	}
	if scheme != "https" && (requireHTTPS || environment == pipeline.EnvProduction) {
		return fmt.Errorf("%w: production endpoints must use https", ErrInvalid)
	}

	hostname := u.Hostname()
	lower := strings.ToLower(hostname)
	if lower == "" || lower == "localhost" || strings.HasSuffix(lower, ".localhost") || lower == "0.0.0.0" || lower == "::" {
		return fmt.Errorf("%w: endpoint hostname %q is not allowed", ErrInvalid, hostname)
	}

	ips, err := resolveHost(hostname)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve endpoint hostname %q: %v", ErrInvalid, hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.Equal(metadataIP) {
			return fmt.Errorf("%w: endpoint resolves to cloud metadata IP %s", ErrInvalid, ipStr)
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: endpoint resolves to private/reserved IP %s", ErrInvalid, ipStr)
		}
	}
	return nil
}

// validateEvents accepts exact event types, "*" and "prefix.*" patterns.
func validateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrInvalid)
	}
	for _, ev := range events {
		if ev == "*" {
			continue
		}
		base := strings.TrimSuffix(ev, ".*")
		if base == "" || strings.Contains(base, "*") || strings.ContainsAny(base, " \t") ||
			strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".") {
			return fmt.Errorf("%w: invalid event pattern %q", ErrInvalid, ev)
		}
	}
	return nil
}

func validateMaxRetries(n int) error {
	if n < 1 || n > MaxMaxRetries {
		return fmt.Errorf("%w: max_retries must be between 1 and %d", ErrInvalid, MaxMaxRetries)
	}
	return nil
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.db == nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, s.db, fn)
}

// Create validates the request, provisions a signing secret and stores the
// config for orgID.
func (s *Service) Create(ctx context.Context, orgID string, req CreateRequest) (*WebhookConfig, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > maxNameLength {
		return nil, fmt.Errorf("%w: name is required and must be at most %d characters", ErrInvalid, maxNameLength)
	}
	if req.Environment == "" {
		req.Environment = pipeline.EnvProduction
	}
	if req.Environment != pipeline.EnvStaging && req.Environment != pipeline.EnvProduction {
		return nil, fmt.Errorf("%w: environment must be staging or production", ErrInvalid)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalid)
	}
	if err := validateEndpointURL(req.URL, req.Environment, s.requireHTTPS); err != nil {
		return nil, err
	}
	if err := validateEvents(req.Events); err != nil {
		return nil, err
	}
	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if err := validateMaxRetries(maxRetries); err != nil {
		return nil, err
	}

	w := &WebhookConfig{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Name:           req.Name,
		URL:            req.URL,
		Environment:    req.Environment,
		Events:         req.Events,
		MaxRetries:     maxRetries,
	}

	secretName := fmt.Sprintf("%s/%s/%s", s.secretPrefix, orgID, w.ID)
	secretID, err := s.secrets.Create(ctx, secretName)
	if err != nil {
		return nil, fmt.Errorf("create signing secret: %w", err)
	}
	w.SecretID = secretID

	if err := s.repo.Create(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("organization_id", orgID).
		Str("webhook_config_id", w.ID.String()).
		Str("environment", w.Environment).
		Msg("webhook created")
	return w, nil
}

func (s *Service) Get(ctx context.Context, orgID string, id uuid.UUID) (*WebhookConfig, error) {
	return s.repo.GetByID(ctx, orgID, id)
}

func (s *Service) List(ctx context.Context, orgID string, limit, offset int) ([]*WebhookConfig, int, error) {
	return s.repo.List(ctx, orgID, limit, offset)
}

// Update applies the non-nil fields of req. Health fields are untouched.
func (s *Service) Update(ctx context.Context, orgID string, id uuid.UUID, req UpdateRequest) (*WebhookConfig, error) {
	var out *WebhookConfig
	err := s.inTx(ctx, func(ctx context.Context) error {
		w, err := s.repo.GetByID(ctx, orgID, id)
		if err != nil {
			return err
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" || len(name) > maxNameLength {
				return fmt.Errorf("%w: name must be 1 to %d characters", ErrInvalid, maxNameLength)
			}
			w.Name = name
		}
		if req.URL != nil {
			if err := validateEndpointURL(*req.URL, w.Environment, s.requireHTTPS); err != nil {
				return err
			}
			w.URL = *req.URL
		}
		if req.Events != nil {
			if err := validateEvents(req.Events); err != nil {
				return err
			}
			w.Events = req.Events
		}
		if req.MaxRetries != nil {
			if err := validateMaxRetries(*req.MaxRetries); err != nil {
				return err
			}
			w.MaxRetries = *req.MaxRetries
		}
		if req.IsActive != nil {
			if *req.IsActive && w.HealthStatus == pipeline.HealthDisabled {
				return fmt.Errorf("%w: disabled webhooks must be reactivated", ErrInvalid)
			}
			w.IsActive = *req.IsActive
		}
		if err := s.repo.Update(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// Deactivate takes a config out of routing. Configs are never deleted.
func (s *Service) Deactivate(ctx context.Context, orgID string, id uuid.UUID) error {
	return s.repo.Deactivate(ctx, orgID, id)
}

// Reactivate returns a config to routing with a clean health record.
func (s *Service) Reactivate(ctx context.Context, orgID string, id uuid.UUID) (*WebhookConfig, error) {
	w, err := s.repo.Reactivate(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("organization_id", orgID).
		Str("webhook_config_id", id.String()).
		Msg("webhook reactivated")
	return w, nil
}

// SendTest enqueues a webhook.test delivery to the config's endpoint.
func (s *Service) SendTest(ctx context.Context, orgID, userID string, id uuid.UUID) (*pipeline.DeliveryJob, error) {
	w, err := s.repo.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, fmt.Errorf("%w: webhook is not active", ErrInvalid)
	}

	now := s.now().UTC()
	data, err := json.Marshal(map[string]string{
		"message":   "This is a test event.",
		"webhookId": w.ID.String(),
		"sentAt":    now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	job := &pipeline.DeliveryJob{
		WebhookConfigID: w.ID.String(),
		OrganizationID:  w.OrganizationID,
		Environment:     w.Environment,
		URL:             w.URL,
		SecretID:        w.SecretID,
		EventType:       TestEventType,
		EventData:       data,
		Timestamp:       now,
		UserID:          userID,
		Attempt:         1,
		MaxAttempts:     w.MaxRetries,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue test event: %w", err)
	}
	return job, nil
}

func (s *Service) ListDeliveries(ctx context.Context, orgID string, id uuid.UUID, limit, offset int) ([]*pipeline.DeliveryRecord, int, error) {
	if _, err := s.repo.GetByID(ctx, orgID, id); err != nil {
		return nil, 0, err
	}
	return s.repo.ListDeliveries(ctx, orgID, id, limit, offset)
}

// RetryDelivery re-enqueues a failed delivery's event as a fresh job with the
// config's current URL, secret and retry budget. The event type, data and
// originating user come from the stored envelope.
func (s *Service) RetryDelivery(ctx context.Context, orgID string, configID, deliveryID uuid.UUID) (*pipeline.DeliveryJob, error) {
	w, err := s.repo.GetByID(ctx, orgID, configID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, fmt.Errorf("%w: webhook is not active", ErrInvalid)
	}
	rec, err := s.repo.GetDelivery(ctx, orgID, configID, deliveryID)
	if err != nil {
		return nil, err
	}
	if rec.Status != pipeline.DeliveryFailed {
		return nil, fmt.Errorf("%w: only failed deliveries can be retried, status is %s", ErrInvalid, rec.Status)
	}

	var env pipeline.Envelope
	if err := json.Unmarshal([]byte(rec.Payload), &env); err != nil {
		return nil, fmt.Errorf("decode stored payload for delivery %s: %w", deliveryID, err)
	}
	eventType := env.Event
	if eventType == "" {
		eventType = rec.EventType
	}
	job := &pipeline.DeliveryJob{
		WebhookConfigID: w.ID.String(),
		OrganizationID:  w.OrganizationID,
		Environment:     w.Environment,
		URL:             w.URL,
		SecretID:        w.SecretID,
		EventType:       eventType,
		EventData:       env.Data,
		Timestamp:       s.now().UTC(),
		UserID:          env.UserID,
		Attempt:         1,
		MaxAttempts:     w.MaxRetries,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}
	s.logger.Info().
		Str("organization_id", orgID).
		Str("webhook_config_id", configID.String()).
		Str("delivery_id", deliveryID.String()).
		Str("event_type", eventType).
		Msg("failed delivery re-enqueued")
	return job, nil
}

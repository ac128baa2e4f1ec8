package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// EventDetail is the detail payload of an application event published to
// EventBridge.
type EventDetail struct {
	OrganizationID string          `json:"organizationId"`
	EventType      string          `json:"eventType"`
	Environment    string          `json:"environment"`
	EntityID       string          `json:"entityId,omitempty"`
	EntityType     string          `json:"entityType,omitempty"`
	Data           json.RawMessage `json:"data"`
	UserID         string          `json:"userId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// compoundEntities maps multi-word entity names in EventBridge detail types to
// their event-type prefix.
var compoundEntities = map[string]string{
	"team member": "team_member",
	"prior auth":  "prior_auth",
}

// EventTypeFromDetailType converts an EventBridge detail type such as
// "Claim Submitted" to an event type such as "claim.submitted".
func EventTypeFromDetailType(detailType string) string {
	s := strings.ToLower(strings.Join(strings.Fields(detailType), " "))
	for phrase, prefix := range compoundEntities {
		if strings.HasPrefix(s, phrase+" ") || s == phrase {
			s = prefix + strings.TrimPrefix(s, phrase)
			break
		}
	}
	return strings.ReplaceAll(s, " ", ".")
}

// EventMatches reports whether a subscription pattern covers eventType.
// Patterns may be exact, "*", "prefix.*" or "*.suffix".
func EventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func subscribed(ep Endpoint, eventType string) bool {
	for _, pat := range ep.Events {
		if EventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Deduplication
// ---------------------------------------------------------------------------

// Deduper claims event IDs so an event delivered twice by the bus is routed
// once.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// RedisSetNX is the subset of the Redis client used by RedisDeduper.
type RedisSetNX interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDeduper records routed event IDs in Redis with a TTL.
type RedisDeduper struct {
	client RedisSetNX
	ttl    time.Duration
	prefix string
}

// NewRedisDeduper creates a deduper whose claims expire after ttl.
func NewRedisDeduper(client RedisSetNX, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, prefix: "webhook:event:"}
}

func (d *RedisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+eventID, time.Now().Unix(), d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	return d.client.Del(ctx, d.prefix+eventID).Err()
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid webhook event")

// DefaultMaxAttempts is used when an endpoint does not set max retries.
const DefaultMaxAttempts = 3

// Router fans application events out to subscribed endpoints by enqueuing
// one DeliveryJob per endpoint.
type Router struct {
	endpoints EndpointLister
	queue     Enqueuer
	dedupe    Deduper
	metrics   MetricsEmitter
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRouter creates a Router. dedupe and metrics may be nil.
func NewRouter(endpoints EndpointLister, queue Enqueuer, dedupe Deduper, metrics MetricsEmitter, logger zerolog.Logger) *Router {
	if metrics == nil {
		metrics = NopEmitter{}
	}
	return &Router{
		endpoints: endpoints,
		queue:     queue,
		dedupe:    dedupe,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Route enqueues a delivery job for every active endpoint of the event's
// organization and environment that subscribes to its type. It returns the
// number of jobs enqueued.
func (r *Router) Route(ctx context.Context, detail EventDetail) (int, error) {
	if detail.OrganizationID == "" || detail.EventType == "" || detail.Environment == "" {
		return 0, fmt.Errorf("%w: organizationId, eventType and environment are required", ErrInvalidEvent)
	}
	if detail.Environment != EnvStaging && detail.Environment != EnvProduction {
		return 0, fmt.Errorf("%w: unknown environment %q", ErrInvalidEvent, detail.Environment)
	}

	eps, err := r.endpoints.ListActiveEndpoints(ctx, detail.OrganizationID, detail.Environment)
	if err != nil {
		return 0, fmt.Errorf("list endpoints for %s: %w", detail.OrganizationID, err)
	}

	ts := detail.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	var errs []error
	routed := 0
	for _, ep := range eps {
		if !subscribed(ep, detail.EventType) {
			continue
		}
		maxAttempts := ep.MaxRetries
		if maxAttempts <= 0 {
			maxAttempts = DefaultMaxAttempts
		}
		job := &DeliveryJob{
			WebhookConfigID: ep.ID.String(),
			OrganizationID:  detail.OrganizationID,
			Environment:     detail.Environment,
			URL:             ep.URL,
			SecretID:        ep.SecretID,
			EventType:       detail.EventType,
			EventData:       detail.Data,
			Timestamp:       ts.UTC(),
			UserID:          detail.UserID,
			Attempt:         1,
			MaxAttempts:     maxAttempts,
		}
		if err := r.queue.Enqueue(ctx, job); err != nil {
			errs = append(errs, err)
			continue
		}
		routed++
	}

	dims := map[string]string{"Environment": detail.Environment, "EventType": detail.EventType}
	bestEffort(ctx, r.logger, "routing_metrics", func(ctx context.Context) error {
		return r.metrics.Count(ctx, MetricEventsRouted, float64(routed), dims)
	})
	return routed, errors.Join(errs...)
}

// Handle is the Lambda entry point for EventBridge events. Invalid events are
// logged and dropped; enqueue failures are returned so the bus retries.
func (r *Router) Handle(ctx context.Context, event events.CloudWatchEvent) error {
	log := r.logger.With().Str("event_id", event.ID).Str("detail_type", event.DetailType).Logger()

	var detail EventDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		r.countError(ctx, "ParseError", "")
		log.Error().Err(err).Msg("discarding unparsable event")
		return nil
	}
	if detail.EventType == "" && event.DetailType != "" {
		detail.EventType = EventTypeFromDetailType(event.DetailType)
	}
	if detail.Timestamp.IsZero() {
		detail.Timestamp = event.Time
	}

	if r.dedupe != nil && event.ID != "" {
		first, err := r.dedupe.Claim(ctx, event.ID)
		if err != nil {
			log.Warn().Err(err).Msg("event dedupe unavailable; routing anyway")
		} else if !first {
			log.Info().Msg("duplicate event skipped")
			bestEffort(ctx, log, "duplicate_metric", func(ctx context.Context) error {
				return r.metrics.Count(ctx, MetricDuplicateEvents, 1, nil)
			})
			return nil
		}
	}

	n, err := r.Route(ctx, detail)
	if errors.Is(err, ErrInvalidEvent) {
		r.countError(ctx, "MissingFields", detail.Environment)
		log.Error().Err(err).Msg("discarding invalid event")
		return nil
	}
	if err != nil {
		if r.dedupe != nil && event.ID != "" {
			bestEffort(ctx, log, "release_dedupe", func(ctx context.Context) error {
				return r.dedupe.Release(ctx, event.ID)
			})
		}
		r.countError(ctx, "EnqueueFailed", detail.Environment)
		log.Error().Err(err).Int("routed", n).Msg("routing event failed")
		return err
	}

	log.Info().
		Str("organization_id", detail.OrganizationID).
		Str("event_type", detail.EventType).
		Int("routed", n).
		Msg("event routed")
	return nil
}

func (r *Router) countError(ctx context.Context, kind, env string) {
	bestEffort(ctx, r.logger, "error_metric", func(ctx context.Context) error {
		return r.metrics.Count(ctx, MetricProcessingErrors, 1, map[string]string{"ErrorType": kind, "Environment": env})
	})
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlertPolicy decides when dead-lettered jobs raise alerts.
type AlertPolicy struct {
	// MinAttempts is the attempt count that triggers an alert outside
	// production.
	MinAttempts int
	// VolumeThreshold is the number of failed deliveries for one organization
	// within VolumeWindow that triggers a volume alert. Zero disables it.
	VolumeThreshold int
	VolumeWindow    time.Duration
}

// DefaultAlertPolicy alerts non-production jobs after 3 attempts and raises a
// volume alert at 5 failures per organization per hour.
func DefaultAlertPolicy() AlertPolicy {
	return AlertPolicy{MinAttempts: 3, VolumeThreshold: 5, VolumeWindow: time.Hour}
}

// Severity returns the alert severity for a failed delivery and whether an
// alert should be raised at all.
func (p AlertPolicy) Severity(environment string, attempts int) (Severity, bool) {
	if environment == EnvProduction {
		return SeverityHigh, true
	}
	if attempts >= p.MinAttempts {
		return SeverityMedium, true
	}
	return "", false
}

// DeadLetterConsumer handles delivery jobs that exhausted queue redelivery.
// Every step after parsing is isolated: a failure is logged and the next step
// still runs.
type DeadLetterConsumer struct {
	store        HealthStore
	metrics      MetricsEmitter
	alerter      Alerter
	healthPolicy HealthPolicy
	alerts       AlertPolicy
	logger       zerolog.Logger
	now          func() time.Time
}

// DeadLetterConfig groups the DeadLetterConsumer's collaborators.
type DeadLetterConfig struct {
	Health       HealthStore
	Metrics      MetricsEmitter
	Alerter      Alerter
	HealthPolicy HealthPolicy
	AlertPolicy  AlertPolicy
	Logger       zerolog.Logger
}

// NewDeadLetterConsumer creates a DeadLetterConsumer. Zero policies fall back
// to the defaults.
func NewDeadLetterConsumer(cfg DeadLetterConfig) *DeadLetterConsumer {
	d := &DeadLetterConsumer{
		store:        cfg.Health,
		metrics:      cfg.Metrics,
		alerter:      cfg.Alerter,
		healthPolicy: cfg.HealthPolicy,
		alerts:       cfg.AlertPolicy,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if d.metrics == nil {
		d.metrics = NopEmitter{}
	}
	if d.alerter == nil {
		d.alerter = NewLogAlerter(cfg.Logger)
	}
	if d.healthPolicy == (HealthPolicy{}) {
		d.healthPolicy = DefaultHealthPolicy()
	}
	if d.alerts == (AlertPolicy{}) {
		d.alerts = DefaultAlertPolicy()
	}
	return d
}

// Process handles every dead-lettered message. It never reports failures:
// the DLQ is the end of the line and records are not redelivered.
func (d *DeadLetterConsumer) Process(ctx context.Context, msgs []Message) []string {
	start := d.now()
	volumeAlerted := make(map[string]bool)
	for _, msg := range msgs {
		d.handle(ctx, msg, volumeAlerted)
	}

	bestEffort(ctx, d.logger, "dlq_batch_metrics", func(ctx context.Context) error {
		if err := d.metrics.Count(ctx, MetricDLQProcessed, float64(len(msgs)), nil); err != nil {
			return err
		}
		return d.metrics.Duration(ctx, MetricDLQProcessingTime, d.now().Sub(start), nil)
	})
	return nil
}

// Handle is the Lambda entry point for the dead-letter queue.
func (d *DeadLetterConsumer) Handle(ctx context.Context, event events.SQSEvent) error {
	d.logger.Info().Int("records", len(event.Records)).Msg("processing dead-lettered webhook deliveries")
	d.Process(ctx, MessagesFromSQSEvent(event))
	return nil
}

// ParseFailedDelivery rebuilds a FailedDelivery from a dead-lettered message.
// Unparsable bodies produce a placeholder with unknown fields together with
// the parse error.
func ParseFailedDelivery(msg Message) (FailedDelivery, error) {
	var job DeliveryJob
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
		return FailedDelivery{
			WebhookConfigID: unknownValue,
			OrganizationID:  unknownValue,
			Environment:     unknownValue,
			EventType:       unknownValue,
			FailureReason:   "unparsable dead-letter message",
			Payload:         msg.Body,
		}, &ParseError{MessageID: msg.ID, Err: err}
	}

	attempts := job.Attempt
	if job.MaxAttempts > attempts {
		attempts = job.MaxAttempts
	}
	if msg.ReceiveCount > attempts {
		attempts = msg.ReceiveCount
	}
	fd := FailedDelivery{
		WebhookConfigID: orUnknown(job.WebhookConfigID),
		OrganizationID:  orUnknown(job.OrganizationID),
		Environment:     orUnknown(job.Environment),
		EventType:       orUnknown(job.EventType),
		FailureReason:   fmt.Sprintf("delivery abandoned after %d attempts", attempts),
		Payload:         string(job.EventData),
		Attempts:        attempts,
	}
	return fd, nil
}

func orUnknown(s string) string {
	if s == "" {
		return unknownValue
	}
	return s
}

func (d *DeadLetterConsumer) handle(ctx context.Context, msg Message, volumeAlerted map[string]bool) {
	log := d.logger.With().Str("message_id", msg.ID).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("dead-letter message panicked")
		}
	}()

	fd, err := ParseFailedDelivery(msg)
	if err != nil {
		log.Error().Err(err).Msg("dead-letter message could not be parsed; using placeholder")
	}
	log = log.With().
		Str("webhook_config_id", fd.WebhookConfigID).
		Str("organization_id", fd.OrganizationID).
		Str("environment", fd.Environment).
		Str("event_type", fd.EventType).
		Int("attempts", fd.Attempts).
		Logger()
	log.Warn().Str("reason", fd.FailureReason).Msg("webhook delivery dead-lettered")

	configID, idErr := uuid.Parse(fd.WebhookConfigID)

	var update *FailureUpdate
	var configMissing bool
	if idErr == nil {
		bestEffort(ctx, log, "increment_failure", func(ctx context.Context) error {
			u, err := d.store.IncrementFailure(ctx, configID, d.healthPolicy)
			if errors.Is(err, ErrConfigNotFound) {
				configMissing = true
			}
			if err != nil {
				return fmt.Errorf("increment failure count: %w", err)
			}
			update = u
			log.Info().Int("failure_count", u.FailureCount).Str("health_status", string(u.HealthStatus)).Msg("webhook health updated")
			return nil
		})
	}

	bestEffort(ctx, log, "dlq_metrics", func(ctx context.Context) error {
		if err := d.metrics.Count(ctx, MetricDLQMessages, 1, map[string]string{
			"Environment":    fd.Environment,
			"EventType":      fd.EventType,
			"OrganizationId": fd.OrganizationID,
		}); err != nil {
			return err
		}
		return d.metrics.Count(ctx, MetricDLQByWebhook, 1, map[string]string{
			"WebhookConfigId": fd.WebhookConfigID,
		})
	})

	if update != nil && update.HealthStatus != HealthDisabled && d.healthPolicy.ShouldDisable(update.FailureCount) {
		bestEffort(ctx, log, "auto_disable", func(ctx context.Context) error {
			reason := fmt.Sprintf("automatically disabled after %d delivery failures", update.FailureCount)
			disabled, err := d.store.Disable(ctx, configID, reason)
			if err != nil {
				return fmt.Errorf("disable webhook: %w", err)
			}
			if !disabled {
				return nil
			}
			log.Warn().Int("failure_count", update.FailureCount).Msg("webhook automatically disabled")
			return d.metrics.Count(ctx, MetricWebhookDisabled, 1, map[string]string{
				"Environment":    fd.Environment,
				"OrganizationId": fd.OrganizationID,
			})
		})
	}

	// A deleted config has no owner left to notify.
	if severity, ok := d.alerts.Severity(fd.Environment, fd.Attempts); ok && !configMissing {
		bestEffort(ctx, log, "alert", func(ctx context.Context) error {
			return d.alerter.Publish(ctx, Alert{
				Severity:        severity,
				Subject:         fmt.Sprintf("delivery failed for webhook %s", fd.WebhookConfigID),
				Message:         fmt.Sprintf("%s event %s: %s", fd.Environment, fd.EventType, fd.FailureReason),
				WebhookConfigID: fd.WebhookConfigID,
				OrganizationID:  fd.OrganizationID,
				Environment:     fd.Environment,
				EventType:       fd.EventType,
				Attempts:        fd.Attempts,
				Service:         "webhook-dlq-processor",
				Timestamp:       d.now().UTC(),
			})
		})
	}

	if d.alerts.VolumeThreshold > 0 && fd.OrganizationID != unknownValue && !volumeAlerted[fd.OrganizationID] {
		bestEffort(ctx, log, "volume_alert", func(ctx context.Context) error {
			since := d.now().Add(-d.alerts.VolumeWindow)
			n, err := d.store.CountRecentFailures(ctx, fd.OrganizationID, since)
			if err != nil {
				return fmt.Errorf("count recent failures: %w", err)
			}
			if n < d.alerts.VolumeThreshold {
				return nil
			}
			volumeAlerted[fd.OrganizationID] = true
			return d.alerter.Publish(ctx, Alert{
				Severity:       SeverityHigh,
				Subject:        fmt.Sprintf("high webhook failure volume for organization %s", fd.OrganizationID),
				Message:        fmt.Sprintf("%d failed deliveries in the last %s", n, d.alerts.VolumeWindow),
				OrganizationID: fd.OrganizationID,
				Environment:    fd.Environment,
				Service:        "webhook-dlq-processor",
				Timestamp:      d.now().UTC(),
			})
		})
	}
}

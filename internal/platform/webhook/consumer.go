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
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds how many messages of one batch are delivered at
// the same time.
const DefaultConcurrency = 10

// Consumer delivers DeliveryJobs taken from the work queue.
type Consumer struct {
	secrets     SecretFetcher
	attempter   *Attempter
	recorder    *Recorder
	health      HealthStore
	metrics     MetricsEmitter
	logger      zerolog.Logger
	concurrency int
	newID       func() uuid.UUID
	now         func() time.Time
}

// ConsumerConfig groups the Consumer's collaborators.
type ConsumerConfig struct {
	Secrets     SecretFetcher
	Attempter   *Attempter
	Deliveries  DeliveryStore
	Health      HealthStore
	Metrics     MetricsEmitter
	Logger      zerolog.Logger
	Concurrency int
}

// NewConsumer creates a Consumer. Health and Metrics are optional.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	c := &Consumer{
		secrets:     cfg.Secrets,
		attempter:   cfg.Attempter,
		recorder:    NewRecorder(cfg.Deliveries, cfg.Logger),
		health:      cfg.Health,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		newID:       uuid.New,
		now:         time.Now,
	}
	if c.attempter == nil {
		c.attempter = NewAttempter()
	}
	if c.metrics == nil {
		c.metrics = NopEmitter{}
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	return c
}

// Process delivers every message in the batch and returns the IDs of the
// messages that failed. Messages are independent: one failure never affects
// the others.
func (c *Consumer) Process(ctx context.Context, msgs []Message) []string {
	results := make([]error, len(msgs))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i := range msgs {
		i := i
		g.Go(func() error {
			results[i] = c.handle(ctx, msgs[i])
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, err := range results {
		if err != nil {
			failed = append(failed, msgs[i].ID)
		}
	}
	return failed
}

// handle runs the pipeline for one message. Panics are converted to errors so
// a single bad message cannot take down the batch.
func (c *Consumer) handle(ctx context.Context, msg Message) (err error) {
	log := c.logger.With().Str("message_id", msg.ID).Logger()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic delivering message: %v", r)
			log.Error().Err(err).Msg("webhook delivery panicked")
		}
	}()

	job, err := ParseJob(msg)
	if err != nil {
		log.Error().Err(err).Msg("discarding unparsable delivery job for redelivery")
		return err
	}
	return c.deliver(ctx, job, log)
}

// ParseJob decodes a DeliveryJob and reconciles its attempt number with the
// queue's receive count.
func ParseJob(msg Message) (*DeliveryJob, error) {
	var job DeliveryJob
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
		return nil, &ParseError{MessageID: msg.ID, Err: err}
	}
	if job.WebhookConfigID == "" || job.URL == "" || job.EventType == "" {
		return nil, &ParseError{MessageID: msg.ID, Err: errors.New("missing webhookConfigId, url or eventType")}
	}
	if _, err := uuid.Parse(job.WebhookConfigID); err != nil {
		return nil, &ParseError{MessageID: msg.ID, Err: fmt.Errorf("webhookConfigId: %w", err)}
	}
	if msg.ReceiveCount > job.Attempt {
		job.Attempt = msg.ReceiveCount
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return &job, nil
}

func (c *Consumer) deliver(ctx context.Context, job *DeliveryJob, log zerolog.Logger) error {
	configID := uuid.MustParse(job.WebhookConfigID)
	deliveryID := c.newID()
	log = log.With().
		Str("delivery_id", deliveryID.String()).
		Str("webhook_config_id", job.WebhookConfigID).
		Str("event_type", job.EventType).
		Int("attempt", job.Attempt).
		Logger()
	dims := map[string]string{"Environment": job.Environment, "EventType": job.EventType}

	env := BuildEnvelope(job, c.newID().String(), c.now())
	payload, err := env.Marshal()
	if err != nil {
		return err
	}

	rec := &DeliveryRecord{
		ID:              deliveryID,
		WebhookConfigID: configID,
		EventType:       job.EventType,
		Payload:         string(payload),
		AttemptNumber:   job.Attempt,
	}
	c.recorder.Pending(ctx, rec)

	fail := func(attempt *Attempt, cause error) error {
		c.recorder.Fail(ctx, rec, attempt, cause)
		bestEffort(ctx, log, "delivery_failure_metric", func(ctx context.Context) error {
			return c.metrics.Count(ctx, MetricDeliveryFailure, 1, dims)
		})
		log.Warn().Err(cause).Msg("webhook delivery failed")
		return cause
	}

	secret, err := c.secrets.Fetch(ctx, job.SecretID)
	if err != nil {
		return fail(nil, err)
	}

	signature, err := Sign(secret.Algorithm, secret.Key, payload)
	if err != nil {
		return fail(nil, err)
	}

	attempt, err := c.attempter.Deliver(ctx, job.URL, deliveryID.String(), payload, secret.Algorithm, signature)
	if err != nil {
		return fail(attempt, err)
	}

	c.recorder.Complete(ctx, rec, attempt)
	bestEffort(ctx, log, "delivery_success_metric", func(ctx context.Context) error {
		return errors.Join(
			c.metrics.Count(ctx, MetricDeliverySuccess, 1, dims),
			c.metrics.Duration(ctx, MetricDeliveryDuration, attempt.Duration, dims),
		)
	})
	if c.health != nil {
		bestEffort(ctx, log, "mark_success", func(ctx context.Context) error {
			return c.health.MarkSuccess(ctx, configID)
		})
	}
	log.Info().Int("status", attempt.StatusCode).Dur("duration", attempt.Duration).Msg("webhook delivered")
	return nil
}

// ---------------------------------------------------------------------------
// Lambda adapter
// ---------------------------------------------------------------------------

// FailureHandler is notified of the messages a batch failed to deliver.
type FailureHandler interface {
	HandleFailures(ctx context.Context, failed []Message)
}

// DeliveryHandler adapts the Consumer to SQS-triggered Lambda invocations.
type DeliveryHandler struct {
	consumer *Consumer
	onFail   FailureHandler
	logger   zerolog.Logger
}

// NewDeliveryHandler creates a Lambda handler. onFail may be nil.
func NewDeliveryHandler(consumer *Consumer, onFail FailureHandler, logger zerolog.Logger) *DeliveryHandler {
	return &DeliveryHandler{consumer: consumer, onFail: onFail, logger: logger}
}

// Handle processes an SQS batch and reports failed items so only they are
// redelivered.
func (h *DeliveryHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	msgs := MessagesFromSQSEvent(event)
	h.logger.Info().Int("records", len(msgs)).Msg("webhook delivery batch started")

	failedIDs := h.consumer.Process(ctx, msgs)

	resp := events.SQSEventResponse{}
	if len(failedIDs) == 0 {
		return resp, nil
	}

	failedSet := make(map[string]struct{}, len(failedIDs))
	for _, id := range failedIDs {
		failedSet[id] = struct{}{}
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: id})
	}
	if h.onFail != nil {
		var failed []Message
		for _, m := range msgs {
			if _, ok := failedSet[m.ID]; ok {
				failed = append(failed, m)
			}
		}
		h.onFail.HandleFailures(ctx, failed)
	}

	h.logger.Warn().Int("failed", len(failedIDs)).Int("records", len(msgs)).Msg("webhook delivery batch finished with failures")
	return resp, nil
}

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

// SQSAPI is the subset of the SQS client used by the pipeline.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// MessagesFromSQSEvent converts a Lambda SQS event to queue messages.
func MessagesFromSQSEvent(event events.SQSEvent) []Message {
	msgs := make([]Message, 0, len(event.Records))
	for _, r := range event.Records {
		msgs = append(msgs, Message{
			ID:            r.MessageId,
			Body:          r.Body,
			ReceiveCount:  receiveCount(r.Attributes["ApproximateReceiveCount"]),
			ReceiptHandle: r.ReceiptHandle,
		})
	}
	return msgs
}

func receiveCount(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

// Enqueuer places delivery jobs on the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *DeliveryJob) error
}

// SQSEnqueuer sends delivery jobs to an SQS queue.
type SQSEnqueuer struct {
	client   SQSAPI
	queueURL string
}

// NewSQSEnqueuer creates an enqueuer for queueURL.
func NewSQSEnqueuer(client SQSAPI, queueURL string) *SQSEnqueuer {
	return &SQSEnqueuer{client: client, queueURL: queueURL}
}

// Enqueue serializes job and sends it with EventType, OrganizationId and
// Environment message attributes.
func (q *SQSEnqueuer) Enqueue(ctx context.Context, job *DeliveryJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"EventType":      stringAttribute(job.EventType),
			"OrganizationId": stringAttribute(job.OrganizationID),
			"Environment":    stringAttribute(job.Environment),
		},
	})
	if err != nil {
		return fmt.Errorf("send delivery job for webhook %s: %w", job.WebhookConfigID, err)
	}
	return nil
}

func stringAttribute(v string) sqstypes.MessageAttributeValue {
	if v == "" {
		v = unknownValue
	}
	return sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// ---------------------------------------------------------------------------
// Redelivery backoff
// ---------------------------------------------------------------------------

// maxVisibilityTimeout is the SQS upper bound for a visibility timeout.
const maxVisibilityTimeout = 12 * time.Hour

// Backoff computes redelivery delays: exponential in the receive count, capped
// at Max, with full jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
}

// DefaultBackoff starts at 10 seconds and caps at 15 minutes.
func DefaultBackoff() Backoff {
	return Backoff{Base: 10 * time.Second, Max: 15 * time.Minute}
}

// Delay returns the wait before delivery attempt number receiveCount+1.
func (b Backoff) Delay(receiveCount int) time.Duration {
	if receiveCount < 1 {
		receiveCount = 1
	}
	ceiling := b.Max
	if ceiling <= 0 || ceiling > maxVisibilityTimeout {
		ceiling = maxVisibilityTimeout
	}
	d := b.Base
	for i := 1; i < receiveCount && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Int63n
	}
	return time.Duration(jitter(int64(d)) + 1)
}

// VisibilityBackoff delays redelivery of failed messages by changing their
// visibility timeout. It implements FailureHandler.
type VisibilityBackoff struct {
	client   SQSAPI
	queueURL string
	backoff  Backoff
	logger   zerolog.Logger
}

// NewVisibilityBackoff creates a VisibilityBackoff for queueURL.
func NewVisibilityBackoff(client SQSAPI, queueURL string, backoff Backoff, logger zerolog.Logger) *VisibilityBackoff {
	return &VisibilityBackoff{client: client, queueURL: queueURL, backoff: backoff, logger: logger}
}

// HandleFailures reschedules each failed message. Errors are logged only; the
// queue's default visibility timeout applies when rescheduling fails.
func (v *VisibilityBackoff) HandleFailures(ctx context.Context, failed []Message) {
	for _, m := range failed {
		if m.ReceiptHandle == "" {
			continue
		}
		delay := v.backoff.Delay(m.ReceiveCount)
		bestEffort(ctx, v.logger.With().Str("message_id", m.ID).Logger(), "change_visibility", func(ctx context.Context) error {
			_, err := v.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(v.queueURL),
				ReceiptHandle:     aws.String(m.ReceiptHandle),
				VisibilityTimeout: int32(delay.Round(time.Second) / time.Second),
			})
			return err
		})
	}
}

// ---------------------------------------------------------------------------
// Polling worker
// ---------------------------------------------------------------------------

// BatchProcessor handles a batch of messages and returns the failed IDs.
type BatchProcessor interface {
	Process(ctx context.Context, msgs []Message) []string
}

// Poller long-polls an SQS queue and feeds batches to a BatchProcessor.
// Acknowledged messages are deleted; failed ones are handed to onFail.
type Poller struct {
	client    SQSAPI
	queueURL  string
	processor BatchProcessor
	onFail    FailureHandler
	logger    zerolog.Logger
	waitTime  int32
	batchSize int32
	errDelay  time.Duration
}

// NewPoller creates a Poller. onFail may be nil.
func NewPoller(client SQSAPI, queueURL string, processor BatchProcessor, onFail FailureHandler, logger zerolog.Logger) *Poller {
	return &Poller{
		client:    client,
		queueURL:  queueURL,
		processor: processor,
		onFail:    onFail,
		logger:    logger,
		waitTime:  20,
		batchSize: 10,
		errDelay:  5 * time.Second,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Str("queue_url", p.queueURL).Msg("queue poller started")
	for {
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				p.logger.Info().Msg("queue poller stopped")
				return nil
			}
			p.logger.Error().Err(err).Msg("receive messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.errDelay):
			}
		}
		if ctx.Err() != nil {
			p.logger.Info().Msg("queue poller stopped")
			return nil
		}
	}
}

// PollOnce receives and processes a single batch.
func (p *Poller) PollOnce(ctx context.Context) error {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.queueURL),
		MaxNumberOfMessages: p.batchSize,
		WaitTimeSeconds:     p.waitTime,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return err
	}
	if len(out.Messages) == 0 {
		return nil
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiveCount:  receiveCount(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}

	failed := make(map[string]struct{})
	for _, id := range p.processor.Process(ctx, msgs) {
		failed[id] = struct{}{}
	}

	var retry []Message
	var errs []error
	for _, m := range msgs {
		if _, ok := failed[m.ID]; ok {
			retry = append(retry, m)
			continue
		}
		if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(p.queueURL),
			ReceiptHandle: aws.String(m.ReceiptHandle),
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete message %s: %w", m.ID, err))
		}
	}
	if len(retry) > 0 && p.onFail != nil {
		p.onFail.HandleFailures(ctx, retry)
	}
	for _, err := range errs {
		p.logger.Warn().Err(err).Msg("acknowledge message")
	}
	return nil
}

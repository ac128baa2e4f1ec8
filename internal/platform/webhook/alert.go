package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert describes an operational problem with webhook delivery.
type Alert struct {
	Severity        Severity  `json:"severity"`
	Subject         string    `json:"subject"`
	Message         string    `json:"message"`
	WebhookConfigID string    `json:"webhook_config_id,omitempty"`
	OrganizationID  string    `json:"organization_id,omitempty"`
	Environment     string    `json:"environment,omitempty"`
	EventType       string    `json:"event_type,omitempty"`
	Attempts        int       `json:"attempts,omitempty"`
	Service         string    `json:"service"`
	Timestamp       time.Time `json:"timestamp"`
}

// Alerter publishes alerts.
type Alerter interface {
	Publish(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the structured log only.
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Publish(_ context.Context, a Alert) error {
	evt := l.logger.Warn()
	if a.Severity == SeverityHigh {
		evt = l.logger.Error()
	}
	evt.Str("severity", string(a.Severity)).
		Str("webhook_config_id", a.WebhookConfigID).
		Str("organization_id", a.OrganizationID).
		Str("environment", a.Environment).
		Str("event_type", a.EventType).
		Int("attempts", a.Attempts).
		Str("subject", a.Subject).
		Msg(a.Message)
	return nil
}

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSAlerter publishes alerts to an SNS topic and mirrors them to the log.
type SNSAlerter struct {
	client   SNSAPI
	topicARN string
	log      *LogAlerter
}

// NewSNSAlerter creates an alerter for topicARN.
func NewSNSAlerter(client SNSAPI, topicARN string, logger zerolog.Logger) *SNSAlerter {
	return &SNSAlerter{client: client, topicARN: topicARN, log: NewLogAlerter(logger)}
}

// snsSubjectLimit is the maximum SNS subject length.
const snsSubjectLimit = 100

func (s *SNSAlerter) Publish(ctx context.Context, a Alert) error {
	_ = s.log.Publish(ctx, a)

	body, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	subject := fmt.Sprintf("[%s] Webhook DLQ Alert: %s", strings.ToUpper(string(a.Severity)), a.Subject)

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(truncate(subject, snsSubjectLimit)),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish alert to %s: %w", s.topicARN, err)
	}
	return nil
}

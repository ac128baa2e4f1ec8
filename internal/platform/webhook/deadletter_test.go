package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

type dlqFixture struct {
	consumer *DeadLetterConsumer
	store    *memHealthStore
	metrics  *recordingEmitter
	alerter  *recordingAlerter
}

func newDLQFixture() *dlqFixture {
	f := &dlqFixture{
		store:   newMemHealthStore(),
		metrics: &recordingEmitter{},
		alerter: &recordingAlerter{},
	}
	f.consumer = NewDeadLetterConsumer(DeadLetterConfig{
		Health:  f.store,
		Metrics: f.metrics,
		Alerter: f.alerter,
		Logger:  testLogger,
	})
	return f
}

func dlqMessage(t *testing.T, configID uuid.UUID, env string, attempt, maxAttempts int) Message {
	t.Helper()
	job := newTestJob("https://example.com/hook")
	job.WebhookConfigID = configID.String()
	job.Environment = env
	job.Attempt = attempt
	job.MaxAttempts = maxAttempts
	b, _ := json.Marshal(job)
	return Message{ID: uuid.NewString(), Body: string(b)}
}

// ===================== Health thresholds =====================

func TestHealthPolicy_StatusFor(t *testing.T) {
	p := DefaultHealthPolicy()
	tests := []struct {
		count   int
		current HealthStatus
		want    HealthStatus
	}{
		{1, HealthHealthy, HealthHealthy},
		{4, HealthHealthy, HealthHealthy},
		{5, HealthHealthy, HealthDegraded},
		{9, HealthDegraded, HealthDegraded},
		{10, HealthDegraded, HealthUnhealthy},
		{25, HealthUnhealthy, HealthUnhealthy},
		{25, HealthDisabled, HealthDisabled},
	}
	for _, tt := range tests {
		if got := p.StatusFor(tt.count, tt.current); got != tt.want {
			t.Errorf("StatusFor(%d, %s) = %s, want %s", tt.count, tt.current, got, tt.want)
		}
	}
	if p.ShouldDisable(19) || !p.ShouldDisable(20) {
		t.Error("expected disable threshold at 20")
	}
}

func TestDeadLetter_ThresholdTransitions(t *testing.T) {
	tests := []struct {
		name       string
		start      int
		startState HealthStatus
		wantState  HealthStatus
		wantActive bool
	}{
		{"3 to 4 unchanged", 3, HealthHealthy, HealthHealthy, true},
		{"4 to 5 degraded", 4, HealthHealthy, HealthDegraded, true},
		{"9 to 10 unhealthy", 9, HealthDegraded, HealthUnhealthy, true},
		{"19 to 20 disabled", 19, HealthUnhealthy, HealthDisabled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDLQFixture()
			id := uuid.New()
			f.store.seed(id, tt.start, tt.startState)

			f.consumer.Process(context.Background(), []Message{dlqMessage(t, id, EnvStaging, 1, 3)})

			got := f.store.get(id)
			if got.FailureCount != tt.start+1 {
				t.Errorf("expected failure count %d, got %d", tt.start+1, got.FailureCount)
			}
			if got.HealthStatus != tt.wantState {
				t.Errorf("expected health %s, got %s", tt.wantState, got.HealthStatus)
			}
			if got.IsActive != tt.wantActive {
				t.Errorf("expected active %v, got %v", tt.wantActive, got.IsActive)
			}
		})
	}
}

func TestDeadLetter_DisableStampsReason(t *testing.T) {
	f := newDLQFixture()
	id := uuid.New()
	f.store.seed(id, 19, HealthUnhealthy)

	f.consumer.Process(context.Background(), []Message{dlqMessage(t, id, EnvStaging, 1, 3)})

	if f.store.disabled[id] == "" {
		t.Error("expected disabled reason to be stamped")
	}
	if f.metrics.count(MetricWebhookDisabled) != 1 {
		t.Error("expected WebhookDisabled metric")
	}
}

func TestDeadLetter_AlreadyDisabledNotDisabledAgain(t *testing.T) {
	f := newDLQFixture()
	id := uuid.New()
	f.store.seed(id, 30, HealthDisabled)

	f.consumer.Process(context.Background(), []Message{dlqMessage(t, id, EnvStaging, 1, 3)})

	if f.store.disableCalls != 0 {
		t.Errorf("expected no disable call for a disabled config, got %d", f.store.disableCalls)
	}
	if f.store.get(id).FailureCount != 31 {
		t.Error("expected the failure count to still be incremented")
	}
}

// ===================== Scenario =====================

func TestDeadLetter_ExhaustedJobIncrementsOnce(t *testing.T) {
	f := newDLQFixture()
	id := uuid.New()
	f.store.seed(id, 0, HealthHealthy)

	f.consumer.Process(context.Background(), []Message{dlqMessage(t, id, EnvStaging, 1, 3)})

	got := f.store.get(id)
	if got.FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", got.FailureCount)
	}
	if got.HealthStatus != HealthHealthy {
		t.Errorf("expected health unchanged, got %s", got.HealthStatus)
	}
	if f.metrics.count(MetricDLQMessages) != 1 || f.metrics.count(MetricDLQByWebhook) != 1 {
		t.Error("expected DLQ count metrics by tags and by webhook")
	}
}

// ===================== Alerts =====================

func TestAlertPolicy_Severity(t *testing.T) {
	p := DefaultAlertPolicy()
	tests := []struct {
		env      string
		attempts int
		want     Severity
		alert    bool
	}{
		{EnvProduction, 1, SeverityHigh, true},
		{EnvProduction, 5, SeverityHigh, true},
		{EnvStaging, 2, "", false},
		{EnvStaging, 3, SeverityMedium, true},
	}
	for _, tt := range tests {
		got, ok := p.Severity(tt.env, tt.attempts)
		if got != tt.want || ok != tt.alert {
			t.Errorf("Severity(%s, %d) = (%s, %v), want (%s, %v)", tt.env, tt.attempts, got, ok, tt.want, tt.alert)
		}
	}
}

func TestDeadLetter_AlertsProductionHigh(t *testing.T) {
	f := newDLQFixture()
	id := uuid.New()
	f.store.seed(id, 0, HealthHealthy)

	f.consumer.Process(context.Background(), []Message{dlqMessage(t, id, EnvProduction, 1, 1)})

	if len(f.alerter.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(f.alerter.alerts))
	}
	if f.alerter.alerts[0].Severity != SeverityHigh {
		t.Errorf("expected high severity, got %s", f.alerter.alerts[0].Severity)
	}
}

func TestDeadLetter_NoAlertBelowAttemptsOutsideProduction(t *testing.T) {
	f := newDLQFixture()
	id := uuid.New()
	f.store.seed(id, 0, HealthHealthy)

	f.consumer.Process(context.Background(), []Message{dlqMessage(t, id, EnvStaging, 1, 2)})

	if len(f.alerter.alerts) != 0 {
		t.Errorf("expected no alert, got %+v", f.alerter.alerts)
	}
}

func TestDeadLetter_VolumeAlertOncePerOrganization(t *testing.T) {
	f := newDLQFixture()
	f.store.recent = 7
	id := uuid.New()
	f.store.seed(id, 0, HealthHealthy)

	f.consumer.Process(context.Background(), []Message{
		dlqMessage(t, id, EnvStaging, 1, 2),
		dlqMessage(t, id, EnvStaging, 1, 2),
	})

	if len(f.alerter.alerts) != 1 {
		t.Fatalf("expected a single volume alert, got %d", len(f.alerter.alerts))
	}
	if f.alerter.alerts[0].Severity != SeverityHigh {
		t.Errorf("expected high severity volume alert, got %s", f.alerter.alerts[0].Severity)
	}
}

// ===================== Step isolation =====================

func TestDeadLetter_StepsAreIsolated(t *testing.T) {
	f := newDLQFixture()
	f.store.incrementErr = errors.New("db down")
	f.metrics.err = errors.New("cloudwatch throttled")
	id := uuid.New()
	f.store.seed(id, 0, HealthHealthy)

	f.consumer.Process(context.Background(), []Message{
		dlqMessage(t, id, EnvProduction, 3, 3),
		dlqMessage(t, id, EnvProduction, 3, 3),
	})

	if len(f.alerter.alerts) != 2 {
		t.Errorf("expected alerts for both messages despite earlier failures, got %d", len(f.alerter.alerts))
	}
}

func TestDeadLetter_MissingConfigSkipsAlert(t *testing.T) {
	f := newDLQFixture()

	f.consumer.Process(context.Background(), []Message{dlqMessage(t, uuid.New(), EnvProduction, 3, 3)})

	if len(f.alerter.alerts) != 0 {
		t.Errorf("expected no alert for a config that no longer exists, got %+v", f.alerter.alerts)
	}
	if f.metrics.count(MetricDLQMessages) != 1 {
		t.Error("expected the dead-lettered message to still be counted")
	}
}

func TestDeadLetter_UnparsableMessageUsesPlaceholder(t *testing.T) {
	f := newDLQFixture()
	f.consumer.Process(context.Background(), []Message{{ID: "junk", Body: "<<<"}})

	if f.metrics.count(MetricDLQMessages) != 1 {
		t.Error("expected metrics to be emitted for the placeholder record")
	}
	fd, err := ParseFailedDelivery(Message{ID: "junk", Body: "<<<"})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if fd.WebhookConfigID != "unknown" || fd.EventType != "unknown" {
		t.Errorf("expected unknown placeholder, got %+v", fd)
	}
}

func TestParseFailedDelivery_Attempts(t *testing.T) {
	msg := dlqMessage(t, uuid.New(), EnvStaging, 1, 3)
	fd, err := ParseFailedDelivery(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fd.Attempts != 3 {
		t.Errorf("expected attempts 3, got %d", fd.Attempts)
	}
}

func TestDeadLetter_HandleNeverErrors(t *testing.T) {
	f := newDLQFixture()
	err := f.consumer.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "1", Body: "garbage"},
	}})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

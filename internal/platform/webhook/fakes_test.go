package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

// ---------------------------------------------------------------------------
// Delivery store
// ---------------------------------------------------------------------------

type memDeliveryStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]DeliveryRecord
	history []DeliveryStatus
	err     error
}

func newMemDeliveryStore() *memDeliveryStore {
	return &memDeliveryStore{rows: make(map[uuid.UUID]DeliveryRecord)}
}

func (s *memDeliveryStore) UpsertDelivery(_ context.Context, rec *DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	row := *rec
	if existing, ok := s.rows[rec.ID]; ok {
		row.CreatedAt = existing.CreatedAt
	}
	s.rows[rec.ID] = row
	s.history = append(s.history, rec.Status)
	return nil
}

func (s *memDeliveryStore) all() []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeliveryRecord, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out
}

// ---------------------------------------------------------------------------
// Health store
// ---------------------------------------------------------------------------

type memHealthStore struct {
	mu           sync.Mutex
	configs      map[uuid.UUID]*FailureUpdate
	successes    map[uuid.UUID]int
	disabled     map[uuid.UUID]string
	recent       int
	incrementErr error
	disableCalls int
	recentErr    error
}

func newMemHealthStore() *memHealthStore {
	return &memHealthStore{
		configs:   make(map[uuid.UUID]*FailureUpdate),
		successes: make(map[uuid.UUID]int),
		disabled:  make(map[uuid.UUID]string),
	}
}

func (s *memHealthStore) seed(id uuid.UUID, count int, status HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[id] = &FailureUpdate{FailureCount: count, HealthStatus: status, IsActive: status != HealthDisabled}
}

func (s *memHealthStore) get(id uuid.UUID) FailureUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.configs[id]
}

func (s *memHealthStore) IncrementFailure(_ context.Context, id uuid.UUID, policy HealthPolicy) (*FailureUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return nil, s.incrementErr
	}
	c, ok := s.configs[id]
	if !ok {
		return nil, ErrConfigNotFound
	}
	c.FailureCount++
	c.HealthStatus = policy.StatusFor(c.FailureCount, c.HealthStatus)
	out := *c
	return &out, nil
}

func (s *memHealthStore) Disable(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableCalls++
	c, ok := s.configs[id]
	if !ok {
		return false, ErrConfigNotFound
	}
	if c.HealthStatus == HealthDisabled {
		return false, nil
	}
	c.HealthStatus = HealthDisabled
	c.IsActive = false
	s.disabled[id] = reason
	return true, nil
}

func (s *memHealthStore) MarkSuccess(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes[id]++
	return nil
}

func (s *memHealthStore) CountRecentFailures(context.Context, string, time.Time) (int, error) {
	return s.recent, s.recentErr
}

// ---------------------------------------------------------------------------
// Secrets
// ---------------------------------------------------------------------------

type fakeSecrets struct {
	secrets map[string]Secret
}

func (f *fakeSecrets) Fetch(_ context.Context, id string) (Secret, error) {
	s, ok := f.secrets[id]
	if !ok {
		return Secret{}, ErrSecretNotFound
	}
	return s, nil
}

type fakeSecretsManager struct {
	values  map[string]string
	err     error
	created *secretsmanager.CreateSecretInput
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("secret not found")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = in
	return &secretsmanager.CreateSecretOutput{ARN: aws.String("arn:aws:secretsmanager:us-east-1:123:secret:" + aws.ToString(in.Name))}, nil
}

// ---------------------------------------------------------------------------
// Metrics and alerts
// ---------------------------------------------------------------------------

type metricCall struct {
	name  string
	value float64
	dims  map[string]string
}

type recordingEmitter struct {
	mu    sync.Mutex
	calls []metricCall
	err   error
}

func (e *recordingEmitter) Count(_ context.Context, name string, value float64, dims map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, metricCall{name: name, value: value, dims: dims})
	return e.err
}

func (e *recordingEmitter) Duration(_ context.Context, name string, d time.Duration, dims map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, metricCall{name: name, value: float64(d.Milliseconds()), dims: dims})
	return e.err
}

func (e *recordingEmitter) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

type recordingAlerter struct {
	alerts []Alert
	err    error
}

func (a *recordingAlerter) Publish(_ context.Context, al Alert) error {
	a.alerts = append(a.alerts, al)
	return a.err
}

// ---------------------------------------------------------------------------
// SQS
// ---------------------------------------------------------------------------

type fakeSQS struct {
	mu         sync.Mutex
	sent       []*sqs.SendMessageInput
	deleted    []string
	visibility map[string]int32
	receive    *sqs.ReceiveMessageOutput
	sendErr    error
	receiveErr error
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{visibility: make(map[string]int32)}
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String(uuid.NewString())}, nil
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if f.receive == nil {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	return f.receive, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

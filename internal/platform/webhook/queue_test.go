package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

func TestSQSEnqueuer_SendsJobWithAttributes(t *testing.T) {
	client := newFakeSQS()
	q := NewSQSEnqueuer(client, "https://sqs.local/queue/webhooks")
	job := newTestJob("https://example.com/hook")

	if err := q.Enqueue(context.Background(), &job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(client.sent))
	}
	in := client.sent[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.local/queue/webhooks" {
		t.Errorf("unexpected queue url %q", aws.ToString(in.QueueUrl))
	}
	var got DeliveryJob
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &got); err != nil {
		t.Fatalf("body is not a delivery job: %v", err)
	}
	if got.WebhookConfigID != job.WebhookConfigID || got.URL != job.URL {
		t.Errorf("unexpected job in body: %+v", got)
	}
	want := map[string]string{
		"EventType":      job.EventType,
		"OrganizationId": job.OrganizationID,
		"Environment":    job.Environment,
	}
	for k, v := range want {
		attr, ok := in.MessageAttributes[k]
		if !ok {
			t.Errorf("missing attribute %s", k)
			continue
		}
		if aws.ToString(attr.StringValue) != v || aws.ToString(attr.DataType) != "String" {
			t.Errorf("attribute %s: expected String %q, got %s %q", k, v, aws.ToString(attr.DataType), aws.ToString(attr.StringValue))
		}
	}
}

func TestSQSEnqueuer_WrapsSendError(t *testing.T) {
	client := newFakeSQS()
	client.sendErr = errors.New("throttled")
	job := newTestJob("https://example.com/hook")
	err := NewSQSEnqueuer(client, "q").Enqueue(context.Background(), &job)
	if !errors.Is(err, client.sendErr) {
		t.Errorf("expected wrapped send error, got %v", err)
	}
}

func TestMessagesFromSQSEvent(t *testing.T) {
	msgs := MessagesFromSQSEvent(events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "a", Body: "x", ReceiptHandle: "rh-a", Attributes: map[string]string{"ApproximateReceiveCount": "2"}},
		{MessageId: "b", Body: "y"},
	}})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ReceiveCount != 2 || msgs[0].ReceiptHandle != "rh-a" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].ReceiveCount != 0 {
		t.Errorf("expected zero receive count when attribute is missing, got %d", msgs[1].ReceiveCount)
	}
}

// ===================== Backoff =====================

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 10 * time.Second, Max: time.Minute, Jitter: func(n int64) int64 { return n - 1 }}
	tests := []struct {
		receive int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{50, time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.receive); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.receive, got, tt.want)
		}
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 200; i++ {
		d := b.Delay(3)
		if d <= 0 || d > 40*time.Second {
			t.Fatalf("delay %s outside (0, 40s]", d)
		}
	}
}

func TestBackoff_CapsAtVisibilityLimit(t *testing.T) {
	b := Backoff{Base: time.Hour, Max: 48 * time.Hour, Jitter: func(n int64) int64 { return n - 1 }}
	if got := b.Delay(10); got != maxVisibilityTimeout {
		t.Errorf("expected %s, got %s", maxVisibilityTimeout, got)
	}
}

func TestVisibilityBackoff_HandleFailures(t *testing.T) {
	client := newFakeSQS()
	b := Backoff{Base: 10 * time.Second, Max: time.Minute, Jitter: func(n int64) int64 { return n - 1 }}
	v := NewVisibilityBackoff(client, "q", b, testLogger)

	v.HandleFailures(context.Background(), []Message{
		{ID: "a", ReceiptHandle: "rh-a", ReceiveCount: 2},
		{ID: "b"},
	})

	if got := client.visibility["rh-a"]; got != 20 {
		t.Errorf("expected visibility 20s, got %d", got)
	}
	if len(client.visibility) != 1 {
		t.Errorf("expected messages without receipt handles to be skipped, got %v", client.visibility)
	}
}

// ===================== Poller =====================

type staticProcessor struct {
	failed []string
	seen   []Message
}

func (p *staticProcessor) Process(_ context.Context, msgs []Message) []string {
	p.seen = append(p.seen, msgs...)
	return p.failed
}

func TestPoller_PollOnceDeletesAckedAndReschedulesFailed(t *testing.T) {
	client := newFakeSQS()
	client.receive = &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{
		{MessageId: aws.String("a"), Body: aws.String("{}"), ReceiptHandle: aws.String("rh-a"),
			Attributes: map[string]string{"ApproximateReceiveCount": "1"}},
		{MessageId: aws.String("b"), Body: aws.String("{}"), ReceiptHandle: aws.String("rh-b"),
			Attributes: map[string]string{"ApproximateReceiveCount": "2"}},
	}}
	proc := &staticProcessor{failed: []string{"b"}}
	onFail := &recordingFailureHandler{}
	p := NewPoller(client, "q", proc, onFail, testLogger)

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proc.seen) != 2 || proc.seen[1].ReceiveCount != 2 {
		t.Errorf("expected both messages with receive counts, got %+v", proc.seen)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "rh-a" {
		t.Errorf("expected only rh-a deleted, got %v", client.deleted)
	}
	if len(onFail.failed) != 1 || onFail.failed[0].ID != "b" {
		t.Errorf("expected b handed to failure handler, got %+v", onFail.failed)
	}
}

func TestPoller_PollOnceReturnsReceiveError(t *testing.T) {
	client := newFakeSQS()
	client.receiveErr = errors.New("access denied")
	p := NewPoller(client, "q", &staticProcessor{}, nil, testLogger)
	if err := p.PollOnce(context.Background()); !errors.Is(err, client.receiveErr) {
		t.Errorf("expected receive error, got %v", err)
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	client := newFakeSQS()
	p := NewPoller(client, "q", &staticProcessor{}, nil, testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

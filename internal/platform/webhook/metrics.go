package webhook

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names emitted by the pipeline.
const (
	MetricDeliverySuccess   = "DeliverySuccess"
	MetricDeliveryFailure   = "DeliveryFailure"
	MetricDeliveryDuration  = "DeliveryDuration"
	MetricDLQMessages       = "DlqMessages"
	MetricDLQByWebhook      = "DlqMessagesByWebhook"
	MetricDLQProcessed      = "DlqMessagesProcessed"
	MetricDLQProcessingTime = "ProcessingTime"
	MetricWebhookDisabled   = "WebhookDisabled"
	MetricEventsRouted      = "EventsRouted"
	MetricDuplicateEvents   = "DuplicateEventsSkipped"
	MetricProcessingErrors  = "ProcessingErrors"
	MetricDeliveriesPurged  = "DeliveriesPurged"
)

// MetricsEmitter publishes named counters and timings with dimension tags.
type MetricsEmitter interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string) error
	Duration(ctx context.Context, name string, d time.Duration, dims map[string]string) error
}

// NopEmitter discards all metrics.
type NopEmitter struct{}

func (NopEmitter) Count(context.Context, string, float64, map[string]string) error { return nil }

func (NopEmitter) Duration(context.Context, string, time.Duration, map[string]string) error {
	return nil
}

// MultiEmitter fans metrics out to several emitters and joins their errors.
type MultiEmitter []MetricsEmitter

func (m MultiEmitter) Count(ctx context.Context, name string, value float64, dims map[string]string) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Count(ctx, name, value, dims))
	}
	return errors.Join(errs...)
}

func (m MultiEmitter) Duration(ctx context.Context, name string, d time.Duration, dims map[string]string) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Duration(ctx, name, d, dims))
	}
	return errors.Join(errs...)
}

// CloudWatchAPI is the subset of the CloudWatch client used here.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchEmitter publishes metrics to a CloudWatch namespace.
type CloudWatchEmitter struct {
	client    CloudWatchAPI
	namespace string
	now       func() time.Time
}

// NewCloudWatchEmitter creates an emitter writing to namespace.
func NewCloudWatchEmitter(client CloudWatchAPI, namespace string) *CloudWatchEmitter {
	return &CloudWatchEmitter{client: client, namespace: namespace, now: time.Now}
}

func (e *CloudWatchEmitter) Count(ctx context.Context, name string, value float64, dims map[string]string) error {
	return e.put(ctx, name, value, cwtypes.StandardUnitCount, dims)
}

func (e *CloudWatchEmitter) Duration(ctx context.Context, name string, d time.Duration, dims map[string]string) error {
	return e.put(ctx, name, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims)
}

func (e *CloudWatchEmitter) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims map[string]string) error {
	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Value:      aws.Float64(value),
			Unit:       unit,
			Dimensions: cloudWatchDimensions(dims),
			Timestamp:  aws.Time(e.now()),
		}},
	})
	return err
}

func cloudWatchDimensions(dims map[string]string) []cwtypes.Dimension {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		v := dims[k]
		if v == "" {
			v = unknownValue
		}
		out = append(out, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
	}
	return out
}

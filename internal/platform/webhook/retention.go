package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
)

// DefaultRetention is how long delivery records are kept.
const DefaultRetention = 30 * 24 * time.Hour

// Retention purges delivery records older than a fixed age.
type Retention struct {
	store   DeliveryPurger
	maxAge  time.Duration
	metrics MetricsEmitter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRetention creates a Retention job. A non-positive maxAge uses
// DefaultRetention.
func NewRetention(store DeliveryPurger, maxAge time.Duration, metrics MetricsEmitter, logger zerolog.Logger) *Retention {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	if metrics == nil {
		metrics = NopEmitter{}
	}
	return &Retention{store: store, maxAge: maxAge, metrics: metrics, logger: logger, now: time.Now}
}

// Purge deletes records created before now minus the retention age.
func (r *Retention) Purge(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.PurgeDeliveries(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deliveries before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	bestEffort(ctx, r.logger, "retention_metric", func(ctx context.Context) error {
		return r.metrics.Count(ctx, MetricDeliveriesPurged, float64(n), nil)
	})
	r.logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("delivery records purged")
	return n, nil
}

// Handle is the Lambda entry point for the scheduled purge.
func (r *Retention) Handle(ctx context.Context, _ events.CloudWatchEvent) error {
	_, err := r.Purge(ctx)
	return err
}

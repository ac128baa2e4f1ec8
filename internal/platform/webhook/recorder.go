package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Recorder writes delivery records. Store failures are logged and never
// returned, so recording cannot change a delivery outcome.
type Recorder struct {
	store  DeliveryStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store DeliveryStore, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Pending writes rec with status pending.
func (r *Recorder) Pending(ctx context.Context, rec *DeliveryRecord) {
	rec.Status = DeliveryPending
	now := r.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.write(ctx, rec)
}

// Complete records a successful attempt.
func (r *Recorder) Complete(ctx context.Context, rec *DeliveryRecord, attempt *Attempt) {
	rec.Status = DeliveryCompleted
	rec.ErrorMessage = nil
	applyAttempt(rec, attempt)
	rec.UpdatedAt = r.now()
	r.write(ctx, rec)
}

// Fail records a failed attempt. attempt may be nil when the failure happened
// before any HTTP exchange.
func (r *Recorder) Fail(ctx context.Context, rec *DeliveryRecord, attempt *Attempt, cause error) {
	rec.Status = DeliveryFailed
	applyAttempt(rec, attempt)
	if cause != nil {
		msg := truncate(cause.Error(), MaxResponseBodyChars)
		rec.ErrorMessage = &msg
	}
	rec.UpdatedAt = r.now()
	r.write(ctx, rec)
}

func applyAttempt(rec *DeliveryRecord, attempt *Attempt) {
	if attempt == nil {
		return
	}
	if attempt.StatusCode != 0 {
		code := attempt.StatusCode
		rec.HTTPStatusCode = &code
		body := attempt.Body
		rec.ResponseBody = &body
	}
	rec.DurationMS = attempt.Duration.Milliseconds()
}

func (r *Recorder) write(ctx context.Context, rec *DeliveryRecord) {
	bestEffort(ctx, r.logger, "record_delivery", func(ctx context.Context) error {
		if err := r.store.UpsertDelivery(ctx, rec); err != nil {
			return &PersistenceError{DeliveryID: rec.ID.String(), Err: err}
		}
		return nil
	})
}

package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foresight/rcm/internal/platform/db"
	pipeline "github.com/foresight/rcm/internal/platform/webhook"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type webhookRepoPG struct{ pool *pgxpool.Pool }

// NewWebhookRepoPG creates a PostgreSQL-backed store.
func NewWebhookRepoPG(pool *pgxpool.Pool) Store {
	return &webhookRepoPG{pool: pool}
}

func (r *webhookRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const configCols = `id, organization_id, name, url, environment, events, secret_id,
	max_retries, is_active, health_status, failure_count, last_failure_at,
	last_success_at, disabled_at, disabled_reason, created_at, updated_at`

func scanConfig(row pgx.Row) (*WebhookConfig, error) {
	var w WebhookConfig
	var health string
	err := row.Scan(&w.ID, &w.OrganizationID, &w.Name, &w.URL, &w.Environment,
		&w.Events, &w.SecretID, &w.MaxRetries, &w.IsActive, &health,
		&w.FailureCount, &w.LastFailureAt, &w.LastSuccessAt, &w.DisabledAt,
		&w.DisabledReason, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.HealthStatus = pipeline.HealthStatus(health)
	return &w, nil
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (r *webhookRepoPG) Create(ctx context.Context, w *WebhookConfig) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO webhook_config (id, organization_id, name, url, environment, events,
			secret_id, max_retries, is_active, health_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,TRUE,'healthy')
		RETURNING `+configCols,
		w.ID, w.OrganizationID, w.Name, w.URL, w.Environment, w.Events,
		w.SecretID, w.MaxRetries)
	created, err := scanConfig(row)
	if err != nil {
		return mapWriteErr(err)
	}
	*w = *created
	return nil
}

func (r *webhookRepoPG) GetByID(ctx context.Context, orgID string, id uuid.UUID) (*WebhookConfig, error) {
	return scanConfig(r.conn(ctx).QueryRow(ctx,
		`SELECT `+configCols+` FROM webhook_config WHERE organization_id = $1 AND id = $2`, orgID, id))
}

func (r *webhookRepoPG) Update(ctx context.Context, w *WebhookConfig) error {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE webhook_config SET name=$3, url=$4, events=$5, max_retries=$6,
			is_active=$7, updated_at=NOW()
		WHERE organization_id = $1 AND id = $2
		RETURNING `+configCols,
		w.OrganizationID, w.ID, w.Name, w.URL, w.Events, w.MaxRetries, w.IsActive)
	updated, err := scanConfig(row)
	if err != nil {
		return mapWriteErr(err)
	}
	*w = *updated
	return nil
}

func (r *webhookRepoPG) Deactivate(ctx context.Context, orgID string, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_config SET is_active=FALSE, updated_at=NOW()
		WHERE organization_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *webhookRepoPG) Reactivate(ctx context.Context, orgID string, id uuid.UUID) (*WebhookConfig, error) {
	return scanConfig(r.conn(ctx).QueryRow(ctx, `
		UPDATE webhook_config SET is_active=TRUE, health_status='healthy', failure_count=0,
			disabled_at=NULL, disabled_reason=NULL, updated_at=NOW()
		WHERE organization_id = $1 AND id = $2
		RETURNING `+configCols, orgID, id))
}

func (r *webhookRepoPG) List(ctx context.Context, orgID string, limit, offset int) ([]*WebhookConfig, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_config WHERE organization_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+configCols+` FROM webhook_config
		WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*WebhookConfig{}
	for rows.Next() {
		w, err := scanConfig(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, w)
	}
	return items, total, rows.Err()
}

// -- Delivery records --

const deliveryCols = `d.id, d.webhook_config_id, d.event_type, d.payload, d.status,
	d.attempt_number, d.http_status_code, d.response_body, d.error_message,
	d.duration_ms, d.created_at, d.updated_at`

func scanDelivery(row pgx.Row) (*pipeline.DeliveryRecord, error) {
	var d pipeline.DeliveryRecord
	var status string
	err := row.Scan(&d.ID, &d.WebhookConfigID, &d.EventType, &d.Payload, &status,
		&d.AttemptNumber, &d.HTTPStatusCode, &d.ResponseBody, &d.ErrorMessage,
		&d.DurationMS, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = pipeline.DeliveryStatus(status)
	return &d, nil
}

func (r *webhookRepoPG) ListDeliveries(ctx context.Context, orgID string, configID uuid.UUID, limit, offset int) ([]*pipeline.DeliveryRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM webhook_delivery d
		JOIN webhook_config c ON c.id = d.webhook_config_id
		WHERE c.organization_id = $1 AND d.webhook_config_id = $2`, orgID, configID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+deliveryCols+` FROM webhook_delivery d
		JOIN webhook_config c ON c.id = d.webhook_config_id
		WHERE c.organization_id = $1 AND d.webhook_config_id = $2
		ORDER BY d.created_at DESC LIMIT $3 OFFSET $4`, orgID, configID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*pipeline.DeliveryRecord{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

func (r *webhookRepoPG) GetDelivery(ctx context.Context, orgID string, configID, deliveryID uuid.UUID) (*pipeline.DeliveryRecord, error) {
	d, err := scanDelivery(r.conn(ctx).QueryRow(ctx, `SELECT `+deliveryCols+` FROM webhook_delivery d
		JOIN webhook_config c ON c.id = d.webhook_config_id
		WHERE c.organization_id = $1 AND d.webhook_config_id = $2 AND d.id = $3`,
		orgID, configID, deliveryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	return d, err
}

// UpsertDelivery writes a record keyed by its ID. created_at is kept from the
// first write. In the conflict branch EXCLUDED holds the incoming values while
// bare column names would read the pre-update row.
func (r *webhookRepoPG) UpsertDelivery(ctx context.Context, rec *pipeline.DeliveryRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_delivery (id, webhook_config_id, event_type, payload, status,
			attempt_number, http_status_code, response_body, error_message, duration_ms,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_number = EXCLUDED.attempt_number,
			http_status_code = EXCLUDED.http_status_code,
			response_body = EXCLUDED.response_body,
			error_message = EXCLUDED.error_message,
			duration_ms = EXCLUDED.duration_ms,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.WebhookConfigID, rec.EventType, rec.Payload, string(rec.Status),
		rec.AttemptNumber, rec.HTTPStatusCode, rec.ResponseBody, rec.ErrorMessage,
		rec.DurationMS, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r *webhookRepoPG) PurgeDeliveries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM webhook_delivery WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- Health --

// IncrementFailure bumps the counter and derives the status in one statement
// so concurrent dead-letter invocations never lose an increment. SET
// expressions all read the pre-update row, so the CASE compares
// failure_count + 1 rather than failure_count; RETURNING reports the new row.
func (r *webhookRepoPG) IncrementFailure(ctx context.Context, configID uuid.UUID, policy pipeline.HealthPolicy) (*pipeline.FailureUpdate, error) {
	var u pipeline.FailureUpdate
	var health string
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE webhook_config SET
			failure_count = failure_count + 1,
			last_failure_at = NOW(),
			health_status = CASE
				WHEN health_status = 'disabled' THEN health_status
				WHEN failure_count + 1 >= $3 THEN 'unhealthy'
				WHEN failure_count + 1 >= $2 THEN 'degraded'
				ELSE health_status
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING failure_count, health_status, is_active`,
		configID, policy.DegradedAt, policy.UnhealthyAt).Scan(&u.FailureCount, &health, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.HealthStatus = pipeline.HealthStatus(health)
	return &u, nil
}

func (r *webhookRepoPG) Disable(ctx context.Context, configID uuid.UUID, reason string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_config SET is_active=FALSE, health_status='disabled',
			disabled_at=NOW(), disabled_reason=$2, updated_at=NOW()
		WHERE id = $1 AND health_status <> 'disabled'`, configID, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *webhookRepoPG) MarkSuccess(ctx context.Context, configID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE webhook_config SET last_success_at=NOW(), updated_at=NOW() WHERE id = $1`, configID)
	return err
}

func (r *webhookRepoPG) CountRecentFailures(ctx context.Context, organizationID string, since time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM webhook_delivery d
		JOIN webhook_config c ON c.id = d.webhook_config_id
		WHERE c.organization_id = $1 AND d.status = 'failed' AND d.updated_at >= $2`,
		organizationID, since).Scan(&n)
	return n, err
}

func (r *webhookRepoPG) ListActiveEndpoints(ctx context.Context, organizationID, environment string) ([]pipeline.Endpoint, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+configCols+` FROM webhook_config
		WHERE organization_id = $1 AND environment = $2 AND is_active`, organizationID, environment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var eps []pipeline.Endpoint
	for rows.Next() {
		w, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, w.Endpoint())
	}
	return eps, rows.Err()
}

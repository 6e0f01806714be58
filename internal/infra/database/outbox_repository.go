package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xavierca1/leadsync/internal/entity"
)

// OutboxRepository stores automation events until the relay has published them.
type OutboxRepository struct {
	DB *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{DB: db}
}

// Enqueue records an event outside of a lead write.
func (r *OutboxRepository) Enqueue(ctx context.Context, ev *entity.LeadEvent) error {
	return insertOutboxEvent(ctx, r.DB, r.DB, ev)
}

func insertOutboxEvent(ctx context.Context, db *DB, q querier, ev *entity.LeadEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	_, err = q.ExecContext(ctx, db.Rebind(`
		INSERT INTO outbox_events (id, tenant_id, event_type, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`),
		ev.ID, ev.TenantID, ev.Type, string(payload), entity.EventPending, ev.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox event %s: %w", ev.ID, mapErr(err))
	}
	return nil
}

// FetchPending returns up to limit undelivered events, oldest first.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]entity.OutboxRecord, error) {
	rows, err := r.DB.QueryContext(ctx, r.DB.Rebind(`
		SELECT payload, status, attempts, last_error, created_at
		FROM outbox_events WHERE status = ? ORDER BY created_at LIMIT ?`),
		entity.EventPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []entity.OutboxRecord
	for rows.Next() {
		var rec entity.OutboxRecord
		var payload string
		if err := rows.Scan(&payload, &rec.Status, &rec.Attempts, &rec.LastError, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, fmt.Errorf("decode outbox payload: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, r.DB.Rebind(`
		UPDATE outbox_events SET status = ?, published_at = ?, last_error = '' WHERE id = ?`),
		entity.EventPublished, time.Now().UTC(), id,
	)
	return err
}

// MarkFailed counts a failed publish. The event is parked as DEAD once it
// reaches maxAttempts. It reports whether that happened.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (bool, error) {
	var attempts int
	err := r.DB.QueryRowContext(ctx, r.DB.Rebind(`SELECT attempts FROM outbox_events WHERE id = ?`), id).Scan(&attempts)
	if err != nil {
		return false, mapErr(err)
	}
	attempts++
	status := entity.EventPending
	if attempts >= maxAttempts {
		status = entity.EventDead
	}
	_, err = r.DB.ExecContext(ctx, r.DB.Rebind(`
		UPDATE outbox_events SET attempts = ?, status = ?, last_error = ? WHERE id = ?`),
		attempts, status, cause.Error(), id,
	)
	if err != nil {
		return false, err
	}
	return status == entity.EventDead, nil
}

// CountByStatus feeds the outbox backlog gauge.
func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xavierca1/leadsync/internal/entity"
)

const leadColumns = `local_id, tenant_id, external_id, name, email, phone, company, source_tag, extra,
	status, status_synced, pending_sync, dead_letters, pending_external_create,
	assigned_to, internal_notes, last_contacted_at, automation_stage, next_follow_up_at,
	created_at, updated_at, local_fields_updated_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type LeadRepository struct {
	DB *DB
}

func NewLeadRepository(db *DB) *LeadRepository {
	return &LeadRepository{DB: db}
}

func (r *LeadRepository) FindOneBy(ctx context.Context, tenantID string, q entity.LeadLookup) (*entity.Lead, error) {
	var cond string
	var arg string
	switch {
	case q.LocalID != "":
		cond, arg = "local_id = ?", q.LocalID
	case q.ExternalID != "":
		cond, arg = "external_id = ?", q.ExternalID
	case q.Email != "":
		cond, arg = "email = ?", q.Email
	case q.PhoneSuffix != "":
		cond, arg = "phone_last10 = ?", q.PhoneSuffix
	default:
		return nil, entity.ErrLeadNotFound
	}
	return r.findOne(ctx, r.DB, "tenant_id = ? AND "+cond, tenantID, arg)
}

func (r *LeadRepository) findOne(ctx context.Context, q querier, where string, args ...any) (*entity.Lead, error) {
	query := r.DB.Rebind(`SELECT ` + leadColumns + ` FROM leads WHERE ` + where + ` ORDER BY created_at LIMIT 1`)
	l, err := scanLead(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapErr(err)
	}
	return l, nil
}

func (r *LeadRepository) FindByExternalIDs(ctx context.Context, tenantID string, ids []string) (map[string]*entity.Lead, error) {
	out := make(map[string]*entity.Lead, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	leads, err := r.list(ctx, `tenant_id = ? AND external_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, l := range leads {
		out[l.ExternalID] = l
	}
	return out, nil
}

// UpsertByExternalID writes the external-authoritative mirror fields and the
// outbox event in one transaction. Empty mirror values keep the stored ones,
// and a cached status with queued writes is not overwritten.
func (r *LeadRepository) UpsertByExternalID(ctx context.Context, tenantID, externalID string, m entity.MirrorFields, ev *entity.LeadEvent) (*entity.Lead, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, r.DB.Rebind(`
		INSERT INTO leads (local_id, tenant_id, external_id, name, email, phone, phone_last10,
			company, source_tag, status, status_synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE leads.name END,
			email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE leads.email END,
			phone = CASE WHEN excluded.phone <> '' THEN excluded.phone ELSE leads.phone END,
			phone_last10 = CASE WHEN excluded.phone <> '' THEN excluded.phone_last10 ELSE leads.phone_last10 END,
			company = CASE WHEN excluded.company <> '' THEN excluded.company ELSE leads.company END,
			source_tag = CASE WHEN excluded.source_tag <> '' THEN excluded.source_tag ELSE leads.source_tag END,
			status = CASE WHEN excluded.status <> '' AND leads.pending_count = 0 THEN excluded.status ELSE leads.status END,
			updated_at = excluded.updated_at`),
		uuid.New().String(), tenantID, externalID, m.Name, m.Email, m.Phone, entity.PhoneSuffix(m.Phone),
		m.Company, m.SourceTag, m.Status, true, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert lead %s: %w", externalID, mapErr(err))
	}

	lead, err := r.findOne(ctx, tx, "tenant_id = ? AND external_id = ?", tenantID, externalID)
	if err != nil {
		return nil, fmt.Errorf("reload lead %s: %w", externalID, err)
	}

	if ev != nil {
		ev.LocalID = lead.LocalID
		ev.ExternalID = externalID
		if err := insertOutboxEvent(ctx, r.DB, tx, ev); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return lead, nil
}

// CreateShadow inserts l. When a row with the same external id already
// exists it is returned unchanged.
func (r *LeadRepository) CreateShadow(ctx context.Context, l *entity.Lead) (*entity.Lead, error) {
	extra, err := json.Marshal(l.Extra)
	if err != nil {
		return nil, fmt.Errorf("encode extra: %w", err)
	}
	pending, dead, err := encodeQueues(l)
	if err != nil {
		return nil, err
	}

	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`
		INSERT INTO leads (local_id, tenant_id, external_id, name, email, phone, phone_last10, company,
			source_tag, extra, status, status_synced, pending_sync, pending_count, dead_letters,
			pending_external_create, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, external_id) DO NOTHING`),
		l.LocalID, l.TenantID, nullString(l.ExternalID), l.Name, l.Email, l.Phone, l.PhoneLast10(), l.Company,
		l.SourceTag, string(extra), l.Status, l.StatusSyncedToExternal, pending, len(l.PendingSync), dead,
		l.PendingExternalCreate, l.CreatedAt.UTC(), l.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert shadow lead: %w", mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 && l.ExternalID != "" {
		return r.FindOneBy(ctx, l.TenantID, entity.LeadLookup{ExternalID: l.ExternalID})
	}
	return r.FindOneBy(ctx, l.TenantID, entity.LeadLookup{LocalID: l.LocalID})
}

func (r *LeadRepository) AttachExternalID(ctx context.Context, tenantID, localID, externalID string) error {
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`
		UPDATE leads SET external_id = ?, pending_external_create = ?, updated_at = ?
		WHERE tenant_id = ? AND local_id = ?`),
		externalID, false, time.Now().UTC(), tenantID, localID,
	)
	return affected(res, mapErr(err))
}

func (r *LeadRepository) SaveSyncState(ctx context.Context, l *entity.Lead) error {
	pending, dead, err := encodeQueues(l)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`
		UPDATE leads SET status = ?, status_synced = ?, pending_sync = ?, pending_count = ?,
			dead_letters = ?, pending_external_create = ?, updated_at = ?
		WHERE tenant_id = ? AND local_id = ?`),
		l.Status, l.StatusSyncedToExternal, pending, len(l.PendingSync),
		dead, l.PendingExternalCreate, l.UpdatedAt.UTC(), l.TenantID, l.LocalID,
	)
	return affected(res, mapErr(err))
}

// queueUpdateRetries bounds the compare-and-swap loop of updateQueues.
const queueUpdateRetries = 5

// AckPending settles a sweep pass against the stored queue. Status is not
// written and entries queued after the sweep read the lead are kept.
func (r *LeadRepository) AckPending(ctx context.Context, tenantID, localID string, ack entity.SyncAck) error {
	return r.updateQueues(ctx, tenantID, localID, func(l *entity.Lead) { l.ApplyAck(ack) })
}

// EnqueuePending merges writes into the stored queue in timestamp order.
func (r *LeadRepository) EnqueuePending(ctx context.Context, tenantID, localID string, writes []entity.PendingWrite) error {
	return r.updateQueues(ctx, tenantID, localID, func(l *entity.Lead) { l.MergePending(writes) })
}

// updateQueues reads the queues of one lead, applies mutate and writes them
// back only if the stored queues are still the ones it read.
func (r *LeadRepository) updateQueues(ctx context.Context, tenantID, localID string, mutate func(*entity.Lead)) error {
	for attempt := 0; attempt < queueUpdateRetries; attempt++ {
		l := entity.Lead{TenantID: tenantID, LocalID: localID}
		var pendingRaw, deadRaw string
		err := r.DB.QueryRowContext(ctx, r.DB.Rebind(`
			SELECT pending_sync, dead_letters, status_synced, pending_external_create
			FROM leads WHERE tenant_id = ? AND local_id = ?`), tenantID, localID,
		).Scan(&pendingRaw, &deadRaw, &l.StatusSyncedToExternal, &l.PendingExternalCreate)
		if err != nil {
			return mapErr(err)
		}
		if err := json.Unmarshal([]byte(pendingRaw), &l.PendingSync); err != nil {
			return fmt.Errorf("decode pending_sync of %s: %w", localID, err)
		}
		if err := json.Unmarshal([]byte(deadRaw), &l.DeadLetters); err != nil {
			return fmt.Errorf("decode dead_letters of %s: %w", localID, err)
		}

		mutate(&l)
		pending, dead, err := encodeQueues(&l)
		if err != nil {
			return err
		}

		res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`
			UPDATE leads SET status_synced = ?, pending_sync = ?, pending_count = ?, dead_letters = ?,
				pending_external_create = ?, updated_at = ?
			WHERE tenant_id = ? AND local_id = ? AND pending_sync = ? AND dead_letters = ?`),
			l.StatusSyncedToExternal, pending, len(l.PendingSync), dead,
			l.PendingExternalCreate, time.Now().UTC(),
			tenantID, localID, pendingRaw, deadRaw,
		)
		if err != nil {
			return fmt.Errorf("update sync queue of %s: %w", localID, mapErr(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
	return fmt.Errorf("update sync queue of %s: %w", localID, ErrQueueContention)
}

func (r *LeadRepository) SaveLocalFields(ctx context.Context, l *entity.Lead) error {
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`
		UPDATE leads SET assigned_to = ?, internal_notes = ?, last_contacted_at = ?,
			automation_stage = ?, next_follow_up_at = ?, local_fields_updated_at = ?, updated_at = ?
		WHERE tenant_id = ? AND local_id = ?`),
		l.AssignedTo, l.InternalNotes, nullTime(l.LastContactedAt),
		l.AutomationStage, nullTime(l.NextFollowUpAt), nullTime(l.LocalFieldsUpdatedAt), l.UpdatedAt.UTC(),
		l.TenantID, l.LocalID,
	)
	return affected(res, mapErr(err))
}

// FindWithPendingSync returns leads of every tenant with queued external
// writes, oldest change first.
func (r *LeadRepository) FindWithPendingSync(ctx context.Context, limit int) ([]*entity.Lead, error) {
	return r.list(ctx, `pending_count > 0 ORDER BY updated_at LIMIT ?`, limit)
}

func (r *LeadRepository) FindPendingExternalCreate(ctx context.Context, limit int) ([]*entity.Lead, error) {
	return r.list(ctx, `pending_external_create = ? ORDER BY created_at LIMIT ?`, true, limit)
}

func (r *LeadRepository) list(ctx context.Context, where string, args ...any) ([]*entity.Lead, error) {
	rows, err := r.DB.QueryContext(ctx, r.DB.Rebind(`SELECT `+leadColumns+` FROM leads WHERE `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	var out []*entity.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*entity.Lead, error) {
	var (
		l                                         entity.Lead
		externalID                                sql.NullString
		extra, pending, dead                      string
		lastContacted, nextFollowUp, localUpdated sql.NullTime
	)
	err := row.Scan(
		&l.LocalID, &l.TenantID, &externalID, &l.Name, &l.Email, &l.Phone, &l.Company, &l.SourceTag, &extra,
		&l.Status, &l.StatusSyncedToExternal, &pending, &dead, &l.PendingExternalCreate,
		&l.AssignedTo, &l.InternalNotes, &lastContacted, &l.AutomationStage, &nextFollowUp,
		&l.CreatedAt, &l.UpdatedAt, &localUpdated,
	)
	if err != nil {
		return nil, err
	}

	l.ExternalID = externalID.String
	l.LastContactedAt = timePtr(lastContacted)
	l.NextFollowUpAt = timePtr(nextFollowUp)
	l.LocalFieldsUpdatedAt = timePtr(localUpdated)
	if extra != "" && extra != "null" {
		if err := json.Unmarshal([]byte(extra), &l.Extra); err != nil {
			return nil, fmt.Errorf("decode extra of %s: %w", l.LocalID, err)
		}
	}
	if err := json.Unmarshal([]byte(pending), &l.PendingSync); err != nil {
		return nil, fmt.Errorf("decode pending_sync of %s: %w", l.LocalID, err)
	}
	if err := json.Unmarshal([]byte(dead), &l.DeadLetters); err != nil {
		return nil, fmt.Errorf("decode dead_letters of %s: %w", l.LocalID, err)
	}
	return &l, nil
}

func encodeQueues(l *entity.Lead) (string, string, error) {
	pending, err := json.Marshal(nonNil(l.PendingSync))
	if err != nil {
		return "", "", fmt.Errorf("encode pending_sync: %w", err)
	}
	dead, err := json.Marshal(nonNil(l.DeadLetters))
	if err != nil {
		return "", "", fmt.Errorf("encode dead_letters: %w", err)
	}
	return string(pending), string(dead), nil
}

func nonNil(ws []entity.PendingWrite) []entity.PendingWrite {
	if ws == nil {
		return []entity.PendingWrite{}
	}
	return ws
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entity.ErrLeadNotFound
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

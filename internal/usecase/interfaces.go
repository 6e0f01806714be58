package usecase

import (
	"context"

	"github.com/xavierca1/leadsync/internal/entity"
)

// CRMClient is the external CRM capability the core depends on. Implementations
// handle authentication and the retry-once-on-401 policy.
type CRMClient interface {
	// SearchByField returns nil, nil when nothing matches.
	SearchByField(ctx context.Context, tenantID string, field entity.SearchField, value string) (*entity.ExternalLead, error)
	// GetByID returns nil, nil when the record does not exist.
	GetByID(ctx context.Context, tenantID, id string) (*entity.ExternalLead, error)
	Create(ctx context.Context, tenantID string, w entity.ExternalWrite) (string, error)
	Update(ctx context.Context, tenantID, id string, w entity.ExternalWrite) error
}

// LeadRepository is the local datastore capability.
type LeadRepository interface {
	// FindOneBy returns entity.ErrLeadNotFound when no record matches.
	FindOneBy(ctx context.Context, tenantID string, lookup entity.LeadLookup) (*entity.Lead, error)
	FindByExternalIDs(ctx context.Context, tenantID string, ids []string) (map[string]*entity.Lead, error)
	// UpsertByExternalID writes the mirror and, if event is not nil, the outbox
	// event in the same transaction.
	UpsertByExternalID(ctx context.Context, tenantID, externalID string, m entity.MirrorFields, event *entity.LeadEvent) (*entity.Lead, error)
	// CreateShadow inserts l; an existing row with the same external id is left
	// untouched and returned instead.
	CreateShadow(ctx context.Context, l *entity.Lead) (*entity.Lead, error)
	AttachExternalID(ctx context.Context, tenantID, localID, externalID string) error
	SaveSyncState(ctx context.Context, l *entity.Lead) error
	// AckPending settles the entries named by ack against the stored queue
	// without writing status; entries queued since are kept.
	AckPending(ctx context.Context, tenantID, localID string, ack entity.SyncAck) error
	// EnqueuePending merges writes into the stored queue in timestamp order.
	EnqueuePending(ctx context.Context, tenantID, localID string, writes []entity.PendingWrite) error
	SaveLocalFields(ctx context.Context, l *entity.Lead) error
	FindWithPendingSync(ctx context.Context, limit int) ([]*entity.Lead, error)
	FindPendingExternalCreate(ctx context.Context, limit int) ([]*entity.Lead, error)
}

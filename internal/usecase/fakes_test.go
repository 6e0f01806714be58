package usecase_test

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/usecase"
)

// MockCRMClient
type MockCRMClient struct {
	mock.Mock
}

func (m *MockCRMClient) SearchByField(ctx context.Context, tenantID string, field entity.SearchField, value string) (*entity.ExternalLead, error) {
	args := m.Called(ctx, tenantID, field, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.ExternalLead), args.Error(1)
}

func (m *MockCRMClient) GetByID(ctx context.Context, tenantID, id string) (*entity.ExternalLead, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.ExternalLead), args.Error(1)
}

func (m *MockCRMClient) Create(ctx context.Context, tenantID string, w entity.ExternalWrite) (string, error) {
	args := m.Called(ctx, tenantID, w)
	return args.String(0), args.Error(1)
}

func (m *MockCRMClient) Update(ctx context.Context, tenantID, id string, w entity.ExternalWrite) error {
	args := m.Called(ctx, tenantID, id, w)
	return args.Error(0)
}

// noMatches makes every CRM search come back empty.
func (m *MockCRMClient) noMatches() *MockCRMClient {
	m.On("SearchByField", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	return m
}

// statusError is a CRM failure carrying an HTTP status.
type statusError struct{ code int }

func (e statusError) Error() string   { return fmt.Sprintf("crm responded %d", e.code) }
func (e statusError) StatusCode() int { return e.code }

func statusWrite(status string) entity.ExternalWrite {
	return entity.ExternalWrite{Fields: map[entity.Field]string{entity.FieldStatus: status}}
}

// memRepo is an in-memory LeadRepository.
type memRepo struct {
	mu     sync.Mutex
	leads  map[string]*entity.Lead
	events []entity.LeadEvent
	// failWrites makes every write return the error.
	failWrites error

	localWrites int
}

func newMemRepo() *memRepo {
	return &memRepo{leads: make(map[string]*entity.Lead)}
}

var _ usecase.LeadRepository = (*memRepo)(nil)

func clone(l *entity.Lead) *entity.Lead {
	c := *l
	c.PendingSync = append([]entity.PendingWrite(nil), l.PendingSync...)
	c.DeadLetters = append([]entity.PendingWrite(nil), l.DeadLetters...)
	return &c
}

func (r *memRepo) put(l *entity.Lead) *entity.Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.LocalID == "" {
		l.LocalID = uuid.New().String()
	}
	r.leads[l.LocalID] = clone(l)
	return l
}

func (r *memRepo) get(localID string) *entity.Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leads[localID]; ok {
		return clone(l)
	}
	return nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leads)
}

func (r *memRepo) find(tenantID string, match func(*entity.Lead) bool) *entity.Lead {
	for _, l := range r.leads {
		if l.TenantID == tenantID && match(l) {
			return l
		}
	}
	return nil
}

func (r *memRepo) byExternalID(tenantID, id string) *entity.Lead {
	if id == "" {
		return nil
	}
	return r.find(tenantID, func(l *entity.Lead) bool { return l.ExternalID == id })
}

func (r *memRepo) FindOneBy(ctx context.Context, tenantID string, q entity.LeadLookup) (*entity.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.find(tenantID, func(l *entity.Lead) bool {
		switch {
		case q.LocalID != "":
			return l.LocalID == q.LocalID
		case q.ExternalID != "":
			return l.ExternalID == q.ExternalID
		case q.Email != "":
			return l.Email == q.Email
		case q.PhoneSuffix != "":
			return l.PhoneLast10() == q.PhoneSuffix
		}
		return false
	})
	if l == nil {
		return nil, entity.ErrLeadNotFound
	}
	return clone(l), nil
}

func (r *memRepo) FindByExternalIDs(ctx context.Context, tenantID string, ids []string) (map[string]*entity.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*entity.Lead)
	for _, id := range ids {
		if l := r.byExternalID(tenantID, id); l != nil {
			out[id] = clone(l)
		}
	}
	return out, nil
}

func (r *memRepo) UpsertByExternalID(ctx context.Context, tenantID, externalID string, m entity.MirrorFields, ev *entity.LeadEvent) (*entity.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return nil, r.failWrites
	}
	l := r.byExternalID(tenantID, externalID)
	if l == nil {
		l = &entity.Lead{LocalID: uuid.New().String(), TenantID: tenantID, ExternalID: externalID, StatusSyncedToExternal: true}
		r.leads[l.LocalID] = l
	}
	l.Name, l.Email, l.Phone, l.Company, l.SourceTag = m.Name, m.Email, m.Phone, m.Company, m.SourceTag
	if m.Status != "" {
		l.Status = m.Status
	}
	if ev != nil {
		e := *ev
		e.LocalID = l.LocalID
		e.ExternalID = externalID
		r.events = append(r.events, e)
	}
	return clone(l), nil
}

func (r *memRepo) CreateShadow(ctx context.Context, l *entity.Lead) (*entity.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return nil, r.failWrites
	}
	if existing := r.byExternalID(l.TenantID, l.ExternalID); existing != nil {
		return clone(existing), nil
	}
	r.leads[l.LocalID] = clone(l)
	return clone(l), nil
}

func (r *memRepo) AttachExternalID(ctx context.Context, tenantID, localID, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	if other := r.byExternalID(tenantID, externalID); other != nil && other.LocalID != localID {
		return entity.ErrConflict
	}
	l, ok := r.leads[localID]
	if !ok {
		return entity.ErrLeadNotFound
	}
	l.ExternalID = externalID
	l.PendingExternalCreate = false
	return nil
}

func (r *memRepo) SaveSyncState(ctx context.Context, in *entity.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	l, ok := r.leads[in.LocalID]
	if !ok {
		return entity.ErrLeadNotFound
	}
	c := clone(in)
	l.Status = c.Status
	l.StatusSyncedToExternal = c.StatusSyncedToExternal
	l.PendingSync = c.PendingSync
	l.DeadLetters = c.DeadLetters
	l.PendingExternalCreate = c.PendingExternalCreate
	l.UpdatedAt = c.UpdatedAt
	return nil
}

func (r *memRepo) AckPending(ctx context.Context, tenantID, localID string, ack entity.SyncAck) error {
	return r.updateQueues(localID, func(l *entity.Lead) { l.ApplyAck(ack) })
}

func (r *memRepo) EnqueuePending(ctx context.Context, tenantID, localID string, writes []entity.PendingWrite) error {
	return r.updateQueues(localID, func(l *entity.Lead) { l.MergePending(writes) })
}

func (r *memRepo) updateQueues(localID string, mutate func(*entity.Lead)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	l, ok := r.leads[localID]
	if !ok {
		return entity.ErrLeadNotFound
	}
	c := clone(l)
	mutate(c)
	l.PendingSync = c.PendingSync
	l.DeadLetters = c.DeadLetters
	l.StatusSyncedToExternal = c.StatusSyncedToExternal
	l.PendingExternalCreate = c.PendingExternalCreate
	return nil
}

func (r *memRepo) SaveLocalFields(ctx context.Context, in *entity.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	l, ok := r.leads[in.LocalID]
	if !ok {
		return entity.ErrLeadNotFound
	}
	r.localWrites++
	l.AssignedTo = in.AssignedTo
	l.InternalNotes = in.InternalNotes
	l.LastContactedAt = in.LastContactedAt
	l.AutomationStage = in.AutomationStage
	l.NextFollowUpAt = in.NextFollowUpAt
	l.LocalFieldsUpdatedAt = in.LocalFieldsUpdatedAt
	return nil
}

func (r *memRepo) FindWithPendingSync(ctx context.Context, limit int) ([]*entity.Lead, error) {
	return r.collect(limit, func(l *entity.Lead) bool { return len(l.PendingSync) > 0 }), nil
}

func (r *memRepo) FindPendingExternalCreate(ctx context.Context, limit int) ([]*entity.Lead, error) {
	return r.collect(limit, func(l *entity.Lead) bool { return l.PendingExternalCreate }), nil
}

func (r *memRepo) collect(limit int, match func(*entity.Lead) bool) []*entity.Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Lead
	for _, l := range r.leads {
		if match(l) && len(out) < limit {
			out = append(out, clone(l))
		}
	}
	return out
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func quietLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

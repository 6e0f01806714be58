package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/logger"
)

var (
	ErrNoLocalFields = errors.New("no local-only fields to apply")
	errNoExternalID  = errors.New("lead has no external id yet")
)

const (
	DefaultSyncMaxAttempts = 8
	DefaultSyncBatchSize   = 100
)

// OwnershipService enforces which store each field is written to. Status goes
// to the CRM first and then to the local mirror; local-only fields never
// leave the local store.
type OwnershipService struct {
	CRM  CRMClient
	Repo LeadRepository
	Log  *zerolog.Logger
	Now  func() time.Time

	// MaxAttempts is how many failed replays a pending write gets before it is dead-lettered.
	MaxAttempts int
	BatchSize   int

	sweepMu sync.Mutex
}

func NewOwnershipService(crm CRMClient, repo LeadRepository) *OwnershipService {
	return &OwnershipService{
		CRM:         crm,
		Repo:        repo,
		Log:         logger.Named("ownership"),
		Now:         func() time.Time { return time.Now().UTC() },
		MaxAttempts: DefaultSyncMaxAttempts,
		BatchSize:   DefaultSyncBatchSize,
	}
}

// resolve finds the local record for id, which may be an external or a local id.
func (s *OwnershipService) resolve(ctx context.Context, tenantID, id string) (*entity.Lead, error) {
	lead, err := s.Repo.FindOneBy(ctx, tenantID, entity.LeadLookup{ExternalID: id})
	if err == nil {
		return lead, nil
	}
	if !errors.Is(err, entity.ErrLeadNotFound) {
		return nil, err
	}
	return s.Repo.FindOneBy(ctx, tenantID, entity.LeadLookup{LocalID: id})
}

// UpdateStatus writes status through to the CRM, then to the local mirror. An
// external failure is not an error: the new status is kept locally and queued
// for the sweep. The error outcomes are an unknown lead, a CRM failure for a
// lead with no local record, and ErrUnsynchronized when the local write also
// fails. A local record is only created for a lead the CRM returns with an
// email or phone.
func (s *OwnershipService) UpdateStatus(ctx context.Context, tenantID, id, newStatus, reason string) (StatusUpdateResult, error) {
	log := logger.C(ctx, s.Log).With().Str("lead", id).Str("status", newStatus).Logger()

	lead, lookupErr := s.resolve(ctx, tenantID, id)
	if lookupErr != nil && !errors.Is(lookupErr, entity.ErrLeadNotFound) {
		log.Warn().Err(lookupErr).Msg("local lookup failed before status write")
	}

	externalID := id
	if lead != nil {
		externalID = lead.ExternalID
	}

	extErr := errNoExternalID
	if externalID != "" {
		extErr = s.CRM.Update(ctx, tenantID, externalID, entity.ExternalWrite{
			Fields: map[entity.Field]string{entity.FieldStatus: newStatus},
		})
	}

	if lead == nil {
		switch {
		case extErr != nil && lookupErr != nil && !errors.Is(lookupErr, entity.ErrLeadNotFound):
			return s.localWriteFailed(log, externalID, newStatus, extErr, lookupErr)
		case extErr != nil && Classify(extErr) == OutcomeFatal:
			return StatusUpdateResult{Outcome: OutcomeFatal}, fmt.Errorf("%w: %v", entity.ErrLeadNotFound, extErr)
		case extErr != nil:
			// no local record to queue on, and an unknown id is not worth a row
			log.Warn().Err(extErr).Msg("crm status write failed for a lead with no local record")
			return StatusUpdateResult{Outcome: Classify(extErr), ExternalID: externalID, Status: newStatus},
				externalFailed("status update", extErr)
		}

		var seed entity.LeadSeed
		if ext, err := s.CRM.GetByID(ctx, tenantID, externalID); err == nil && ext != nil {
			seed = entity.LeadSeed{Name: ext.Name, Email: ext.Email, Phone: ext.Phone}
		}
		var err error
		lead, err = s.EnsureLocalRecord(ctx, tenantID, externalID, seed)
		if errors.Is(err, ErrSeedWithoutContact) {
			log.Info().Msg("status written to crm, no contact details to mirror locally")
			return StatusUpdateResult{Outcome: OutcomeOK, ExternalID: externalID, Status: newStatus, Synced: true}, nil
		}
		if err != nil {
			return s.localWriteFailed(log, externalID, newStatus, extErr, err)
		}
	}

	lead.Status = newStatus
	lead.UpdatedAt = s.Now()

	if extErr == nil {
		lead.ClearPending(entity.FieldStatus)
		lead.StatusSyncedToExternal = len(lead.PendingSync) == 0
		res := StatusUpdateResult{
			Outcome: OutcomeOK, LocalID: lead.LocalID, ExternalID: lead.ExternalID,
			Status: newStatus, Synced: true, Pending: len(lead.PendingSync),
		}
		if err := s.Repo.SaveSyncState(ctx, lead); err != nil {
			// The CRM holds the change; the mirror refreshes on the next read or ingest.
			log.Error().Err(err).Msg("status written to crm but local mirror update failed")
		}
		return res, nil
	}

	lead.QueueWrite(entity.PendingWrite{
		Field:     entity.FieldStatus,
		Value:     newStatus,
		Timestamp: s.Now(),
		Reason:    reason,
		LastError: extErr.Error(),
	})
	if err := s.Repo.SaveSyncState(ctx, lead); err != nil {
		return s.localWriteFailed(log, externalID, newStatus, extErr, err)
	}

	log.Warn().Err(extErr).Int("pending", len(lead.PendingSync)).Msg("crm status write failed, queued for sync")
	return StatusUpdateResult{
		Outcome: Classify(extErr), LocalID: lead.LocalID, ExternalID: lead.ExternalID,
		Status: newStatus, Synced: false, Pending: len(lead.PendingSync),
	}, nil
}

func (s *OwnershipService) localWriteFailed(log zerolog.Logger, externalID, status string, extErr, localErr error) (StatusUpdateResult, error) {
	if extErr == nil {
		log.Error().Err(localErr).Msg("status written to crm but local mirror could not be created")
		return StatusUpdateResult{Outcome: OutcomeOK, ExternalID: externalID, Status: status, Synced: true}, nil
	}
	log.Error().Err(localErr).AnErr("external_error", extErr).Msg("status change lost: crm and local writes both failed")
	return StatusUpdateResult{Outcome: OutcomeFatal, ExternalID: externalID, Status: status},
		&TechnicalError{
			Code:    CodeUnsynchronized,
			Message: fmt.Sprintf("status not recorded: external: %v; local: %v", extErr, localErr),
			Err:     ErrUnsynchronized,
		}
}

// UpdateLocalFields applies a local-only patch. It never calls the CRM.
func (s *OwnershipService) UpdateLocalFields(ctx context.Context, tenantID, id string, patch entity.LocalPatch) (LocalUpdateResult, error) {
	if patch.IsEmpty() {
		return LocalUpdateResult{}, ErrNoLocalFields
	}

	lead, err := s.resolve(ctx, tenantID, id)
	if errors.Is(err, entity.ErrLeadNotFound) {
		// A lead that exists only in the CRM gets a shadow to hold the local fields.
		ext, extErr := s.CRM.GetByID(ctx, tenantID, id)
		if extErr != nil || ext == nil {
			return LocalUpdateResult{}, err
		}
		lead, err = s.EnsureLocalRecord(ctx, tenantID, ext.ID, entity.LeadSeed{Name: ext.Name, Email: ext.Email, Phone: ext.Phone})
	}
	if err != nil {
		return LocalUpdateResult{}, err
	}

	now := s.Now()
	patch.Apply(lead)
	lead.LocalFieldsUpdatedAt = &now
	lead.UpdatedAt = now
	if err := s.Repo.SaveLocalFields(ctx, lead); err != nil {
		return LocalUpdateResult{}, fmt.Errorf("save local fields: %w", err)
	}
	return LocalUpdateResult{LocalID: lead.LocalID, Applied: patch.Fields()}, nil
}

// UpdateLocalFieldsRaw classifies an untyped map before writing. External
// authoritative fields are rejected with a warning and go nowhere.
func (s *OwnershipService) UpdateLocalFieldsRaw(ctx context.Context, tenantID, id string, raw map[string]any) (LocalUpdateResult, error) {
	c := entity.ClassifyFields(raw)
	if len(c.Rejected) > 0 {
		logger.C(ctx, s.Log).Warn().Str("lead", id).Interface("fields", c.Rejected).
			Msg("rejected external-authoritative fields on local-only writer")
	}
	if c.Patch.IsEmpty() {
		return LocalUpdateResult{Rejected: c.Rejected, Ignored: c.Ignored}, ErrNoLocalFields
	}
	res, err := s.UpdateLocalFields(ctx, tenantID, id, c.Patch)
	res.Rejected = c.Rejected
	res.Ignored = c.Ignored
	return res, err
}

// EnsureLocalRecord returns the mirror of externalID, creating a minimal
// shadow from seed when none exists. A seed without email or phone is refused
// with ErrSeedWithoutContact.
func (s *OwnershipService) EnsureLocalRecord(ctx context.Context, tenantID, externalID string, seed entity.LeadSeed) (*entity.Lead, error) {
	lead, err := s.Repo.FindOneBy(ctx, tenantID, entity.LeadLookup{ExternalID: externalID})
	if err == nil {
		return lead, nil
	}
	if !errors.Is(err, entity.ErrLeadNotFound) {
		return nil, err
	}
	if seed.Email == "" && seed.Phone == "" {
		return nil, ErrSeedWithoutContact
	}
	return s.Repo.CreateShadow(ctx, entity.NewShadowLead(tenantID, externalID, seed))
}

// MergeWithLocalData overlays local-only fields onto a CRM record. Status and
// the other external-authoritative fields always come from ext.
func (s *OwnershipService) MergeWithLocalData(ctx context.Context, tenantID string, ext *entity.ExternalLead) MergedLead {
	local, err := s.Repo.FindOneBy(ctx, tenantID, entity.LeadLookup{ExternalID: ext.ID})
	if err != nil && !errors.Is(err, entity.ErrLeadNotFound) {
		logger.C(ctx, s.Log).Warn().Err(err).Str("lead", ext.ID).Msg("local overlay unavailable")
	}
	return mergeView(ext, local)
}

// MergeBatch is MergeWithLocalData for many records with one local query.
func (s *OwnershipService) MergeBatch(ctx context.Context, tenantID string, exts []entity.ExternalLead) []MergedLead {
	ids := make([]string, 0, len(exts))
	for _, e := range exts {
		ids = append(ids, e.ID)
	}
	locals, err := s.Repo.FindByExternalIDs(ctx, tenantID, ids)
	if err != nil {
		logger.C(ctx, s.Log).Warn().Err(err).Int("count", len(ids)).Msg("local overlay unavailable for batch")
	}
	out := make([]MergedLead, 0, len(exts))
	for i := range exts {
		out = append(out, mergeView(&exts[i], locals[exts[i].ID]))
	}
	return out
}

// GetMergedLead reads the CRM first. When the CRM cannot be read the local
// copy is returned and flagged stale.
func (s *OwnershipService) GetMergedLead(ctx context.Context, tenantID, id string) (MergedLead, error) {
	local, err := s.resolve(ctx, tenantID, id)
	if err != nil && !errors.Is(err, entity.ErrLeadNotFound) {
		logger.C(ctx, s.Log).Warn().Err(err).Str("lead", id).Msg("local lookup failed")
	}

	externalID := id
	if local != nil {
		externalID = local.ExternalID
	}
	if externalID != "" {
		ext, extErr := s.CRM.GetByID(ctx, tenantID, externalID)
		if extErr == nil && ext != nil {
			return mergeView(ext, local), nil
		}
		if extErr != nil {
			logger.C(ctx, s.Log).Warn().Err(extErr).Str("lead", externalID).Msg("crm read failed, serving local cache")
		}
	}
	if local == nil {
		return MergedLead{}, entity.ErrLeadNotFound
	}
	view := mergeView(&entity.ExternalLead{
		ID: local.ExternalID, Name: local.Name, Email: local.Email, Phone: local.Phone,
		Company: local.Company, SourceTag: local.SourceTag, Status: local.Status,
	}, local)
	view.Stale = true
	return view, nil
}

func mergeView(ext *entity.ExternalLead, local *entity.Lead) MergedLead {
	m := MergedLead{ExternalLead: *ext}
	if local == nil {
		m.StatusSyncedToExternal = true
		return m
	}
	m.LocalID = local.LocalID
	m.AssignedTo = local.AssignedTo
	m.InternalNotes = local.InternalNotes
	m.LastContactedAt = local.LastContactedAt
	m.AutomationStage = local.AutomationStage
	m.NextFollowUpAt = local.NextFollowUpAt
	m.StatusSyncedToExternal = local.StatusSyncedToExternal
	m.PendingSync = len(local.PendingSync)
	return m
}

package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/logger"
)

// SyncPendingToExternal replays queued external writes and creates the CRM
// records of shadow leads. It never changes the local status value. Only one
// sweep runs at a time per process; a concurrent call gets ErrSweepInProgress.
func (s *OwnershipService) SyncPendingToExternal(ctx context.Context) (SyncReport, error) {
	if !s.sweepMu.TryLock() {
		return SyncReport{}, ErrSweepInProgress
	}
	defer s.sweepMu.Unlock()

	log := logger.C(ctx, s.Log)
	var report SyncReport

	shadows, err := s.Repo.FindPendingExternalCreate(ctx, s.batchSize())
	if err != nil {
		return report, fmt.Errorf("load shadow leads: %w", err)
	}
	for _, lead := range shadows {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		s.reconcileShadow(ctx, log, lead, &report)
	}

	leads, err := s.Repo.FindWithPendingSync(ctx, s.batchSize())
	if err != nil {
		return report, fmt.Errorf("load pending leads: %w", err)
	}
	for _, lead := range leads {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		s.replay(ctx, log, lead, &report)
	}

	log.Info().
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Int("dead_lettered", report.DeadLettered).
		Int("adopted", report.Adopted).
		Int("total", report.Total).
		Msg("pending sync sweep finished")
	return report, nil
}

// replay delivers a lead's queue in order. A recoverable failure stops the
// lead so an older value is never written after a newer one. Only the
// delivered and failed entries are settled in the store; the status value
// is left alone.
func (s *OwnershipService) replay(ctx context.Context, log *zerolog.Logger, lead *entity.Lead, report *SyncReport) {
	report.Total += len(lead.PendingSync)
	if lead.ExternalID == "" {
		// still waiting on its CRM record
		report.Failed += len(lead.PendingSync)
		return
	}

	var ack entity.SyncAck
	for i, w := range lead.PendingSync {
		err := s.CRM.Update(ctx, lead.TenantID, lead.ExternalID, entity.ExternalWrite{
			Fields: map[entity.Field]string{w.Field: w.Value},
		})
		if err == nil {
			report.Synced++
			ack.Delivered = append(ack.Delivered, w)
			continue
		}

		w.Attempts++
		w.LastError = err.Error()
		if Classify(err) == OutcomeFatal || w.Attempts >= s.maxAttempts() {
			ack.Dead = append(ack.Dead, w)
			report.DeadLettered++
			log.Error().Err(err).Str("lead", lead.LocalID).Str("field", string(w.Field)).
				Int("attempts", w.Attempts).Msg("pending write dead-lettered")
			continue
		}

		report.Failed += len(lead.PendingSync) - i
		ack.Retried = append(ack.Retried, w)
		log.Warn().Err(err).Str("lead", lead.LocalID).Int("attempts", w.Attempts).Msg("pending write failed, retrying next sweep")
		break
	}

	if err := s.Repo.AckPending(ctx, lead.TenantID, lead.LocalID, ack); err != nil {
		// delivered writes are replayed next sweep; CRM updates are idempotent
		log.Error().Err(err).Str("lead", lead.LocalID).Msg("could not save sync state")
	}
}

// reconcileShadow gives a shadow lead its CRM record: an existing match by
// email or phone is adopted, otherwise the record is created.
func (s *OwnershipService) reconcileShadow(ctx context.Context, log *zerolog.Logger, lead *entity.Lead, report *SyncReport) {
	externalID, match, err := s.findExternalMatch(ctx, lead)
	if err != nil {
		log.Warn().Err(err).Str("lead", lead.LocalID).Msg("shadow match search failed")
		return
	}
	if externalID == "" {
		externalID, err = s.CRM.Create(ctx, lead.TenantID, entity.ExternalWriteFromLead(lead))
		if err != nil {
			log.Warn().Err(err).Str("lead", lead.LocalID).Msg("shadow create in crm failed")
			return
		}
	}

	err = s.Repo.AttachExternalID(ctx, lead.TenantID, lead.LocalID, externalID)
	if errors.Is(err, entity.ErrConflict) {
		s.mergeShadow(ctx, log, lead, externalID, report)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("lead", lead.LocalID).Str("external_id", externalID).Msg("could not attach external id")
		return
	}

	lead.ExternalID = externalID
	lead.PendingExternalCreate = false
	report.Adopted++
	// queued writes, if any, are replayed by the pending pass of this sweep
	if err := s.Repo.AckPending(ctx, lead.TenantID, lead.LocalID, entity.SyncAck{ShadowResolved: true}); err != nil {
		log.Warn().Err(err).Str("lead", lead.LocalID).Msg("could not settle adopted shadow")
	}

	eventType := entity.EventLeadCreated
	if match != entity.MatchNone {
		eventType = entity.EventLeadUpdated
	}
	mirror := entity.MirrorFields{Name: lead.Name, Email: lead.Email, Phone: lead.Phone, Company: lead.Company, SourceTag: lead.SourceTag}
	if _, err := s.Repo.UpsertByExternalID(ctx, lead.TenantID, externalID, mirror, entity.NewLeadEvent(eventType, lead, match)); err != nil {
		log.Warn().Err(err).Str("lead", lead.LocalID).Msg("could not record automation event for adopted shadow")
	}
}

// mergeShadow folds a shadow into the row that already mirrors its CRM
// record. Queued writes move over in timestamp order and local-only fields
// fill the target's empty ones. The shadow is left with an empty queue.
func (s *OwnershipService) mergeShadow(ctx context.Context, log *zerolog.Logger, shadow *entity.Lead, externalID string, report *SyncReport) {
	l := log.With().Str("lead", shadow.LocalID).Str("external_id", externalID).Logger()

	target, err := s.Repo.FindOneBy(ctx, shadow.TenantID, entity.LeadLookup{ExternalID: externalID})
	if err != nil {
		l.Error().Err(err).Msg("could not load the record mirroring the shadow's crm lead")
		return
	}
	if len(shadow.PendingSync) > 0 {
		if err := s.Repo.EnqueuePending(ctx, target.TenantID, target.LocalID, shadow.PendingSync); err != nil {
			l.Error().Err(err).Msg("could not move shadow writes")
			return
		}
	}
	if patch := fillLocalGaps(shadow, target); !patch.IsEmpty() {
		if _, err := s.UpdateLocalFields(ctx, target.TenantID, target.LocalID, patch); err != nil {
			l.Warn().Err(err).Msg("could not copy shadow local fields")
		}
	}

	ack := entity.SyncAck{Moved: shadow.PendingSync, ShadowResolved: true}
	if err := s.Repo.AckPending(ctx, shadow.TenantID, shadow.LocalID, ack); err != nil {
		// the next sweep merges again; already moved entries are skipped
		l.Error().Err(err).Msg("could not settle merged shadow")
		return
	}
	report.Adopted++
	l.Info().Str("into", target.LocalID).Int("moved", len(shadow.PendingSync)).Msg("shadow merged into mirrored lead")
}

// fillLocalGaps returns the local-only values of from that into lacks.
func fillLocalGaps(from, into *entity.Lead) entity.LocalPatch {
	var p entity.LocalPatch
	if from.AssignedTo != "" && into.AssignedTo == "" {
		p.AssignedTo = &from.AssignedTo
	}
	if from.InternalNotes != "" && into.InternalNotes == "" {
		p.InternalNotes = &from.InternalNotes
	}
	if from.LastContactedAt != nil && into.LastContactedAt == nil {
		p.LastContactedAt = from.LastContactedAt
	}
	if from.AutomationStage != "" && into.AutomationStage == "" {
		p.AutomationStage = &from.AutomationStage
	}
	if from.NextFollowUpAt != nil && into.NextFollowUpAt == nil {
		p.NextFollowUpAt = from.NextFollowUpAt
	}
	return p
}

func (s *OwnershipService) findExternalMatch(ctx context.Context, lead *entity.Lead) (string, entity.MatchType, error) {
	type lookup struct {
		field entity.SearchField
		value string
		match entity.MatchType
	}
	var lookups []lookup
	if lead.Email != "" {
		lookups = append(lookups, lookup{entity.SearchEmail, lead.Email, entity.MatchEmail})
	}
	if lead.Phone != "" {
		lookups = append(lookups,
			lookup{entity.SearchPhone, lead.Phone, entity.MatchPhone},
			lookup{entity.SearchMobile, lead.Phone, entity.MatchPhone})
	}
	for _, p := range lookups {
		ext, err := s.CRM.SearchByField(ctx, lead.TenantID, p.field, p.value)
		if err != nil {
			return "", "", err
		}
		if ext != nil && ext.ID != "" {
			return ext.ID, p.match, nil
		}
	}
	return "", entity.MatchNone, nil
}

func (s *OwnershipService) maxAttempts() int {
	if s.MaxAttempts < 1 {
		return DefaultSyncMaxAttempts
	}
	return s.MaxAttempts
}

func (s *OwnershipService) batchSize() int {
	if s.BatchSize < 1 {
		return DefaultSyncBatchSize
	}
	return s.BatchSize
}

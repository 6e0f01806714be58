package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/logger"
)

// DefaultLeadStatus is the status given to leads created by ingestion.
const DefaultLeadStatus = "New"

// CodeInvalidBatch rejects a batch before any lead is processed.
const CodeInvalidBatch = "INVALID_BATCH"

type ingestState string

const (
	stateReceived        ingestState = "received"
	stateNormalized      ingestState = "normalized"
	stateDuplicateCheck  ingestState = "duplicate_checked"
	stateExternalWritten ingestState = "external_written"
	stateLocalMirrored   ingestState = "local_mirrored"
	stateShadowed        ingestState = "shadowed"
	stateFailed          ingestState = "failed"
)

// IngestLeadUseCase drives one lead from raw input to the CRM, the local
// mirror and the automation outbox.
type IngestLeadUseCase struct {
	Normalizer *Normalizer
	Dedup      *Deduplicator
	CRM        CRMClient
	Repo       LeadRepository
	Log        *zerolog.Logger
	Now        func() time.Time
}

func NewIngestLeadUseCase(normalizer *Normalizer, dedup *Deduplicator, crm CRMClient, repo LeadRepository) *IngestLeadUseCase {
	return &IngestLeadUseCase{
		Normalizer: normalizer,
		Dedup:      dedup,
		CRM:        crm,
		Repo:       repo,
		Log:        logger.Named("ingest"),
		Now:        time.Now,
	}
}

// Execute always returns an output describing the result. The error is a
// DomainError for rejected input and a TechnicalError when the CRM write
// failed; local mirror and automation failures are logged only.
func (uc *IngestLeadUseCase) Execute(ctx context.Context, tenantID string, input IngestLeadInput) (*IngestLeadOutput, error) {
	start := uc.Now()
	log := logger.C(ctx, uc.Log).With().Str("source", input.Source).Logger()
	step := func(s ingestState) { log.Debug().Str("state", string(s)).Msg("ingest step") }
	step(stateReceived)

	lead, err := uc.Normalizer.Normalize(input)
	if err != nil {
		step(stateFailed)
		log.Info().Err(err).Msg("lead rejected by normalization")
		return uc.failure(start, err), err
	}
	lead.TenantID = tenantID
	step(stateNormalized)

	dup := uc.Dedup.FindDuplicate(ctx, lead, tenantID)
	action := DetermineAction(dup)
	step(stateDuplicateCheck)

	out := &IngestLeadOutput{Success: true}
	var (
		externalID string
		mirror     = entity.MirrorFields{Name: lead.Name, Email: lead.Email, Phone: lead.Phone, Company: lead.Company, SourceTag: lead.SourceTag}
		eventType  string
	)

	if action.Kind == ActionCreate || dup.ExternalID == "" {
		lead.Status = DefaultLeadStatus
		externalID, err = uc.CRM.Create(ctx, tenantID, entity.ExternalWriteFromLead(lead))
		if err != nil {
			step(stateFailed)
			uc.recordShadow(ctx, &log, lead, dup)
			step(stateShadowed)
			err = externalFailed("create", err)
			return uc.failure(start, err), err
		}
		if dup.Local != nil {
			// a shadow from an earlier failed ingest now has its CRM record
			if err := uc.Repo.AttachExternalID(ctx, tenantID, dup.LocalID, externalID); err != nil {
				log.Warn().Err(err).Str("local_id", dup.LocalID).Msg("could not link shadow to new crm record")
			}
		}
		mirror.Status = DefaultLeadStatus
		eventType = entity.EventLeadCreated
		out.Action = ActionCreated
		out.Message = "Lead created successfully"
	} else {
		externalID = dup.ExternalID
		w := entity.ExternalWriteFromLead(lead)
		delete(w.Fields, entity.FieldStatus)
		if err := uc.CRM.Update(ctx, tenantID, externalID, w); err != nil {
			step(stateFailed)
			err = externalFailed("update", err)
			return uc.failure(start, err), err
		}
		if dup.External != nil {
			mirror.Status = dup.External.Status
		}
		eventType = entity.EventLeadUpdated
		out.Action = ActionUpdated
		out.Message = fmt.Sprintf("Existing lead updated (matched by %s)", action.MatchType)
	}
	step(stateExternalWritten)

	lead.ExternalID = externalID
	out.LeadID = externalID
	if action.MatchType != entity.MatchNone {
		mt := action.MatchType
		out.MatchedBy = &mt
	}

	local, err := uc.Repo.UpsertByExternalID(ctx, tenantID, externalID, mirror, entity.NewLeadEvent(eventType, lead, action.MatchType))
	if err != nil {
		log.Warn().Err(err).Str("external_id", externalID).Msg("local mirror write failed")
	} else {
		id := local.LocalID
		out.MongoID = &id
		step(stateLocalMirrored)
	}

	out.ProcessingTime = uc.Now().Sub(start).Milliseconds()
	log.Info().Str("action", out.Action).Str("external_id", externalID).Int64("ms", out.ProcessingTime).Msg("lead ingested")
	return out, nil
}

// ExecuteBatch ingests leads one at a time in input order. A failed lead is
// reported in its slot and does not stop the batch.
func (uc *IngestLeadUseCase) ExecuteBatch(ctx context.Context, tenantID string, inputs []IngestLeadInput) (*IngestBatchOutput, error) {
	if len(inputs) == 0 || len(inputs) > MaxBatchSize {
		return nil, &DomainError{
			Code:    CodeInvalidBatch,
			Message: fmt.Sprintf("batch must hold between 1 and %d leads, got %d", MaxBatchSize, len(inputs)),
		}
	}

	res := &IngestBatchOutput{Results: make([]IngestLeadOutput, 0, len(inputs))}
	for _, in := range inputs {
		var out *IngestLeadOutput
		if err := ctx.Err(); err != nil {
			out = uc.failure(uc.Now(), &TechnicalError{Code: CodeCancelled, Message: "batch cancelled before this lead was processed", Err: err})
		} else {
			out, _ = uc.Execute(ctx, tenantID, in)
		}
		res.Results = append(res.Results, *out)
		switch {
		case !out.Success:
			res.Summary.Failed++
		case out.Action == ActionCreated:
			res.Summary.Created++
		default:
			res.Summary.Updated++
		}
	}
	res.Summary.Total = len(inputs)
	return res, nil
}

// recordShadow keeps a lead whose CRM create failed so the sweep can create
// it later. An existing local match is flagged instead of duplicated.
func (uc *IngestLeadUseCase) recordShadow(ctx context.Context, log *zerolog.Logger, lead *entity.Lead, dup DuplicateResult) {
	if dup.Local != nil {
		if dup.Local.PendingExternalCreate {
			return
		}
		dup.Local.PendingExternalCreate = true
		if err := uc.Repo.SaveSyncState(ctx, dup.Local); err != nil {
			log.Error().Err(err).Str("local_id", dup.Local.LocalID).Msg("could not flag lead for crm create")
		}
		return
	}

	shadow := entity.NewShadowLead(lead.TenantID, "", lead.Seed())
	shadow.Company = lead.Company
	shadow.SourceTag = lead.SourceTag
	shadow.Extra = lead.Extra
	shadow.Status = DefaultLeadStatus
	shadow.PendingExternalCreate = true
	if _, err := uc.Repo.CreateShadow(ctx, shadow); err != nil {
		log.Error().Err(err).Msg("could not store shadow lead after crm failure")
		return
	}
	log.Warn().Str("local_id", shadow.LocalID).Msg("crm create failed, shadow lead stored for sync")
}

func (uc *IngestLeadUseCase) failure(start time.Time, err error) *IngestLeadOutput {
	return &IngestLeadOutput{
		Success:        false,
		Error:          err.Error(),
		ErrorCode:      ErrorCode(err),
		ProcessingTime: uc.Now().Sub(start).Milliseconds(),
	}
}

func externalFailed(op string, err error) error {
	return &TechnicalError{
		Code:    CodeExternalFailed,
		Message: fmt.Sprintf("crm %s failed: %v", op, err),
		Err:     err,
	}
}

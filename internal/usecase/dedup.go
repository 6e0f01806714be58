package usecase

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/logger"
)

// Where a duplicate was found, and where an action applies.
const (
	TargetExternal = "external"
	TargetLocal    = "local"
)

// DuplicateResult describes the first match of FindDuplicate.
type DuplicateResult struct {
	Found      bool
	MatchType  entity.MatchType
	Source     string
	ExternalID string
	LocalID    string
	External   *entity.ExternalLead
	Local      *entity.Lead
}

// Action is what the orchestrator should do with a lead.
type Action struct {
	Kind      string // ActionCreate or ActionUpdate
	Target    string
	ID        string
	MatchType entity.MatchType
}

const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

// Deduplicator looks for an existing lead in the CRM first, then locally.
type Deduplicator struct {
	CRM  CRMClient
	Repo LeadRepository
	Log  *zerolog.Logger
}

func NewDeduplicator(crm CRMClient, repo LeadRepository) *Deduplicator {
	return &Deduplicator{CRM: crm, Repo: repo, Log: logger.Named("dedup")}
}

// FindDuplicate never fails: a lookup error is logged and treated as no match.
func (d *Deduplicator) FindDuplicate(ctx context.Context, lead *entity.Lead, tenantID string) DuplicateResult {
	log := logger.C(ctx, d.Log)

	if lead.Email != "" {
		if ext := d.searchExternal(ctx, log, tenantID, entity.SearchEmail, lead.Email); ext != nil {
			return DuplicateResult{Found: true, MatchType: entity.MatchEmail, Source: TargetExternal, ExternalID: ext.ID, External: ext}
		}
	}

	if lead.Phone != "" {
		for _, field := range []entity.SearchField{entity.SearchPhone, entity.SearchMobile} {
			if ext := d.searchExternal(ctx, log, tenantID, field, lead.Phone); ext != nil {
				return DuplicateResult{Found: true, MatchType: entity.MatchPhone, Source: TargetExternal, ExternalID: ext.ID, External: ext}
			}
		}
	}

	var lookups []entity.LeadLookup
	if lead.Email != "" {
		lookups = append(lookups, entity.LeadLookup{Email: lead.Email})
	}
	if suffix := lead.PhoneLast10(); suffix != "" {
		lookups = append(lookups, entity.LeadLookup{PhoneSuffix: suffix})
	}
	for _, lookup := range lookups {
		local, err := d.Repo.FindOneBy(ctx, tenantID, lookup)
		if err != nil {
			if !errors.Is(err, entity.ErrLeadNotFound) {
				log.Warn().Err(err).Msg("local duplicate lookup failed, treating as no match")
			}
			continue
		}
		res := DuplicateResult{Found: true, Source: TargetLocal, LocalID: local.LocalID, ExternalID: local.ExternalID, Local: local}
		if local.ExternalID != "" {
			res.MatchType = entity.MatchExternalID
		} else {
			res.MatchType = entity.MatchLocalID
		}
		return res
	}

	return DuplicateResult{MatchType: entity.MatchNone}
}

func (d *Deduplicator) searchExternal(ctx context.Context, log *zerolog.Logger, tenantID string, field entity.SearchField, value string) *entity.ExternalLead {
	ext, err := d.CRM.SearchByField(ctx, tenantID, field, value)
	if err != nil {
		log.Warn().Err(err).Str("field", string(field)).Msg("crm duplicate search failed, treating as no match")
		return nil
	}
	if ext == nil || ext.ID == "" {
		return nil
	}
	return ext
}

// DetermineAction maps a duplicate result to a create or update.
func DetermineAction(res DuplicateResult) Action {
	if !res.Found {
		return Action{Kind: ActionCreate, Target: TargetExternal, MatchType: entity.MatchNone}
	}
	id := res.ExternalID
	if id == "" {
		id = res.LocalID
	}
	return Action{Kind: ActionUpdate, Target: res.Source, ID: id, MatchType: res.MatchType}
}

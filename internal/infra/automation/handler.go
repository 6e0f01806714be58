// Package automation runs the asynchronous side effects of lead events: the
// sales notification and the automation bookkeeping kept in local-only fields.
package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/infra/http/middleware"
	"github.com/xavierca1/leadsync/internal/logger"
	"github.com/xavierca1/leadsync/internal/usecase"
)

const DefaultFollowUpAfter = 24 * time.Hour

type Notifier interface {
	SendNewLead(ev entity.LeadEvent) error
}

// LocalWriter is the local-only writer of the ownership layer.
type LocalWriter interface {
	UpdateLocalFields(ctx context.Context, tenantID, id string, patch entity.LocalPatch) (usecase.LocalUpdateResult, error)
}

type LeadAutomation struct {
	// Notifier is optional; without it no e-mail is sent.
	Notifier      Notifier
	Local         LocalWriter
	FollowUpAfter time.Duration
	Now           func() time.Time
	Log           *zerolog.Logger
}

func NewLeadAutomation(notifier Notifier, local LocalWriter) *LeadAutomation {
	return &LeadAutomation{
		Notifier:      notifier,
		Local:         local,
		FollowUpAfter: DefaultFollowUpAfter,
		Now:           func() time.Time { return time.Now().UTC() },
		Log:           logger.Named("automation"),
	}
}

// Handle is called at least once per event; every step tolerates a repeat.
func (a *LeadAutomation) Handle(ctx context.Context, ev entity.LeadEvent) error {
	log := logger.C(ctx, a.Log)

	var patch entity.LocalPatch
	switch ev.Type {
	case entity.EventLeadCreated:
		if a.Notifier != nil {
			if err := a.Notifier.SendNewLead(ev); err != nil {
				middleware.RecordIntegrationError("smtp")
				return err
			}
		}
		stage := StageSalesNotified
		next := a.Now().Add(a.FollowUpAfter)
		patch.AutomationStage = &stage
		patch.NextFollowUpAt = &next
	case entity.EventLeadUpdated:
		stage := StageLeadUpdated
		patch.AutomationStage = &stage
	default:
		log.Debug().Str("event", ev.Type).Msg("no automation for event type")
		return nil
	}

	id := ev.LocalID
	if id == "" {
		id = ev.ExternalID
	}
	if _, err := a.Local.UpdateLocalFields(ctx, ev.TenantID, id, patch); err != nil {
		return fmt.Errorf("record automation stage for %s: %w", id, err)
	}

	log.Info().Str("event", ev.Type).Str("local_id", ev.LocalID).Str("stage", *patch.AutomationStage).Msg("lead automation done")
	return nil
}

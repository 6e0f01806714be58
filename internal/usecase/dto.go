package usecase

import (
	"encoding/json"
	"time"

	"github.com/xavierca1/leadsync/internal/entity"
)

// MaxBatchSize caps IngestBatch.
const MaxBatchSize = 50

// IngestLeadInput is the raw third-party lead.
type IngestLeadInput struct {
	Name    string         `json:"name" validate:"max=500"`
	Email   string         `json:"email,omitempty" validate:"omitempty,max=320"`
	Phone   string         `json:"phone,omitempty" validate:"omitempty,max=40"`
	Company string         `json:"company,omitempty" validate:"omitempty,max=200"`
	Source  string         `json:"source" validate:"omitempty,max=100"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// IngestLeadOutput mirrors the API success and failure bodies.
type IngestLeadOutput struct {
	Success        bool              `json:"success"`
	Action         string            `json:"action,omitempty"`
	LeadID         string            `json:"leadId,omitempty"`
	MongoID        *string           `json:"mongoId"`
	MatchedBy      *entity.MatchType `json:"matchedBy"`
	Message        string            `json:"message,omitempty"`
	Error          string            `json:"error,omitempty"`
	ErrorCode      string            `json:"errorCode,omitempty"`
	ProcessingTime int64             `json:"processingTime"`
}

// ingestFailureBody is the failure shape of IngestLeadOutput.
type ingestFailureBody struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	ErrorCode      string `json:"errorCode"`
	ProcessingTime int64  `json:"processingTime"`
}

// MarshalJSON writes mongoId and matchedBy, possibly null, on success only.
func (o IngestLeadOutput) MarshalJSON() ([]byte, error) {
	if !o.Success {
		return json.Marshal(ingestFailureBody{
			Error: o.Error, ErrorCode: o.ErrorCode, ProcessingTime: o.ProcessingTime,
		})
	}
	type body IngestLeadOutput
	return json.Marshal(body(o))
}

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// BatchSummary aggregates IngestBatch results.
type BatchSummary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

type IngestBatchOutput struct {
	Results []IngestLeadOutput `json:"results"`
	Summary BatchSummary       `json:"summary"`
}

// StatusUpdateResult reports where a status change landed.
type StatusUpdateResult struct {
	Outcome    Outcome `json:"-"`
	LocalID    string  `json:"localId,omitempty"`
	ExternalID string  `json:"externalId,omitempty"`
	Status     string  `json:"status"`
	Synced     bool    `json:"synced"`
	Pending    int     `json:"pending"`
}

// LocalUpdateResult reports what the local-only writer applied.
type LocalUpdateResult struct {
	LocalID  string         `json:"localId"`
	Applied  []entity.Field `json:"applied"`
	Rejected []entity.Field `json:"rejected"`
	Ignored  []string       `json:"ignored"`
}

// MergedLead is the read-side view: CRM values with local-only fields overlaid.
type MergedLead struct {
	entity.ExternalLead
	LocalID                string     `json:"localId,omitempty"`
	AssignedTo             string     `json:"assignedTo,omitempty"`
	InternalNotes          string     `json:"internalNotes,omitempty"`
	LastContactedAt        *time.Time `json:"lastContactedAt,omitempty"`
	AutomationStage        string     `json:"automationStage,omitempty"`
	NextFollowUpAt         *time.Time `json:"nextFollowUpAt,omitempty"`
	StatusSyncedToExternal bool       `json:"statusSyncedToExternal"`
	PendingSync            int        `json:"pendingSync"`
	// Stale is set when the CRM could not be read and the values come from the local cache.
	Stale bool `json:"stale"`
}

// SyncReport is the result of one reconciliation sweep.
type SyncReport struct {
	Synced       int `json:"synced"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"deadLettered"`
	Adopted      int `json:"adopted"`
	Total        int `json:"total"`
}

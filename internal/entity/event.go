package entity

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventLeadCreated = "lead.created"
	EventLeadUpdated = "lead.updated"
)

// Outbox event states.
const (
	EventPending   = "PENDING"
	EventPublished = "PUBLISHED"
	EventDead      = "DEAD"
)

// LeadEvent is what automation consumers receive.
type LeadEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	LocalID    string    `json:"local_id"`
	ExternalID string    `json:"external_id,omitempty"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Company    string    `json:"company,omitempty"`
	SourceTag  string    `json:"source_tag,omitempty"`
	MatchType  MatchType `json:"match_type,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewLeadEvent snapshots l. LocalID is filled by the store when the mirror
// row is written in the same transaction.
func NewLeadEvent(eventType string, l *Lead, match MatchType) *LeadEvent {
	return &LeadEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		TenantID:   l.TenantID,
		LocalID:    l.LocalID,
		ExternalID: l.ExternalID,
		Name:       l.Name,
		Email:      l.Email,
		Phone:      l.Phone,
		Company:    l.Company,
		SourceTag:  l.SourceTag,
		MatchType:  match,
		OccurredAt: time.Now().UTC(),
	}
}

// OutboxRecord is a stored LeadEvent with its delivery bookkeeping.
type OutboxRecord struct {
	Event     LeadEvent
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

package entity

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLeadNotFound = errors.New("lead not found")
	// ErrConflict is returned when a write violates a uniqueness constraint of the local store.
	ErrConflict = errors.New("lead conflicts with an existing record")
)

// MatchType says how a duplicate lead was located.
type MatchType string

const (
	MatchEmail      MatchType = "email"
	MatchPhone      MatchType = "phone"
	MatchExternalID MatchType = "externalId"
	MatchLocalID    MatchType = "localId"
	MatchNone       MatchType = "none"
)

// PendingWrite is an external write that was applied locally but not yet
// delivered to the CRM.
type PendingWrite struct {
	Field     Field     `json:"field"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// Lead is the canonical lead record, as mirrored in the local store.
type Lead struct {
	LocalID    string `json:"local_id"`
	TenantID   string `json:"tenant_id"`
	ExternalID string `json:"external_id,omitempty"`

	Name      string            `json:"name"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Company   string            `json:"company,omitempty"`
	SourceTag string            `json:"source_tag,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`

	Status                 string         `json:"status,omitempty"`
	StatusSyncedToExternal bool           `json:"status_synced_to_external"`
	PendingSync            []PendingWrite `json:"pending_sync,omitempty"`
	DeadLetters            []PendingWrite `json:"dead_letters,omitempty"`
	PendingExternalCreate  bool           `json:"pending_external_create"`

	AssignedTo      string     `json:"assigned_to,omitempty"`
	InternalNotes   string     `json:"internal_notes,omitempty"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	AutomationStage string     `json:"automation_stage,omitempty"`
	NextFollowUpAt  *time.Time `json:"next_follow_up_at,omitempty"`

	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	LocalFieldsUpdatedAt *time.Time `json:"local_fields_updated_at,omitempty"`
}

// NewShadowLead builds a local-only record holding just the seed identity.
func NewShadowLead(tenantID, externalID string, seed LeadSeed) *Lead {
	now := time.Now().UTC()
	return &Lead{
		LocalID:    uuid.New().String(),
		TenantID:   tenantID,
		ExternalID: externalID,
		Name:       seed.Name,
		Email:      seed.Email,
		Phone:      seed.Phone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// LeadSeed is the minimal identity copied into a shadow record.
type LeadSeed struct {
	Name  string
	Email string
	Phone string
}

func (l *Lead) Seed() LeadSeed {
	return LeadSeed{Name: l.Name, Email: l.Email, Phone: l.Phone}
}

// PhoneLast10 is the lookup key that tolerates country-prefix variance.
func (l *Lead) PhoneLast10() string {
	return PhoneSuffix(l.Phone)
}

// PhoneSuffix returns the last ten digits of phone.
func PhoneSuffix(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) > 10 {
		return d[len(d)-10:]
	}
	return d
}

// SameEntry reports whether w and o are the same queued change.
func (w PendingWrite) SameEntry(o PendingWrite) bool {
	return w.Field == o.Field && w.Value == o.Value && w.Timestamp.Equal(o.Timestamp)
}

// SyncAck is what one sweep pass did with the queued writes it read.
type SyncAck struct {
	Delivered []PendingWrite // accepted by the CRM
	Dead      []PendingWrite // given up on
	Retried   []PendingWrite // failed again, Attempts and LastError updated
	Moved     []PendingWrite // handed to another record
	// ShadowResolved clears PendingExternalCreate.
	ShadowResolved bool
}

// ApplyAck settles the entries named by ack that are still queued. Entries
// queued after the sweep read the lead are kept, and Status is never touched.
// The lead is marked synced only when its queue ends up empty and nothing was
// dead-lettered.
func (l *Lead) ApplyAck(ack SyncAck) {
	take := func(w PendingWrite) bool {
		for i, p := range l.PendingSync {
			if p.SameEntry(w) {
				l.PendingSync = append(l.PendingSync[:i], l.PendingSync[i+1:]...)
				return true
			}
		}
		return false
	}

	for _, w := range ack.Delivered {
		take(w)
	}
	for _, w := range ack.Moved {
		take(w)
	}
	dead := 0
	for _, w := range ack.Dead {
		if take(w) {
			l.DeadLetters = append(l.DeadLetters, w)
			dead++
		}
	}
	for _, w := range ack.Retried {
		for i := range l.PendingSync {
			if l.PendingSync[i].SameEntry(w) {
				l.PendingSync[i].Attempts = w.Attempts
				l.PendingSync[i].LastError = w.LastError
				break
			}
		}
	}
	if ack.ShadowResolved {
		l.PendingExternalCreate = false
	}
	if len(l.PendingSync) == 0 && dead == 0 {
		l.StatusSyncedToExternal = true
	}
}

// MergePending adds the writes not already queued, keeping the queue in
// timestamp order.
func (l *Lead) MergePending(ws []PendingWrite) {
	added := false
	for _, w := range ws {
		if slices.ContainsFunc(l.PendingSync, w.SameEntry) {
			continue
		}
		l.PendingSync = append(l.PendingSync, w)
		added = true
	}
	if !added {
		return
	}
	slices.SortStableFunc(l.PendingSync, func(a, b PendingWrite) int { return a.Timestamp.Compare(b.Timestamp) })
	l.StatusSyncedToExternal = false
}

// QueueWrite appends a pending write and marks the lead unsynced.
func (l *Lead) QueueWrite(w PendingWrite) {
	l.PendingSync = append(l.PendingSync, w)
	l.StatusSyncedToExternal = false
}

// ClearPending drops every pending entry for field.
func (l *Lead) ClearPending(field Field) {
	kept := l.PendingSync[:0]
	for _, w := range l.PendingSync {
		if w.Field != field {
			kept = append(kept, w)
		}
	}
	l.PendingSync = kept
}

// LeadLookup selects a single local record. Exactly one key should be set.
type LeadLookup struct {
	LocalID     string
	ExternalID  string
	Email       string
	PhoneSuffix string
}

// MirrorFields are the external-authoritative values copied into the local
// mirror after a successful CRM write.
type MirrorFields struct {
	Name      string
	Email     string
	Phone     string
	Company   string
	SourceTag string
	Status    string
}

// SearchField is a CRM field the deduplicator may search on.
type SearchField string

const (
	SearchEmail  SearchField = "email"
	SearchPhone  SearchField = "phone"  // primary phone field
	SearchMobile SearchField = "mobile" // secondary phone field
)

// ExternalLead is a lead as read from the CRM.
type ExternalLead struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Mobile    string            `json:"mobile,omitempty"`
	Company   string            `json:"company,omitempty"`
	SourceTag string            `json:"source_tag,omitempty"`
	Status    string            `json:"status,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// ExternalWrite is a create or update payload for the CRM. Only
// external-authoritative fields may be present in Fields.
type ExternalWrite struct {
	Fields map[Field]string
	Extra  map[string]string
}

// ExternalWriteFromLead builds the CRM payload for a normalized lead.
func ExternalWriteFromLead(l *Lead) ExternalWrite {
	w := ExternalWrite{Fields: map[Field]string{FieldName: l.Name}, Extra: l.Extra}
	if l.Email != "" {
		w.Fields[FieldEmail] = l.Email
	}
	if l.Phone != "" {
		w.Fields[FieldPhone] = l.Phone
	}
	if l.Company != "" {
		w.Fields[FieldCompany] = l.Company
	}
	if l.SourceTag != "" {
		w.Fields[FieldSourceTag] = l.SourceTag
	}
	if l.Status != "" {
		w.Fields[FieldStatus] = l.Status
	}
	return w
}

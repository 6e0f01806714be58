package entity

import (
	"fmt"
	"strings"
	"time"
)

// Field names a lead attribute. Every Field is owned by exactly one store.
type Field string

const (
	FieldStatus    Field = "status"
	FieldName      Field = "name"
	FieldEmail     Field = "email"
	FieldPhone     Field = "phone"
	FieldCompany   Field = "company"
	FieldSourceTag Field = "sourceTag"

	FieldAssignedTo      Field = "assignedTo"
	FieldInternalNotes   Field = "internalNotes"
	FieldLastContactedAt Field = "lastContactedAt"
	FieldAutomationStage Field = "automationStage"
	FieldNextFollowUpAt  Field = "nextFollowUpAt"
)

// Ownership says which store is allowed to be written for a field.
type Ownership int

const (
	OwnershipUnknown Ownership = iota
	OwnershipExternal
	OwnershipLocal
)

func (o Ownership) String() string {
	switch o {
	case OwnershipExternal:
		return "external"
	case OwnershipLocal:
		return "local"
	default:
		return "unknown"
	}
}

// AllFields lists every classified field. Tests assert each one has an owner.
var AllFields = []Field{
	FieldStatus, FieldName, FieldEmail, FieldPhone, FieldCompany, FieldSourceTag,
	FieldAssignedTo, FieldInternalNotes, FieldLastContactedAt, FieldAutomationStage, FieldNextFollowUpAt,
}

// Ownership is an exhaustive switch; a new Field without a case here reports
// OwnershipUnknown and is refused by both writers.
func (f Field) Ownership() Ownership {
	switch f {
	case FieldStatus, FieldName, FieldEmail, FieldPhone, FieldCompany, FieldSourceTag:
		return OwnershipExternal
	case FieldAssignedTo, FieldInternalNotes, FieldLastContactedAt, FieldAutomationStage, FieldNextFollowUpAt:
		return OwnershipLocal
	default:
		return OwnershipUnknown
	}
}

func (f Field) IsExternal() bool { return f.Ownership() == OwnershipExternal }
func (f Field) IsLocal() bool    { return f.Ownership() == OwnershipLocal }

// ParseField accepts the camelCase wire name or its snake_case spelling.
func ParseField(name string) (Field, bool) {
	n := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
	for _, f := range AllFields {
		if strings.ToLower(string(f)) == n {
			return f, true
		}
	}
	return "", false
}

// LocalPatch is the only shape the local-only writer accepts. Nil pointers are
// left untouched.
type LocalPatch struct {
	AssignedTo      *string
	InternalNotes   *string
	LastContactedAt *time.Time
	AutomationStage *string
	NextFollowUpAt  *time.Time
}

func (p LocalPatch) IsEmpty() bool {
	return p.AssignedTo == nil && p.InternalNotes == nil && p.LastContactedAt == nil &&
		p.AutomationStage == nil && p.NextFollowUpAt == nil
}

// Fields returns the fields set on the patch, in declaration order.
func (p LocalPatch) Fields() []Field {
	var out []Field
	if p.AssignedTo != nil {
		out = append(out, FieldAssignedTo)
	}
	if p.InternalNotes != nil {
		out = append(out, FieldInternalNotes)
	}
	if p.LastContactedAt != nil {
		out = append(out, FieldLastContactedAt)
	}
	if p.AutomationStage != nil {
		out = append(out, FieldAutomationStage)
	}
	if p.NextFollowUpAt != nil {
		out = append(out, FieldNextFollowUpAt)
	}
	return out
}

// Apply copies the set values onto l.
func (p LocalPatch) Apply(l *Lead) {
	if p.AssignedTo != nil {
		l.AssignedTo = *p.AssignedTo
	}
	if p.InternalNotes != nil {
		l.InternalNotes = *p.InternalNotes
	}
	if p.LastContactedAt != nil {
		t := *p.LastContactedAt
		l.LastContactedAt = &t
	}
	if p.AutomationStage != nil {
		l.AutomationStage = *p.AutomationStage
	}
	if p.NextFollowUpAt != nil {
		t := *p.NextFollowUpAt
		l.NextFollowUpAt = &t
	}
}

// FieldClassification is the result of splitting an untyped field map.
type FieldClassification struct {
	Patch    LocalPatch
	Rejected []Field  // external-authoritative, never written locally
	Ignored  []string // unknown names or unparsable values
}

// ClassifyFields splits raw into a LocalPatch. External-authoritative keys are
// reported in Rejected and unknown keys in Ignored.
func ClassifyFields(raw map[string]any) FieldClassification {
	var out FieldClassification
	for key, value := range raw {
		f, ok := ParseField(key)
		if !ok {
			out.Ignored = append(out.Ignored, key)
			continue
		}
		switch f.Ownership() {
		case OwnershipExternal:
			out.Rejected = append(out.Rejected, f)
		case OwnershipLocal:
			if err := setLocal(&out.Patch, f, value); err != nil {
				out.Ignored = append(out.Ignored, key)
			}
		default:
			out.Ignored = append(out.Ignored, key)
		}
	}
	return out
}

func setLocal(p *LocalPatch, f Field, value any) error {
	switch f {
	case FieldAssignedTo:
		s, err := asString(value)
		if err != nil {
			return err
		}
		p.AssignedTo = &s
	case FieldInternalNotes:
		s, err := asString(value)
		if err != nil {
			return err
		}
		p.InternalNotes = &s
	case FieldAutomationStage:
		s, err := asString(value)
		if err != nil {
			return err
		}
		p.AutomationStage = &s
	case FieldLastContactedAt:
		t, err := asTime(value)
		if err != nil {
			return err
		}
		p.LastContactedAt = &t
	case FieldNextFollowUpAt:
		t, err := asTime(value)
		if err != nil {
			return err
		}
		p.NextFollowUpAt = &t
	default:
		return fmt.Errorf("field %s is not local", f)
	}
	return nil
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case nil:
		return "", nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339, t)
	default:
		return time.Time{}, fmt.Errorf("expected RFC3339 timestamp, got %T", v)
	}
}

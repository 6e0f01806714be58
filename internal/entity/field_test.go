package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryFieldHasAnOwner(t *testing.T) {
	for _, f := range AllFields {
		assert.NotEqual(t, OwnershipUnknown, f.Ownership(), f)
		assert.NotEqual(t, f.IsExternal(), f.IsLocal(), f)
	}
	assert.Equal(t, OwnershipUnknown, Field("favouriteColour").Ownership())
}

func TestParseField(t *testing.T) {
	tests := []struct {
		in   string
		want Field
		ok   bool
	}{
		{"assignedTo", FieldAssignedTo, true},
		{"assigned_to", FieldAssignedTo, true},
		{" NEXT_FOLLOW_UP_AT ", FieldNextFollowUpAt, true},
		{"status", FieldStatus, true},
		{"source_tag", FieldSourceTag, true},
		{"owner", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseField(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestClassifyFields(t *testing.T) {
	res := ClassifyFields(map[string]any{
		"assigned_to":     "maria",
		"internalNotes":   "called twice",
		"lastContactedAt": "2026-03-02T15:04:05Z",
		"status":          "Qualified",
		"email":           "x@example.com",
		"nextFollowUpAt":  42,
		"favouriteColour": "blue",
	})

	require.NotNil(t, res.Patch.AssignedTo)
	assert.Equal(t, "maria", *res.Patch.AssignedTo)
	require.NotNil(t, res.Patch.InternalNotes)
	require.NotNil(t, res.Patch.LastContactedAt)
	assert.True(t, res.Patch.LastContactedAt.Equal(time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)))
	assert.Nil(t, res.Patch.NextFollowUpAt)

	assert.ElementsMatch(t, []Field{FieldStatus, FieldEmail}, res.Rejected)
	assert.ElementsMatch(t, []string{"nextFollowUpAt", "favouriteColour"}, res.Ignored)
	assert.Equal(t, []Field{FieldAssignedTo, FieldInternalNotes, FieldLastContactedAt}, res.Patch.Fields())
}

func TestLocalPatchApply(t *testing.T) {
	stage := "sales_notified"
	next := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	l := &Lead{Name: "Ana", Status: "New", AssignedTo: "bob"}

	p := LocalPatch{AutomationStage: &stage, NextFollowUpAt: &next}
	require.False(t, p.IsEmpty())
	p.Apply(l)

	assert.Equal(t, "sales_notified", l.AutomationStage)
	assert.Equal(t, next, *l.NextFollowUpAt)
	assert.Equal(t, "bob", l.AssignedTo)
	assert.Equal(t, "New", l.Status)
	assert.True(t, LocalPatch{}.IsEmpty())
}

package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/usecase"
)

type MockNotifier struct{ mock.Mock }

func (m *MockNotifier) SendNewLead(ev entity.LeadEvent) error {
	return m.Called(ev).Error(0)
}

type MockLocalWriter struct{ mock.Mock }

func (m *MockLocalWriter) UpdateLocalFields(ctx context.Context, tenantID, id string, patch entity.LocalPatch) (usecase.LocalUpdateResult, error) {
	args := m.Called(ctx, tenantID, id, patch)
	return args.Get(0).(usecase.LocalUpdateResult), args.Error(1)
}

type captureDialer struct {
	msgs []*gomail.Message
	err  error
}

func (d *captureDialer) DialAndSend(m ...*gomail.Message) error {
	d.msgs = append(d.msgs, m...)
	return d.err
}

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func createdEvent() entity.LeadEvent {
	return entity.LeadEvent{
		ID: "ev-1", Type: entity.EventLeadCreated, TenantID: "acme", LocalID: "l-1", ExternalID: "z-1",
		Name: "Ana Souza", Email: "ana@example.com", Company: "Acme", SourceTag: "Website", OccurredAt: now,
	}
}

func newAutomation(n Notifier, w LocalWriter) *LeadAutomation {
	a := NewLeadAutomation(n, w)
	a.Now = func() time.Time { return now }
	return a
}

func TestHandle_CreatedNotifiesAndSchedulesFollowUp(t *testing.T) {
	n := new(MockNotifier)
	w := new(MockLocalWriter)
	ev := createdEvent()

	n.On("SendNewLead", ev).Return(nil).Once()
	w.On("UpdateLocalFields", mock.Anything, "acme", "l-1", mock.MatchedBy(func(p entity.LocalPatch) bool {
		return p.AutomationStage != nil && *p.AutomationStage == StageSalesNotified &&
			p.NextFollowUpAt != nil && p.NextFollowUpAt.Equal(now.Add(DefaultFollowUpAfter)) &&
			p.AssignedTo == nil && p.InternalNotes == nil
	})).Return(usecase.LocalUpdateResult{LocalID: "l-1"}, nil).Once()

	require.NoError(t, newAutomation(n, w).Handle(context.Background(), ev))
	n.AssertExpectations(t)
	w.AssertExpectations(t)
}

func TestHandle_NotificationFailureSkipsBookkeeping(t *testing.T) {
	n := new(MockNotifier)
	w := new(MockLocalWriter)
	n.On("SendNewLead", mock.Anything).Return(errors.New("smtp: connection refused"))

	err := newAutomation(n, w).Handle(context.Background(), createdEvent())

	assert.Error(t, err)
	w.AssertNotCalled(t, "UpdateLocalFields", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_UpdatedOnlyRecordsStage(t *testing.T) {
	w := new(MockLocalWriter)
	ev := createdEvent()
	ev.Type = entity.EventLeadUpdated
	ev.LocalID = ""

	w.On("UpdateLocalFields", mock.Anything, "acme", "z-1", mock.MatchedBy(func(p entity.LocalPatch) bool {
		return *p.AutomationStage == StageLeadUpdated && p.NextFollowUpAt == nil
	})).Return(usecase.LocalUpdateResult{}, nil).Once()

	require.NoError(t, newAutomation(nil, w).Handle(context.Background(), ev))
	w.AssertExpectations(t)
}

func TestHandle_LocalWriteErrorIsReturned(t *testing.T) {
	w := new(MockLocalWriter)
	w.On("UpdateLocalFields", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(usecase.LocalUpdateResult{}, entity.ErrLeadNotFound)

	err := newAutomation(nil, w).Handle(context.Background(), createdEvent())
	assert.ErrorIs(t, err, entity.ErrLeadNotFound)
}

func TestHandle_UnknownEventIgnored(t *testing.T) {
	w := new(MockLocalWriter)
	ev := createdEvent()
	ev.Type = "lead.archived"

	require.NoError(t, newAutomation(nil, w).Handle(context.Background(), ev))
	w.AssertNotCalled(t, "UpdateLocalFields", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendNewLead(t *testing.T) {
	d := &captureDialer{}
	s := &EmailSender{Dialer: d, From: "leads@acme.test", SalesInbox: "sales@acme.test"}

	require.NoError(t, s.SendNewLead(createdEvent()))

	require.Len(t, d.msgs, 1)
	m := d.msgs[0]
	assert.Equal(t, []string{"sales@acme.test"}, m.GetHeader("To"))
	assert.Equal(t, []string{"ana@example.com"}, m.GetHeader("Reply-To"))
	assert.Equal(t, []string{"New lead: Ana Souza"}, m.GetHeader("Subject"))
}

func TestSendNewLead_DialError(t *testing.T) {
	s := &EmailSender{Dialer: &captureDialer{err: errors.New("auth failed")}, From: "a@b.c", SalesInbox: "s@b.c"}
	assert.ErrorContains(t, s.SendNewLead(createdEvent()), "auth failed")
}

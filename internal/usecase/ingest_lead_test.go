package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/usecase"
)

func newIngest(crm *MockCRMClient, repo *memRepo) *usecase.IngestLeadUseCase {
	uc := usecase.NewIngestLeadUseCase(usecase.NewNormalizer(nil), newDedup(crm, repo), crm, repo)
	uc.Log = quietLogger()
	return uc
}

var ashaInput = usecase.IngestLeadInput{
	Name:    "Asha Rao",
	Email:   "Asha@Example.com",
	Phone:   "98765 43210",
	Company: "Rao Builders",
	Source:  "facebook",
}

func TestIngestCreatesNewLead(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient).noMatches()
	crm.On("Create", ctx, tenant, mock.MatchedBy(func(w entity.ExternalWrite) bool {
		return w.Fields[entity.FieldName] == "Asha Rao" &&
			w.Fields[entity.FieldEmail] == "asha@example.com" &&
			w.Fields[entity.FieldPhone] == "+919876543210" &&
			w.Fields[entity.FieldSourceTag] == "Facebook" &&
			w.Fields[entity.FieldStatus] == usecase.DefaultLeadStatus
	})).Return("z-100", nil)
	repo := newMemRepo()

	out, err := newIngest(crm, repo).Execute(ctx, tenant, ashaInput)

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, usecase.ActionCreated, out.Action)
	assert.Equal(t, "z-100", out.LeadID)
	assert.Nil(t, out.MatchedBy)
	require.NotNil(t, out.MongoID)

	local := repo.get(*out.MongoID)
	require.NotNil(t, local)
	assert.Equal(t, "z-100", local.ExternalID)
	assert.Equal(t, usecase.DefaultLeadStatus, local.Status)
	assert.Equal(t, []string{entity.EventLeadCreated}, repo.eventTypes())
}

func TestIngestTwiceUpdatesTheSameLead(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient)
	existing := &entity.ExternalLead{ID: "z-100", Email: "asha@example.com", Status: "Contacted"}
	crm.On("SearchByField", ctx, tenant, entity.SearchEmail, "asha@example.com").Return(nil, nil).Once()
	crm.On("SearchByField", ctx, tenant, entity.SearchPhone, mock.Anything).Return(nil, nil).Once()
	crm.On("SearchByField", ctx, tenant, entity.SearchMobile, mock.Anything).Return(nil, nil).Once()
	crm.On("Create", ctx, tenant, mock.Anything).Return("z-100", nil).Once()
	crm.On("SearchByField", ctx, tenant, entity.SearchEmail, "asha@example.com").Return(existing, nil)
	crm.On("Update", ctx, tenant, "z-100", mock.MatchedBy(func(w entity.ExternalWrite) bool {
		_, hasStatus := w.Fields[entity.FieldStatus]
		return !hasStatus && w.Fields[entity.FieldName] == "Asha Rao"
	})).Return(nil)
	repo := newMemRepo()
	uc := newIngest(crm, repo)

	first, err := uc.Execute(ctx, tenant, ashaInput)
	require.NoError(t, err)
	second, err := uc.Execute(ctx, tenant, ashaInput)
	require.NoError(t, err)

	assert.Equal(t, usecase.ActionCreated, first.Action)
	assert.Equal(t, usecase.ActionUpdated, second.Action)
	assert.Equal(t, first.LeadID, second.LeadID)
	require.NotNil(t, second.MatchedBy)
	assert.Equal(t, entity.MatchEmail, *second.MatchedBy)
	assert.Equal(t, 1, repo.count())
	assert.Equal(t, *first.MongoID, *second.MongoID)

	// the CRM status is mirrored, never overwritten by ingestion
	assert.Equal(t, "Contacted", repo.get(*second.MongoID).Status)
	assert.Equal(t, []string{entity.EventLeadCreated, entity.EventLeadUpdated}, repo.eventTypes())
	crm.AssertNumberOfCalls(t, "Create", 1)
}

func TestIngestCreateFailureStoresShadow(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient).noMatches()
	crm.On("Create", ctx, tenant, mock.Anything).Return("", statusError{503})
	repo := newMemRepo()
	uc := newIngest(crm, repo)

	out, err := uc.Execute(ctx, tenant, ashaInput)

	require.Error(t, err)
	assert.True(t, usecase.IsTechnicalError(err))
	assert.False(t, out.Success)
	assert.Equal(t, usecase.CodeExternalFailed, out.ErrorCode)
	assert.Equal(t, "ZOHO_OPERATION_FAILED", out.ErrorCode)

	shadows, _ := repo.FindPendingExternalCreate(ctx, 10)
	require.Len(t, shadows, 1)
	assert.Empty(t, shadows[0].ExternalID)
	assert.Equal(t, "asha@example.com", shadows[0].Email)
	assert.Empty(t, repo.eventTypes())

	t.Run("retry does not duplicate the shadow", func(t *testing.T) {
		_, err := uc.Execute(ctx, tenant, ashaInput)
		require.Error(t, err)
		assert.Equal(t, 1, repo.count())
	})
}

func TestIngestRetryAfterShadowLinksIt(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient).noMatches()
	crm.On("Create", ctx, tenant, mock.Anything).Return("z-7", nil)
	repo := newMemRepo()
	repo.put(&entity.Lead{LocalID: "shadow-1", TenantID: tenant, Name: "Asha Rao", Email: "asha@example.com", PendingExternalCreate: true})

	out, err := newIngest(crm, repo).Execute(ctx, tenant, ashaInput)

	require.NoError(t, err)
	assert.Equal(t, usecase.ActionCreated, out.Action)
	require.NotNil(t, out.MatchedBy)
	assert.Equal(t, entity.MatchLocalID, *out.MatchedBy)
	assert.Equal(t, "shadow-1", *out.MongoID)
	linked := repo.get("shadow-1")
	assert.Equal(t, "z-7", linked.ExternalID)
	assert.False(t, linked.PendingExternalCreate)
	assert.Equal(t, 1, repo.count())
}

func TestIngestUpdateFailureIsReported(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient)
	crm.On("SearchByField", ctx, tenant, entity.SearchEmail, mock.Anything).Return(&entity.ExternalLead{ID: "z-5"}, nil)
	crm.On("Update", ctx, tenant, "z-5", mock.Anything).Return(errors.New("timeout"))
	repo := newMemRepo()

	out, err := newIngest(crm, repo).Execute(ctx, tenant, ashaInput)

	require.Error(t, err)
	assert.Equal(t, usecase.CodeExternalFailed, out.ErrorCode)
	assert.Equal(t, 0, repo.count())
}

func TestIngestLocalMirrorFailureStillSucceeds(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient).noMatches()
	crm.On("Create", ctx, tenant, mock.Anything).Return("z-8", nil)
	repo := newMemRepo()
	repo.failWrites = errors.New("disk full")

	out, err := newIngest(crm, repo).Execute(ctx, tenant, ashaInput)

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "z-8", out.LeadID)
	assert.Nil(t, out.MongoID)
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	crm := new(MockCRMClient)
	repo := newMemRepo()

	out, err := newIngest(crm, repo).Execute(context.Background(), tenant, usecase.IngestLeadInput{Name: "N/A", Email: "a@b.co", Source: "web"})

	require.Error(t, err)
	assert.True(t, usecase.IsDomainError(err))
	assert.Equal(t, usecase.CodeNormalizationFailed, out.ErrorCode)
	crm.AssertNotCalled(t, "SearchByField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	crm.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects oversized batch before processing", func(t *testing.T) {
		crm := new(MockCRMClient)
		inputs := make([]usecase.IngestLeadInput, usecase.MaxBatchSize+1)
		for i := range inputs {
			inputs[i] = ashaInput
		}

		out, err := newIngest(crm, newMemRepo()).ExecuteBatch(ctx, tenant, inputs)

		require.Error(t, err)
		assert.Nil(t, out)
		assert.Equal(t, usecase.CodeInvalidBatch, usecase.ErrorCode(err))
		crm.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("one failure does not abort the rest", func(t *testing.T) {
		crm := new(MockCRMClient).noMatches()
		crm.On("Create", ctx, tenant, mock.Anything).Return("z-1", nil).Once()
		crm.On("Create", ctx, tenant, mock.Anything).Return("z-2", nil).Once()
		repo := newMemRepo()

		out, err := newIngest(crm, repo).ExecuteBatch(ctx, tenant, []usecase.IngestLeadInput{
			{Name: "Asha Rao", Email: "asha@example.com", Source: "web"},
			{Name: "?", Source: "web"},
			{Name: "Vikram Shah", Phone: "9123456780", Source: "referral"},
		})

		require.NoError(t, err)
		require.Len(t, out.Results, 3)
		assert.True(t, out.Results[0].Success)
		assert.False(t, out.Results[1].Success)
		assert.True(t, out.Results[2].Success)
		assert.Equal(t, "z-2", out.Results[2].LeadID)
		assert.Equal(t, usecase.BatchSummary{Created: 2, Updated: 0, Failed: 1, Total: 3}, out.Summary)
	})
}

func TestIngestBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	crm := new(MockCRMClient)

	out, err := newIngest(crm, newMemRepo()).ExecuteBatch(ctx, tenant, []usecase.IngestLeadInput{ashaInput})

	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.False(t, out.Results[0].Success)
	assert.Equal(t, usecase.CodeCancelled, out.Results[0].ErrorCode)
	assert.Equal(t, 1, out.Summary.Failed)
	crm.AssertNotCalled(t, "SearchByField", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestOutputJSON(t *testing.T) {
	t.Run("failure omits success-only keys", func(t *testing.T) {
		b, err := json.Marshal(usecase.IngestLeadOutput{Error: "crm create failed", ErrorCode: usecase.CodeExternalFailed, ProcessingTime: 12})
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":false,"error":"crm create failed","errorCode":"ZOHO_OPERATION_FAILED","processingTime":12}`, string(b))
	})

	t.Run("success keeps null mongoId and matchedBy", func(t *testing.T) {
		b, err := json.Marshal(usecase.IngestLeadOutput{Success: true, Action: usecase.ActionCreated, LeadID: "z-1", Message: "created"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":true,"action":"created","leadId":"z-1","mongoId":null,"matchedBy":null,"message":"created","processingTime":0}`, string(b))
	})
}

package usecase_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/usecase"
)

func pendingLead(repo *memRepo, id, externalID string, values ...string) {
	l := &entity.Lead{LocalID: id, TenantID: tenant, ExternalID: externalID, Name: "Asha Rao", Status: values[len(values)-1]}
	for _, v := range values {
		l.QueueWrite(entity.PendingWrite{Field: entity.FieldStatus, Value: v, Timestamp: fixedNow})
	}
	repo.put(l)
}

func TestSweepReplaysQueuedWrites(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient)
	crm.On("Update", ctx, tenant, "z-1", statusWrite("Contacted")).Return(nil)
	crm.On("Update", ctx, tenant, "z-1", statusWrite("Qualified")).Return(nil)
	repo := newMemRepo()
	pendingLead(repo, "l-1", "z-1", "Contacted", "Qualified")

	report, err := newOwnership(crm, repo).SyncPendingToExternal(ctx)

	require.NoError(t, err)
	assert.Equal(t, usecase.SyncReport{Synced: 2, Total: 2}, report)
	local := repo.get("l-1")
	assert.Empty(t, local.PendingSync)
	assert.True(t, local.StatusSyncedToExternal)
	assert.Equal(t, "Qualified", local.Status)
	crm.AssertExpectations(t)
}

func TestSweepKeepsOrderOnRecoverableFailure(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient)
	crm.On("Update", ctx, tenant, "z-1", statusWrite("Contacted")).Return(statusError{503})
	repo := newMemRepo()
	pendingLead(repo, "l-1", "z-1", "Contacted", "Qualified")

	report, err := newOwnership(crm, repo).SyncPendingToExternal(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 0, report.Synced)
	local := repo.get("l-1")
	require.Len(t, local.PendingSync, 2)
	assert.Equal(t, 1, local.PendingSync[0].Attempts)
	assert.Equal(t, "Qualified", local.PendingSync[1].Value)
	assert.False(t, local.StatusSyncedToExternal)
	assert.Equal(t, "Qualified", local.Status, "the sweep never rewrites local status")
	crm.AssertNotCalled(t, "Update", ctx, tenant, "z-1", statusWrite("Qualified"))
}

func TestSweepDeadLetters(t *testing.T) {
	ctx := context.Background()

	t.Run("fatal rejection", func(t *testing.T) {
		crm := new(MockCRMClient)
		crm.On("Update", ctx, tenant, "z-1", statusWrite("Bogus")).Return(statusError{400})
		crm.On("Update", ctx, tenant, "z-1", statusWrite("Qualified")).Return(nil)
		repo := newMemRepo()
		pendingLead(repo, "l-1", "z-1", "Bogus", "Qualified")

		report, err := newOwnership(crm, repo).SyncPendingToExternal(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, report.DeadLettered)
		assert.Equal(t, 1, report.Synced)
		local := repo.get("l-1")
		assert.Empty(t, local.PendingSync)
		require.Len(t, local.DeadLetters, 1)
		assert.Equal(t, "Bogus", local.DeadLetters[0].Value)
		assert.False(t, local.StatusSyncedToExternal)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		crm := new(MockCRMClient)
		crm.On("Update", ctx, tenant, "z-1", mock.Anything).Return(statusError{503})
		repo := newMemRepo()
		pendingLead(repo, "l-1", "z-1", "Qualified")
		svc := newOwnership(crm, repo)
		svc.MaxAttempts = 3

		for i := 0; i < 3; i++ {
			_, err := svc.SyncPendingToExternal(ctx)
			require.NoError(t, err)
		}

		local := repo.get("l-1")
		assert.Empty(t, local.PendingSync)
		require.Len(t, local.DeadLetters, 1)
		assert.Equal(t, 3, local.DeadLetters[0].Attempts)
		crm.AssertNumberOfCalls(t, "Update", 3)
	})
}

func TestSweepAdoptsShadows(t *testing.T) {
	ctx := context.Background()

	t.Run("existing crm match is adopted", func(t *testing.T) {
		crm := new(MockCRMClient)
		crm.On("SearchByField", ctx, tenant, entity.SearchEmail, "asha@example.com").Return(&entity.ExternalLead{ID: "z-9"}, nil)
		repo := newMemRepo()
		repo.put(&entity.Lead{LocalID: "s-1", TenantID: tenant, Name: "Asha Rao", Email: "asha@example.com", PendingExternalCreate: true})

		report, err := newOwnership(crm, repo).SyncPendingToExternal(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, report.Adopted)
		shadow := repo.get("s-1")
		assert.Equal(t, "z-9", shadow.ExternalID)
		assert.False(t, shadow.PendingExternalCreate)
		assert.Equal(t, []string{entity.EventLeadUpdated}, repo.eventTypes())
		crm.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing record is created then its queue replayed", func(t *testing.T) {
		crm := new(MockCRMClient).noMatches()
		crm.On("Create", ctx, tenant, mock.Anything).Return("z-10", nil)
		crm.On("Update", ctx, tenant, "z-10", statusWrite("Qualified")).Return(nil)
		repo := newMemRepo()
		l := &entity.Lead{LocalID: "s-2", TenantID: tenant, Name: "Dev Patel", Phone: "+919123456780", PendingExternalCreate: true}
		l.QueueWrite(entity.PendingWrite{Field: entity.FieldStatus, Value: "Qualified"})
		repo.put(l)

		report, err := newOwnership(crm, repo).SyncPendingToExternal(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, report.Adopted)
		assert.Equal(t, 1, report.Synced)
		shadow := repo.get("s-2")
		assert.Equal(t, "z-10", shadow.ExternalID)
		assert.Empty(t, shadow.PendingSync)
		assert.True(t, shadow.StatusSyncedToExternal)
		assert.Equal(t, []string{entity.EventLeadCreated}, repo.eventTypes())
	})
}

func TestSweepRefusesToOverlap(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	crm := new(MockCRMClient)
	crm.On("Update", ctx, tenant, "z-1", mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(nil)
	repo := newMemRepo()
	pendingLead(repo, "l-1", "z-1", "Qualified")
	svc := newOwnership(crm, repo)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = svc.SyncPendingToExternal(ctx)
	}()
	<-started

	_, err := svc.SyncPendingToExternal(ctx)
	assert.ErrorIs(t, err, usecase.ErrSweepInProgress)

	close(release)
	wg.Wait()
	assert.Empty(t, repo.get("l-1").PendingSync)
}

func TestSweepKeepsStatusQueuedWhileItRuns(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient)
	repo := newMemRepo()
	svc := newOwnership(crm, repo)
	pendingLead(repo, "l-1", "z-1", "Contacted")

	crm.On("Update", ctx, tenant, "z-1", statusWrite("Won")).Return(statusError{503})
	crm.On("Update", ctx, tenant, "z-1", statusWrite("Contacted")).Run(func(mock.Arguments) {
		// a user moves the lead on while the sweep is delivering the older value
		res, err := svc.UpdateStatus(ctx, tenant, "z-1", "Won", "deal closed")
		require.NoError(t, err)
		require.False(t, res.Synced)
	}).Return(nil).Once()

	report, err := svc.SyncPendingToExternal(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	local := repo.get("l-1")
	assert.Equal(t, "Won", local.Status)
	assert.False(t, local.StatusSyncedToExternal)
	require.Len(t, local.PendingSync, 1)
	assert.Equal(t, "Won", local.PendingSync[0].Value)
	assert.Equal(t, "deal closed", local.PendingSync[0].Reason)
}

func TestSweepMergesShadowIntoMirroredLead(t *testing.T) {
	ctx := context.Background()
	crm := new(MockCRMClient)
	crm.On("SearchByField", ctx, tenant, entity.SearchEmail, "asha@example.com").Return(&entity.ExternalLead{ID: "z-9"}, nil)
	crm.On("Update", ctx, tenant, "z-9", statusWrite("Qualified")).Return(nil).Once()
	repo := newMemRepo()
	repo.put(&entity.Lead{LocalID: "m-1", TenantID: tenant, ExternalID: "z-9", Name: "Asha Rao", Email: "asha@example.com", StatusSyncedToExternal: true})
	shadow := &entity.Lead{LocalID: "s-1", TenantID: tenant, Name: "Asha Rao", Email: "asha@example.com", AssignedTo: "maria", PendingExternalCreate: true}
	shadow.QueueWrite(entity.PendingWrite{Field: entity.FieldStatus, Value: "Qualified", Timestamp: fixedNow})
	repo.put(shadow)
	svc := newOwnership(crm, repo)

	report, err := svc.SyncPendingToExternal(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Adopted)
	assert.Equal(t, 1, report.Synced)
	assert.Zero(t, report.Failed)

	target := repo.get("m-1")
	assert.Empty(t, target.PendingSync)
	assert.True(t, target.StatusSyncedToExternal)
	assert.Equal(t, "maria", target.AssignedTo)

	s := repo.get("s-1")
	assert.Empty(t, s.PendingSync)
	assert.False(t, s.PendingExternalCreate)

	again, err := svc.SyncPendingToExternal(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Total)
	crm.AssertExpectations(t)
}

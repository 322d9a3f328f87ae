package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockflow/internal/database"
	"blockflow/internal/models"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New("sqlite://" + filepath.Join(t.TempDir(), "blockflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize(context.Background()))
	return db
}

func TestScheduleStore_CreateAndGet(t *testing.T) {
	store := NewScheduleStore(openTestDB(t))
	ctx := context.Background()
	next := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	sch := &models.Schedule{
		WorkflowID:     "wf-1",
		UserID:         "user-1",
		CronExpression: "0 9 * * 1-5",
		Timezone:       "America/New_York",
		InputTemplate:  map[string]any{"topic": "news", "count": float64(3)},
		NextRunAt:      next,
	}
	require.NoError(t, store.CreateSchedule(ctx, sch))
	assert.NotEmpty(t, sch.ID)
	assert.Equal(t, models.ScheduleStatusActive, sch.Status)

	got, err := store.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "0 9 * * 1-5", got.CronExpression)
	assert.Equal(t, "America/New_York", got.Timezone)
	assert.Equal(t, sch.InputTemplate, got.InputTemplate)
	assert.True(t, next.Equal(got.NextRunAt))
	assert.Nil(t, got.LastRanAt)
	assert.Nil(t, got.LastFailedAt)

	_, err = store.GetSchedule(ctx, "missing")
	assert.True(t, errors.Is(err, ErrScheduleNotFound))
}

func TestScheduleStore_CreateRequiresWorkflow(t *testing.T) {
	store := NewScheduleStore(openTestDB(t))
	err := store.CreateSchedule(context.Background(), &models.Schedule{UserID: "u"})
	assert.ErrorContains(t, err, "workflow id")
}

func TestScheduleStore_ListDue(t *testing.T) {
	store := NewScheduleStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mk := func(id string, next time.Time, status models.ScheduleStatus) {
		require.NoError(t, store.CreateSchedule(ctx, &models.Schedule{
			ID: id, WorkflowID: "wf-" + id, UserID: "u", Interval: models.IntervalHourly,
			Status: status, NextRunAt: next,
		}))
	}
	mk("late", now.Add(-time.Hour), models.ScheduleStatusActive)
	mk("exact", now, models.ScheduleStatusActive)
	mk("future", now.Add(time.Minute), models.ScheduleStatusActive)
	mk("off", now.Add(-2*time.Hour), models.ScheduleStatusDisabled)

	due, err := store.ListDue(ctx, now)
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, s := range due {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"late", "exact"}, ids)
}

func TestScheduleStore_UpdateTrackingFields(t *testing.T) {
	store := NewScheduleStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	sch := &models.Schedule{ID: "s1", WorkflowID: "wf-1", UserID: "u", Interval: models.IntervalDaily, NextRunAt: now}
	require.NoError(t, store.CreateSchedule(ctx, sch))

	ran := now.Add(time.Minute)
	sch.LastRanAt = &ran
	sch.LastFailedAt = &ran
	sch.FailedCount = 3
	sch.LastError = "boom"
	sch.Status = models.ScheduleStatusDisabled
	sch.NextRunAt = now.Add(24 * time.Hour)
	sch.UpdatedAt = ran
	require.NoError(t, store.UpdateSchedule(ctx, sch))

	got, err := store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.FailedCount)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, models.ScheduleStatusDisabled, got.Status)
	require.NotNil(t, got.LastRanAt)
	assert.True(t, ran.Equal(*got.LastRanAt))
	assert.True(t, now.Add(24*time.Hour).Equal(got.NextRunAt))

	due, err := store.ListDue(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "disabled schedules are never due")
}

func TestScheduleStore_ListByWorkflowAndDelete(t *testing.T) {
	store := NewScheduleStore(openTestDB(t))
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.CreateSchedule(ctx, &models.Schedule{
			ID: id, WorkflowID: "wf-1", UserID: "u", Interval: models.IntervalHourly, NextRunAt: time.Now(),
		}))
	}

	list, err := store.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, store.DeleteSchedule(ctx, "a"))
	assert.ErrorIs(t, store.DeleteSchedule(ctx, "a"), ErrScheduleNotFound)

	list, err = store.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func sampleWorkflow(id string) *models.Workflow {
	return &models.Workflow{
		ID:   id,
		Name: "Sample",
		Blocks: []models.Block{
			{ID: "start", Name: "Start", Kind: models.KindStarter},
			{ID: "out", Name: "Out", Kind: models.KindResponse},
		},
		Connections: []models.Connection{{Source: "start", Target: "out"}},
	}
}

func TestWorkflowService_SaveLoadUpsert(t *testing.T) {
	svc := NewWorkflowService(openTestDB(t), time.Minute)
	ctx := context.Background()

	wf := sampleWorkflow("wf-1")
	require.NoError(t, svc.SaveWorkflow(ctx, wf))
	assert.Equal(t, 1, wf.Version)

	got, err := svc.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Sample", got.Name)
	assert.Len(t, got.Blocks, 2)

	again, err := svc.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Same(t, got, again, "second load is served from cache")

	wf.Name = "Renamed"
	wf.Version = 2
	require.NoError(t, svc.SaveWorkflow(ctx, wf))
	got, err = svc.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name, "saving invalidates the cache")
	assert.Equal(t, 2, got.Version)
}

func TestWorkflowService_NotFoundAndValidation(t *testing.T) {
	svc := NewWorkflowService(openTestDB(t), 0)
	ctx := context.Background()

	_, err := svc.LoadWorkflow(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrWorkflowNotFound)

	assert.Error(t, svc.SaveWorkflow(ctx, &models.Workflow{}))
	assert.Error(t, svc.SaveWorkflow(ctx, &models.Workflow{ID: "empty"}))

	require.NoError(t, svc.SaveWorkflow(ctx, sampleWorkflow("wf-del")))
	require.NoError(t, svc.DeleteWorkflow(ctx, "wf-del"))
	_, err = svc.LoadWorkflow(ctx, "wf-del")
	assert.ErrorIs(t, err, models.ErrWorkflowNotFound)
	assert.ErrorIs(t, svc.DeleteWorkflow(ctx, "wf-del"), models.ErrWorkflowNotFound)
}

type staticLoader map[string]*models.Workflow

func (l staticLoader) LoadWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	if wf, ok := l[id]; ok {
		return wf, nil
	}
	return nil, models.ErrWorkflowNotFound
}

type failingLoader struct{ err error }

func (l failingLoader) LoadWorkflow(context.Context, string) (*models.Workflow, error) {
	return nil, l.err
}

func TestChainLoaders(t *testing.T) {
	ctx := context.Background()
	first := staticLoader{"a": sampleWorkflow("a")}
	second := staticLoader{"b": sampleWorkflow("b"), "a": sampleWorkflow("shadowed")}
	chain := ChainLoaders(nil, first, second)

	wf, err := chain.LoadWorkflow(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", wf.ID)

	wf, err = chain.LoadWorkflow(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", wf.ID)

	_, err = chain.LoadWorkflow(ctx, "c")
	assert.ErrorIs(t, err, models.ErrWorkflowNotFound)

	boom := errors.New("db down")
	_, err = ChainLoaders(failingLoader{boom}, second).LoadWorkflow(ctx, "b")
	assert.ErrorIs(t, err, boom, "real errors stop the chain")
}

package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	internal_storage "github.com/Tryliate/Tryliate-sub001/internal/storage"
	"github.com/Tryliate/Tryliate-sub001/internal/testutil"
	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)
	ctx := context.Background()

	base, err := internal_storage.InitStore(ctx, testDB.ConnStr, storage.WithRetryDelay(0))
	require.NoError(t, err)
	defer base.Close()

	newStore := func(t *testing.T) *internal_storage.PostgresStore {
		testDB.Truncate(t)
		return base
	}

	job := func(nodeID string) models.Job {
		return models.Job{WorkflowID: "wf", NodeID: nodeID, Payload: models.JSONMap{"node": nodeID}}
	}

	t.Run("EnsureSchema is idempotent", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.EnsureSchema(ctx))
		assert.NoError(t, store.EnsureSchema(ctx))
	})

	t.Run("Migration version", func(t *testing.T) {
		v, dirty, err := internal_storage.MigrationVersion(testDB.ConnStr)
		require.NoError(t, err)
		assert.False(t, dirty)
		assert.Equal(t, uint(3), v)
	})

	t.Run("Enqueue and GetJob", func(t *testing.T) {
		store := newStore(t)
		run := uuid.New()
		id, err := store.Enqueue(ctx, models.Job{RunID: run, WorkflowID: "wf", NodeID: "a", Payload: models.JSONMap{"x": 1}}, 0)
		require.NoError(t, err)

		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, run, got.RunID)
		assert.Equal(t, models.PendingJobStatus, got.Status)
		assert.Equal(t, 0, got.Attempts)
		assert.Equal(t, models.DefaultMaxAttempts, got.MaxAttempts)
		assert.Equal(t, float64(1), got.Payload["x"])
		assert.Nil(t, got.LockedAt)
	})

	t.Run("GetJob not found", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetJob(ctx, uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ClaimNext skips delayed jobs and is FIFO", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Enqueue(ctx, job("later"), time.Hour)
		require.NoError(t, err)
		first, err := store.Enqueue(ctx, job("first"), 0)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		second, err := store.Enqueue(ctx, job("second"), 0)
		require.NoError(t, err)

		j, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, first, j.ID)
		assert.Equal(t, models.ProcessingJobStatus, j.Status)
		assert.NotNil(t, j.LockedAt)

		j, err = store.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, second, j.ID)

		j, err = store.ClaimNext(ctx)
		assert.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("Concurrent claims hand out a job once", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Enqueue(ctx, job("only"), 0)
		require.NoError(t, err)

		const callers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				j, err := store.ClaimNext(ctx)
				assert.NoError(t, err)
				if j != nil {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, claimed)
	})

	t.Run("Fail retries then fails permanently", func(t *testing.T) {
		store := newStore(t)
		id, err := store.Enqueue(ctx, job("flaky"), 0)
		require.NoError(t, err)

		for attempt := 1; attempt <= 2; attempt++ {
			j, err := store.ClaimNext(ctx)
			require.NoError(t, err)
			require.NotNil(t, j)
			require.NoError(t, store.Fail(ctx, id, "boom", 0))

			got, err := store.GetJob(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.PendingJobStatus, got.Status)
			assert.Equal(t, attempt, got.Attempts)
			assert.Equal(t, "boom", got.LastError)
		}

		j, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		require.NoError(t, store.Fail(ctx, id, "final", 0))

		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.FailedJobStatus, got.Status)
		assert.Equal(t, 3, got.Attempts)
		assert.Equal(t, "final", got.LastError)

		j, err = store.ClaimNext(ctx)
		assert.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("Fail schedules the retry delay", func(t *testing.T) {
		store := newStore(t)
		id, _ := store.Enqueue(ctx, job("a"), 0)
		_, _ = store.ClaimNext(ctx)
		require.NoError(t, store.Fail(ctx, id, "later", time.Hour))

		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Hour), got.NextRunAt, time.Minute)

		j, err := store.ClaimNext(ctx)
		assert.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("Complete stores the result", func(t *testing.T) {
		store := newStore(t)
		id, _ := store.Enqueue(ctx, job("a"), 0)
		_, _ = store.ClaimNext(ctx)
		require.NoError(t, store.Complete(ctx, id, models.JSONMap{"answer": "42"}))

		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedJobStatus, got.Status)
		assert.Equal(t, "42", got.Result["answer"])
	})

	t.Run("Complete and Fail ignore unknown ids", func(t *testing.T) {
		store := newStore(t)
		id, _ := store.Enqueue(ctx, job("a"), 0)
		assert.NoError(t, store.Complete(ctx, uuid.New(), nil))
		assert.NoError(t, store.Fail(ctx, uuid.New(), "x", 0))

		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.PendingJobStatus, got.Status)
	})

	t.Run("Fail leaves terminal jobs alone", func(t *testing.T) {
		store := newStore(t)
		id, _ := store.Enqueue(ctx, job("done"), 0)
		_, _ = store.ClaimNext(ctx)
		require.NoError(t, store.Complete(ctx, id, models.JSONMap{"ok": true}))
		require.NoError(t, store.Fail(ctx, id, "late failure", 0))

		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedJobStatus, got.Status)
		assert.Equal(t, 0, got.Attempts)
		assert.Empty(t, got.LastError)

		j, err := store.ClaimNext(ctx)
		assert.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("ReclaimStale", func(t *testing.T) {
		store := newStore(t)
		id, _ := store.Enqueue(ctx, job("stuck"), 0)
		_, _ = store.ClaimNext(ctx)
		_, err := testDB.DB.Exec(`UPDATE jobs SET locked_at = NOW() - interval '10 minutes' WHERE id = $1`, id)
		require.NoError(t, err)

		n, err := store.ReclaimStale(ctx, time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)

		got, _ := store.GetJob(ctx, id)
		assert.Equal(t, models.PendingJobStatus, got.Status)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("ListRunJobs", func(t *testing.T) {
		store := newStore(t)
		run := uuid.New()
		_, _ = store.Enqueue(ctx, models.Job{RunID: run, WorkflowID: "wf", NodeID: "a"}, 0)
		_, _ = store.Enqueue(ctx, models.Job{RunID: run, WorkflowID: "wf", NodeID: "b"}, 0)
		_, _ = store.Enqueue(ctx, job("elsewhere"), 0)

		jobs, err := store.ListRunJobs(ctx, run)
		assert.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("SaveWorkflow and GetWorkflow", func(t *testing.T) {
		store := newStore(t)
		wf := models.Workflow{
			ID:   "wf-1",
			Name: "demo",
			Nodes: []models.Node{
				{ID: "n1", Type: "trigger"},
				{ID: "n2", Type: "tool", Data: models.JSONMap{"toolName": "echo"}},
			},
			Edges: []models.Edge{{Source: "n1", Target: "n2"}},
		}
		require.NoError(t, store.SaveWorkflow(ctx, wf))

		got, err := store.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "demo", got.Name)
		assert.Len(t, got.Nodes, 2)
		assert.Equal(t, "echo", got.Nodes[1].Data["toolName"])
		assert.Equal(t, []models.Edge{{Source: "n1", Target: "n2"}}, got.Edges)

		wf.Edges = nil
		wf.Name = "renamed"
		require.NoError(t, store.SaveWorkflow(ctx, wf))
		got, err = store.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.Empty(t, got.Edges)
	})

	t.Run("CreateWorkflow refuses an existing id", func(t *testing.T) {
		store := newStore(t)
		wf := models.Workflow{ID: "wf-c", Name: "first", Nodes: []models.Node{{ID: "n1", Type: "trigger"}}}
		require.NoError(t, store.CreateWorkflow(ctx, wf))

		wf.Name = "second"
		wf.Nodes = append(wf.Nodes, models.Node{ID: "n2", Type: "res"})
		assert.ErrorIs(t, store.CreateWorkflow(ctx, wf), storage.ErrWorkflowExists)

		got, err := store.GetWorkflow(ctx, "wf-c")
		require.NoError(t, err)
		assert.Equal(t, "first", got.Name)
		assert.Len(t, got.Nodes, 1)
	})

	t.Run("GetWorkflow not found", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetWorkflow(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("LogExecution", func(t *testing.T) {
		store := newStore(t)
		run := uuid.New()
		err := store.LogExecution(ctx, models.ExecutionLog{
			JobID: uuid.New(), RunID: run, WorkflowID: "wf", NodeID: "n1", Attempt: 1, Outcome: "completed",
		})
		require.NoError(t, err)

		logs, err := store.ListExecutionLogs(ctx, run)
		require.NoError(t, err)
		assert.Len(t, logs, 1)
		assert.Equal(t, "completed", logs[0].Outcome)
	})

	t.Run("Recurring without pg_cron is reported", func(t *testing.T) {
		store := newStore(t)
		err := store.ScheduleRecurring(ctx, "wf", "n1", "*/5 * * * *", nil)
		assert.ErrorIs(t, err, storage.ErrRecurringUnavailable)
		assert.ErrorIs(t, store.CancelRecurring(ctx, "wf"), storage.ErrRecurringUnavailable)

		err = store.ScheduleRecurring(ctx, "wf", "n1", "@every 5s", nil)
		assert.ErrorIs(t, err, storage.ErrInvalidSchedule)
	})

	t.Run("Transactional store rolls back", func(t *testing.T) {
		store := newStore(t)
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		id, err := tx.Enqueue(ctx, job("rolled-back"), 0)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		_, err = store.GetJob(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

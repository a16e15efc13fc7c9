package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Tryliate/Tryliate-sub001/internal/log"
	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent pollers never block on each other.
type PostgresStore struct {
	db      DBInterface
	connStr string
	opts    storage.Options
}

var _ storage.Store = (*PostgresStore)(nil)

const jobColumns = `jobs.id, jobs.run_id, jobs.workflow_id, jobs.node_id, jobs.payload, jobs.result,
	jobs.status, jobs.attempts, jobs.max_attempts, jobs.last_error, jobs.next_run_at,
	jobs.locked_at, jobs.created_at, jobs.updated_at`

// NewPostgresStore connects to connStr, which must be a postgres:// URL so
// the migration driver can reuse it.
func NewPostgresStore(connStr string, opts ...storage.Option) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, connStr: connStr, opts: storage.NewOptions(opts...)}, nil
}

func (s *PostgresStore) Begin(ctx context.Context) (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx, connStr: s.connStr, opts: s.opts}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// withTx runs fn in a transaction, reusing the current one if s is already
// bound to a transaction.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *PostgresStore) error) (err error) {
	if _, ok := s.db.(*sqlx.Tx); ok {
		return fn(s)
	}
	txStore, err := s.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				log.GetLogger().Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			err = errors.Wrap(commitErr, "commit")
		}
	}()
	return fn(txStore)
}

// EnsureSchema applies the embedded migrations and tries to enable pg_cron.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return errors.New("ensure schema: not supported inside a transaction")
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "ensure schema: database unreachable")
	}
	if err := MigrateUp(s.connStr); err != nil {
		return errors.Wrap(err, "ensure schema")
	}

	if s.opts.RecurringDisabled {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS pg_cron`); err != nil {
		log.GetLogger().Warnf("pg_cron extension unavailable, recurring schedules disabled: %v", err)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, job models.Job, delay time.Duration) (uuid.UUID, error) {
	if job.WorkflowID == "" || job.NodeID == "" {
		return uuid.Nil, errors.New("workflow id and node id are required")
	}
	if delay < 0 {
		delay = 0
	}
	id := uuid.New()
	runID := job.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	payload := job.Payload
	if payload == nil {
		payload = models.JSONMap{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, run_id, workflow_id, node_id, payload, status, attempts, max_attempts, next_run_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, NOW() + ($7 * interval '1 millisecond'))`,
		id, runID, job.WorkflowID, job.NodeID, payload,
		s.opts.ResolveMaxAttempts(job.MaxAttempts), delay.Milliseconds())
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "enqueue job for node %s", job.NodeID)
	}
	return id, nil
}

// claimSQL locks the oldest eligible pending row, skipping rows another
// claim already holds, and flips it to processing in the same statement.
const claimSQL = `
WITH candidate AS (
    SELECT id FROM jobs
    WHERE status = 'pending'
      AND next_run_at <= NOW()
    ORDER BY next_run_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs
SET status     = 'processing',
    locked_at  = NOW(),
    updated_at = NOW()
FROM candidate
WHERE jobs.id = candidate.id
RETURNING ` + jobColumns

func (s *PostgresStore) ClaimNext(ctx context.Context) (*models.Job, error) {
	var job models.Job
	err := s.db.GetContext(ctx, &job, claimSQL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim next job")
	}
	return &job, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, output models.JSONMap) error {
	if output == nil {
		output = models.JSONMap{}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id, output)
	if err != nil {
		return errors.Wrapf(err, "complete job %s", id)
	}
	return nil
}

// Fail reads and bumps attempts under a row lock so concurrent failures of
// the same job cannot lose an increment. Jobs that are not processing are
// left alone.
func (s *PostgresStore) Fail(ctx context.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error {
	return s.withTx(ctx, func(tx *PostgresStore) error {
		var cur struct {
			Attempts    int `db:"attempts"`
			MaxAttempts int `db:"max_attempts"`
		}
		err := tx.db.GetContext(ctx, &cur,
			`SELECT attempts, max_attempts FROM jobs WHERE id = $1 AND status = 'processing' FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "fail job %s: read attempts", id)
		}

		if cur.Attempts+1 >= cur.MaxAttempts {
			_, err = tx.db.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'failed', attempts = attempts + 1, last_error = $2,
				    locked_at = NULL, updated_at = NOW()
				WHERE id = $1`, id, errMsg)
			return errors.Wrapf(err, "fail job %s", id)
		}

		delay := s.opts.RetryDelay(retryDelay, cur.Attempts+1)
		_, err = tx.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'pending', attempts = attempts + 1, last_error = $2,
			    next_run_at = NOW() + ($3 * interval '1 millisecond'),
			    locked_at = NULL, updated_at = NOW()
			WHERE id = $1`, id, errMsg, delay.Milliseconds())
		return errors.Wrapf(err, "retry job %s", id)
	})
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id FROM jobs
			WHERE status = 'processing'
			  AND locked_at < NOW() - ($1 * interval '1 millisecond')
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET attempts    = jobs.attempts + 1,
		    status      = CASE WHEN jobs.attempts + 1 >= jobs.max_attempts THEN 'dead' ELSE 'pending' END,
		    last_error  = 'reclaimed after processing lease expired',
		    next_run_at = NOW(),
		    locked_at   = NULL,
		    updated_at  = NOW()
		FROM stale
		WHERE jobs.id = stale.id`, olderThan.Milliseconds())
	if err != nil {
		return 0, errors.Wrap(err, "reclaim stale jobs")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	var job models.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Job{}, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListRunJobs(ctx context.Context, runID uuid.UUID) ([]models.Job, error) {
	jobs := []models.Job{}
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "list jobs of run %s", runID)
	}
	return jobs, nil
}

// GetWorkflow retrieves a workflow with its nodes and edges.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.GetContext(ctx, &wf, "SELECT id, name, created_at, updated_at FROM workflows WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow %s", id)
	}

	err = s.db.SelectContext(ctx, &wf.Nodes,
		"SELECT id, type, data FROM workflow_nodes WHERE workflow_id = $1 ORDER BY position", id)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get nodes of workflow %s", id)
	}
	err = s.db.SelectContext(ctx, &wf.Edges,
		"SELECT source, target FROM workflow_edges WHERE workflow_id = $1 ORDER BY position", id)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get edges of workflow %s", id)
	}
	return wf, nil
}

// SaveWorkflow replaces the stored definition of wf.ID in one transaction.
func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf models.Workflow) error {
	if wf.ID == "" {
		return errors.New("workflow id is required")
	}
	return s.withTx(ctx, func(tx *PostgresStore) error {
		_, err := tx.db.ExecContext(ctx, `
			INSERT INTO workflows (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()`,
			wf.ID, wf.Name)
		if err != nil {
			return errors.Wrapf(err, "save workflow %s", wf.ID)
		}
		if _, err := tx.db.ExecContext(ctx, "DELETE FROM workflow_nodes WHERE workflow_id = $1", wf.ID); err != nil {
			return errors.Wrap(err, "clear nodes")
		}
		if _, err := tx.db.ExecContext(ctx, "DELETE FROM workflow_edges WHERE workflow_id = $1", wf.ID); err != nil {
			return errors.Wrap(err, "clear edges")
		}
		return tx.insertGraph(ctx, wf)
	})
}

// CreateWorkflow inserts a new definition. The header insert claims the id,
// so a concurrent create of the same id gets ErrWorkflowExists.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf models.Workflow) error {
	if wf.ID == "" {
		return errors.New("workflow id is required")
	}
	return s.withTx(ctx, func(tx *PostgresStore) error {
		res, err := tx.db.ExecContext(ctx,
			"INSERT INTO workflows (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
			wf.ID, wf.Name)
		if err != nil {
			return errors.Wrapf(err, "create workflow %s", wf.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrapf(err, "create workflow %s", wf.ID)
		}
		if n == 0 {
			return errors.Wrapf(storage.ErrWorkflowExists, "workflow %s", wf.ID)
		}
		return tx.insertGraph(ctx, wf)
	})
}

func (s *PostgresStore) insertGraph(ctx context.Context, wf models.Workflow) error {
	for i, n := range wf.Nodes {
		data := n.Data
		if data == nil {
			data = models.JSONMap{}
		}
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO workflow_nodes (workflow_id, id, position, type, data) VALUES ($1, $2, $3, $4, $5)",
			wf.ID, n.ID, i, n.Type, data)
		if err != nil {
			return errors.Wrapf(err, "save node %s", n.ID)
		}
	}
	for i, e := range wf.Edges {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO workflow_edges (workflow_id, position, source, target) VALUES ($1, $2, $3, $4)",
			wf.ID, i, e.Source, e.Target)
		if err != nil {
			return errors.Wrapf(err, "save edge %s->%s", e.Source, e.Target)
		}
	}
	return nil
}

func (s *PostgresStore) LogExecution(ctx context.Context, entry models.ExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (job_id, run_id, workflow_id, node_id, attempt, outcome, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.JobID, entry.RunID, entry.WorkflowID, entry.NodeID, entry.Attempt, entry.Outcome, entry.Message)
	return errors.Wrap(err, "log execution")
}

func (s *PostgresStore) ListExecutionLogs(ctx context.Context, runID uuid.UUID) ([]models.ExecutionLog, error) {
	logs := []models.ExecutionLog{}
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, job_id, run_id, workflow_id, node_id, attempt, outcome, message, logged_at
		FROM execution_logs WHERE run_id = $1 ORDER BY logged_at, id`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "list execution logs of run %s", runID)
	}
	return logs, nil
}

func (s *PostgresStore) cronAvailable(ctx context.Context) (bool, error) {
	if s.opts.RecurringDisabled {
		return false, nil
	}
	var ok bool
	err := s.db.GetContext(ctx, &ok, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_cron')`)
	return ok, errors.Wrap(err, "detect pg_cron")
}

// ScheduleRecurring registers a pg_cron job that inserts a fresh seed job
// (new run) for workflowID at nodeID on every tick.
func (s *PostgresStore) ScheduleRecurring(ctx context.Context, workflowID, nodeID, cronExpr string, payload models.JSONMap) error {
	if strings.HasPrefix(strings.TrimSpace(cronExpr), "@every") {
		return errors.Wrapf(storage.ErrInvalidSchedule, "%q is not supported by pg_cron", cronExpr)
	}
	if _, err := storage.ParseSchedule(cronExpr); err != nil {
		return err
	}
	ok, err := s.cronAvailable(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrRecurringUnavailable
	}
	if payload == nil {
		payload = models.JSONMap{}
	}
	_, err = s.db.ExecContext(ctx, `
		SELECT cron.schedule($1, $2, format(
			'INSERT INTO jobs (id, run_id, workflow_id, node_id, payload, max_attempts) VALUES (gen_random_uuid(), gen_random_uuid(), %L, %L, %L::jsonb, %s)',
			$3::text, $4::text, $5::text, $6::int))`,
		storage.RecurringJobName(workflowID), strings.TrimSpace(cronExpr),
		workflowID, nodeID, payload, s.opts.MaxAttempts)
	return errors.Wrapf(err, "schedule recurring run of workflow %s", workflowID)
}

func (s *PostgresStore) CancelRecurring(ctx context.Context, workflowID string) error {
	ok, err := s.cronAvailable(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrRecurringUnavailable
	}
	var exists bool
	name := storage.RecurringJobName(workflowID)
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM cron.job WHERE jobname = $1)`, name); err != nil {
		return errors.Wrap(err, "look up recurring schedule")
	}
	if !exists {
		return storage.ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `SELECT cron.unschedule($1)`, name)
	return errors.Wrapf(err, "cancel recurring run of workflow %s", workflowID)
}

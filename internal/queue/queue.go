// Package queue is the durable work queue backing the processing pipeline.
// Tasks persist in the repository's relational index so producers and the
// pipeline service can run in separate processes and coordinate only
// through the database. Concurrency control is lease-based: a conditional
// UPDATE claims a task, and a claim that expires returns the task to the
// pending pool.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Operation names a unit of pipeline work.
type Operation string

const (
	OpOCR             Operation = "ocr"
	OpSegment         Operation = "segment"
	OpReindex         Operation = "reindex"
	OpExport          Operation = "export"
	OpImport          Operation = "import"
	OpPromote         Operation = "promote"
	OpExtractEntities Operation = "extract_entities"
)

var knownOperations = map[Operation]bool{
	OpOCR:             true,
	OpSegment:         true,
	OpReindex:         true,
	OpExport:          true,
	OpImport:          true,
	OpPromote:         true,
	OpExtractEntities: true,
}

// BulkStatus is the lifecycle state of a bulk operation.
type BulkStatus string

const (
	BulkRunning   BulkStatus = "running"
	BulkPaused    BulkStatus = "paused"
	BulkCompleted BulkStatus = "completed"
	BulkCancelled BulkStatus = "cancelled"
)

// Task is one unit of work.
type Task struct {
	ID              string         `json:"task_id"`
	PageID          string         `json:"page_id,omitempty"` // empty for non-page tasks
	Operation       Operation      `json:"operation"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Priority        int            `json:"priority"` // lower runs earlier
	Status          Status         `json:"status"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	LastError       string         `json:"last_error,omitempty"`
	Result          string         `json:"result,omitempty"`
	WorkerID        string         `json:"worker_id,omitempty"`
	LeaseExpiresAt  time.Time      `json:"lease_expires_at,omitempty"`
	NextEligibleAt  time.Time      `json:"next_eligible_at,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	LostLeases      int            `json:"lost_leases"`
	BulkID          string         `json:"bulk_id,omitempty"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Bulk groups tasks created together so they can be paused, resumed,
// cancelled, and reported on as a unit.
type Bulk struct {
	ID          string         `json:"bulk_id"`
	Description string         `json:"description"`
	Operation   Operation      `json:"operation"`
	Status      BulkStatus     `json:"status"`
	Counts      map[Status]int `json:"counts,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Config tunes queue behavior.
type Config struct {
	BaseRetryDelay     time.Duration // default 300s
	MaxRetryDelay      time.Duration // default 1h
	DefaultMaxAttempts int           // default 3
	DefaultPriority    int           // default 10
}

func (c Config) withDefaults() Config {
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 300 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = time.Hour
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = 10
	}
	return c
}

// Queue is the persistent work queue. It shares the repository database
// handle; the schema is applied by repo.OpenDB.
type Queue struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Queue over an open repository database.
func New(db *sql.DB, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "queue"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// Backoff returns the retry delay after the given number of failed
// attempts: base * 2^(attempts-1), capped.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.cfg.BaseRetryDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxRetryDelay {
			return q.cfg.MaxRetryDelay
		}
	}
	if d > q.cfg.MaxRetryDelay {
		d = q.cfg.MaxRetryDelay
	}
	return d
}

// Enqueue inserts a pending task and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, task Task) (string, error) {
	if !knownOperations[task.Operation] {
		return "", errkind.New(errkind.Validation, "unknown operation %q", task.Operation)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Priority == 0 {
		task.Priority = q.cfg.DefaultPriority
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	params, err := json.Marshal(task.Parameters)
	if err != nil {
		return "", errkind.Wrap(errkind.Validation, err)
	}
	if task.Parameters == nil {
		params = []byte("{}")
	}

	now := fmtTime(q.now())
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO processing_queue
			(task_id, page_id, operation, parameters, priority, status,
			 attempts, max_attempts, bulk_id, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		task.ID, nullable(task.PageID), string(task.Operation), string(params),
		task.Priority, task.MaxAttempts, nullable(task.BulkID), now, now)
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, err)
	}

	q.logger.Debug("task enqueued", "task_id", task.ID,
		"operation", task.Operation, "priority", task.Priority)
	return task.ID, nil
}

// BulkCreate registers a bulk operation and returns its ID.
func (q *Queue) BulkCreate(ctx context.Context, description string, op Operation) (string, error) {
	if !knownOperations[op] {
		return "", errkind.New(errkind.Validation, "unknown operation %q", op)
	}
	id := uuid.NewString()
	now := fmtTime(q.now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO bulk_processing_tasks (bulk_id, description, operation, status, created_at, updated_at)
		VALUES (?, ?, ?, 'running', ?, ?)`,
		id, description, string(op), now, now)
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, err)
	}
	return id, nil
}

// BulkEnqueue inserts tasks under an existing bulk in one transaction.
// Tasks inherit the bulk's operation.
func (q *Queue) BulkEnqueue(ctx context.Context, bulkID string, tasks []Task) ([]string, error) {
	bulk, err := q.GetBulk(ctx, bulkID)
	if err != nil {
		return nil, err
	}
	if bulk.Status == BulkCompleted || bulk.Status == BulkCancelled {
		return nil, errkind.New(errkind.Conflict, "bulk %s is %s", bulkID, bulk.Status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer tx.Rollback()

	now := fmtTime(q.now())
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		if task.Priority == 0 {
			task.Priority = q.cfg.DefaultPriority
		}
		if task.MaxAttempts == 0 {
			task.MaxAttempts = q.cfg.DefaultMaxAttempts
		}
		params, err := json.Marshal(task.Parameters)
		if err != nil {
			return nil, errkind.Wrap(errkind.Validation, err)
		}
		if task.Parameters == nil {
			params = []byte("{}")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO processing_queue
				(task_id, page_id, operation, parameters, priority, status,
				 attempts, max_attempts, bulk_id, enqueued_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
			task.ID, nullable(task.PageID), string(bulk.Operation), string(params),
			task.Priority, task.MaxAttempts, bulkID, now, now)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		ids = append(ids, task.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	q.logger.Info("bulk tasks enqueued", "bulk_id", bulkID, "count", len(ids))
	return ids, nil
}

// leaseCandidatesSQL selects claimable pending tasks in execution order:
// priority first, then enqueue time. Tasks backing off and tasks in paused
// bulks are skipped.
const leaseCandidatesSQL = `
	SELECT task_id FROM processing_queue
	WHERE status = 'pending'
	  AND (next_eligible_at IS NULL OR next_eligible_at <= ?)
	  AND (bulk_id IS NULL OR bulk_id NOT IN
	       (SELECT bulk_id FROM bulk_processing_tasks WHERE status = 'paused'))
	ORDER BY priority ASC, enqueued_at ASC, task_id ASC
	LIMIT ?`

// Lease atomically claims the highest-priority eligible pending task for a
// worker. Returns (nil, nil) when nothing is claimable. The claim is a
// conditional UPDATE, so two workers racing for the same task cannot both
// win.
func (q *Queue) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*Task, error) {
	now := q.now()

	rows, err := q.db.QueryContext(ctx, leaseCandidatesSQL, fmtTime(now), 10)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}

	for _, id := range candidates {
		res, err := q.db.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'leased', worker_id = ?, attempts = attempts + 1,
			    lease_expires_at = ?, updated_at = ?
			WHERE task_id = ? AND status = 'pending'`,
			workerID, fmtTime(now.Add(leaseDuration)), fmtTime(now), id)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		if n == 0 {
			continue // another worker won this one
		}
		task, err := q.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		q.logger.Debug("task leased", "task_id", id, "worker_id", workerID,
			"operation", task.Operation, "attempt", task.Attempts)
		return task, nil
	}
	return nil, nil
}

// LeaseBatch claims up to batchSize tasks sharing the first claimable
// task's operation, parameters, and bulk. Tasks from different bulks are
// never mixed.
func (q *Queue) LeaseBatch(ctx context.Context, workerID string, leaseDuration time.Duration, batchSize int) ([]*Task, error) {
	if batchSize <= 1 {
		task, err := q.Lease(ctx, workerID, leaseDuration)
		if err != nil || task == nil {
			return nil, err
		}
		return []*Task{task}, nil
	}

	first, err := q.Lease(ctx, workerID, leaseDuration)
	if err != nil || first == nil {
		return nil, err
	}
	batch := []*Task{first}

	params, _ := json.Marshal(first.Parameters)
	if first.Parameters == nil {
		params = []byte("{}")
	}
	now := q.now()

	rows, err := q.db.QueryContext(ctx, `
		SELECT task_id FROM processing_queue
		WHERE status = 'pending'
		  AND operation = ? AND parameters = ?
		  AND (bulk_id = ? OR (bulk_id IS NULL AND ? = ''))
		  AND (next_eligible_at IS NULL OR next_eligible_at <= ?)
		ORDER BY priority ASC, enqueued_at ASC, task_id ASC
		LIMIT ?`,
		string(first.Operation), string(params), first.BulkID, first.BulkID,
		fmtTime(now), batchSize-1)
	if err != nil {
		return batch, nil
	}
	var more []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			more = append(more, id)
		}
	}
	rows.Close()

	for _, id := range more {
		res, err := q.db.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'leased', worker_id = ?, attempts = attempts + 1,
			    lease_expires_at = ?, updated_at = ?
			WHERE task_id = ? AND status = 'pending'`,
			workerID, fmtTime(now.Add(leaseDuration)), fmtTime(now), id)
		if err != nil {
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		task, err := q.GetTask(ctx, id)
		if err != nil {
			continue
		}
		batch = append(batch, task)
	}
	return batch, nil
}

// Heartbeat renews a lease and reports whether cancellation was requested.
// A task that is no longer leased (cancelled, reaped, force-failed) also
// reports true so the worker aborts.
func (q *Queue) Heartbeat(ctx context.Context, taskID string, leaseDuration time.Duration) (cancelled bool, err error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET lease_expires_at = ?, updated_at = ?
		WHERE task_id = ? AND status = 'leased' AND cancel_requested = 0`,
		fmtTime(now.Add(leaseDuration)), fmtTime(now), taskID)
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, err)
	}
	if n == 1 {
		return false, nil
	}

	// Lease not renewed: the task was cancelled or taken away.
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return true, err
	}
	return task.CancelRequested || task.Status != StatusLeased, nil
}

// Complete marks a leased task succeeded.
func (q *Queue) Complete(ctx context.Context, taskID, result string) error {
	now := fmtTime(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'succeeded', result = ?, last_error = NULL,
		    worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE task_id = ? AND status = 'leased'`,
		nullable(result), now, taskID)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.notLeased(ctx, taskID)
	}
	q.logger.Debug("task completed", "task_id", taskID)
	return nil
}

// Fail records a failed execution. While attempts remain the task returns
// to pending with a backoff delay; otherwise it is failed for good.
func (q *Queue) Fail(ctx context.Context, taskID, taskErr string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `
		SELECT attempts, max_attempts FROM processing_queue
		WHERE task_id = ? AND status = 'leased'`, taskID).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return q.notLeased(ctx, taskID)
	}
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}

	now := q.now()
	if attempts < maxAttempts {
		eligible := now.Add(q.Backoff(attempts))
		_, err = tx.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'pending', last_error = ?, worker_id = NULL,
			    lease_expires_at = NULL, next_eligible_at = ?, updated_at = ?
			WHERE task_id = ?`,
			taskErr, fmtTime(eligible), fmtTime(now), taskID)
		if err == nil {
			q.logger.Warn("task failed, will retry", "task_id", taskID,
				"attempt", attempts, "max_attempts", maxAttempts,
				"next_eligible_at", fmtTime(eligible), "error", taskErr)
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'failed', last_error = ?, worker_id = NULL,
			    lease_expires_at = NULL, updated_at = ?
			WHERE task_id = ?`,
			taskErr, fmtTime(now), taskID)
		if err == nil {
			q.logger.Error("task failed permanently", "task_id", taskID,
				"attempts", attempts, "error", taskErr)
		}
	}
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return tx.Commit()
}

// FailPermanently moves a leased task straight to failed, bypassing the
// retry budget. Used for corrupt input and for forced timeouts.
func (q *Queue) FailPermanently(ctx context.Context, taskID, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'failed', last_error = ?, worker_id = NULL,
		    lease_expires_at = NULL, updated_at = ?
		WHERE task_id = ? AND status IN ('leased', 'pending')`,
		reason, fmtTime(q.now()), taskID)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.notLeased(ctx, taskID)
	}
	q.logger.Error("task force-failed", "task_id", taskID, "reason", reason)
	return nil
}

// Cancel cancels a pending or leased task. A leased task's worker observes
// the cancellation on its next heartbeat and aborts.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'cancelled', cancel_requested = 1,
		    lease_expires_at = NULL, updated_at = ?
		WHERE task_id = ? AND status IN ('pending', 'leased')`,
		fmtTime(q.now()), taskID)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.notLeased(ctx, taskID)
	}
	q.logger.Info("task cancelled", "task_id", taskID)
	return nil
}

// notLeased turns a missed conditional update into a useful error.
func (q *Queue) notLeased(ctx context.Context, taskID string) error {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return errkind.New(errkind.Conflict, "task %s is %s", taskID, task.Status)
}

// PauseBulk makes a bulk's pending tasks ineligible for lease. Tasks
// already leased run to completion.
func (q *Queue) PauseBulk(ctx context.Context, bulkID string) error {
	return q.setBulkStatus(ctx, bulkID, BulkPaused, BulkRunning)
}

// ResumeBulk reverses PauseBulk.
func (q *Queue) ResumeBulk(ctx context.Context, bulkID string) error {
	return q.setBulkStatus(ctx, bulkID, BulkRunning, BulkPaused)
}

func (q *Queue) setBulkStatus(ctx context.Context, bulkID string, to, from BulkStatus) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE bulk_processing_tasks SET status = ?, updated_at = ?
		WHERE bulk_id = ? AND status = ?`,
		string(to), fmtTime(q.now()), bulkID, string(from))
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		bulk, err := q.GetBulk(ctx, bulkID)
		if err != nil {
			return err
		}
		return errkind.New(errkind.Conflict, "bulk %s is %s", bulkID, bulk.Status)
	}
	q.logger.Info("bulk status changed", "bulk_id", bulkID, "status", to)
	return nil
}

// CancelBulk cancels a bulk and all of its pending and leased tasks.
func (q *Queue) CancelBulk(ctx context.Context, bulkID string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	defer tx.Rollback()

	now := fmtTime(q.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE bulk_processing_tasks SET status = 'cancelled', updated_at = ?
		WHERE bulk_id = ? AND status IN ('running', 'paused')`, now, bulkID)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		bulk, err := q.GetBulk(ctx, bulkID)
		if err != nil {
			return err
		}
		return errkind.New(errkind.Conflict, "bulk %s is %s", bulkID, bulk.Status)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'cancelled', cancel_requested = 1,
		    lease_expires_at = NULL, updated_at = ?
		WHERE bulk_id = ? AND status IN ('pending', 'leased')`, now, bulkID)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return tx.Commit()
}

// RetryFailed returns failed tasks to pending with a fresh retry budget.
// bulkID may be empty to retry all failed tasks.
func (q *Queue) RetryFailed(ctx context.Context, bulkID string) (int, error) {
	now := fmtTime(q.now())
	var (
		res sql.Result
		err error
	)
	if bulkID == "" {
		res, err = q.db.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'pending', attempts = 0, next_eligible_at = NULL,
			    cancel_requested = 0, updated_at = ?
			WHERE status = 'failed'`, now)
	} else {
		res, err = q.db.ExecContext(ctx, `
			UPDATE processing_queue
			SET status = 'pending', attempts = 0, next_eligible_at = NULL,
			    cancel_requested = 0, updated_at = ?
			WHERE status = 'failed' AND bulk_id = ?`, now, bulkID)
	}
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err)
	}
	q.logger.Info("failed tasks requeued", "count", n, "bulk_id", bulkID)
	return int(n), nil
}

// ReapExpired returns tasks with expired leases to pending and counts the
// lost lease. Called periodically by the scheduler.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := fmtTime(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE processing_queue
		SET status = 'pending', worker_id = NULL, lease_expires_at = NULL,
		    lost_leases = lost_leases + 1, updated_at = ?
		WHERE status = 'leased' AND lease_expires_at <= ?`, now, now)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err)
	}
	if n > 0 {
		q.logger.Warn("reaped expired leases", "count", n)
	}
	return int(n), nil
}

const taskColumns = `task_id, page_id, operation, parameters, priority, status,
	attempts, max_attempts, last_error, result, worker_id, lease_expires_at,
	next_eligible_at, cancel_requested, lost_leases, bulk_id, enqueued_at, updated_at`

// GetTask fetches one task.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM processing_queue WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	return task, nil
}

// TaskFilter selects tasks for ListTasks.
type TaskFilter struct {
	Status    Status
	Operation Operation
	BulkID    string
	PageID    string
	Limit     int
}

// ListTasks returns tasks matching the filter in execution order.
func (q *Queue) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM processing_queue WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Operation != "" {
		query += ` AND operation = ?`
		args = append(args, string(f.Operation))
	}
	if f.BulkID != "" {
		query += ` AND bulk_id = ?`
		args = append(args, f.BulkID)
	}
	if f.PageID != "" {
		query += ` AND page_id = ?`
		args = append(args, f.PageID)
	}
	query += ` ORDER BY priority ASC, enqueued_at ASC, task_id ASC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetBulk fetches one bulk with per-status task counts.
func (q *Queue) GetBulk(ctx context.Context, bulkID string) (*Bulk, error) {
	var (
		b                    Bulk
		status               string
		op                   string
		createdAt, updatedAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT bulk_id, description, operation, status, created_at, updated_at
		FROM bulk_processing_tasks WHERE bulk_id = ?`, bulkID).
		Scan(&b.ID, &b.Description, &op, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, "bulk %s not found", bulkID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	b.Operation = Operation(op)
	b.Status = BulkStatus(status)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)

	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM processing_queue
		WHERE bulk_id = ? GROUP BY status`, bulkID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	b.Counts = make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		b.Counts[Status(s)] = n
	}
	return &b, rows.Err()
}

// ListBulks returns all bulk operations, newest first.
func (q *Queue) ListBulks(ctx context.Context) ([]*Bulk, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT bulk_id FROM bulk_processing_tasks ORDER BY created_at DESC, bulk_id`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}

	bulks := make([]*Bulk, 0, len(ids))
	for _, id := range ids {
		b, err := q.GetBulk(ctx, id)
		if err != nil {
			return nil, err
		}
		bulks = append(bulks, b)
	}
	return bulks, nil
}

// MarkBulkCompleted closes out a running bulk whose tasks are all settled.
func (q *Queue) MarkBulkCompleted(ctx context.Context, bulkID string) error {
	var open int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_queue
		WHERE bulk_id = ? AND status IN ('pending', 'leased')`, bulkID).Scan(&open)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if open > 0 {
		return errkind.New(errkind.Conflict, "bulk %s has %d unsettled tasks", bulkID, open)
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE bulk_processing_tasks SET status = 'completed', updated_at = ?
		WHERE bulk_id = ? AND status = 'running'`, fmtTime(q.now()), bulkID)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var pageID, lastErr, result, workerID, bulkID sql.NullString
	var leaseExpires, nextEligible sql.NullString
	var op, status, params, enqueuedAt, updatedAt string
	var cancelRequested int
	err := row.Scan(&t.ID, &pageID, &op, &params, &t.Priority, &status,
		&t.Attempts, &t.MaxAttempts, &lastErr, &result, &workerID,
		&leaseExpires, &nextEligible, &cancelRequested, &t.LostLeases,
		&bulkID, &enqueuedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.PageID = pageID.String
	t.Operation = Operation(op)
	t.Status = Status(status)
	t.LastError = lastErr.String
	t.Result = result.String
	t.WorkerID = workerID.String
	t.BulkID = bulkID.String
	t.CancelRequested = cancelRequested != 0
	if leaseExpires.Valid {
		t.LeaseExpiresAt = parseTime(leaseExpires.String)
	}
	if nextEligible.Valid {
		t.NextEligibleAt = parseTime(nextEligible.String)
	}
	t.EnqueuedAt = parseTime(enqueuedAt)
	t.UpdatedAt = parseTime(updatedAt)
	if params != "" && params != "{}" {
		_ = json.Unmarshal([]byte(params), &t.Parameters)
	}
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

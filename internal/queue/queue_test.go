package queue

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	ctx := context.Background()
	db, err := repo.OpenDB(ctx, filepath.Join(t.TempDir(), "repository.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, Config{}, logger)
}

// advance moves the queue's clock forward. The queue reads time through an
// injected func so tests never sleep.
func advance(q *Queue, d time.Duration) {
	base := q.now()
	q.now = func() time.Time { return base.Add(d) }
}

func TestEnqueueDefaults(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Task{Operation: OpOCR, Parameters: map[string]any{"language": "eng"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	task, err := q.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != StatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.Priority != 10 {
		t.Errorf("priority = %d, want default 10", task.Priority)
	}
	if task.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want default 3", task.MaxAttempts)
	}
	if task.Parameters["language"] != "eng" {
		t.Errorf("parameters = %v", task.Parameters)
	}

	if _, err := q.Enqueue(ctx, Task{Operation: "mystery"}); err == nil {
		t.Error("expected validation error for unknown operation")
	}
}

func TestLeaseOrderAndAtomicity(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Distinct enqueue timestamps so the FIFO tie-break is observable.
	low, _ := q.Enqueue(ctx, Task{Operation: OpOCR, Priority: 20})
	advance(q, time.Second)
	first, _ := q.Enqueue(ctx, Task{Operation: OpOCR, Priority: 5})
	advance(q, time.Second)
	second, _ := q.Enqueue(ctx, Task{Operation: OpOCR, Priority: 5})

	got1, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if got1.ID != first {
		t.Errorf("first lease = %s, want %s (highest priority, earliest enqueue)", got1.ID, first)
	}
	if got1.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got1.Attempts)
	}

	got2, _ := q.Lease(ctx, "w2", time.Minute)
	if got2.ID != second {
		t.Errorf("second lease = %s, want %s", got2.ID, second)
	}
	got3, _ := q.Lease(ctx, "w1", time.Minute)
	if got3.ID != low {
		t.Errorf("third lease = %s, want %s", got3.ID, low)
	}

	// Nothing left.
	got4, err := q.Lease(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("Lease on empty queue: %v", err)
	}
	if got4 != nil {
		t.Errorf("leased %s from an empty queue", got4.ID)
	}
}

func TestCompleteAndConflicts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, Task{Operation: OpOCR})

	// Completing a task that was never leased is a conflict.
	if err := q.Complete(ctx, id, ""); !errkind.Is(err, errkind.Conflict) {
		t.Errorf("Complete on pending task: %v, want conflict", err)
	}

	task, _ := q.Lease(ctx, "w1", time.Minute)
	if err := q.Complete(ctx, task.ID, `{"pages": 1}`); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	done, _ := q.GetTask(ctx, id)
	if done.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", done.Status)
	}
	if done.Result != `{"pages": 1}` {
		t.Errorf("result = %q", done.Result)
	}
	if done.WorkerID != "" {
		t.Errorf("worker_id not cleared: %q", done.WorkerID)
	}
}

func TestCompleteClearsErrorFromEarlierAttempt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, Task{Operation: OpOCR})
	if _, err := q.Lease(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if err := q.Fail(ctx, id, "transient boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	advance(q, time.Hour) // past the retry backoff
	task, err := q.Lease(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("Lease after backoff: task=%v, err=%v", task, err)
	}
	if err := q.Complete(ctx, task.ID, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	done, _ := q.GetTask(ctx, id)
	if done.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", done.Status)
	}
	if done.LastError != "" {
		t.Errorf("last_error = %q, want cleared on success", done.LastError)
	}
}

func TestFailRetriesThenFailsForGood(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, Task{Operation: OpOCR, MaxAttempts: 3})

	for attempt := 1; attempt <= 3; attempt++ {
		task, err := q.Lease(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("Lease attempt %d: %v", attempt, err)
		}
		if task == nil {
			t.Fatalf("attempt %d: no task claimable", attempt)
		}
		if task.Attempts != attempt {
			t.Errorf("attempt %d: attempts = %d", attempt, task.Attempts)
		}
		if err := q.Fail(ctx, id, "ocr crashed"); err != nil {
			t.Fatalf("Fail attempt %d: %v", attempt, err)
		}

		task, _ = q.GetTask(ctx, id)
		if attempt < 3 {
			if task.Status != StatusPending {
				t.Fatalf("attempt %d: status = %s, want pending", attempt, task.Status)
			}
			if task.NextEligibleAt.IsZero() {
				t.Fatalf("attempt %d: no backoff recorded", attempt)
			}
			// Not claimable until the backoff elapses.
			if got, _ := q.Lease(ctx, "w1", time.Minute); got != nil {
				t.Fatalf("attempt %d: leased a backing-off task", attempt)
			}
			advance(q, q.Backoff(attempt)+time.Second)
		} else {
			if task.Status != StatusFailed {
				t.Errorf("status = %s, want failed after max attempts", task.Status)
			}
			if task.LastError != "ocr crashed" {
				t.Errorf("last_error = %q", task.LastError)
			}
		}
	}
}

func TestBackoffSchedule(t *testing.T) {
	q := newTestQueue(t)
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 300 * time.Second},
		{2, 600 * time.Second},
		{3, 1200 * time.Second},
		{10, time.Hour}, // capped
	}
	for _, tc := range cases {
		if got := q.Backoff(tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestCancelVisibleOnHeartbeat(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, Task{Operation: OpSegment})
	task, _ := q.Lease(ctx, "w1", time.Minute)

	cancelled, err := q.Heartbeat(ctx, task.ID, time.Minute)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if cancelled {
		t.Error("heartbeat reported cancellation before cancel")
	}

	if err := q.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cancelled, err = q.Heartbeat(ctx, task.ID, time.Minute)
	if err != nil {
		t.Fatalf("Heartbeat after cancel: %v", err)
	}
	if !cancelled {
		t.Error("heartbeat did not report cancellation")
	}

	got, _ := q.GetTask(ctx, id)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Cancelling a settled task is a conflict.
	if err := q.Cancel(ctx, id); !errkind.Is(err, errkind.Conflict) {
		t.Errorf("double cancel: %v, want conflict", err)
	}
}

func TestReapExpiredLeases(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, Task{Operation: OpOCR})
	if _, err := q.Lease(ctx, "w1", 30*time.Second); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	// Lease still live: nothing reaped.
	n, err := q.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("reaped %d live leases", n)
	}

	advance(q, time.Minute)
	n, err = q.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}

	task, _ := q.GetTask(ctx, id)
	if task.Status != StatusPending {
		t.Errorf("status = %s, want pending after reap", task.Status)
	}
	if task.LostLeases != 1 {
		t.Errorf("lost_leases = %d, want 1", task.LostLeases)
	}
	if task.WorkerID != "" {
		t.Errorf("worker_id not cleared: %q", task.WorkerID)
	}
}

func TestHeartbeatRenewsLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Task{Operation: OpOCR})
	task, _ := q.Lease(ctx, "w1", 30*time.Second)

	advance(q, 20*time.Second)
	if _, err := q.Heartbeat(ctx, task.ID, 30*time.Second); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	// Past the original expiry but within the renewed lease.
	advance(q, 15*time.Second)
	n, _ := q.ReapExpired(ctx)
	if n != 0 {
		t.Errorf("reaped a renewed lease")
	}
}

func TestBulkPauseResume(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	bulkID, err := q.BulkCreate(ctx, "april issues", OpOCR)
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	ids, err := q.BulkEnqueue(ctx, bulkID, []Task{{}, {}, {}})
	if err != nil {
		t.Fatalf("BulkEnqueue: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("enqueued %d tasks, want 3", len(ids))
	}

	if err := q.PauseBulk(ctx, bulkID); err != nil {
		t.Fatalf("PauseBulk: %v", err)
	}
	if task, _ := q.Lease(ctx, "w1", time.Minute); task != nil {
		t.Errorf("leased task %s from a paused bulk", task.ID)
	}

	if err := q.ResumeBulk(ctx, bulkID); err != nil {
		t.Fatalf("ResumeBulk: %v", err)
	}
	task, _ := q.Lease(ctx, "w1", time.Minute)
	if task == nil {
		t.Fatal("no task claimable after resume")
	}
	if task.Operation != OpOCR {
		t.Errorf("task operation = %s, want inherited ocr", task.Operation)
	}

	bulk, err := q.GetBulk(ctx, bulkID)
	if err != nil {
		t.Fatalf("GetBulk: %v", err)
	}
	if bulk.Counts[StatusLeased] != 1 || bulk.Counts[StatusPending] != 2 {
		t.Errorf("counts = %v", bulk.Counts)
	}
}

func TestCancelBulk(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	bulkID, _ := q.BulkCreate(ctx, "batch", OpSegment)
	q.BulkEnqueue(ctx, bulkID, []Task{{}, {}})
	leased, _ := q.Lease(ctx, "w1", time.Minute)

	if err := q.CancelBulk(ctx, bulkID); err != nil {
		t.Fatalf("CancelBulk: %v", err)
	}

	bulk, _ := q.GetBulk(ctx, bulkID)
	if bulk.Status != BulkCancelled {
		t.Errorf("bulk status = %s, want cancelled", bulk.Status)
	}
	if bulk.Counts[StatusCancelled] != 2 {
		t.Errorf("counts = %v, want 2 cancelled", bulk.Counts)
	}

	cancelled, _ := q.Heartbeat(ctx, leased.ID, time.Minute)
	if !cancelled {
		t.Error("worker not told to abort after bulk cancel")
	}
}

func TestRetryFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, Task{Operation: OpOCR, MaxAttempts: 1})
	q.Lease(ctx, "w1", time.Minute)
	q.Fail(ctx, id, "boom")

	task, _ := q.GetTask(ctx, id)
	if task.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}

	n, err := q.RetryFailed(ctx, "")
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
	task, _ = q.GetTask(ctx, id)
	if task.Status != StatusPending || task.Attempts != 0 {
		t.Errorf("task after retry = %s attempts %d", task.Status, task.Attempts)
	}
}

func TestLeaseBatchGroupsIdenticalWork(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	bulkID, _ := q.BulkCreate(ctx, "ocr run", OpOCR)
	params := map[string]any{"language": "eng"}
	q.BulkEnqueue(ctx, bulkID, []Task{
		{Parameters: params, Priority: 5},
		{Parameters: params, Priority: 5},
		{Parameters: map[string]any{"language": "deu"}, Priority: 20},
	})
	// A task outside the bulk must not join the batch.
	q.Enqueue(ctx, Task{Operation: OpOCR, Parameters: params, Priority: 20})

	batch, err := q.LeaseBatch(ctx, "w1", time.Minute, 10)
	if err != nil {
		t.Fatalf("LeaseBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2 (same operation, params, and bulk)", len(batch))
	}
	for _, task := range batch {
		if task.BulkID != bulkID {
			t.Errorf("task %s from wrong bulk %q", task.ID, task.BulkID)
		}
		if task.Parameters["language"] != "eng" {
			t.Errorf("task %s has params %v", task.ID, task.Parameters)
		}
		if task.Status != StatusLeased {
			t.Errorf("task %s status = %s", task.ID, task.Status)
		}
	}
}

func TestFailPermanently(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, Task{Operation: OpOCR, MaxAttempts: 3})
	q.Lease(ctx, "w1", time.Minute)

	if err := q.FailPermanently(ctx, id, "timeout"); err != nil {
		t.Fatalf("FailPermanently: %v", err)
	}
	task, _ := q.GetTask(ctx, id)
	if task.Status != StatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if task.LastError != "timeout" {
		t.Errorf("last_error = %q, want timeout", task.LastError)
	}
}

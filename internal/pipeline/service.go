// Package pipeline runs the processing service: one scheduler goroutine
// plus a pool of workers that lease tasks from the durable queue, execute
// registered handlers, heartbeat their leases, and publish progress events.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/queue"
)

// ProgressFunc reports handler progress in [0, 1].
type ProgressFunc func(fraction float64)

// Handler executes one task and returns an opaque result string.
type Handler func(ctx context.Context, task *queue.Task, report ProgressFunc) (string, error)

// BatchResult is the outcome for one task of a batch.
type BatchResult struct {
	TaskID string
	Result string
	Err    error
}

// BatchHandler executes a batch of identical tasks, amortizing setup
// costs. Every task in the batch must appear in the returned results.
type BatchHandler func(ctx context.Context, tasks []*queue.Task, report ProgressFunc) []BatchResult

// Config tunes the service.
type Config struct {
	Workers         int           // default 2
	PollInterval    time.Duration // default 5s
	LeaseDuration   time.Duration // default 5m
	BatchSize       int           // default 1 (no batching)
	MaxTaskDuration time.Duration // default 2h
	CancelGrace     time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.MaxTaskDuration <= 0 {
		c.MaxTaskDuration = 2 * time.Hour
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	return c
}

// Service is the pipeline runtime.
type Service struct {
	queue  *queue.Queue
	cfg    Config
	logger *slog.Logger

	mu            sync.RWMutex
	handlers      map[queue.Operation]Handler
	batchHandlers map[queue.Operation]BatchHandler

	events *broadcaster
	paused atomic.Bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Service over the queue.
func New(q *queue.Queue, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")
	return &Service{
		queue:         q,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		handlers:      make(map[queue.Operation]Handler),
		batchHandlers: make(map[queue.Operation]BatchHandler),
		events:        newBroadcaster(logger),
	}
}

// Register installs the handler for an operation.
func (s *Service) Register(op queue.Operation, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = h
}

// RegisterBatch installs a batch handler for an operation. Operations
// without one still batch-lease but run the single-task handler per task.
func (s *Service) RegisterBatch(op queue.Operation, h BatchHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchHandlers[op] = h
}

// Subscribe attaches a progress-event subscriber.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// Pause halts leasing of new tasks. In-flight tasks finish.
func (s *Service) Pause() {
	s.paused.Store(true)
	s.logger.Info("pipeline paused")
}

// Resume reverses Pause.
func (s *Service) Resume() {
	s.paused.Store(false)
	s.logger.Info("pipeline resumed")
}

// Paused reports the global pause flag.
func (s *Service) Paused() bool {
	return s.paused.Load()
}

// Start launches the scheduler and worker goroutines. It returns
// immediately; call Stop to shut down.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return errkind.New(errkind.Conflict, "pipeline already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.schedulerLoop(runCtx)
	}()
	for i := 0; i < s.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(runCtx, workerID)
		}()
	}

	go func() {
		wg.Wait()
		close(s.done)
	}()

	s.logger.Info("pipeline started", "workers", s.cfg.Workers,
		"poll_interval", s.cfg.PollInterval, "batch_size", s.cfg.BatchSize)
	return nil
}

// Stop shuts the service down and waits for in-flight work to settle.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.events.close()
	s.running = false
	s.logger.Info("pipeline stopped")
}

// schedulerLoop reaps expired leases and closes out finished bulks.
func (s *Service) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.paused.Load() {
			continue
		}

		if _, err := s.queue.ReapExpired(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("lease reaping failed", "error", err)
		}
		s.settleBulks(ctx)
	}
}

// settleBulks marks running bulks with no open tasks completed.
func (s *Service) settleBulks(ctx context.Context) {
	bulks, err := s.queue.ListBulks(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("listing bulks failed", "error", err)
		}
		return
	}
	for _, b := range bulks {
		if b.Status != queue.BulkRunning {
			continue
		}
		if b.Counts[queue.StatusPending] > 0 || b.Counts[queue.StatusLeased] > 0 {
			continue
		}
		if len(b.Counts) == 0 {
			continue // empty bulk, still being filled
		}
		if err := s.queue.MarkBulkCompleted(ctx, b.ID); err == nil {
			s.publishBulkProgress(ctx, b.ID)
		}
	}
}

// workerLoop leases and executes tasks until the context ends.
func (s *Service) workerLoop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.paused.Load() {
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}

		batch, err := s.queue.LeaseBatch(ctx, workerID, s.cfg.LeaseDuration, s.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("lease failed", "worker_id", workerID, "error", err)
			}
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}
		if len(batch) == 0 {
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}

		s.execute(ctx, workerID, batch)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// execute runs a leased batch: batch handler when registered, otherwise
// the single-task handler per task.
func (s *Service) execute(ctx context.Context, workerID string, batch []*queue.Task) {
	op := batch[0].Operation
	s.mu.RLock()
	handler := s.handlers[op]
	batchHandler := s.batchHandlers[op]
	s.mu.RUnlock()

	if handler == nil && batchHandler == nil {
		for _, task := range batch {
			s.logger.Error("no handler registered", "operation", op, "task_id", task.ID)
			_ = s.queue.FailPermanently(ctx, task.ID, fmt.Sprintf("no handler for operation %s", op))
			s.publishTaskEvent(EventTaskFailed, task, workerID, "no handler", 0)
		}
		return
	}

	if batchHandler != nil && len(batch) > 1 {
		s.executeBatch(ctx, workerID, batch, batchHandler)
		return
	}
	for _, task := range batch {
		s.executeOne(ctx, workerID, task, handler)
	}
}

func (s *Service) executeOne(ctx context.Context, workerID string, task *queue.Task, handler Handler) {
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxTaskDuration)
	defer cancel()

	stopHeartbeat := s.startHeartbeat(ctx, task.ID, cancel)
	defer stopHeartbeat()

	s.publishTaskEvent(EventTaskStarted, task, workerID, "", 0)

	report := func(fraction float64) {
		s.publishTaskEvent(EventTaskProgress, task, workerID, "", fraction)
	}

	result, err := handler(taskCtx, task, report)
	stopHeartbeat()
	s.settleTask(ctx, taskCtx, workerID, task, result, err)
}

func (s *Service) executeBatch(ctx context.Context, workerID string, batch []*queue.Task, handler BatchHandler) {
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxTaskDuration)
	defer cancel()

	stops := make([]func(), 0, len(batch))
	for _, task := range batch {
		stops = append(stops, s.startHeartbeat(ctx, task.ID, cancel))
		s.publishTaskEvent(EventTaskStarted, task, workerID, "", 0)
	}
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	report := func(fraction float64) {
		s.publishTaskEvent(EventTaskProgress, batch[0], workerID, "", fraction)
	}

	results := handler(taskCtx, batch, report)
	for _, stop := range stops {
		stop()
	}

	byID := make(map[string]BatchResult, len(results))
	for _, r := range results {
		byID[r.TaskID] = r
	}
	for _, task := range batch {
		r, ok := byID[task.ID]
		if !ok {
			r = BatchResult{TaskID: task.ID, Err: errkind.New(errkind.Internal, "batch handler returned no result")}
		}
		s.settleTask(ctx, taskCtx, workerID, task, r.Result, r.Err)
	}
}

// settleTask records the task outcome: success, forced timeout failure,
// cancellation, corrupt-input permanent failure, or retryable failure.
func (s *Service) settleTask(ctx, taskCtx context.Context, workerID string, task *queue.Task, result string, err error) {
	switch {
	case err == nil:
		if cerr := s.queue.Complete(ctx, task.ID, result); cerr != nil {
			s.logger.Warn("completing task failed", "task_id", task.ID, "error", cerr)
		}
		s.publishTaskEvent(EventTaskCompleted, task, workerID, "", 1)

	case taskCtx.Err() == context.DeadlineExceeded:
		_ = s.queue.FailPermanently(ctx, task.ID, "timeout")
		s.publishTaskEvent(EventTaskFailed, task, workerID, "timeout", 0)

	case taskCtx.Err() == context.Canceled && ctx.Err() == nil:
		// Cancellation observed via heartbeat; the task row is already
		// cancelled. Nothing further to record.
		s.logger.Info("task aborted on cancellation", "task_id", task.ID)

	case errkind.Of(err) == errkind.CorruptData:
		_ = s.queue.FailPermanently(ctx, task.ID, err.Error())
		s.publishTaskEvent(EventTaskFailed, task, workerID, err.Error(), 0)

	default:
		if ferr := s.queue.Fail(ctx, task.ID, err.Error()); ferr != nil {
			s.logger.Warn("failing task failed", "task_id", task.ID, "error", ferr)
		}
		s.publishTaskEvent(EventTaskFailed, task, workerID, err.Error(), 0)
	}

	if task.BulkID != "" {
		s.publishBulkProgress(ctx, task.BulkID)
	}
}

// startHeartbeat renews the task lease every lease/3 and invokes abort
// when cancellation is observed. The returned func stops the loop; it is
// safe to call more than once.
func (s *Service) startHeartbeat(ctx context.Context, taskID string, abort context.CancelFunc) func() {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(s.cfg.LeaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			cancelled, err := s.queue.Heartbeat(ctx, taskID, s.cfg.LeaseDuration)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("heartbeat failed", "task_id", taskID, "error", err)
				}
				continue
			}
			if cancelled {
				s.logger.Info("cancellation observed, aborting task",
					"task_id", taskID, "grace", s.cfg.CancelGrace)
				abort()
				// The handler has CancelGrace to unwind before the
				// worker moves on regardless.
				select {
				case <-stop:
				case <-time.After(s.cfg.CancelGrace):
				}
				return
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

func (s *Service) publishTaskEvent(typ EventType, task *queue.Task, workerID, errMsg string, progress float64) {
	s.events.publish(Event{
		Type:      typ,
		TaskID:    task.ID,
		BulkID:    task.BulkID,
		Operation: task.Operation,
		WorkerID:  workerID,
		Error:     errMsg,
		Progress:  progress,
	})
}

func (s *Service) publishBulkProgress(ctx context.Context, bulkID string) {
	bulk, err := s.queue.GetBulk(ctx, bulkID)
	if err != nil {
		return
	}
	total := 0
	settled := 0
	for status, n := range bulk.Counts {
		total += n
		if status != queue.StatusPending && status != queue.StatusLeased {
			settled += n
		}
	}
	progress := 0.0
	if total > 0 {
		progress = float64(settled) / float64(total)
	}
	s.events.publish(Event{
		Type:      EventBulkProgress,
		BulkID:    bulkID,
		Operation: bulk.Operation,
		Progress:  progress,
		Counts:    bulk.Counts,
	})
}

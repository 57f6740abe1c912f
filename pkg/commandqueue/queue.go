package commandqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/reqline/agentcore/internal/observability"
	"github.com/reqline/agentcore/internal/tracing"
)

// RunLane is the single-slot lane serializing agent runs: one active run,
// later submissions wait as pending.
const RunLane = "runs"

// MaintenanceLane carries background work such as store retention sweeps.
const MaintenanceLane = "maintenance"

// Task is an asynchronous operation executed on a lane.
type Task func(ctx context.Context) (any, error)

// TaskOptions tunes the execution of one task.
type TaskOptions struct {
	// RequestID enables idempotent submission: a repeated id within the
	// dedup TTL returns the cached result instead of re-running the task.
	RequestID string
	// WarnAfterMs logs and reports when the task waits longer than this.
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	generation  int
	concurrency int
	pending     []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

// EventHandler observes queue lifecycle events.
type EventHandler func(event Event)

// Event describes one queue lifecycle change.
type Event struct {
	Type   string // "pending" or "completed"
	Lane   string
	TaskID string
	Data   map[string]any
}

// Queue dispatches tasks through named lanes. Each Queue instance is
// self-contained; collaborating components receive it explicitly so
// concurrent sessions never share hidden state.
type Queue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	dedup     *dedupCache

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a Queue with the run lane (concurrency 1) and the
// maintenance lane preconfigured.
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		dedup:         newDedupCache(ctx, 0),
		eventHandlers: make(map[string][]EventHandler),
	}
	q.initLane(RunLane, 1)
	q.initLane(MaintenanceLane, 2)
	return q
}

func (q *Queue) initLane(lane string, concurrency int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.lanes[lane]; !exists {
		q.lanes[lane] = &laneState{
			concurrency: concurrency,
			pending:     make([]*taskRecord, 0),
			activeIDs:   make(map[string]bool),
		}
		log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	}
}

// Enqueue submits a task to a lane and blocks until it completes.
func (q *Queue) Enqueue(lane string, task Task, options *TaskOptions) (any, error) {
	return q.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext submits a task carrying the caller's context metadata.
// A submission while the lane is at capacity waits as pending and is
// dispatched automatically when a slot frees up.
func (q *Queue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}
	if opts.RequestID != "" {
		if cached, ok := q.dedup.Get(opts.RequestID); ok {
			logger.Debug().Str("requestId", opts.RequestID).Msg("Returning cached task result")
			return cached.value, cached.err
		}
	}

	q.ensureLane(lane)

	q.mu.Lock()
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, q.taskIDSeq)
	q.mu.Unlock()

	ls := q.lanes[lane]
	ls.mu.Lock()
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls.pending = append(ls.pending, record)
	queueSize := len(ls.pending)
	ls.mu.Unlock()

	logger.Debug().
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task pending")

	observability.RecordQueueEnqueue(lane, queueSize)
	q.emit(Event{
		Type:   "pending",
		Lane:   lane,
		TaskID: taskID,
		Data:   map[string]any{"queueSize": queueSize},
	})

	if opts.WarnAfterMs > 0 {
		go q.startWarnTimer(record, lane)
	}

	go q.dispatch(lane)

	result := <-record.result
	if opts.RequestID != "" {
		q.dedup.Set(opts.RequestID, result)
	}
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

func (q *Queue) ensureLane(lane string) {
	q.mu.RLock()
	_, exists := q.lanes[lane]
	q.mu.RUnlock()

	if !exists {
		q.initLane(lane, 1)
	}
}

// dispatch starts pending tasks while the lane has free slots.
func (q *Queue) dispatch(lane string) {
	ls := q.lanes[lane]
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.pending) > 0 {
		record := ls.pending[0]
		ls.pending = ls.pending[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: fmt.Errorf("task cancelled due to lane reset")}
			close(record.result)
			continue
		}

		ls.running++
		ls.activeIDs[record.id] = true

		logger := tracing.LoggerFromContext(record.ctx, log.Logger).With().Str("lane", lane).Logger()
		logger.Debug().
			Str("taskId", record.id).
			Int("running", ls.running).
			Msg("Task started")

		q.wg.Add(1)
		go q.executeTask(lane, record)
	}
}

func (q *Queue) executeTask(lane string, record *taskRecord) {
	defer q.wg.Done()

	taskCtx := record.ctx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	taskCtx, span := tracing.StartSpan(
		taskCtx,
		"agentcore.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	taskCtx = tracing.WithSessionKey(taskCtx, lane)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancelRun := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancelRun)
	defer func() {
		stopCancel()
		cancelRun()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ls := q.lanes[lane]
	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.pending)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	q.emit(Event{
		Type:   "completed",
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]any{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	go q.dispatch(lane)
}

func (q *Queue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls := q.lanes[lane]
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.pending {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			waitMs := time.Since(record.enqueuedAt).Milliseconds()
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Int64("waitMs", waitMs).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(waitMs, queuePos)
			}
		}
	case <-q.ctx.Done():
	}
}

// PendingCount returns the number of pending tasks for a lane.
func (q *Queue) PendingCount(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.pending)
}

// RunningCount returns the number of executing tasks for a lane.
func (q *Queue) RunningCount(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// Stats returns per-lane queue statistics.
func (q *Queue) Stats() map[string]map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]map[string]int)
	for lane, ls := range q.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"pending":     len(ls.pending),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ResetLane bumps the lane generation and rejects every pending task, so
// work queued before a restart never executes against fresh state.
func (q *Queue) ResetLane(lane string) {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	for _, record := range ls.pending {
		record.result <- taskResult{err: fmt.Errorf("lane reset")}
		close(record.result)
	}
	ls.pending = make([]*taskRecord, 0)

	log.Info().Str("lane", lane).Int("generation", ls.generation).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
}

// SetConcurrency updates the slot count for a lane.
func (q *Queue) SetConcurrency(lane string, concurrency int) {
	q.ensureLane(lane)

	ls := q.lanes[lane]
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Info().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		go q.dispatch(lane)
	}
}

// WaitForActive blocks until every active task finishes or the timeout
// elapses, reporting whether the queue drained.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		allDrained := true
		q.mu.RLock()
		for _, ls := range q.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 {
				allDrained = false
			}
			ls.mu.Unlock()
		}
		q.mu.RUnlock()

		if allDrained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close shuts the queue down after draining active tasks.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.dedup.Stop()
	return nil
}

// On registers an event handler for an event type.
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes every handler for an event type.
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	delete(q.eventHandlers, eventType)
}

func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Package execqueue serializes run executions onto named lanes. The ambient
// lane runs jobs for different threads concurrently; a per-thread lane keeps
// one thread's runs strictly ordered.
package execqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/adiwarna/loom/internal/observability"
	"github.com/adiwarna/loom/internal/tracing"
)

// Lane names and concurrency defaults.
const (
	AmbientLane        = "ambient"
	AmbientConcurrency = 4
)

// ThreadLane names the serial lane for one thread.
func ThreadLane(threadID string) string {
	return "thread-" + threadID
}

// Task is an asynchronous operation executed on a lane.
type Task func(ctx context.Context) (any, error)

// Options configures one enqueue.
type Options struct {
	// WarnAfter logs a warning (and calls OnWait) when the task is still
	// queued after this duration. Zero disables the watchdog.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    Options
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	active      int
	mu          sync.Mutex
}

// Queue provides lane-based execution with per-lane concurrency limits and
// generation-based reset.
type Queue struct {
	lanes  map[string]*laneState
	idSeq  int
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue with the ambient lane pre-sized.
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
	q.initLane(AmbientLane, AmbientConcurrency)
	return q
}

func (q *Queue) initLane(lane string, concurrency int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.lanes[lane]; !exists {
		q.lanes[lane] = &laneState{
			concurrency: concurrency,
			queue:       make([]*taskRecord, 0),
		}
		log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	}
}

func (q *Queue) ensureLane(lane string) {
	q.mu.RLock()
	_, exists := q.lanes[lane]
	q.mu.RUnlock()

	if !exists {
		// Unnamed lanes (per-thread lanes) are serial.
		q.initLane(lane, 1)
	}
}

// Enqueue schedules a task and blocks until it finishes, returning its
// result.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *Options) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "loom.execqueue", "execqueue.enqueue",
		attribute.String("lane", lane))
	defer span.End()

	q.ensureLane(lane)

	q.mu.Lock()
	q.idSeq++
	taskID := fmt.Sprintf("%s-%d", lane, q.idSeq)
	ls := q.lanes[lane]
	q.mu.Unlock()

	opts := Options{}
	if options != nil {
		opts = *options
	}

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
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	observability.RecordQueueEnqueue(lane, queueSize)
	log.Debug().Str("lane", lane).Str("taskId", taskID).Int("queueSize", queueSize).Msg("Task enqueued")

	if opts.WarnAfter > 0 {
		go q.startWarnTimer(record, lane)
	}

	go q.processLane(lane)

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

func (q *Queue) processLane(lane string) {
	q.mu.RLock()
	ls := q.lanes[lane]
	q.mu.RUnlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		// Stale tasks from before a lane reset never run.
		if record.generation != ls.generation {
			record.result <- taskResult{err: fmt.Errorf("task cancelled due to lane reset")}
			close(record.result)
			continue
		}

		ls.running++
		ls.active++
		q.wg.Add(1)
		go q.executeTask(lane, ls, record)
	}
}

func (q *Queue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "loom.execqueue", "execqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id))
	defer span.End()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	ls.active--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	go q.processLane(lane)
}

func (q *Queue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		q.mu.RLock()
		ls := q.lanes[lane]
		q.mu.RUnlock()

		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")
			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-q.ctx.Done():
	}
}

// QueueSize returns the number of queued (not yet running) tasks on a lane.
func (q *Queue) QueueSize(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// RunningCount returns the number of tasks currently executing on a lane.
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

// SetConcurrency resizes a lane's concurrency limit.
func (q *Queue) SetConcurrency(lane string, concurrency int) {
	q.ensureLane(lane)

	q.mu.RLock()
	ls := q.lanes[lane]
	q.mu.RUnlock()

	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	if concurrency > old {
		go q.processLane(lane)
	}
}

// ResetLane bumps the lane generation, rejecting everything still queued.
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
	for _, record := range ls.queue {
		record.result <- taskResult{err: fmt.Errorf("lane reset")}
		close(record.result)
	}
	ls.queue = ls.queue[:0]

	log.Info().Str("lane", lane).Int("generation", ls.generation).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
}

// WaitForActive blocks until every running task finishes or the timeout
// elapses.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		q.mu.RLock()
		for _, ls := range q.lanes {
			ls.mu.Lock()
			if ls.active > 0 {
				drained = false
			}
			ls.mu.Unlock()
		}
		q.mu.RUnlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

// Close cancels running task contexts and waits for them to return.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

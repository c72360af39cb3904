package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/internal/models"
	"github.com/huangang/modsentry/pkg/logger"
	"golang.org/x/sync/semaphore"
)

const (
	TaskTypeAnalysis = "analysis:process"

	analysisQueue         = "analysis"
	analysisTaskRetention = 24 * time.Hour
	analysisTaskMaxRetry  = 2
)

// ErrTaskDuplicate means a task with the same correlation id is already
// queued or running.
var ErrTaskDuplicate = errors.New("analysis task already queued")

// AnalysisTask is an analysis request queued for background processing.
// The result lands in the analysis cache, where a later synchronous call
// with the same request finds it.
type AnalysisTask struct {
	Request    models.AnalysisRequest `json:"request"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// TaskProcessor runs one queued analysis. A non-nil error asks for a retry.
type TaskProcessor func(context.Context, *AnalysisTask) error

type TaskQueue interface {
	Enqueue(ctx context.Context, task *AnalysisTask) error
	// IsAsync reports whether tasks outlive this process.
	IsAsync() bool
	Close() error
}

// NewTaskQueue uses Redis through asynq when it is enabled and reachable,
// and otherwise runs tasks in-process with processor.
func NewTaskQueue(cfg *config.Config, processor TaskProcessor) TaskQueue {
	if cfg.Redis.Enabled {
		q, err := NewAsyncQueue(&cfg.Redis, cfg.Analysis.ProcessingDeadline)
		if err == nil {
			logger.Infof("[TaskQueue] Using asynq on %s", cfg.Redis.Addr)
			return q
		}
		logger.Warnf("[TaskQueue] Redis unavailable, running tasks in-process: %v", err)
	}
	return NewSyncQueue(processor, cfg.Redis.WorkerConcurrency)
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsyncQueue hands tasks to asynq; a Worker picks them up.
type AsyncQueue struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewAsyncQueue fails when Redis does not answer so the caller can fall
// back to in-process tasks.
func NewAsyncQueue(cfg *config.RedisConfig, deadline time.Duration) (*AsyncQueue, error) {
	opt := redisClientOpt(cfg)
	inspector := asynq.NewInspector(opt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		return nil, fmt.Errorf("inspect queues: %w", err)
	}
	return &AsyncQueue{client: asynq.NewClient(opt), timeout: taskTimeout(deadline)}, nil
}

// A task may run slightly past the analysis deadline while it records usage.
func taskTimeout(deadline time.Duration) time.Duration {
	if deadline <= 0 {
		return time.Minute
	}
	return deadline + 10*time.Second
}

// Enqueue keys the task by correlation id, so a resubmitted request is
// refused instead of running twice.
func (q *AsyncQueue) Enqueue(ctx context.Context, task *AnalysisTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode analysis task: %w", err)
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeAnalysis, payload),
		asynq.Queue(analysisQueue),
		asynq.TaskID(task.Request.CorrelationID),
		asynq.MaxRetry(analysisTaskMaxRetry),
		asynq.Timeout(q.timeout),
		asynq.Retention(analysisTaskRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return ErrTaskDuplicate
	}
	if err != nil {
		return err
	}
	logger.Debugf("[AsyncQueue] Enqueued %s on %s", info.ID, info.Queue)
	return nil
}

func (q *AsyncQueue) IsAsync() bool { return true }

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue runs tasks on goroutines of this process, at most limit at a
// time. Queued tasks are lost on restart and failures are not retried.
type SyncQueue struct {
	processor TaskProcessor
	slots     *semaphore.Weighted
	wg        sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewSyncQueue(processor TaskProcessor, limit int) *SyncQueue {
	if limit <= 0 {
		limit = 10
	}
	return &SyncQueue{
		processor: processor,
		slots:     semaphore.NewWeighted(int64(limit)),
		inFlight:  make(map[string]struct{}),
	}
}

// Enqueue returns at once; the task runs detached from ctx once a slot is
// free.
func (q *SyncQueue) Enqueue(ctx context.Context, task *AnalysisTask) error {
	if q.processor == nil {
		return errors.New("no task processor configured")
	}
	id := task.Request.CorrelationID
	if id != "" {
		q.mu.Lock()
		if _, dup := q.inFlight[id]; dup {
			q.mu.Unlock()
			return ErrTaskDuplicate
		}
		q.inFlight[id] = struct{}{}
		q.mu.Unlock()
	}

	detached := context.WithoutCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.release(id)
		if err := q.slots.Acquire(detached, 1); err != nil {
			return
		}
		defer q.slots.Release(1)
		if err := q.processor(detached, task); err != nil {
			logger.Warnf("[SyncQueue] Task %s failed: %v", id, err)
		}
	}()
	return nil
}

func (q *SyncQueue) release(id string) {
	if id == "" {
		return
	}
	q.mu.Lock()
	delete(q.inFlight, id)
	q.mu.Unlock()
}

func (q *SyncQueue) IsAsync() bool { return false }

// Close waits for queued and running tasks.
func (q *SyncQueue) Close() error {
	q.wg.Wait()
	return nil
}

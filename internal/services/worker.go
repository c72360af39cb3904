package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/modsentry/internal/config"
	"github.com/huangang/modsentry/pkg/logger"
)

// Worker consumes analysis tasks from asynq.
type Worker struct {
	server    *asynq.Server
	processor TaskProcessor
}

func NewWorker(cfg *config.RedisConfig, processor TaskProcessor) *Worker {
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	server := asynq.NewServer(redisClientOpt(cfg), asynq.Config{
		Concurrency:    concurrency,
		Queues:         map[string]int{analysisQueue: 1},
		RetryDelayFunc: taskRetryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warnf("[Worker] Task %s failed (retry %d/%d): %v", id, retried, maxRetry, err)
		}),
		Logger:   asynqLogger{},
		LogLevel: asynq.WarnLevel,
	})
	return &Worker{server: server, processor: processor}
}

// taskRetryDelay backs off 5s, 10s, 20s... up to a minute. Providers that
// just failed usually need longer than an in-request retry to recover.
func taskRetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 || n > 3 {
		return time.Minute
	}
	return min(5*time.Second<<n, time.Minute)
}

// Start runs the asynq server in the background.
func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeAnalysis, w.handle)
	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	logger.Infof("[Worker] Consuming %s", analysisQueue)
	return nil
}

// Stop waits for running tasks and stops the server.
func (w *Worker) Stop() {
	w.server.Shutdown()
	logger.Infof("[Worker] Stopped")
}

func (w *Worker) handle(ctx context.Context, t *asynq.Task) error {
	var task AnalysisTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		// A malformed payload will never decode.
		return fmt.Errorf("decode analysis task: %v: %w", err, asynq.SkipRetry)
	}
	if w.processor == nil {
		return fmt.Errorf("no task processor configured: %w", asynq.SkipRetry)
	}
	logger.Debugf("[Worker] Analysis %s for %s, queued %s ago",
		task.Request.CorrelationID, task.Request.RequestKey, time.Since(task.EnqueuedAt).Round(time.Millisecond))
	return w.processor(ctx, &task)
}

// asynqLogger routes asynq's internal logging through pkg/logger.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logger.Debugf("[Asynq] %s", fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { logger.Infof("[Asynq] %s", fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { logger.Warnf("[Asynq] %s", fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { logger.Errorf("[Asynq] %s", fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) { logger.Fatalf("[Asynq] %s", fmt.Sprint(args...)) }

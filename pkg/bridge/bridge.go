package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-labs/contactd/internal/observability"
	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrTimeout is returned when a submitted task does not complete within the
// bounded wait. The task itself keeps running to completion on the dispatcher.
var ErrTimeout = errors.New("bridge: timed out waiting for task")

// Task represents an asynchronous operation to be executed on the dispatcher
type Task func(ctx context.Context) (interface{}, error)

// TaskError wraps a failure produced by the task itself, as opposed to a
// failure of the bridge machinery.
type TaskError struct {
	Err error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("bridge: task failed: %v", e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

type taskResult struct {
	value interface{}
	err   error
}

type record struct {
	ctx        context.Context
	task       Task
	enqueuedAt time.Time
	// Buffered so the dispatcher never blocks on a waiter that already
	// gave up at the timeout.
	result chan taskResult
}

// Bridge hands tasks from any number of caller goroutines to a single
// long-lived dispatcher goroutine and blocks each caller until its task
// completes or the bounded wait expires.
//
// Exactly one dispatcher exists per Bridge, started lazily on first use and
// never stopped for the life of the process. Tool connections (database
// pools, streaming provider sessions) opened by tasks remain owned by work
// running on that dispatcher; recreating it between calls would invalidate
// them, so there is deliberately no Stop.
type Bridge struct {
	startOnce sync.Once
	tasks     chan *record
	timeout   time.Duration
	depth     int64
	logger    zerolog.Logger
}

// Config holds bridge configuration
type Config struct {
	// Timeout bounds how long Submit waits for a result. Zero means the
	// default of two minutes.
	Timeout time.Duration
	// Backlog is the dispatcher channel capacity. Zero means 128.
	Backlog int
	Logger  zerolog.Logger
}

// New creates a new Bridge. The dispatcher goroutine is not started until
// the first Submit.
func New(cfg Config) *Bridge {
	observability.EnsureRegistered()

	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 128
	}

	return &Bridge{
		tasks:   make(chan *record, cfg.Backlog),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Submit hands a task to the dispatcher and blocks until it completes, the
// bridge timeout elapses, or ctx is cancelled. On timeout or cancellation
// the task is not interrupted; it runs to completion on the dispatcher and
// its result is discarded.
func (b *Bridge) Submit(ctx context.Context, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if task == nil {
		return nil, fmt.Errorf("bridge: nil task")
	}

	b.startOnce.Do(b.startDispatcher)

	ctx, span := tracing.StartSpan(
		ctx,
		"contactd.bridge",
		"bridge.submit",
		attribute.String("session_id", tracing.GetSessionID(ctx)),
	)
	defer span.End()

	rec := &record{
		ctx:        ctx,
		task:       task,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	// Enqueue. The same timer bounds both the wait for dispatcher capacity
	// and the wait for the result.
	select {
	case b.tasks <- rec:
		observability.SetBridgeDepth(int(atomic.AddInt64(&b.depth, 1)))
	case <-timer.C:
		span.SetStatus(codes.Error, ErrTimeout.Error())
		observability.RecordBridgeTask(time.Since(rec.enqueuedAt), "timeout")
		return nil, ErrTimeout
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}

	select {
	case res := <-rec.result:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
			return nil, &TaskError{Err: res.err}
		}
		return res.value, nil
	case <-timer.C:
		span.SetStatus(codes.Error, ErrTimeout.Error())
		observability.RecordBridgeTask(time.Since(rec.enqueuedAt), "timeout")
		logger := tracing.LoggerFromContext(ctx, b.logger)
		logger.Warn().
			Dur("waited", time.Since(rec.enqueuedAt)).
			Msg("Abandoning task result after timeout; task continues on dispatcher")
		return nil, ErrTimeout
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}
}

// Depth returns the number of tasks currently waiting for the dispatcher.
func (b *Bridge) Depth() int {
	return int(atomic.LoadInt64(&b.depth))
}

// startDispatcher starts the single dispatcher goroutine. Guarded by
// startOnce: a second dispatcher would own unrelated resource lifetimes and
// break streaming tool sessions opened on the first.
func (b *Bridge) startDispatcher() {
	go func() {
		for rec := range b.tasks {
			observability.SetBridgeDepth(int(atomic.AddInt64(&b.depth, -1)))
			b.execute(rec)
		}
	}()
}

// execute runs one task and delivers its result. The task context is
// detached from the caller's cancellation: once started, a task is
// fire-and-forget with respect to the submitting request.
func (b *Bridge) execute(rec *record) {
	taskCtx := context.WithoutCancel(rec.ctx)
	logger := tracing.LoggerFromContext(taskCtx, b.logger)

	start := time.Now()
	value, err := rec.task(taskCtx)
	duration := time.Since(start)

	rec.result <- taskResult{value: value, err: err}
	close(rec.result)

	if err != nil {
		observability.RecordBridgeTask(duration, "error")
		logger.Error().
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
		return
	}

	observability.RecordBridgeTask(duration, "success")
	logger.Debug().
		Dur("duration", duration).
		Msg("Task completed")
}

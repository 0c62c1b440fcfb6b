package jobs

import (
	"context"
	"fmt"
	"math"
	"time"

	"jp2web/internal/errors"
	"jp2web/internal/logger"

	"go.uber.org/zap"
)

// Queue is the task storage a Worker drains. *Repo implements it.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*Task, error)
	MarkDone(ctx context.Context, id uint64) error
	MarkFailed(ctx context.Context, id uint64, errMsg string) error
	RetryLater(ctx context.Context, id uint64, attempts int, runAt time.Time, errMsg string) error
}

type Handler interface {
	Handle(ctx context.Context, t *Task) error
}

type HandlerFunc func(ctx context.Context, t *Task) error

func (f HandlerFunc) Handle(ctx context.Context, t *Task) error { return f(ctx, t) }

// Abandoner is implemented by handlers that record a task given up without
// running, after workers lost it too many times.
type Abandoner interface {
	Abandon(ctx context.Context, t *Task, reason string) error
}

type Worker struct {
	ID       string
	Queue    Queue
	Handlers map[string]Handler

	PollInterval time.Duration
	// TimeLimit bounds one handler invocation; zero means no limit.
	TimeLimit time.Duration

	Log *zap.SugaredLogger
}

func (w *Worker) log() *zap.SugaredLogger {
	if w.Log == nil {
		w.Log = logger.Named("worker").With("worker_id", w.ID)
	}
	return w.Log
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log().Infow("Worker started", "poll_interval", interval)
	for {
		select {
		case <-ctx.Done():
			w.log().Info("Worker stopped")
			return
		case <-ticker.C:
			// drain due tasks before waiting again
			for ctx.Err() == nil {
				ok, err := w.RunOnce(ctx)
				if err != nil {
					w.log().Errorw("Worker claim error", "error", err)
				}
				if !ok {
					break
				}
			}
		}
	}
}

// RunOnce claims and handles at most one task. It reports whether a task was
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.Queue.Claim(ctx, w.ID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	w.handle(ctx, task)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, task *Task) {
	log := w.log().With("task_id", task.ID, "task_type", task.Type, "job_id", task.JobID, "attempt", task.Attempts)

	// outcomes are recorded even when ctx is cancelled during shutdown
	wctx := context.WithoutCancel(ctx)

	h, ok := w.Handlers[task.Type]
	if !ok {
		log.Warn("Unknown task type")
		w.settle(log, w.Queue.MarkFailed(wctx, task.ID, "unknown task type"))
		return
	}

	// lock expiries bump attempts; stop handing out a task that keeps dying
	if task.MaxAttempts > 0 && task.Attempts >= task.MaxAttempts {
		reason := fmt.Sprintf("gave up after %d attempts, last lock expired", task.Attempts)
		log.Warnw("Task abandoned", "reason", reason)
		if a, ok := h.(Abandoner); ok {
			w.settle(log, a.Abandon(wctx, task, reason))
		}
		w.settle(log, w.Queue.MarkFailed(wctx, task.ID, reason))
		return
	}

	err := w.invoke(ctx, h, task)
	if err == nil {
		w.settle(log, w.Queue.MarkDone(wctx, task.ID))
		return
	}

	var f *Failure
	if errors.As(err, &f) {
		if f.Retry && task.Attempts+1 < task.MaxAttempts {
			log.Infow("Task will be retried", "delay", f.Delay, "error", err)
			w.settle(log, w.Queue.RetryLater(wctx, task.ID, task.Attempts+1, time.Now().Add(f.Delay), err.Error()))
			return
		}
		log.Warnw("Task failed", "kind", f.Kind, "error", err)
		w.settle(log, w.Queue.MarkFailed(wctx, task.ID, err.Error()))
		return
	}

	w.retry(wctx, log, task, err.Error())
}

// invoke runs h under the task time limit and turns a panic into an error.
func (w *Worker) invoke(ctx context.Context, h Handler, task *Task) (err error) {
	if w.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.TimeLimit)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanent("panic", fmt.Errorf("%v", r))
		}
	}()
	return h.Handle(ctx, task)
}

// retry applies the default exponential backoff to errors that carry no
// Failure verdict.
func (w *Worker) retry(ctx context.Context, log *zap.SugaredLogger, task *Task, errMsg string) {
	attempts := task.Attempts + 1
	if attempts >= task.MaxAttempts {
		log.Warnw("Task failed after max attempts", "error", errMsg)
		w.settle(log, w.Queue.MarkFailed(ctx, task.ID, errMsg))
		return
	}

	sec := math.Min(math.Pow(2, float64(attempts)), 600)
	next := time.Now().Add(time.Duration(sec) * time.Second)

	w.settle(log, w.Queue.RetryLater(ctx, task.ID, attempts, next, errMsg))
}

func (w *Worker) settle(log *zap.SugaredLogger, err error) {
	if err != nil {
		log.Errorw("Cannot record task outcome", "error", err)
	}
}

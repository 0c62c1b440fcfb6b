package jobs

import (
	"context"
	"time"

	"jp2web/internal/errors"

	"gorm.io/gorm"
)

type Repo struct {
	DB *gorm.DB
	// RUNNING tasks locked for longer than this are handed out again. It
	// must exceed the worker time limit.
	StuckAfter time.Duration
}

// Enqueue adds a task for jobID. At most one PENDING or RUNNING task may
// exist per job; a second one is reported as ErrConflict.
func (r *Repo) Enqueue(ctx context.Context, taskType, jobID string, runAt time.Time) (uint64, error) {
	t := Task{
		Type:        taskType,
		JobID:       jobID,
		RunAt:       runAt,
		Status:      StatusPending,
		MaxAttempts: 3,
	}
	if err := r.DB.WithContext(ctx).Create(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, errors.Mark(errors.Wrapf(err, "task already queued for job %s", jobID), errors.ErrConflict)
		}
		return 0, errors.Wrap(err, "enqueue task")
	}
	return t.ID, nil
}

func (r *Repo) stuckAfter() time.Duration {
	if r.StuckAfter <= 0 {
		return 35 * time.Minute
	}
	return r.StuckAfter
}

// Claim one due task atomically using SKIP LOCKED.
// Works on Postgres.
func (r *Repo) Claim(ctx context.Context, workerID string) (*Task, error) {
	var task Task
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// requeue stuck RUNNING tasks; the lost run counts as an attempt
		if err := tx.Exec(`
update tasks
set status='PENDING', attempts=attempts+1, locked_by=null, locked_at=null,
    last_error='lock expired', updated_at=now()
where status='RUNNING' and locked_at is not null and locked_at < ?
`, time.Now().Add(-r.stuckAfter())).Error; err != nil {
			return err
		}

		// FOR UPDATE SKIP LOCKED ensures no double-claim
		q := tx.Raw(`
with cte as (
  select id
  from tasks
  where status='PENDING' and run_at <= now()
  order by run_at asc
  for update skip locked
  limit 1
)
update tasks
set status='RUNNING', locked_by=?, locked_at=now(), updated_at=now()
where id in (select id from cte)
returning *;
`, workerID)

		return q.Scan(&task).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim task")
	}
	if task.ID == 0 {
		return nil, nil
	}
	return &task, nil
}

func (r *Repo) MarkDone(ctx context.Context, id uint64) error {
	return r.DB.WithContext(ctx).Exec(`update tasks set status='DONE', last_error=null, updated_at=now() where id=?`, id).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id uint64, errMsg string) error {
	return r.DB.WithContext(ctx).Exec(`update tasks set status='FAILED', last_error=?, updated_at=now() where id=?`, errMsg, id).Error
}

func (r *Repo) RetryLater(ctx context.Context, id uint64, attempts int, runAt time.Time, errMsg string) error {
	return r.DB.WithContext(ctx).Exec(`
update tasks
set status='PENDING',
    attempts=?,
    run_at=?,
    locked_by=null,
    locked_at=null,
    last_error=?,
    updated_at=now()
where id=?`, attempts, runAt, errMsg, id).Error
}

// CancelPending fails the job's queued tasks that have not started yet.
func (r *Repo) CancelPending(ctx context.Context, jobID string, reason string) error {
	return r.DB.WithContext(ctx).Exec(`
update tasks set status='FAILED', last_error=?, updated_at=now()
where job_id=? and status='PENDING'`, reason, jobID).Error
}

// CancelActive fails every PENDING or RUNNING task of the job, freeing its
// active slot for a new task. A worker still holding a cancelled task only
// rewrites that task's own row when it finishes.
func (r *Repo) CancelActive(ctx context.Context, jobID string, reason string) error {
	return r.DB.WithContext(ctx).Exec(`
update tasks set status='FAILED', locked_by=null, locked_at=null, last_error=?, updated_at=now()
where job_id=? and status in ('PENDING','RUNNING')`, reason, jobID).Error
}

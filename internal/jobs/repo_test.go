package jobs

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"jp2web/internal/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return &Repo{DB: gdb, StuckAfter: time.Minute}, mock
}

func TestClaimUsesSkipLocked(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("set status='PENDING', attempts=attempts+1, locked_by=null")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)for update skip locked.*returning \*`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "job_id", "status", "attempts", "max_attempts"}).
			AddRow(42, TypeConvert, "job-1", StatusRunning, 1, 3))
	mock.ExpectCommit()

	task, err := repo.Claim(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, uint64(42), task.ID)
	assert.Equal(t, "job-1", task.JobID)
	assert.Equal(t, 1, task.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// afterTime matches a time argument no later than the bound.
type afterTime struct{ notAfter time.Time }

func (a afterTime) Match(v driver.Value) bool {
	t, ok := v.(time.Time)
	return ok && !t.After(a.notAfter)
}

func TestClaimRequeuesOnlyExpiredLocks(t *testing.T) {
	repo, mock := newMockRepo(t)
	repo.StuckAfter = 35 * time.Minute
	cutoff := time.Now().Add(-35 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)attempts=attempts\+1.*where status='RUNNING' and locked_at is not null and locked_at < \$1`).
		WithArgs(afterTime{notAfter: cutoff.Add(time.Second)}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`for update skip locked`).
		WithArgs("w2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "job_id", "status", "attempts", "max_attempts"}).
			AddRow(9, TypeConvert, "job-9", StatusRunning, 1, 3))
	mock.ExpectCommit()

	task, err := repo.Claim(context.Background(), "w2")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 1, task.Attempts, "the lost run was counted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`update tasks`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`for update skip locked`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	task, err := repo.Claim(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "tasks"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	id, err := repo.Enqueue(context.Background(), TypeConvert, "job-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDuplicateIsConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "tasks"`).WillReturnError(gorm.ErrDuplicatedKey)
	mock.ExpectRollback()

	_, err := repo.Enqueue(context.Background(), TypeConvert, "job-1", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryLater(t *testing.T) {
	repo, mock := newMockRepo(t)
	runAt := time.Now().Add(time.Minute)

	mock.ExpectExec(`set status='PENDING',\s+attempts=\$1`).
		WithArgs(2, sqlmock.AnyArg(), "boom", uint64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RetryLater(context.Background(), 9, 2, runAt, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelActiveReleasesRunningTask(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("where job_id=$2 and status in ('PENDING','RUNNING')")).
		WithArgs("superseded by retry", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CancelActive(context.Background(), "job-1", "superseded by retry"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

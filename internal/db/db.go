package db

import (
	"time"

	"jp2web/internal/auth"
	"jp2web/internal/conversion"
	"jp2web/internal/errors"
	"jp2web/internal/jobs"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func Connect(dsn string, log *zap.SugaredLogger) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		// unique violations surface as gorm.ErrDuplicatedKey
		TranslateError: true,
		Logger: gormlogger.New(zapWriter{log}, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect database")
	}
	return gdb, nil
}

type zapWriter struct {
	log *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...interface{}) {
	w.log.Warnf(format, args...)
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables
	if err := gdb.AutoMigrate(
		&auth.User{},
		&conversion.Job{},
		&jobs.Task{},
	); err != nil {
		return errors.Wrap(err, "auto migrate")
	}

	// At most one queued or running task per conversion job
	if err := gdb.Exec(`
create unique index if not exists uq_tasks_active_job
on tasks(job_id)
where status in ('PENDING','RUNNING');
`).Error; err != nil {
		return errors.Wrap(err, "task uniqueness index")
	}

	// Helpful indexes
	stmts := []string{
		`create index if not exists idx_jobs_user_created on conversion_jobs(user_id, created_at desc);`,
		`create index if not exists idx_jobs_user_status on conversion_jobs(user_id, status);`,
		`create index if not exists idx_jobs_pending_created on conversion_jobs(created_at) where status = 'pending';`,
		`create index if not exists idx_tasks_due on tasks(status, run_at);`,
		`create index if not exists idx_tasks_lock on tasks(status, locked_at);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return errors.Wrapf(err, "index exec failed (sql=%s)", s)
		}
	}

	return nil
}

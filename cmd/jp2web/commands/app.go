package commands

import (
	"context"
	"fmt"
	"os"

	"jp2web/internal/auth"
	"jp2web/internal/compliance"
	"jp2web/internal/config"
	"jp2web/internal/conversion"
	"jp2web/internal/converter"
	"jp2web/internal/db"
	"jp2web/internal/errors"
	"jp2web/internal/jobs"
	"jp2web/internal/logger"
	"jp2web/internal/storage"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds the wired collaborators shared by the commands.
type app struct {
	cfg    config.Config
	db     *gorm.DB
	queue  *jobs.Repo
	svc    *conversion.Service
	layout storage.Layout
	log    *zap.SugaredLogger
}

func newApp(cfg config.Config) (*app, error) {
	log := logger.Named("app")

	gdb, err := db.Connect(cfg.DatabaseURL, logger.Named("gorm"))
	if err != nil {
		return nil, err
	}

	layout := storage.Layout{Root: cfg.MediaRoot}
	queue := &jobs.Repo{DB: gdb, StuckAfter: cfg.TaskLease()}
	svc := &conversion.Service{
		Repo:   &conversion.GormStore{DB: gdb},
		Queue:  queue,
		Layout: layout,
		Log:    logger.Named("jobs"),
	}
	return &app{cfg: cfg, db: gdb, queue: queue, svc: svc, layout: layout, log: log}, nil
}

func (a *app) migrate() error {
	if err := db.AutoMigrateAndIndexes(a.db); err != nil {
		return err
	}
	return os.MkdirAll(a.layout.Root, 0o755)
}

// library resolves the external converter. When it is missing the mock
// converter takes over so uploads still complete.
func (a *app) library(ctx context.Context) (converter.Library, error) {
	if a.cfg.MockMode {
		return nil, nil
	}
	lib, err := converter.NewCommandLibrary(ctx, a.cfg.ConverterCommand, a.cfg.ConverterVersion)
	if err != nil {
		if errors.Is(err, errors.ErrUnavailable) {
			a.log.Warnw("Converter not available, falling back to mock mode", "error", err)
			return nil, nil
		}
		return nil, err
	}
	return lib, nil
}

func (a *app) processor(ctx context.Context) (*conversion.Processor, error) {
	lib, err := a.library(ctx)
	if err != nil {
		return nil, err
	}
	return &conversion.Processor{
		Store:     &conversion.GormStore{DB: a.db},
		Layout:    a.layout,
		Converter: converter.NewAdapter(lib, converter.WithAdapterLogger(logger.Named("converter"))),
		Validator: compliance.New(
			compliance.WithTolerance(a.cfg.ComplianceTolerance),
			compliance.WithLogger(logger.Named("compliance")),
		),
		Retry:    conversion.DefaultRetryPolicy(),
		KeepTemp: a.cfg.KeepTemp,
		Log:      logger.Named("processor"),
	}, nil
}

func (a *app) workers(p *conversion.Processor) []*jobs.Worker {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	out := make([]*jobs.Worker, 0, a.cfg.WorkerCount)
	for i := 1; i <= a.cfg.WorkerCount; i++ {
		id := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i)
		out = append(out, &jobs.Worker{
			ID:           id,
			Queue:        a.queue,
			Handlers:     map[string]jobs.Handler{jobs.TypeConvert: p},
			PollInterval: a.cfg.WorkerPollInterval,
			TimeLimit:    a.cfg.TaskTimeLimit,
			Log:          logger.Named("worker").With("worker_id", id),
		})
	}
	return out
}

func (a *app) users() *auth.Users {
	return &auth.Users{DB: a.db}
}

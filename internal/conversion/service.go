package conversion

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"jp2web/internal/compliance"
	"jp2web/internal/errors"
	"jp2web/internal/jobs"
	"jp2web/internal/logger"
	"jp2web/internal/storage"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Queue submits jobs for background processing. *jobs.Repo implements it.
type Queue interface {
	Enqueue(ctx context.Context, taskType, jobID string, runAt time.Time) (uint64, error)
	CancelPending(ctx context.Context, jobID, reason string) error
	CancelActive(ctx context.Context, jobID, reason string) error
}

// Service is the job API used by the HTTP layer and the commands.
type Service struct {
	Repo   Repository
	Queue  Queue
	Layout storage.Layout

	Log *zap.SugaredLogger
	Now func() time.Time
}

func (s *Service) log() *zap.SugaredLogger {
	if s.Log == nil {
		s.Log = logger.Named("jobs")
	}
	return s.Log
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type NewJob struct {
	UserID       uint64
	FileName     string
	Body         io.Reader
	Mode         string
	DocumentType string
	BnfCompliant bool
	// Quality is required for lossy and supervised modes.
	Quality    *int
	ExpertMode bool
}

// Validate checks the submission settings and fills the quality default.
func (n *NewJob) Validate() error {
	n.Mode = strings.ToLower(strings.TrimSpace(n.Mode))
	n.DocumentType = strings.ToLower(strings.TrimSpace(n.DocumentType))
	if n.Mode == "" {
		n.Mode = ModeSupervised
	}
	if n.DocumentType == "" {
		n.DocumentType = string(compliance.Photograph)
	}
	if !slices.Contains(Modes, n.Mode) {
		return errors.InvalidInputf("unknown compression mode %q", n.Mode)
	}
	if _, err := compliance.ParseCategory(n.DocumentType); err != nil {
		return err
	}
	if n.Quality == nil {
		if n.Mode == ModeLossy || n.Mode == ModeSupervised {
			return errors.InvalidInputf("quality is required for %s compression", n.Mode)
		}
		q := DefaultQuality
		n.Quality = &q
	}
	if *n.Quality < 1 || *n.Quality > 100 {
		return errors.InvalidInputf("quality must be between 1 and 100")
	}
	if strings.TrimSpace(n.FileName) == "" {
		return errors.InvalidInputf("file name is required")
	}
	return nil
}

// Create stores the upload, inserts a pending job and submits it.
func (s *Service) Create(ctx context.Context, in NewJob) (*Job, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	rel, size, err := s.Layout.SaveUpload(id, in.FileName, in.Body)
	if err != nil {
		_ = s.Layout.RemoveJob(id)
		return nil, err
	}
	if size == 0 {
		_ = s.Layout.RemoveJob(id)
		return nil, errors.InvalidInputf("uploaded file %s is empty", storage.SafeName(in.FileName))
	}

	job := &Job{
		ID:              id,
		UserID:          in.UserID,
		InputReference:  rel,
		InputName:       storage.SafeName(in.FileName),
		OutputFiles:     pq.StringArray{},
		CompressionMode: in.Mode,
		DocumentType:    in.DocumentType,
		BnfCompliant:    in.BnfCompliant,
		Quality:         *in.Quality,
		ExpertMode:      in.ExpertMode,
		Status:          StatusPending,
		Metrics:         Metrics{},
	}
	if err := s.Repo.Create(ctx, job); err != nil {
		_ = s.Layout.RemoveJob(id)
		return nil, err
	}
	s.log().Infow("Job created", "job_id", id, "user_id", in.UserID, "input", job.InputName, "size", size)

	return s.Submit(ctx, id)
}

// Submit enqueues the job. A job that cannot be queued is marked failed.
func (s *Service) Submit(ctx context.Context, id string) (*Job, error) {
	taskID, err := s.Queue.Enqueue(ctx, jobs.TypeConvert, id, s.now())
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			s.log().Infow("Job already queued", "job_id", id)
			return s.Repo.Get(ctx, id)
		}
		msg := fmt.Sprintf("Failed to start conversion task: %v", err)
		now := s.now()
		job, uerr := s.Repo.Update(ctx, id, func(j *Job) error {
			j.Status = StatusFailed
			j.ErrorMessage = &msg
			j.CompletedAt = &now
			return nil
		})
		if uerr != nil {
			s.log().Errorw("Cannot mark job failed", "job_id", id, "error", uerr)
		}
		return job, errors.Mark(errors.Wrap(err, "submit job"), errors.ErrUnavailable)
	}

	ref := strconv.FormatUint(taskID, 10)
	return s.Repo.Update(ctx, id, func(j *Job) error {
		j.TaskReference = &ref
		return nil
	})
}

func (s *Service) Get(ctx context.Context, userID uint64, id string) (*Job, error) {
	return s.Repo.ForUser(ctx, userID, id)
}

func (s *Service) List(ctx context.Context, q ListQuery) ([]Job, int64, error) {
	return s.Repo.List(ctx, q)
}

func (s *Service) Stats(ctx context.Context, userID uint64) (Stats, error) {
	return s.Repo.Stats(ctx, userID)
}

// Retry returns a failed job to pending and resubmits it.
func (s *Service) Retry(ctx context.Context, userID uint64, id string) (*Job, error) {
	cur, err := s.Repo.ForUser(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusFailed {
		return nil, errors.Mark(errors.Newf("job is %s; only failed jobs can be retried", cur.Status), errors.ErrConflict)
	}
	// the failed run's task may still hold the job's active slot
	if err := s.Queue.CancelActive(ctx, id, "superseded by retry"); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "release previous task"), errors.ErrUnavailable)
	}
	if _, err := s.Repo.Update(ctx, id, func(j *Job) error {
		if j.Status != StatusFailed {
			return errors.Mark(errors.Newf("job is %s; only failed jobs can be retried", j.Status), errors.ErrConflict)
		}
		resetForRun(j)
		return nil
	}); err != nil {
		return nil, err
	}
	s.log().Infow("Job retried", "job_id", id)
	return s.Submit(ctx, id)
}

func resetForRun(j *Job) {
	j.Status = StatusPending
	j.Progress = 0
	j.ErrorMessage = nil
	j.CompletedAt = nil
	j.OutputReference = nil
	j.OutputName = nil
	j.OutputFiles = pq.StringArray{}
	j.OriginalSize, j.ConvertedSize, j.CompressionRatio = nil, nil, nil
	j.Metrics = Metrics{}
}

// Delete removes the job row and its files regardless of status.
func (s *Service) Delete(ctx context.Context, userID uint64, id string) error {
	if _, err := s.Repo.ForUser(ctx, userID, id); err != nil {
		return err
	}
	return s.remove(ctx, id)
}

func (s *Service) remove(ctx context.Context, id string) error {
	if err := s.Queue.CancelPending(ctx, id, "job deleted"); err != nil {
		s.log().Warnw("Cannot cancel queued task", "job_id", id, "error", err)
	}
	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.Layout.RemoveJob(id); err != nil {
		s.log().Warnw("Cannot remove job files", "job_id", id, "error", err)
	}
	s.log().Infow("Job deleted", "job_id", id)
	return nil
}

const (
	BatchProcess  = "process"
	BatchDelete   = "delete"
	BatchDownload = "download"
)

type BatchResult struct {
	Action    string            `json:"action"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
}

func (r *BatchResult) record(mu *sync.Mutex, id string, err error) {
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		r.Failed[id] = err.Error()
		return
	}
	r.Succeeded = append(r.Succeeded, id)
}

// Batch applies process or delete to the caller's jobs. Download is served
// by the HTTP layer from Completed.
func (s *Service) Batch(ctx context.Context, userID uint64, ids []string, action string) (*BatchResult, error) {
	if len(ids) == 0 {
		return nil, errors.InvalidInputf("no jobs selected")
	}
	var op func(ctx context.Context, id string) error
	switch action {
	case BatchProcess:
		op = func(ctx context.Context, id string) error {
			j, err := s.Repo.ForUser(ctx, userID, id)
			if err != nil {
				return err
			}
			switch j.Status {
			case StatusFailed:
				_, err = s.Retry(ctx, userID, id)
			case StatusPending:
				_, err = s.Submit(ctx, id)
			default:
				err = errors.Mark(errors.Newf("job is %s", j.Status), errors.ErrConflict)
			}
			return err
		}
	case BatchDelete:
		op = func(ctx context.Context, id string) error { return s.Delete(ctx, userID, id) }
	default:
		return nil, errors.InvalidInputf("unknown batch action %q", action)
	}

	res := &BatchResult{Action: action, Succeeded: []string{}, Failed: map[string]string{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			res.record(&mu, id, op(gctx, id))
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(res.Succeeded)
	return res, nil
}

// Completed returns the caller's completed jobs among ids, in id order.
func (s *Service) Completed(ctx context.Context, userID uint64, ids []string) ([]Job, error) {
	var out []Job
	for _, id := range ids {
		j, err := s.Repo.ForUser(ctx, userID, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if j.Status == StatusCompleted {
			out = append(out, *j)
		}
	}
	return out, nil
}

// OutputPaths resolves the filesystem paths of a completed job's outputs.
func (s *Service) OutputPaths(j *Job) ([]string, error) {
	refs := []string(j.OutputFiles)
	if len(refs) == 0 && j.OutputReference != nil {
		refs = []string{*j.OutputReference}
	}
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		p, err := s.Layout.Abs(r)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(p); err != nil {
			return nil, errors.NotFoundf("output %s is missing", r)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.NotFoundf("job %s has no output", j.ID)
	}
	return out, nil
}

// ReportFile returns the path of a job's report.json if it was written.
func (s *Service) ReportFile(j *Job) (string, error) {
	p := s.Layout.ReportPath(j.ID)
	if _, err := os.Stat(p); err != nil {
		return "", errors.NotFoundf("job %s has no report", j.ID)
	}
	return p, nil
}

const recoveredNote = "Recovered from stuck pending state"

// RecoverStuck resubmits jobs still pending after olderThan. With dryRun
// only the ids are returned.
func (s *Service) RecoverStuck(ctx context.Context, olderThan time.Duration, dryRun bool) ([]string, error) {
	stale, err := s.Repo.StalePending(ctx, s.now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(stale))
	for _, j := range stale {
		ids = append(ids, j.ID)
		if dryRun {
			continue
		}
		if _, err := s.Repo.Update(ctx, j.ID, func(j *Job) error {
			j.Progress = 0
			if j.Metrics == nil {
				j.Metrics = Metrics{}
			}
			j.Metrics["recovery_note"] = recoveredNote
			return nil
		}); err != nil {
			return ids, err
		}
		if _, err := s.Submit(ctx, j.ID); err != nil {
			s.log().Warnw("Cannot resubmit stuck job", "job_id", j.ID, "error", err)
			continue
		}
		s.log().Infow("Recovered stuck job", "job_id", j.ID)
	}
	return ids, nil
}

type CleanupOptions struct {
	Jobs   bool
	Temp   bool
	DryRun bool
}

type CleanupReport struct {
	JobsRemoved []string
	TempRemoved []string
}

// Cleanup removes every job (rows and media) or only per-job temp dirs.
func (s *Service) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupReport, error) {
	rep := &CleanupReport{}
	if opts.Jobs {
		ids, err := s.Repo.IDs(ctx)
		if err != nil {
			return rep, err
		}
		for _, id := range ids {
			if !opts.DryRun {
				if err := s.remove(ctx, id); err != nil {
					return rep, err
				}
			}
			rep.JobsRemoved = append(rep.JobsRemoved, id)
		}
	}
	if opts.Temp {
		dirs, err := s.Layout.TempDirs()
		if err != nil {
			return rep, errors.Wrap(err, "list temp dirs")
		}
		for _, d := range dirs {
			if !opts.DryRun {
				if err := os.RemoveAll(d); err != nil {
					return rep, errors.Wrapf(err, "remove %s", d)
				}
			}
			rep.TempRemoved = append(rep.TempRemoved, d)
		}
	}
	return rep, nil
}

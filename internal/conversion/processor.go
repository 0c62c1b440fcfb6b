// Package conversion holds the conversion job entity and drives jobs
// through their lifecycle: pickup, conversion through the adapter with
// persisted progress, result normalization, and bounded retry of transient
// failures.
package conversion

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"jp2web/internal/compliance"
	"jp2web/internal/converter"
	"jp2web/internal/errors"
	"jp2web/internal/jobs"
	"jp2web/internal/logger"
	"jp2web/internal/storage"

	"go.uber.org/zap"
)

// Converter is the adapter surface the processor drives.
// *converter.Adapter implements it.
type Converter interface {
	BuildConfiguration(params map[string]any) (*converter.Config, error)
	Convert(ctx context.Context, cfg *converter.Config, inputPath string, progress converter.ProgressFunc) *converter.Result
}

type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	Base       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Base: time.Second}
}

// Backoff is the delay before the retry that follows attempt (0-based).
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt)) * float64(r.Base))
}

type Outcome struct {
	JobID           string
	Status          string
	OutputReference string
	// Skipped is set when the job had already completed or failed.
	Skipped bool
}

type Processor struct {
	Store     Store
	Layout    storage.Layout
	Converter Converter
	Validator *compliance.Validator
	Retry     RetryPolicy
	KeepTemp  bool

	Log *zap.SugaredLogger
	Now func() time.Time
}

func (p *Processor) log() *zap.SugaredLogger {
	if p.Log == nil {
		p.Log = logger.Named("processor")
	}
	return p.Log
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) validator() *compliance.Validator {
	if p.Validator == nil {
		p.Validator = compliance.New()
	}
	return p.Validator
}

// Handle runs a CONVERT_JOB task; the task's attempt count is the
// processing attempt.
func (p *Processor) Handle(ctx context.Context, t *jobs.Task) error {
	_, err := p.Process(ctx, t.JobID, t.Attempts)
	return err
}

// Abandon fails the job of a task that workers lost too many times. A job
// that already finished is left alone.
func (p *Processor) Abandon(ctx context.Context, t *jobs.Task, reason string) error {
	log := p.log().With("job_id", t.JobID, "attempt", t.Attempts)
	job, err := p.Store.Get(ctx, t.JobID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if job.Terminal() {
		return nil
	}
	msg := fmt.Sprintf("Processing failed after %d attempts: %s", t.Attempts, reason)
	_, _ = p.terminal(ctx, log, t.JobID, "abandoned", msg, errors.New(reason))
	return nil
}

// Process drives one attempt of jobID. The returned error is a
// *jobs.Failure telling the queue whether to run the job again.
func (p *Processor) Process(ctx context.Context, jobID string, attempt int) (*Outcome, error) {
	log := p.log().With("job_id", jobID, "attempt", attempt)

	job, err := p.Store.Get(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Errorw("Job not found", "error", err)
			return nil, jobs.Permanent("not_found", err)
		}
		return p.fail(ctx, log, jobID, attempt, err)
	}
	// a retry resets a failed job to pending before it runs again
	if job.Terminal() {
		log.Infow("Job already finished, skipping", "status", job.Status)
		return &Outcome{JobID: jobID, Status: job.Status, OutputReference: deref(job.OutputReference), Skipped: true}, nil
	}

	job, err = p.Store.Update(ctx, jobID, func(j *Job) error {
		j.Status = StatusProcessing
		j.Progress = 0
		j.CompletedAt = nil
		j.OutputReference = nil
		j.OutputName = nil
		if j.Metrics == nil {
			j.Metrics = Metrics{}
		}
		j.Metrics["current_step"] = converter.StepFor(0)
		return nil
	})
	if err != nil {
		return p.fail(ctx, log, jobID, attempt, err)
	}
	log.Infow("Processing started", "input", job.InputName, "mode", job.CompressionMode, "document_type", job.DocumentType)

	paths, err := p.Layout.Reset(jobID)
	if err != nil {
		return p.fail(ctx, log, jobID, attempt, err)
	}

	inputPath, err := p.inputPath(job)
	if err != nil {
		return p.fail(ctx, log, jobID, attempt, err)
	}

	params, err := p.params(job, paths)
	if err != nil {
		return p.fail(ctx, log, jobID, attempt, err)
	}
	cfg, err := p.Converter.BuildConfiguration(params)
	if err != nil {
		return p.fail(ctx, log, jobID, attempt, errors.Mark(err, errors.ErrInvalidInput))
	}

	res := p.Converter.Convert(ctx, cfg, inputPath, p.progress(ctx, log, jobID))
	if !res.Success {
		return p.fail(ctx, log, jobID, attempt, errors.Newf("conversion failed: %s", res.Error))
	}
	if res.Output.Empty() {
		return p.fail(ctx, log, jobID, attempt, errors.New("converter reported success without output"))
	}

	return p.complete(ctx, log, job, attempt, res)
}

func (p *Processor) inputPath(job *Job) (string, error) {
	path, err := p.Layout.Abs(job.InputReference)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NotFoundf("%s", job.InputName)
		}
		return "", errors.Wrapf(err, "stat input %s", job.InputName)
	}
	if st.IsDir() {
		return "", errors.InvalidInputf("input %s is a directory", job.InputName)
	}
	if st.Size() == 0 {
		return "", errors.InvalidInputf("empty file %s", job.InputName)
	}
	return path, nil
}

// params builds the generic converter parameters from the stored job.
func (p *Processor) params(job *Job, paths storage.Paths) (map[string]any, error) {
	params := map[string]any{
		"output_dir":       paths.Output,
		"report_dir":       paths.Reports,
		"temp_dir":         paths.Temp,
		"compression_mode": job.CompressionMode,
		"document_type":    job.DocumentType,
		"bnf_compliant":    job.ComplianceRequested(),
		"generate_report":  true,
		"keep_temp":        p.KeepTemp,
	}
	if job.UsesQuality() {
		params["quality"] = float64(job.Quality)
	}
	if !job.ComplianceRequested() {
		return params, nil
	}
	params["compression_mode"] = ModeBnFCompliant
	return p.validator().Enforce(params, job.DocumentType)
}

// progress returns the callback handed to the adapter. Each event is one
// row-locked update; failures are logged and never abort the conversion.
func (p *Processor) progress(ctx context.Context, log *zap.SugaredLogger, jobID string) converter.ProgressFunc {
	lastBucket := -1.0
	return func(ev converter.ProgressEvent) {
		pct := math.Max(0, math.Min(100, ev.Percent))
		step := ev.Step
		if step == "" {
			step = converter.StepFor(pct)
		}
		_, err := p.Store.Update(ctx, jobID, func(j *Job) error {
			j.Progress = pct
			if j.Metrics == nil {
				j.Metrics = Metrics{}
			}
			j.Metrics["current_step"] = step
			return nil
		})
		if err != nil {
			log.Warnw("Cannot persist progress", "progress", pct, "error", err)
			return
		}
		if bucket := math.Floor(pct / 5); bucket != lastBucket || pct >= 99 {
			lastBucket = bucket
			log.Infow("Progress", "progress", fmt.Sprintf("%.1f%%", pct), "step", step)
		}
	}
}

// fail classifies err. Missing and invalid input fail the job at once;
// anything else is retried until the policy is exhausted.
func (p *Processor) fail(ctx context.Context, log *zap.SugaredLogger, jobID string, attempt int, err error) (*Outcome, error) {
	// the attempt may have hit the task time limit; record the outcome anyway
	ctx = context.WithoutCancel(ctx)

	switch {
	case errors.IsNotFound(err):
		return p.terminal(ctx, log, jobID, "not_found", fmt.Sprintf("File not found: %v", err), err)
	case errors.IsInvalidInput(err):
		return p.terminal(ctx, log, jobID, "invalid_input", fmt.Sprintf("Invalid input: %v", err), err)
	}

	if attempt < p.Retry.MaxRetries {
		delay := p.Retry.Backoff(attempt)
		msg := fmt.Sprintf("Processing failed, retrying (attempt %d/%d): %v", attempt+1, p.Retry.MaxRetries, err)
		if _, uerr := p.Store.Update(ctx, jobID, func(j *Job) error {
			j.Status = StatusProcessing
			j.ErrorMessage = &msg
			j.CompletedAt = nil
			return nil
		}); uerr != nil {
			log.Errorw("Cannot record retry", "error", uerr)
		}
		log.Warnw("Transient failure, retrying", "delay", delay, "error", err)
		return nil, jobs.RetryAfter(err, delay)
	}

	msg := fmt.Sprintf("Processing failed after %d attempts: %v", attempt+1, err)
	return p.terminal(ctx, log, jobID, "transient", msg, err)
}

func (p *Processor) terminal(ctx context.Context, log *zap.SugaredLogger, jobID, kind, msg string, err error) (*Outcome, error) {
	now := p.now()
	if _, uerr := p.Store.Update(ctx, jobID, func(j *Job) error {
		j.Status = StatusFailed
		j.ErrorMessage = &msg
		j.CompletedAt = &now
		j.OutputReference = nil
		j.OutputName = nil
		return nil
	}); uerr != nil {
		log.Errorw("Cannot record failure", "error", uerr)
	}
	log.Errorw("Job failed", "kind", kind, "error", err)
	return nil, jobs.Permanent(kind, err)
}

func (p *Processor) complete(ctx context.Context, log *zap.SugaredLogger, job *Job, attempt int, res *converter.Result) (*Outcome, error) {
	names := basenames(res.Output.Paths)
	primary := names[0]
	ref := storage.OutputRel(job.ID, primary)

	refs := make([]string, len(names))
	for i, n := range names {
		refs[i] = storage.OutputRel(job.ID, n)
	}

	metrics := sanitizeMap(res.Metrics)
	if res.Output.List {
		metrics["pages"] = len(names)
		metrics["page_files"] = anySlice(names)
		metrics["page_metrics"] = pageMetrics(res.Metrics, names)
	}

	origSize, hasOrig := parseSize(res.FileSizes["original_size"])
	convSize, hasConv := parseSize(res.FileSizes["converted_size"])
	ratio, hasRatio := parseRatio(res.FileSizes["compression_ratio"])
	if !hasRatio {
		ratio, hasRatio = parseRatio(res.Metrics["compression_ratio"])
	}
	if !hasRatio && hasOrig && hasConv && convSize > 0 {
		ratio, hasRatio = float64(origSize)/float64(convSize), true
	}

	if job.ComplianceRequested() {
		bc := p.compliance(log, job.DocumentType, res.Output.Paths, ratio, hasRatio)
		// Enforce drops quality from the converter parameters
		if job.UsesQuality() {
			bc["original_quality"] = job.Quality
		}
		metrics["bnf_compliance"] = bc
	}

	p.writeReport(log, job, metrics, names)

	metrics["current_step"] = converter.StepFor(100)
	now := p.now()
	updated, err := p.Store.Update(ctx, job.ID, func(j *Job) error {
		j.Status = StatusCompleted
		j.Progress = 100
		j.ErrorMessage = nil
		j.CompletedAt = &now
		j.OutputReference = &ref
		j.OutputName = &primary
		j.OutputFiles = refs
		j.OriginalSize, j.ConvertedSize, j.CompressionRatio = nil, nil, nil
		if hasOrig {
			j.OriginalSize = &origSize
		}
		if hasConv {
			j.ConvertedSize = &convSize
		}
		if hasRatio {
			r := math.Round(ratio*100) / 100
			j.CompressionRatio = &r
		}
		j.Metrics = Metrics(metrics)
		return nil
	})
	if err != nil {
		return p.fail(ctx, log, job.ID, attempt, err)
	}

	if !p.KeepTemp {
		if err := p.Layout.RemoveTemp(job.ID); err != nil {
			log.Warnw("Cannot remove temp dir", "error", err)
		}
	}

	log.Infow("Job completed", "output", ref, "pages", len(names), "compression_ratio", ratio)
	return &Outcome{JobID: updated.ID, Status: updated.Status, OutputReference: ref}, nil
}

// compliance records the ratio verdict. The ratio check is authoritative for
// is_compliant; a fallback output outside the band is kept and flagged.
func (p *Processor) compliance(log *zap.SugaredLogger, category string, outputs []string, ratio float64, hasRatio bool) map[string]any {
	v := p.validator()
	out := map[string]any{
		"document_type": category,
		"tolerance":     v.Tolerance(),
	}

	target, err := v.TargetRatio(category)
	if err != nil {
		out["is_compliant"] = boolString(false)
		out["error"] = err.Error()
		return out
	}
	lo, hi, _ := v.Bounds(category)
	out["target_ratio"] = target
	out["acceptable_range"] = []any{lo, hi}

	within := false
	if hasRatio {
		within, _, _ = v.IsWithinTolerance(ratio, category)
		out["actual_ratio"] = math.Round(ratio*100) / 100
	}
	out["is_compliant"] = boolString(within)
	out["fallback_accepted"] = boolString(!within && len(outputs) > 0)
	if !within && len(outputs) > 0 {
		out["note"] = fmt.Sprintf("Compression ratio outside %.2f-%.2f; the converter's fallback output was kept but is not counted as compliant", lo, hi)
		log.Warnw("Output outside compliance tolerance", "ratio", ratio, "target", target)
	}

	files := map[string]any{}
	for _, o := range outputs {
		files[filepath.Base(o)] = fileReportMetrics(v.ValidateOutput(o, category))
	}
	out["files"] = files
	return out
}

// writeReport stores the metrics as reports/report.json. Errors are logged
// and do not affect the job.
func (p *Processor) writeReport(log *zap.SugaredLogger, job *Job, metrics map[string]any, outputs []string) {
	var doc any = metrics
	if len(metrics) == 0 {
		doc = map[string]any{
			"job_id":           job.ID,
			"input_file":       job.InputName,
			"output_files":     outputs,
			"compression_mode": job.CompressionMode,
			"document_type":    job.DocumentType,
			"bnf_compliant":    boolString(job.ComplianceRequested()),
			"quality":          job.Quality,
			"note":             "No detailed metrics available",
		}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Errorw("Cannot encode report", "error", err)
		return
	}
	path := p.Layout.ReportPath(job.ID)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		log.Errorw("Cannot write report", "path", path, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package conversion

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jp2web/internal/compliance"
	"jp2web/internal/converter"
	"jp2web/internal/errors"
	"jp2web/internal/jobs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failureOf(t *testing.T, err error) *jobs.Failure {
	t.Helper()
	var f *jobs.Failure
	require.True(t, errors.As(err, &f), "expected a *jobs.Failure, got %v", err)
	return f
}

// assertTimestampInvariant checks completed_at is set exactly for terminal
// states.
func assertTimestampInvariant(t *testing.T, j *Job) {
	t.Helper()
	assert.Contains(t, []string{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}, j.Status)
	if j.Terminal() {
		assert.NotNil(t, j.CompletedAt, "status %s", j.Status)
	} else {
		assert.Nil(t, j.CompletedAt, "status %s", j.Status)
	}
}

func writeOutputs(t *testing.T, dir string, sizes map[string]int) []string {
	t.Helper()
	var paths []string
	for _, name := range []string{"page_001.jp2", "page_002.jp2", "page_003.jp2", "out.jp2"} {
		n, ok := sizes[name]
		if !ok {
			continue
		}
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, make([]byte, n), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func TestProcessMockConversion(t *testing.T) {
	f := newFixture(t, nil)
	payload := []byte("0123456789abcdef")
	f.addJob(t, "job-1", payload, nil)

	out, err := f.processor.Process(context.Background(), "job-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "jobs/job-1/output/scan.jp2", out.OutputReference)
	assert.False(t, out.Skipped)

	j := f.store.job(t, "job-1")
	assertTimestampInvariant(t, j)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 100.0, j.Progress)
	assert.Nil(t, j.ErrorMessage)
	assert.Equal(t, "scan.jp2", *j.OutputName)
	assert.Equal(t, []string{"jobs/job-1/output/scan.jp2"}, []string(j.OutputFiles))
	assert.Equal(t, int64(len(payload)), *j.OriginalSize)
	assert.Equal(t, int64(len(payload)), *j.ConvertedSize)
	assert.Equal(t, 1.0, *j.CompressionRatio)
	assert.Equal(t, "finalize", j.CurrentStep())
	assert.Equal(t, "true", j.Metrics["mock"])
	assert.NotContains(t, j.Metrics, "pages")

	// one update per progress event plus the pickup and completion writes
	assert.Greater(t, f.store.updates, 10)

	b, err := os.ReadFile(f.layout.ReportPath("job-1"))
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal(b, &report))
	assert.Equal(t, 40.0, report["psnr"])

	_, err = os.Stat(f.layout.Paths("job-1").Temp)
	assert.True(t, os.IsNotExist(err), "temp dir removed")
}

func TestProcessMockIsDeterministic(t *testing.T) {
	f := newFixture(t, nil)
	payload := []byte("same bytes every time")
	f.addJob(t, "a", payload, nil)
	f.addJob(t, "b", payload, nil)

	for _, id := range []string{"a", "b"} {
		_, err := f.processor.Process(context.Background(), id, 0)
		require.NoError(t, err)
	}
	a, b := f.store.job(t, "a"), f.store.job(t, "b")
	assert.Equal(t, *a.OriginalSize, *b.OriginalSize)
	assert.Equal(t, *a.OriginalSize, *a.ConvertedSize)
	assert.Equal(t, 1.0, *a.CompressionRatio)
	assert.Equal(t, *a.CompressionRatio, *b.CompressionRatio)
}

func TestProcessSkipsCompletedJob(t *testing.T) {
	conv := &scriptedConverter{Adapter: mockAdapter(), convert: func(*converter.Config, string, converter.ProgressFunc) *converter.Result {
		return &converter.Result{Success: false, Error: "must not run"}
	}}
	f := newFixture(t, conv)
	ref := "jobs/done/output/x.jp2"
	now := time.Now()
	f.addJob(t, "done", []byte("x"), func(j *Job) {
		j.Status = StatusCompleted
		j.OutputReference = &ref
		j.CompletedAt = &now
		j.Progress = 100
	})

	out, err := f.processor.Process(context.Background(), "done", 0)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, ref, out.OutputReference)
	assert.Equal(t, 0, conv.calls)
	assert.Equal(t, StatusCompleted, f.store.job(t, "done").Status)
}

func TestProcessSkipsFailedJob(t *testing.T) {
	conv := &scriptedConverter{Adapter: mockAdapter(), convert: func(*converter.Config, string, converter.ProgressFunc) *converter.Result {
		return &converter.Result{Success: false, Error: "must not run"}
	}}
	f := newFixture(t, conv)
	msg := "Processing failed after 3 attempts: boom"
	now := time.Now()
	f.addJob(t, "j", []byte("x"), func(j *Job) {
		j.Status = StatusFailed
		j.ErrorMessage = &msg
		j.CompletedAt = &now
	})

	out, err := f.processor.Process(context.Background(), "j", 0)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 0, conv.calls)

	j := f.store.job(t, "j")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, msg, *j.ErrorMessage)
	require.NotNil(t, j.CompletedAt)
}

func TestAbandonFailsUnfinishedJob(t *testing.T) {
	f := newFixture(t, nil)
	f.addJob(t, "j", []byte("x"), func(j *Job) { j.Status = StatusProcessing })

	require.NoError(t, f.processor.Abandon(context.Background(), &jobs.Task{JobID: "j", Attempts: 3}, "lock expired 3 times"))
	j := f.store.job(t, "j")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, *j.ErrorMessage, "after 3 attempts: lock expired 3 times")
	assert.NotNil(t, j.CompletedAt)
}

func TestAbandonLeavesFinishedJob(t *testing.T) {
	f := newFixture(t, nil)
	f.addJob(t, "j", []byte("x"), func(j *Job) { j.Status = StatusCompleted })

	require.NoError(t, f.processor.Abandon(context.Background(), &jobs.Task{JobID: "j", Attempts: 3}, "lock expired 3 times"))
	assert.Equal(t, StatusCompleted, f.store.job(t, "j").Status)
	assert.NoError(t, f.processor.Abandon(context.Background(), &jobs.Task{JobID: "gone", Attempts: 3}, "x"))
}

func TestProcessUnknownJob(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.processor.Process(context.Background(), "nope", 0)
	fl := failureOf(t, err)
	assert.False(t, fl.Retry)
	assert.Equal(t, "not_found", fl.Kind)
}

func TestProcessNonRetryableInput(t *testing.T) {
	cases := []struct {
		name    string
		content []byte
		kind    string
		message string
	}{
		{"missing", nil, "not_found", "File not found: scan.tif"},
		{"empty", []byte{}, "invalid_input", "Invalid input: empty file scan.tif"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := &scriptedConverter{Adapter: mockAdapter(), convert: func(*converter.Config, string, converter.ProgressFunc) *converter.Result {
				return &converter.Result{Success: true}
			}}
			f := newFixture(t, conv)
			f.addJob(t, "j", tc.content, nil)

			_, err := f.processor.Process(context.Background(), "j", 0)
			fl := failureOf(t, err)
			assert.False(t, fl.Retry)
			assert.Equal(t, tc.kind, fl.Kind)
			assert.Equal(t, 0, conv.calls)

			j := f.store.job(t, "j")
			assertTimestampInvariant(t, j)
			assert.Equal(t, StatusFailed, j.Status)
			assert.Equal(t, tc.message, *j.ErrorMessage)
			assert.Nil(t, j.OutputReference)
		})
	}
}

func TestProcessUnknownCategoryIsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	f.addJob(t, "j", []byte("data"), func(j *Job) {
		j.CompressionMode = ModeBnFCompliant
		j.DocumentType = "map"
	})

	_, err := f.processor.Process(context.Background(), "j", 0)
	fl := failureOf(t, err)
	assert.False(t, fl.Retry)
	j := f.store.job(t, "j")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, *j.ErrorMessage, "Invalid input")
}

// drive runs attempts the way the queue does until the processor stops
// asking for a retry.
func drive(t *testing.T, p *Processor, id string, check func(attempt int)) (attempts int) {
	t.Helper()
	for attempt := 0; attempt < 10; attempt++ {
		_, err := p.Process(context.Background(), id, attempt)
		attempts++
		if err == nil {
			return attempts
		}
		fl := failureOf(t, err)
		if !fl.Retry {
			return attempts
		}
		assert.Equal(t, p.Retry.Backoff(attempt), fl.Delay)
		if check != nil {
			check(attempt)
		}
	}
	t.Fatal("processor never settled")
	return attempts
}

func TestProcessRetryBound(t *testing.T) {
	conv := &scriptedConverter{Adapter: mockAdapter(), convert: func(*converter.Config, string, converter.ProgressFunc) *converter.Result {
		return &converter.Result{Success: false, Error: "codec crashed"}
	}}
	f := newFixture(t, conv)
	f.addJob(t, "j", []byte("data"), nil)

	attempts := drive(t, f.processor, "j", func(attempt int) {
		j := f.store.job(t, "j")
		assertTimestampInvariant(t, j)
		assert.Equal(t, StatusProcessing, j.Status)
		assert.Contains(t, *j.ErrorMessage, "Processing failed, retrying")
	})

	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, conv.calls)

	j := f.store.job(t, "j")
	assertTimestampInvariant(t, j)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "Processing failed after 3 attempts: conversion failed: codec crashed", *j.ErrorMessage)
}

func TestProcessRecoversOnRetry(t *testing.T) {
	var out string
	conv := &scriptedConverter{Adapter: mockAdapter()}
	conv.convert = func(cfg *converter.Config, _ string, progress converter.ProgressFunc) *converter.Result {
		if conv.calls == 1 {
			return &converter.Result{Success: false, Error: "busy"}
		}
		out = writeOutputs(t, cfg.OutputDir, map[string]int{"out.jp2": 25})[0]
		progress(converter.ProgressEvent{Percent: 100})
		return &converter.Result{
			Output:    converter.SingleOutput(out),
			FileSizes: map[string]any{"original_size": int64(100), "converted_size": int64(25), "compression_ratio": 4.0},
			Success:   true,
		}
	}
	f := newFixture(t, conv)
	f.addJob(t, "j", []byte("data"), nil)

	assert.Equal(t, 2, drive(t, f.processor, "j", nil))
	j := f.store.job(t, "j")
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Nil(t, j.ErrorMessage, "retry note cleared on success")
	assert.Equal(t, 4.0, *j.CompressionRatio)

	// no metrics from the converter: the minimal report is written
	b, err := os.ReadFile(f.layout.ReportPath("j"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "No detailed metrics available")
}

func TestProcessMultiPage(t *testing.T) {
	conv := &scriptedConverter{Adapter: mockAdapter(), convert: func(cfg *converter.Config, _ string, _ converter.ProgressFunc) *converter.Result {
		paths := writeOutputs(t, cfg.OutputDir, map[string]int{"page_001.jp2": 10, "page_002.jp2": 20, "page_003.jp2": 30})
		return &converter.Result{
			Output:    converter.PageOutputs(paths),
			FileSizes: map[string]any{"original_size": 300, "converted_size": 60, "compression_ratio": "5.00:1"},
			Metrics:   map[string]any{"psnr": 41.2, "ssim": 0.97},
			Success:   true,
		}
	}}
	f := newFixture(t, conv)
	f.addJob(t, "j", []byte("tiff"), nil)

	out, err := f.processor.Process(context.Background(), "j", 0)
	require.NoError(t, err)
	assert.Equal(t, "jobs/j/output/page_001.jp2", out.OutputReference)

	j := f.store.job(t, "j")
	assert.Equal(t, "page_001.jp2", *j.OutputName)
	assert.Len(t, j.OutputFiles, 3)
	assert.EqualValues(t, 3, j.Metrics["pages"])
	assert.Equal(t, []any{"page_001.jp2", "page_002.jp2", "page_003.jp2"}, j.Metrics["page_files"])
	assert.Equal(t, 5.0, *j.CompressionRatio)

	pages := j.Metrics["page_metrics"].([]any)
	require.Len(t, pages, 3)
	second := pages[1].(map[string]any)
	assert.EqualValues(t, 2, second["page"])
	assert.Equal(t, "page_002.jp2", second["filename"])
	assert.Equal(t, 41.2, second["psnr"])
}

func TestProcessCopiesReportedPageMetrics(t *testing.T) {
	conv := &scriptedConverter{Adapter: mockAdapter(), convert: func(cfg *converter.Config, _ string, _ converter.ProgressFunc) *converter.Result {
		paths := writeOutputs(t, cfg.OutputDir, map[string]int{"page_001.jp2": 10, "page_002.jp2": 20})
		return &converter.Result{
			Output: converter.PageOutputs(paths),
			Metrics: map[string]any{"page_metrics": []any{
				map[string]any{"psnr": 39.0, "ssim": 0.9, "ignored": "x"},
				map[string]any{"psnr": 42.0, "ssim": 0.99},
			}},
			Success: true,
		}
	}}
	f := newFixture(t, conv)
	f.addJob(t, "j", []byte("tiff"), nil)

	_, err := f.processor.Process(context.Background(), "j", 0)
	require.NoError(t, err)

	pages := f.store.job(t, "j").Metrics["page_metrics"].([]any)
	require.Len(t, pages, 2)
	first := pages[0].(map[string]any)
	assert.Equal(t, 39.0, first["psnr"])
	assert.Equal(t, "page_001.jp2", first["filename"])
	assert.NotContains(t, first, "ignored")
}

func TestProcessComplianceGrayscale(t *testing.T) {
	cases := []struct {
		name      string
		original  int64
		compliant string
		fallback  string
	}{
		// target 16.0, tolerance 5%: 15.2 to 16.8
		{"within tolerance", 1590, "true", "false"},
		{"outside tolerance", 1510, "false", "true"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := &scriptedConverter{Adapter: mockAdapter()}
			conv.convert = func(cfg *converter.Config, _ string, _ converter.ProgressFunc) *converter.Result {
				out := writeOutputs(t, cfg.OutputDir, map[string]int{"out.jp2": 100})
				return &converter.Result{
					Output:    converter.SingleOutput(out[0]),
					FileSizes: map[string]any{"original_size": tc.original, "converted_size": int64(100)},
					Metrics:   map[string]any{"psnr": 38.5},
					Success:   true,
				}
			}
			f := newFixture(t, conv)
			f.addJob(t, "g", []byte("gray"), func(j *Job) {
				j.CompressionMode = ModeBnFCompliant
				j.DocumentType = string(compliance.Grayscale)
				j.BnfCompliant = true
				j.Quality = 40
			})

			_, err := f.processor.Process(context.Background(), "g", 0)
			require.NoError(t, err)

			require.Len(t, conv.configs, 1)
			params := conv.configs[0].Params
			assert.Equal(t, compliance.RequiredResolutionLevels, params["resolution_levels"])
			assert.Equal(t, 16.0, params["compression_ratio"])
			assert.Equal(t, true, params["bnf_compliant"])
			assert.NotContains(t, params, "quality_threshold", "quality is not used for compliance runs")
			assert.Equal(t, converter.ModeBnFCompliant, conv.configs[0].Mode)

			j := f.store.job(t, "g")
			assert.Equal(t, StatusCompleted, j.Status)
			bc := j.Metrics["bnf_compliance"].(map[string]any)
			assert.Equal(t, tc.compliant, bc["is_compliant"])
			assert.Equal(t, tc.fallback, bc["fallback_accepted"])
			assert.Equal(t, 16.0, bc["target_ratio"])
			if tc.fallback == "true" {
				assert.Contains(t, bc["note"], "fallback output was kept")
			}
			files := bc["files"].(map[string]any)
			assert.Equal(t, "true", files["out.jp2"].(map[string]any)["is_compliant"])
		})
	}
}

func TestProcessComplianceKeepsOriginalQuality(t *testing.T) {
	conv := &scriptedConverter{Adapter: mockAdapter()}
	conv.convert = func(cfg *converter.Config, _ string, _ converter.ProgressFunc) *converter.Result {
		out := writeOutputs(t, cfg.OutputDir, map[string]int{"out.jp2": 100})
		return &converter.Result{
			Output:    converter.SingleOutput(out[0]),
			FileSizes: map[string]any{"original_size": int64(400), "converted_size": int64(100)},
			Success:   true,
		}
	}
	f := newFixture(t, conv)
	f.addJob(t, "q", []byte("photo"), func(j *Job) {
		j.CompressionMode = ModeLossy
		j.BnfCompliant = true
		j.Quality = 55
	})

	_, err := f.processor.Process(context.Background(), "q", 0)
	require.NoError(t, err)

	require.Len(t, conv.configs, 1)
	assert.NotContains(t, conv.configs[0].Params, "quality_threshold")

	bc := f.store.job(t, "q").Metrics["bnf_compliance"].(map[string]any)
	assert.Equal(t, 55.0, bc["original_quality"])
}

func TestProgressCallback(t *testing.T) {
	f := newFixture(t, nil)
	f.addJob(t, "j", []byte("x"), nil)

	cb := f.processor.progress(context.Background(), nop(), "j")
	cb(converter.ProgressEvent{Percent: 15})
	j := f.store.job(t, "j")
	assert.Equal(t, 15.0, j.Progress)
	assert.Equal(t, "analyze", j.CurrentStep())

	cb(converter.ProgressEvent{Percent: 61, Step: "custom"})
	assert.Equal(t, "custom", f.store.job(t, "j").CurrentStep())

	cb(converter.ProgressEvent{Percent: 150})
	assert.Equal(t, 100.0, f.store.job(t, "j").Progress)

	// a job that vanished mid-conversion is logged, not raised
	missing := f.processor.progress(context.Background(), nop(), "gone")
	assert.NotPanics(t, func() { missing(converter.ProgressEvent{Percent: 50}) })
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
}

func TestHandleUsesTaskAttempts(t *testing.T) {
	conv := &scriptedConverter{Adapter: mockAdapter(), convert: func(*converter.Config, string, converter.ProgressFunc) *converter.Result {
		return &converter.Result{Success: false, Error: "nope"}
	}}
	f := newFixture(t, conv)
	f.addJob(t, "j", []byte("x"), nil)

	err := f.processor.Handle(context.Background(), &jobs.Task{JobID: "j", Attempts: 2})
	fl := failureOf(t, err)
	assert.False(t, fl.Retry, "last attempt is terminal")
	assert.Equal(t, StatusFailed, f.store.job(t, "j").Status)
}

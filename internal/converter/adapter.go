// Package converter adapts generic conversion parameters to the external
// JPEG2000 converter and normalizes whatever it returns into one Result
// shape. Adapter methods never panic or return raw errors past their
// boundary; failures come back as Result{Success: false}.
package converter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"jp2web/internal/logger"

	"go.uber.org/zap"
)

type Adapter struct {
	lib  Library
	mock bool
	log  *zap.SugaredLogger

	// base cadence of synthesized progress
	tickInterval time.Duration
}

type AdapterOption func(*Adapter)

func WithAdapterLogger(l *zap.SugaredLogger) AdapterOption {
	return func(a *Adapter) { a.log = l }
}

// WithTickInterval sets the base interval of synthesized progress events.
func WithTickInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.tickInterval = d
		}
	}
}

// NewAdapter wraps lib. A nil lib selects the mock converter, as does a lib
// that is itself a *MockLibrary.
func NewAdapter(lib Library, opts ...AdapterOption) *Adapter {
	a := &Adapter{lib: lib, tickInterval: 100 * time.Millisecond}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = logger.Named("converter")
	}
	if a.lib == nil {
		a.lib = &MockLibrary{StepDelay: 300 * time.Millisecond}
	}
	if _, ok := a.lib.(*MockLibrary); ok {
		a.mock = true
	}
	a.log.Infow("Converter adapter initialized",
		"library", a.lib.Name(),
		"version", a.lib.Version(),
		"mock", a.mock,
	)
	return a
}

func (a *Adapter) Mock() bool          { return a.mock }
func (a *Adapter) LibraryName() string { return a.lib.Name() }
func (a *Adapter) Version() string     { return a.lib.Version() }

// BuildConfiguration translates params for the wrapped library version. An
// error means the configuration cannot be built; the reason is logged.
func (a *Adapter) BuildConfiguration(params map[string]any) (*Config, error) {
	return buildConfiguration(params, a.lib.Version(), a.log)
}

// Convert runs one conversion. The final progress event reports exactly 100
// and is only sent after the library call has returned successfully.
func (a *Adapter) Convert(ctx context.Context, cfg *Config, inputPath string, progress ProgressFunc) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorw("Converter panicked", "panic", r, "input", inputPath)
			res = failed(fmt.Sprintf("converter panic: %v", r))
		}
	}()

	if cfg == nil {
		a.log.Error("Cannot process file: invalid configuration")
		return failed("Invalid configuration")
	}
	if progress == nil {
		progress = func(ProgressEvent) {}
	}

	log := a.log.With("input", inputPath, "library", a.lib.Name())

	var (
		out *Result
		err error
	)
	if a.lib.SupportsProgress() {
		out, err = a.lib.Process(ctx, cfg, inputPath, capProgress(progress))
	} else {
		log.Debug("Library has no progress support, synthesizing progress")
		out, err = a.processWithTicker(ctx, cfg, inputPath, progress)
	}
	if err != nil {
		log.Errorw("Conversion failed", "error", err)
		return failed(err.Error())
	}
	if out == nil {
		return failed("converter returned no result")
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "Unknown conversion error"
		}
		return normalize(out)
	}

	progress(ProgressEvent{Percent: 100})
	return normalize(out)
}

// processWithTicker runs the blocking library call while a ticker goroutine
// reports synthetic progress. The ticker is stopped and awaited on every
// exit path, then a 99 event is sent.
func (a *Adapter) processWithTicker(ctx context.Context, cfg *Config, inputPath string, progress ProgressFunc) (*Result, error) {
	stop := a.startTicker(ctx, progress)
	defer func() {
		stop()
		progress(ProgressEvent{Percent: 99})
	}()
	return a.lib.Process(ctx, cfg, inputPath, nil)
}

// startTicker launches the progress simulation and returns a function that
// signals it to stop and waits for it to exit. The returned func is safe to
// call more than once.
func (a *Adapter) startTicker(ctx context.Context, progress ProgressFunc) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(exited)
		pct := 0.0
		progress(ProgressEvent{Percent: 0, Step: StepFor(0)})
		for {
			// slower as it approaches the end
			delay := a.tickInterval + time.Duration(float64(a.tickInterval)*pct/20)
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if pct >= 99 {
				continue
			}
			switch {
			case pct < 30:
				pct += 0.8
			case pct < 70:
				pct += 0.5
			default:
				pct += 0.2
			}
			p := math.Min(pct, 99)
			progress(ProgressEvent{Percent: p, Step: StepFor(p)})
		}
	}()

	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

// capProgress holds library-reported progress below 100 until the call has
// returned.
func capProgress(progress ProgressFunc) ProgressFunc {
	return func(ev ProgressEvent) {
		if ev.Percent > 99 {
			ev.Percent = 99
		}
		if ev.Percent < 0 {
			ev.Percent = 0
		}
		progress(ev)
	}
}

func normalize(r *Result) *Result {
	if r.FileSizes == nil {
		r.FileSizes = map[string]any{}
	}
	if r.Metrics == nil {
		r.Metrics = map[string]any{}
	}
	return r
}

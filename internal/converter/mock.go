package converter

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jp2web/internal/errors"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MockVersion is reported by MockLibrary.
const MockVersion = "0.9.7"

var mockPlaceholder = []byte("MOCK JP2 FILE CONVERSION")

// MockLibrary stands in for the converter when it is unavailable. It copies
// the input to <output_dir>/<base>.jp2, reports real sizes and fixed quality
// metrics, and walks progress from 0 to 100.
type MockLibrary struct {
	// StepDelay is slept between the ten progress steps.
	StepDelay time.Duration
}

func (m *MockLibrary) Name() string           { return "mock" }
func (m *MockLibrary) Version() string        { return MockVersion }
func (m *MockLibrary) SupportsProgress() bool { return true }

func (m *MockLibrary) Process(ctx context.Context, cfg *Config, inputPath string, progress ProgressFunc) (*Result, error) {
	in, err := os.Stat(inputPath)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "input file not found: %s", inputPath), errors.ErrNotFound)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output dir")
	}

	const steps = 10
	for i := 0; i < steps; i++ {
		if progress != nil {
			progress(ProgressEvent{Percent: float64(i * 100 / steps)})
		}
		if m.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "mock conversion interrupted")
			case <-time.After(m.StepDelay):
			}
		}
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	outPath := filepath.Join(cfg.OutputDir, base+".jp2")
	if err := copyFile(inputPath, outPath); err != nil {
		if werr := os.WriteFile(outPath, mockPlaceholder, 0o644); werr != nil {
			return nil, errors.Wrap(werr, "write mock output")
		}
	}

	out, err := os.Stat(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "stat mock output")
	}

	metrics := map[string]any{
		"psnr": 40.0,
		"ssim": 0.95,
		"mock": true,
	}
	if w, h, ok := imageDimensions(inputPath); ok {
		metrics["width"] = w
		metrics["height"] = h
	}

	return &Result{
		Output:    SingleOutput(outPath),
		FileSizes: sizeSummary(in.Size(), out.Size()),
		Metrics:   metrics,
		Success:   true,
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// imageDimensions decodes only the header of formats the standard library
// and x/image understand.
func imageDimensions(path string) (int, int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"jp2web/internal/errors"

	"github.com/Masterminds/semver/v3"
	"github.com/kballard/go-shellquote"
)

// Library is the external conversion capability. The adapter is constructed
// with one implementation: a real converter or the mock.
type Library interface {
	Name() string
	Version() string
	// SupportsProgress reports whether Process invokes the progress func
	// itself. When false the adapter synthesizes progress.
	SupportsProgress() bool
	Process(ctx context.Context, cfg *Config, inputPath string, progress ProgressFunc) (*Result, error)
}

// CommandLibrary runs the jp2forge command line tool.
type CommandLibrary struct {
	argv    []string
	version string
}

var versionRe = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// NewCommandLibrary parses command (shell quoting allowed, e.g.
// "python -m jp2forge") and resolves the tool version. An explicit version
// wins; otherwise `<command> --version` is asked and DefaultVersion is the
// fallback. A command that cannot be found is reported as ErrUnavailable.
func NewCommandLibrary(ctx context.Context, command, version string) (*CommandLibrary, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "parse converter command %q", command)
	}
	if len(argv) == 0 {
		return nil, errors.Mark(errors.New("empty converter command"), errors.ErrUnavailable)
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "converter %q not found", argv[0]), errors.ErrUnavailable)
	}

	lib := &CommandLibrary{argv: argv}
	if version != "" {
		if _, err := semver.NewVersion(version); err != nil {
			return nil, errors.Wrapf(err, "invalid configured converter version %q", version)
		}
		lib.version = version
		return lib, nil
	}

	lib.version = DefaultVersion
	out, err := exec.CommandContext(ctx, argv[0], append(argv[1:], "--version")...).CombinedOutput()
	if err == nil {
		if m := versionRe.FindString(string(out)); m != "" {
			if _, perr := semver.NewVersion(m); perr == nil {
				lib.version = m
			}
		}
	}
	return lib, nil
}

func (l *CommandLibrary) Name() string           { return filepath.Base(l.argv[0]) }
func (l *CommandLibrary) Version() string        { return l.version }
func (l *CommandLibrary) SupportsProgress() bool { return false }

// Args renders cfg as command line flags. Parameter names become
// --kebab-case flags; booleans are bare flags; lists are comma joined.
func (l *CommandLibrary) Args(cfg *Config, inputPath string) []string {
	keys := make([]string, 0, len(cfg.Params))
	for k := range cfg.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := append([]string{}, l.argv[1:]...)
	for _, k := range keys {
		flag := "--" + strings.ReplaceAll(k, "_", "-")
		switch v := cfg.Params[k].(type) {
		case bool:
			if v {
				args = append(args, flag)
			}
		case []string:
			args = append(args, flag, strings.Join(v, ","))
		case nil:
		default:
			args = append(args, flag, fmt.Sprint(v))
		}
	}
	return append(args, inputPath)
}

func (l *CommandLibrary) Process(ctx context.Context, cfg *Config, inputPath string, _ ProgressFunc) (*Result, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output dir")
	}

	cmd := exec.CommandContext(ctx, l.argv[0], l.Args(cfg, inputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return nil, errors.Wrapf(err, "%s failed: %s", l.Name(), msg)
	}

	outputs, err := filepath.Glob(filepath.Join(cfg.OutputDir, "*.jp2"))
	if err != nil {
		return nil, errors.Wrap(err, "list outputs")
	}
	if len(outputs) == 0 {
		return nil, errors.Newf("%s produced no output in %s", l.Name(), cfg.OutputDir)
	}
	sort.Strings(outputs)

	in, err := os.Stat(inputPath)
	if err != nil {
		return nil, errors.Wrap(err, "stat input")
	}
	var converted int64
	for _, p := range outputs {
		st, err := os.Stat(p)
		if err != nil {
			return nil, errors.Wrap(err, "stat output")
		}
		converted += st.Size()
	}

	res := &Result{
		Success:   true,
		FileSizes: sizeSummary(in.Size(), converted),
		Metrics:   readReportMetrics(cfg.ReportDir),
	}
	if len(outputs) == 1 {
		res.Output = SingleOutput(outputs[0])
	} else {
		res.Output = PageOutputs(outputs)
	}
	return res, nil
}

func sizeSummary(original, converted int64) map[string]any {
	ratio := 1.0
	if converted > 0 {
		ratio = float64(original) / float64(converted)
	}
	return map[string]any{
		"original_size":     original,
		"converted_size":    converted,
		"compression_ratio": fmt.Sprintf("%.2f:1", ratio),
	}
}

// readReportMetrics loads the metrics the tool writes next to its outputs.
// A missing or unreadable report yields empty metrics.
func readReportMetrics(reportDir string) map[string]any {
	metrics := map[string]any{}
	if reportDir == "" {
		return metrics
	}
	matches, _ := filepath.Glob(filepath.Join(reportDir, "*.json"))
	sort.Strings(matches)
	for _, p := range matches {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(b, &doc); err != nil {
			continue
		}
		if m, ok := doc["metrics"].(map[string]any); ok {
			doc = m
		}
		for k, v := range doc {
			metrics[k] = v
		}
		break
	}
	return metrics
}

package storage

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"jp2web/internal/errors"
)

// Layout resolves per-job paths under a media root. Relative references
// stored on job rows ("jobs/<id>/...") always use forward slashes.
type Layout struct {
	Root string
}

// Paths are the working directories of one job.
type Paths struct {
	Job     string
	Output  string
	Reports string
	Temp    string
}

func (l Layout) JobDir(jobID string) string {
	return filepath.Join(l.Root, "jobs", jobID)
}

func (l Layout) Paths(jobID string) Paths {
	dir := l.JobDir(jobID)
	return Paths{
		Job:     dir,
		Output:  filepath.Join(dir, "output"),
		Reports: filepath.Join(dir, "reports"),
		Temp:    filepath.Join(dir, "temp"),
	}
}

// EnsureDirs creates the job's output, report and temp directories.
// Existing directories are not an error.
func (l Layout) EnsureDirs(jobID string) (Paths, error) {
	p := l.Paths(jobID)
	for _, d := range []string{p.Output, p.Reports, p.Temp} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return p, errors.Wrapf(err, "create %s", d)
		}
	}
	return p, nil
}

// Reset empties the job's output, report and temp directories, leaving the
// uploaded input in place, and recreates them.
func (l Layout) Reset(jobID string) (Paths, error) {
	p := l.Paths(jobID)
	for _, d := range []string{p.Output, p.Reports, p.Temp} {
		if err := os.RemoveAll(d); err != nil {
			return p, errors.Wrapf(err, "clear %s", d)
		}
	}
	return l.EnsureDirs(jobID)
}

// InputRel is the stored reference of an uploaded input.
func InputRel(jobID, name string) string {
	return path.Join("jobs", jobID, SafeName(name))
}

// OutputRel is the stored reference of a converted file.
func OutputRel(jobID, name string) string {
	return path.Join("jobs", jobID, "output", SafeName(name))
}

// Abs turns a stored reference into a filesystem path. References that
// would escape the root are rejected.
func (l Layout) Abs(rel string) (string, error) {
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", errors.InvalidInputf("bad file reference %q", rel)
	}
	return filepath.Join(l.Root, filepath.FromSlash(clean)), nil
}

// SafeName strips directory components from an uploaded file name.
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// SaveUpload writes r to jobs/<id>/<name> and returns the stored reference
// and the number of bytes written.
func (l Layout) SaveUpload(jobID, name string, r io.Reader) (string, int64, error) {
	rel := InputRel(jobID, name)
	dst, err := l.Abs(rel)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, errors.Wrap(err, "create job dir")
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, errors.Wrap(err, "create upload")
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, errors.Wrap(err, "write upload")
	}
	return rel, n, nil
}

// RemoveJob deletes the whole job tree.
func (l Layout) RemoveJob(jobID string) error {
	return errors.Wrap(os.RemoveAll(l.JobDir(jobID)), "remove job dir")
}

// RemoveTemp deletes only the job's temp directory.
func (l Layout) RemoveTemp(jobID string) error {
	return errors.Wrap(os.RemoveAll(l.Paths(jobID).Temp), "remove temp dir")
}

// ListOutputs returns the job's .jp2 outputs, sorted.
func (l Layout) ListOutputs(jobID string) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(l.Paths(jobID).Output, "*.jp2"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ReportPath is where the job's JSON report is written.
func (l Layout) ReportPath(jobID string) string {
	return filepath.Join(l.Paths(jobID).Reports, "report.json")
}

// TempDirs lists the temp directories of every job under the root.
func (l Layout) TempDirs() ([]string, error) {
	return filepath.Glob(filepath.Join(l.Root, "jobs", "*", "temp"))
}

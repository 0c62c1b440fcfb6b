package converter

// Output is the file side of a conversion result. A converter reports either
// one file or, for multi-frame sources, a list of page files.
type Output struct {
	Paths []string
	List  bool
}

// SingleOutput wraps one output path.
func SingleOutput(path string) Output {
	if path == "" {
		return Output{}
	}
	return Output{Paths: []string{path}}
}

// PageOutputs wraps a list of page files.
func PageOutputs(paths []string) Output {
	return Output{Paths: append([]string(nil), paths...), List: true}
}

// Primary is the canonical output: the only file, or the first page.
func (o Output) Primary() string {
	if len(o.Paths) == 0 {
		return ""
	}
	return o.Paths[0]
}

func (o Output) Empty() bool { return len(o.Paths) == 0 }

// Result is the uniform shape every conversion path returns. FileSizes and
// Metrics keep the library's loose value types; compression_ratio may be a
// number or an "X.YY:1" string.
type Result struct {
	Output    Output
	FileSizes map[string]any
	Metrics   map[string]any
	Success   bool
	Error     string
}

func failed(msg string) *Result {
	return &Result{Success: false, Error: msg, FileSizes: map[string]any{}, Metrics: map[string]any{}}
}

// ProgressEvent is one progress report. Step may be empty.
type ProgressEvent struct {
	Percent float64
	Step    string
}

// ProgressFunc receives progress events. It may be called any number of
// times, including never.
type ProgressFunc func(ProgressEvent)

// Steps in order with the percentage each starts at.
var Steps = []struct {
	Name  string
	Start float64
}{
	{"init", 0},
	{"analyze", 10},
	{"convert", 30},
	{"optimize", 60},
	{"finalize", 80},
}

// StepFor derives the step name from a percentage.
func StepFor(percent float64) string {
	step := Steps[0].Name
	for _, s := range Steps {
		if percent >= s.Start {
			step = s.Name
		}
	}
	return step
}

package conversion

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"jp2web/internal/compliance"
)

// parseRatio accepts a number or an "X.YY:1" string and returns X.YY.
func parseRatio(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if i := strings.Index(s, ":"); i >= 0 {
			s = s[:i]
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func parseSize(v any) (int64, bool) {
	f, ok := toFloat(v)
	if !ok || f < 0 {
		return 0, false
	}
	return int64(f), true
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// sanitize makes v safe to persist as job metrics. Booleans become
// "true"/"false", non-finite floats become nil and unknown types are
// formatted with fmt.
func sanitize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return boolString(t)
	case string:
		return t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case float32:
		return sanitize(float64(t))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return t
	case json.Number:
		return t.String()
	case map[string]any:
		return sanitizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitize(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = sanitize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = sanitize(iter.Value().Interface())
			}
			return out
		}
	}
	return fmt.Sprint(v)
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitize(v)
	}
	return out
}

func basenames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// pageKeys are the overall metrics replicated into synthesized page entries.
var pageKeys = []string{"psnr", "ssim", "mse", "width", "height", "mock"}

// pageMetrics returns one entry per page file. Per-page records reported by
// the converter are copied forward; otherwise entries are synthesized from
// the overall metrics.
func pageMetrics(overall map[string]any, files []string) []any {
	if reported, ok := overall["page_metrics"].([]any); ok && len(reported) > 0 {
		out := make([]any, 0, len(reported))
		for i, r := range reported {
			entry := map[string]any{}
			if m, ok := r.(map[string]any); ok {
				for _, k := range []string{"psnr", "ssim", "mse", "original_size", "converted_size", "compression_ratio", "bnf_compliance", "page", "filename"} {
					if v, ok := m[k]; ok {
						entry[k] = sanitize(v)
					}
				}
			}
			if _, ok := entry["page"]; !ok {
				entry["page"] = i + 1
			}
			if _, ok := entry["filename"]; !ok && i < len(files) {
				entry["filename"] = files[i]
			}
			out = append(out, entry)
		}
		return out
	}

	out := make([]any, len(files))
	for i, f := range files {
		entry := map[string]any{"page": i + 1, "filename": f}
		for _, k := range pageKeys {
			if v, ok := overall[k]; ok {
				entry[k] = sanitize(v)
			}
		}
		out[i] = entry
	}
	return out
}

func fileReportMetrics(r compliance.FileReport) map[string]any {
	checks := map[string]any{}
	for name, c := range r.Checks {
		checks[name] = map[string]any{
			"passed":   boolString(c.Passed),
			"expected": c.Expected,
			"actual":   c.Actual,
			"message":  c.Message,
		}
	}
	out := map[string]any{
		"filepath":     filepath.Base(r.Path),
		"is_compliant": boolString(r.Compliant),
		"checks":       checks,
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

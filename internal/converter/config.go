package converter

import (
	"sort"
	"strings"

	"jp2web/internal/errors"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

// Mode is the converter's native compression mode.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeLossless
	ModeLossy
	ModeSupervised
	ModeBnFCompliant
)

var modeNames = map[string]Mode{
	"LOSSLESS":      ModeLossless,
	"LOSSY":         ModeLossy,
	"SUPERVISED":    ModeSupervised,
	"BNF_COMPLIANT": ModeBnFCompliant,
	// legacy spellings
	"BNF":           ModeBnFCompliant,
	"BNF-COMPLIANT": ModeBnFCompliant,
	"COMPLIANT":     ModeBnFCompliant,
	"STANDARD":      ModeSupervised,
}

func (m Mode) String() string {
	switch m {
	case ModeLossless:
		return "lossless"
	case ModeLossy:
		return "lossy"
	case ModeSupervised:
		return "supervised"
	case ModeBnFCompliant:
		return "bnf_compliant"
	default:
		return "unknown"
	}
}

// DocumentType is the converter's native document category.
type DocumentType int

const (
	DocumentUnknown DocumentType = iota
	DocumentPhotograph
	DocumentHeritage
	DocumentColor
	DocumentGrayscale
)

var documentNames = map[string]DocumentType{
	"PHOTOGRAPH":        DocumentPhotograph,
	"HERITAGE_DOCUMENT": DocumentHeritage,
	"COLOR":             DocumentColor,
	"GRAYSCALE":         DocumentGrayscale,
	// legacy spellings
	"PHOTO":     DocumentPhotograph,
	"HERITAGE":  DocumentHeritage,
	"COLOUR":    DocumentColor,
	"GREYSCALE": DocumentGrayscale,
}

func (d DocumentType) String() string {
	switch d {
	case DocumentPhotograph:
		return "photograph"
	case DocumentHeritage:
		return "heritage_document"
	case DocumentColor:
		return "color"
	case DocumentGrayscale:
		return "grayscale"
	default:
		return "unknown"
	}
}

// Required parameter keys. Configuration is rejected when any is absent.
var RequiredKeys = []string{"output_dir", "report_dir", "compression_mode", "document_type"}

// aliases maps a canonical parameter to names older callers used for it.
var aliases = map[string][]string{
	"keep_temp":          {"keep_temporary", "keep_tmp"},
	"keep_intermediates": {"save_intermediates"},
	"quality_threshold":  {"quality"},
}

// paramSchema declares the parameters a range of library versions accepts.
type paramSchema struct {
	constraint string
	accepted   []string
}

var baseParams = []string{
	"output_dir", "report_dir", "compression_mode", "document_type",
	"quality_threshold", "bnf_compliant", "keep_temp", "keep_intermediates",
}

var schemas = []paramSchema{
	{
		constraint: ">= 0.9.6",
		accepted: append(append([]string{}, baseParams...),
			"resolution_levels", "compression_ratio", "tile_size", "code_block_size",
			"progression_order", "quality_layers", "include_markers", "generate_report",
		),
	},
	{
		constraint: ">= 0.9.3, < 0.9.6",
		accepted: append(append([]string{}, baseParams...),
			"resolution_levels", "compression_ratio", "tile_size", "progression_order",
		),
	},
	{
		constraint: "< 0.9.3",
		accepted:   baseParams,
	},
}

// DefaultVersion is assumed when the library does not report one.
const DefaultVersion = "0.9.7"

// acceptedParams returns the parameter set declared for version.
func acceptedParams(version string) (map[string]bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid library version %q", version)
	}
	for _, s := range schemas {
		c, err := semver.NewConstraint(s.constraint)
		if err != nil {
			return nil, errors.Wrapf(err, "bad constraint %q", s.constraint)
		}
		if c.Check(v) {
			set := make(map[string]bool, len(s.accepted))
			for _, p := range s.accepted {
				set[p] = true
			}
			return set, nil
		}
	}
	return nil, errors.Newf("no parameter schema for library version %s", version)
}

// Config is a configuration translated for one library version.
type Config struct {
	Version  string
	Mode     Mode
	Document DocumentType

	// raw names kept when enum lookup fails
	ModeName     string
	DocumentName string

	OutputDir string
	ReportDir string
	TempDir   string

	// Params holds every accepted parameter under its canonical name.
	Params map[string]any
}

// Bool reads a boolean parameter; absent or non-bool values are false.
func (c *Config) Bool(key string) bool {
	b, _ := c.Params[key].(bool)
	return b
}

// buildConfiguration translates a generic parameter map for version.
func buildConfiguration(params map[string]any, version string, log *zap.SugaredLogger) (*Config, error) {
	for _, k := range RequiredKeys {
		if _, ok := params[k]; !ok {
			log.Errorw("Missing required parameter", "param", k)
			return nil, errors.InvalidInputf("missing required parameter: %s", k)
		}
	}

	accepted, err := acceptedParams(version)
	if err != nil {
		log.Errorw("Cannot resolve parameter schema", "version", version, "error", err)
		return nil, errors.Mark(err, errors.ErrInvalidInput)
	}

	out := make(map[string]any, len(params))
	used := make(map[string]bool, len(params))

	// exact matches first
	for k, v := range params {
		if accepted[k] {
			out[k] = v
			used[k] = true
		}
	}

	// then aliases, only for targets not already set
	targets := make([]string, 0, len(aliases))
	for t := range aliases {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, target := range targets {
		if !accepted[target] {
			continue
		}
		if _, set := out[target]; set {
			continue
		}
		for _, alt := range aliases[target] {
			if v, ok := params[alt]; ok && !used[alt] {
				out[target] = v
				used[alt] = true
				log.Debugw("Mapped parameter", "from", alt, "to", target)
				break
			}
		}
	}

	// temp_dir is consumed by the adapter, not the library
	tempDir, _ := params["temp_dir"].(string)
	used["temp_dir"] = true

	var dropped []string
	for k := range params {
		if !used[k] {
			dropped = append(dropped, k)
		}
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		log.Warnw("Parameters not supported by library version were dropped",
			"version", version,
			"params", dropped,
		)
	}

	cfg := &Config{Version: version, Params: out}
	cfg.OutputDir, _ = out["output_dir"].(string)
	cfg.ReportDir, _ = out["report_dir"].(string)
	cfg.TempDir = tempDir

	cfg.ModeName, _ = out["compression_mode"].(string)
	if m, ok := modeNames[normalizeEnum(cfg.ModeName)]; ok {
		cfg.Mode = m
	} else {
		log.Warnw("Unknown compression mode, passing through", "compression_mode", cfg.ModeName)
	}

	cfg.DocumentName, _ = out["document_type"].(string)
	if d, ok := documentNames[normalizeEnum(cfg.DocumentName)]; ok {
		cfg.Document = d
	} else {
		log.Warnw("Unknown document type, passing through", "document_type", cfg.DocumentName)
	}

	if cfg.OutputDir == "" || cfg.ReportDir == "" {
		return nil, errors.InvalidInputf("output_dir and report_dir must be non-empty strings")
	}
	return cfg, nil
}

func normalizeEnum(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

package conversion

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"jp2web/internal/errors"

	"github.com/lib/pq"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	ModeLossless     = "lossless"
	ModeLossy        = "lossy"
	ModeSupervised   = "supervised"
	ModeBnFCompliant = "bnf_compliant"
)

// Modes lists the accepted compression modes.
var Modes = []string{ModeLossless, ModeLossy, ModeSupervised, ModeBnFCompliant}

const DefaultQuality = 40

// Metrics is the open-ended result payload stored as jsonb. Values are kept
// to JSON primitives; booleans are stored as "true"/"false".
type Metrics map[string]any

func (m Metrics) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal metrics")
	}
	return b, nil
}

func (m *Metrics) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = Metrics{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.Newf("cannot scan %T into Metrics", src)
	}
	out := Metrics{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return errors.Wrap(err, "unmarshal metrics")
		}
	}
	*m = out
	return nil
}

func (Metrics) GormDataType() string { return "jsonb" }

// Clone copies the top level of m.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type Job struct {
	ID     string `gorm:"type:text;primaryKey"`
	UserID uint64 `gorm:"index;not null"`

	InputReference string `gorm:"type:text;not null"`
	InputName      string `gorm:"type:text;not null"`

	OutputReference *string        `gorm:"type:text"`
	OutputName      *string        `gorm:"type:text"`
	OutputFiles     pq.StringArray `gorm:"type:text[];not null;default:'{}'"`

	CompressionMode string `gorm:"type:text;not null;default:'supervised'"`
	DocumentType    string `gorm:"type:text;not null;default:'photograph'"`
	BnfCompliant    bool   `gorm:"not null;default:false"`
	Quality         int    `gorm:"not null;default:40"`
	ExpertMode      bool   `gorm:"not null;default:false"`

	Status        string  `gorm:"type:text;index;not null;default:'pending'"`
	Progress      float64 `gorm:"not null;default:0"`
	TaskReference *string `gorm:"type:text"`

	OriginalSize     *int64
	ConvertedSize    *int64
	CompressionRatio *float64

	Metrics      Metrics `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	ErrorMessage *string `gorm:"type:text"`

	CreatedAt   time.Time  `gorm:"not null;default:now()"`
	UpdatedAt   time.Time  `gorm:"not null;default:now()"`
	CompletedAt *time.Time `gorm:"type:timestamptz"`
}

func (Job) TableName() string { return "conversion_jobs" }

// ComplianceRequested reports whether this job runs in compliance mode.
func (j *Job) ComplianceRequested() bool {
	return j.BnfCompliant || j.CompressionMode == ModeBnFCompliant
}

// UsesQuality reports whether the quality setting applies to the mode.
func (j *Job) UsesQuality() bool {
	return j.CompressionMode == ModeLossy || j.CompressionMode == ModeSupervised
}

// CurrentStep is the last progress step written by the processor.
func (j *Job) CurrentStep() string {
	s, _ := j.Metrics["current_step"].(string)
	return s
}

// Terminal reports whether the job has reached completed or failed.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

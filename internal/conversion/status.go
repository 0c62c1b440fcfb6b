package conversion

import (
	"fmt"
	"time"
)

// StatusView is the read-only status payload polled by clients.
type StatusView struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Progress         float64           `json:"progress"`
	CurrentStep      string            `json:"current_step,omitempty"`
	Metrics          map[string]string `json:"metrics,omitempty"`
	OriginalSize     *int64            `json:"original_size,omitempty"`
	ConvertedSize    *int64            `json:"converted_size,omitempty"`
	CompressionRatio *float64          `json:"compression_ratio,omitempty"`
	OutputName       string            `json:"output_name,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func NewStatusView(j *Job) StatusView {
	v := StatusView{
		ID:               j.ID,
		Status:           j.Status,
		Progress:         j.Progress,
		CurrentStep:      j.CurrentStep(),
		OriginalSize:     j.OriginalSize,
		ConvertedSize:    j.ConvertedSize,
		CompressionRatio: j.CompressionRatio,
		OutputName:       deref(j.OutputName),
		UpdatedAt:        j.UpdatedAt,
	}
	if j.Status == StatusFailed || j.Status == StatusProcessing {
		v.ErrorMessage = deref(j.ErrorMessage)
	}

	m := map[string]string{}
	if f, ok := toFloat(j.Metrics["psnr"]); ok {
		m["psnr"] = fmt.Sprintf("%.2f dB", f)
	}
	if f, ok := toFloat(j.Metrics["ssim"]); ok {
		m["ssim"] = fmt.Sprintf("%.4f", f)
	}
	if n, ok := toFloat(j.Metrics["pages"]); ok {
		m["pages"] = fmt.Sprintf("%d", int(n))
	}
	if bc, ok := j.Metrics["bnf_compliance"].(map[string]any); ok {
		if s, ok := bc["is_compliant"].(string); ok {
			m["bnf_compliant"] = s
		}
	}
	if len(m) > 0 {
		v.Metrics = m
	}
	return v
}

package handler

import (
	"net/http"

	"jp2web/internal/auth"
	"jp2web/internal/conversion"
)

type DashboardHandler struct {
	Svc JobService
}

func (h *DashboardHandler) Show(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	st, err := h.Svc.Stats(r.Context(), uid)
	if err != nil {
		writeError(w, orDefault(nil), err)
		return
	}

	counts := map[string]int64{
		conversion.StatusPending:    0,
		conversion.StatusProcessing: 0,
		conversion.StatusCompleted:  0,
		conversion.StatusFailed:     0,
	}
	for k, v := range st.ByStatus {
		counts[k] = v
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_jobs":  st.Total,
		"by_status":   counts,
		"recent_jobs": toDTOs(st.Recent),
		"storage": map[string]any{
			"total_original_size":       st.Original,
			"total_converted_size":      st.Converted,
			"space_saved":               st.SpaceSaved,
			"average_compression_ratio": st.AvgRatio,
		},
	})
}

package handler

import (
	"net/http"

	"jp2web/internal/auth"

	"go.uber.org/zap"
)

// MeHandler describes the signed-in user and where their jobs stand.
type MeHandler struct {
	Jobs JobService
	Log  *zap.SugaredLogger
}

func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	st, err := h.Jobs.Stats(r.Context(), uid)
	if err != nil {
		writeError(w, orDefault(h.Log), err)
		return
	}
	active := st.ByStatus["pending"] + st.ByStatus["processing"]
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": uid,
		"jobs": map[string]any{
			"total":     st.Total,
			"active":    active,
			"by_status": st.ByStatus,
		},
	})
}

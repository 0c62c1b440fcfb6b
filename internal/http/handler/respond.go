package handler

import (
	"encoding/json"
	"net/http"

	"jp2web/internal/errors"
	"jp2web/internal/logger"

	"go.uber.org/zap"
)

func orDefault(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return logger.Named("http")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds to status codes. Only invalid input and
// conflicts carry their message to the client.
func writeError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	switch {
	case errors.IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.IsInvalidInput(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errors.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errors.ErrUnavailable):
		log.Warnw("Dependency unavailable", "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		log.Errorw("Request failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}

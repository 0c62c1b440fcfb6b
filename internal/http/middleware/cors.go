package middleware

import (
	"net/http"

	"jp2web/internal/config"

	"github.com/go-chi/cors"
)

// CORS lets the configured browser origins call the API. Downloads expose
// their file name and size, and the login limiter its Retry-After. With no
// origins configured it passes requests through untouched.
func CORS(cfg config.Config) func(http.Handler) http.Handler {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition", "Content-Length", "Retry-After"},
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           300,
	})
}

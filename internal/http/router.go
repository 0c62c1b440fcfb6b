package http

import (
	"net/http"
	"time"

	"jp2web/internal/auth"
	"jp2web/internal/config"
	"jp2web/internal/http/handler"
	mw "jp2web/internal/http/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Deps struct {
	Users handler.UserStore
	Jobs  handler.JobService
	JWT   *auth.JWT
	Log   *zap.SugaredLogger
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Use(mw.CORS(cfg))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.AuthHandler{Users: d.Users, JWT: d.JWT}
	r.Post("/auth/register", ah.Register)
	r.With(mw.RateLimit(cfg.LoginRatePerMinute)).Post("/auth/login", ah.Login)

	me := &handler.MeHandler{Jobs: d.Jobs, Log: d.Log}
	r.With(auth.RequireAuth(d.JWT)).Get("/me", me.Me)

	jh := &handler.JobHandler{Svc: d.Jobs, MaxUploadBytes: cfg.MaxUploadBytes(), Log: d.Log}
	ws := &handler.StatusStream{
		Svc:            d.Jobs,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		PollInterval:   time.Second,
		Log:            d.Log,
	}
	dash := &handler.DashboardHandler{Svc: d.Jobs}

	r.With(auth.RequireAuth(d.JWT)).Get("/dashboard", dash.Show)

	r.Route("/jobs", func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Post("/", jh.Create)
		r.Get("/", jh.List)
		r.Post("/batch", jh.Batch)

		r.Get("/{id}", jh.Get)
		r.Delete("/{id}", jh.Delete)
		r.Get("/{id}/status", jh.Status)
		r.Get("/{id}/ws", ws.Serve)
		r.Post("/{id}/retry", jh.Retry)
		r.Get("/{id}/download", jh.Download)
		r.Get("/{id}/download-all", jh.DownloadAll)
		r.Get("/{id}/report", jh.Report)
	})

	return r
}

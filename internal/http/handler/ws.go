package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"jp2web/internal/auth"
	"jp2web/internal/conversion"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StatusStream pushes the status payload of one job over a websocket each
// time it changes, and closes once the job is terminal.
type StatusStream struct {
	Svc            JobService
	AllowedOrigins []string
	PollInterval   time.Duration
	Log            *zap.SugaredLogger
}

func (s *StatusStream) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	// same host as the API itself
	return strings.HasSuffix(origin, "://"+r.Host)
}

func (s *StatusStream) Serve(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	// resolve before upgrading so a foreign or unknown id gets a plain 404
	j, err := s.Svc.Get(r.Context(), uid, id)
	if err != nil {
		writeError(w, orDefault(s.Log), err)
		return
	}

	up := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		orDefault(s.Log).Warnw("Websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go readPump(conn, cancel)

	interval := s.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var last *conversion.StatusView
	for {
		v := conversion.NewStatusView(j)
		if last == nil || changed(*last, v) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				return
			}
			last = &v
		}
		if j.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, j.Status),
				time.Now().Add(writeWait))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case <-poll.C:
		}

		next, err := s.Svc.Get(ctx, uid, id)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "job unavailable"),
				time.Now().Add(writeWait))
			return
		}
		j = next
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func changed(a, b conversion.StatusView) bool {
	if a.Status != b.Status || a.Progress != b.Progress || a.CurrentStep != b.CurrentStep {
		return true
	}
	return !a.UpdatedAt.Equal(b.UpdatedAt)
}

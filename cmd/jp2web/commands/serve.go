package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jp2web/internal/auth"
	"jp2web/internal/errors"
	httpx "jp2web/internal/http"
	"jp2web/internal/jobs"
	"jp2web/internal/logger"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			if err := a.migrate(); err != nil {
				return err
			}
			var ws []*jobs.Worker
			if !noWorkers {
				p, err := a.processor(ctx)
				if err != nil {
					return err
				}
				ws = a.workers(p)
			}

			r := httpx.NewRouter(cfg, httpx.Deps{
				Users: a.users(),
				Jobs:  a.svc,
				JWT:   auth.NewJWT(cfg.JWTSecret),
				Log:   logger.Named("http"),
			})
			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           r,
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				pterm.Info.Printfln("listening on %s", cfg.HTTPAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "http server")
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			startWorkers(gctx, g, ws)
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve HTTP only (run workers separately with the worker command)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background conversion workers only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			p, err := a.processor(ctx)
			if err != nil {
				return err
			}
			g, gctx := errgroup.WithContext(ctx)
			startWorkers(gctx, g, a.workers(p))
			return g.Wait()
		},
	}
}

func startWorkers(ctx context.Context, g *errgroup.Group, ws []*jobs.Worker) {
	if len(ws) == 0 {
		return
	}
	pterm.Info.Printfln("starting %d worker(s), time limit %s", len(ws), cfg.TaskTimeLimit)
	for _, w := range ws {
		w := w
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
}

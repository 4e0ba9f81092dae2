package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/sheetsync/internal/cdc/postgres"
	"github.com/mehmetymw/sheetsync/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the drain timer and the HTTP trigger surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.logger.Sync()
		defer func() {
			if err := a.Close(); err != nil {
				a.logger.Error("Close failed", zap.Error(err))
			}
		}()
		return serve(ctx, a)
	},
}

type healthz struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Sync      scheduler.Status `json:"sync"`
}

func serve(ctx context.Context, a *app) error {
	sched := scheduler.New(a.reconciler(), a.replayer(), a.sink, a.cfg.Sync.DrainInterval(), a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	repl := a.cfg.Local.Postgres.Replication
	if repl.Enabled && a.pg != nil {
		watcher := postgres.New(a.cfg.Local.Postgres.DSN, repl, a.cfg.Mapping.Table+"_sync_log", sched.Nudge, a.logger)
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}

	server := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: newMux(sched, a.logger)}
	g.Go(func() error {
		a.logger.Info("Starting HTTP server", zap.String("addr", a.cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	a.logger.Info("Application started, waiting for signals")
	err := g.Wait()
	a.logger.Info("Shutdown complete")
	return err
}

func newMux(sched *scheduler.Scheduler, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthz{
			Status:    "running",
			Timestamp: time.Now().Format(time.RFC3339),
			Sync:      sched.Status(),
		})
	})
	mux.HandleFunc("POST /sync/inbound", func(w http.ResponseWriter, r *http.Request) {
		report, err := sched.TriggerInbound(context.WithoutCancel(r.Context()))
		writeTriggerResult(w, logger, report, err)
	})
	mux.HandleFunc("POST /sync/outbound", func(w http.ResponseWriter, r *http.Request) {
		result, err := sched.TriggerOutbound(context.WithoutCancel(r.Context()))
		writeTriggerResult(w, logger, result, err)
	})
	return mux
}

func writeTriggerResult(w http.ResponseWriter, logger *zap.Logger, body any, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInFlight):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		logger.Warn("Triggered cycle stopped", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, body)
	default:
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// printJSON writes a cycle result for the one-shot commands.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

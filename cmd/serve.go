package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bench-cli/internal/checkpoint"
	"github.com/sells-group/bench-cli/internal/config"
	"github.com/sells-group/bench-cli/internal/corpus"
	"github.com/sells-group/bench-cli/internal/ledger"
	"github.com/sells-group/bench-cli/internal/runner"
	"github.com/sells-group/bench-cli/internal/store"
)

var servePort int

const shutdownTimeout = 10 * time.Second

// shutdownGracefully drains in-flight requests before closing. The signal
// context is already cancelled by the time shutdown starts, so a fresh
// deadline has to be used here.
func shutdownGracefully(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Shutdown(ctx) //nolint:errcheck
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only progress API over the checkpoint and ledger",
	Long:  "Safe to run beside an active benchmark: every request re-reads state from disk and nothing is ever written.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r := buildRouter(cfg)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownGracefully(srv)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildRouter wires the read-only API for the given config.
func buildRouter(c *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/progress", func(w http.ResponseWriter, _ *http.Request) {
		p, err := loadProgress(c)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, p)
	})

	r.Get("/api/runs", func(w http.ResponseWriter, req *http.Request) {
		if c.Paths.RunsDB == "" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runs index configured"})
			return
		}
		st, err := store.NewSQLite(c.Paths.RunsDB)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(req.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		runs, err := st.ListRuns(req.Context(), store.RunFilter{Limit: 20})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	return r
}

type progressPayload struct {
	runner.Progress
	LedgerRows int `json:"ledger_rows"`
}

// loadProgress re-reads checkpoint and ledger from disk on every call so a
// concurrent run's progress shows up immediately.
func loadProgress(c *config.Config) (*progressPayload, error) {
	questions, err := corpus.Load(c.Paths.Corpus)
	if err != nil {
		return nil, err
	}
	ckpt, err := checkpoint.Load(c.Paths.Checkpoint, c.ConfigVersion, true)
	if err != nil {
		return nil, err
	}
	rows, err := ledger.ReadAll(c.Paths.OutputCSV)
	if err != nil {
		return nil, err
	}
	return &progressPayload{
		Progress:   runner.Snapshot(c, len(questions), ckpt),
		LedgerRows: len(rows),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

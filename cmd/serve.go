package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osint-labs/viraltrace/internal/evidence"
	"github.com/osint-labs/viraltrace/internal/model"
	"github.com/osint-labs/viraltrace/internal/monitoring"
	"github.com/osint-labs/viraltrace/internal/store"
	"github.com/osint-labs/viraltrace/internal/trace"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP query surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Budgets)

		// Background alerting only runs when a webhook is configured.
		if cfg.Monitoring.WebhookURL != "" {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			checker := monitoring.NewChecker(collector, alerter, cfg.Monitoring)
			go checker.Run(ctx)
		}

		router := buildRouter(env.Engine, env.Store, collector, cfg.Server.AllowedOrigins)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter assembles the HTTP API. The collector may be nil, which
// disables the /status endpoint's metrics body.
func buildRouter(e *trace.Engine, st store.Store, collector *monitoring.Collector, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/traces", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Input     string `json:"input"`
			Platform  string `json:"platform"`
			Algorithm string `json:"algorithm"`
			Budget    int    `json:"budget"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		input, err := model.DetectInput(body.Input)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		id, err := e.StartTrace(req.Context(), trace.Request{
			Input:     input,
			Platform:  model.Platform(body.Platform),
			Algorithm: model.Algorithm(body.Algorithm),
			Budget:    body.Budget,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"session_id": id,
			"status":     string(model.StatusRunning),
		})
	})

	r.Get("/traces/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")

		res, err := e.Result(id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
			return
		case errors.Is(err, trace.ErrSessionRunning):
			writeJSON(w, http.StatusOK, map[string]string{
				"session_id": id,
				"status":     string(model.StatusRunning),
			})
			return
		}

		// Not in this process: fall back to the store.
		session, err := st.GetSession(req.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		candidates, err := st.GetCandidates(req.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session":    session,
			"candidates": candidates,
		})
	})

	r.Delete("/traces/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if !e.Cancel(id) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"session_id": id,
			"status":     string(model.StatusCancelled),
		})
	})

	r.Get("/traces/{id}/evidence", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		record, err := st.GetEvidence(req.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no evidence for session")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		data, err := evidence.ExportJSON(record)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		if collector == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		lookback := 24
		if v := req.URL.Query().Get("lookback"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "lookback must be a positive integer")
				return
			}
			lookback = n
		}
		snap, err := collector.Collect(req.Context(), lookback)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geostash/geostash/internal/engine"
	"github.com/geostash/geostash/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local status server",
	Long:  "Serves cached regions, active download sessions, and entity queries over HTTP for local tooling.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := buildPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env.store, env.manager),
			ReadHeaderTimeout: 5 * time.Second,
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

// buildRouter assembles the status API. The store and manager may be nil in
// tests exercising only routing.
func buildRouter(st store.Store, manager *engine.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/regions", func(w http.ResponseWriter, req *http.Request) {
		regions, err := st.ListRegions(req.Context())
		if err != nil {
			zap.L().Error("list regions", zap.Error(err))
			http.Error(w, `{"error":"list regions failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, regions)
	})

	r.Get("/session", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, manager.Sessions())
	})

	r.Get("/entities", func(w http.ResponseWriter, req *http.Request) {
		bbox, err := parseBBox(req.URL.Query().Get("bbox"))
		if err != nil {
			http.Error(w, `{"error":"bbox must be south,west,north,east"}`, http.StatusBadRequest)
			return
		}

		var categories []string
		if raw := req.URL.Query().Get("category"); raw != "" {
			categories = strings.Split(raw, ",")
		}

		entities, err := st.QueryEntitiesInBounds(req.Context(), bbox, categories)
		if err != nil {
			zap.L().Error("query entities", zap.Error(err))
			http.Error(w, `{"error":"query failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, entities)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

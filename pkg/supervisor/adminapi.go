// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// AdminAPI serves operator endpoints:
//
//	GET  /api/status  supervisor status as JSON
//	POST /api/reset   purge sessions and reconnect
//	GET  /metrics     Prometheus metrics
type AdminAPI struct {
	supervisor *Supervisor
	gatherer   prometheus.Gatherer
	log        zerolog.Logger
	server     *http.Server
}

func NewAdminAPI(addr string, sup *Supervisor, gatherer prometheus.Gatherer, log zerolog.Logger) *AdminAPI {
	api := &AdminAPI{
		supervisor: sup,
		gatherer:   gatherer,
		log:        log.With().Str("component", "admin_api").Logger(),
	}
	api.server = &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return api
}

func (api *AdminAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", api.HandleStatus)
	mux.HandleFunc("/api/reset", api.HandleReset)
	if api.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves the API in the background.
func (api *AdminAPI) Start() {
	go func() {
		api.log.Info().Str("addr", api.server.Addr).Msg("Starting admin API")
		if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			api.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

func (api *AdminAPI) Shutdown(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// HandleStatus is an HTTP handler for GET /api/status.
func (api *AdminAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	api.writeJSON(w, http.StatusOK, api.supervisor.Status())
}

// HandleReset is an HTTP handler for POST /api/reset. It purges sessions and
// sender key memory and reconnects, keeping the credentials.
func (api *AdminAPI) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	api.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Session reset requested")

	err := api.supervisor.RequestReset(r.Context())
	switch {
	case errors.Is(err, ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrLoggedOut), errors.Is(err, ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	resp := map[string]any{
		"reset":  true,
		"status": api.supervisor.Status(),
	}
	if err != nil {
		resp["purge_error"] = err.Error()
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}

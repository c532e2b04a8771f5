package main

import (
	"encoding/json"
	"net/http"

	"github.com/always-cache/offline-cache/host"
	"github.com/always-cache/offline-cache/worker"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// router serves the admin endpoints and hands everything else to the
// registration.
func (a *app) router(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Route("/.offline", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/update", a.handleUpdate)
		r.Post("/clients/{id}/release", a.handleRelease)
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Handle("/*", a.registration)
	return r
}

type generationStatus struct {
	Name string `json:"name"`
	// Number of stored entries, only known for generations of live workers.
	Entries *int `json:"entries,omitempty"`
}

type statusResponse struct {
	host.Status
	Generations []generationStatus `json:"generations"`
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	names, err := a.manager.ListGenerations(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Could not list cache generations")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts := map[string]int{}
	for _, wk := range []*worker.Worker{a.registration.Active(), a.registration.Waiting()} {
		if wk == nil {
			continue
		}
		entries, err := wk.Entries(r.Context())
		if err != nil {
			log.Warn().Err(err).Str("version", wk.Version()).Msg("Could not list cache entries")
			continue
		}
		counts[wk.Version()] = len(entries)
	}
	generations := make([]generationStatus, 0, len(names))
	for _, name := range names {
		g := generationStatus{Name: name}
		if n, ok := counts[name]; ok {
			g.Entries = &n
		}
		generations = append(generations, g)
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: a.registration.Status(), Generations: generations})
}

// handleUpdate re-reads the config file and installs a worker for it.
// Storage, origin and listener settings only change on restart.
func (a *app) handleUpdate(w http.ResponseWriter, r *http.Request) {
	cfg, err := loadConfig(a.configFilename)
	if err != nil {
		log.Error().Err(err).Msg("Invalid config, not updating")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.registration.Register(r.Context(), a.newWorker(cfg)); err != nil {
		log.Error().Err(err).Str("version", cfg.Version).Msg("Update failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a.registration.Status())
}

func (a *app) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	released, err := a.registration.ReleaseClient(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("client", id).Msg("Could not activate waiting worker")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !released {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// Package admin is the HTTP side door of the server: metrics, health and
// cache maintenance.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tuannm99/novads/internal/dataset"
	"github.com/tuannm99/novads/internal/engine"
)

// Engine is what the admin endpoints act on.
type Engine interface {
	Datasets() []string
	Flush(dataset string) (int, error)
	FlushAll() int
	Ping(ctx context.Context) error
}

var _ Engine = (*engine.Engine)(nil)

type Handler struct {
	router *mux.Router
	eng    Engine
	log    *slog.Logger
}

// NewHandler serves metrics gathered from g. A nil g uses the default
// Prometheus gatherer.
func NewHandler(eng Engine, g prometheus.Gatherer) *Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	h := &Handler{
		router: mux.NewRouter(),
		eng:    eng,
		log:    slog.Default().With("component", "admin"),
	}
	h.router.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods("GET").Name("Metrics")
	h.router.HandleFunc("/healthz", h.getHealth).Methods("GET").Name("GetHealth")
	h.router.HandleFunc("/datasets", h.getDatasets).Methods("GET").Name("GetDatasets")
	h.router.HandleFunc("/datasets/{dataset}/flush", h.postFlush).Methods("POST").Name("PostFlush")
	h.router.HandleFunc("/cache/flush", h.postFlushAll).Methods("POST").Name("PostFlushAll")
	return h
}

// ServeHTTP handles an HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.Error("panic in admin handler", "err", err, "stack", string(debug.Stack()))
		}
	}()

	h.router.ServeHTTP(w, r)
}

// GET /healthz
func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Ping(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// GET /datasets
func (h *Handler) getDatasets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string][]string{"datasets": h.eng.Datasets()})
}

// POST /datasets/{dataset}/flush
func (h *Handler) postFlush(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["dataset"]
	n, err := h.eng.Flush(name)
	switch {
	case errors.Is(err, dataset.ErrUnknownDataset):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrNotCached):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.log.Info("cache flushed over http", "dataset", name, "entries", n)
	writeJSON(w, map[string]int{"flushed": n})
}

// POST /cache/flush
func (h *Handler) postFlushAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]int{"flushed": h.eng.FlushAll()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("admin: write response", "err", err)
	}
}

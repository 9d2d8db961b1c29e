package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/fleetd/pkg/actor"
	"github.com/cuemby/fleetd/pkg/lifecycle"
	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

// inspectTimeout bounds waiting for a busy actor to answer Inspect
const inspectTimeout = 5 * time.Second

// Backend is the read-only runtime view the admin API serves
type Backend interface {
	Actors(filter func(types.ActorID) bool) []types.ActorID
	Inspect(ctx context.Context, id types.ActorID) (actor.Snapshot, error)
	LifecycleStatus() lifecycle.Status
	CheckHealth(ctx context.Context)
}

// HTTPServer serves health, metrics and actor introspection
type HTTPServer struct {
	backend Backend
	mux     *http.ServeMux
	server  *http.Server
}

// NewHTTPServer creates the admin HTTP server
func NewHTTPServer(backend Backend) *HTTPServer {
	mux := http.NewServeMux()
	hs := &HTTPServer{
		backend: backend,
		mux:     mux,
	}

	hs.handle("GET /health", metrics.HealthHandler())
	hs.handle("GET /ready", hs.readyHandler)
	hs.handle("GET /live", metrics.LivenessHandler())
	hs.handle("GET /actors", hs.actorsHandler)
	hs.handle("GET /actors/{kind}/{tenant}/{entity}", hs.actorHandler)
	hs.handle("GET /lifecycle", hs.lifecycleHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	return hs
}

// handle registers h with request counting and latency
func (hs *HTTPServer) handle(pattern string, h http.HandlerFunc) {
	hs.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		path := r.Pattern
		metrics.APIRequestsTotal.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, path)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Start listens on addr until Shutdown
func (hs *HTTPServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("Admin HTTP API listening")
	err := hs.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (hs *HTTPServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for embedding in other servers
func (hs *HTTPServer) Handler() http.Handler {
	return hs.mux
}

// readyHandler refreshes component health before reporting readiness
func (hs *HTTPServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	hs.backend.CheckHealth(r.Context())
	metrics.ReadyHandler()(w, r)
}

// ActorsResponse lists live actors
type ActorsResponse struct {
	Count  int                      `json:"count"`
	ByKind map[types.EntityKind]int `json:"by_kind"`
	Actors []string                 `json:"actors"`
}

// actorsHandler implements GET /actors with optional kind and tenant filters
func (hs *HTTPServer) actorsHandler(w http.ResponseWriter, r *http.Request) {
	kind := types.EntityKind(r.URL.Query().Get("kind"))

	var tenantID uuid.UUID
	if v := r.URL.Query().Get("tenant"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tenant id")
			return
		}
		tenantID = id
	}

	ids := hs.backend.Actors(func(id types.ActorID) bool {
		if kind != "" && id.Kind != kind {
			return false
		}
		return tenantID == uuid.Nil || id.TenantID == tenantID
	})

	resp := ActorsResponse{
		Count:  len(ids),
		ByKind: make(map[types.EntityKind]int),
		Actors: make([]string, 0, len(ids)),
	}
	for _, id := range ids {
		resp.ByKind[id.Kind]++
		resp.Actors = append(resp.Actors, id.String())
	}
	sort.Strings(resp.Actors)

	writeJSON(w, http.StatusOK, resp)
}

// actorHandler implements GET /actors/{kind}/{tenant}/{entity}
func (hs *HTTPServer) actorHandler(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseActorID(r.PathValue("kind") + ":" + r.PathValue("tenant") + ":" + r.PathValue("entity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), inspectTimeout)
	defer cancel()

	snap, err := hs.backend.Inspect(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, actor.ErrActorNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// lifecycleHandler implements GET /lifecycle
func (hs *HTTPServer) lifecycleHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hs.backend.LifecycleStatus())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

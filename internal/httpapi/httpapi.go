// Package httpapi exposes C9 (internal/controlplane) over HTTP using
// gorilla/mux, grounded on the teacher's cmd/gateway/main.go router setup
// (mux.NewRouter, a /metrics route backed by promhttp.Handler, and a
// health endpoint) and infrastructure/middleware's logging/recovery
// middleware pattern, generalized from the teacher's REST-proxy-to-
// backend-services design to direct control-plane operations.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/r3e-faas-sub003/internal/controlplane"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/metrics"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
)

// Server wraps the control plane in an HTTP surface.
type Server struct {
	plane *controlplane.Plane
	log   *logging.Logger
}

// New builds the gorilla/mux router for the control plane's operations,
// plus /healthz and /metrics. m may be nil to skip HTTP metrics
// instrumentation (tests construct Servers without a registry).
func New(plane *controlplane.Plane, log *logging.Logger, m *metrics.Metrics) http.Handler {
	s := &Server{plane: plane, log: log}
	r := mux.NewRouter()
	if m != nil {
		r.Use(m.Middleware)
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/functions", s.upsertFunction).Methods(http.MethodPost)
	api.HandleFunc("/functions/{id}", s.deleteFunction).Methods(http.MethodDelete)
	api.HandleFunc("/functions/{id}/invoke", s.invoke).Methods(http.MethodPost)
	api.HandleFunc("/functions/{id}/logs", s.listLogs).Methods(http.MethodGet)
	api.HandleFunc("/services", s.upsertService).Methods(http.MethodPost)
	api.HandleFunc("/services/{id}", s.deleteService).Methods(http.MethodDelete)
	api.HandleFunc("/invocations/{id}", s.getInvocation).Methods(http.MethodGet)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.log != nil {
			s.log.WithContext(r.Context()).WithField("path", r.URL.Path).
				WithField("method", r.Method).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Info("http request")
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.log != nil {
					s.log.WithContext(r.Context()).WithField("panic", rec).Error("http handler panicked")
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) upsertFunction(w http.ResponseWriter, r *http.Request) {
	var fn model.FunctionSpec
	if err := json.NewDecoder(r.Body).Decode(&fn); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.plane.UpsertFunction(r.Context(), fn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteFunction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.plane.DeleteFunction(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upsertService(w http.ResponseWriter, r *http.Request) {
	var svc model.ServiceSpec
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.plane.UpsertService(r.Context(), svc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.plane.DeleteService(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var input map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	invocationID, err := s.plane.Invoke(r.Context(), id, input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"invocation_id": invocationID})
}

func (s *Server) getInvocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inv, found, err := s.plane.GetInvocation(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	since := parseUintQuery(r, "since_seq", 0)
	limit := int(parseUintQuery(r, "limit", 100))

	entries, err := s.plane.ListLogs(id, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseUintQuery(r *http.Request, key string, def uint64) uint64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

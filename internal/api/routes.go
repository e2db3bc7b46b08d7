package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sunbk201/idmask/internal/route"
	"github.com/sunbk201/idmask/internal/statistics"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.version,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg)
}

func (s *APIServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proxy.Table().Routes())
}

// handleRouteMatch reports which route and upstream a path resolves to.
func (s *APIServer) handleRouteMatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing path"})
		return
	}
	rt, err := s.proxy.Table().Find(path)
	if errors.Is(err, route.ErrNoRoute) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	target, err := route.ComputeTarget(rt, path)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"route":    rt,
		"upstream": target.URL().String(),
		"tls":      target.TLS,
	})
}

func (s *APIServer) handleMappings(w http.ResponseWriter, r *http.Request) {
	store := s.proxy.Store()
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":   s.proxy.Scope(),
		"prefix":  store.Prefix(),
		"entries": store.Len(),
	})
}

func (s *APIServer) handleMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mapped, ok := s.proxy.Store().Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"original":  id,
		"generated": mapped,
	})
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rewrites": s.rewriteStats(),
		"passes":   s.passStats(),
		"requests": s.requestStats(),
	})
}

func (s *APIServer) handleRewriteStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rewriteStats())
}

func (s *APIServer) handlePassStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.passStats())
}

func (s *APIServer) handleRequestStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.requestStats())
}

func (s *APIServer) rewriteStats() []statistics.RewriteRecord {
	if s.recorder == nil {
		return []statistics.RewriteRecord{}
	}
	return s.recorder.RewriteRecordList.Snapshot()
}

func (s *APIServer) passStats() []statistics.PassThroughRecord {
	if s.recorder == nil {
		return []statistics.PassThroughRecord{}
	}
	return s.recorder.PassThroughRecordList.Snapshot()
}

func (s *APIServer) requestStats() []statistics.RequestRecord {
	if s.recorder == nil {
		return []statistics.RequestRecord{}
	}
	return s.recorder.RequestRecordList.Snapshot()
}

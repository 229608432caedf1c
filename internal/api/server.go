// Package api exposes the HTTP surface: indicator lookups, paged queries,
// tagging, realtime statistics, exports, and the SSE event stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/engine"
	"github.com/lvonguyen/ctihub/internal/events"
	"github.com/lvonguyen/ctihub/internal/export"
	"github.com/lvonguyen/ctihub/internal/ioc"
	"github.com/lvonguyen/ctihub/internal/stats"
	"github.com/lvonguyen/ctihub/internal/store"
)

// Server wires the HTTP handlers to the domain components.
type Server struct {
	store  *store.Store
	engine *engine.Engine
	cache  *stats.Cache
	hub    *events.Hub
	logger *zap.Logger
}

// NewServer creates the API server.
func NewServer(st *store.Store, eng *engine.Engine, cache *stats.Cache, hub *events.Hub, logger *zap.Logger) *Server {
	return &Server{
		store:  st,
		engine: eng,
		cache:  cache,
		hub:    hub,
		logger: logger,
	}
}

// Routes builds the router. Extra middleware (rate limiting, metrics) is
// appended by the caller before mounting.
func (s *Server) Routes(extra ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range extra {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		// The request timeout stays off the SSE stream; it holds the
		// connection open for as long as the client listens.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/lookup", s.handleLookup)
			r.Get("/iocs", s.handleListIOCs)
			r.Get("/iocs/{kind}/{value}", s.handleGetIOC)
			r.Post("/iocs/{kind}/{value}/tags", s.handleAddTags)
			r.Get("/stats", s.handleStats)
			r.Get("/export", s.handleExport)
			r.Get("/threat-ips", s.handleThreatIPs)
		})
		r.Get("/events", s.handleEvents)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; one cheap read proves it.
	if _, err := s.store.QueryPage(r.Context(), store.Predicate{}, store.SortRecency, 1, 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type lookupRequest struct {
	Value string   `json:"value"`
	Kind  ioc.Kind `json:"kind"`
}

// handleLookup serves the interactive lookup path. A fresh cached record
// answers directly; otherwise the engine fans out to reputation sources.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.engine.LookupOrFetch(r.Context(), req.Value, req.Kind)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, ioc.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no reputation data for indicator")
	default:
		s.logger.Error("lookup failed", zap.String("value", req.Value), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
	}
}

func (s *Server) handleListIOCs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	pred := store.Predicate{
		Search:         q.Get("search"),
		Tag:            q.Get("tag"),
		Kind:           ioc.Kind(q.Get("kind")),
		Classification: ioc.Classification(q.Get("classification")),
	}
	if pred.Kind != "" && !pred.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", pred.Kind))
		return
	}
	if pred.Classification != "" && !pred.Classification.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown classification %q", pred.Classification))
		return
	}

	order := store.SortRecency
	if q.Get("sort") == "score" {
		order = store.SortScore
	}

	result, err := s.store.QueryPage(r.Context(), pred, order, page, pageSize)
	if err != nil {
		s.logger.Error("ioc query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) pathKey(r *http.Request) (string, ioc.Kind, bool) {
	kind := ioc.Kind(chi.URLParam(r, "kind"))
	value := chi.URLParam(r, "value")
	return value, kind, kind.Valid() && value != ""
}

func (s *Server) handleGetIOC(w http.ResponseWriter, r *http.Request) {
	value, kind, ok := s.pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid indicator key")
		return
	}

	rec, err := s.store.Get(r.Context(), value, kind)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "indicator not found")
	default:
		s.logger.Error("ioc read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read failed")
	}
}

type tagRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleAddTags(w http.ResponseWriter, r *http.Request) {
	value, kind, ok := s.pathKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid indicator key")
		return
	}

	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Tags) == 0 {
		writeError(w, http.StatusBadRequest, "tags are required")
		return
	}

	rec, err := s.store.AddTags(r.Context(), value, kind, req.Tags)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "indicator not found")
	default:
		s.logger.Error("tag update failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "tag update failed")
	}
}

type statsResponse struct {
	stats.Snapshot
	Stale bool `json:"stale"`
}

// handleStats serves the cached snapshot; it never recomputes on the
// request path. The stale flag tells the dashboard the monitor has fallen
// behind.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, stale := s.cache.Get()
	writeJSON(w, http.StatusOK, statsResponse{Snapshot: snap, Stale: stale})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		hours, err = strconv.Atoi(h)
		if err != nil || hours < 1 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
	}

	recs, err := s.store.ExportSince(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		s.logger.Error("export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="iocs.%s"`, format))
	if err := export.Write(w, format, recs); err != nil {
		s.logger.Error("export rendering failed", zap.Error(err))
	}
}

func (s *Server) handleThreatIPs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := s.store.TopByScore(r.Context(), ioc.KindIP, "", limit)
	if err != nil {
		s.logger.Error("threat ip query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ips":   recs,
		"count": len(recs),
	})
}

// handleEvents streams hub events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id, ch, cancel := s.hub.Subscribe()
	defer cancel()
	s.logger.Debug("event stream opened", zap.String("subscriber", id))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

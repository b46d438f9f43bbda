package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/deadhand/internal/logger"
	"github.com/fentz26/deadhand/internal/models"
	"github.com/fentz26/deadhand/internal/pipeline"
	"github.com/fentz26/deadhand/internal/scheduler"
	"github.com/fentz26/deadhand/internal/store"
	"github.com/google/uuid"
)

// Version is reported by /health. It is overridden by the CLI at startup.
var Version = "dev"

// Server provides the HTTP API for deadhand.
type Server struct {
	service *Service
	store   *store.Store
	addr    string
	server  *http.Server
	log     *slog.Logger

	metrics  http.Handler
	sched    *scheduler.Scheduler
	pipeline *pipeline.Pipeline
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, st *store.Store, addr string) *Server {
	return &Server{
		service: service,
		store:   st,
		addr:    addr,
		log:     slog.Default(),
	}
}

// SetLogger sets the request logger.
func (s *Server) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l
	}
}

// SetMetricsHandler exposes h on /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetWorkers attaches the background loops whose counters /stats reports.
func (s *Server) SetWorkers(sched *scheduler.Scheduler, p *pipeline.Pipeline) {
	s.sched = sched
	s.pipeline = p
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Asset endpoints
	mux.HandleFunc("POST /assets", s.createAsset)
	mux.HandleFunc("GET /assets", s.listAssets)
	mux.HandleFunc("GET /assets/{id}", s.getAsset)
	mux.HandleFunc("PUT /assets/{id}", s.updateAsset)
	mux.HandleFunc("DELETE /assets/{id}", s.deleteAsset)
	mux.HandleFunc("GET /assets/{id}/log", s.getAssetLog)
	mux.HandleFunc("GET /assets/{id}/decisions", s.getAssetDecisions)

	// Owner endpoints
	mux.HandleFunc("POST /owners/{id}/checkin", s.checkIn)
	mux.HandleFunc("GET /owners/{id}/status", s.ownerStatus)
	mux.HandleFunc("GET /owners/{id}/releases", s.ownerReleases)

	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withRequestID(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info("api server listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logger.WithRequestID(r.Context(), id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger.FromContext(ctx, s.log).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.httpError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, resp)
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Scheduler *scheduler.Stats `json:"scheduler,omitempty"`
	Pipeline  *pipeline.Stats  `json:"pipeline,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if s.sched != nil {
		st := s.sched.GetStats()
		resp.Scheduler = &st
	}
	if s.pipeline != nil {
		st := s.pipeline.GetStats()
		resp.Pipeline = &st
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// --- Asset Handlers ---

func (s *Server) createAsset(w http.ResponseWriter, r *http.Request) {
	var req models.Asset
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.httpError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	asset, err := s.service.CreateAsset(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, asset)
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.service.ListAssets(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	s.respondJSON(w, http.StatusOK, assets)
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.service.GetAsset(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, asset)
}

func (s *Server) updateAsset(w http.ResponseWriter, r *http.Request) {
	var req models.Asset
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.httpError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	asset, err := s.service.UpdateAsset(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, asset)
}

func (s *Server) deleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteAsset(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAssetLog(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ExecutionLog(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []models.ExecutionRecord{}
	}
	s.respondJSON(w, http.StatusOK, records)
}

func (s *Server) getAssetDecisions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.Decisions(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}

// --- Owner Handlers ---

func (s *Server) checkIn(w http.ResponseWriter, r *http.Request) {
	obs, err := s.service.CheckIn(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, obs)
}

func (s *Server) ownerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) ownerReleases(w http.ResponseWriter, r *http.Request) {
	var episode int64
	if v := r.URL.Query().Get("episode"); v != "" {
		if v == "all" {
			episode = -1
		} else {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				s.httpError(w, "invalid episode", http.StatusBadRequest)
				return
			}
			episode = n
		}
	}

	entries, err := s.service.Releases(r.Context(), r.PathValue("id"), episode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.ReleaseEntry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) httpError(w http.ResponseWriter, message string, code int) {
	s.respondJSON(w, code, ErrorResponse{Error: message, Code: strconv.Itoa(code)})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrAssetNotFound), errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidAsset), errors.Is(err, ErrOwnerRequired):
		status = http.StatusBadRequest
	case errors.Is(err, ErrAssetLocked):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.log).Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.httpError(w, err.Error(), status)
}

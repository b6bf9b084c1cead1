// Package api is the HTTP surface of the gateway.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"guided-audio-stream/coordinator"
	"guided-audio-stream/segstore"
	"guided-audio-stream/shared"
)

const maxRequestBody = 1 << 20

// HealthFunc adds service-specific fields to /health.
type HealthFunc func() map[string]string

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Coordinator *coordinator.Coordinator
	// Files serves /objects/ when the local object store is in use.
	Files       *segstore.FileStore
	RateLimiter *shared.RateLimiter
	Metrics     *shared.Metrics
	Health      HealthFunc
}

// Server routes gateway requests to the coordinator.
type Server struct {
	coord          *coordinator.Coordinator
	files          *segstore.FileStore
	limiter        *shared.RateLimiter
	metrics        *shared.Metrics
	health         HealthFunc
	adminToken     string
	allowedOrigins []string
}

func NewServer(cfg *shared.Config, deps Deps) *Server {
	return &Server{
		coord:          deps.Coordinator,
		files:          deps.Files,
		limiter:        deps.RateLimiter,
		metrics:        deps.Metrics,
		health:         deps.Health,
		adminToken:     cfg.AdminToken,
		allowedOrigins: cfg.AllowedOrigins,
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /generate", s.rateLimited(http.HandlerFunc(s.handleGenerate)))
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	mux.Handle("POST /download/{id}", s.rateLimited(http.HandlerFunc(s.handleDownload)))
	mux.HandleFunc("POST /download/{id}/confirm", s.handleConfirmDownload)
	mux.HandleFunc("GET /objects/{key...}", s.handleObject)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	admin := http.NewServeMux()
	admin.HandleFunc("GET /admin/jobs", s.handleAdminListJobs)
	admin.HandleFunc("GET /admin/jobs/{id}", s.handleAdminGetJob)
	admin.HandleFunc("DELETE /admin/jobs/{id}", s.handleAdminDeleteJob)
	mux.Handle("/admin/", s.adminAuthMiddleware(admin))

	return s.cors(mux)
}

// cors answers preflight requests and tags every response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, o := range s.allowedOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// adminAuthMiddleware provides bearer token authentication for admin routes
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			ok, remaining := s.limiter.Allow(r.Context(), shared.GetClientIP(r))
			if remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			if !ok {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleGenerate creates a job, queues it and returns immediately.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req shared.GenerateRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.coord.Submit(r.Context(), req)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	shared.Info("job accepted", "job_id", job.ID, "user_id", job.UserID, "delivery", job.Delivery)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"delivery":   string(job.Delivery),
		"status_url": "/status/" + job.ID,
		"message":    "Generation started. Poll the status URL; playback can begin once status is streaming.",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.Download(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfirmDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.ConfirmDownload(r.Context(), r.PathValue("id"))
	if err != nil && job == nil {
		s.writeJobError(w, err)
		return
	}
	if err != nil {
		// the flag is set; the janitor finishes the purge
		shared.Warn("purge after confirmed download failed", "job_id", job.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"downloaded": true,
	})
}

// handleObject serves local objects behind signed, expiring URLs.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		http.NotFound(w, r)
		return
	}
	key := r.PathValue("key")
	q := r.URL.Query()
	if err := s.files.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	f, err := s.files.Open(key)
	if err != nil {
		if errors.Is(err, segstore.ErrObjectNotFound) {
			http.NotFound(w, r)
			return
		}
		shared.Error("failed to open object", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ct := contentTypeFor(key); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if strings.HasSuffix(key, ".m3u8") {
		w.Header().Set("Cache-Control", "no-cache")
	}
	http.ServeContent(w, r, path.Base(key), st.ModTime(), f)
}

func contentTypeFor(key string) string {
	switch path.Ext(key) {
	case ".m3u8":
		return segstore.ContentTypePlaylist
	case ".ts":
		return segstore.ContentTypeSegment
	case ".m4a":
		return segstore.ContentTypeDownload
	default:
		return ""
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{
		"status":  "ok",
		"message": "API Gateway is healthy",
	}
	if s.health != nil {
		for k, v := range s.health() {
			resp[k] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.coord.List(r.Context())
	if err != nil {
		shared.Error("failed to list jobs for admin", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to retrieve jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleAdminGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAdminDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.coord.Delete(r.Context(), jobID); err != nil {
		s.writeJobError(w, err)
		return
	}
	shared.Info("deleted job and artifacts", "job_id", jobID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s and its artifacts deleted.", jobID),
	})
}

// writeJobError maps the error taxonomy to status codes. Only sanitized
// reasons reach the client.
func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, shared.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, shared.ErrJobNotReady):
		writeError(w, http.StatusConflict, "job is not ready")
	case errors.Is(err, shared.ErrIncompleteStream):
		writeError(w, http.StatusUnprocessableEntity, shared.PublicReason(err))
	default:
		shared.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, shared.PublicReason(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		shared.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

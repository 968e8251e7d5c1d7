// Package httpapi implements the HTTP surface collaborators use to manage
// jobs, trigger runs, inspect run logs, and flip the kill switch. Every
// endpoint except the /api/metrics scrape route requires bearer-token auth
// compared in constant time; every error uses the {error, code} envelope.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cronward/cronward/runtime/cronerr"
	"github.com/cronward/cronward/runtime/cron"
	"github.com/cronward/cronward/runtime/killswitch"
	"github.com/cronward/cronward/runtime/registry"
)

// Server is the HTTP surface's dependency set.
type Server struct {
	cron          *cron.Service
	registry      *registry.Registry
	killSwitch    *killswitch.Switch
	bearerToken   string
	metricsRegist *prometheus.Registry
}

// NewServer constructs an httpapi.Server. metricsRegistry may be nil, in
// which case /api/metrics is not registered.
func NewServer(cronSvc *cron.Service, reg *registry.Registry, ks *killswitch.Switch, bearerToken string, metricsRegistry *prometheus.Registry) *Server {
	return &Server{cron: cronSvc, registry: reg, killSwitch: ks, bearerToken: bearerToken, metricsRegist: metricsRegistry}
}

// Router builds the chi.Router exposing every endpoint named in the
// external interfaces contract, CORS-enabled for browser collaborators.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearerAuth)
		r.Route("/api/cron/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", s.updateJob)
				r.Delete("/", s.deleteJob)
				r.Post("/trigger", s.triggerJob)
				r.Get("/logs", s.jobLogs)
			})
		})
		r.Post("/api/cron/kill-switch", s.killSwitchAction)
		r.Get("/api/dashboard/overview", s.dashboardOverview)
	})

	// /api/metrics is a scrape endpoint, not a collaborator-facing API
	// route: it sits outside the bearer-auth group the same way a
	// Prometheus target normally isn't token-gated.
	if s.metricsRegist != nil {
		r.Get("/api/metrics", promhttp.HandlerFor(s.metricsRegist, promhttp.HandlerOpts{}).ServeHTTP)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "no such route")
	})
	return r
}

func (s *Server) requireBearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "missing bearer token")
			return
		}
		token := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func writeErr(w http.ResponseWriter, err error) {
	kind := cronerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case cronerr.KindAuth:
		status = http.StatusUnauthorized
	case cronerr.KindNotFound:
		status = http.StatusNotFound
	case cronerr.KindValidation, cronerr.KindPolicyDenied:
		status = http.StatusBadRequest
	case cronerr.KindRateLimit, cronerr.KindCircuitOpen, cronerr.KindKillSwitchActive:
		status = http.StatusConflict
	case cronerr.KindConcurrencyConflict:
		status = http.StatusConflict
	case cronerr.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, cronerr.Code(kind), err.Error())
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var job registry.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed job body")
		return
	}
	if err := s.cron.CreateJob(job); err != nil {
		writeErr(w, cronerr.Wrap(cronerr.KindValidation, "", err))
		return
	}
	created, _ := s.registry.GetJob(job.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetJobs())
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed patch body")
		return
	}
	ok, err := s.cron.UpdateJob(id, func(j *registry.Job) { applyPatch(j, patch) })
	if err != nil {
		writeErr(w, cronerr.Wrap(cronerr.KindInternal, "", err))
		return
	}
	if !ok {
		writeErr(w, cronerr.New(cronerr.KindNotFound, "job not found"))
		return
	}
	job, _ := s.registry.GetJob(id)
	writeJSON(w, http.StatusOK, job)
}

// applyPatch mutates the subset of mutable job fields present in patch.
// Status and CurrentRunULID are never accepted from an HTTP patch: they
// are owned exclusively by the scheduler's CAS/recovery paths.
func applyPatch(j *registry.Job, patch map[string]any) {
	if name, ok := patch["name"].(string); ok {
		j.Name = name
	}
	if enabled, ok := patch["enabled"].(bool); ok {
		j.Enabled = enabled
	}
	if cfg, ok := patch["config"].(map[string]any); ok {
		j.Config = cfg
	}
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.cron.DeleteJob(id)
	if err != nil {
		writeErr(w, cronerr.Wrap(cronerr.KindInternal, "", err))
		return
	}
	if !ok {
		writeErr(w, cronerr.New(cronerr.KindNotFound, "job not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.cron.TriggerJob(r.Context(), id)
	if err != nil {
		writeErr(w, cronerr.Wrap(cronerr.KindExternal, "", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"triggered": ok})
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := s.registry.RunRecords(id)
	if err != nil {
		writeErr(w, cronerr.Wrap(cronerr.KindInternal, "", err))
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), len(records))
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if offset > len(records) {
		offset = len(records)
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	writeJSON(w, http.StatusOK, records[offset:end])
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) killSwitchAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed kill-switch body")
		return
	}
	switch body.Action {
	case "activate":
		stopped, err := s.killSwitch.Activate()
		if err != nil {
			writeErr(w, cronerr.Wrap(cronerr.KindInternal, "", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": true, "stoppedJobIds": stopped})
	case "deactivate":
		if err := s.killSwitch.Deactivate(); err != nil {
			writeErr(w, cronerr.Wrap(cronerr.KindInternal, "", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "action must be \"activate\" or \"deactivate\"")
	}
}

func (s *Server) dashboardOverview(w http.ResponseWriter, r *http.Request) {
	jobs := s.registry.GetJobs()
	statusCounts := make(map[registry.Status]int)
	for _, job := range jobs {
		statusCounts[job.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalJobs":        len(jobs),
		"statusCounts":     statusCounts,
		"killSwitchActive": s.killSwitch.IsActive(),
	})
}

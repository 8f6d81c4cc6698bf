package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-orchestrator/internal/lineage"
	"github.com/nidhogg/nuka-orchestrator/internal/notify"
	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
	"github.com/nidhogg/nuka-orchestrator/internal/provider"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
	"github.com/nidhogg/nuka-orchestrator/internal/store"
	"go.uber.org/zap"
)

// CatalogStore persists catalog registrations made over the API.
type CatalogStore interface {
	SaveAgent(ctx context.Context, a registry.AgentDescriptor) error
	SaveTeam(ctx context.Context, t registry.TeamDescriptor) error
	SaveSkill(ctx context.Context, s registry.Skill) error
}

// ExecutionStore reads archived workflow executions.
type ExecutionStore interface {
	GetExecution(ctx context.Context, id string) (*store.ExecutionRow, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*store.ExecutionRow, error)
}

// AgentHistory reads the steps an agent executed across workflow runs.
type AgentHistory interface {
	AgentHistory(ctx context.Context, agentID string, limit int) ([]lineage.AgentStep, error)
}

// Announcer sends ad-hoc notifications and exposes the delivery history.
type Announcer interface {
	Send(ctx context.Context, n *notify.Notification) error
	History(limit int) []notify.Record
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch       *orchestrator.Orchestrator
	registry   *registry.Registry
	router     *provider.Router
	catalog    CatalogStore
	executions ExecutionStore
	history    AgentHistory
	announcer  Announcer
	metrics    http.Handler
	logger     *zap.Logger
}

// NewHandler creates a new API handler. Optional dependencies are attached
// with the Set methods; routes backed by a missing dependency answer 503.
func NewHandler(orch *orchestrator.Orchestrator, router *provider.Router, logger *zap.Logger) *Handler {
	return &Handler{
		orch:     orch,
		registry: orch.Registry(),
		router:   router,
		logger:   logger,
	}
}

func (h *Handler) SetCatalogStore(s CatalogStore)     { h.catalog = s }
func (h *Handler) SetExecutionStore(s ExecutionStore) { h.executions = s }
func (h *Handler) SetAgentHistory(s AgentHistory)     { h.history = s }
func (h *Handler) SetAnnouncer(a Announcer)           { h.announcer = a }

// SetMetricsHandler mounts a Prometheus exposition handler at /metrics.
func (h *Handler) SetMetricsHandler(m http.Handler) { h.metrics = m }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/providers", h.listProviders)

		// Catalog
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/state", h.agentStates)
		r.Get("/agents/{id}", h.getAgent)
		r.Get("/agents/{id}/history", h.agentHistory)
		r.Get("/teams", h.listTeams)
		r.Post("/teams", h.registerTeam)
		r.Get("/teams/{id}", h.getTeam)
		r.Get("/skills", h.listSkills)
		r.Post("/skills", h.registerSkill)
		r.Get("/skills/{id}", h.getSkill)
		r.Post("/skills/{id}/rating", h.rateSkill)

		// Execution
		r.Post("/tasks", h.executeTask)
		r.Post("/teams/{id}/execute", h.executeTeam)
		r.Post("/skills/{id}/execute", h.executeSkill)
		r.Post("/workflows/execute", h.executeWorkflow)
		r.Get("/executions", h.listExecutions)
		r.Get("/executions/{id}", h.getExecution)

		// Observability
		r.Get("/metrics", h.getMetrics)
		r.Get("/logs", h.getLogs)
		r.Delete("/logs", h.clearLogs)
		r.Get("/notifications", h.listNotifications)
		r.Post("/notifications", h.sendNotification)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"agents": len(h.registry.ListAgents()),
		"teams":  len(h.registry.ListTeams()),
		"skills": len(h.registry.ListSkills()),
	})
}

type providerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	out := []providerInfo{}
	if h.router != nil {
		def := h.router.DefaultID()
		for _, p := range h.router.ListProviders() {
			out = append(out, providerInfo{ID: p.ID(), Name: p.Name(), Default: p.ID() == def})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Metrics())
}

func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Logs())
}

func (h *Handler) clearLogs(w http.ResponseWriter, r *http.Request) {
	h.orch.ClearLogs()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.announcer == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.announcer.History(queryInt(r, "limit", 50)))
}

func (h *Handler) sendNotification(w http.ResponseWriter, r *http.Request) {
	if h.announcer == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications not configured")
		return
	}
	var n notify.Notification
	if !decodeBody(w, r, &n) {
		return
	}
	if n.Title == "" && n.Content == "" {
		writeError(w, http.StatusBadRequest, "title or content is required")
		return
	}
	if n.Kind == "" {
		n.Kind = notify.KindAnnouncement
	}
	if err := h.announcer.Send(r.Context(), &n); err != nil {
		h.logger.Warn("announcement delivery incomplete", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	if h.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "execution store not configured")
		return
	}
	rows, err := h.executions.ListExecutions(r.Context(), r.URL.Query().Get("workflow_id"), queryInt(r, "limit", 50))
	if err != nil {
		h.logger.Error("list executions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	if h.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "execution store not configured")
		return
	}
	row, err := h.executions.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("get execution", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && n > 0 {
		return n
	}
	return def
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

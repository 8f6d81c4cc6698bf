package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-orchestrator/internal/registry"
	"go.uber.org/zap"
)

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var agents []*registry.AgentDescriptor
	switch {
	case q.Get("capability") != "":
		agents = h.registry.ListAgentsByCapability(registry.Capability(q.Get("capability")))
	case q.Get("role") != "":
		agents = h.registry.ListAgentsByRole(registry.Role(q.Get("role")))
	default:
		agents = h.registry.ListAgents()
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.registry.GetAgent(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	resp := map[string]interface{}{"agent": a}
	if st, ok := h.orch.AgentStates()[id]; ok {
		resp["state"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) agentStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.AgentStates())
}

func (h *Handler) agentHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "lineage not configured")
		return
	}
	steps, err := h.history.AgentHistory(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 20))
	if err != nil {
		h.logger.Error("agent history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a registry.AgentDescriptor
	if !decodeBody(w, r, &a) {
		return
	}
	if a.ID == "" || a.Role == "" {
		writeError(w, http.StatusBadRequest, "id and role are required")
		return
	}
	if h.catalog != nil {
		if err := h.catalog.SaveAgent(r.Context(), a); err != nil {
			h.logger.Error("persist agent", zap.String("id", a.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.registry.RegisterAgent(a)
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.ListTeams())
}

func (h *Handler) getTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := h.registry.GetTeam(id)
	if !ok {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	m, _ := h.registry.TeamMetrics(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"team":         t,
		"capabilities": h.registry.TeamCapabilities(t),
		"metrics":      m,
	})
}

func (h *Handler) registerTeam(w http.ResponseWriter, r *http.Request) {
	var t registry.TeamDescriptor
	if !decodeBody(w, r, &t) {
		return
	}
	if t.ID == "" || len(t.Members) == 0 {
		writeError(w, http.StatusBadRequest, "id and at least one member are required")
		return
	}
	if err := h.registry.CheckTeam(t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.catalog != nil {
		if err := h.catalog.SaveTeam(r.Context(), t); err != nil {
			h.logger.Error("persist team", zap.String("id", t.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.registry.RegisterTeam(t)
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var skills []*registry.Skill
	switch {
	case q.Get("q") != "":
		skills = h.registry.SearchSkills(q.Get("q"))
	case q.Get("category") != "":
		skills = h.registry.ListSkillsByCategory(q.Get("category"))
	default:
		skills = h.registry.ListSkills()
	}
	writeJSON(w, http.StatusOK, skills)
}

func (h *Handler) getSkill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, ok := h.registry.GetSkill(id)
	if !ok {
		writeError(w, http.StatusNotFound, "skill not found")
		return
	}
	m, _ := h.registry.SkillMetrics(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"skill": s, "metrics": m})
}

func (h *Handler) registerSkill(w http.ResponseWriter, r *http.Request) {
	var s registry.Skill
	if !decodeBody(w, r, &s) {
		return
	}
	if s.ID == "" || s.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}
	if s.Source == "" {
		s.Source = "api"
	}
	if h.catalog != nil {
		if err := h.catalog.SaveSkill(r.Context(), s); err != nil {
			h.logger.Error("persist skill", zap.String("id", s.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.registry.RegisterSkill(s)
	writeJSON(w, http.StatusCreated, s)
}

type ratingRequest struct {
	Rating float64 `json:"rating"`
}

func (h *Handler) rateSkill(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.registry.RateSkill(id, req.Rating); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrSkillNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	m, _ := h.registry.SkillMetrics(id)
	writeJSON(w, http.StatusOK, m)
}

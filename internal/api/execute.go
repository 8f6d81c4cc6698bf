package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
)

type taskRequest struct {
	Task    *orchestrator.Task             `json:"task"`
	Context *orchestrator.ExecutionContext `json:"context,omitempty"`
}

type teamRequest struct {
	Tasks   []*orchestrator.Task           `json:"tasks"`
	Context *orchestrator.ExecutionContext `json:"context,omitempty"`
}

type skillRequest struct {
	Input   interface{}                    `json:"input"`
	Context *orchestrator.ExecutionContext `json:"context,omitempty"`
}

type workflowRequest struct {
	Workflow *orchestrator.Workflow         `json:"workflow"`
	Context  *orchestrator.ExecutionContext `json:"context,omitempty"`
}

// Execution endpoints answer 200 with the structured result even when the
// run failed; only malformed requests and unknown targets are HTTP errors.

func (h *Handler) executeTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Task == nil || req.Task.Name == "" {
		writeError(w, http.StatusBadRequest, "task with a name is required")
		return
	}
	writeJSON(w, http.StatusOK, h.orch.ExecuteTask(r.Context(), req.Task, req.Context))
}

func (h *Handler) executeTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.registry.GetTeam(id); !ok {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	var req teamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "at least one task is required")
		return
	}
	for _, t := range req.Tasks {
		if t == nil {
			writeError(w, http.StatusBadRequest, "null task in batch")
			return
		}
	}
	writeJSON(w, http.StatusOK, h.orch.ExecuteWithTeam(r.Context(), id, req.Tasks, req.Context))
}

func (h *Handler) executeSkill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.registry.GetSkill(id); !ok {
		writeError(w, http.StatusNotFound, "skill not found")
		return
	}
	var req skillRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.orch.ExecuteSkill(r.Context(), id, req.Input, req.Context))
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Workflow == nil || len(req.Workflow.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "workflow with at least one step is required")
		return
	}
	writeJSON(w, http.StatusOK, h.orch.ExecuteWorkflow(r.Context(), req.Workflow, req.Context))
}

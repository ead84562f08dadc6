package api

import (
	"net/http"

	"healthai/internal/service"

	"github.com/go-chi/chi/v5"
)

type CreateFromTemplateRequest struct {
	TemplateID string `json:"templateId" validate:"required"`
	Name       string `json:"name,omitempty" validate:"max=200"`
}

type ExecuteWorkflowRequest struct {
	AnalysisID int64 `json:"analysisId" validate:"required,gt=0"`
}

func (d Dependencies) workflowTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := d.Services.Workflows.Templates()
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": templates})
}

func (d Dependencies) createWorkflowFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateFromTemplateRequest
	if !d.decode(w, r, &req) {
		return
	}
	wf, err := d.Services.Workflows.CreateFromTemplate(r.Context(), userID(r), req.TemplateID, req.Name)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (d Dependencies) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.CreateWorkflowInput
	if !d.decode(w, r, &req) {
		return
	}
	wf, err := d.Services.Workflows.Create(r.Context(), userID(r), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (d Dependencies) listWorkflows(w http.ResponseWriter, r *http.Request) {
	items, err := d.Services.Workflows.List(r.Context(), userID(r))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (d Dependencies) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := d.Services.Workflows.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (d Dependencies) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateWorkflowInput
	if !d.decode(w, r, &req) {
		return
	}
	wf, err := d.Services.Workflows.Update(r.Context(), userID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (d Dependencies) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := d.Services.Workflows.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Dependencies) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var req ExecuteWorkflowRequest
	if !d.decode(w, r, &req) {
		return
	}
	exec, err := d.Services.Workflows.ExecuteManual(r.Context(), userID(r), chi.URLParam(r, "id"), req.AnalysisID)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (d Dependencies) workflowExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _, err := pagination(r)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	items, err := d.Services.Workflows.ListExecutions(r.Context(), userID(r), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

package api

import (
	"net/http"

	"healthai/internal/model"
	"healthai/internal/service"
)

// Background work is reported as 202 Accepted; an inline run that
// already settled is 201 Created.
func (d Dependencies) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitInput
	if !d.decode(w, r, &req) {
		return
	}
	req.Source = model.SourceUser

	a, err := d.Services.Analyses.Submit(r.Context(), userID(r), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	status := http.StatusCreated
	if !a.Status.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, a)
}

func (d Dependencies) listAnalyses(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	items, err := d.Services.Analyses.List(r.Context(), userID(r), limit, offset)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

func (d Dependencies) getAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := analysisID(r)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	a, err := d.Services.Analyses.Get(r.Context(), userID(r), id)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (d Dependencies) analysisStatus(w http.ResponseWriter, r *http.Request) {
	id, err := analysisID(r)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	st, err := d.Services.Analyses.Status(r.Context(), userID(r), id)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (d Dependencies) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := analysisID(r)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	a, err := d.Services.Analyses.Cancel(r.Context(), userID(r), id)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (d Dependencies) deleteAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := analysisID(r)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	if err := d.Services.Analyses.Delete(r.Context(), userID(r), id); err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"net/http"

	"healthai/internal/service"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) createProvider(w http.ResponseWriter, r *http.Request) {
	var req service.CreateProviderInput
	if !d.decode(w, r, &req) {
		return
	}
	p, err := d.Services.Providers.Create(r.Context(), userID(r), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (d Dependencies) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := d.Services.Providers.List(r.Context(), userID(r))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": providers})
}

func (d Dependencies) getProvider(w http.ResponseWriter, r *http.Request) {
	p, err := d.Services.Providers.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d Dependencies) updateProvider(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateProviderInput
	if !d.decode(w, r, &req) {
		return
	}
	p, err := d.Services.Providers.Update(r.Context(), userID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d Dependencies) deleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := d.Services.Providers.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Dependencies) testProvider(w http.ResponseWriter, r *http.Request) {
	res, err := d.Services.Providers.Test(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

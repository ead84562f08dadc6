package api

import (
	"net/http"

	"healthai/internal/service"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req service.CreateScheduleInput
	if !d.decode(w, r, &req) {
		return
	}
	s, err := d.Services.Schedules.Create(r.Context(), userID(r), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (d Dependencies) listSchedules(w http.ResponseWriter, r *http.Request) {
	items, err := d.Services.Schedules.List(r.Context(), userID(r))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (d Dependencies) getSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := d.Services.Schedules.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (d Dependencies) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateScheduleInput
	if !d.decode(w, r, &req) {
		return
	}
	s, err := d.Services.Schedules.Update(r.Context(), userID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (d Dependencies) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := d.Services.Schedules.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Dependencies) executeSchedule(w http.ResponseWriter, r *http.Request) {
	exec, err := d.Services.Schedules.ExecuteNow(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (d Dependencies) enableSchedule(w http.ResponseWriter, r *http.Request) {
	d.setScheduleEnabled(w, r, true)
}

func (d Dependencies) disableSchedule(w http.ResponseWriter, r *http.Request) {
	d.setScheduleEnabled(w, r, false)
}

func (d Dependencies) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	s, err := d.Services.Schedules.SetEnabled(r.Context(), userID(r), chi.URLParam(r, "id"), enabled)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (d Dependencies) scheduleExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _, err := pagination(r)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	items, err := d.Services.Schedules.ListExecutions(r.Context(), userID(r), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

package api

import (
	"net/http"

	"healthai/internal/service"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) createChannel(w http.ResponseWriter, r *http.Request) {
	var req service.CreateChannelInput
	if !d.decode(w, r, &req) {
		return
	}
	ch, err := d.Services.Notifications.CreateChannel(r.Context(), userID(r), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (d Dependencies) listChannels(w http.ResponseWriter, r *http.Request) {
	items, err := d.Services.Notifications.ListChannels(r.Context(), userID(r))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (d Dependencies) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := d.Services.Notifications.GetChannel(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (d Dependencies) updateChannel(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateChannelInput
	if !d.decode(w, r, &req) {
		return
	}
	ch, err := d.Services.Notifications.UpdateChannel(r.Context(), userID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (d Dependencies) deleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := d.Services.Notifications.DeleteChannel(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testChannel returns the channel with its refreshed verification state
func (d Dependencies) testChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := d.Services.Notifications.TestChannel(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (d Dependencies) createPreference(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePreferenceInput
	if !d.decode(w, r, &req) {
		return
	}
	p, err := d.Services.Notifications.CreatePreference(r.Context(), userID(r), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (d Dependencies) listPreferences(w http.ResponseWriter, r *http.Request) {
	items, err := d.Services.Notifications.ListPreferences(r.Context(), userID(r))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (d Dependencies) getPreference(w http.ResponseWriter, r *http.Request) {
	p, err := d.Services.Notifications.GetPreference(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d Dependencies) updatePreference(w http.ResponseWriter, r *http.Request) {
	var req service.UpdatePreferenceInput
	if !d.decode(w, r, &req) {
		return
	}
	p, err := d.Services.Notifications.UpdatePreference(r.Context(), userID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d Dependencies) deletePreference(w http.ResponseWriter, r *http.Request) {
	if err := d.Services.Notifications.DeletePreference(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Dependencies) sendNotification(w http.ResponseWriter, r *http.Request) {
	var req service.SendInput
	if !d.decode(w, r, &req) {
		return
	}
	h, err := d.Services.Notifications.Send(r.Context(), userID(r), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (d Dependencies) notificationHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	items, err := d.Services.Notifications.ListHistory(r.Context(), userID(r), limit, offset)
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

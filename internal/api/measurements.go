package api

import (
	"net/http"

	"healthai/internal/model"
	"healthai/internal/service"
)

func (d Dependencies) ingestMeasurement(w http.ResponseWriter, r *http.Request) {
	var req service.IngestInput
	if !d.decode(w, r, &req) {
		return
	}
	m, err := d.Services.Measurements.Ingest(r.Context(), userID(r), req)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// listMeasurements supports ?metric=a,b&since=&until=&limit=
func (d Dependencies) listMeasurements(w http.ResponseWriter, r *http.Request) {
	q := model.MeasurementQuery{Metrics: listParam(r, "metric")}
	var err error
	if q.Since, err = timeParam(r.URL.Query().Get("since"), "since"); err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	if q.Until, err = timeParam(r.URL.Query().Get("until"), "until"); err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	if q.Limit, _, err = pagination(r); err != nil {
		writeAppError(w, err, d.Log)
		return
	}

	items, err := d.Services.Measurements.List(r.Context(), userID(r), q)
	if err != nil {
		writeAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

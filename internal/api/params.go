package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/auth"

	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func userID(r *http.Request) string {
	return auth.GetUserID(r.Context())
}

// analysisID parses the numeric {id} path parameter. A malformed id is
// indistinguishable from a missing analysis.
func analysisID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.NotFound("analysis", raw)
	}
	return id, nil
}

func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit, err = intParam(q.Get("limit"), "limit", defaultPageSize)
	if err != nil {
		return 0, 0, err
	}
	offset, err = intParam(q.Get("offset"), "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, offset, nil
}

func intParam(raw, name string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Validation(name, name+" must be a non-negative integer")
	}
	return v, nil
}

func timeParam(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.Validation(name, name+" must be an RFC 3339 timestamp")
	}
	t = t.UTC()
	return &t, nil
}

// listParam accepts both repeated and comma-separated values
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

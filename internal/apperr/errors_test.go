package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("kind", "bad kind"), http.StatusUnprocessableEntity},
		{"not found", NotFound("analysis", 1), http.StatusNotFound},
		{"permission hides existence", Permission("analysis"), http.StatusNotFound},
		{"rate limit", RateLimited("slow down", time.Minute), http.StatusTooManyRequests},
		{"circuit open", CircuitOpen("openai_analysis", 30*time.Second), http.StatusServiceUnavailable},
		{"transient provider", Failure(KindAIProvider, "openai_analysis", 3, true, errors.New("503")), http.StatusServiceUnavailable},
		{"permanent provider", Failure(KindAIProvider, "openai_analysis", 1, false, errors.New("401")), http.StatusInternalServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestAsThroughWrapping(t *testing.T) {
	base := NotFound("schedule", "abc")
	wrapped := fmt.Errorf("failed to load schedule: %w", base)

	ae, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, ae.Kind)
	assert.Equal(t, "schedule_not_found", ae.Code)
	assert.True(t, Is(wrapped, KindNotFound))
}

func TestCircuitOpenMessage(t *testing.T) {
	e := CircuitOpen("anthropic_analysis", 42*time.Second)
	assert.Contains(t, e.Message, "retry in 42s")
	assert.True(t, e.Transient)
	assert.Equal(t, "anthropic_analysis", e.Service)
}

func TestFailureUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	e := Failure(KindDatabase, "store", 2, true, cause)
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, 2, e.Attempts)
	assert.Contains(t, e.Message, "try again later")
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/auth"
	"healthai/internal/breaker"
	"healthai/internal/keyvault"
	"healthai/internal/memstore"
	"healthai/internal/metrics"
	"healthai/internal/model"
	"healthai/internal/notify"
	"healthai/internal/provider"
	"healthai/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAdapter struct{}

func (stubAdapter) TestConnection(ctx context.Context) provider.TestResult {
	return provider.TestResult{OK: true, Message: "ok", Models: []string{"stub-model"}}
}

func (stubAdapter) Generate(ctx context.Context, prompt string, data []provider.DataPoint, p provider.Params) (*provider.Result, error) {
	return &provider.Result{Content: "all good", Model: "stub-model", PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, nil
}

func (stubAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"stub-model"}, nil
}

func (stubAdapter) DefaultModel() string { return "stub-model" }

func (stubAdapter) EstimateCost(prompt string, data []provider.DataPoint) float64 { return 0 }

type nopDispatcher struct{}

func (nopDispatcher) Send(ctx context.Context, kind model.ChannelKind, target string, msg notify.Message) error {
	return nil
}

type testServer struct {
	handler  http.Handler
	jwt      *auth.JWTConfig
	services *service.Services
	breakers *breaker.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zap.NewNop()
	vault, err := keyvault.New("api-test-secret", log)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	services := service.NewServices(service.Deps{
		Store:      memstore.New(),
		Vault:      vault,
		Breakers:   breakers,
		Dispatcher: nopDispatcher{},
		Adapters: func(cfg provider.Config) (provider.Adapter, error) {
			return stubAdapter{}, nil
		},
		Metrics:  m,
		Log:      log,
		Settings: service.DefaultSettings(),
	})

	jwtCfg := auth.NewJWTConfig("api-test-secret", true)
	return &testServer{
		handler: Routes(Dependencies{
			Services:    services,
			Breakers:    breakers,
			JWT:         jwtCfg,
			Metrics:     m,
			Gatherer:    reg,
			CORSOrigins: []string{"https://app.example.com"},
			Log:         log,
		}),
		jwt:      jwtCfg,
		services: services,
		breakers: breakers,
	}
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.DevUserHeader, user)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.breakers.Get("openai")
	rec = s.do(t, http.MethodGet, "/health/circuit-breakers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	var names []string
	for _, b := range body["breakers"].([]interface{}) {
		names = append(names, b.(map[string]interface{})["name"].(string))
	}
	assert.Contains(t, names, "openai")

	s.do(t, http.MethodGet, "/healthz", "", nil)
	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthai_http_requests_total")
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/ai-providers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := s.jwt.Issue("token-user", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/ai-providers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	out := httptest.NewRecorder()
	s.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

func TestProviderEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/ai-providers", "alice", map[string]interface{}{
		"name":   "primary",
		"kind":   "openai",
		"apiKey": "sk-alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "sk-alice")
	id := decodeBody(t, rec)["id"].(string)

	rec = s.do(t, http.MethodGet, "/ai-providers/"+id, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// other users see nothing
	rec = s.do(t, http.MethodGet, "/ai-providers/"+id, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/ai-providers/"+id+"/test", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])

	rec = s.do(t, http.MethodPut, "/ai-providers/"+id, "alice", map[string]interface{}{"priority": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 7, decodeBody(t, rec)["priority"])

	rec = s.do(t, http.MethodDelete, "/ai-providers/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/ai-providers/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/ai-providers", "alice", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/ai-providers", "alice", map[string]interface{}{"kind": "openai"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "validation", body["error"])
	assert.Equal(t, "name", body["details"].(map[string]interface{})["field"])

	rec = s.do(t, http.MethodPost, "/ai-providers", "alice", map[string]interface{}{
		"name": "hot", "kind": "openai", "temperature": 3.5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodGet, "/ai-analysis?limit=-1", "alice", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodGet, "/health-data?since=yesterday", "alice", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAnalysisEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/ai-providers", "alice", map[string]interface{}{
		"name": "primary", "kind": "openai", "apiKey": "sk-alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/health-data", "alice", map[string]interface{}{
		"metric": "heart_rate", "value": 64, "unit": "bpm",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	mid := int64(decodeBody(t, rec)["id"].(float64))

	rec = s.do(t, http.MethodGet, "/health-data?metric=heart_rate", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["items"], 1)

	// no job client is wired, so the analysis settles inline
	rec = s.do(t, http.MethodPost, "/ai-analysis/", "alice", map[string]interface{}{
		"kind":           "trends",
		"measurementIds": []int64{mid},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decodeBody(t, rec)
	assert.Equal(t, "completed", a["status"])
	assert.Equal(t, "all good", a["response"])
	aid := strconv.FormatInt(int64(a["id"].(float64)), 10)

	rec = s.do(t, http.MethodGet, "/ai-analysis/"+aid+"/status", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decodeBody(t, rec)["analysis"].(map[string]interface{})["status"])

	rec = s.do(t, http.MethodGet, "/ai-analysis?limit=10", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["items"], 1)

	rec = s.do(t, http.MethodGet, "/ai-analysis/"+aid, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodGet, "/ai-analysis/not-a-number", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodDelete, "/ai-analysis/"+aid, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/analysis-schedules", "alice", map[string]interface{}{
		"name":          "weekly",
		"kind":          "recurring",
		"frequency":     "weekly",
		"daysOfWeek":    []int{1},
		"analysisTypes": []string{"trends"},
		"enabled":       false,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sched := decodeBody(t, rec)
	id := sched["id"].(string)
	assert.Nil(t, sched["nextRunAt"])

	rec = s.do(t, http.MethodPost, "/analysis-schedules/"+id+"/enable", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decodeBody(t, rec)["nextRunAt"])

	rec = s.do(t, http.MethodPost, "/analysis-schedules/"+id+"/disable", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["enabled"])

	rec = s.do(t, http.MethodPost, "/analysis-schedules", "alice", map[string]interface{}{
		"name": "bad days", "kind": "recurring", "frequency": "weekly",
		"daysOfWeek": []int{9}, "analysisTypes": []string{"trends"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodGet, "/analysis-schedules/"+id+"/executions", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkflowTemplatesEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/analysis-workflows/templates", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["items"].([]interface{})
	require.NotEmpty(t, items)
	templateID := items[0].(map[string]interface{})["id"].(string)

	rec = s.do(t, http.MethodPost, "/analysis-workflows/from-template", "alice", map[string]interface{}{
		"templateId": templateID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wfID := decodeBody(t, rec)["id"].(string)

	rec = s.do(t, http.MethodGet, "/analysis-workflows", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["items"], 1)

	rec = s.do(t, http.MethodPost, "/analysis-workflows/"+wfID+"/execute", "alice", map[string]interface{}{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWriteAppErrorRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAppError(rec, apperr.CircuitOpen("openai", 29500*time.Millisecond), zap.NewNop())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.Equal(t, "circuit_open", body["code"])
	assert.Equal(t, true, body["transient"])

	rec = httptest.NewRecorder()
	writeAppError(rec, apperr.Permission("analysis"), zap.NewNop())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["code"])

	rec = httptest.NewRecorder()
	writeAppError(rec, assert.AnError, zap.NewNop())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/ai-analysis/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/ai-analysis/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestChannelAuthorizer(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.services.Providers.Create(ctx, "alice", service.CreateProviderInput{
		Name: "primary", Kind: model.ProviderOpenAI, APIKey: "sk",
	})
	require.NoError(t, err)
	a, err := s.services.Analyses.Submit(ctx, "alice", service.SubmitInput{Kind: model.KindTrends})
	require.NoError(t, err)

	authorize := ChannelAuthorizer(s.services.Analyses)
	analysisChannel := "analysis:" + strconv.FormatInt(a.ID, 10)

	assert.True(t, authorize(ctx, "alice", "user:alice"))
	assert.False(t, authorize(ctx, "alice", "user:bob"))
	assert.True(t, authorize(ctx, "alice", analysisChannel))
	assert.False(t, authorize(ctx, "bob", analysisChannel))
	assert.False(t, authorize(ctx, "alice", "analysis:abc"))
	assert.False(t, authorize(ctx, "alice", "broadcast"))
	assert.False(t, authorize(ctx, "alice", strings.Repeat("x", 3)+":1"))
}

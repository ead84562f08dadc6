package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/breaker"
	"healthai/internal/keyvault"
	"healthai/internal/memstore"
	"healthai/internal/model"
	"healthai/internal/notify"
	"healthai/internal/provider"
	"healthai/internal/retry"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var _ Store = (*memstore.Store)(nil)

type fakeResponse struct {
	content string
	err     error
}

// fakeAdapter replays responses in order; the last one repeats
type fakeAdapter struct {
	mu        sync.Mutex
	responses []fakeResponse
	delay     time.Duration
	model     string
	calls     int
	prompts   []string
	data      [][]provider.DataPoint
}

func (f *fakeAdapter) Generate(ctx context.Context, prompt string, data []provider.DataPoint, p provider.Params) (*provider.Result, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.data = append(f.data, data)
	var r fakeResponse
	if len(f.responses) > 0 {
		if idx >= len(f.responses) {
			idx = len(f.responses) - 1
		}
		r = f.responses[idx]
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &provider.Result{
		Content:          r.content,
		Model:            f.model,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
	}, nil
}

func (f *fakeAdapter) TestConnection(ctx context.Context) provider.TestResult {
	return provider.TestResult{OK: true, Message: "ok", Models: []string{f.model}}
}

func (f *fakeAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{f.model}, nil
}

func (f *fakeAdapter) DefaultModel() string { return f.model }

func (f *fakeAdapter) EstimateCost(prompt string, data []provider.DataPoint) float64 { return 0 }

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdapter) respond(rs ...fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = rs
}

func unavailable() error {
	return &provider.Failure{Provider: model.ProviderOpenAI, Status: 503, Body: "overloaded"}
}

type enqueuedStep struct {
	executionID string
	step        int
	delay       time.Duration
}

type fakeJobClient struct {
	mu         sync.Mutex
	jobs       []*model.Job
	cancelled  []string
	dataChecks []string
	steps      []enqueuedStep
	err        error
	delay      time.Duration
}

func (f *fakeJobClient) EnqueueAnalysis(ctx context.Context, job *model.Job) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	c := *job
	f.jobs = append(f.jobs, &c)
	return job.ID, nil
}

func (f *fakeJobClient) CancelAnalysis(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeJobClient) EnqueueDataCheck(ctx context.Context, userID, metric string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataChecks = append(f.dataChecks, userID+"/"+metric)
	return nil
}

func (f *fakeJobClient) EnqueueWorkflowStep(ctx context.Context, executionID string, step int, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, enqueuedStep{executionID: executionID, step: step, delay: delay})
	return nil
}

type sentMessage struct {
	kind   model.ChannelKind
	target string
	msg    notify.Message
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeDispatcher) Send(ctx context.Context, kind model.ChannelKind, target string, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{kind: kind, target: target, msg: msg})
	return nil
}

func (f *fakeDispatcher) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type recordingBus struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (b *recordingBus) PublishUser(userID string, event map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) PublishAnalysis(analysisID int64, event map[string]interface{}) error {
	return nil
}

func (b *recordingBus) Types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e["type"].(string))
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store      *memstore.Store
	adapter    *fakeAdapter
	dispatcher *fakeDispatcher
	bus        *recordingBus
	clock      *fakeClock
	breakers   *breaker.Registry
	vault      *keyvault.Vault
	svc        *Services
}

const testUser = "user-1"

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()

	vault, err := keyvault.New("test-secret", zap.NewNop())
	require.NoError(t, err)

	env := &testEnv{
		store:      memstore.New(),
		adapter:    &fakeAdapter{model: "gpt-3.5-turbo", responses: []fakeResponse{{content: "ok"}}},
		dispatcher: &fakeDispatcher{},
		bus:        &recordingBus{},
		clock:      &fakeClock{t: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)},
		breakers:   breaker.NewRegistry(breaker.DefaultConfig()),
		vault:      vault,
	}

	d := Deps{
		Store:      env.store,
		Vault:      vault,
		Breakers:   env.breakers,
		Retry:      retry.New(zap.NewNop(), env.breakers),
		Bus:        env.bus,
		Dispatcher: env.dispatcher,
		Adapters: func(cfg provider.Config) (provider.Adapter, error) {
			return env.adapter, nil
		},
		Log: zap.NewNop(),
		Now: env.clock.Now,
		Settings: Settings{
			DefaultTimezone: "UTC",
			ProviderRetry: retry.Config{
				MaxAttempts:     3,
				BaseDelay:       10 * time.Millisecond,
				MaxDelay:        50 * time.Millisecond,
				ExponentialBase: 2,
				Kind:            apperr.KindAIProvider,
			},
			ProviderTimeout: 5 * time.Second,
			JobMaxRetries:   3,
		},
	}
	for _, m := range mutate {
		m(&d)
	}
	env.svc = NewServices(d)
	return env
}

func (e *testEnv) addProvider(t *testing.T, name string, priority int) *model.ProviderConfig {
	t.Helper()
	p, err := e.svc.Providers.Create(context.Background(), testUser, CreateProviderInput{
		Name:         name,
		Kind:         model.ProviderOpenAI,
		APIKey:       "sk-test",
		DefaultModel: "gpt-3.5-turbo",
		Priority:     priority,
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) addMeasurement(t *testing.T, metric string, value float64, at time.Time) *model.HealthMeasurement {
	t.Helper()
	m := &model.HealthMeasurement{
		UserID:     testUser,
		Metric:     metric,
		Value:      value,
		Unit:       "mmHg",
		RecordedAt: at,
		CreatedAt:  at,
	}
	require.NoError(t, e.store.CreateMeasurement(context.Background(), m))
	return m
}

// subscribe routes event to a new webhook channel of the test user
func (e *testEnv) subscribe(t *testing.T, event model.EventKind, mutate ...func(*CreatePreferenceInput)) *model.NotificationChannel {
	t.Helper()
	ctx := context.Background()
	c, err := e.svc.Notifications.CreateChannel(ctx, testUser, CreateChannelInput{
		Name: "hook " + string(event),
		Kind: model.ChannelWebhook,
		URL:  "https://hooks.example.com/" + string(event),
	})
	require.NoError(t, err)

	in := CreatePreferenceInput{ChannelID: c.ID, Event: event}
	for _, m := range mutate {
		m(&in)
	}
	_, err = e.svc.Notifications.CreatePreference(ctx, testUser, in)
	require.NoError(t, err)
	return c
}

func (e *testEnv) history(t *testing.T) []*model.NotificationHistory {
	t.Helper()
	h, err := e.store.ListHistory(context.Background(), testUser, 100, 0)
	require.NoError(t, err)
	return h
}

func boolPtr(b bool) *bool { return &b }

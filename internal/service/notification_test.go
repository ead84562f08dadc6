package service

import (
	"context"
	"testing"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/model"
	"healthai/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedPayload() map[string]interface{} {
	return map[string]interface{}{
		"analysis_id":   int64(42),
		"analysis_type": "trends",
		"model":         "gpt-4o",
		"summary":       "Short summary",
		"response":      "Full response text",
		"source":        "user",
	}
}

func notifyCompleted(t *testing.T, env *testEnv, priority model.Priority) {
	t.Helper()
	require.NoError(t, env.svc.Notifications.Notify(context.Background(), Notification{
		UserID:   testUser,
		Event:    model.EventAnalysisCompleted,
		Priority: priority,
		Payload:  completedPayload(),
	}))
}

func TestNotifyRendersDefaultTemplate(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, model.EventAnalysisCompleted)

	notifyCompleted(t, env, "")

	sent := env.dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, model.ChannelWebhook, sent[0].kind)
	assert.Equal(t, "https://hooks.example.com/analysis_completed", sent[0].target)
	assert.Equal(t, "Your trends analysis is ready", sent[0].msg.Subject)
	assert.Equal(t, "Your trends analysis (#42) has completed using gpt-4o.\n\nShort summary", sent[0].msg.Body)
	assert.Equal(t, model.PriorityNormal, sent[0].msg.Priority)
	assert.NotContains(t, sent[0].msg.Data, "response")
	assert.Equal(t, "analysis_completed", sent[0].msg.Data["event"])

	h := env.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, model.HistorySent, h[0].Status)
	assert.NotNil(t, h[0].SentAt)
}

func TestNotifyDetailsAndSummaryToggles(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, model.EventAnalysisCompleted, func(in *CreatePreferenceInput) {
		in.IncludeSummary = boolPtr(false)
		in.IncludeDetails = true
	})

	notifyCompleted(t, env, model.PriorityNormal)

	sent := env.dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.NotContains(t, sent[0].msg.Data, "summary")
	assert.Equal(t, "Full response text", sent[0].msg.Data["response"])
	assert.Contains(t, sent[0].msg.Body, "Full response text")
}

func TestNotifyGates(t *testing.T) {
	tests := []struct {
		name     string
		now      time.Time
		pref     func(*CreatePreferenceInput)
		priority model.Priority
		sent     bool
	}{
		{
			name:     "below minimum priority",
			pref:     func(in *CreatePreferenceInput) { in.MinPriority = model.PriorityHigh },
			priority: model.PriorityNormal,
		},
		{
			name:     "at minimum priority",
			pref:     func(in *CreatePreferenceInput) { in.MinPriority = model.PriorityHigh },
			priority: model.PriorityHigh,
			sent:     true,
		},
		{
			name:     "quiet hours",
			pref:     func(in *CreatePreferenceInput) { in.QuietStart, in.QuietEnd = "11:00", "13:00" },
			priority: model.PriorityHigh,
		},
		{
			name:     "urgent bypasses quiet hours",
			pref:     func(in *CreatePreferenceInput) { in.QuietStart, in.QuietEnd = "11:00", "13:00" },
			priority: model.PriorityUrgent,
			sent:     true,
		},
		{
			name:     "quiet hours wrap midnight",
			now:      utc(2024, 3, 4, 23, 30, 0),
			pref:     func(in *CreatePreferenceInput) { in.QuietStart, in.QuietEnd = "22:00", "07:00" },
			priority: model.PriorityNormal,
		},
		{
			name: "quiet hours in the preference timezone",
			pref: func(in *CreatePreferenceInput) {
				// 12:00 UTC is 07:00 in New York
				in.QuietStart, in.QuietEnd, in.QuietTimezone = "22:00", "06:30", "America/New_York"
			},
			priority: model.PriorityNormal,
			sent:     true,
		},
		{
			name:     "filter matches",
			pref:     func(in *CreatePreferenceInput) { in.Filters = map[string]interface{}{"analysis_type": "trends"} },
			priority: model.PriorityNormal,
			sent:     true,
		},
		{
			name:     "filter list matches",
			pref:     func(in *CreatePreferenceInput) { in.Filters = map[string]interface{}{"analysis_type": []interface{}{"insights", "trends"}} },
			priority: model.PriorityNormal,
			sent:     true,
		},
		{
			name:     "filter rejects",
			pref:     func(in *CreatePreferenceInput) { in.Filters = map[string]interface{}{"source": "schedule"} },
			priority: model.PriorityNormal,
		},
		{
			name:     "disabled preference",
			pref:     func(in *CreatePreferenceInput) { in.Enabled = boolPtr(false) },
			priority: model.PriorityUrgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if !tt.now.IsZero() {
				env.clock.Set(tt.now)
			}
			env.subscribe(t, model.EventAnalysisCompleted, tt.pref)

			notifyCompleted(t, env, tt.priority)

			if tt.sent {
				assert.Len(t, env.dispatcher.Sent(), 1)
			} else {
				assert.Empty(t, env.dispatcher.Sent())
				assert.Empty(t, env.history(t))
			}
		})
	}
}

func TestNotifyRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, model.EventAnalysisCompleted, func(in *CreatePreferenceInput) {
		in.MaxPerHour = 2
		in.MaxPerDay = 3
	})

	for i := 0; i < 3; i++ {
		notifyCompleted(t, env, model.PriorityNormal)
	}
	assert.Len(t, env.dispatcher.Sent(), 2)

	env.clock.Advance(time.Hour)
	notifyCompleted(t, env, model.PriorityNormal)
	notifyCompleted(t, env, model.PriorityNormal)
	assert.Len(t, env.dispatcher.Sent(), 3)

	env.clock.Advance(24 * time.Hour)
	notifyCompleted(t, env, model.PriorityNormal)
	assert.Len(t, env.dispatcher.Sent(), 4)
}

func TestDisabledChannelKeepsQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.subscribe(t, model.EventAnalysisCompleted, func(in *CreatePreferenceInput) {
		in.MaxPerHour = 1
	})

	_, err := env.svc.Notifications.UpdateChannel(ctx, testUser, c.ID, UpdateChannelInput{Enabled: boolPtr(false)})
	require.NoError(t, err)
	notifyCompleted(t, env, model.PriorityNormal)
	notifyCompleted(t, env, model.PriorityNormal)
	assert.Empty(t, env.dispatcher.Sent())

	_, err = env.svc.Notifications.UpdateChannel(ctx, testUser, c.ID, UpdateChannelInput{Enabled: boolPtr(true)})
	require.NoError(t, err)
	notifyCompleted(t, env, model.PriorityNormal)
	assert.Len(t, env.dispatcher.Sent(), 1)
}

func TestNotifyStoredTemplateOverridesDefault(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, model.EventAnalysisCompleted)
	env.store.PutTemplate(&model.NotificationTemplate{
		ID:          "t1",
		Event:       model.EventAnalysisCompleted,
		ChannelKind: model.ChannelWebhook,
		Subject:     "[{{.event}}] {{.analysis_type}}",
		Body:        "{{.not_there}}Summary: {{.summary}}",
	})

	notifyCompleted(t, env, model.PriorityNormal)

	sent := env.dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "[analysis_completed] trends", sent[0].msg.Subject)
	assert.Equal(t, "Summary: Short summary", sent[0].msg.Body)
}

func TestNotifyBrokenTemplateFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, model.EventAnalysisCompleted)
	env.store.PutTemplate(&model.NotificationTemplate{
		Event:       model.EventAnalysisCompleted,
		ChannelKind: model.ChannelWebhook,
		Subject:     "{{.analysis_type",
		Body:        "{{if}}",
	})

	notifyCompleted(t, env, model.PriorityNormal)

	sent := env.dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Your trends analysis is ready", sent[0].msg.Subject)
	assert.Contains(t, sent[0].msg.Body, "#42")
}

func TestNotifyDeliveryFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.err = &notify.DeliveryError{Channel: model.ChannelWebhook, Status: 404, Permanent: true}
	env.subscribe(t, model.EventAnalysisCompleted)

	notifyCompleted(t, env, model.PriorityNormal)

	h := env.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, model.HistoryFailed, h[0].Status)
	require.NotNil(t, h[0].Error)
	assert.Contains(t, *h[0].Error, "HTTP 404")
	assert.Nil(t, h[0].SentAt)
}

func TestNotifyWithoutDispatcher(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Dispatcher = nil })
	env.subscribe(t, model.EventAnalysisCompleted)

	notifyCompleted(t, env, model.PriorityNormal)

	h := env.history(t)
	require.Len(t, h, 1)
	assert.Equal(t, model.HistoryFailed, h[0].Status)
	assert.Contains(t, *h[0].Error, "not configured")
}

func TestChannelLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := env.svc.Notifications

	_, err := svc.CreateChannel(ctx, testUser, CreateChannelInput{Name: "mail", Kind: model.ChannelEmail, URL: "https://example.com"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.CreateChannel(ctx, testUser, CreateChannelInput{Name: "pager", Kind: "pager", URL: "https://example.com"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	c, err := svc.CreateChannel(ctx, testUser, CreateChannelInput{Name: "mail", Kind: model.ChannelEmail, URL: "mailto:me@example.com"})
	require.NoError(t, err)
	assert.NotContains(t, c.EncryptedURL, "me@example.com")
	assert.Equal(t, "mailto:me@example.com", env.vault.Decrypt(c.EncryptedURL))
	assert.False(t, c.Verified)

	tested, err := svc.TestChannel(ctx, testUser, c.ID)
	require.NoError(t, err)
	assert.True(t, tested.Verified)
	require.NotNil(t, tested.LastTestOK)
	assert.True(t, *tested.LastTestOK)
	sent := env.dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "mailto:me@example.com", sent[0].target)
	assert.Equal(t, model.EventSystem, sent[0].msg.Event)

	newURL := "mailto:other@example.com"
	updated, err := svc.UpdateChannel(ctx, testUser, c.ID, UpdateChannelInput{URL: &newURL})
	require.NoError(t, err)
	assert.False(t, updated.Verified)

	env.dispatcher.err = &notify.DeliveryError{Channel: model.ChannelEmail, Err: assert.AnError, Permanent: true}
	failed, err := svc.TestChannel(ctx, testUser, c.ID)
	require.NoError(t, err)
	assert.False(t, *failed.LastTestOK)
	require.NotNil(t, failed.LastTestError)

	_, err = svc.GetChannel(ctx, "intruder", c.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	require.NoError(t, svc.DeleteChannel(ctx, testUser, c.ID))
	_, err = svc.GetChannel(ctx, testUser, c.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPreferenceValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := env.svc.Notifications
	c := env.subscribe(t, model.EventSystem)

	_, err := svc.CreatePreference(ctx, testUser, CreatePreferenceInput{ChannelID: c.ID, Event: "birthday"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.CreatePreference(ctx, testUser, CreatePreferenceInput{ChannelID: c.ID, Event: model.EventHealthAlert, QuietStart: "9pm"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.CreatePreference(ctx, testUser, CreatePreferenceInput{ChannelID: c.ID, Event: model.EventHealthAlert, QuietTimezone: "Mars/Olympus"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.CreatePreference(ctx, "intruder", CreatePreferenceInput{ChannelID: c.ID, Event: model.EventHealthAlert})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	p, err := svc.CreatePreference(ctx, testUser, CreatePreferenceInput{ChannelID: c.ID, Event: model.EventHealthAlert})
	require.NoError(t, err)
	assert.Equal(t, model.PriorityLow, p.MinPriority)
	assert.True(t, p.IncludeSummary)
	assert.True(t, p.Enabled)

	urgent := model.PriorityUrgent
	updated, err := svc.UpdatePreference(ctx, testUser, p.ID, UpdatePreferenceInput{MinPriority: &urgent})
	require.NoError(t, err)
	assert.Equal(t, model.PriorityUrgent, updated.MinPriority)

	bogus := model.Priority("critical")
	_, err = svc.UpdatePreference(ctx, testUser, p.ID, UpdatePreferenceInput{MinPriority: &bogus})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	prefs, err := svc.ListPreferences(ctx, testUser)
	require.NoError(t, err)
	assert.Len(t, prefs, 2)
	require.NoError(t, svc.DeletePreference(ctx, testUser, p.ID))
}

func TestSendOneOff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.subscribe(t, model.EventSystem)

	h, err := env.svc.Notifications.Send(ctx, testUser, SendInput{ChannelID: c.ID, Subject: "Hello", Body: "World"})
	require.NoError(t, err)
	assert.Equal(t, model.HistorySent, h.Status)
	assert.Equal(t, model.EventSystem, h.Event)
	assert.Equal(t, model.PriorityNormal, h.Priority)

	env.dispatcher.err = &notify.DeliveryError{Channel: model.ChannelWebhook, Status: 410, Permanent: true}
	h, err = env.svc.Notifications.Send(ctx, testUser, SendInput{ChannelID: c.ID, Subject: "Hello", Body: "again"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindExternalService))
	require.NotNil(t, h)
	assert.Equal(t, model.HistoryFailed, h.Status)

	history, err := env.svc.Notifications.ListHistory(ctx, testUser, 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

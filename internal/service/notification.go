package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/model"
	"healthai/internal/notify"
	"healthai/internal/retry"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

type defaultTemplate struct {
	subject string
	body    string
}

var defaultTemplates = map[model.EventKind]defaultTemplate{
	model.EventAnalysisCompleted: {
		subject: "Your {{.analysis_type}} analysis is ready",
		body: "Your {{.analysis_type}} analysis (#{{.analysis_id}}) has completed" +
			"{{if .model}} using {{.model}}{{end}}." +
			"{{if .response}}\n\n{{.response}}{{else if .summary}}\n\n{{.summary}}{{end}}",
	},
	model.EventAnalysisFailed: {
		subject: "Your {{.analysis_type}} analysis failed",
		body:    "Analysis #{{.analysis_id}} could not be completed.{{if .error}}\n\nReason: {{.error}}{{end}}",
	},
	model.EventScheduleCompleted: {
		subject: "Scheduled analysis \"{{.schedule_name}}\" ran",
		body:    "{{.success_count}} analyses were started and {{.failure_count}} failed to start.",
	},
	model.EventScheduleFailed: {
		subject: "Scheduled analysis \"{{.schedule_name}}\" failed",
		body:    "No analysis could be started.{{if .error}}\n\n{{.error}}{{end}}",
	},
	model.EventWorkflowCompleted: {
		subject: "Workflow \"{{.workflow_name}}\" completed",
		body:    "The workflow created {{.created_analyses}} follow-up analyses.",
	},
	model.EventWorkflowFailed: {
		subject: "Workflow \"{{.workflow_name}}\" failed",
		body:    "The workflow stopped.{{if .error}}\n\n{{.error}}{{end}}",
	},
}

const genericSubject = "Health AI: {{.event}}"

const genericBody = "{{if .message}}{{.message}}{{else}}You have a new {{.event}} notification.{{end}}"

// NotificationService routes events to user channels under their preferences
type NotificationService struct {
	d         Deps
	templates *expirable.LRU[string, *template.Template]
}

func NewNotificationService(d Deps) *NotificationService {
	d.defaults()
	return &NotificationService{
		d:         d,
		templates: expirable.NewLRU[string, *template.Template](256, nil, time.Hour),
	}
}

type CreateChannelInput struct {
	Name    string            `json:"name" validate:"required,max=100"`
	Kind    model.ChannelKind `json:"kind" validate:"required"`
	URL     string            `json:"url" validate:"required"`
	Enabled *bool             `json:"enabled,omitempty"`
}

type UpdateChannelInput struct {
	Name    *string `json:"name,omitempty"`
	URL     *string `json:"url,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

type CreatePreferenceInput struct {
	ChannelID      string                 `json:"channelId" validate:"required"`
	Event          model.EventKind        `json:"event" validate:"required"`
	Enabled        *bool                  `json:"enabled,omitempty"`
	MinPriority    model.Priority         `json:"minPriority,omitempty"`
	QuietStart     string                 `json:"quietStart,omitempty"`
	QuietEnd       string                 `json:"quietEnd,omitempty"`
	QuietTimezone  string                 `json:"quietTimezone,omitempty"`
	MaxPerHour     int                    `json:"maxPerHour,omitempty" validate:"gte=0"`
	MaxPerDay      int                    `json:"maxPerDay,omitempty" validate:"gte=0"`
	IncludeSummary *bool                  `json:"includeSummary,omitempty"`
	IncludeDetails bool                   `json:"includeDetails,omitempty"`
	Filters        map[string]interface{} `json:"filters,omitempty"`
}

type UpdatePreferenceInput struct {
	Enabled        *bool                  `json:"enabled,omitempty"`
	MinPriority    *model.Priority        `json:"minPriority,omitempty"`
	QuietStart     *string                `json:"quietStart,omitempty"`
	QuietEnd       *string                `json:"quietEnd,omitempty"`
	QuietTimezone  *string                `json:"quietTimezone,omitempty"`
	MaxPerHour     *int                   `json:"maxPerHour,omitempty"`
	MaxPerDay      *int                   `json:"maxPerDay,omitempty"`
	IncludeSummary *bool                  `json:"includeSummary,omitempty"`
	IncludeDetails *bool                  `json:"includeDetails,omitempty"`
	Filters        map[string]interface{} `json:"filters,omitempty"`
}

// SendInput is a one-off message to a single channel
type SendInput struct {
	ChannelID string         `json:"channelId" validate:"required"`
	Subject   string         `json:"subject" validate:"required,max=200"`
	Body      string         `json:"body" validate:"required,max=10000"`
	Priority  model.Priority `json:"priority,omitempty"`
}

// Notify fans n out to every enabled preference of the user for its event.
// Delivery failures are recorded in history and never returned.
func (s *NotificationService) Notify(ctx context.Context, n Notification) error {
	prefs, err := s.d.Store.PreferencesForEvent(ctx, n.UserID, n.Event)
	if err != nil {
		return fmt.Errorf("failed to load notification preferences: %w", err)
	}
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}

	now := s.d.Now()
	for _, pref := range prefs {
		if reason := gateReason(pref, n, now); reason != "" {
			s.d.Log.Debug("Notification suppressed",
				zap.String("user_id", n.UserID),
				zap.String("event", string(n.Event)),
				zap.String("channel_id", pref.ChannelID),
				zap.String("reason", reason),
			)
			continue
		}

		// only a real send attempt counts against the caps
		channel, err := s.d.Store.GetChannel(ctx, pref.ChannelID)
		if err != nil {
			s.d.Log.Warn("Notification channel unavailable", zap.String("channel_id", pref.ChannelID), zap.Error(err))
			continue
		}
		if !channel.Enabled {
			continue
		}

		allowed, err := s.d.Store.ReserveRateLimit(ctx, model.RateLimitKey{
			UserID:    n.UserID,
			ChannelID: pref.ChannelID,
			Event:     n.Event,
		}, now, pref.MaxPerHour, pref.MaxPerDay)
		if err != nil {
			s.d.Log.Warn("Failed to reserve notification rate limit", zap.String("channel_id", pref.ChannelID), zap.Error(err))
			continue
		}
		if !allowed {
			s.d.Log.Info("Notification rate limited",
				zap.String("user_id", n.UserID),
				zap.String("event", string(n.Event)),
				zap.String("channel_id", pref.ChannelID),
			)
			s.d.Metrics.Notification("", "rate_limited")
			continue
		}

		s.deliver(ctx, channel, pref, n)
	}
	return nil
}

// gateReason returns why pref suppresses n, or "" when n may be sent
func gateReason(pref *model.NotificationPreference, n Notification, now time.Time) string {
	if pref.MinPriority != "" && n.Priority.Rank() < pref.MinPriority.Rank() {
		return "below minimum priority"
	}
	if n.Priority != model.PriorityUrgent && inQuietHours(pref, now) {
		return "quiet hours"
	}
	if !matchFilters(pref.Filters, n.Payload) {
		return "filtered"
	}
	return ""
}

func clockMinutes(v string) (int, bool) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// inQuietHours reports whether now falls in the preference's quiet window.
// A window whose end precedes its start wraps past midnight.
func inQuietHours(pref *model.NotificationPreference, now time.Time) bool {
	start, ok1 := clockMinutes(pref.QuietStart)
	end, ok2 := clockMinutes(pref.QuietEnd)
	if !ok1 || !ok2 || start == end {
		return false
	}
	local := now.In(loadLocation(pref.QuietTimezone, "UTC"))
	cur := local.Hour()*60 + local.Minute()
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// matchFilters requires every filter key to be present in payload with an
// equal value, or one of the listed values
func matchFilters(filters, payload map[string]interface{}) bool {
	for key, want := range filters {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if list, isList := want.([]interface{}); isList {
			found := false
			for _, w := range list {
				if fmt.Sprint(w) == fmt.Sprint(got) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if fmt.Sprint(want) != fmt.Sprint(got) {
			return false
		}
	}
	return true
}

func (s *NotificationService) deliver(ctx context.Context, channel *model.NotificationChannel, pref *model.NotificationPreference, n Notification) {
	data := make(map[string]interface{}, len(n.Payload)+1)
	for k, v := range n.Payload {
		data[k] = v
	}
	data["event"] = string(n.Event)
	if !pref.IncludeDetails {
		delete(data, "response")
	}
	if !pref.IncludeSummary {
		delete(data, "summary")
	}

	subject, body := s.render(ctx, n.Event, channel.Kind, data)
	_, _ = s.record(ctx, channel, n, subject, body, data)
}

// record writes a pending history row, sends and settles the row
func (s *NotificationService) record(ctx context.Context, channel *model.NotificationChannel, n Notification, subject, body string, data map[string]interface{}) (*model.NotificationHistory, error) {
	hist := &model.NotificationHistory{
		ID:         uuid.NewString(),
		UserID:     n.UserID,
		ChannelID:  channel.ID,
		Event:      n.Event,
		Priority:   n.Priority,
		Subject:    subject,
		Body:       body,
		Status:     model.HistoryPending,
		AnalysisID: n.AnalysisID,
		ScheduleID: n.ScheduleID,
		WorkflowID: n.WorkflowID,
		CreatedAt:  s.d.Now(),
	}
	if err := s.d.Store.CreateHistory(ctx, hist); err != nil {
		s.d.Log.Warn("Failed to record notification", zap.String("channel_id", channel.ID), zap.Error(err))
		return nil, err
	}

	sendErr := s.send(ctx, channel, notify.Message{
		UserID:   n.UserID,
		Event:    n.Event,
		Priority: n.Priority,
		Subject:  subject,
		Body:     body,
		Data:     data,
	})

	if sendErr != nil {
		msg := sendErr.Error()
		hist.Status = model.HistoryFailed
		hist.Error = &msg
		s.d.Log.Warn("Notification delivery failed",
			zap.String("channel_id", channel.ID),
			zap.String("channel_kind", string(channel.Kind)),
			zap.String("event", string(n.Event)),
			zap.Error(sendErr),
		)
	} else {
		sent := s.d.Now()
		hist.Status = model.HistorySent
		hist.SentAt = &sent
	}
	s.d.Metrics.Notification(string(channel.Kind), string(hist.Status))

	if err := s.d.Store.UpdateHistory(ctx, hist); err != nil {
		s.d.Log.Warn("Failed to update notification history", zap.String("history_id", hist.ID), zap.Error(err))
	}
	return hist, sendErr
}

func (s *NotificationService) send(ctx context.Context, channel *model.NotificationChannel, msg notify.Message) error {
	if s.d.Dispatcher == nil {
		return apperr.Configuration("notifications_disabled", "notification delivery is not configured")
	}
	target := s.d.Vault.Decrypt(channel.EncryptedURL)
	if target == "" {
		return apperr.Configuration("channel_unusable", "channel address is missing or could not be decrypted")
	}
	return s.d.Retry.Do(ctx, retry.Options{
		Service: "notification_" + string(channel.Kind),
		Breaker: "notification",
		Config:  retry.NotificationConfig(),
	}, func(ctx context.Context) error {
		return s.d.Dispatcher.Send(ctx, channel.Kind, target, msg)
	})
}

// render produces subject and body from the stored template for the event
// and channel kind, falling back to the built-in text
func (s *NotificationService) render(ctx context.Context, event model.EventKind, kind model.ChannelKind, data map[string]interface{}) (string, string) {
	def, ok := defaultTemplates[event]
	if !ok {
		def = defaultTemplate{subject: genericSubject, body: genericBody}
	}

	subjectText, bodyText := def.subject, def.body
	tmpl, err := s.d.Store.GetTemplate(ctx, event, kind)
	if err == nil && tmpl != nil {
		subjectText, bodyText = tmpl.Subject, tmpl.Body
	}

	subject, err := s.execute(subjectText, data)
	if err != nil {
		subject, _ = s.execute(def.subject, data)
	}
	body, err := s.execute(bodyText, data)
	if err != nil {
		s.d.Log.Warn("Notification template failed, using default",
			zap.String("event", string(event)),
			zap.String("channel_kind", string(kind)),
			zap.Error(err),
		)
		body, _ = s.execute(def.body, data)
	}
	return subject, body
}

func (s *NotificationService) execute(text string, data map[string]interface{}) (string, error) {
	t, ok := s.templates.Get(text)
	if !ok {
		parsed, err := template.New("notification").Option("missingkey=zero").Parse(text)
		if err != nil {
			return "", err
		}
		s.templates.Add(text, parsed)
		t = parsed
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "<no value>", "")), nil
}

func (s *NotificationService) CreateChannel(ctx context.Context, userID string, in CreateChannelInput) (*model.NotificationChannel, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("name", "name is required")
	}
	if !in.Kind.Valid() {
		return nil, apperr.Validation("kind", fmt.Sprintf("unsupported channel kind %q", in.Kind))
	}
	if err := notify.ValidateTarget(in.Kind, in.URL); err != nil {
		return nil, apperr.Validation("url", err.Error())
	}
	encrypted, err := s.d.Vault.Encrypt(in.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt channel address: %w", err)
	}

	now := s.d.Now()
	c := &model.NotificationChannel{
		ID:           uuid.NewString(),
		UserID:       userID,
		Name:         in.Name,
		Kind:         in.Kind,
		EncryptedURL: encrypted,
		Enabled:      in.Enabled == nil || *in.Enabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.d.Store.CreateChannel(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return c, nil
}

// GetChannel returns the channel if userID owns it
func (s *NotificationService) GetChannel(ctx context.Context, userID, id string) (*model.NotificationChannel, error) {
	c, err := s.d.Store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, apperr.NotFound("channel", id)
	}
	return c, nil
}

func (s *NotificationService) ListChannels(ctx context.Context, userID string) ([]*model.NotificationChannel, error) {
	return s.d.Store.ListChannels(ctx, userID)
}

func (s *NotificationService) UpdateChannel(ctx context.Context, userID, id string, in UpdateChannelInput) (*model.NotificationChannel, error) {
	c, err := s.GetChannel(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.Validation("name", "name is required")
		}
		c.Name = *in.Name
	}
	if in.URL != nil {
		if err := notify.ValidateTarget(c.Kind, *in.URL); err != nil {
			return nil, apperr.Validation("url", err.Error())
		}
		encrypted, err := s.d.Vault.Encrypt(*in.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt channel address: %w", err)
		}
		c.EncryptedURL = encrypted
		c.Verified = false
	}
	if in.Enabled != nil {
		c.Enabled = *in.Enabled
	}
	c.UpdatedAt = s.d.Now()
	if err := s.d.Store.UpdateChannel(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update channel: %w", err)
	}
	return c, nil
}

func (s *NotificationService) DeleteChannel(ctx context.Context, userID, id string) error {
	if _, err := s.GetChannel(ctx, userID, id); err != nil {
		return err
	}
	return s.d.Store.DeleteChannel(ctx, id)
}

// TestChannel sends a test message and records the outcome on the channel
func (s *NotificationService) TestChannel(ctx context.Context, userID, id string) (*model.NotificationChannel, error) {
	c, err := s.GetChannel(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	sendErr := s.send(ctx, c, notify.Message{
		UserID:   userID,
		Event:    model.EventSystem,
		Priority: model.PriorityNormal,
		Subject:  "Health AI test notification",
		Body:     "This channel is configured correctly.",
	})

	now := s.d.Now()
	ok := sendErr == nil
	c.LastTestAt = &now
	c.LastTestOK = &ok
	c.LastTestError = nil
	if sendErr != nil {
		msg := sendErr.Error()
		c.LastTestError = &msg
	} else {
		c.Verified = true
	}
	c.UpdatedAt = now
	if err := s.d.Store.UpdateChannel(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update channel: %w", err)
	}
	return c, nil
}

func validQuietTime(field, v string) error {
	if v == "" {
		return nil
	}
	if _, ok := clockMinutes(v); !ok {
		return apperr.Validation(field, "time must be HH:MM")
	}
	return nil
}

func validatePreference(p *model.NotificationPreference) error {
	if !p.Event.Valid() {
		return apperr.Validation("event", fmt.Sprintf("unsupported event %q", p.Event))
	}
	switch p.MinPriority {
	case "", model.PriorityLow, model.PriorityNormal, model.PriorityHigh, model.PriorityUrgent:
	default:
		return apperr.Validation("minPriority", fmt.Sprintf("unsupported priority %q", p.MinPriority))
	}
	if err := validQuietTime("quietStart", p.QuietStart); err != nil {
		return err
	}
	if err := validQuietTime("quietEnd", p.QuietEnd); err != nil {
		return err
	}
	if p.QuietTimezone != "" {
		if _, err := time.LoadLocation(p.QuietTimezone); err != nil {
			return apperr.Validation("quietTimezone", "unknown timezone")
		}
	}
	if p.MaxPerHour < 0 || p.MaxPerDay < 0 {
		return apperr.Validation("maxPerHour", "rate limits cannot be negative")
	}
	return nil
}

func (s *NotificationService) CreatePreference(ctx context.Context, userID string, in CreatePreferenceInput) (*model.NotificationPreference, error) {
	if _, err := s.GetChannel(ctx, userID, in.ChannelID); err != nil {
		return nil, err
	}
	now := s.d.Now()
	p := &model.NotificationPreference{
		ID:             uuid.NewString(),
		UserID:         userID,
		ChannelID:      in.ChannelID,
		Event:          in.Event,
		Enabled:        in.Enabled == nil || *in.Enabled,
		MinPriority:    in.MinPriority,
		QuietStart:     in.QuietStart,
		QuietEnd:       in.QuietEnd,
		QuietTimezone:  in.QuietTimezone,
		MaxPerHour:     in.MaxPerHour,
		MaxPerDay:      in.MaxPerDay,
		IncludeSummary: in.IncludeSummary == nil || *in.IncludeSummary,
		IncludeDetails: in.IncludeDetails,
		Filters:        in.Filters,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.MinPriority == "" {
		p.MinPriority = model.PriorityLow
	}
	if err := validatePreference(p); err != nil {
		return nil, err
	}
	if err := s.d.Store.CreatePreference(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create preference: %w", err)
	}
	return p, nil
}

// GetPreference returns the preference if userID owns it
func (s *NotificationService) GetPreference(ctx context.Context, userID, id string) (*model.NotificationPreference, error) {
	p, err := s.d.Store.GetPreference(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, apperr.NotFound("preference", id)
	}
	return p, nil
}

func (s *NotificationService) ListPreferences(ctx context.Context, userID string) ([]*model.NotificationPreference, error) {
	return s.d.Store.ListPreferences(ctx, userID)
}

func (s *NotificationService) UpdatePreference(ctx context.Context, userID, id string, in UpdatePreferenceInput) (*model.NotificationPreference, error) {
	p, err := s.GetPreference(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if in.Enabled != nil {
		p.Enabled = *in.Enabled
	}
	if in.MinPriority != nil {
		p.MinPriority = *in.MinPriority
	}
	if in.QuietStart != nil {
		p.QuietStart = *in.QuietStart
	}
	if in.QuietEnd != nil {
		p.QuietEnd = *in.QuietEnd
	}
	if in.QuietTimezone != nil {
		p.QuietTimezone = *in.QuietTimezone
	}
	if in.MaxPerHour != nil {
		p.MaxPerHour = *in.MaxPerHour
	}
	if in.MaxPerDay != nil {
		p.MaxPerDay = *in.MaxPerDay
	}
	if in.IncludeSummary != nil {
		p.IncludeSummary = *in.IncludeSummary
	}
	if in.IncludeDetails != nil {
		p.IncludeDetails = *in.IncludeDetails
	}
	if in.Filters != nil {
		p.Filters = in.Filters
	}
	if err := validatePreference(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = s.d.Now()
	if err := s.d.Store.UpdatePreference(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update preference: %w", err)
	}
	return p, nil
}

func (s *NotificationService) DeletePreference(ctx context.Context, userID, id string) error {
	if _, err := s.GetPreference(ctx, userID, id); err != nil {
		return err
	}
	return s.d.Store.DeletePreference(ctx, id)
}

// Send delivers a one-off message to a channel of the user, bypassing
// preferences, and returns the history row.
func (s *NotificationService) Send(ctx context.Context, userID string, in SendInput) (*model.NotificationHistory, error) {
	c, err := s.GetChannel(ctx, userID, in.ChannelID)
	if err != nil {
		return nil, err
	}
	if !c.Enabled {
		return nil, apperr.Validation("channelId", "channel is disabled")
	}
	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	}

	n := Notification{UserID: userID, Event: model.EventSystem, Priority: in.Priority}
	hist, sendErr := s.record(ctx, c, n, in.Subject, in.Body, map[string]interface{}{"message": in.Body})
	if hist == nil {
		return nil, fmt.Errorf("failed to record notification: %w", sendErr)
	}
	if sendErr != nil {
		if _, ok := apperr.As(sendErr); !ok {
			sendErr = apperr.Failure(apperr.KindExternalService, "notification_"+string(c.Kind), 1, false, sendErr)
		}
		return hist, sendErr
	}
	return hist, nil
}

func (s *NotificationService) ListHistory(ctx context.Context, userID string, limit, offset int) ([]*model.NotificationHistory, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.d.Store.ListHistory(ctx, userID, limit, offset)
}

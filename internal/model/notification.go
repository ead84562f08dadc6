package model

import "time"

// ChannelKind is a delivery transport
type ChannelKind string

const (
	ChannelEmail    ChannelKind = "email"
	ChannelSlack    ChannelKind = "slack"
	ChannelDiscord  ChannelKind = "discord"
	ChannelTeams    ChannelKind = "teams"
	ChannelTelegram ChannelKind = "telegram"
	ChannelSMS      ChannelKind = "sms"
	ChannelPush     ChannelKind = "push"
	ChannelWebhook  ChannelKind = "webhook"
)

func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelEmail, ChannelSlack, ChannelDiscord, ChannelTeams, ChannelTelegram,
		ChannelSMS, ChannelPush, ChannelWebhook:
		return true
	}
	return false
}

// EventKind is what a notification is about
type EventKind string

const (
	EventAnalysisCompleted EventKind = "analysis_completed"
	EventAnalysisFailed    EventKind = "analysis_failed"
	EventScheduleCompleted EventKind = "schedule_completed"
	EventScheduleFailed    EventKind = "schedule_failed"
	EventWorkflowCompleted EventKind = "workflow_completed"
	EventWorkflowFailed    EventKind = "workflow_failed"
	EventHealthAlert       EventKind = "health_alert"
	EventSystem            EventKind = "system"
)

func (e EventKind) Valid() bool {
	switch e {
	case EventAnalysisCompleted, EventAnalysisFailed, EventScheduleCompleted, EventScheduleFailed,
		EventWorkflowCompleted, EventWorkflowFailed, EventHealthAlert, EventSystem:
		return true
	}
	return false
}

// Priority of a notification
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; unknown values rank as normal
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// NotificationChannel is a user-owned delivery endpoint
type NotificationChannel struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	Name          string      `json:"name"`
	Kind          ChannelKind `json:"kind"`
	EncryptedURL  string      `json:"-"`
	Enabled       bool        `json:"enabled"`
	Verified      bool        `json:"verified"`
	LastTestAt    *time.Time  `json:"lastTestAt,omitempty"`
	LastTestOK    *bool       `json:"lastTestOk,omitempty"`
	LastTestError *string     `json:"lastTestError,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// NotificationPreference routes one event kind to one channel.
// Zero caps mean unlimited.
type NotificationPreference struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"userId"`
	ChannelID      string                 `json:"channelId"`
	Event          EventKind              `json:"event"`
	Enabled        bool                   `json:"enabled"`
	MinPriority    Priority               `json:"minPriority"`
	QuietStart     string                 `json:"quietStart,omitempty"`
	QuietEnd       string                 `json:"quietEnd,omitempty"`
	QuietTimezone  string                 `json:"quietTimezone,omitempty"`
	MaxPerHour     int                    `json:"maxPerHour"`
	MaxPerDay      int                    `json:"maxPerDay"`
	IncludeSummary bool                   `json:"includeSummary"`
	IncludeDetails bool                   `json:"includeDetails"`
	Filters        map[string]interface{} `json:"filters,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// NotificationTemplate renders one event for one channel kind
type NotificationTemplate struct {
	ID          string      `json:"id"`
	Event       EventKind   `json:"event"`
	ChannelKind ChannelKind `json:"channelKind"`
	Subject     string      `json:"subject"`
	Body        string      `json:"body"`
}

// HistoryStatus of a delivery attempt
type HistoryStatus string

const (
	HistoryPending HistoryStatus = "pending"
	HistorySent    HistoryStatus = "sent"
	HistoryFailed  HistoryStatus = "failed"
)

// NotificationHistory is the append-only record of a delivery attempt
type NotificationHistory struct {
	ID         string        `json:"id"`
	UserID     string        `json:"userId"`
	ChannelID  string        `json:"channelId"`
	Event      EventKind     `json:"event"`
	Priority   Priority      `json:"priority"`
	Subject    string        `json:"subject"`
	Body       string        `json:"body"`
	Status     HistoryStatus `json:"status"`
	Error      *string       `json:"error,omitempty"`
	AnalysisID *int64        `json:"analysisId,omitempty"`
	ScheduleID *string       `json:"scheduleId,omitempty"`
	WorkflowID *string       `json:"workflowId,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	SentAt     *time.Time    `json:"sentAt,omitempty"`
}

// RateLimitKey identifies a rate-limit counter row
type RateLimitKey struct {
	UserID    string
	ChannelID string
	Event     EventKind
}

// NotificationRateLimit holds hour and day counters aligned to wall-clock windows
type NotificationRateLimit struct {
	RateLimitKey
	HourWindowStart time.Time
	HourCount       int
	DayWindowStart  time.Time
	DayCount        int
}

// Roll resets stale windows so that counters refer to the hour and day containing now
func (r *NotificationRateLimit) Roll(now time.Time) {
	now = now.UTC()
	hour := now.Truncate(time.Hour)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !r.HourWindowStart.Equal(hour) {
		r.HourWindowStart = hour
		r.HourCount = 0
	}
	if !r.DayWindowStart.Equal(day) {
		r.DayWindowStart = day
		r.DayCount = 0
	}
}

// Reserve rolls the windows and counts one send if both caps allow it
func (r *NotificationRateLimit) Reserve(now time.Time, maxPerHour, maxPerDay int) bool {
	r.Roll(now)
	if maxPerHour > 0 && r.HourCount >= maxPerHour {
		return false
	}
	if maxPerDay > 0 && r.DayCount >= maxPerDay {
		return false
	}
	r.HourCount++
	r.DayCount++
	return true
}

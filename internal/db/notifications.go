package db

import (
	"context"
	"time"

	"healthai/internal/model"

	"github.com/jackc/pgx/v5"
)

// Channels

const channelColumns = `id, user_id, name, kind, encrypted_url, enabled, verified, last_test_at, last_test_ok,
	last_test_error, created_at, updated_at`

func scanChannel(row pgx.Row) (*model.NotificationChannel, error) {
	var c model.NotificationChannel
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Kind, &c.EncryptedURL, &c.Enabled, &c.Verified,
		&c.LastTestAt, &c.LastTestOK, &c.LastTestError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *Queries) CreateChannel(ctx context.Context, c *model.NotificationChannel) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO notification_channels (`+channelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.UserID, c.Name, c.Kind, c.EncryptedURL, c.Enabled, c.Verified,
		c.LastTestAt, c.LastTestOK, c.LastTestError, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (q *Queries) GetChannel(ctx context.Context, id string) (*model.NotificationChannel, error) {
	c, err := scanChannel(q.Pool.QueryRow(ctx, "SELECT "+channelColumns+" FROM notification_channels WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "channel", id)
	}
	return c, nil
}

func (q *Queries) ListChannels(ctx context.Context, userID string) ([]*model.NotificationChannel, error) {
	rows, err := q.Pool.Query(ctx,
		"SELECT "+channelColumns+" FROM notification_channels WHERE user_id = $1 ORDER BY created_at",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.NotificationChannel{}
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateChannel(ctx context.Context, c *model.NotificationChannel) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE notification_channels SET name = $2, kind = $3, encrypted_url = $4, enabled = $5, verified = $6,
			last_test_at = $7, last_test_ok = $8, last_test_error = $9, updated_at = $10
		WHERE id = $1`,
		c.ID, c.Name, c.Kind, c.EncryptedURL, c.Enabled, c.Verified,
		c.LastTestAt, c.LastTestOK, c.LastTestError, c.UpdatedAt,
	)
	return requireRow(tag, err, "channel", c.ID)
}

// DeleteChannel removes the channel and, by cascade, its preferences
func (q *Queries) DeleteChannel(ctx context.Context, id string) error {
	tag, err := q.Pool.Exec(ctx, "DELETE FROM notification_channels WHERE id = $1", id)
	return requireRow(tag, err, "channel", id)
}

// Preferences

const preferenceColumns = `id, user_id, channel_id, event, enabled, min_priority, quiet_start, quiet_end,
	quiet_timezone, max_per_hour, max_per_day, include_summary, include_details, filters, created_at, updated_at`

func scanPreference(row pgx.Row) (*model.NotificationPreference, error) {
	var p model.NotificationPreference
	err := row.Scan(&p.ID, &p.UserID, &p.ChannelID, &p.Event, &p.Enabled, &p.MinPriority, &p.QuietStart, &p.QuietEnd,
		&p.QuietTimezone, &p.MaxPerHour, &p.MaxPerDay, &p.IncludeSummary, &p.IncludeDetails, &p.Filters,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPreferences(rows pgx.Rows, err error) ([]*model.NotificationPreference, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*model.NotificationPreference{}
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *Queries) CreatePreference(ctx context.Context, p *model.NotificationPreference) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO notification_preferences (`+preferenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.UserID, p.ChannelID, p.Event, p.Enabled, p.MinPriority, p.QuietStart, p.QuietEnd,
		p.QuietTimezone, p.MaxPerHour, p.MaxPerDay, p.IncludeSummary, p.IncludeDetails, p.Filters,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (q *Queries) GetPreference(ctx context.Context, id string) (*model.NotificationPreference, error) {
	p, err := scanPreference(q.Pool.QueryRow(ctx,
		"SELECT "+preferenceColumns+" FROM notification_preferences WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "preference", id)
	}
	return p, nil
}

func (q *Queries) ListPreferences(ctx context.Context, userID string) ([]*model.NotificationPreference, error) {
	return collectPreferences(q.Pool.Query(ctx,
		"SELECT "+preferenceColumns+" FROM notification_preferences WHERE user_id = $1 ORDER BY created_at",
		userID,
	))
}

func (q *Queries) UpdatePreference(ctx context.Context, p *model.NotificationPreference) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE notification_preferences SET channel_id = $2, event = $3, enabled = $4, min_priority = $5,
			quiet_start = $6, quiet_end = $7, quiet_timezone = $8, max_per_hour = $9, max_per_day = $10,
			include_summary = $11, include_details = $12, filters = $13, updated_at = $14
		WHERE id = $1`,
		p.ID, p.ChannelID, p.Event, p.Enabled, p.MinPriority,
		p.QuietStart, p.QuietEnd, p.QuietTimezone, p.MaxPerHour, p.MaxPerDay,
		p.IncludeSummary, p.IncludeDetails, p.Filters, p.UpdatedAt,
	)
	return requireRow(tag, err, "preference", p.ID)
}

func (q *Queries) DeletePreference(ctx context.Context, id string) error {
	tag, err := q.Pool.Exec(ctx, "DELETE FROM notification_preferences WHERE id = $1", id)
	return requireRow(tag, err, "preference", id)
}

func (q *Queries) PreferencesForEvent(ctx context.Context, userID string, event model.EventKind) ([]*model.NotificationPreference, error) {
	return collectPreferences(q.Pool.Query(ctx,
		`SELECT `+preferenceColumns+` FROM notification_preferences
		WHERE user_id = $1 AND event = $2 AND enabled ORDER BY created_at`,
		userID, event,
	))
}

// Templates

func (q *Queries) GetTemplate(ctx context.Context, event model.EventKind, kind model.ChannelKind) (*model.NotificationTemplate, error) {
	var t model.NotificationTemplate
	err := q.Pool.QueryRow(ctx,
		"SELECT id, event, channel_kind, subject, body FROM notification_templates WHERE event = $1 AND channel_kind = $2",
		event, kind,
	).Scan(&t.ID, &t.Event, &t.ChannelKind, &t.Subject, &t.Body)
	if err != nil {
		return nil, notFound(err, "template", string(event)+"/"+string(kind))
	}
	return &t, nil
}

// PutTemplate inserts or replaces the template for its event and channel kind
func (q *Queries) PutTemplate(ctx context.Context, t *model.NotificationTemplate) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO notification_templates (id, event, channel_kind, subject, body) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event, channel_kind) DO UPDATE SET subject = EXCLUDED.subject, body = EXCLUDED.body`,
		t.ID, t.Event, t.ChannelKind, t.Subject, t.Body,
	)
	return err
}

// History

const historyColumns = `id, user_id, channel_id, event, priority, subject, body, status, error,
	analysis_id, schedule_id, workflow_id, created_at, sent_at`

func (q *Queries) CreateHistory(ctx context.Context, h *model.NotificationHistory) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO notification_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		h.ID, h.UserID, h.ChannelID, h.Event, h.Priority, h.Subject, h.Body, h.Status, h.Error,
		h.AnalysisID, h.ScheduleID, h.WorkflowID, h.CreatedAt, h.SentAt,
	)
	return err
}

func (q *Queries) UpdateHistory(ctx context.Context, h *model.NotificationHistory) error {
	tag, err := q.Pool.Exec(ctx,
		"UPDATE notification_history SET status = $2, error = $3, sent_at = $4 WHERE id = $1",
		h.ID, h.Status, h.Error, h.SentAt,
	)
	return requireRow(tag, err, "notification", h.ID)
}

func (q *Queries) ListHistory(ctx context.Context, userID string, limit, offset int) ([]*model.NotificationHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.Pool.Query(ctx,
		`SELECT `+historyColumns+` FROM notification_history
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.NotificationHistory{}
	for rows.Next() {
		var h model.NotificationHistory
		err := rows.Scan(&h.ID, &h.UserID, &h.ChannelID, &h.Event, &h.Priority, &h.Subject, &h.Body, &h.Status,
			&h.Error, &h.AnalysisID, &h.ScheduleID, &h.WorkflowID, &h.CreatedAt, &h.SentAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// Rate limits

// ReserveRateLimit rolls and bumps the counter row under a row lock
func (q *Queries) ReserveRateLimit(ctx context.Context, key model.RateLimitKey, now time.Time, maxPerHour, maxPerDay int) (bool, error) {
	allowed := false
	err := q.inTx(ctx, "reserve_rate_limit", func(tx pgx.Tx) error {
		allowed = false
		_, err := tx.Exec(ctx,
			`INSERT INTO notification_rate_limits (user_id, channel_id, event) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			key.UserID, key.ChannelID, key.Event,
		)
		if err != nil {
			return err
		}

		rl := model.NotificationRateLimit{RateLimitKey: key}
		err = tx.QueryRow(ctx,
			`SELECT hour_window_start, hour_count, day_window_start, day_count FROM notification_rate_limits
			WHERE user_id = $1 AND channel_id = $2 AND event = $3 FOR UPDATE`,
			key.UserID, key.ChannelID, key.Event,
		).Scan(&rl.HourWindowStart, &rl.HourCount, &rl.DayWindowStart, &rl.DayCount)
		if err != nil {
			return err
		}

		allowed = rl.Reserve(now, maxPerHour, maxPerDay)
		_, err = tx.Exec(ctx,
			`UPDATE notification_rate_limits SET hour_window_start = $4, hour_count = $5, day_window_start = $6, day_count = $7
			WHERE user_id = $1 AND channel_id = $2 AND event = $3`,
			key.UserID, key.ChannelID, key.Event, rl.HourWindowStart, rl.HourCount, rl.DayWindowStart, rl.DayCount,
		)
		return err
	})
	return allowed, err
}

// Package notify delivers rendered notifications to a channel target.
//
// Targets are URLs whose shape depends on the channel kind:
//
//	email     mailto:alice@example.com
//	slack     https://hooks.slack.com/services/...
//	discord   https://discord.com/api/webhooks/...
//	teams     https://example.webhook.office.com/...
//	telegram  https://api.telegram.org/bot<token>/sendMessage?chat_id=<id>
//	sms       sms:+15551234567
//	push      push: (delivered to the owner's live sessions)
//	webhook   any http(s) URL
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"healthai/internal/model"

	"go.uber.org/zap"
)

// Message is a rendered notification
type Message struct {
	UserID   string
	Event    model.EventKind
	Priority model.Priority
	Subject  string
	Body     string
	Data     map[string]interface{}
}

// Pusher delivers push notifications to a user's connected sessions
type Pusher interface {
	PublishUser(userID string, event map[string]interface{}) error
}

type Config struct {
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	SMTPFrom      string
	SMSGatewayURL string
	Timeout       time.Duration
}

// DeliveryError is a failed delivery; Status is zero when no response arrived
type DeliveryError struct {
	Channel   model.ChannelKind
	Status    int
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s delivery failed: HTTP %d", e.Channel, e.Status)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient reports whether a later attempt may succeed
func (e *DeliveryError) Transient() bool {
	if e.Permanent {
		return false
	}
	if e.Status == 0 {
		var netErr net.Error
		return e.Err == nil || errors.As(e.Err, &netErr) || errors.Is(e.Err, context.DeadlineExceeded)
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Dispatcher struct {
	cfg      Config
	client   *http.Client
	pusher   Pusher
	log      *zap.Logger
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func New(cfg Config, pusher Pusher, log *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		pusher:   pusher,
		log:      log,
		sendMail: smtp.SendMail,
	}
}

// ValidateTarget checks that target is usable for kind without contacting it
func ValidateTarget(kind model.ChannelKind, target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}
	switch kind {
	case model.ChannelEmail:
		if u.Scheme != "mailto" || !strings.Contains(u.Opaque, "@") {
			return errors.New("email target must be mailto:address")
		}
	case model.ChannelSMS:
		if u.Scheme != "sms" || u.Opaque == "" {
			return errors.New("sms target must be sms:number")
		}
	case model.ChannelPush:
		if u.Scheme != "push" {
			return errors.New("push target must use the push: scheme")
		}
	case model.ChannelTelegram:
		if u.Scheme != "https" || u.Query().Get("chat_id") == "" {
			return errors.New("telegram target must be an https URL with chat_id")
		}
	case model.ChannelSlack, model.ChannelDiscord, model.ChannelTeams, model.ChannelWebhook:
		if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return errors.New("webhook target must be an http(s) URL")
		}
	default:
		return fmt.Errorf("unsupported channel kind %q", kind)
	}
	return nil
}

// Send delivers msg to target over the transport of kind
func (d *Dispatcher) Send(ctx context.Context, kind model.ChannelKind, target string, msg Message) error {
	if err := ValidateTarget(kind, target); err != nil {
		return &DeliveryError{Channel: kind, Err: err, Permanent: true}
	}
	d.log.Debug("Delivering notification",
		zap.String("channel", string(kind)),
		zap.String("event", string(msg.Event)),
		zap.String("user_id", msg.UserID),
	)

	switch kind {
	case model.ChannelEmail:
		return d.sendEmail(ctx, target, msg)
	case model.ChannelPush:
		return d.sendPush(msg)
	case model.ChannelSMS:
		return d.sendSMS(ctx, target, msg)
	case model.ChannelSlack:
		return d.postJSON(ctx, kind, target, map[string]interface{}{"text": joinText(msg)})
	case model.ChannelDiscord:
		return d.postJSON(ctx, kind, target, map[string]interface{}{"content": joinText(msg)})
	case model.ChannelTeams:
		return d.postJSON(ctx, kind, target, map[string]interface{}{
			"@type":    "MessageCard",
			"@context": "https://schema.org/extensions",
			"summary":  msg.Subject,
			"title":    msg.Subject,
			"text":     msg.Body,
		})
	case model.ChannelTelegram:
		u, _ := url.Parse(target)
		chatID := u.Query().Get("chat_id")
		u.RawQuery = ""
		return d.postJSON(ctx, kind, u.String(), map[string]interface{}{"chat_id": chatID, "text": joinText(msg)})
	default:
		return d.postJSON(ctx, kind, target, map[string]interface{}{
			"event":    msg.Event,
			"priority": msg.Priority,
			"subject":  msg.Subject,
			"body":     msg.Body,
			"data":     msg.Data,
			"sentAt":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func joinText(msg Message) string {
	if msg.Subject == "" {
		return msg.Body
	}
	return msg.Subject + "\n\n" + msg.Body
}

func (d *Dispatcher) postJSON(ctx context.Context, kind model.ChannelKind, target string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "healthai-notify/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		// the target may embed a token; drop the URL from the error
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return &DeliveryError{Channel: kind, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Channel: kind, Status: resp.StatusCode}
	}
	return nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, target string, msg Message) error {
	if d.cfg.SMTPHost == "" {
		return &DeliveryError{Channel: model.ChannelEmail, Permanent: true, Err: errors.New("email is not configured")}
	}
	u, _ := url.Parse(target)
	to := u.Opaque

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", d.cfg.SMTPFrom)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)

	var auth smtp.Auth
	if d.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", d.cfg.SMTPUser, d.cfg.SMTPPassword, d.cfg.SMTPHost)
	}
	addr := net.JoinHostPort(d.cfg.SMTPHost, strconv.Itoa(d.cfg.SMTPPort))
	if err := d.sendMail(addr, auth, d.cfg.SMTPFrom, []string{to}, []byte(b.String())); err != nil {
		return &DeliveryError{Channel: model.ChannelEmail, Err: err}
	}
	return nil
}

func (d *Dispatcher) sendSMS(ctx context.Context, target string, msg Message) error {
	if d.cfg.SMSGatewayURL == "" {
		return &DeliveryError{Channel: model.ChannelSMS, Permanent: true, Err: errors.New("sms gateway is not configured")}
	}
	u, _ := url.Parse(target)
	text := msg.Subject
	if text == "" {
		text = msg.Body
	}
	return d.postJSON(ctx, model.ChannelSMS, d.cfg.SMSGatewayURL, map[string]interface{}{"to": u.Opaque, "message": text})
}

func (d *Dispatcher) sendPush(msg Message) error {
	if d.pusher == nil {
		return &DeliveryError{Channel: model.ChannelPush, Permanent: true, Err: errors.New("push is not configured")}
	}
	err := d.pusher.PublishUser(msg.UserID, map[string]interface{}{
		"type":     "notification",
		"event":    msg.Event,
		"priority": msg.Priority,
		"subject":  msg.Subject,
		"body":     msg.Body,
		"data":     msg.Data,
	})
	if err != nil {
		return &DeliveryError{Channel: model.ChannelPush, Err: err}
	}
	return nil
}

package notify

import (
	"context"
	"log"
	"time"

	"github.com/trapsight/backend/internal/circuitbreaker"
	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/monitoring"
)

// Message is one notification to deliver, channel-agnostic.
type Message struct {
	TenantID    string
	AlertID     string
	Title       string
	Body        string
	Urgency     string // normal | high | critical
	OverrideDND bool
}

// Limits carries the per-recipient hourly caps.
type Limits struct {
	SMSPerHour   int
	EmailPerHour int
}

// Notifier fans messages out to the transports, applying per-recipient
// rate limits, do-not-disturb, and a circuit breaker per channel. Every
// attempt lands in the notification log; a down gateway never propagates
// an error to the caller's batch.
type Notifier struct {
	push   PushSender
	sms    SMSSender
	email  EmailSender
	limits Limits

	limiter RateLimiter
	store   database.Store
	metrics *monitoring.Metrics
	logger  *log.Logger

	pushBreaker  *circuitbreaker.CircuitBreaker
	smsBreaker   *circuitbreaker.CircuitBreaker
	emailBreaker *circuitbreaker.CircuitBreaker
}

// New builds a notifier. metrics may be nil in tests.
func New(push PushSender, sms SMSSender, email EmailSender, limiter RateLimiter,
	store database.Store, limits Limits, metrics *monitoring.Metrics) *Notifier {
	return &Notifier{
		push:         push,
		sms:          sms,
		email:        email,
		limits:       limits,
		limiter:      limiter,
		store:        store,
		metrics:      metrics,
		logger:       log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		pushBreaker:  circuitbreaker.New(circuitbreaker.DefaultConfig("push")),
		smsBreaker:   circuitbreaker.New(circuitbreaker.DefaultConfig("sms")),
		emailBreaker: circuitbreaker.New(circuitbreaker.DefaultConfig("email")),
	}
}

// PushUser delivers a push notification to one user, honoring
// do-not-disturb unless the message overrides it and the user allows
// critical overrides.
func (n *Notifier) PushUser(ctx context.Context, user database.User, msg Message) {
	overrideDND := false
	if prefs := user.Preferences; prefs != nil && prefs.DoNotDisturb {
		if !msg.OverrideDND || !prefs.CriticalOverrideDND {
			n.logger.Printf("push to %s skipped (do not disturb)", user.ID)
			return
		}
		overrideDND = true
	}

	err := n.pushBreaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return n.push.SendPush(cctx, user.ID, msg.Title, msg.Body, msg.Urgency, overrideDND)
	})
	n.record(ctx, msg, database.ChannelPush, user.ID, msg.Title, err)
}

// SMS delivers one text, subject to the per-recipient hourly cap.
func (n *Notifier) SMS(ctx context.Context, msg Message, number string) {
	if !n.limiter.Allow(ctx, database.ChannelSMS, number, n.limits.SMSPerHour) {
		n.rateLimited(database.ChannelSMS)
		return
	}
	err := n.smsBreaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return n.sms.SendSMS(cctx, number, msg.Title+" — "+msg.Body)
	})
	n.record(ctx, msg, database.ChannelSMS, number, msg.Title, err)
}

// Email delivers one email, subject to the per-recipient hourly cap.
func (n *Notifier) Email(ctx context.Context, msg Message, addr string) {
	if !n.limiter.Allow(ctx, database.ChannelEmail, addr, n.limits.EmailPerHour) {
		n.rateLimited(database.ChannelEmail)
		return
	}
	err := n.emailBreaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return n.email.SendEmail(cctx, addr, msg.Title, msg.Body)
	})
	n.record(ctx, msg, database.ChannelEmail, addr, msg.Title, err)
}

// Contact routes a message to an emergency contact over its channel.
func (n *Notifier) Contact(ctx context.Context, c database.EmergencyContact, msg Message) {
	switch c.Channel {
	case database.ChannelPush:
		n.PushUser(ctx, database.User{ID: c.Target, TenantID: c.TenantID}, msg)
	case database.ChannelSMS:
		n.SMS(ctx, msg, c.Target)
	case database.ChannelEmail:
		n.Email(ctx, msg, c.Target)
	default:
		n.logger.Printf("contact %s has unknown channel %q", c.ID, c.Channel)
	}
}

func (n *Notifier) record(ctx context.Context, msg Message, channel, recipient, subject string, sendErr error) {
	entry := database.NotificationLog{
		TenantID:  msg.TenantID,
		AlertID:   msg.AlertID,
		Recipient: recipient,
		Channel:   channel,
		Subject:   subject,
		Success:   sendErr == nil,
		SentAt:    time.Now(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
		n.logger.Printf("%s to %s failed: %v", channel, recipient, sendErr)
	}
	if err := n.store.LogNotification(ctx, entry); err != nil {
		n.logger.Printf("notification log write failed: %v", err)
	}

	if n.metrics != nil {
		if sendErr == nil {
			n.metrics.NotificationsSent.WithLabelValues(channel).Inc()
		} else {
			n.metrics.NotificationsFailed.WithLabelValues(channel).Inc()
		}
	}
}

func (n *Notifier) rateLimited(channel string) {
	if n.metrics != nil {
		n.metrics.RateLimited.WithLabelValues(channel).Inc()
	}
	n.logger.Printf("%s delivery skipped by rate limit", channel)
}

// Package notify owns the outbound notification transports. Every
// transport has the same shape: send one message, maybe fail. Rate limits
// and circuit breaking happen in the Notifier, not in the senders.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// PushSender delivers one push notification to a user's devices.
type PushSender interface {
	SendPush(ctx context.Context, userID, title, body, urgency string, overrideDND bool) error
}

// SMSSender delivers one text message.
type SMSSender interface {
	SendSMS(ctx context.Context, number, body string) error
}

// EmailSender delivers one email.
type EmailSender interface {
	SendEmail(ctx context.Context, addr, subject, body string) error
}

// ============================================================================
// HTTP PUSH GATEWAY
// ============================================================================

// HTTPPush posts to an FCM-style push gateway.
type HTTPPush struct {
	url    string
	apiKey string
	client *http.Client
}

var _ PushSender = (*HTTPPush)(nil)

func NewHTTPPush(url, apiKey string) *HTTPPush {
	return &HTTPPush{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPPush) SendPush(ctx context.Context, userID, title, body, urgency string, overrideDND bool) error {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id":      userID,
		"title":        title,
		"body":         body,
		"urgency":      urgency,
		"override_dnd": overrideDND,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// HTTP SMS GATEWAY
// ============================================================================

// HTTPSMS posts to a Twilio-style SMS gateway.
type HTTPSMS struct {
	url    string
	apiKey string
	from   string
	client *http.Client
}

var _ SMSSender = (*HTTPSMS)(nil)

func NewHTTPSMS(url, apiKey, from string) *HTTPSMS {
	return &HTTPSMS{
		url:    url,
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSMS) SendSMS(ctx context.Context, number, body string) error {
	payload, err := json.Marshal(map[string]string{
		"from": s.from,
		"to":   number,
		"body": body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// SMTP EMAIL
// ============================================================================

// SMTPEmail sends through a plain SMTP relay.
type SMTPEmail struct {
	addr     string // host:port
	username string
	password string
	from     string
}

var _ EmailSender = (*SMTPEmail)(nil)

func NewSMTPEmail(addr, username, password, from string) *SMTPEmail {
	return &SMTPEmail{addr: addr, username: username, password: password, from: from}
}

func (e *SMTPEmail) SendEmail(_ context.Context, addr, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + e.from,
		"To: " + addr,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	host := e.addr
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, host)
	}
	if err := smtp.SendMail(e.addr, auth, e.from, []string{addr}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

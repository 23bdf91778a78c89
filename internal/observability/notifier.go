// Package observability — notifier.go
//
// Best-effort operator notification delivery for NETCONF and safety events.
// Delivery is either a local sendmail-style program invocation or SMTP with
// STARTTLS. Failure to send MUST NOT mask the underlying operation outcome:
// every error returned by Send is for logging only, never propagated into
// pipeline control flow by callers.
package observability

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"os/exec"
	"strings"
	"time"

	"github.com/networksandchill/otto-bgp/internal/config"
)

// Event is one notifiable occurrence (NETCONF lifecycle events, safety
// critical events).
type Event struct {
	Type     string // connect, preview, commit, rollback, disconnect, safety_critical
	Hostname string
	Success  bool
	Details  string
}

// Notifier delivers best-effort notifications for Event occurrences.
type Notifier interface {
	Send(ctx context.Context, ev Event) error
}

// NewNotifier builds a Notifier from configuration. When disabled, returns
// a no-op implementation so callers never need a nil check.
func NewNotifier(cfg config.NotificationConfig) Notifier {
	if !cfg.Enabled {
		return noopNotifier{}
	}
	return &notifier{cfg: cfg}
}

type noopNotifier struct{}

func (noopNotifier) Send(context.Context, Event) error { return nil }

type notifier struct {
	cfg config.NotificationConfig
}

func (n *notifier) Send(ctx context.Context, ev Event) error {
	timeout := n.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	subject := fmt.Sprintf("%s %s on %s", n.cfg.SubjectPrefix, ev.Type, ev.Hostname)
	body := fmt.Sprintf("type=%s host=%s success=%v\n\n%s", ev.Type, ev.Hostname, ev.Success, ev.Details)

	switch n.cfg.DeliveryMethod {
	case "smtp":
		return n.sendSMTP(subject, body)
	default:
		return n.sendSendmail(ctx, subject, body)
	}
}

func (n *notifier) sendSendmail(ctx context.Context, subject, body string) error {
	msg := n.composeMessage(subject, body)

	path := n.cfg.SendmailPath
	if path == "" {
		path = "/usr/sbin/sendmail"
	}
	args := append([]string{"-f", n.cfg.From}, n.cfg.To...)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewBufferString(msg)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notifier: sendmail: %w: %s", err, out)
	}
	return nil
}

func (n *notifier) sendSMTP(subject, body string) error {
	msg := n.composeMessage(subject, body)
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPServer, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPServer)
	}

	if !n.cfg.SMTPUseTLS {
		return smtp.SendMail(addr, auth, n.cfg.From, n.cfg.To, []byte(msg))
	}
	return n.sendSMTPStartTLS(addr, auth, msg)
}

func (n *notifier) sendSMTPStartTLS(addr string, auth smtp.Auth, msg string) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("notifier: smtp dial: %w", err)
	}
	defer c.Close()

	tlsCfg := &tls.Config{ServerName: n.cfg.SMTPServer}
	if err := c.StartTLS(tlsCfg); err != nil {
		return fmt.Errorf("notifier: starttls: %w", err)
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("notifier: auth: %w", err)
		}
	}
	if err := c.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("notifier: mail from: %w", err)
	}
	for _, to := range n.cfg.To {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("notifier: rcpt to %s: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("notifier: data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("notifier: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("notifier: close: %w", err)
	}
	return c.Quit()
}

func (n *notifier) composeMessage(subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	if len(n.cfg.CC) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(n.cfg.CC, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n\r\n", subject)
	b.WriteString(body)
	return b.String()
}

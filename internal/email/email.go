package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"convia.vip/license-server/internal/logger"
)

// Sender delivers outbound mail. The webhook processor and the magic-link
// endpoint treat it as a collaborator: a failed Send is logged and never
// fails the enclosing operation.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type SMTPSender struct {
	host     string
	port     string
	username string
	password string
	from     string
	timeout  time.Duration
}

func NewSMTPSender(host, port, username, password, from string, timeout time.Duration) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		timeout:  timeout,
	}
}

// Send dials with a bounded timeout so a slow mail server cannot stall the
// request that triggered the email.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	addr := net.JoinHostPort(s.host, s.port)
	conn, err := net.DialTimeout("tcp", addr, time.Until(deadline))
	if err != nil {
		return fmt.Errorf("failed to dial SMTP server: %w", err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if ok, _ := client.Extension("AUTH"); ok {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}

	if err := client.Mail(s.from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", s.from, to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return client.Quit()
}

// LogSender stands in when SMTP is not configured; it logs the message
// instead of delivering it.
type LogSender struct{}

func (LogSender) Send(_ context.Context, to, subject, body string) error {
	logger.Info("Email delivery skipped (SMTP not configured)", logger.Fields{
		"to":      to,
		"subject": subject,
		"bytes":   len(body),
	})
	return nil
}

// MagicLinkMessage builds the activation email for a freshly issued magic
// token.
func MagicLinkMessage(baseURL, licenseKey, token string, ttl time.Duration) (subject, body string) {
	link := fmt.Sprintf("%s/license/portal?token=%s", baseURL, token)

	subject = "Your Convia license activation link"
	body = fmt.Sprintf(`Hello,

Use the link below to activate your Convia license.

LICENSE DETAILS
License Key: %s

ACTIVATION LINK
%s

The link expires in %s and can be used once. If you did not request it,
you can safely ignore this email.

Best regards,
The Convia Team`, licenseKey, link, formatTTL(ttl))

	return subject, body
}

func formatTTL(ttl time.Duration) string {
	if ttl == time.Hour {
		return "1 hour"
	}
	if ttl > time.Hour && ttl%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(ttl.Hours()))
	}
	return ttl.String()
}

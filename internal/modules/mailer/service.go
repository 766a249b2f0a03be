// Package mailer delivers notification email for the auth flows: OTP
// codes, lockout notices, password-change confirmations. Delivery is
// fire-and-forget -- callers never block a login on SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	gosmtp "net/smtp"
	"strings"
	"time"

	"github.com/campuslink/campuslink/internal/config"
)

// MailService is the interface the auth module uses to send email.
type MailService interface {
	Send(ctx context.Context, to, subject, body string) error
}

// smtpMailer implements MailService against a config-driven SMTP server.
type smtpMailer struct {
	cfg config.SMTPConfig
}

// devMailer is used when SMTP is not configured: it logs instead of
// sending, so local development works without a mail server. The OTP code
// is inside body; logging it here is a development-only convenience.
type devMailer struct{}

// New creates the mail service. Falls back to a logging stub when SMTP is
// unconfigured.
func New(cfg config.SMTPConfig) MailService {
	if !cfg.Configured() {
		slog.Warn("SMTP not configured, outbound mail will be logged only")
		return &devMailer{}
	}
	return &smtpMailer{cfg: cfg}
}

// Send delivers a single plain-text message.
func (m *smtpMailer) Send(ctx context.Context, to, subject, body string) error {
	from := mail.Address{Name: m.cfg.FromName, Address: m.cfg.FromAddress}

	// Build RFC 2822 message.
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	switch m.cfg.Encryption {
	case "tls":
		return m.sendTLS(addr, from.Address, to, msg.String())
	case "none":
		return m.sendPlain(addr, from.Address, to, msg.String())
	default: // "starttls"
		return m.sendStartTLS(addr, from.Address, to, msg.String())
	}
}

// sendStartTLS sends email using STARTTLS (port 587 typical).
func (m *smtpMailer) sendStartTLS(addr, from, to, msg string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := gosmtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("starting TLS: %w", err)
	}

	if err := m.authenticate(client); err != nil {
		return err
	}

	return m.sendMessage(client, from, to, msg)
}

// sendTLS sends email over implicit TLS (port 465 typical).
func (m *smtpMailer) sendTLS(addr, from, to, msg string) error {
	tlsConfig := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("connecting to %s (TLS): %w", addr, err)
	}
	defer conn.Close()

	client, err := gosmtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	if err := m.authenticate(client); err != nil {
		return err
	}

	return m.sendMessage(client, from, to, msg)
}

// sendPlain sends email without encryption. Dev/test setups only.
func (m *smtpMailer) sendPlain(addr, from, to, msg string) error {
	var auth gosmtp.Auth
	if m.cfg.Username != "" {
		auth = gosmtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := gosmtp.SendMail(addr, auth, from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

func (m *smtpMailer) authenticate(client *gosmtp.Client) error {
	if m.cfg.Username == "" {
		return nil
	}
	auth := gosmtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	return nil
}

// sendMessage handles MAIL FROM, RCPT TO, DATA for an existing SMTP client.
func (m *smtpMailer) sendMessage(client *gosmtp.Client, from, to, msg string) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", to, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing data: %w", err)
	}
	return client.Quit()
}

// Send on the dev stub logs the message instead of delivering it.
func (m *devMailer) Send(_ context.Context, to, subject, body string) error {
	slog.Info("mail (dev stub)",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", body),
	)
	return nil
}

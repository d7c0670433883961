// ABOUTME: SMTP email delivery using go-mail. Dial-per-send for sporadic action traffic.
// ABOUTME: BCC all recipients in a single email. Retry = retry all recipients.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"
)

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("no recipients")

// SmtpConfig holds SMTP connection parameters sourced from global env vars.
type SmtpConfig struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	TLS      bool
}

// Email is one rendered message.
type Email struct {
	Recipients []string
	Subject    string
	HTMLBody   string
	TextBody   string
}

// EmailSender delivers rendered emails.
type EmailSender interface {
	SendEmail(ctx context.Context, msg Email) error
}

// SMTPSender is the go-mail backed EmailSender.
type SMTPSender struct {
	cfg SmtpConfig
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SmtpConfig) *SMTPSender {
	if cfg.FromName == "" {
		cfg.FromName = "Passline"
	}
	return &SMTPSender{cfg: cfg}
}

// SendEmail sends an HTML+plaintext multipart email to all recipients via BCC.
// Dials per send; no persistent SMTP connection is held.
func (s *SMTPSender) SendEmail(ctx context.Context, msg Email) error {
	if len(msg.Recipients) == 0 {
		return fmt.Errorf("email send: %w", ErrNoRecipients)
	}

	m := mail.NewMsg()
	if err := m.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
		return fmt.Errorf("email send: set from: %w", err)
	}
	if err := m.Bcc(msg.Recipients...); err != nil {
		return fmt.Errorf("email send: set bcc: %w", err)
	}
	m.Subject(sanitizeSubject(msg.Subject))
	m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
	if msg.HTMLBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTMLBody)
	}

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
	}
	if s.cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(s.cfg.Username))
		opts = append(opts, mail.WithPassword(s.cfg.Password))
	}
	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

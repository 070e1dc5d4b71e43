package otp

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	mail "gopkg.in/mail.v2"
)

// SMTPConfig holds the settings MailSender dials with.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type dialer interface {
	DialAndSend(m ...*mail.Message) error
}

// MailSender delivers codes by email.
type MailSender struct {
	from   string
	dialer dialer
}

func NewMailSender(cfg SMTPConfig) (*MailSender, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("%w: smtp host and from address are required", ErrInvalidInput)
	}
	return &MailSender{
		from:   cfg.From,
		dialer: mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

// Message renders the email for d without sending it.
func (s *MailSender) Message(d Delivery) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", d.Recipient.Email)
	m.SetHeader("Subject", "Your portal sign-in code")
	name := d.Recipient.DisplayName
	if name == "" {
		name = "there"
	}
	m.SetBody("text/plain", fmt.Sprintf(
		"Hello %s,\n\nYour sign-in code is %s. It expires at %s.\n\nIf you did not try to sign in, ignore this message.\n",
		name, d.Code, d.ExpiresAt.UTC().Format("15:04 MST"),
	))
	return m
}

func (s *MailSender) Send(ctx context.Context, d Delivery) error {
	if strings.TrimSpace(d.Recipient.Email) == "" {
		return fmt.Errorf("%w: recipient email is required", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(s.Message(d)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogSender writes codes to the log. It is meant for local development only.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, d Delivery) error {
	s.log.Info("otp_issued",
		zap.String("identity_id", d.Recipient.IdentityID),
		zap.String("code", d.Code),
		zap.Time("expires_at", d.ExpiresAt),
	)
	return nil
}

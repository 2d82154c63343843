// Package email delivers password reset links.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/wneessen/go-mail"
)

const (
	resetSubject = "Reset your password"
	sendTimeout  = 30 * time.Second
)

var resetBody = template.Must(template.New("reset").Parse(`Hello {{.Name}},

We received a request to reset the password of your account.
Open the link below to choose a new password:

{{.Link}}

The link is valid until {{.ExpiresAt.UTC.Format "2006-01-02 15:04 MST"}} and can be used once.
If you did not ask for a reset you can ignore this message.
`))

type SMTPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	From     string
}

type resetData struct {
	Name      string
	Link      string
	ExpiresAt time.Time
}

type SMTPSender struct {
	log    *slog.Logger
	from   string
	client *mail.Client
}

// NewSMTPSender builds a go-mail client for cfg. No connection is made until
// the first message is sent.
func NewSMTPSender(log *slog.Logger, cfg SMTPConfig) (*SMTPSender, error) {
	const op = "notify.email.NewSMTPSender"

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(sendTimeout),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.TLS {
		opts = append(opts,
			mail.WithTLSConfig(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}),
			mail.WithTLSPolicy(mail.TLSMandatory),
		)
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &SMTPSender{log: log, from: cfg.From, client: client}, nil
}

func (s *SMTPSender) SendPasswordReset(ctx context.Context, to, name, link string, expiresAt time.Time) error {
	const op = "notify.email.SendPasswordReset"

	msg, err := NewResetMessage(s.from, to, name, link, expiresAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("reset email sent", slog.String("op", op), slog.String("to", to))

	return nil
}

// NewResetMessage renders the reset email.
func NewResetMessage(from, to, name, link string, expiresAt time.Time) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	msg.Subject(resetSubject)

	data := resetData{Name: name, Link: link, ExpiresAt: expiresAt}
	if err := msg.SetBodyTextTemplate(resetBody, data); err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}

	return msg, nil
}

// LogSender only logs that a reset email would have been sent. It is used
// when no SMTP host is configured.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) SendPasswordReset(_ context.Context, to, _, _ string, expiresAt time.Time) error {
	s.log.Warn("smtp not configured, reset email not sent",
		slog.String("op", "notify.email.LogSender"),
		slog.String("to", to),
		slog.Time("expires_at", expiresAt),
	)
	return nil
}

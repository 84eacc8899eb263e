package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/types"
)

const smtpTimeout = 30 * time.Second

type Mail struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers digest mails. Errors wrap types.ErrDeliveryFailure.
type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

// NewMailer returns an SMTP mailer guarded by a circuit breaker, or a LogMailer if no SMTP host
// is configured.
func NewMailer(cfg *config.Config, logger hclog.Logger) Mailer {
	logger = globals.Logger(logger, "mail")
	if cfg.MailConfig.Host == "" {
		logger.Warn("no smtp host configured, digests are only logged")
		return &LogMailer{log: logger}
	}
	return NewBreakerMailer(&SMTPMailer{cfg: cfg.MailConfig}, cfg.MailConfig, logger)
}

// SMTPMailer sends plain text mails via SMTP, optionally upgrading to TLS and authenticating.
type SMTPMailer struct {
	cfg config.MailConfig
}

func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) buildMessage(mail Mail) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", m.cfg.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", mail.To))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mail.Subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(mail.Body, "\n", "\r\n"))
	return msg.String()
}

func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	if mail.To == "" {
		return fmt.Errorf("no recipient address: %w", types.ErrDeliveryFailure)
	}
	err := m.send(ctx, mail)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", mail.To, err, types.ErrDeliveryFailure)
	}
	return nil
}

func (m *SMTPMailer) send(ctx context.Context, mail Mail) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))
	dialer := &net.Dialer{Timeout: smtpTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("could not connect to smtp server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("could not create smtp client: %w", err)
	}
	defer client.Close()

	if m.cfg.UseTLS {
		err = client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12})
		if err != nil {
			return fmt.Errorf("could not start tls: %w", err)
		}
	}
	if m.cfg.User != "" && m.cfg.Password != "" {
		err = client.Auth(smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host))
		if err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}
	if err = client.Mail(m.cfg.From); err != nil {
		return err
	}
	if err = client.Rcpt(mail.To); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write([]byte(m.buildMessage(mail))); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}
	_ = client.Quit() // the message is out
	return nil
}

// LogMailer only logs mails.
type LogMailer struct {
	log hclog.Logger
}

func NewLogMailer(logger hclog.Logger) *LogMailer {
	return &LogMailer{log: globals.Logger(logger, "mail")}
}

func (m *LogMailer) Send(ctx context.Context, mail Mail) error {
	m.log.Info("digest", "to", mail.To, "subject", mail.Subject, "body", mail.Body)
	return nil
}

// BreakerMailer stops calling a failing mail server for a while after consecutive failures.
type BreakerMailer struct {
	next    Mailer
	breaker *gobreaker.CircuitBreaker[interface{}]
}

func NewBreakerMailer(next Mailer, cfg config.MailConfig, logger hclog.Logger) *BreakerMailer {
	logger = globals.Logger(logger, "mail")
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 1
	}
	settings := gobreaker.Settings{
		Name:    "smtp",
		Timeout: cfg.BreakerOpenAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("mail circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	}
	return &BreakerMailer{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[interface{}](settings),
	}
}

func (m *BreakerMailer) Send(ctx context.Context, mail Mail) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.next.Send(ctx, mail)
	})
	if err != nil && (err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %v: %w", mail.To, err, types.ErrDeliveryFailure)
	}
	return err
}

func (m *BreakerMailer) State() string {
	return m.breaker.State().String()
}

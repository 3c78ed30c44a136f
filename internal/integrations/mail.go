package integrations

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/rendis/autoflow/internal/steps"
)

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	// TLS selects the port policy: "mandatory", "opportunistic" (default) or "none".
	TLS string `json:"tls"`
}

// SMTPMailer sends email steps through an SMTP relay.
type SMTPMailer struct {
	cfg SMTPConfig
}

var _ steps.Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer returns nil when no host is configured, which leaves email
// steps unconfigured.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Host == "" {
		return nil
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, msg steps.EmailMessage) error {
	message, err := m.build(msg)
	if err != nil {
		return err
	}
	client, err := mail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, message)
}

func (m *SMTPMailer) build(msg steps.EmailMessage) (*mail.Msg, error) {
	message := mail.NewMsg()
	if err := message.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := message.To(msg.To...); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	if len(msg.Cc) > 0 {
		if err := message.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("cc address: %w", err)
		}
	}
	message.Subject(msg.Subject)
	contentType := mail.TypeTextPlain
	if msg.HTML {
		contentType = mail.TypeTextHTML
	}
	message.SetBodyString(contentType, msg.Body)
	return message, nil
}

func (m *SMTPMailer) clientOptions() []mail.Option {
	opts := []mail.Option{mail.WithPort(m.cfg.Port)}
	switch m.cfg.TLS {
	case "mandatory":
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	return opts
}

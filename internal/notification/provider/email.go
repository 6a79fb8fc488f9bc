package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

const (
	smtpDialTimeout = 10 * time.Second
	smtpAuthTimeout = 5 * time.Second
	smtpSendTimeout = 10 * time.Second
)

// severityColors themes the HTML body per severity.
var severityColors = map[domain.NotificationSeverity]string{
	domain.SeverityInfo:     "#2196F3",
	domain.SeverityWarning:  "#FF9800",
	domain.SeverityError:    "#F44336",
	domain.SeverityCritical: "#B71C1C",
}

// EmailConfig carries SMTP settings. An empty Host leaves the provider
// unconfigured; the registry then reports ErrNoProvider for email.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailProvider delivers notifications over SMTP with a multipart
// plain-text + HTML body.
type EmailProvider struct {
	cfg    EmailConfig
	logger *zap.Logger
}

func NewEmailProvider(cfg EmailConfig, logger *zap.Logger) *EmailProvider {
	return &EmailProvider{cfg: cfg, logger: logger}
}

func (p *EmailProvider) Channel() domain.Channel { return domain.ChannelEmail }

func (p *EmailProvider) Configured() bool {
	return p.cfg.Host != "" && p.cfg.From != ""
}

func (p *EmailProvider) ValidateConfig() error {
	if p.cfg.Host == "" || p.cfg.From == "" {
		return fmt.Errorf("email: host and from address are required")
	}
	if p.cfg.Port < 1 || p.cfg.Port > 65535 {
		return fmt.Errorf("email: invalid smtp port %d", p.cfg.Port)
	}
	if !strings.Contains(p.cfg.From, "@") {
		return fmt.Errorf("email: malformed from address %q", p.cfg.From)
	}
	return nil
}

func (p *EmailProvider) Initialize(_ context.Context) error {
	p.logger.Info("email provider ready",
		zap.String("host", p.cfg.Host),
		zap.Int("port", p.cfg.Port),
		zap.Bool("auth", p.cfg.Username != ""),
	)
	return nil
}

// Cleanup is a no-op: SMTP sessions are opened and closed per send.
func (p *EmailProvider) Cleanup() error { return nil }

// Send delivers the message to every recipient in one SMTP session. Delivery
// faults come back inside the SendResult so the engine can retry.
func (p *EmailProvider) Send(ctx context.Context, msg *domain.NotificationMessage) (*domain.SendResult, error) {
	if len(msg.Recipients) == 0 {
		return nil, fmt.Errorf("no recipients on message %s", msg.ID)
	}

	result := &domain.SendResult{SentAt: time.Now().UTC()}
	if err := p.send(ctx, msg); err != nil {
		result.Error = err.Error()
		p.logger.Warn("email delivery failed",
			zap.String("notification_id", msg.ID),
			zap.Int("recipients", len(msg.Recipients)),
			zap.Error(err),
		)
		return result, nil
	}

	result.Success = true
	result.MessageID = msg.ID
	p.logger.Info("email delivered",
		zap.String("notification_id", msg.ID),
		zap.Int("recipients", len(msg.Recipients)),
	)
	return result, nil
}

func (p *EmailProvider) send(ctx context.Context, msg *domain.NotificationMessage) error {
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	dialer := net.Dialer{Timeout: smtpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if p.cfg.Username != "" {
		_ = conn.SetDeadline(time.Now().Add(smtpAuthTimeout))
		auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
		if ok, _ := client.Extension("STARTTLS"); ok {
			// The tls.Config needs the server name for certificate
			// verification; crypto/tls rejects a config without one.
			if err := client.StartTLS(&tls.Config{ServerName: p.cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	_ = conn.SetDeadline(time.Now().Add(smtpSendTimeout))
	if err := client.Mail(p.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range msg.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(p.buildMessage(msg)); err != nil {
		w.Close()
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}

	return client.Quit()
}

// buildMessage assembles a multipart/alternative MIME message with tracing
// headers so downstream mail filters can route on them.
func (p *EmailProvider) buildMessage(msg *domain.NotificationMessage) []byte {
	boundary := "np-" + msg.ID

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Title)
	fmt.Fprintf(&b, "X-Notification-Id: %s\r\n", msg.ID)
	if msg.AlertID != "" {
		fmt.Fprintf(&b, "X-Alert-Id: %s\r\n", msg.AlertID)
	}
	fmt.Fprintf(&b, "X-Severity: %s\r\n", msg.Severity)
	fmt.Fprintf(&b, "X-Channel: %s\r\n", msg.Channel)
	xp, importance := messagePriority(msg.Severity)
	fmt.Fprintf(&b, "X-Priority: %s\r\n", xp)
	fmt.Fprintf(&b, "Importance: %s\r\n", importance)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Content)
	b.WriteString("\r\n\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(p.htmlBody(msg))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

// messagePriority maps severity onto the X-Priority / Importance header
// pair mail clients sort by.
func messagePriority(s domain.NotificationSeverity) (string, string) {
	switch s {
	case domain.SeverityCritical, domain.SeverityError:
		return "1", "high"
	case domain.SeverityWarning:
		return "3", "normal"
	default:
		return "5", "low"
	}
}

func (p *EmailProvider) htmlBody(msg *domain.NotificationMessage) string {
	color, ok := severityColors[msg.Severity]
	if !ok {
		color = severityColors[domain.SeverityInfo]
	}
	return fmt.Sprintf(`<html><body style="font-family: sans-serif">
<div style="border-left: 4px solid %s; padding: 8px 16px">
<h2 style="color: %s; margin-top: 0">%s</h2>
<p style="white-space: pre-wrap">%s</p>
<p style="color: #757575; font-size: 12px">severity: %s · notification: %s</p>
</div>
</body></html>`, color, color, msg.Title, msg.Content, msg.Severity, msg.ID)
}

var _ Provider = (*EmailProvider)(nil)

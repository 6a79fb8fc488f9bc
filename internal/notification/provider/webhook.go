package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

const webhookResponseLimit = 4 << 10

// redactedHeaders are never logged in clear text.
var redactedHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"x-auth-token":  {},
	"cookie":        {},
}

// WebhookConfig carries delivery settings for the webhook channel. An empty
// URL leaves the provider unconfigured unless the message supplies its own
// endpoint in metadata. Method defaults to POST; PUT is also accepted.
type WebhookConfig struct {
	URL           string
	Method        string
	Environment   string
	Timeout       time.Duration
	InsecureTLS   bool
	RetryAttempts int
	RetryDelay    time.Duration
	Headers       map[string]string
}

// webhookPayload is the JSON envelope delivered to the endpoint. The shape
// is a compatibility surface for external consumers; changing it breaks
// their parsers.
type webhookPayload struct {
	Notification webhookNotification `json:"notification"`
	Alert        *webhookAlert       `json:"alert,omitempty"`
	System       webhookSystem       `json:"system"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
	Webhook      webhookMeta         `json:"webhook"`
}

type webhookNotification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Severity  string    `json:"severity"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
}

type webhookAlert struct {
	ID string `json:"id"`
}

type webhookSystem struct {
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
	Hostname    string    `json:"hostname"`
}

type webhookMeta struct {
	Version string `json:"version"`
	Format  string `json:"format"`
	Charset string `json:"charset"`
}

// WebhookProvider delivers notifications to an HTTP endpoint with linear
// backoff between attempts.
type WebhookProvider struct {
	cfg      WebhookConfig
	client   *http.Client
	hostname string
	logger   *zap.Logger
}

func NewWebhookProvider(cfg WebhookConfig, logger *zap.Logger) *WebhookProvider {
	transport := http.DefaultTransport
	if cfg.InsecureTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	hostname, _ := os.Hostname()
	return &WebhookProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		hostname: hostname,
		logger:   logger,
	}
}

func (p *WebhookProvider) Channel() domain.Channel { return domain.ChannelWebhook }

func (p *WebhookProvider) Configured() bool { return p.cfg.URL != "" }

func (p *WebhookProvider) ValidateConfig() error {
	if p.cfg.URL == "" {
		return fmt.Errorf("webhook: url is required")
	}
	u, err := url.Parse(p.cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("webhook: invalid url %s", MaskURL(p.cfg.URL))
	}
	if p.cfg.Method != http.MethodPost && p.cfg.Method != http.MethodPut {
		return fmt.Errorf("webhook: unsupported method %q", p.cfg.Method)
	}
	return nil
}

func (p *WebhookProvider) Initialize(_ context.Context) error {
	p.logger.Info("webhook provider ready",
		zap.String("url", MaskURL(p.cfg.URL)),
		zap.String("method", p.cfg.Method),
		zap.Any("headers", RedactHeaders(p.cfg.Headers)),
	)
	return nil
}

// Cleanup drops the transport's idle keep-alive connections.
func (p *WebhookProvider) Cleanup() error {
	p.client.CloseIdleConnections()
	return nil
}

// Send delivers the notification envelope. Any 2xx status is success; each
// failed attempt waits RetryDelay×attempt before the next.
func (p *WebhookProvider) Send(ctx context.Context, msg *domain.NotificationMessage) (*domain.SendResult, error) {
	endpoint := p.cfg.URL
	if override, ok := msg.Metadata["webhook_url"]; ok && override != "" {
		endpoint = override
	}
	if endpoint == "" {
		return nil, domain.ErrNoProvider
	}

	payload := webhookPayload{
		Notification: webhookNotification{
			ID:        msg.ID,
			Title:     msg.Title,
			Content:   msg.Content,
			Severity:  string(msg.Severity),
			Channel:   string(msg.Channel),
			CreatedAt: msg.CreatedAt,
		},
		System: webhookSystem{
			Service:     "telemetry-scheduler",
			Environment: p.cfg.Environment,
			Timestamp:   time.Now().UTC(),
			Hostname:    p.hostname,
		},
		Metadata: msg.Metadata,
		Webhook:  webhookMeta{Version: "1.0", Format: "json", Charset: "utf-8"},
	}
	if msg.AlertID != "" {
		payload.Alert = &webhookAlert{ID: msg.AlertID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	result := &domain.SendResult{SentAt: time.Now().UTC()}
	var lastErr string
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		status, respBody, err := p.deliver(ctx, endpoint, body)
		if err == nil && status >= 200 && status < 300 {
			result.Success = true
			result.MessageID = msg.ID
			result.Response = respBody
			p.logger.Info("webhook delivered",
				zap.String("notification_id", msg.ID),
				zap.String("url", MaskURL(endpoint)),
				zap.Int("status", status),
				zap.Int("attempt", attempt),
			)
			return result, nil
		}

		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = fmt.Sprintf("unexpected status %d: %s", status, respBody)
		}
		p.logger.Warn("webhook attempt failed",
			zap.String("notification_id", msg.ID),
			zap.String("url", MaskURL(endpoint)),
			zap.Int("attempt", attempt),
			zap.String("error", lastErr),
		)

		if attempt < p.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				return result, nil
			case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
	}

	result.Error = lastErr
	return result, nil
}

func (p *WebhookProvider) deliver(ctx context.Context, endpoint string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, p.cfg.Method, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "telemetry-scheduler/1.0")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, webhookResponseLimit))
	return resp.StatusCode, string(respBody), nil
}

// MaskURL hides credentials and most of the path so endpoints can be logged
// safely.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	if len(u.Path) > 12 {
		u.Path = u.Path[:12] + "..."
	}
	u.RawQuery = ""
	return u.String()
}

// RedactHeaders returns a copy safe for logging, with sensitive values
// replaced.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, sensitive := redactedHeaders[strings.ToLower(k)]; sensitive {
			out[k] = "***"
		} else {
			out[k] = v
		}
	}
	return out
}

var _ Provider = (*WebhookProvider)(nil)

package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// TemplateStore holds notification templates in memory, keyed by id.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]domain.NotificationTemplate
}

func NewTemplateStore() *TemplateStore {
	s := &TemplateStore{templates: make(map[string]domain.NotificationTemplate)}
	for _, t := range defaultTemplates() {
		s.templates[t.ID] = t
	}
	return s
}

// Register adds or replaces a template.
func (s *TemplateStore) Register(t domain.NotificationTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

// Get returns the template by id, falling back to the channel default when
// the id is unknown.
func (s *TemplateStore) Get(id string, channel domain.Channel) domain.NotificationTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.templates[id]; ok {
		return t
	}
	if t, ok := s.templates["default-"+string(channel)]; ok {
		return t
	}
	return domain.NotificationTemplate{
		Title:   "[{{severity}}] {{alertType}} alert",
		Content: "{{message}}",
	}
}

// List returns every registered template.
func (s *TemplateStore) List() []domain.NotificationTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NotificationTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out
}

// Render substitutes {{placeholder}} fields from the alert into the
// template. Unknown placeholders are left intact.
func Render(t domain.NotificationTemplate, alert domain.Alert) (title, content string) {
	r := strings.NewReplacer(
		"{{alertId}}", alert.ID,
		"{{alertType}}", string(alert.Type),
		"{{severity}}", string(alert.Severity),
		"{{message}}", alert.Message,
		"{{value}}", fmt.Sprintf("%.2f", alert.Value),
		"{{threshold}}", fmt.Sprintf("%.2f", alert.Threshold),
		"{{timestamp}}", alert.Timestamp.Format(time.RFC3339),
	)
	return r.Replace(t.Title), r.Replace(t.Content)
}

func defaultTemplates() []domain.NotificationTemplate {
	return []domain.NotificationTemplate{
		{
			ID:      "default-email",
			Channel: domain.ChannelEmail,
			Title:   "[{{severity}}] Scheduler alert: {{alertType}}",
			Content: "{{message}}\n\nValue: {{value}} (threshold {{threshold}})\nAlert: {{alertId}}\nRaised: {{timestamp}}",
		},
		{
			ID:      "default-webhook",
			Channel: domain.ChannelWebhook,
			Title:   "[{{severity}}] {{alertType}}",
			Content: "{{message}} (value {{value}}, threshold {{threshold}})",
		},
		{
			ID:       "critical-email",
			Channel:  domain.ChannelEmail,
			Severity: domain.SeverityCritical,
			Title:    "[CRITICAL] {{alertType}} requires attention",
			Content:  "{{message}}\n\nValue {{value}} crossed the critical threshold {{threshold}} at {{timestamp}}.\nAlert id: {{alertId}}",
		},
	}
}

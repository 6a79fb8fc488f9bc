package notification

import (
	"fmt"
	"sync"
	"time"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// RuleStore holds notification rules in memory.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]domain.NotificationRule
}

func NewRuleStore() *RuleStore {
	s := &RuleStore{rules: make(map[string]domain.NotificationRule)}
	for _, r := range defaultRules() {
		s.rules[r.ID] = r
	}
	return s
}

// Upsert adds or replaces a rule.
func (s *RuleStore) Upsert(r domain.NotificationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
}

// SetEnabled toggles a rule.
func (s *RuleStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
	}
	r.Enabled = enabled
	s.rules[id] = r
	return nil
}

// List returns every rule.
func (s *RuleStore) List() []domain.NotificationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NotificationRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out
}

// Match returns the enabled rules whose conditions accept the alert at the
// given time.
func (s *RuleStore) Match(alert domain.Alert, now time.Time) []domain.NotificationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.NotificationRule
	for _, r := range s.rules {
		if r.Enabled && ruleMatches(r.Conditions, alert, now) {
			out = append(out, r)
		}
	}
	return out
}

// ruleMatches applies the rule conditions. Empty condition slices match
// everything; the time window bounds are both inclusive.
func ruleMatches(c domain.RuleConditions, alert domain.Alert, now time.Time) bool {
	if len(c.AlertTypes) > 0 && !containsAlertType(c.AlertTypes, alert.Type) {
		return false
	}
	if len(c.Severities) > 0 && !containsSeverity(c.Severities, domain.MapAlertSeverity(alert.Severity)) {
		return false
	}
	if c.TimeWindow != nil && !inTimeWindow(*c.TimeWindow, now) {
		return false
	}
	return true
}

func containsAlertType(types []domain.AlertType, t domain.AlertType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsSeverity(sevs []domain.NotificationSeverity, s domain.NotificationSeverity) bool {
	for _, x := range sevs {
		if x == s {
			return true
		}
	}
	return false
}

// inTimeWindow checks now against an "HH:MM".."HH:MM" daily window.
// A window crossing midnight (start > end) wraps.
func inTimeWindow(w domain.TimeWindow, now time.Time) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		return true
	}
	end, err := parseClock(w.End)
	if err != nil {
		return true
	}
	cur := now.Hour()*60 + now.Minute()

	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return h*60 + m, nil
}

func defaultRules() []domain.NotificationRule {
	return []domain.NotificationRule{
		{
			ID:      "critical-all-channels",
			Name:    "Critical alerts to every channel",
			Enabled: true,
			Conditions: domain.RuleConditions{
				Severities: []domain.NotificationSeverity{domain.SeverityCritical},
			},
			Targets: []domain.RuleTarget{
				{Channel: domain.ChannelEmail, Recipients: []string{"ops@dronehub.io"}, TemplateID: "critical-email"},
				{Channel: domain.ChannelWebhook, TemplateID: "default-webhook"},
			},
			CooldownSeconds: 300,
		},
		{
			ID:      "warning-webhook",
			Name:    "Warnings to webhook",
			Enabled: true,
			Conditions: domain.RuleConditions{
				Severities: []domain.NotificationSeverity{domain.SeverityWarning},
			},
			Targets: []domain.RuleTarget{
				{Channel: domain.ChannelWebhook, TemplateID: "default-webhook"},
			},
			CooldownSeconds: 900,
		},
	}
}

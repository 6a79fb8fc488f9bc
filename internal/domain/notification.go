package domain

import "time"

// Channel is the delivery channel for a notification.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelSMS     Channel = "sms"
	ChannelSlack   Channel = "slack"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelWebhook, ChannelSMS, ChannelSlack:
		return true
	}
	return false
}

// NotificationSeverity is the four-level severity attached to outbound
// messages. Alert severities map onto it (warning→warning,
// critical→critical).
type NotificationSeverity string

const (
	SeverityInfo     NotificationSeverity = "info"
	SeverityWarning  NotificationSeverity = "warning"
	SeverityError    NotificationSeverity = "error"
	SeverityCritical NotificationSeverity = "critical"
)

// NotificationStatus tracks a message through the dispatch pipeline.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSending NotificationStatus = "sending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationMessage is an ephemeral outbound message. It lives in the
// engine's in-memory queue and in the KV cache (24h TTL); sent and
// exhausted messages are archived to a capped history list.
type NotificationMessage struct {
	ID         string               `json:"id"`
	Title      string               `json:"title"`
	Content    string               `json:"content"`
	Severity   NotificationSeverity `json:"severity"`
	Channel    Channel              `json:"channel"`
	Recipients []string             `json:"recipients"`
	Status     NotificationStatus   `json:"status"`
	RetryCount int                  `json:"retry_count"`
	MaxRetries int                  `json:"max_retries"`
	AlertID    string               `json:"alert_id,omitempty"`
	Error      string               `json:"error,omitempty"`
	Metadata   map[string]string    `json:"metadata,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// RuleConditions filters which alerts a notification rule applies to.
// Empty slices match everything.
type RuleConditions struct {
	AlertTypes []AlertType            `json:"alert_types"`
	Severities []NotificationSeverity `json:"severities"`
	TimeWindow *TimeWindow            `json:"time_window,omitempty"`
}

// TimeWindow restricts a rule to a daily local-time interval.
// Start and End are "HH:MM" strings; both bounds are inclusive.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// RuleTarget is one (channel, recipients, template) dispatch entry within
// a rule.
type RuleTarget struct {
	Channel    Channel       `json:"channel"`
	Recipients []string      `json:"recipients"`
	TemplateID string        `json:"template_id"`
	Delay      time.Duration `json:"delay,omitempty"`
}

// NotificationRule maps matching alerts to one or more dispatch targets,
// with a per-(rule, alertType) cooldown window.
type NotificationRule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Enabled         bool           `json:"enabled"`
	Conditions      RuleConditions `json:"conditions"`
	Targets         []RuleTarget   `json:"notifications"`
	CooldownSeconds int            `json:"cooldown_period"`
}

// NotificationTemplate renders alert fields into a title and body.
// Placeholders use {{name}} syntax: alertId, alertType, severity, message,
// value, threshold, timestamp.
type NotificationTemplate struct {
	ID       string               `json:"id"`
	Channel  Channel              `json:"channel"`
	Severity NotificationSeverity `json:"severity"`
	Title    string               `json:"title"`
	Content  string               `json:"content"`
}

// NotificationStats is the running counter set kept in the KV cache.
type NotificationStats struct {
	Total  int64 `json:"total"`
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// SendResult is what a channel provider reports back for one delivery
// attempt.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
	Error     string    `json:"error,omitempty"`
	Response  string    `json:"response,omitempty"`
}

// MapAlertSeverity converts an alert severity to a notification severity.
func MapAlertSeverity(s AlertSeverity) NotificationSeverity {
	if s == AlertSeverityCritical {
		return SeverityCritical
	}
	return SeverityWarning
}

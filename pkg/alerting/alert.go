package alerting

import (
	"encoding/json"
	"time"

	"convopulse/pkg/anomaly"
)

// Level is the display urgency of an alert
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Type categorises what raised an alert
type Type string

const (
	TypeAnomaly    Type = "anomaly"
	TypeSystem     Type = "system"
	TypeTimeout    Type = "timeout"
	TypeEscalation Type = "escalation"
	TypeQuality    Type = "quality"
)

const (
	// LowSeverityTTL is how long low severity alerts live
	LowSeverityTTL = 2 * time.Hour
	// SystemAlertTTL is how long system and timeout alerts live
	SystemAlertTTL = 24 * time.Hour

	// DetectionSource is recorded in the meta of every materialized anomaly
	DetectionSource = "anomaly_detection"
	// FallbackTitle is used for anomaly kinds without a dedicated title
	FallbackTitle = "System Anomaly Detected"
)

var titles = map[anomaly.Kind]string{
	anomaly.KindLatencySpike:            "Response Latency Spike",
	anomaly.KindQualityDrop:             "AI Quality Degradation",
	anomaly.KindHighToxicity:            "High Toxicity Detected",
	anomaly.KindNegativeSentiment:       "Negative Sentiment Pattern",
	anomaly.KindResponseTimeDegradation: "Response Time Degradation",
	anomaly.KindExcessiveInteraction:    "Excessive Conversation Length",
	anomaly.KindCustomerFrustration:     "Customer Frustration Detected",
	anomaly.KindLowAIConfidence:         "Low AI Confidence",
	anomaly.KindDelayedResponse:         "Delayed AI Response",
}

// TitleFor returns the human readable title of an anomaly kind
func TitleFor(kind anomaly.Kind) string {
	if title, ok := titles[kind]; ok {
		return title
	}
	return FallbackTitle
}

// LevelFor maps anomaly severity to alert level
func LevelFor(severity anomaly.Severity) Level {
	if severity == anomaly.SeverityHigh {
		return LevelCritical
	}
	return LevelWarning
}

// ExpiryFor returns when an alert stops being relevant, or nil when it only
// ends through explicit dismissal.
func ExpiryFor(alertType Type, severity anomaly.Severity, now time.Time) *time.Time {
	var ttl time.Duration
	switch {
	case alertType == TypeSystem || alertType == TypeTimeout:
		ttl = SystemAlertTTL
	case severity == anomaly.SeverityLow:
		ttl = LowSeverityTTL
	default:
		return nil
	}
	expires := now.Add(ttl)
	return &expires
}

// Meta records the detection values behind an alert
type Meta struct {
	AnomalyType anomaly.Kind    `json:"anomalyType"`
	Value       float64         `json:"value"`
	Threshold   *float64        `json:"threshold,omitempty"`
	Expected    *float64        `json:"expected,omitempty"`
	Source      string          `json:"source"`
	Detector    anomaly.Source  `json:"detector"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	DetectedAt  time.Time       `json:"detectedAt"`
}

// Alert is a persisted notification derived from exactly one anomaly.
type Alert struct {
	ID             string           `json:"id"`
	Level          Level            `json:"level"`
	Severity       anomaly.Severity `json:"severity"`
	Type           Type             `json:"type"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	ConversationID string           `json:"conversationId,omitempty"`
	CustomerName   string           `json:"customerName,omitempty"`
	CustomerID     string           `json:"customerId,omitempty"`
	AgentID        string           `json:"agentId,omitempty"`
	SupervisorID   string           `json:"supervisorId,omitempty"`
	Meta           Meta             `json:"meta"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	Dismissed      bool       `json:"dismissed"`
	DismissedBy    string     `json:"dismissedBy,omitempty"`
	DismissedAt    *time.Time `json:"dismissedAt,omitempty"`
	Resolved       bool       `json:"resolved"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Acknowledge marks the alert as seen by actor
func (a *Alert) Acknowledge(actor string, at time.Time) {
	a.Acknowledged = true
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = &at
}

// Dismiss marks the alert as dismissed by actor
func (a *Alert) Dismiss(actor string, at time.Time) {
	a.Dismissed = true
	a.DismissedBy = actor
	a.DismissedAt = &at
}

// Resolve marks the underlying problem as resolved by actor
func (a *Alert) Resolve(actor string, at time.Time) {
	a.Resolved = true
	a.ResolvedBy = actor
	a.ResolvedAt = &at
}

// Expired reports whether the alert passed its expiry at now
func (a *Alert) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// Open reports whether the alert still needs attention
func (a *Alert) Open(now time.Time) bool {
	return !a.Dismissed && !a.Resolved && !a.Expired(now)
}

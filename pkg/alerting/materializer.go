package alerting

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"convopulse/pkg/anomaly"
	"convopulse/pkg/metrics"
	"convopulse/pkg/signals"
)

// Store persists alerts
type Store interface {
	PersistAlert(ctx context.Context, alert Alert) error
}

// Notifier forwards freshly created alerts to out-of-band channels
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// Result reports the outcome of one materialization batch
type Result struct {
	Created []Alert
	Failed  int
}

// Count is the number of alerts persisted
func (r Result) Count() int {
	return len(r.Created)
}

// Materializer turns anomalies into persisted alerts, one alert per anomaly.
type Materializer struct {
	store    Store
	notifier Notifier
	logger   *logrus.Entry
	now      func() time.Time
	newID    func() string
}

// MaterializerOption customises a Materializer
type MaterializerOption func(*Materializer)

// WithNotifier forwards created alerts to notifier
func WithNotifier(notifier Notifier) MaterializerOption {
	return func(m *Materializer) {
		m.notifier = notifier
	}
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) MaterializerOption {
	return func(m *Materializer) {
		m.now = now
	}
}

// NewMaterializer creates a materializer writing to store
func NewMaterializer(store Store, logger *logrus.Logger, opts ...MaterializerOption) *Materializer {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Materializer{
		store:  store,
		logger: logger.WithField("component", "alert_materializer"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Build converts one anomaly into an alert without persisting it.
func (m *Materializer) Build(conv *signals.Conversation, a anomaly.Anomaly) Alert {
	now := m.now()

	var detail json.RawMessage
	if a.Detail != nil {
		if data, err := json.Marshal(a.Detail); err == nil {
			detail = data
		}
	}

	alert := Alert{
		ID:       m.newID(),
		Level:    LevelFor(a.Severity),
		Severity: a.Severity,
		Type:     TypeAnomaly,
		Title:    TitleFor(a.Kind),
		Message:  a.Description,
		Meta: Meta{
			AnomalyType: a.Kind,
			Value:       a.Value,
			Threshold:   a.Threshold,
			Expected:    a.Expected,
			Source:      DetectionSource,
			Detector:    a.Source,
			Detail:      detail,
			DetectedAt:  now,
		},
		ExpiresAt: ExpiryFor(TypeAnomaly, a.Severity, now),
		Timestamp: now,
	}

	if conv != nil {
		alert.ConversationID = conv.ID
		alert.CustomerName = conv.CustomerName
		alert.CustomerID = conv.CustomerID
		alert.AgentID = conv.AgentID
		alert.SupervisorID = conv.SupervisorID
	}
	return alert
}

// Materialize persists one alert per anomaly. A failed write is logged and
// counted; the rest of the batch continues. No anomalies means no store
// calls.
func (m *Materializer) Materialize(ctx context.Context, conv *signals.Conversation, anomalies []anomaly.Anomaly) Result {
	var result Result
	if len(anomalies) == 0 {
		return result
	}

	for _, a := range anomalies {
		alert := m.Build(conv, a)
		entry := m.logger.WithFields(logrus.Fields{
			"alert_id":        alert.ID,
			"anomaly_type":    string(a.Kind),
			"severity":        string(a.Severity),
			"conversation_id": alert.ConversationID,
		})

		if err := m.store.PersistAlert(ctx, alert); err != nil {
			result.Failed++
			metrics.RecordAlert(string(alert.Level), "error")
			entry.WithError(err).Warn("Failed to persist alert")
			continue
		}

		metrics.RecordAlert(string(alert.Level), "created")
		entry.Info("Alert created")
		result.Created = append(result.Created, alert)

		if m.notifier != nil {
			m.notifier.Notify(ctx, alert)
		}
	}
	return result
}

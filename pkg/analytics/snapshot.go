package analytics

import (
	"math"
	"time"

	"convopulse/pkg/errors"
)

// SnapshotType identifies the cadence a snapshot was computed for
type SnapshotType string

const (
	SnapshotRealTime SnapshotType = "real_time"
	SnapshotHourly   SnapshotType = "hourly"
	SnapshotDaily    SnapshotType = "daily"
	SnapshotWeekly   SnapshotType = "weekly"
	SnapshotMonthly  SnapshotType = "monthly"
)

// Valid reports whether t is a known snapshot type
func (t SnapshotType) Valid() bool {
	switch t {
	case SnapshotRealTime, SnapshotHourly, SnapshotDaily, SnapshotWeekly, SnapshotMonthly:
		return true
	}
	return false
}

// PeriodicWindow returns the aggregation window used by scheduled sweeps.
func (t SnapshotType) PeriodicWindow() time.Duration {
	switch t {
	case SnapshotHourly:
		return time.Hour
	case SnapshotWeekly:
		return 7 * 24 * time.Hour
	case SnapshotMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// ParseSnapshotType converts a string into a SnapshotType
func ParseSnapshotType(s string) (SnapshotType, error) {
	t := SnapshotType(s)
	if !t.Valid() {
		return "", errors.NewInvalidInput("unknown snapshot type", map[string]interface{}{"snapshot_type": s})
	}
	return t, nil
}

// DataQuality grades a snapshot by how many messages backed it
type DataQuality string

const (
	DataQualityHigh   DataQuality = "high"
	DataQualityMedium DataQuality = "medium"
	DataQualityLow    DataQuality = "low"
)

// DataQualityFor grades a sample size.
func DataQualityFor(sampleSize int) DataQuality {
	switch {
	case sampleSize >= 3:
		return DataQualityHigh
	case sampleSize >= 1:
		return DataQualityMedium
	default:
		return DataQualityLow
	}
}

// TrendDirection summarises how a snapshot compares to the previous period
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
	TrendUnknown   TrendDirection = "unknown"
)

// Trends compares a snapshot with the previous one of the same type
type Trends struct {
	PerformanceDirection TrendDirection `json:"performanceDirection"`
	ChangePercentage     float64        `json:"changePercentage"`
	ComparedToLastPeriod *time.Time     `json:"comparedToLastPeriod,omitempty"`
}

// SnapshotMetrics is the metrics bag of a snapshot. Times are milliseconds.
type SnapshotMetrics struct {
	LatencyP95          float64 `json:"latencyP95"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	MedianResponseTime  float64 `json:"medianResponseTime"`
	MaxResponseTime     float64 `json:"maxResponseTime"`
	MinResponseTime     float64 `json:"minResponseTime"`

	ToxicityAvg  float64 `json:"toxicityAvg"`
	SentimentAvg float64 `json:"sentimentAvg"`

	TechnicalHealth    float64 `json:"technicalHealth"`
	AIQuality          float64 `json:"aiQuality"`
	CustomerExperience float64 `json:"customerExperience"`
	CompositeScore     float64 `json:"compositeScore"`
	AIConfidenceAvg    float64 `json:"aiConfidenceAvg"`

	TotalConversations      int     `json:"totalConversations"`
	ActiveConversations     int     `json:"activeConversations"`
	ResolvedConversations   int     `json:"resolvedConversations"`
	EscalatedConversations  int     `json:"escalatedConversations"`
	AbandonedConversations  int     `json:"abandonedConversations"`
	ResolutionRate          float64 `json:"resolutionRate"`
	EscalationRate          float64 `json:"escalationRate"`
	FirstCallResolutionRate float64 `json:"firstCallResolutionRate"`

	TotalMessages      int `json:"totalMessages"`
	AIMessages         int `json:"aiMessages"`
	CustomerMessages   int `json:"customerMessages"`
	SupervisorMessages int `json:"supervisorMessages"`

	TakeoverCount        int     `json:"takeoverCount"`
	ReturnCount          int     `json:"returnCount"`
	TakeoverRate         float64 `json:"takeoverRate"`
	AverageHandoffTime   float64 `json:"averageHandoffTime"`
	SupervisorActiveTime float64 `json:"supervisorActiveTime"`
}

// MetricSnapshot is an immutable record of metrics computed for one
// conversation over one window.
type MetricSnapshot struct {
	ID             string          `json:"id"`
	SnapshotType   SnapshotType    `json:"snapshotType"`
	ConversationID string          `json:"conversationId"`
	AgentID        string          `json:"agentId,omitempty"`
	WindowStart    time.Time       `json:"windowStart"`
	WindowEnd      time.Time       `json:"windowEnd"`
	Metrics        SnapshotMetrics `json:"metrics"`
	Trends         Trends          `json:"trends"`
	CalculatedAt   time.Time       `json:"calculatedAt"`
	DataQuality    DataQuality     `json:"dataQuality"`
	SampleSize     int             `json:"sampleSize"`
}

// Validate checks the snapshot invariants. Stores reject snapshots that fail.
func (s *MetricSnapshot) Validate() error {
	fields := map[string]interface{}{
		"conversation_id": s.ConversationID,
		"snapshot_type":   string(s.SnapshotType),
	}

	if s.ConversationID == "" {
		return errors.NewInvalidSnapshot("missing conversation id", fields)
	}
	if !s.SnapshotType.Valid() {
		return errors.NewInvalidSnapshot("unknown snapshot type", fields)
	}
	if !s.WindowStart.Before(s.WindowEnd) {
		return errors.NewInvalidSnapshot("window start must precede window end", fields)
	}
	score := s.Metrics.CompositeScore
	if math.IsNaN(score) || score < 0 || score > 1 {
		return errors.NewInvalidSnapshot("composite score out of range", fields).WithField("composite_score", score)
	}
	if s.SampleSize != s.Metrics.TotalMessages {
		return errors.NewInvalidSnapshot("sample size does not match message count", fields).
			WithField("sample_size", s.SampleSize)
	}
	return nil
}

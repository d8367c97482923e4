// Package anomaly flags statistically unusual metric snapshots and
// conversation patterns.
package anomaly

// Kind identifies an anomaly check
type Kind string

const (
	KindLatencySpike            Kind = "latency_spike"
	KindQualityDrop             Kind = "quality_drop"
	KindHighToxicity            Kind = "high_toxicity"
	KindNegativeSentiment       Kind = "negative_sentiment"
	KindResponseTimeDegradation Kind = "response_time_degradation"
	KindExcessiveInteraction    Kind = "excessive_interaction"
	KindCustomerFrustration     Kind = "customer_frustration"
	KindLowAIConfidence         Kind = "low_ai_confidence"
	KindDelayedResponse         Kind = "delayed_response"
)

// Severity of a detected anomaly
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Source names the family of checks that produced an anomaly
type Source string

const (
	SourceMetrics      Source = "metrics"
	SourceConversation Source = "conversation_pattern"
)

// Detail is the kind-specific payload of an anomaly. The set of
// implementations is closed to this package.
type Detail interface {
	Kind() Kind
	detail()
}

// LatencySpike is the payload of KindLatencySpike. StdDev is the spread the
// Z-score was measured against, the floor when the history is flat.
type LatencySpike struct {
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stdDev"`
	ZScore  float64 `json:"zScore"`
	Samples int     `json:"samples"`
}

// QualityDrop is the payload of KindQualityDrop
type QualityDrop struct {
	Expected float64 `json:"expected"`
	Drop     float64 `json:"drop"`
}

// HighToxicity is the payload of KindHighToxicity
type HighToxicity struct{}

// NegativeSentiment is the payload of KindNegativeSentiment
type NegativeSentiment struct{}

// ResponseTimeDegradation is the payload of KindResponseTimeDegradation
type ResponseTimeDegradation struct {
	RecentAvg float64 `json:"recentAvg"`
	OlderAvg  float64 `json:"olderAvg"`
}

// ExcessiveInteraction is the payload of KindExcessiveInteraction
type ExcessiveInteraction struct {
	MessageCount int `json:"messageCount"`
}

// CustomerFrustration is the payload of KindCustomerFrustration
type CustomerFrustration struct {
	BurstSize int `json:"burstSize"`
}

// LowAIConfidence is the payload of KindLowAIConfidence
type LowAIConfidence struct {
	AverageConfidence float64 `json:"averageConfidence"`
}

// DelayedResponse is the payload of KindDelayedResponse
type DelayedResponse struct {
	MaxResponseTime float64 `json:"maxResponseTime"`
}

func (LatencySpike) Kind() Kind            { return KindLatencySpike }
func (QualityDrop) Kind() Kind             { return KindQualityDrop }
func (HighToxicity) Kind() Kind            { return KindHighToxicity }
func (NegativeSentiment) Kind() Kind       { return KindNegativeSentiment }
func (ResponseTimeDegradation) Kind() Kind { return KindResponseTimeDegradation }
func (ExcessiveInteraction) Kind() Kind    { return KindExcessiveInteraction }
func (CustomerFrustration) Kind() Kind     { return KindCustomerFrustration }
func (LowAIConfidence) Kind() Kind         { return KindLowAIConfidence }
func (DelayedResponse) Kind() Kind         { return KindDelayedResponse }

func (LatencySpike) detail()            {}
func (QualityDrop) detail()             {}
func (HighToxicity) detail()            {}
func (NegativeSentiment) detail()       {}
func (ResponseTimeDegradation) detail() {}
func (ExcessiveInteraction) detail()    {}
func (CustomerFrustration) detail()     {}
func (LowAIConfidence) detail()         {}
func (DelayedResponse) detail()         {}

// Anomaly is a transient detection result. It lives for one detection pass
// and is turned into at most one alert.
type Anomaly struct {
	Kind        Kind     `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Value       float64  `json:"value"`
	Threshold   *float64 `json:"threshold,omitempty"`
	Expected    *float64 `json:"expected,omitempty"`
	Source      Source   `json:"source"`
	Detail      Detail   `json:"detail"`
}

func newAnomaly(detail Detail, severity Severity, source Source, value float64, description string) Anomaly {
	return Anomaly{
		Kind:        detail.Kind(),
		Severity:    severity,
		Description: description,
		Value:       value,
		Source:      source,
		Detail:      detail,
	}
}

func (a Anomaly) withThreshold(v float64) Anomaly {
	a.Threshold = &v
	return a
}

func (a Anomaly) withExpected(v float64) Anomaly {
	a.Expected = &v
	return a
}

// HasSeverity reports whether any anomaly in list has the given severity
func HasSeverity(list []Anomaly, severity Severity) bool {
	for _, a := range list {
		if a.Severity == severity {
			return true
		}
	}
	return false
}

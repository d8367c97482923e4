package anomaly

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"convopulse/pkg/analytics"
	"convopulse/pkg/signals"
)

// Thresholds are the detection policy constants. DefaultThresholds holds the
// values every deployment starts from.
type Thresholds struct {
	HistoryLimit       int     `json:"history_limit" env:"DETECTOR_HISTORY_LIMIT" default:"20"`
	LatencyMinSamples  int     `json:"latency_min_samples" env:"DETECTOR_LATENCY_MIN_SAMPLES" default:"5"`
	LatencyZScore      float64 `json:"latency_z_score" env:"DETECTOR_LATENCY_Z" default:"2.5"`
	LatencyZScoreHigh  float64 `json:"latency_z_score_high" env:"DETECTOR_LATENCY_Z_HIGH" default:"4"`
	// Over a flat latency history the Z-score is measured against
	// max(ZeroVarianceStdDev, ZeroVarianceFraction*mean)
	ZeroVarianceStdDev   float64 `json:"zero_variance_std_dev" env:"DETECTOR_ZERO_VARIANCE_STDDEV" default:"1"`
	ZeroVarianceFraction float64 `json:"zero_variance_fraction" env:"DETECTOR_ZERO_VARIANCE_FRACTION" default:"0.1"`

	QualityAlpha    float64 `json:"quality_alpha" env:"DETECTOR_QUALITY_ALPHA" default:"0.3"`
	QualityDrop     float64 `json:"quality_drop" env:"DETECTOR_QUALITY_DROP" default:"0.2"`
	QualityDropHigh float64 `json:"quality_drop_high" env:"DETECTOR_QUALITY_DROP_HIGH" default:"0.4"`

	Toxicity     float64 `json:"toxicity" env:"DETECTOR_TOXICITY" default:"0.4"`
	ToxicityHigh float64 `json:"toxicity_high" env:"DETECTOR_TOXICITY_HIGH" default:"0.7"`

	Sentiment     float64 `json:"sentiment" env:"DETECTOR_SENTIMENT" default:"-0.6"`
	SentimentHigh float64 `json:"sentiment_high" env:"DETECTOR_SENTIMENT_HIGH" default:"-0.8"`

	ResponseHistoryLimit    int     `json:"response_history_limit" env:"DETECTOR_RESPONSE_HISTORY_LIMIT" default:"10"`
	ResponseMinSamples      int     `json:"response_min_samples" env:"DETECTOR_RESPONSE_MIN_SAMPLES" default:"3"`
	ResponseRecentSamples   int     `json:"response_recent_samples" env:"DETECTOR_RESPONSE_RECENT_SAMPLES" default:"3"`
	ResponseDegradeFactor   float64 `json:"response_degrade_factor" env:"DETECTOR_RESPONSE_FACTOR" default:"2"`
	ResponseAbsoluteLimitMs float64 `json:"response_absolute_limit_ms" env:"DETECTOR_RESPONSE_LIMIT_MS" default:"120000"`

	PatternMessageLimit   int     `json:"pattern_message_limit" env:"DETECTOR_PATTERN_MESSAGE_LIMIT" default:"100"`
	ExcessiveMessages     int     `json:"excessive_messages" env:"DETECTOR_EXCESSIVE_MESSAGES" default:"20"`
	ExcessiveMessagesHigh int     `json:"excessive_messages_high" env:"DETECTOR_EXCESSIVE_MESSAGES_HIGH" default:"30"`
	FrustrationBurst      int     `json:"frustration_burst" env:"DETECTOR_FRUSTRATION_BURST" default:"3"`
	FrustrationGapMs      float64 `json:"frustration_gap_ms" env:"DETECTOR_FRUSTRATION_GAP_MS" default:"60000"`
	ConfidenceSamples     int     `json:"confidence_samples" env:"DETECTOR_CONFIDENCE_SAMPLES" default:"3"`
	LowConfidence         float64 `json:"low_confidence" env:"DETECTOR_LOW_CONFIDENCE" default:"0.5"`
	LowConfidenceHigh     float64 `json:"low_confidence_high" env:"DETECTOR_LOW_CONFIDENCE_HIGH" default:"0.3"`
	DelayedResponseMs     float64 `json:"delayed_response_ms" env:"DETECTOR_DELAYED_RESPONSE_MS" default:"300000"`
	DelayedResponseHighMs float64 `json:"delayed_response_high_ms" env:"DETECTOR_DELAYED_RESPONSE_HIGH_MS" default:"600000"`
}

// DefaultThresholds returns the standard detection policy
func DefaultThresholds() Thresholds {
	return Thresholds{
		HistoryLimit:         20,
		LatencyMinSamples:    5,
		LatencyZScore:        2.5,
		LatencyZScoreHigh:    4,
		ZeroVarianceStdDev:   1,
		ZeroVarianceFraction: 0.1,

		QualityAlpha:    0.3,
		QualityDrop:     0.2,
		QualityDropHigh: 0.4,

		Toxicity:     0.4,
		ToxicityHigh: 0.7,

		Sentiment:     -0.6,
		SentimentHigh: -0.8,

		ResponseHistoryLimit:    10,
		ResponseMinSamples:      3,
		ResponseRecentSamples:   3,
		ResponseDegradeFactor:   2,
		ResponseAbsoluteLimitMs: analytics.ResponseTimeSLA,

		PatternMessageLimit:   100,
		ExcessiveMessages:     20,
		ExcessiveMessagesHigh: 30,
		FrustrationBurst:      3,
		FrustrationGapMs:      60000,
		ConfidenceSamples:     3,
		LowConfidence:         0.5,
		LowConfidenceHigh:     0.3,
		DelayedResponseMs:     300000,
		DelayedResponseHighMs: 600000,
	}
}

// Detector runs the snapshot and conversation-pattern checks. It holds no
// mutable state and is safe for concurrent use.
type Detector struct {
	thresholds Thresholds
	logger     *logrus.Entry
}

// NewDetector creates a detector with the given thresholds
func NewDetector(thresholds Thresholds, logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Detector{
		thresholds: thresholds,
		logger:     logger.WithField("component", "anomaly_detector"),
	}
}

// Thresholds returns the detector's policy
func (d *Detector) Thresholds() Thresholds {
	return d.thresholds
}

type snapshotCheck struct {
	kind Kind
	run  func(history []analytics.MetricSnapshot, latest analytics.MetricSnapshot) *Anomaly
}

// DetectFromSnapshots compares latest with history (oldest first, latest
// not included). Every check runs independently and keeps only the most
// recent usable samples of the metric it reads.
func (d *Detector) DetectFromSnapshots(history []analytics.MetricSnapshot, latest analytics.MetricSnapshot) []Anomaly {
	checks := []snapshotCheck{
		{KindLatencySpike, d.checkLatencySpike},
		{KindQualityDrop, d.checkQualityDrop},
		{KindHighToxicity, d.checkToxicity},
		{KindNegativeSentiment, d.checkSentiment},
		{KindResponseTimeDegradation, d.checkResponseTimeDegradation},
	}

	var out []Anomaly
	for _, check := range checks {
		if a := d.guard(check.kind, latest.ConversationID, func() *Anomaly { return check.run(history, latest) }); a != nil {
			out = append(out, *a)
		}
	}
	return out
}

type patternCheck struct {
	kind Kind
	run  func(conv signals.Conversation, messages []signals.Message) *Anomaly
}

// DetectFromConversation inspects raw messages (ordered by CreatedAt) for
// interaction patterns. Only the most recent PatternMessageLimit messages
// are considered.
func (d *Detector) DetectFromConversation(conv signals.Conversation, messages []signals.Message) []Anomaly {
	if limit := d.thresholds.PatternMessageLimit; limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	checks := []patternCheck{
		{KindExcessiveInteraction, d.checkExcessiveInteraction},
		{KindCustomerFrustration, d.checkCustomerFrustration},
		{KindLowAIConfidence, d.checkLowAIConfidence},
		{KindDelayedResponse, d.checkDelayedResponse},
	}

	var out []Anomaly
	for _, check := range checks {
		if a := d.guard(check.kind, conv.ID, func() *Anomaly { return check.run(conv, messages) }); a != nil {
			out = append(out, *a)
		}
	}
	return out
}

// guard isolates a single check so a panic degrades it to "no anomaly".
func (d *Detector) guard(kind Kind, conversationID string, fn func() *Anomaly) (result *Anomaly) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"anomaly_type":    string(kind),
				"conversation_id": conversationID,
				"panic":           fmt.Sprint(r),
			}).Error("Anomaly check failed, treating as no anomaly")
			result = nil
		}
	}()
	return fn()
}

func (d *Detector) checkLatencySpike(history []analytics.MetricSnapshot, latest analytics.MetricSnapshot) *Anomaly {
	t := d.thresholds
	var values []float64
	for _, s := range history {
		if s.Metrics.LatencyP95 > 0 {
			values = append(values, s.Metrics.LatencyP95)
		}
	}
	values = lastN(values, t.HistoryLimit)
	if len(values) < t.LatencyMinSamples || latest.Metrics.LatencyP95 <= 0 {
		return nil
	}

	mean, std := meanStdDev(values)
	if std == 0 {
		std = math.Max(t.ZeroVarianceStdDev, t.ZeroVarianceFraction*mean)
	}
	if std <= 0 {
		return nil
	}
	current := latest.Metrics.LatencyP95
	z := (current - mean) / std
	if z <= t.LatencyZScore {
		return nil
	}

	severity := SeverityMedium
	if z > t.LatencyZScoreHigh {
		severity = SeverityHigh
	}
	a := newAnomaly(LatencySpike{Mean: mean, StdDev: std, ZScore: z, Samples: len(values)},
		severity, SourceMetrics, current,
		fmt.Sprintf("Response latency %.0fms is %.2f standard deviations above the recent mean of %.0fms", current, z, mean)).
		withThreshold(mean + t.LatencyZScore*std)
	return &a
}

func (d *Detector) checkQualityDrop(history []analytics.MetricSnapshot, latest analytics.MetricSnapshot) *Anomaly {
	t := d.thresholds
	var values []float64
	for _, s := range history {
		if s.Metrics.CompositeScore > 0 {
			values = append(values, s.Metrics.CompositeScore)
		}
	}
	values = lastN(values, t.HistoryLimit)
	current := latest.Metrics.CompositeScore
	if len(values) == 0 || current <= 0 {
		return nil
	}

	expected := ewma(values, t.QualityAlpha)
	drop := expected - current
	if drop <= t.QualityDrop {
		return nil
	}

	severity := SeverityMedium
	if drop > t.QualityDropHigh {
		severity = SeverityHigh
	}
	a := newAnomaly(QualityDrop{Expected: expected, Drop: drop}, severity, SourceMetrics, current,
		fmt.Sprintf("Composite quality score %.2f dropped %.2f below the expected %.2f", current, drop, expected)).
		withExpected(expected)
	return &a
}

func (d *Detector) checkToxicity(_ []analytics.MetricSnapshot, latest analytics.MetricSnapshot) *Anomaly {
	t := d.thresholds
	value := latest.Metrics.ToxicityAvg
	if value <= t.Toxicity {
		return nil
	}
	severity := SeverityMedium
	if value > t.ToxicityHigh {
		severity = SeverityHigh
	}
	a := newAnomaly(HighToxicity{}, severity, SourceMetrics, value,
		fmt.Sprintf("Average toxicity %.2f exceeds %.2f", value, t.Toxicity)).
		withThreshold(t.Toxicity)
	return &a
}

func (d *Detector) checkSentiment(_ []analytics.MetricSnapshot, latest analytics.MetricSnapshot) *Anomaly {
	t := d.thresholds
	value := latest.Metrics.SentimentAvg
	if value >= t.Sentiment {
		return nil
	}
	severity := SeverityMedium
	if value < t.SentimentHigh {
		severity = SeverityHigh
	}
	a := newAnomaly(NegativeSentiment{}, severity, SourceMetrics, value,
		fmt.Sprintf("Average customer sentiment %.2f is below %.2f", value, t.Sentiment)).
		withThreshold(t.Sentiment)
	return &a
}

func (d *Detector) checkResponseTimeDegradation(history []analytics.MetricSnapshot, latest analytics.MetricSnapshot) *Anomaly {
	t := d.thresholds
	var values []float64
	for _, s := range history {
		if s.Metrics.AverageResponseTime > 0 {
			values = append(values, s.Metrics.AverageResponseTime)
		}
	}
	values = lastN(values, t.ResponseHistoryLimit)
	if len(values) < t.ResponseMinSamples {
		return nil
	}

	split := len(values) - t.ResponseRecentSamples
	if split < 0 {
		split = 0
	}
	recentAvg := average(values[split:])
	olderAvg := average(values[:split])
	current := latest.Metrics.AverageResponseTime

	if recentAvg <= t.ResponseDegradeFactor*olderAvg || current <= t.ResponseAbsoluteLimitMs {
		return nil
	}

	a := newAnomaly(ResponseTimeDegradation{RecentAvg: recentAvg, OlderAvg: olderAvg}, SeverityMedium, SourceMetrics, current,
		fmt.Sprintf("Average response time rose to %.0fms, recent average %.0fms versus %.0fms before", current, recentAvg, olderAvg)).
		withThreshold(t.ResponseAbsoluteLimitMs).
		withExpected(olderAvg)
	return &a
}

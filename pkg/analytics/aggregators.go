package analytics

import (
	"time"

	"convopulse/pkg/signals"
)

// Window is the input every aggregator reads: one conversation and the
// messages recorded inside [Start, End], ordered by CreatedAt.
type Window struct {
	Conversation signals.Conversation
	Messages     []signals.Message
	Start        time.Time
	End          time.Time
}

// Aggregator folds the messages of a window into part of the metrics bag.
// Aggregators run in order and may read fields filled by earlier ones.
type Aggregator interface {
	Aggregate(w *Window, m *SnapshotMetrics)
}

// AggregatorFunc adapts a function to the Aggregator interface
type AggregatorFunc func(w *Window, m *SnapshotMetrics)

// Aggregate calls f
func (f AggregatorFunc) Aggregate(w *Window, m *SnapshotMetrics) {
	f(w, m)
}

// DefaultAggregators returns the standard aggregation chain. The scoring
// aggregator must stay last.
func DefaultAggregators(weights Weights) []Aggregator {
	return []Aggregator{
		AggregatorFunc(aggregateLatency),
		AggregatorFunc(aggregateResponseTimes),
		AggregatorFunc(aggregateSignals),
		AggregatorFunc(aggregateBreakdown),
		AggregatorFunc(aggregateSupervisor),
		AggregatorFunc(aggregateConversation),
		&scoringAggregator{weights: weights},
	}
}

func aggregateLatency(w *Window, m *SnapshotMetrics) {
	latencies := make([]float64, 0, len(w.Messages))
	for _, msg := range w.Messages {
		latencies = append(latencies, msg.LatencyMs)
	}
	m.LatencyP95 = P95(latencies)
}

func aggregateResponseTimes(w *Window, m *SnapshotMetrics) {
	values := make([]float64, 0, len(w.Messages))
	for _, msg := range w.Messages {
		values = append(values, msg.ResponseTimeMs)
	}
	stats := ComputeResponseTimeStats(values)
	m.AverageResponseTime = stats.Average
	m.MedianResponseTime = stats.Median
	m.MaxResponseTime = stats.Max
	m.MinResponseTime = stats.Min
}

func aggregateSignals(w *Window, m *SnapshotMetrics) {
	if len(w.Messages) == 0 {
		return
	}

	var toxicity, polarity float64
	confidences := make([]float64, 0)
	for _, msg := range w.Messages {
		toxicity += msg.Toxicity
		polarity += msg.Polarity
		if msg.SenderType == signals.SenderAI && msg.Confidence > 0 {
			confidences = append(confidences, msg.Confidence)
		}
	}

	n := float64(len(w.Messages))
	m.ToxicityAvg = toxicity / n
	m.SentimentAvg = polarity / n
	m.AIConfidenceAvg = DefaultAIConfidence
	if len(confidences) > 0 {
		m.AIConfidenceAvg = Mean(confidences)
	}
}

func aggregateBreakdown(w *Window, m *SnapshotMetrics) {
	m.TotalMessages = len(w.Messages)
	for _, msg := range w.Messages {
		switch msg.SenderType {
		case signals.SenderAI:
			m.AIMessages++
		case signals.SenderCustomer:
			m.CustomerMessages++
		case signals.SenderSupervisor:
			m.SupervisorMessages++
		}
	}
}

func aggregateSupervisor(w *Window, m *SnapshotMetrics) {
	var takeovers, returns []time.Time
	var first, last time.Time

	for _, msg := range w.Messages {
		if msg.IsTakeover() {
			takeovers = append(takeovers, msg.CreatedAt)
		}
		if msg.IsReturn() {
			returns = append(returns, msg.CreatedAt)
		}
		if msg.SenderType == signals.SenderSupervisor {
			if first.IsZero() || msg.CreatedAt.Before(first) {
				first = msg.CreatedAt
			}
			if msg.CreatedAt.After(last) {
				last = msg.CreatedAt
			}
		}
	}

	m.TakeoverCount = len(takeovers)
	m.ReturnCount = len(returns)
	m.TakeoverRate = ratio(len(takeovers), len(w.Messages))
	if !first.IsZero() {
		m.SupervisorActiveTime = float64(last.Sub(first).Milliseconds())
	}

	var handoffs []float64
	for _, takeover := range takeovers {
		for _, ret := range returns {
			if ret.After(takeover) {
				handoffs = append(handoffs, float64(ret.Sub(takeover).Milliseconds()))
				break
			}
		}
	}
	m.AverageHandoffTime = Mean(handoffs)
}

func aggregateConversation(w *Window, m *SnapshotMetrics) {
	m.TotalConversations = 1
	switch w.Conversation.Status {
	case signals.StatusActive, signals.StatusWaiting:
		m.ActiveConversations = 1
	case signals.StatusResolved, signals.StatusClosed:
		m.ResolvedConversations = 1
	case signals.StatusEscalated:
		m.EscalatedConversations = 1
	case signals.StatusAbandoned:
		m.AbandonedConversations = 1
	}

	m.ResolutionRate = ratio(m.ResolvedConversations, m.TotalConversations)
	m.EscalationRate = ratio(m.EscalatedConversations, m.TotalConversations)
	if m.ResolvedConversations > 0 && m.TakeoverCount == 0 {
		m.FirstCallResolutionRate = ratio(m.ResolvedConversations, m.TotalConversations)
	}
}

type scoringAggregator struct {
	weights Weights
}

func (s *scoringAggregator) Aggregate(_ *Window, m *SnapshotMetrics) {
	m.TechnicalHealth = NormalizeTechnical(m.LatencyP95)
	m.AIQuality = AIQualityScore(m.ToxicityAvg, m.AIConfidenceAvg)
	m.CustomerExperience = CustomerExperienceScore(m.SentimentAvg, m.AverageResponseTime)
	m.CompositeScore = CompositeScore(m.TechnicalHealth, m.AIQuality, m.CustomerExperience, s.weights)
}

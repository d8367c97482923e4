package analytics

import (
	"math"

	"convopulse/pkg/errors"
)

const (
	// FastLatencyMs is the P95 at or below which technical health is 1.
	FastLatencyMs = 200.0
	// SlowLatencyMs is the P95 at or above which technical health is 0.
	SlowLatencyMs = 2000.0
	// ResponseTimeSLA is the response time in milliseconds at which the
	// customer experience response term reaches 0. It does not scale with
	// the aggregation window.
	ResponseTimeSLA = 120000.0
	// DefaultAIConfidence is used when no AI message reported a confidence.
	DefaultAIConfidence = 0.5

	weightTolerance = 1e-6
)

// Weights are the composite score weights. They must sum to 1.
type Weights struct {
	TechnicalHealth    float64 `json:"technical_health" env:"SCORING_WEIGHT_TECHNICAL" default:"0.35"`
	AIQuality          float64 `json:"ai_quality" env:"SCORING_WEIGHT_AI" default:"0.35"`
	CustomerExperience float64 `json:"customer_experience" env:"SCORING_WEIGHT_CX" default:"0.30"`
}

// DefaultWeights returns the standard 0.35/0.35/0.30 split
func DefaultWeights() Weights {
	return Weights{TechnicalHealth: 0.35, AIQuality: 0.35, CustomerExperience: 0.30}
}

// Validate rejects negative weights and weights that do not sum to 1
func (w Weights) Validate() error {
	fields := map[string]interface{}{
		"technical_health":    w.TechnicalHealth,
		"ai_quality":          w.AIQuality,
		"customer_experience": w.CustomerExperience,
	}
	if w.TechnicalHealth < 0 || w.AIQuality < 0 || w.CustomerExperience < 0 {
		return errors.NewInvalidInput("composite weights must be non-negative", fields)
	}
	sum := w.TechnicalHealth + w.AIQuality + w.CustomerExperience
	if math.Abs(sum-1) > weightTolerance {
		return errors.NewInvalidInput("composite weights must sum to 1", fields).WithField("sum", sum)
	}
	return nil
}

// CompositeScore combines the three sub-scores into one 0..1 health value.
// Inputs are clamped to [0,1] before weighting.
func CompositeScore(technicalHealth, aiQuality, customerExperience float64, w Weights) float64 {
	score := w.TechnicalHealth*Clamp01(technicalHealth) +
		w.AIQuality*Clamp01(aiQuality) +
		w.CustomerExperience*Clamp01(customerExperience)
	return Clamp01(score)
}

// NormalizeTechnical maps a latency P95 onto [0,1], 1 being fast.
func NormalizeTechnical(p95Ms float64) float64 {
	if p95Ms <= FastLatencyMs {
		return 1
	}
	if p95Ms >= SlowLatencyMs {
		return 0
	}
	return 1 - (p95Ms-FastLatencyMs)/(SlowLatencyMs-FastLatencyMs)
}

// AIQualityScore weighs the absence of toxicity against model confidence.
func AIQualityScore(toxicityAvg, confidence float64) float64 {
	return 0.7*(1-Clamp01(toxicityAvg)) + 0.3*Clamp01(confidence)
}

// CustomerExperienceScore mixes mapped sentiment with response time.
func CustomerExperienceScore(sentimentAvg, avgResponseTimeMs float64) float64 {
	sentiment := Clamp01((sentimentAvg + 1) / 2)
	responseScore := 1.0
	if avgResponseTimeMs > 0 {
		responseScore = math.Max(0, 1-avgResponseTimeMs/ResponseTimeSLA)
	}
	return 0.6*sentiment + 0.4*responseScore
}

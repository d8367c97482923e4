package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convopulse/pkg/errors"
)

func TestNormalizeTechnical(t *testing.T) {
	assert.Equal(t, 1.0, NormalizeTechnical(0))
	assert.Equal(t, 1.0, NormalizeTechnical(200))
	assert.Equal(t, 0.0, NormalizeTechnical(2000))
	assert.Equal(t, 0.0, NormalizeTechnical(5000))
	assert.InDelta(t, 0.5, NormalizeTechnical(1100), 1e-9)
}

func TestCompositeScoreBounds(t *testing.T) {
	w := DefaultWeights()
	inputs := []float64{-3, -0.5, 0, 0.1, 0.5, 0.99, 1, 1.5, 10}

	for _, th := range inputs {
		for _, ai := range inputs {
			for _, cx := range inputs {
				score := CompositeScore(th, ai, cx, w)
				assert.GreaterOrEqual(t, score, 0.0)
				assert.LessOrEqual(t, score, 1.0)
			}
		}
	}
}

func TestCompositeScoreMonotonic(t *testing.T) {
	w := DefaultWeights()
	steps := []float64{0, 0.2, 0.4, 0.6, 0.8, 1}
	fixed := []float64{0, 0.5, 1}

	for _, a := range fixed {
		for _, b := range fixed {
			prev := -1.0
			for _, x := range steps {
				score := CompositeScore(x, a, b, w)
				assert.GreaterOrEqual(t, score, prev)
				prev = score
			}

			prev = -1.0
			for _, x := range steps {
				score := CompositeScore(a, x, b, w)
				assert.GreaterOrEqual(t, score, prev)
				prev = score
			}

			prev = -1.0
			for _, x := range steps {
				score := CompositeScore(a, b, x, w)
				assert.GreaterOrEqual(t, score, prev)
				prev = score
			}
		}
	}
}

func TestCompositeScoreWeighting(t *testing.T) {
	assert.InDelta(t, 0.35, CompositeScore(1, 0, 0, DefaultWeights()), 1e-9)
	assert.InDelta(t, 0.30, CompositeScore(0, 0, 1, DefaultWeights()), 1e-9)
	assert.InDelta(t, 1.0, CompositeScore(1, 1, 1, DefaultWeights()), 1e-9)
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())

	err := Weights{TechnicalHealth: 0.5, AIQuality: 0.5, CustomerExperience: 0.5}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	err = Weights{TechnicalHealth: 1.2, AIQuality: -0.2, CustomerExperience: 0}.Validate()
	require.Error(t, err)
}

func TestSubScores(t *testing.T) {
	assert.InDelta(t, 0.85, AIQualityScore(0, 0.5), 1e-9)
	assert.InDelta(t, 0.3, AIQualityScore(1.4, 1), 1e-9)

	// neutral sentiment, no response time reported
	assert.InDelta(t, 0.7, CustomerExperienceScore(0, 0), 1e-9)
	// response time beyond the SLA contributes nothing
	assert.InDelta(t, 0.6, CustomerExperienceScore(1, 240000), 1e-9)
	assert.InDelta(t, 0.2, CustomerExperienceScore(-1, 60000), 1e-9)
}

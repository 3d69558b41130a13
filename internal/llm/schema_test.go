package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTask_AcceptsAliasFields(t *testing.T) {
	raw := RawCandidate{"task": "Send pricing sheet", "confidence": 0.9, "priority": "HIGH"}
	got, ok := NormalizeTask(raw)
	assert.True(t, ok)
	assert.Equal(t, "Send pricing sheet", got.Title)
	assert.Equal(t, "high", got.Priority)
	assert.Equal(t, 0.9, got.Confidence)
}

func TestNormalizeTask_RejectsMissingName(t *testing.T) {
	raw := RawCandidate{"confidence": 0.9}
	_, ok := NormalizeTask(raw)
	assert.False(t, ok)
}

func TestNormalizeTask_ClampsOutOfRangeConfidence(t *testing.T) {
	raw := RawCandidate{"title": "Follow up", "confidence": 1.5}
	got, ok := NormalizeTask(raw)
	assert.True(t, ok)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestNormalizeDeal_IndianCurrencyString(t *testing.T) {
	raw := RawCandidate{"title": "Enterprise deal", "value": "₹1.5 Cr", "confidence": 0.75}
	got, ok := NormalizeDeal(raw)
	assert.True(t, ok)
	assert.Equal(t, "INR", got.Currency)
	assert.Equal(t, float64(15_000_000), got.Value)
}

func TestNormalizeDeal_DefaultsStageWhenInvalid(t *testing.T) {
	raw := RawCandidate{"title": "Some deal", "stage": "bogus"}
	got, ok := NormalizeDeal(raw)
	assert.True(t, ok)
	assert.Equal(t, "lead", got.Stage)
}

func TestNormalizeDeal_RejectsMissingName(t *testing.T) {
	_, ok := NormalizeDeal(RawCandidate{"value": "100"})
	assert.False(t, ok)
}

package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanAndStdDev(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 5.0, Mean(xs), 1e-12)
	assert.InDelta(t, 2.138089935, StdDev(xs), 1e-9)

	assert.Zero(t, Mean(nil))
	assert.Zero(t, StdDev([]float64{3}))
}

func TestMax(t *testing.T) {
	m, ok := Max([]float64{3, 9, -1})
	assert.True(t, ok)
	assert.Equal(t, 9.0, m)

	_, ok = Max(nil)
	assert.False(t, ok)
}

func TestExcessConfidence(t *testing.T) {
	assert.Zero(t, ExcessConfidence(1.0, 1.0))
	assert.Zero(t, ExcessConfidence(0.5, 1.0))
	assert.InDelta(t, 0.1/1.1, ExcessConfidence(1.1, 1.0), 1e-12)
	assert.Less(t, ExcessConfidence(1000, 1.0), 1.0)
}

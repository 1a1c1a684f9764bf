package verify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix/dmrv-engine/internal/db"
	"github.com/lumix/dmrv-engine/internal/verify"
)

const (
	testCorrelationThreshold = 0.90
	testExcessTolerance      = 1.05
	testMinSamples           = 3
)

func newDetector() *verify.Detector {
	return verify.NewDetector(testCorrelationThreshold, testExcessTolerance, testMinSamples)
}

// flatDay builds an actual curve with kwhPerHour in daylight hours 6-17.
func flatDay(kwhPerHour float64) [24]verify.Bucket {
	var actual [24]verify.Bucket
	for hour := 6; hour < 18; hour++ {
		actual[hour] = verify.Bucket{KWh: kwhPerHour, Readings: 1}
	}
	return actual
}

// flatTheoretical is 5 kWh across daylight hours 6-17 (60 kWh total).
func flatTheoretical() [24]float64 {
	var curve [24]float64
	for hour := 6; hour < 18; hour++ {
		curve[hour] = 5.0
	}
	return curve
}

func TestScore_VerifiedOnHighCorrelation(t *testing.T) {
	decision, err := newDetector().Score(flatDay(50.0/12.0), flatTheoretical())
	require.NoError(t, err)

	assert.Equal(t, db.StatusVerified, decision.Status)
	assert.Greater(t, decision.Correlation, testCorrelationThreshold)
	assert.Empty(t, decision.FlaggedReason)
}

func TestScore_FlaggedOnExcessOutput(t *testing.T) {
	// 80 kWh against a 60 kWh theoretical maximum.
	decision, err := newDetector().Score(flatDay(80.0/12.0), flatTheoretical())
	require.NoError(t, err)

	assert.Equal(t, db.StatusFlagged, decision.Status)
	assert.Contains(t, decision.FlaggedReason, "20.00 kWh")
}

func TestScore_ExcessTakesPrecedenceOverCorrelation(t *testing.T) {
	// The inflated curve is perfectly correlated with the theoretical
	// one; it must still be flagged.
	decision, err := newDetector().Score(flatDay(10.0), flatTheoretical())
	require.NoError(t, err)

	assert.Equal(t, db.StatusFlagged, decision.Status)
	assert.Greater(t, decision.Correlation, testCorrelationThreshold,
		"correlation is still recorded for diagnostics")
}

func TestScore_PendingOnLowCorrelation(t *testing.T) {
	var actual [24]verify.Bucket
	actual[6] = verify.Bucket{KWh: 20, Readings: 1}
	for hour := 7; hour < 18; hour++ {
		actual[hour] = verify.Bucket{KWh: 1, Readings: 1}
	}

	decision, err := newDetector().Score(actual, flatTheoretical())
	require.NoError(t, err)

	assert.Equal(t, db.StatusPending, decision.Status)
	assert.LessOrEqual(t, decision.Correlation, testCorrelationThreshold)
	assert.Contains(t, decision.FlaggedReason, "below threshold")
}

func TestScore_InsufficientSamples(t *testing.T) {
	var actual [24]verify.Bucket
	actual[10] = verify.Bucket{KWh: 5, Readings: 2}
	actual[11] = verify.Bucket{KWh: 5, Readings: 1}

	_, err := newDetector().Score(actual, flatTheoretical())
	assert.ErrorIs(t, err, verify.ErrInsufficientSamples)
}

func TestScore_DegenerateCurvesYieldZeroCorrelation(t *testing.T) {
	// Constant theoretical curve has zero variance, so correlation is
	// defined as 0 and the credit stays pending.
	var theoretical [24]float64
	for hour := range theoretical {
		theoretical[hour] = 5.0
	}

	decision, err := newDetector().Score(flatDay(4.0), theoretical)
	require.NoError(t, err)

	assert.Equal(t, db.StatusPending, decision.Status)
	assert.Zero(t, decision.Correlation)
}

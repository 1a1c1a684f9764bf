package theoretical_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix/dmrv-engine/internal/db"
	"github.com/lumix/dmrv-engine/internal/theoretical"
)

func sample(hour int, wm2 float64) db.IrradianceSample {
	return db.IrradianceSample{
		Date:          time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		Hour:          hour,
		IrradianceWM2: wm2,
	}
}

func TestHourlyCurve_ScalesWithIrradiance(t *testing.T) {
	samples := []db.IrradianceSample{
		sample(8, 250),
		sample(12, 500),
		sample(16, 750),
	}

	curve, err := theoretical.HourlyCurve(samples, 10.0)
	require.NoError(t, err)

	assert.InDelta(t, 2.5, curve[8], 1e-9)
	assert.InDelta(t, 5.0, curve[12], 1e-9)
	assert.InDelta(t, 7.5, curve[16], 1e-9)
	assert.Zero(t, curve[0], "hours without samples stay at zero")
}

func TestHourlyCurve_ClampedAtCapacity(t *testing.T) {
	// 1500 W/m² is above reference irradiance; output must not exceed
	// rated capacity.
	curve, err := theoretical.HourlyCurve([]db.IrradianceSample{sample(12, 1500)}, 10.0)
	require.NoError(t, err)

	assert.InDelta(t, 10.0, curve[12], 1e-9)
}

func TestHourlyCurve_NoSamples(t *testing.T) {
	_, err := theoretical.HourlyCurve(nil, 10.0)
	assert.ErrorIs(t, err, theoretical.ErrInsufficientData)
}

func TestHourlyCurve_IgnoresOutOfRangeHours(t *testing.T) {
	curve, err := theoretical.HourlyCurve([]db.IrradianceSample{
		sample(12, 500),
		sample(24, 500),
		sample(-1, 500),
	}, 10.0)
	require.NoError(t, err)

	assert.InDelta(t, 5.0, theoretical.TotalKWh(curve), 1e-9)
}

func TestTotalKWh(t *testing.T) {
	samples := make([]db.IrradianceSample, 0, 12)
	for hour := 6; hour < 18; hour++ {
		samples = append(samples, sample(hour, 500))
	}

	curve, err := theoretical.HourlyCurve(samples, 10.0)
	require.NoError(t, err)

	// 12 daylight hours at 5 kWh each.
	assert.InDelta(t, 60.0, theoretical.TotalKWh(curve), 1e-9)
}

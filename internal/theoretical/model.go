// Package theoretical derives the expected production curve of an inverter
// from satellite irradiance and rated capacity.
package theoretical

import (
	"errors"

	"github.com/lumix/dmrv-engine/internal/db"
)

// ErrInsufficientData indicates no irradiance sample exists for the
// requested date and location.
var ErrInsufficientData = errors.New("no irradiance data for requested date")

// referenceIrradianceWM2 is standard test condition irradiance: a panel
// produces its rated output at 1000 W/m².
const referenceIrradianceWM2 = 1000.0

// HourlyCurve converts one day of hourly irradiance samples into the
// theoretical kWh the inverter could have produced in each hour of the day.
// Each point is min(capacity_kw * irradiance/1000, capacity_kw); output can
// never exceed rated capacity. Hours without a sample stay at zero.
// Pure function; no side effects.
func HourlyCurve(samples []db.IrradianceSample, capacityKW float64) ([24]float64, error) {
	var curve [24]float64
	if len(samples) == 0 {
		return curve, ErrInsufficientData
	}

	for _, s := range samples {
		if s.Hour < 0 || s.Hour > 23 {
			continue
		}
		kw := capacityKW * s.IrradianceWM2 / referenceIrradianceWM2
		if kw > capacityKW {
			kw = capacityKW
		}
		if kw < 0 {
			kw = 0
		}
		// 1-hour buckets, so kW and kWh coincide numerically.
		curve[s.Hour] = kw
	}

	return curve, nil
}

// TotalKWh integrates an hourly curve into a daily total.
func TotalKWh(curve [24]float64) float64 {
	total := 0.0
	for _, v := range curve {
		total += v
	}
	return total
}

// Package verify scores an actual production curve against a theoretical
// one and applies the credit decision policy.
package verify

import (
	"errors"
	"fmt"
	"math"

	"github.com/lumix/dmrv-engine/internal/db"
)

// ErrInsufficientSamples indicates too few actual data points to make a
// decision; the caller must leave the credit at PENDING.
var ErrInsufficientSamples = errors.New("not enough actual samples for verification")

// Bucket is one hour of aggregated inverter production.
type Bucket struct {
	KWh      float64
	Readings int
}

// Decision is the outcome of scoring one day. It carries no side effects;
// the credit ledger applies it.
type Decision struct {
	Status        db.CreditStatus
	Correlation   float64
	FlaggedReason string
}

// Detector compares actual vs theoretical curves with configurable
// thresholds.
type Detector struct {
	correlationThreshold float64
	excessTolerance      float64
	minSamples           int
}

// NewDetector creates a detector. correlationThreshold is the minimum
// Pearson r for VERIFIED, excessTolerance the multiple of the theoretical
// total above which output is physically impossible, minSamples the number
// of hourly buckets with readings required to decide at all.
func NewDetector(correlationThreshold, excessTolerance float64, minSamples int) *Detector {
	return &Detector{
		correlationThreshold: correlationThreshold,
		excessTolerance:      excessTolerance,
		minSamples:           minSamples,
	}
}

// Score aligns both curves on the 24-hour grid and applies the decision
// policy. Precedence is fixed: physically impossible output flags the credit
// regardless of correlation, because high correlation with inflated absolute
// values is itself evidence of tampering.
func (d *Detector) Score(actual [24]Bucket, theoretical [24]float64) (Decision, error) {
	samples := 0
	actualTotal := 0.0
	theoreticalTotal := 0.0

	actualCurve := make([]float64, len(actual))
	for i, b := range actual {
		if b.Readings > 0 {
			samples++
		}
		actualCurve[i] = b.KWh
		actualTotal += b.KWh
		theoreticalTotal += theoretical[i]
	}

	if samples < d.minSamples {
		return Decision{}, fmt.Errorf("%w: %d hourly buckets with readings, need %d",
			ErrInsufficientSamples, samples, d.minSamples)
	}

	correlation := pearson(actualCurve, theoretical[:])

	if actualTotal > theoreticalTotal*d.excessTolerance {
		excess := actualTotal - theoreticalTotal
		return Decision{
			Status:      db.StatusFlagged,
			Correlation: correlation,
			FlaggedReason: fmt.Sprintf("actual output %.2f kWh exceeds theoretical maximum %.2f kWh by %.2f kWh",
				actualTotal, theoreticalTotal, excess),
		}, nil
	}

	if correlation > d.correlationThreshold {
		return Decision{Status: db.StatusVerified, Correlation: correlation}, nil
	}

	return Decision{
		Status:      db.StatusPending,
		Correlation: correlation,
		FlaggedReason: fmt.Sprintf("correlation %.4f below threshold %.2f",
			correlation, d.correlationThreshold),
	}, nil
}

// pearson computes the absolute Pearson correlation coefficient of two
// equally sized series. Degenerate series (zero variance) yield 0.
func pearson(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	n := float64(len(a))
	meanA, meanB := 0.0, 0.0
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	num, sumSqA, sumSqB := 0.0, 0.0, 0.0
	for i := range a {
		da := a[i] - meanA
		dbv := b[i] - meanB
		num += da * dbv
		sumSqA += da * da
		sumSqB += dbv * dbv
	}

	denom := math.Sqrt(sumSqA * sumSqB)
	if denom == 0 {
		return 0
	}

	return math.Abs(num / denom)
}

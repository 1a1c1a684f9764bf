package validator

import (
	"fmt"
	"time"

	"github.com/lumix/dmrv-engine/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

// ReadingData is a single raw inverter reading as submitted by a client.
type ReadingData struct {
	Timestamp string
	KWh       float64
}

// Validator checks raw readings before they enter the reading store.
type Validator struct {
	timestampToleranceMinutes int
}

// NewValidator creates a validator with the specified timestamp tolerance
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
	}
}

// ValidateReading validates a single raw reading against receivedAt.
// Returns the parsed timestamp on success.
func (v *Validator) ValidateReading(reading ReadingData, receivedAt time.Time) (time.Time, ValidationResult) {
	if reading.KWh < 0 {
		return time.Time{}, ValidationResult{Reason: "negative kwh value"}
	}

	readingTime, err := timeparser.ParseReadingTimestamp(reading.Timestamp)
	if err != nil {
		return time.Time{}, ValidationResult{Reason: fmt.Sprintf("invalid timestamp format: %v", err)}
	}

	if !timeparser.IsWithinTolerance(readingTime, receivedAt, v.timestampToleranceMinutes) {
		return readingTime, ValidationResult{
			Reason: fmt.Sprintf("timestamp outside tolerance window (±%d minutes)", v.timestampToleranceMinutes),
		}
	}

	return readingTime, ValidationResult{IsValid: true}
}

package validator_test

import (
	"testing"
	"time"

	"github.com/lumix/dmrv-engine/internal/validator"
)

const testTimestampToleranceMinutes = 30

func TestValidateReading_ValidReading(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	reading := validator.ReadingData{
		Timestamp: "2025-01-15T10:30:00Z",
		KWh:       4.25,
	}

	receivedAt := time.Date(2025, 1, 15, 10, 32, 0, 0, time.UTC)

	timestamp, result := v.ValidateReading(reading, receivedAt)

	if !result.IsValid {
		t.Errorf("Expected valid result, got invalid: %s", result.Reason)
	}

	expectedTime := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	if !timestamp.Equal(expectedTime) {
		t.Errorf("Expected timestamp %v, got %v", expectedTime, timestamp)
	}
}

func TestValidateReading_NegativeKWh(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	reading := validator.ReadingData{
		Timestamp: "2025-01-15T10:30:00Z",
		KWh:       -1.5,
	}

	receivedAt := time.Date(2025, 1, 15, 10, 32, 0, 0, time.UTC)

	_, result := v.ValidateReading(reading, receivedAt)

	if result.IsValid {
		t.Error("Expected invalid result for negative kwh")
	}

	if result.Reason != "negative kwh value" {
		t.Errorf("Expected 'negative kwh value', got '%s'", result.Reason)
	}
}

func TestValidateReading_ZeroKWh(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	// Zero output is a real state for an inverter at night.
	reading := validator.ReadingData{
		Timestamp: "2025-01-15T02:30:00Z",
		KWh:       0,
	}

	receivedAt := time.Date(2025, 1, 15, 2, 32, 0, 0, time.UTC)

	_, result := v.ValidateReading(reading, receivedAt)

	if !result.IsValid {
		t.Errorf("Expected valid result for zero kwh, got invalid: %s", result.Reason)
	}
}

func TestValidateReading_InvalidTimestamp(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	reading := validator.ReadingData{
		Timestamp: "not-a-timestamp",
		KWh:       4.25,
	}

	receivedAt := time.Date(2025, 1, 15, 10, 32, 0, 0, time.UTC)

	_, result := v.ValidateReading(reading, receivedAt)

	if result.IsValid {
		t.Error("Expected invalid result for unparseable timestamp")
	}
}

func TestValidateReading_OutsideTolerance(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	reading := validator.ReadingData{
		Timestamp: "2025-01-15T09:00:00Z",
		KWh:       4.25,
	}

	// Received over 30 minutes later (outside tolerance)
	receivedAt := time.Date(2025, 1, 15, 9, 30, 1, 0, time.UTC)

	_, result := v.ValidateReading(reading, receivedAt)

	if result.IsValid {
		t.Error("Expected invalid result for timestamp outside tolerance")
	}
}

func TestValidateReading_VendorCSVFormat(t *testing.T) {
	v := validator.NewValidator(testTimestampToleranceMinutes)

	reading := validator.ReadingData{
		Timestamp: "15/01/2025 10:30:00",
		KWh:       4.25,
	}

	receivedAt := time.Date(2025, 1, 15, 10, 32, 0, 0, time.UTC)

	timestamp, result := v.ValidateReading(reading, receivedAt)

	if !result.IsValid {
		t.Errorf("Expected valid result, got invalid: %s", result.Reason)
	}

	expectedTime := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	if !timestamp.Equal(expectedTime) {
		t.Errorf("Expected timestamp %v, got %v", expectedTime, timestamp)
	}
}

package db

import (
	"time"

	"github.com/google/uuid"
)

// CreditStatus is the lifecycle status of a carbon credit.
type CreditStatus string

const (
	StatusPending   CreditStatus = "PENDING"
	StatusVerified  CreditStatus = "VERIFIED"
	StatusFlagged   CreditStatus = "FLAGGED"
	StatusSubmitted CreditStatus = "SUBMITTED"
)

// Valid reports whether s is a known credit status.
func (s CreditStatus) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusFlagged, StatusSubmitted:
		return true
	}
	return false
}

// Inverter represents a solar inverter installation.
// Capacity and coordinates are immutable after creation.
type Inverter struct {
	ID         uuid.UUID
	GPSLat     float64
	GPSLon     float64
	CapacityKW float64
	CreatedAt  time.Time
}

// Reading is a single kWh production sample from an inverter.
type Reading struct {
	ID         uuid.UUID
	InverterID uuid.UUID
	Timestamp  time.Time
	KWh        float64
	CreatedAt  time.Time
}

// CreditRecord tracks daily CO2 avoided and verification status for one
// inverter. One record per (inverter_id, credit_date).
type CreditRecord struct {
	ID            uuid.UUID
	InverterID    uuid.UUID
	CreditDate    time.Time // date only, midnight UTC
	TonnesCO2     float64
	Status        CreditStatus
	Correlation   *float64
	FlaggedReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEntry is one link in the hash-chained audit trail. Payload is the
// canonical JSON serialization of the audited event; ThisHash covers
// PrevHash, Payload, Timestamp and Seq.
type AuditEntry struct {
	Seq         int64
	Timestamp   time.Time
	EntityRef   string
	Action      string
	Payload     []byte
	PayloadHash string
	PrevHash    string
	ThisHash    string
}

// IrradianceSample is one hour of satellite irradiance for a rounded
// location. Lat/Lon are stored already rounded to the cache precision.
type IrradianceSample struct {
	Lat           float64
	Lon           float64
	Date          time.Time // date only, midnight UTC
	Hour          int       // 0-23
	IrradianceWM2 float64
	FetchedAt     time.Time
}

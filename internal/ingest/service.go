// Package ingest handles inverter registration and reading ingestion.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumix/dmrv-engine/internal/audit"
	"github.com/lumix/dmrv-engine/internal/db"
	"github.com/lumix/dmrv-engine/internal/validator"
)

var (
	// ErrInverterNotFound indicates an unknown inverter ID.
	ErrInverterNotFound = errors.New("inverter not found")
	// ErrInvalidInverter indicates rejected inverter parameters.
	ErrInvalidInverter = errors.New("invalid inverter parameters")
	// ErrNoValidReadings indicates every reading in a batch was rejected.
	ErrNoValidReadings = errors.New("no valid readings in batch")
)

// Store persists inverters and readings. CreateInverter and UpsertReadings
// append their audit event atomically with the write.
type Store interface {
	CreateInverter(ctx context.Context, inv *db.Inverter, evt audit.Event) (*db.Inverter, error)
	GetInverter(ctx context.Context, id uuid.UUID) (*db.Inverter, error)
	ListInverters(ctx context.Context) ([]db.Inverter, error)
	UpsertReadings(ctx context.Context, readings []db.Reading, evt audit.Event) error
}

// RawReading is a reading as submitted over the API, timestamp unparsed.
type RawReading struct {
	Timestamp string  `json:"timestamp"`
	KWh       float64 `json:"kwh"`
}

// Rejected describes one reading dropped during ingestion.
type Rejected struct {
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
}

// Result summarizes one ingestion batch.
type Result struct {
	Accepted int        `json:"accepted"`
	Rejected []Rejected `json:"rejected,omitempty"`
}

// Service validates and stores inverters and readings.
type Service struct {
	store     Store
	validator *validator.Validator
	logger    *zap.Logger
}

// NewService creates an ingestion service.
func NewService(store Store, v *validator.Validator, logger *zap.Logger) *Service {
	return &Service{store: store, validator: v, logger: logger}
}

// CreateInverter registers a new inverter and audits the creation.
func (s *Service) CreateInverter(ctx context.Context, lat, lon, capacityKW float64) (*db.Inverter, error) {
	if capacityKW <= 0 {
		return nil, fmt.Errorf("%w: capacity_kw must be positive", ErrInvalidInverter)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidInverter)
	}

	inv := &db.Inverter{
		ID:         uuid.New(),
		GPSLat:     lat,
		GPSLon:     lon,
		CapacityKW: capacityKW,
		CreatedAt:  time.Now().UTC(),
	}

	evt := audit.Event{
		EntityRef: "inverter/" + inv.ID.String(),
		Action:    audit.ActionInverterCreated,
		Payload: map[string]any{
			"inverter_id": inv.ID.String(),
			"gps_lat":     lat,
			"gps_lon":     lon,
			"capacity_kw": capacityKW,
		},
	}

	created, err := s.store.CreateInverter(ctx, inv, evt)
	if err != nil {
		return nil, fmt.Errorf("failed to create inverter: %w", err)
	}

	s.logger.Info("inverter created",
		zap.String("inverter_id", created.ID.String()),
		zap.Float64("capacity_kw", capacityKW),
	)
	return created, nil
}

// GetInverter returns one inverter or ErrInverterNotFound.
func (s *Service) GetInverter(ctx context.Context, id uuid.UUID) (*db.Inverter, error) {
	inv, err := s.store.GetInverter(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load inverter: %w", err)
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: %s", ErrInverterNotFound, id)
	}
	return inv, nil
}

// ListInverters returns all registered inverters.
func (s *Service) ListInverters(ctx context.Context) ([]db.Inverter, error) {
	return s.store.ListInverters(ctx)
}

// IngestReadings validates a batch and upserts the valid readings. A reading
// at an already stored (inverter_id, timestamp) overwrites the prior value.
// Invalid readings are reported back, not stored; the whole batch fails only
// when nothing in it is valid.
func (s *Service) IngestReadings(ctx context.Context, inverterID uuid.UUID, raw []RawReading) (*Result, error) {
	inv, err := s.store.GetInverter(ctx, inverterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inverter: %w", err)
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: %s", ErrInverterNotFound, inverterID)
	}

	receivedAt := time.Now().UTC()
	result := &Result{}
	readings := make([]db.Reading, 0, len(raw))
	totalKWh := 0.0

	for _, r := range raw {
		ts, vres := s.validator.ValidateReading(validator.ReadingData{Timestamp: r.Timestamp, KWh: r.KWh}, receivedAt)
		if !vres.IsValid {
			result.Rejected = append(result.Rejected, Rejected{Timestamp: r.Timestamp, Reason: vres.Reason})
			continue
		}
		readings = append(readings, db.Reading{
			ID:         uuid.New(),
			InverterID: inverterID,
			Timestamp:  ts,
			KWh:        r.KWh,
			CreatedAt:  receivedAt,
		})
		totalKWh += r.KWh
	}

	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: %d rejected", ErrNoValidReadings, len(result.Rejected))
	}

	evt := audit.Event{
		EntityRef: "inverter/" + inverterID.String(),
		Action:    audit.ActionReadingsIngested,
		Payload: map[string]any{
			"inverter_id": inverterID.String(),
			"count":       len(readings),
			"kwh_total":   totalKWh,
		},
	}

	if err := s.store.UpsertReadings(ctx, readings, evt); err != nil {
		return nil, fmt.Errorf("failed to store readings: %w", err)
	}

	result.Accepted = len(readings)
	s.logger.Info("readings ingested",
		zap.String("inverter_id", inverterID.String()),
		zap.Int("accepted", result.Accepted),
		zap.Int("rejected", len(result.Rejected)),
	)
	return result, nil
}

// Package ledger owns the carbon credit lifecycle: calculation,
// verification against satellite-derived theoretical output, and manual
// status overrides. It is the only writer of credit records and the only
// producer of credit audit events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumix/dmrv-engine/internal/audit"
	"github.com/lumix/dmrv-engine/internal/config"
	"github.com/lumix/dmrv-engine/internal/db"
	"github.com/lumix/dmrv-engine/internal/keylock"
	"github.com/lumix/dmrv-engine/internal/logging"
	"github.com/lumix/dmrv-engine/internal/metrics"
	"github.com/lumix/dmrv-engine/internal/theoretical"
	"github.com/lumix/dmrv-engine/internal/verify"
)

var (
	// ErrInverterNotFound indicates an unknown inverter ID.
	ErrInverterNotFound = errors.New("inverter not found")
	// ErrCreditNotFound indicates no credit record exists for the key.
	ErrCreditNotFound = errors.New("credit record not found")
	// ErrInvalidTransition indicates a status change the state machine
	// forbids. The record is left unchanged and no audit entry is written.
	ErrInvalidTransition = errors.New("invalid credit status transition")
)

// Store is the persistence collaborator for credit operations. Lookups
// return (nil, nil) when the row does not exist. CreateCredit and
// UpdateCredit append the audit event atomically in the same transaction as
// the credit write.
type Store interface {
	GetInverter(ctx context.Context, id uuid.UUID) (*db.Inverter, error)
	GetCredit(ctx context.Context, inverterID uuid.UUID, date time.Time) (*db.CreditRecord, error)
	SumReadings(ctx context.Context, inverterID uuid.UUID, date time.Time) (float64, int, error)
	HourlyActual(ctx context.Context, inverterID uuid.UUID, date time.Time) ([24]verify.Bucket, error)
	CreateCredit(ctx context.Context, rec *db.CreditRecord, evt audit.Event) (*db.CreditRecord, error)
	UpdateCredit(ctx context.Context, rec *db.CreditRecord, evt audit.Event) (*db.CreditRecord, error)
}

// IrradianceSource provides one day of hourly irradiance for a location.
type IrradianceSource interface {
	Day(ctx context.Context, lat, lon float64, date time.Time) ([]db.IrradianceSample, error)
}

// EventPublisher fans credit mutations out after they are committed.
// Publishing failures must not fail the operation.
type EventPublisher interface {
	PublishCreditUpdate(ctx context.Context, rec *db.CreditRecord, action string)
}

// Ledger executes credit operations. Operations on one (inverter, date) key
// are serialized through a per-key lock; different keys proceed
// independently.
type Ledger struct {
	store     Store
	source    IrradianceSource
	detector  *verify.Detector
	publisher EventPublisher
	cfg       config.VerificationConfig
	logger    *zap.Logger
	keys      *keylock.KeyLock
}

// New creates a credit ledger. publisher may be nil when event fan-out is
// disabled.
func New(
	store Store,
	source IrradianceSource,
	detector *verify.Detector,
	publisher EventPublisher,
	cfg config.VerificationConfig,
	logger *zap.Logger,
) *Ledger {
	return &Ledger{
		store:     store,
		source:    source,
		detector:  detector,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		keys:      keylock.New(),
	}
}

// Calculate sums the day's readings into a PENDING credit record.
// Idempotent: if a record already exists for the key it is returned as-is,
// without recomputation and without a new audit entry.
func (l *Ledger) Calculate(ctx context.Context, inverterID uuid.UUID, date time.Time) (*db.CreditRecord, error) {
	date = midnightUTC(date)
	unlock := l.keys.Lock(creditKey(inverterID, date))
	defer unlock()

	inverter, err := l.store.GetInverter(ctx, inverterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inverter: %w", err)
	}
	if inverter == nil {
		return nil, fmt.Errorf("%w: %s", ErrInverterNotFound, inverterID)
	}

	if existing, err := l.store.GetCredit(ctx, inverterID, date); err != nil {
		return nil, fmt.Errorf("failed to load credit record: %w", err)
	} else if existing != nil {
		metrics.CreditsCalculatedTotal.WithLabelValues("existing").Inc()
		return existing, nil
	}

	totalKWh, readings, err := l.store.SumReadings(ctx, inverterID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to sum readings: %w", err)
	}

	tonnes := totalKWh * l.cfg.EmissionFactorKgKWh / 1000.0
	now := time.Now().UTC()

	rec := &db.CreditRecord{
		ID:         uuid.New(),
		InverterID: inverterID,
		CreditDate: date,
		TonnesCO2:  tonnes,
		Status:     db.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	evt := audit.Event{
		EntityRef: entityRef(inverterID, date),
		Action:    audit.ActionCreditCreated,
		Payload: map[string]any{
			"inverter_id": inverterID.String(),
			"date":        date.Format("2006-01-02"),
			"kwh_total":   totalKWh,
			"readings":    readings,
			"tonnes_co2":  tonnes,
			"status":      string(db.StatusPending),
		},
	}

	created, err := l.store.CreateCredit(ctx, rec, evt)
	if err != nil {
		return nil, fmt.Errorf("failed to create credit record: %w", err)
	}

	metrics.CreditsCalculatedTotal.WithLabelValues("created").Inc()
	l.keyLogger(inverterID, date).Info("credit calculated",
		zap.Float64("kwh_total", totalKWh),
		zap.Float64("tonnes_co2", tonnes),
	)

	l.publish(ctx, created, audit.ActionCreditCreated)
	return created, nil
}

// Verify scores the day's actual production against the theoretical output
// curve and transitions the credit per the decision policy. The scoring
// itself is pure; this method applies the result. A verification that
// cannot decide (insufficient readings or no irradiance data) fails without
// touching the record or the audit trail.
func (l *Ledger) Verify(ctx context.Context, inverterID uuid.UUID, date time.Time) (*db.CreditRecord, error) {
	date = midnightUTC(date)
	unlock := l.keys.Lock(creditKey(inverterID, date))
	defer unlock()

	inverter, err := l.store.GetInverter(ctx, inverterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inverter: %w", err)
	}
	if inverter == nil {
		return nil, fmt.Errorf("%w: %s", ErrInverterNotFound, inverterID)
	}

	rec, err := l.store.GetCredit(ctx, inverterID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: inverter %s on %s", ErrCreditNotFound, inverterID, date.Format("2006-01-02"))
	}
	if !canAutoVerify(rec.Status) {
		return nil, fmt.Errorf("%w: cannot re-verify a %s credit", ErrInvalidTransition, rec.Status)
	}

	samples, err := l.source.Day(ctx, inverter.GPSLat, inverter.GPSLon, date)
	if err != nil {
		return nil, err
	}

	curve, err := theoretical.HourlyCurve(samples, inverter.CapacityKW)
	if err != nil {
		return nil, err
	}

	actual, err := l.store.HourlyActual(ctx, inverterID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load actual production: %w", err)
	}

	decision, err := l.detector.Score(actual, curve)
	if err != nil {
		return nil, err
	}

	oldStatus := rec.Status
	rec.Status = decision.Status
	rec.Correlation = &decision.Correlation
	if decision.FlaggedReason != "" {
		reason := decision.FlaggedReason
		rec.FlaggedReason = &reason
	} else {
		rec.FlaggedReason = nil
	}
	rec.UpdatedAt = time.Now().UTC()

	action := verifyAction(decision.Status)
	evt := audit.Event{
		EntityRef: entityRef(inverterID, date),
		Action:    action,
		Payload: map[string]any{
			"inverter_id": inverterID.String(),
			"date":        date.Format("2006-01-02"),
			"old_status":  string(oldStatus),
			"new_status":  string(decision.Status),
			"correlation": decision.Correlation,
			"reason":      decision.FlaggedReason,
		},
	}

	updated, err := l.store.UpdateCredit(ctx, rec, evt)
	if err != nil {
		return nil, fmt.Errorf("failed to update credit record: %w", err)
	}

	metrics.VerificationsTotal.WithLabelValues(string(decision.Status)).Inc()
	l.keyLogger(inverterID, date).Info("credit verified",
		zap.String("old_status", string(oldStatus)),
		zap.String("new_status", string(decision.Status)),
		zap.Float64("correlation", decision.Correlation),
	)

	l.publish(ctx, updated, action)
	return updated, nil
}

// UpdateStatus applies a manual status override. Only transitions permitted
// by the state machine are accepted; the audit entry is tagged with a
// distinct manual action.
func (l *Ledger) UpdateStatus(ctx context.Context, inverterID uuid.UUID, date time.Time, newStatus db.CreditStatus) (*db.CreditRecord, error) {
	date = midnightUTC(date)

	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	unlock := l.keys.Lock(creditKey(inverterID, date))
	defer unlock()

	rec, err := l.store.GetCredit(ctx, inverterID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: inverter %s on %s", ErrCreditNotFound, inverterID, date.Format("2006-01-02"))
	}
	if !canManual(rec.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, newStatus)
	}

	oldStatus := rec.Status
	rec.Status = newStatus
	rec.UpdatedAt = time.Now().UTC()

	evt := audit.Event{
		EntityRef: entityRef(inverterID, date),
		Action:    audit.ActionStatusOverridden,
		Payload: map[string]any{
			"inverter_id": inverterID.String(),
			"date":        date.Format("2006-01-02"),
			"old_status":  string(oldStatus),
			"new_status":  string(newStatus),
			"manual":      true,
		},
	}

	updated, err := l.store.UpdateCredit(ctx, rec, evt)
	if err != nil {
		return nil, fmt.Errorf("failed to update credit record: %w", err)
	}

	l.keyLogger(inverterID, date).Info("credit status overridden",
		zap.String("old_status", string(oldStatus)),
		zap.String("new_status", string(newStatus)),
	)

	l.publish(ctx, updated, audit.ActionStatusOverridden)
	return updated, nil
}

// Get returns the credit record for a key, or ErrCreditNotFound.
func (l *Ledger) Get(ctx context.Context, inverterID uuid.UUID, date time.Time) (*db.CreditRecord, error) {
	date = midnightUTC(date)
	rec, err := l.store.GetCredit(ctx, inverterID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: inverter %s on %s", ErrCreditNotFound, inverterID, date.Format("2006-01-02"))
	}
	return rec, nil
}

func (l *Ledger) publish(ctx context.Context, rec *db.CreditRecord, action string) {
	if l.publisher == nil {
		return
	}
	l.publisher.PublishCreditUpdate(ctx, rec, action)
}

func (l *Ledger) keyLogger(inverterID uuid.UUID, date time.Time) *zap.Logger {
	return logging.WithCreditKey(l.logger, inverterID.String(), date.Format("2006-01-02"))
}

func verifyAction(status db.CreditStatus) string {
	switch status {
	case db.StatusVerified:
		return audit.ActionCreditVerified
	case db.StatusFlagged:
		return audit.ActionCreditFlagged
	default:
		return audit.ActionCreditPending
	}
}

func creditKey(inverterID uuid.UUID, date time.Time) string {
	return inverterID.String() + "/" + date.Format("2006-01-02")
}

func entityRef(inverterID uuid.UUID, date time.Time) string {
	return "carbon_credit/" + inverterID.String() + "/" + date.Format("2006-01-02")
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumix/dmrv-engine/internal/audit"
	"github.com/lumix/dmrv-engine/internal/db"
	"github.com/lumix/dmrv-engine/internal/report"
	"github.com/lumix/dmrv-engine/internal/verify"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Repository handles database operations. It implements the store
// interfaces of the ledger, ingestion, irradiance gateway, audit trail and
// reporting packages.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// --- inverters ---

// CreateInverter inserts an inverter and its audit entry in one transaction.
func (r *Repository) CreateInverter(ctx context.Context, inv *db.Inverter, evt audit.Event) (*db.Inverter, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO inverters (id, gps_lat, gps_lon, capacity_kw, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, query, inv.ID, inv.GPSLat, inv.GPSLon, inv.CapacityKW, inv.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert inverter: %w", err)
	}

	if _, err := r.appendAuditTx(ctx, tx, evt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inv, nil
}

// GetInverter returns an inverter, or (nil, nil) when it does not exist.
func (r *Repository) GetInverter(ctx context.Context, id uuid.UUID) (*db.Inverter, error) {
	query := `
		SELECT id, gps_lat, gps_lon, capacity_kw, created_at
		FROM inverters
		WHERE id = $1
	`

	var inv db.Inverter
	err := r.pool.QueryRow(ctx, query, id).Scan(&inv.ID, &inv.GPSLat, &inv.GPSLon, &inv.CapacityKW, &inv.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query inverter: %w", err)
	}
	return &inv, nil
}

// ListInverters returns all inverters ordered by creation time.
func (r *Repository) ListInverters(ctx context.Context) ([]db.Inverter, error) {
	query := `
		SELECT id, gps_lat, gps_lon, capacity_kw, created_at
		FROM inverters
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query inverters: %w", err)
	}
	defer rows.Close()

	var inverters []db.Inverter
	for rows.Next() {
		var inv db.Inverter
		if err := rows.Scan(&inv.ID, &inv.GPSLat, &inv.GPSLon, &inv.CapacityKW, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inverter: %w", err)
		}
		inverters = append(inverters, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return inverters, nil
}

// --- readings ---

// UpsertReadings stores a batch of readings and its audit entry in one
// transaction. A reading at an existing (inverter_id, ts) overwrites the
// prior value.
func (r *Repository) UpsertReadings(ctx context.Context, readings []db.Reading, evt audit.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO inverter_readings (id, inverter_id, ts, kwh, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (inverter_id, ts) DO UPDATE SET kwh = EXCLUDED.kwh
	`
	for _, reading := range readings {
		if _, err := tx.Exec(ctx, query, reading.ID, reading.InverterID, reading.Timestamp, reading.KWh, reading.CreatedAt); err != nil {
			return fmt.Errorf("failed to upsert reading: %w", err)
		}
	}

	if _, err := r.appendAuditTx(ctx, tx, evt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SumReadings returns the total kWh and reading count for one day.
func (r *Repository) SumReadings(ctx context.Context, inverterID uuid.UUID, date time.Time) (float64, int, error) {
	query := `
		SELECT COALESCE(SUM(kwh), 0), COUNT(*)
		FROM inverter_readings
		WHERE inverter_id = $1 AND ts >= $2 AND ts < $3
	`

	var total float64
	var count int
	err := r.pool.QueryRow(ctx, query, inverterID, date, date.Add(24*time.Hour)).Scan(&total, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum readings: %w", err)
	}
	return total, count, nil
}

// HourlyActual buckets one day of readings by hour of day, summing kWh.
func (r *Repository) HourlyActual(ctx context.Context, inverterID uuid.UUID, date time.Time) ([24]verify.Bucket, error) {
	var buckets [24]verify.Bucket

	query := `
		SELECT EXTRACT(HOUR FROM ts AT TIME ZONE 'UTC')::int, SUM(kwh), COUNT(*)
		FROM inverter_readings
		WHERE inverter_id = $1 AND ts >= $2 AND ts < $3
		GROUP BY 1
	`

	rows, err := r.pool.Query(ctx, query, inverterID, date, date.Add(24*time.Hour))
	if err != nil {
		return buckets, fmt.Errorf("failed to query hourly readings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hour, count int
		var kwh float64
		if err := rows.Scan(&hour, &kwh, &count); err != nil {
			return buckets, fmt.Errorf("failed to scan hourly bucket: %w", err)
		}
		if hour >= 0 && hour < 24 {
			buckets[hour] = verify.Bucket{KWh: kwh, Readings: count}
		}
	}
	if err := rows.Err(); err != nil {
		return buckets, fmt.Errorf("rows iteration error: %w", err)
	}
	return buckets, nil
}

// ListRecentReadings returns the newest readings for an inverter.
func (r *Repository) ListRecentReadings(ctx context.Context, inverterID uuid.UUID, limit int) ([]db.Reading, error) {
	query := `
		SELECT id, inverter_id, ts, kwh, created_at
		FROM inverter_readings
		WHERE inverter_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, inverterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		var reading db.Reading
		if err := rows.Scan(&reading.ID, &reading.InverterID, &reading.Timestamp, &reading.KWh, &reading.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return readings, nil
}

// ReadingTotals returns the reading count and total kWh for an inverter.
func (r *Repository) ReadingTotals(ctx context.Context, inverterID uuid.UUID) (int64, float64, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(kwh), 0)
		FROM inverter_readings
		WHERE inverter_id = $1
	`

	var count int64
	var total float64
	if err := r.pool.QueryRow(ctx, query, inverterID).Scan(&count, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to query reading totals: %w", err)
	}
	return count, total, nil
}

// --- carbon credits ---

const creditColumns = `id, inverter_id, credit_date, tonnes_co2, status, correlation, flagged_reason, created_at, updated_at`

func scanCredit(row pgx.Row) (*db.CreditRecord, error) {
	var rec db.CreditRecord
	var status string
	err := row.Scan(&rec.ID, &rec.InverterID, &rec.CreditDate, &rec.TonnesCO2, &status,
		&rec.Correlation, &rec.FlaggedReason, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = db.CreditStatus(status)
	return &rec, nil
}

// GetCredit returns the credit for a key, or (nil, nil) when none exists.
func (r *Repository) GetCredit(ctx context.Context, inverterID uuid.UUID, date time.Time) (*db.CreditRecord, error) {
	query := `
		SELECT ` + creditColumns + `
		FROM carbon_credits
		WHERE inverter_id = $1 AND credit_date = $2
	`

	rec, err := scanCredit(r.pool.QueryRow(ctx, query, inverterID, date))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credit: %w", err)
	}
	return rec, nil
}

// CreateCredit inserts a credit record and its audit entry atomically.
func (r *Repository) CreateCredit(ctx context.Context, rec *db.CreditRecord, evt audit.Event) (*db.CreditRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO carbon_credits (id, inverter_id, credit_date, tonnes_co2, status, correlation, flagged_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.Exec(ctx, query, rec.ID, rec.InverterID, rec.CreditDate, rec.TonnesCO2,
		string(rec.Status), rec.Correlation, rec.FlaggedReason, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert credit: %w", err)
	}

	if _, err := r.appendAuditTx(ctx, tx, evt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// UpdateCredit updates a credit record and appends its audit entry in the
// same transaction, so a torn write cannot leave the trail out of step with
// the ledger.
func (r *Repository) UpdateCredit(ctx context.Context, rec *db.CreditRecord, evt audit.Event) (*db.CreditRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE carbon_credits
		SET tonnes_co2 = $1, status = $2, correlation = $3, flagged_reason = $4, updated_at = $5
		WHERE inverter_id = $6 AND credit_date = $7
	`
	tag, err := tx.Exec(ctx, query, rec.TonnesCO2, string(rec.Status), rec.Correlation,
		rec.FlaggedReason, rec.UpdatedAt, rec.InverterID, rec.CreditDate)
	if err != nil {
		return nil, fmt.Errorf("failed to update credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("credit row vanished during update")
	}

	if _, err := r.appendAuditTx(ctx, tx, evt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// ListCreditsByInverter returns an inverter's credits, newest first.
func (r *Repository) ListCreditsByInverter(ctx context.Context, inverterID uuid.UUID) ([]db.CreditRecord, error) {
	query := `
		SELECT ` + creditColumns + `
		FROM carbon_credits
		WHERE inverter_id = $1
		ORDER BY credit_date DESC
	`
	rows, err := r.pool.Query(ctx, query, inverterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	return collectCredits(rows)
}

// ListCreditsByStatus returns credits filtered by status; status nil means
// all credits.
func (r *Repository) ListCreditsByStatus(ctx context.Context, status *db.CreditStatus) ([]db.CreditRecord, error) {
	query := `
		SELECT ` + creditColumns + `
		FROM carbon_credits
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY credit_date DESC
	`

	var arg *string
	if status != nil {
		s := string(*status)
		arg = &s
	}

	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	return collectCredits(rows)
}

func collectCredits(rows pgx.Rows) ([]db.CreditRecord, error) {
	defer rows.Close()

	var credits []db.CreditRecord
	for rows.Next() {
		rec, err := scanCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		credits = append(credits, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return credits, nil
}

// CountInverters returns the fleet size.
func (r *Repository) CountInverters(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inverters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count inverters: %w", err)
	}
	return count, nil
}

// CreditStats aggregates credit counts and tonnage per status.
func (r *Repository) CreditStats(ctx context.Context) (map[db.CreditStatus]report.StatusStat, error) {
	query := `
		SELECT status, COUNT(*), COALESCE(SUM(tonnes_co2), 0)
		FROM carbon_credits
		GROUP BY status
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[db.CreditStatus]report.StatusStat)
	for rows.Next() {
		var status string
		var stat report.StatusStat
		if err := rows.Scan(&status, &stat.Count, &stat.Tonnes); err != nil {
			return nil, fmt.Errorf("failed to scan credit stat: %w", err)
		}
		stats[db.CreditStatus(status)] = stat
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return stats, nil
}

// --- audit trail ---

// appendAuditTx appends a chain entry inside tx. The audit_head row is
// locked FOR UPDATE, which serializes sequence assignment with the ledger
// write sharing the transaction.
func (r *Repository) appendAuditTx(ctx context.Context, tx pgx.Tx, evt audit.Event) (*db.AuditEntry, error) {
	var lastSeq int64
	var lastHash string
	err := tx.QueryRow(ctx, `SELECT last_seq, last_hash FROM audit_head WHERE id FOR UPDATE`).Scan(&lastSeq, &lastHash)
	if err != nil {
		return nil, fmt.Errorf("failed to lock audit head: %w", err)
	}

	entry, err := audit.Build(lastHash, lastSeq+1, evt, time.Now())
	if err != nil {
		return nil, err
	}

	insert := `
		INSERT INTO audit_entries (seq, ts, entity_ref, action, payload, payload_hash, prev_hash, this_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.Exec(ctx, insert, entry.Seq, entry.Timestamp, entry.EntityRef, entry.Action,
		entry.Payload, entry.PayloadHash, entry.PrevHash, entry.ThisHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE audit_head SET last_seq = $1, last_hash = $2 WHERE id`, entry.Seq, entry.ThisHash)
	if err != nil {
		return nil, fmt.Errorf("failed to advance audit head: %w", err)
	}
	return entry, nil
}

// ListAuditEntries returns entries with seq >= fromSeq in ascending order.
func (r *Repository) ListAuditEntries(ctx context.Context, fromSeq int64, limit int) ([]db.AuditEntry, error) {
	query := `
		SELECT seq, ts, entity_ref, action, payload, payload_hash, prev_hash, this_hash
		FROM audit_entries
		WHERE seq >= $1
		ORDER BY seq
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []db.AuditEntry
	for rows.Next() {
		var entry db.AuditEntry
		if err := rows.Scan(&entry.Seq, &entry.Timestamp, &entry.EntityRef, &entry.Action,
			&entry.Payload, &entry.PayloadHash, &entry.PrevHash, &entry.ThisHash); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		// timestamptz comes back in server zone; the chain hashes UTC.
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return entries, nil
}

// --- irradiance cache ---

// GetIrradianceDay returns cached samples for a rounded location and date.
func (r *Repository) GetIrradianceDay(ctx context.Context, lat, lon float64, date time.Time) ([]db.IrradianceSample, error) {
	query := `
		SELECT lat, lon, date, hour, irradiance, fetched_at
		FROM irradiance_cache
		WHERE lat = $1 AND lon = $2 AND date = $3
		ORDER BY hour
	`

	rows, err := r.pool.Query(ctx, query, lat, lon, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query irradiance cache: %w", err)
	}
	defer rows.Close()

	var samples []db.IrradianceSample
	for rows.Next() {
		var s db.IrradianceSample
		if err := rows.Scan(&s.Lat, &s.Lon, &s.Date, &s.Hour, &s.IrradianceWM2, &s.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan irradiance sample: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return samples, nil
}

// PutIrradianceDay upserts a day of samples; identical rewrites are
// harmless.
func (r *Repository) PutIrradianceDay(ctx context.Context, samples []db.IrradianceSample) error {
	query := `
		INSERT INTO irradiance_cache (lat, lon, date, hour, irradiance, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (lat, lon, date, hour) DO UPDATE SET irradiance = EXCLUDED.irradiance, fetched_at = EXCLUDED.fetched_at
	`

	for _, s := range samples {
		if _, err := r.pool.Exec(ctx, query, s.Lat, s.Lon, s.Date, s.Hour, s.IrradianceWM2, s.FetchedAt); err != nil {
			return fmt.Errorf("failed to upsert irradiance sample: %w", err)
		}
	}
	return nil
}

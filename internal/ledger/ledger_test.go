package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumix/dmrv-engine/internal/audit"
	"github.com/lumix/dmrv-engine/internal/config"
	"github.com/lumix/dmrv-engine/internal/db"
	"github.com/lumix/dmrv-engine/internal/irradiance"
	"github.com/lumix/dmrv-engine/internal/ledger"
	"github.com/lumix/dmrv-engine/internal/verify"
)

var testDate = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func testConfig() config.VerificationConfig {
	return config.VerificationConfig{
		CorrelationThreshold: 0.90,
		ExcessTolerance:      1.05,
		MinHourlySamples:     3,
		EmissionFactorKgKWh:  1.2,
	}
}

// memStore is an in-memory ledger store that maintains a real audit chain,
// mirroring the repository's append-in-transaction behavior.
type memStore struct {
	inverters map[uuid.UUID]*db.Inverter
	credits   map[string]*db.CreditRecord
	readings  map[string][24]verify.Bucket
	entries   []db.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		inverters: make(map[uuid.UUID]*db.Inverter),
		credits:   make(map[string]*db.CreditRecord),
		readings:  make(map[string][24]verify.Bucket),
	}
}

func key(inverterID uuid.UUID, date time.Time) string {
	return inverterID.String() + "/" + date.Format("2006-01-02")
}

func (m *memStore) GetInverter(_ context.Context, id uuid.UUID) (*db.Inverter, error) {
	return m.inverters[id], nil
}

func (m *memStore) GetCredit(_ context.Context, inverterID uuid.UUID, date time.Time) (*db.CreditRecord, error) {
	rec, ok := m.credits[key(inverterID, date)]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (m *memStore) SumReadings(_ context.Context, inverterID uuid.UUID, date time.Time) (float64, int, error) {
	var total float64
	var count int
	for _, b := range m.readings[key(inverterID, date)] {
		total += b.KWh
		count += b.Readings
	}
	return total, count, nil
}

func (m *memStore) HourlyActual(_ context.Context, inverterID uuid.UUID, date time.Time) ([24]verify.Bucket, error) {
	return m.readings[key(inverterID, date)], nil
}

func (m *memStore) CreateCredit(_ context.Context, rec *db.CreditRecord, evt audit.Event) (*db.CreditRecord, error) {
	if err := m.appendAudit(evt); err != nil {
		return nil, err
	}
	copied := *rec
	m.credits[key(rec.InverterID, rec.CreditDate)] = &copied
	returned := copied
	return &returned, nil
}

func (m *memStore) UpdateCredit(_ context.Context, rec *db.CreditRecord, evt audit.Event) (*db.CreditRecord, error) {
	if err := m.appendAudit(evt); err != nil {
		return nil, err
	}
	copied := *rec
	m.credits[key(rec.InverterID, rec.CreditDate)] = &copied
	returned := copied
	return &returned, nil
}

func (m *memStore) appendAudit(evt audit.Event) error {
	prevHash := audit.GenesisHash
	if len(m.entries) > 0 {
		prevHash = m.entries[len(m.entries)-1].ThisHash
	}
	entry, err := audit.Build(prevHash, int64(len(m.entries)), evt, time.Now())
	if err != nil {
		return err
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memStore) lastEntry(t *testing.T) db.AuditEntry {
	t.Helper()
	require.NotEmpty(t, m.entries)
	return m.entries[len(m.entries)-1]
}

// addInverter registers a 10 kW inverter and returns its ID.
func (m *memStore) addInverter() uuid.UUID {
	id := uuid.New()
	m.inverters[id] = &db.Inverter{
		ID:         id,
		GPSLat:     -1.29,
		GPSLon:     36.82,
		CapacityKW: 10,
		CreatedAt:  time.Now().UTC(),
	}
	return id
}

// setFlatDay records kwhTotal spread evenly over hours 6..17.
func (m *memStore) setFlatDay(inverterID uuid.UUID, date time.Time, kwhTotal float64) {
	var buckets [24]verify.Bucket
	for h := 6; h <= 17; h++ {
		buckets[h] = verify.Bucket{KWh: kwhTotal / 12, Readings: 4}
	}
	m.readings[key(inverterID, date)] = buckets
}

// fixedSource returns a constant 500 W/m^2 across hours 6..17, which at
// 10 kW capacity yields a 60 kWh theoretical day.
type fixedSource struct {
	err   error
	calls int
}

func (s *fixedSource) Day(_ context.Context, lat, lon float64, date time.Time) ([]db.IrradianceSample, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var samples []db.IrradianceSample
	for h := 6; h <= 17; h++ {
		samples = append(samples, db.IrradianceSample{
			Lat: lat, Lon: lon, Date: date, Hour: h, IrradianceWM2: 500,
		})
	}
	return samples, nil
}

type capturingPublisher struct {
	actions []string
}

func (p *capturingPublisher) PublishCreditUpdate(_ context.Context, _ *db.CreditRecord, action string) {
	p.actions = append(p.actions, action)
}

func newLedger(store *memStore, source ledger.IrradianceSource, pub ledger.EventPublisher) *ledger.Ledger {
	cfg := testConfig()
	detector := verify.NewDetector(cfg.CorrelationThreshold, cfg.ExcessTolerance, cfg.MinHourlySamples)
	return ledger.New(store, source, detector, pub, cfg, zap.NewNop())
}

func TestCalculate_CreatesPendingCredit(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	pub := &capturingPublisher{}
	l := newLedger(store, &fixedSource{}, pub)

	rec, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	assert.Equal(t, db.StatusPending, rec.Status)
	assert.InDelta(t, 0.06, rec.TonnesCO2, 1e-9)
	assert.Equal(t, testDate, rec.CreditDate)
	assert.Nil(t, rec.Correlation)

	entry := store.lastEntry(t)
	assert.Equal(t, audit.ActionCreditCreated, entry.Action)
	assert.Equal(t, []string{audit.ActionCreditCreated}, pub.actions)
}

func TestCalculate_NormalizesDateToMidnightUTC(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	l := newLedger(store, &fixedSource{}, nil)

	afternoon := time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC)
	rec, err := l.Calculate(context.Background(), inverterID, afternoon)
	require.NoError(t, err)

	assert.Equal(t, testDate, rec.CreditDate)
}

func TestCalculate_Idempotent(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	l := newLedger(store, &fixedSource{}, nil)

	first, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	// More readings arrive after calculation; the existing record wins.
	store.setFlatDay(inverterID, testDate, 90)

	second, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TonnesCO2, second.TonnesCO2)
	assert.Len(t, store.entries, 1)
}

func TestCalculate_UnknownInverter(t *testing.T) {
	store := newMemStore()
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Calculate(context.Background(), uuid.New(), testDate)
	assert.ErrorIs(t, err, ledger.ErrInverterNotFound)
	assert.Empty(t, store.entries)
}

func TestCalculate_ZeroReadings(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	l := newLedger(store, &fixedSource{}, nil)

	rec, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	assert.Zero(t, rec.TonnesCO2)
	assert.Equal(t, db.StatusPending, rec.Status)
}

func TestVerify_HighCorrelationVerifies(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	pub := &capturingPublisher{}
	l := newLedger(store, &fixedSource{}, pub)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	rec, err := l.Verify(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	assert.Equal(t, db.StatusVerified, rec.Status)
	require.NotNil(t, rec.Correlation)
	assert.InDelta(t, 1.0, *rec.Correlation, 1e-9)
	assert.Nil(t, rec.FlaggedReason)

	entry := store.lastEntry(t)
	assert.Equal(t, audit.ActionCreditVerified, entry.Action)
	assert.Contains(t, string(entry.Payload), `"old_status":"PENDING"`)
	assert.Contains(t, string(entry.Payload), `"new_status":"VERIFIED"`)
	assert.Equal(t, []string{audit.ActionCreditCreated, audit.ActionCreditVerified}, pub.actions)
}

func TestVerify_ExcessOutputFlags(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	// 80 kWh actual against a 60 kWh theoretical day: over the 1.05
	// tolerance even though the curve shape correlates perfectly.
	store.setFlatDay(inverterID, testDate, 80)
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	rec, err := l.Verify(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	assert.Equal(t, db.StatusFlagged, rec.Status)
	require.NotNil(t, rec.FlaggedReason)
	assert.Contains(t, *rec.FlaggedReason, "exceeds theoretical maximum")
	require.NotNil(t, rec.Correlation)

	assert.Equal(t, audit.ActionCreditFlagged, store.lastEntry(t).Action)
}

func TestVerify_ReverifyAfterFlagClears(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 80)
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)
	_, err = l.Verify(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	// Corrected feed replaces the day's readings; re-verification clears
	// the flag.
	store.setFlatDay(inverterID, testDate, 50)

	rec, err := l.Verify(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	assert.Equal(t, db.StatusVerified, rec.Status)
	assert.Nil(t, rec.FlaggedReason)
}

func TestVerify_IdempotentOnUnchangedInputs(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	first, err := l.Verify(context.Background(), inverterID, testDate)
	require.NoError(t, err)
	second, err := l.Verify(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.Correlation, *second.Correlation)
}

func TestVerify_SubmittedIsFrozen(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)
	_, err = l.Verify(context.Background(), inverterID, testDate)
	require.NoError(t, err)
	_, err = l.UpdateStatus(context.Background(), inverterID, testDate, db.StatusSubmitted)
	require.NoError(t, err)

	before := len(store.entries)
	_, err = l.Verify(context.Background(), inverterID, testDate)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	assert.Len(t, store.entries, before)
}

func TestVerify_InsufficientReadingsLeavesRecordUntouched(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	var buckets [24]verify.Bucket
	buckets[12] = verify.Bucket{KWh: 5, Readings: 4}
	store.readings[key(inverterID, testDate)] = buckets
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	before := len(store.entries)
	_, err = l.Verify(context.Background(), inverterID, testDate)
	assert.ErrorIs(t, err, verify.ErrInsufficientSamples)

	rec, err := l.Get(context.Background(), inverterID, testDate)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, rec.Status)
	assert.Nil(t, rec.Correlation)
	assert.Len(t, store.entries, before)
}

func TestVerify_NoIrradianceLeavesRecordUntouched(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	source := &fixedSource{err: irradiance.ErrUnavailable}
	l := newLedger(store, source, nil)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	before := len(store.entries)
	_, err = l.Verify(context.Background(), inverterID, testDate)
	assert.ErrorIs(t, err, irradiance.ErrUnavailable)
	assert.Len(t, store.entries, before)
}

func TestVerify_NoCreditRecord(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Verify(context.Background(), inverterID, testDate)
	assert.ErrorIs(t, err, ledger.ErrCreditNotFound)
}

func TestUpdateStatus_AllowedTransitions(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	rec, err := l.UpdateStatus(context.Background(), inverterID, testDate, db.StatusVerified)
	require.NoError(t, err)
	assert.Equal(t, db.StatusVerified, rec.Status)

	rec, err = l.UpdateStatus(context.Background(), inverterID, testDate, db.StatusSubmitted)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSubmitted, rec.Status)

	entry := store.lastEntry(t)
	assert.Equal(t, audit.ActionStatusOverridden, entry.Action)
	assert.Contains(t, string(entry.Payload), `"manual":true`)
}

func TestUpdateStatus_RejectsForbiddenTransitions(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)

	// PENDING -> SUBMITTED skips verification.
	_, err = l.UpdateStatus(context.Background(), inverterID, testDate, db.StatusSubmitted)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	_, err = l.UpdateStatus(context.Background(), inverterID, testDate, db.StatusVerified)
	require.NoError(t, err)
	_, err = l.UpdateStatus(context.Background(), inverterID, testDate, db.StatusSubmitted)
	require.NoError(t, err)

	// Nothing leaves SUBMITTED.
	_, err = l.UpdateStatus(context.Background(), inverterID, testDate, db.StatusPending)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestUpdateStatus_UnknownStatus(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.UpdateStatus(context.Background(), inverterID, testDate, db.CreditStatus("RETIRED"))
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestLifecycle_AuditChainStaysValid(t *testing.T) {
	store := newMemStore()
	inverterID := store.addInverter()
	store.setFlatDay(inverterID, testDate, 50)
	l := newLedger(store, &fixedSource{}, nil)

	_, err := l.Calculate(context.Background(), inverterID, testDate)
	require.NoError(t, err)
	_, err = l.Verify(context.Background(), inverterID, testDate)
	require.NoError(t, err)
	_, err = l.UpdateStatus(context.Background(), inverterID, testDate, db.StatusSubmitted)
	require.NoError(t, err)

	require.Len(t, store.entries, 3)
	prev := audit.GenesisHash
	for i, entry := range store.entries {
		assert.Equal(t, int64(i), entry.Seq)
		assert.Equal(t, prev, entry.PrevHash)
		assert.Equal(t, audit.EntryHash(entry.PrevHash, entry.Payload, entry.Timestamp, entry.Seq), entry.ThisHash)
		prev = entry.ThisHash
	}
}

// Package report produces fleet- and inverter-level rollups over the credit
// ledger. It is a strictly read-only consumer.
package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lumix/dmrv-engine/internal/db"
)

// ErrInverterNotFound indicates an unknown inverter ID.
var ErrInverterNotFound = errors.New("inverter not found")

// StatusStat is the per-status rollup of credit counts and tonnage.
type StatusStat struct {
	Count  int64
	Tonnes float64
}

// Store provides the read-only queries reporting needs.
type Store interface {
	CountInverters(ctx context.Context) (int64, error)
	CreditStats(ctx context.Context) (map[db.CreditStatus]StatusStat, error)
	GetInverter(ctx context.Context, id uuid.UUID) (*db.Inverter, error)
	ListCreditsByInverter(ctx context.Context, inverterID uuid.UUID) ([]db.CreditRecord, error)
	ListCreditsByStatus(ctx context.Context, status *db.CreditStatus) ([]db.CreditRecord, error)
	ListRecentReadings(ctx context.Context, inverterID uuid.UUID, limit int) ([]db.Reading, error)
	ReadingTotals(ctx context.Context, inverterID uuid.UUID) (int64, float64, error)
}

// FleetSummary is the fleet-level aggregation.
type FleetSummary struct {
	TotalInverters    int64   `json:"total_inverters"`
	TotalCredits      int64   `json:"total_credits"`
	VerifiedCredits   int64   `json:"verified_credits"`
	FlaggedCredits    int64   `json:"flagged_credits"`
	PendingCredits    int64   `json:"pending_credits"`
	SubmittedCredits  int64   `json:"submitted_credits"`
	TotalTonnesCO2    float64 `json:"total_tonnes_co2"`
	VerifiedTonnesCO2 float64 `json:"verified_tonnes_co2"`
}

// AuditorView is the single-inverter view with everything an auditor needs.
type AuditorView struct {
	Inverter          db.Inverter       `json:"inverter"`
	ReadingsCount     int64             `json:"readings_count"`
	TotalKWh          float64           `json:"total_kwh"`
	CreditsCount      int               `json:"credits_count"`
	TotalTonnesCO2    float64           `json:"total_tonnes_co2"`
	VerifiedTonnesCO2 float64           `json:"verified_tonnes_co2"`
	Credits           []db.CreditRecord `json:"credits"`
	RecentReadings    []db.Reading      `json:"recent_readings"`
}

const recentReadingsLimit = 10

// Service answers reporting queries.
type Service struct {
	store Store
}

// NewService creates a reporting service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// FleetSummary aggregates credit counts and tonnage across the fleet.
func (s *Service) FleetSummary(ctx context.Context) (*FleetSummary, error) {
	inverters, err := s.store.CountInverters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count inverters: %w", err)
	}

	stats, err := s.store.CreditStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate credits: %w", err)
	}

	summary := &FleetSummary{TotalInverters: inverters}
	for status, stat := range stats {
		summary.TotalCredits += stat.Count
		summary.TotalTonnesCO2 += stat.Tonnes
		switch status {
		case db.StatusVerified:
			summary.VerifiedCredits = stat.Count
			summary.VerifiedTonnesCO2 = stat.Tonnes
		case db.StatusFlagged:
			summary.FlaggedCredits = stat.Count
		case db.StatusPending:
			summary.PendingCredits = stat.Count
		case db.StatusSubmitted:
			summary.SubmittedCredits = stat.Count
		}
	}
	return summary, nil
}

// AuditorView assembles the full per-inverter picture.
func (s *Service) AuditorView(ctx context.Context, inverterID uuid.UUID) (*AuditorView, error) {
	inverter, err := s.store.GetInverter(ctx, inverterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inverter: %w", err)
	}
	if inverter == nil {
		return nil, fmt.Errorf("%w: %s", ErrInverterNotFound, inverterID)
	}

	readingsCount, totalKWh, err := s.store.ReadingTotals(ctx, inverterID)
	if err != nil {
		return nil, fmt.Errorf("failed to total readings: %w", err)
	}

	credits, err := s.store.ListCreditsByInverter(ctx, inverterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}

	recent, err := s.store.ListRecentReadings(ctx, inverterID, recentReadingsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}

	view := &AuditorView{
		Inverter:       *inverter,
		ReadingsCount:  readingsCount,
		TotalKWh:       totalKWh,
		CreditsCount:   len(credits),
		Credits:        credits,
		RecentReadings: recent,
	}
	for _, c := range credits {
		view.TotalTonnesCO2 += c.TonnesCO2
		if c.Status == db.StatusVerified {
			view.VerifiedTonnesCO2 += c.TonnesCO2
		}
	}
	return view, nil
}

// InverterCredits lists all credits for one inverter, newest first.
func (s *Service) InverterCredits(ctx context.Context, inverterID uuid.UUID) ([]db.CreditRecord, error) {
	inverter, err := s.store.GetInverter(ctx, inverterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inverter: %w", err)
	}
	if inverter == nil {
		return nil, fmt.Errorf("%w: %s", ErrInverterNotFound, inverterID)
	}
	credits, err := s.store.ListCreditsByInverter(ctx, inverterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	return credits, nil
}

// CreditsByStatus lists credits, optionally filtered to one status.
func (s *Service) CreditsByStatus(ctx context.Context, status *db.CreditStatus) ([]db.CreditRecord, error) {
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", *status)
	}
	credits, err := s.store.ListCreditsByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	return credits, nil
}

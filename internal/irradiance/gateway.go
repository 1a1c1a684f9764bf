package irradiance

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lumix/dmrv-engine/internal/db"
	"github.com/lumix/dmrv-engine/internal/metrics"
)

// Store is the persistent irradiance cache, keyed by rounded location and
// date. Writes must be idempotent upserts.
type Store interface {
	GetIrradianceDay(ctx context.Context, lat, lon float64, date time.Time) ([]db.IrradianceSample, error)
	PutIrradianceDay(ctx context.Context, samples []db.IrradianceSample) error
}

// Fetcher fetches a day of hourly irradiance from the remote source.
type Fetcher interface {
	FetchDay(ctx context.Context, lat, lon float64, date time.Time) ([]HourValue, error)
}

// Gateway serves irradiance from the cache and fetches misses from the
// remote source. Concurrent misses for the same key are collapsed into a
// single remote call.
type Gateway struct {
	store     Store
	fetcher   Fetcher
	precision int
	group     singleflight.Group
	logger    *zap.Logger
}

// NewGateway creates a gateway with the given cache-key precision (decimal
// places for lat/lon rounding).
func NewGateway(store Store, fetcher Fetcher, precision int, logger *zap.Logger) *Gateway {
	return &Gateway{store: store, fetcher: fetcher, precision: precision, logger: logger}
}

// Day returns the hourly irradiance samples for a location and date. The
// location is rounded to the cache precision before lookup so nearby
// inverters share cache entries.
func (g *Gateway) Day(ctx context.Context, lat, lon float64, date time.Time) ([]db.IrradianceSample, error) {
	lat = roundTo(lat, g.precision)
	lon = roundTo(lon, g.precision)
	date = midnightUTC(date)

	key := fmt.Sprintf("%g,%g,%s", lat, lon, date.Format("2006-01-02"))

	result, err, _ := g.group.Do(key, func() (any, error) {
		return g.load(ctx, lat, lon, date)
	})
	if err != nil {
		return nil, err
	}
	return result.([]db.IrradianceSample), nil
}

func (g *Gateway) load(ctx context.Context, lat, lon float64, date time.Time) ([]db.IrradianceSample, error) {
	cached, err := g.store.GetIrradianceDay(ctx, lat, lon, date)
	if err != nil {
		return nil, fmt.Errorf("irradiance cache lookup failed: %w", err)
	}
	if len(cached) > 0 {
		metrics.IrradianceCacheHitsTotal.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.IrradianceCacheHitsTotal.WithLabelValues("miss").Inc()

	values, err := g.fetcher.FetchDay(ctx, lat, lon, date)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	samples := make([]db.IrradianceSample, 0, len(values))
	for _, v := range values {
		samples = append(samples, db.IrradianceSample{
			Lat:           lat,
			Lon:           lon,
			Date:          date,
			Hour:          v.Hour,
			IrradianceWM2: v.WM2,
			FetchedAt:     now,
		})
	}

	// Last write of identical data is harmless; a failed cache write only
	// costs a refetch later.
	if err := g.store.PutIrradianceDay(ctx, samples); err != nil {
		g.logger.Warn("failed to cache irradiance samples",
			zap.Error(err),
			zap.Float64("lat", lat),
			zap.Float64("lon", lon),
		)
	}

	return samples, nil
}

func roundTo(v float64, precision int) float64 {
	factor := math.Pow(10, float64(precision))
	return math.Round(v*factor) / factor
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

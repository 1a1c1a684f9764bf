// Package irradiance fetches and caches satellite irradiance data from the
// NASA POWER API.
package irradiance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lumix/dmrv-engine/internal/config"
	"github.com/lumix/dmrv-engine/internal/metrics"
)

// ErrUnavailable indicates the irradiance source failed or has no data for
// the requested date and location.
var ErrUnavailable = errors.New("irradiance data unavailable")

// errNoData marks a definitive "no data" response, which must not be
// retried. It still surfaces as ErrUnavailable to callers.
var errNoData = fmt.Errorf("%w: source has no data", ErrUnavailable)

// nasaParameter is all-sky surface shortwave downward irradiance.
const nasaParameter = "ALLSKY_SFC_SW_DWN"

// nasaFillValue marks missing hours in NASA POWER responses.
const nasaFillValue = -999.0

// HourValue is one hour of irradiance as returned by the remote source.
type HourValue struct {
	Hour int
	WM2  float64
}

// Client calls the NASA POWER hourly endpoint with a request timeout, rate
// limiting, bounded retries with backoff, and a circuit breaker.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	maxRetries   int
	retryBackoff time.Duration
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker
	logger       *zap.Logger
}

// NewClient creates a NASA POWER client from gateway configuration.
func NewClient(cfg config.IrradianceConfig, logger *zap.Logger) *Client {
	settings := gobreaker.Settings{Name: "nasa-power"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		baseURL:      cfg.BaseURL,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1),
		breaker:      gobreaker.NewCircuitBreaker(settings),
		logger:       logger,
	}
}

// FetchDay fetches hourly irradiance for one location and date. Transient
// failures are retried with linear backoff; a definitive no-data response is
// not retried.
func (c *Client) FetchDay(ctx context.Context, lat, lon float64, date time.Time) ([]HourValue, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(c.retryBackoff * time.Duration(attempt)):
			}
		}

		values, err := c.fetchOnce(ctx, lat, lon, date)
		if err == nil {
			metrics.IrradianceFetchesTotal.WithLabelValues("ok").Inc()
			return values, nil
		}
		if errors.Is(err, errNoData) {
			metrics.IrradianceFetchesTotal.WithLabelValues("no_data").Inc()
			return nil, err
		}

		lastErr = err
		c.logger.Warn("irradiance fetch failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Float64("lat", lat),
			zap.Float64("lon", lon),
		)
	}

	metrics.IrradianceFetchesTotal.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, lat, lon float64, date time.Time) ([]HourValue, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, lat, lon, date)
	})
	metrics.IrradianceFetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("circuit breaker: %w", err)
		}
		return nil, err
	}

	return result.([]HourValue), nil
}

func (c *Client) doRequest(ctx context.Context, lat, lon float64, date time.Time) ([]HourValue, error) {
	day := date.UTC().Format("20060102")

	params := url.Values{}
	params.Set("parameters", nasaParameter)
	params.Set("community", "RE")
	params.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("start", day)
	params.Set("end", day)
	params.Set("format", "JSON")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		// Definitive: the source has nothing for this date/location.
		return nil, errNoData
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	values, err := parseHourlyResponse(body, day)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errNoData
	}
	return values, nil
}

type nasaResponse struct {
	Properties struct {
		Parameter map[string]map[string]float64 `json:"parameter"`
	} `json:"properties"`
}

// parseHourlyResponse extracts hourly values for one day. Keys are
// YYYYMMDDHH; fill values and foreign dates are dropped.
func parseHourlyResponse(body []byte, day string) ([]HourValue, error) {
	var parsed nasaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse NASA POWER response: %w", err)
	}

	series, ok := parsed.Properties.Parameter[nasaParameter]
	if !ok {
		return nil, fmt.Errorf("NASA POWER response missing parameter %s", nasaParameter)
	}

	values := make([]HourValue, 0, 24)
	for key, wm2 := range series {
		if len(key) != 10 || key[:8] != day {
			continue
		}
		hour, err := strconv.Atoi(key[8:])
		if err != nil || hour < 0 || hour > 23 {
			continue
		}
		if wm2 <= nasaFillValue || wm2 < 0 {
			continue
		}
		values = append(values, HourValue{Hour: hour, WM2: wm2})
	}

	sort.Slice(values, func(i, j int) bool { return values[i].Hour < values[j].Hour })
	return values, nil
}

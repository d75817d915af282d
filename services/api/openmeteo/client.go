package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ecoalerta/monitor-ambiental/services/api/config"
	"github.com/ecoalerta/monitor-ambiental/services/api/observability"
)

// Source identifies one of the two upstream APIs.
type Source string

const (
	SourceAirQuality Source = "air_quality"
	SourceForecast   Source = "forecast"
)

const (
	airQualityAttempts = 3
	forecastAttempts   = 2

	airQualityVariables = "pm10,pm2_5,nitrogen_dioxide"
	forecastVariables   = "temperature_2m,relativehumidity_2m,precipitation,surface_pressure,windspeed_10m,winddirection_10m"
)

var (
	// ErrCircuitOpen is returned without retrying while the breaker for a
	// source is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrInvalidCoordinates is returned for non-finite coordinates.
	ErrInvalidCoordinates = errors.New("invalid coordinates")
)

// StatusError is a non-2xx upstream response. It is never retried.
type StatusError struct {
	Source Source
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

type endpoint struct {
	source      Source
	baseURL     string
	variables   string
	timeout     time.Duration
	maxAttempts int
	breaker     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
}

// Client fetches hourly air-quality and forecast series for a coordinate.
type Client struct {
	httpClient   *http.Client
	airQuality   endpoint
	forecast     endpoint
	timezone     string
	forecastDays int
	backoff      time.Duration
	clock        clockwork.Clock
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewClient builds a client from configuration. metrics may be nil.
func NewClient(cfg config.OpenMeteoConfig, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rps := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		rps = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		httpClient:   &http.Client{},
		timezone:     cfg.Timezone,
		forecastDays: cfg.ForecastDays,
		backoff:      cfg.RetryBackoff,
		clock:        clockwork.NewRealClock(),
		metrics:      metrics,
		logger:       logger,
	}
	c.airQuality = endpoint{
		source:      SourceAirQuality,
		baseURL:     cfg.AirQualityURL,
		variables:   airQualityVariables,
		timeout:     cfg.AirQualityTimeout,
		maxAttempts: airQualityAttempts,
		breaker:     c.newBreaker(SourceAirQuality),
		limiter:     rate.NewLimiter(rps, burst),
	}
	c.forecast = endpoint{
		source:      SourceForecast,
		baseURL:     cfg.ForecastURL,
		variables:   forecastVariables,
		timeout:     cfg.ForecastTimeout,
		maxAttempts: forecastAttempts,
		breaker:     c.newBreaker(SourceForecast),
		limiter:     rate.NewLimiter(rps, burst),
	}
	return c
}

func (c *Client) newBreaker(source Source) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(source),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("open-meteo circuit breaker state change",
				"source", name, "from", from.String(), "to", to.String())
		},
	})
}

// FetchAirQuality retrieves hourly PM10, PM2.5 and NO2 for a coordinate.
// Failures are reported in the Result, never as a panic or a second return.
func (c *Client) FetchAirQuality(ctx context.Context, lat, lon float64) Result[AirQuality] {
	var out AirQuality
	if err := c.fetch(ctx, &c.airQuality, lat, lon, &out); err != nil {
		return failure[AirQuality](err)
	}
	return success(&out)
}

// FetchForecast retrieves the hourly weather series for a coordinate.
func (c *Client) FetchForecast(ctx context.Context, lat, lon float64) Result[Forecast] {
	var out Forecast
	if err := c.fetch(ctx, &c.forecast, lat, lon, &out); err != nil {
		return failure[Forecast](err)
	}
	return success(&out)
}

func (c *Client) fetch(ctx context.Context, ep *endpoint, lat, lon float64, out any) error {
	if !finite(lat) || !finite(lon) {
		return fmt.Errorf("%s: %w: %v,%v", ep.source, ErrInvalidCoordinates, lat, lon)
	}

	start := c.clock.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.FetchDuration.WithLabelValues(string(ep.source)).Observe(c.clock.Since(start).Seconds())
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= ep.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, backoffDelay(c.backoff, attempt-1)); err != nil {
				return fmt.Errorf("%s fetch cancelled: %w", ep.source, err)
			}
		}

		err := c.attempt(ctx, ep, lat, lon, out)
		if err == nil {
			c.countAttempt(ep.source, "success")
			return nil
		}
		lastErr = err

		if !isRetryable(ctx, err) {
			c.countAttempt(ep.source, "error")
			return fmt.Errorf("%s: %w", ep.source, err)
		}
		if attempt < ep.maxAttempts {
			c.countAttempt(ep.source, "retry")
			c.logger.Warn("open-meteo request failed, retrying",
				"source", ep.source, "attempt", attempt, "max_attempts", ep.maxAttempts, "error", err)
		} else {
			c.countAttempt(ep.source, "error")
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", ep.source, ep.maxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, ep *endpoint, lat, lon float64, out any) error {
	if err := ep.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait canceled: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()

	_, err := ep.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.buildURL(ep, lat, lon), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &StatusError{Source: ep.source, Code: resp.StatusCode, Body: string(body)}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", ep.source, err)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func (c *Client) buildURL(ep *endpoint, lat, lon float64) string {
	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	values.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	values.Set("hourly", ep.variables)
	if c.timezone != "" {
		values.Set("timezone", c.timezone)
	}
	if ep.source == SourceForecast && c.forecastDays > 0 {
		values.Set("forecast_days", strconv.Itoa(c.forecastDays))
	}
	return ep.baseURL + "?" + values.Encode()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

func (c *Client) countAttempt(source Source, outcome string) {
	if c.metrics != nil {
		c.metrics.FetchAttempts.WithLabelValues(string(source), outcome).Inc()
	}
}

// backoffDelay grows linearly: base, 2*base, 3*base...
func backoffDelay(base time.Duration, retry int) time.Duration {
	return base * time.Duration(retry)
}

// isRetryable reports whether err is a transient transport failure worth
// another attempt. Cancellation of the caller's context never is.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ecoalerta/monitor-ambiental/services/api/models"
	"github.com/ecoalerta/monitor-ambiental/services/api/observability"
	"github.com/ecoalerta/monitor-ambiental/services/api/openmeteo"
)

var (
	ErrNoActiveZones      = errors.New("no active zones")
	ErrZoneNotFound       = errors.New("zone not found")
	ErrMissingCoordinates = errors.New("missing coordinate")
	ErrInvalidCoordinates = errors.New("invalid coordinate")
)

// Status is the state of one zone sync.
type Status string

const (
	StatusPending     Status = "pending"
	StatusFetching    Status = "fetching"
	StatusCombining   Status = "combining"
	StatusNormalizing Status = "normalizing"
	StatusWriting     Status = "writing"
	StatusDone        Status = "done"
	StatusPartial     Status = "partial"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusPartial || s == StatusFailed
}

// Triggers label what started a run.
const (
	TriggerManual    = "manual"
	TriggerSnapshot  = "snapshot"
	TriggerScheduled = "scheduled"
	TriggerWatcher   = "watcher"
)

// Fetcher retrieves both upstream payloads for a coordinate.
type Fetcher interface {
	FetchCombined(ctx context.Context, lat, lon float64) openmeteo.Combined
}

// ZoneSource reads zones. GetZone returns nil, nil for an unknown id.
type ZoneSource interface {
	ListActiveZones(ctx context.Context) ([]models.Zone, error)
	GetZone(ctx context.Context, id int64) (*models.Zone, error)
}

// Observer is notified after each zone sync reaches a terminal state.
type Observer interface {
	ZoneSynced(ctx context.Context, result ZoneResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, result ZoneResult)

func (f ObserverFunc) ZoneSynced(ctx context.Context, result ZoneResult) { f(ctx, result) }

// ZoneResult is the structured outcome of one zone sync.
type ZoneResult struct {
	RunID           string      `json:"run_id"`
	ZoneID          int64       `json:"zona_id"`
	ZoneName        string      `json:"zona"`
	Status          Status      `json:"estado"`
	Records         int         `json:"registros"`
	Batch           BatchResult `json:"resultado"`
	Skipped         []string    `json:"omitidos,omitempty"`
	AirQualityError string      `json:"error_calidad_aire,omitempty"`
	Error           string      `json:"error,omitempty"`
	StartedAt       time.Time   `json:"inicio"`
	FinishedAt      time.Time   `json:"fin"`
}

// ZoneError is the short form of a failed zone in a Summary.
type ZoneError struct {
	ZoneID   int64  `json:"zona_id"`
	ZoneName string `json:"zona"`
	Error    string `json:"error"`
}

// Summary aggregates a sync over all active zones. Successful counts done and
// partial zones; Failed counts failed zones.
type Summary struct {
	RunID      string       `json:"run_id"`
	Trigger    string       `json:"trigger"`
	Successful int          `json:"exitosas"`
	Failed     int          `json:"errores"`
	Results    []ZoneResult `json:"resultados"`
	Errors     []ZoneError  `json:"detalle_errores"`
	StartedAt  time.Time    `json:"inicio"`
	FinishedAt time.Time    `json:"fin"`
}

// ServiceDeps wires a Service. Zones, Fetcher and Writer are required.
type ServiceDeps struct {
	Zones      ZoneSource
	Fetcher    Fetcher
	Writer     *Writer
	Location   *time.Location
	RunTimeout time.Duration
	Clock      clockwork.Clock
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Observers  []Observer
}

// Service orchestrates fetch, normalize and write for zones.
type Service struct {
	zones      ZoneSource
	fetcher    Fetcher
	writer     *Writer
	loc        *time.Location
	runTimeout time.Duration
	clock      clockwork.Clock
	metrics    *observability.Metrics
	logger     *slog.Logger
	observers  []Observer
	validate   *validator.Validate
}

func NewService(d ServiceDeps) *Service {
	s := &Service{
		zones:      d.Zones,
		fetcher:    d.Fetcher,
		writer:     d.Writer,
		loc:        d.Location,
		runTimeout: d.RunTimeout,
		clock:      d.Clock,
		metrics:    d.Metrics,
		logger:     d.Logger,
		observers:  d.Observers,
		validate:   validator.New(),
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// AddObserver registers o for subsequent zone syncs. Not safe to call while a
// sync is running.
func (s *Service) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// SyncAll syncs every active zone sequentially. A zone failure never aborts
// the others; the error return is reserved for the zone query.
func (s *Service) SyncAll(ctx context.Context, trigger string) (Summary, error) {
	ctx, cancel := s.withRunTimeout(ctx)
	defer cancel()

	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID, "trigger", trigger)
	start := s.clock.Now()

	zones, err := s.zones.ListActiveZones(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list active zones: %w", err)
	}
	if len(zones) == 0 {
		return Summary{}, ErrNoActiveZones
	}
	if s.metrics != nil {
		s.metrics.SyncRuns.WithLabelValues(trigger).Inc()
	}
	logger.Info("sync started", "zones", len(zones))

	summary := Summary{
		RunID:     runID,
		Trigger:   trigger,
		Results:   make([]ZoneResult, 0, len(zones)),
		Errors:    make([]ZoneError, 0),
		StartedAt: start,
	}
	for _, zone := range zones {
		summary = summary.with(s.syncZone(ctx, runID, zone))
	}
	summary.FinishedAt = s.clock.Now()

	if s.metrics != nil {
		s.metrics.SyncDuration.Observe(summary.FinishedAt.Sub(start).Seconds())
	}
	logger.Info("sync finished",
		"successful", summary.Successful, "failed", summary.Failed,
		"duration", summary.FinishedAt.Sub(start))
	return summary, nil
}

func (sum Summary) with(r ZoneResult) Summary {
	if r.Status == StatusFailed {
		sum.Failed++
		sum.Errors = append(sum.Errors, ZoneError{ZoneID: r.ZoneID, ZoneName: r.ZoneName, Error: r.Error})
		return sum
	}
	sum.Successful++
	sum.Results = append(sum.Results, r)
	return sum
}

// SyncZoneByID syncs a single zone regardless of its active flag.
func (s *Service) SyncZoneByID(ctx context.Context, id int64) (ZoneResult, error) {
	ctx, cancel := s.withRunTimeout(ctx)
	defer cancel()

	zone, err := s.zones.GetZone(ctx, id)
	if err != nil {
		return ZoneResult{}, fmt.Errorf("get zone %d: %w", id, err)
	}
	if zone == nil {
		return ZoneResult{}, fmt.Errorf("%w: %d", ErrZoneNotFound, id)
	}
	if s.metrics != nil {
		s.metrics.SyncRuns.WithLabelValues(TriggerManual).Inc()
	}
	return s.syncZone(ctx, uuid.NewString(), *zone), nil
}

// SyncZone syncs one zone under a fresh run id.
func (s *Service) SyncZone(ctx context.Context, zone models.Zone) ZoneResult {
	return s.syncZone(ctx, uuid.NewString(), zone)
}

// Preview fetches and normalizes a zone without writing anything.
func (s *Service) Preview(ctx context.Context, zone models.Zone) (NormalizeResult, error) {
	lat, lon, err := s.coordinates(zone)
	if err != nil {
		return NormalizeResult{}, err
	}
	combined := s.fetcher.FetchCombined(ctx, lat, lon)
	if !combined.Success {
		return NormalizeResult{}, forecastError(combined)
	}
	return Normalize(combined, s.loc), nil
}

func (s *Service) syncZone(ctx context.Context, runID string, zone models.Zone) ZoneResult {
	run := &zoneRun{
		result: ZoneResult{
			RunID:     runID,
			ZoneID:    zone.ID,
			ZoneName:  zone.Name,
			Status:    StatusPending,
			StartedAt: s.clock.Now(),
		},
		logger: s.logger.With("run_id", runID, "zone_id", zone.ID),
	}

	result := s.runZone(ctx, run, zone)
	result.FinishedAt = s.clock.Now()

	if s.metrics != nil {
		s.metrics.ZoneSyncs.WithLabelValues(string(result.Status)).Inc()
	}
	if result.Status == StatusFailed {
		run.logger.Warn("zone sync failed", "error", result.Error)
	} else {
		run.logger.Info("zone sync finished", "status", result.Status,
			"inserted", result.Batch.Inserted, "updated", result.Batch.Updated, "failed", result.Batch.Failed)
	}

	for _, o := range s.observers {
		o.ZoneSynced(ctx, result)
	}
	return result
}

func (s *Service) runZone(ctx context.Context, run *zoneRun, zone models.Zone) ZoneResult {
	lat, lon, err := s.coordinates(zone)
	if err != nil {
		return run.fail(err)
	}

	run.advance(StatusFetching)
	combined := s.fetcher.FetchCombined(ctx, lat, lon)

	run.advance(StatusCombining)
	if !combined.Success {
		return run.fail(forecastError(combined))
	}
	run.result.AirQualityError = combined.AirQuality.ErrorMessage()

	run.advance(StatusNormalizing)
	normalized := Normalize(combined, s.loc)
	run.result.Records = len(normalized.Records)
	run.result.Skipped = normalized.Skipped

	run.advance(StatusWriting)
	batch, err := s.writer.WriteZone(ctx, zone.ID, normalized.Records)
	if err != nil {
		return run.fail(err)
	}
	run.result.Batch = batch

	if batch.Failed > 0 || run.result.AirQualityError != "" {
		run.advance(StatusPartial)
	} else {
		run.advance(StatusDone)
	}
	return run.result
}

func forecastError(c openmeteo.Combined) error {
	if c.Forecast.Err != nil {
		return c.Forecast.Err
	}
	return errors.New("forecast: empty response")
}

func (s *Service) withRunTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.runTimeout > 0 {
		return context.WithTimeout(ctx, s.runTimeout)
	}
	return context.WithCancel(ctx)
}

type coordinates struct {
	Latitude  *float64 `validate:"required,gte=-90,lte=90"`
	Longitude *float64 `validate:"required,gte=-180,lte=180"`
}

// coordinates validates a zone's location before any network call.
func (s *Service) coordinates(zone models.Zone) (float64, float64, error) {
	err := s.validate.Struct(coordinates{Latitude: zone.Latitude, Longitude: zone.Longitude})
	if err == nil {
		return *zone.Latitude, *zone.Longitude, nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	var missing, invalid []string
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		if fe.Tag() == "required" {
			missing = append(missing, name)
		} else {
			invalid = append(invalid, name)
		}
	}
	if len(missing) > 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrMissingCoordinates, strings.Join(missing, ", "))
	}
	return 0, 0, fmt.Errorf("%w: %s out of range", ErrInvalidCoordinates, strings.Join(invalid, ", "))
}

// zoneRun tracks a single zone through its states.
type zoneRun struct {
	result ZoneResult
	logger *slog.Logger
}

func (r *zoneRun) advance(to Status) {
	r.logger.Debug("zone sync transition", "from", r.result.Status, "to", to)
	r.result.Status = to
}

func (r *zoneRun) fail(err error) ZoneResult {
	r.advance(StatusFailed)
	r.result.Error = err.Error()
	return r.result
}

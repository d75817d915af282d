package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ecoalerta/monitor-ambiental/services/api/models"
	"github.com/ecoalerta/monitor-ambiental/services/api/openmeteo"
)

// memStore is an in-memory BatchStore with savepoint semantics.
type memStore struct {
	mu         sync.Mutex
	rows       []models.Measurement
	nextID     int64
	batches    int
	batchErr   error
	failInsert map[time.Time]bool
}

func newMemStore() *memStore {
	return &memStore{failInsert: map[time.Time]bool{}}
}

func (m *memStore) WriteZoneBatch(ctx context.Context, zoneID int64, fn func(MeasurementTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchErr != nil {
		return m.batchErr
	}
	m.batches++

	rows, nextID := m.snapshot()
	if err := fn(&memTx{store: m}); err != nil {
		m.rows, m.nextID = rows, nextID
		return err
	}
	return nil
}

func (m *memStore) snapshot() ([]models.Measurement, int64) {
	rows := make([]models.Measurement, len(m.rows))
	copy(rows, m.rows)
	return rows, m.nextID
}

// seed inserts a row directly, outside any batch.
func (m *memStore) seed(zoneID int64, ts time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.rows = append(m.rows, models.Measurement{ID: m.nextID, ZoneID: zoneID, Timestamp: ts})
	return m.nextID
}

func (m *memStore) zoneRows(zoneID int64) []models.Measurement {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Measurement
	for _, r := range m.rows {
		if r.ZoneID == zoneID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

type memTx struct {
	store *memStore
}

func (t *memTx) FindNearest(_ context.Context, zoneID int64, target time.Time, window time.Duration) (int64, bool, error) {
	var (
		bestID   int64
		bestDiff time.Duration
		found    bool
	)
	for _, r := range t.store.rows {
		if r.ZoneID != zoneID {
			continue
		}
		diff := r.Timestamp.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff > window {
			continue
		}
		if !found || diff < bestDiff {
			bestID, bestDiff, found = r.ID, diff, true
		}
	}
	return bestID, found, nil
}

func (t *memTx) UpdateReadings(_ context.Context, id int64, r models.Readings) error {
	for i := range t.store.rows {
		if t.store.rows[i].ID == id {
			t.store.rows[i].Readings = r
			return nil
		}
	}
	return errors.New("no such row")
}

func (t *memTx) InsertMeasurement(_ context.Context, zoneID int64, ts time.Time, r models.Readings) (int64, error) {
	t.store.nextID++
	t.store.rows = append(t.store.rows, models.Measurement{ID: t.store.nextID, ZoneID: zoneID, Timestamp: ts, Readings: r})
	if t.store.failInsert[ts] {
		return 0, errors.New("check constraint violated")
	}
	return t.store.nextID, nil
}

func (t *memTx) Savepoint(_ context.Context, fn func() error) error {
	rows, nextID := t.store.snapshot()
	if err := fn(); err != nil {
		t.store.rows, t.store.nextID = rows, nextID
		return err
	}
	return nil
}

// memZones is an in-memory ZoneSource.
type memZones struct {
	zones []models.Zone
	err   error
}

func (z *memZones) ListActiveZones(context.Context) ([]models.Zone, error) {
	if z.err != nil {
		return nil, z.err
	}
	var out []models.Zone
	for _, zone := range z.zones {
		if zone.Active {
			out = append(out, zone)
		}
	}
	return out, nil
}

func (z *memZones) GetZone(_ context.Context, id int64) (*models.Zone, error) {
	if z.err != nil {
		return nil, z.err
	}
	for _, zone := range z.zones {
		if zone.ID == id {
			zone := zone
			return &zone, nil
		}
	}
	return nil, nil
}

// stubFetcher returns a fixed payload and records calls.
type stubFetcher struct {
	mu       sync.Mutex
	combined openmeteo.Combined
	calls    []float64
}

func (f *stubFetcher) FetchCombined(_ context.Context, lat, lon float64) openmeteo.Combined {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lat, lon)
	return f.combined
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls) / 2
}

func ptr(v float64) *float64 { return &v }

func series(values ...*float64) openmeteo.Series { return openmeteo.Series(values) }

func testZone(id int64, name string, lat, lon *float64) models.Zone {
	return models.Zone{ID: id, Name: name, Latitude: lat, Longitude: lon, Active: true}
}

// threeHourPayload is the canonical join example: air quality and forecast
// share three hourly timestamps, pm2_5 has a gap in the middle.
func threeHourPayload() openmeteo.Combined {
	times := []string{"2024-05-01T00:00", "2024-05-01T01:00", "2024-05-01T02:00"}
	aq := &openmeteo.AirQuality{Hourly: openmeteo.AirQualityHourly{
		Time: times,
		PM25: series(ptr(10), nil, ptr(12)),
		PM10: series(ptr(20), ptr(21), ptr(22)),
		NO2:  series(ptr(1), ptr(2), ptr(3)),
	}}
	fc := &openmeteo.Forecast{Hourly: openmeteo.ForecastHourly{
		Time:            times,
		Temperature:     series(ptr(15), ptr(16), ptr(17)),
		Humidity:        series(ptr(50), ptr(55), ptr(60)),
		Precipitation:   series(ptr(0), ptr(0), ptr(0.4)),
		SurfacePressure: series(ptr(1012), ptr(1011), ptr(1010)),
		WindSpeed:       series(ptr(3), ptr(4), ptr(5)),
		WindDirection:   series(ptr(90), ptr(180), ptr(270)),
	}}
	return openmeteo.Combine(openmeteo.Result[openmeteo.AirQuality]{Data: aq}, openmeteo.Result[openmeteo.Forecast]{Data: fc})
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoalerta/monitor-ambiental/services/api/cache"
	"github.com/ecoalerta/monitor-ambiental/services/api/config"
	"github.com/ecoalerta/monitor-ambiental/services/api/db"
	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/models"
	"github.com/ecoalerta/monitor-ambiental/services/api/observability"
	"github.com/ecoalerta/monitor-ambiental/services/api/realtime"
)

type fakeSync struct {
	summary  ingest.Summary
	result   ingest.ZoneResult
	err      error
	triggers []string
	zoneIDs  []int64
}

func (f *fakeSync) SyncAll(_ context.Context, trigger string) (ingest.Summary, error) {
	f.triggers = append(f.triggers, trigger)
	return f.summary, f.err
}

func (f *fakeSync) SyncZoneByID(_ context.Context, id int64) (ingest.ZoneResult, error) {
	f.zoneIDs = append(f.zoneIDs, id)
	return f.result, f.err
}

type fakeStore struct {
	zones     map[int64]models.Zone
	statuses  []models.ZoneStatus
	snapshots []models.ZoneSnapshot
	series    []models.Measurement
	queries   []db.MeasurementQuery
	readyErr  error
	readErr   error
}

func (f *fakeStore) GetZone(_ context.Context, id int64) (*models.Zone, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	z, ok := f.zones[id]
	if !ok {
		return nil, nil
	}
	return &z, nil
}

func (f *fakeStore) ZoneStatuses(context.Context) ([]models.ZoneStatus, error) {
	return f.statuses, f.readErr
}

func (f *fakeStore) LatestMeasurements(_ context.Context, zoneID *int64) ([]models.ZoneSnapshot, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if zoneID == nil {
		return f.snapshots, nil
	}
	out := make([]models.ZoneSnapshot, 0)
	for _, s := range f.snapshots {
		if s.Zone.ID == *zoneID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) FetchMeasurements(_ context.Context, q db.MeasurementQuery) ([]models.Measurement, error) {
	f.queries = append(f.queries, q)
	return f.series, f.readErr
}

func (f *fakeStore) CheckReadiness(context.Context) error { return f.readyErr }

type countingCache struct {
	loads int
}

func (c *countingCache) GetOrLoad(ctx context.Context, zoneID *int64, load cache.Loader) ([]models.ZoneSnapshot, error) {
	c.loads++
	return load(ctx, zoneID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	server *Server
	sync   *fakeSync
	store  *fakeStore
	hub    *realtime.Hub
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	if cfg.DefaultLimit == 0 {
		cfg.DefaultLimit = 200
	}
	f := &fixture{
		sync: &fakeSync{},
		store: &fakeStore{zones: map[int64]models.Zone{
			1: {ID: 1, Name: "Centro", Active: true},
		}},
		hub: realtime.NewHub(realtime.Options{}, observability.NewMetricsForTesting(), discardLogger()),
	}
	t.Cleanup(f.hub.Close)
	f.server = New(cfg, Deps{Sync: f.sync, Store: f.store, Hub: f.hub, Logger: discardLogger()})
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, config.Config{})
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestReadyz(t *testing.T) {
	f := newFixture(t, config.Config{})
	rec := f.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])

	f.store.readyErr = errors.New("pool closed")
	rec = f.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "pool closed", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, config.Config{})
	rec := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSyncAll_StatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"no active zones", ingest.ErrNoActiveZones, http.StatusNotFound},
		{"zones query failed", fmt.Errorf("list active zones: %w", errors.New("conn refused")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.Config{})
			f.sync.summary = ingest.Summary{RunID: "run-1", Successful: 1, Failed: 1}
			f.sync.err = tt.err

			rec := f.do(http.MethodPost, "/api/open-meteo/sync", "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, []string{ingest.TriggerManual}, f.sync.triggers)

			body := decode(t, rec)
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), body["error"])
				return
			}
			assert.Equal(t, 1.0, body["exitosas"])
			assert.Equal(t, 1.0, body["errores"])
		})
	}
}

func TestSyncSnapshot_ReturnsSummaryAndSavedReadings(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.sync.summary = ingest.Summary{RunID: "run-2", Successful: 1}
	f.store.snapshots = []models.ZoneSnapshot{{Zone: models.Zone{ID: 1, Name: "Centro"}}}

	rec := f.do(http.MethodGet, "/api/open-meteo/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{ingest.TriggerSnapshot}, f.sync.triggers)

	body := decode(t, rec)
	assert.Equal(t, "run-2", body["resumen"].(map[string]any)["run_id"])
	assert.Len(t, body["guardado"], 1)
}

func TestSyncZone(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.sync.result = ingest.ZoneResult{ZoneID: 1, Status: ingest.StatusDone}

	rec := f.do(http.MethodPost, "/api/open-meteo/sync/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1}, f.sync.zoneIDs)
	assert.Equal(t, "done", decode(t, rec)["estado"])

	for _, bad := range []string{"abc", "0", "-3"} {
		rec = f.do(http.MethodPost, "/api/open-meteo/sync/"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	f.sync.err = fmt.Errorf("%w: %d", ingest.ErrZoneNotFound, 99)
	rec = f.do(http.MethodPost, "/api/open-meteo/sync/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBearerTokenGatesWriteEndpoints(t *testing.T) {
	f := newFixture(t, config.Config{BearerToken: "secreto"})

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/open-meteo/sync", "").Code)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(http.MethodPost, "/api/open-meteo/sync", "", "Authorization", "Bearer otro").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/mensaje", `{}`).Code)
	assert.Empty(t, f.sync.triggers)

	assert.Equal(t, http.StatusOK,
		f.do(http.MethodPost, "/api/open-meteo/sync", "", "Authorization", "Bearer secreto").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/open-meteo/status", "").Code, "reads stay open")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, config.Config{BearerToken: "secreto"})
	rec := f.do(http.MethodOptions, "/api/open-meteo/sync", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, config.Config{})
	latest := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	f.store.statuses = []models.ZoneStatus{{ZoneID: 1, ZoneName: "Centro", Count: 3, Latest: &latest}}

	rec := f.do(http.MethodGet, "/api/open-meteo/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 1.0, body["meta"].(map[string]any)["count"])

	f.store.readErr = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodGet, "/api/open-meteo/status", "").Code)
}

func TestRealtime(t *testing.T) {
	f := newFixture(t, config.Config{})
	f.store.snapshots = []models.ZoneSnapshot{
		{Zone: models.Zone{ID: 1, Name: "Centro"}},
		{Zone: models.Zone{ID: 2, Name: "Sur"}},
	}

	rec := f.do(http.MethodGet, "/api/open-meteo/realtime", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 2)

	rec = f.do(http.MethodGet, "/api/open-meteo/realtime/2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 1)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/open-meteo/realtime/7", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/open-meteo/realtime/x", "").Code)
}

func TestRealtime_GoesThroughCache(t *testing.T) {
	c := &countingCache{}
	store := &fakeStore{snapshots: []models.ZoneSnapshot{{Zone: models.Zone{ID: 1}}}}
	srv := New(config.Config{}, Deps{Store: store, Cache: c, Logger: discardLogger()})

	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/open-meteo/realtime/1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, c.loads)
}

func TestMeasurements(t *testing.T) {
	f := newFixture(t, config.Config{DefaultLimit: 50})
	f.store.series = []models.Measurement{{ID: 1, ZoneID: 1}}

	rec := f.do(http.MethodGet, "/api/open-meteo/mediciones/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.store.queries, 1)
	assert.Equal(t, db.MeasurementQuery{ZoneID: 1, Limit: 50}, f.store.queries[0])

	rec = f.do(http.MethodGet, "/api/open-meteo/mediciones/1?start=2024-05-01T00:00:00Z&end=2024-05-02T00:00:00-04:00&last_n=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	q := f.store.queries[1]
	assert.Equal(t, 10, q.Limit)
	require.NotNil(t, q.Since)
	require.NotNil(t, q.Until)
	assert.Equal(t, time.Date(2024, 5, 2, 4, 0, 0, 0, time.UTC), *q.Until)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/open-meteo/mediciones/9", "").Code)
	for _, bad := range []string{"?last_n=0", "?last_n=x", "?start=ayer", "?last_n_days=-1",
		"?start=2024-05-02T00:00:00Z&end=2024-05-01T00:00:00Z"} {
		rec = f.do(http.MethodGet, "/api/open-meteo/mediciones/1"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestMeasurementsQuery_LastNDays(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	days := 2
	q, err := measurementsQuery{LastNDays: &days}.toQuery(4, 200, now)
	require.NoError(t, err)
	require.NotNil(t, q.Since)
	assert.Equal(t, now.Add(-48*time.Hour), *q.Since)
	assert.Zero(t, q.Limit, "a time range disables the default limit")
}

func TestMessage_RejectsInvalidJSON(t *testing.T) {
	f := newFixture(t, config.Config{})
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/mensaje", "{no").Code)
}

func TestWebSocket_ReceivesBroadcastMessage(t *testing.T) {
	f := newFixture(t, config.Config{})
	ts := httptest.NewServer(f.server.Engine())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	post, err := http.Post(ts.URL+"/mensaje", "application/json", strings.NewReader(`{"alerta":"pm25 alto"}`))
	require.NoError(t, err)
	defer post.Body.Close()
	assert.Equal(t, http.StatusOK, post.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"alerta":"pm25 alto"}`, string(msg))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

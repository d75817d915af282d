package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoalerta/monitor-ambiental/services/api/config"
	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/models"
)

type emptyStore struct{}

func (emptyStore) ListActiveZones(context.Context) ([]models.Zone, error) { return nil, nil }

func (emptyStore) GetZone(context.Context, int64) (*models.Zone, error) { return nil, nil }

func (emptyStore) WriteZoneBatch(context.Context, int64, func(ingest.MeasurementTx) error) error {
	return nil
}

func testConfig(tz string) config.Config {
	return config.Config{
		OpenMeteo: config.OpenMeteoConfig{Timezone: tz, ForecastTimeout: time.Second, AirQualityTimeout: time.Second},
		Sync:      config.SyncConfig{MatchWindow: 30 * time.Minute, Timeout: time.Minute},
	}
}

func TestNewSyncService(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewSyncService(testConfig("America/La_Paz"), emptyStore{}, nil, logger)
	require.NoError(t, err)

	_, err = svc.SyncAll(context.Background(), ingest.TriggerWatcher)
	assert.ErrorIs(t, err, ingest.ErrNoActiveZones)
}

func TestNewSyncService_RejectsUnknownTimezone(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewSyncService(testConfig("Mars/Olympus"), emptyStore{}, nil, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPEN_METEO_TIMEZONE")
}

// Package app assembles the sync pipeline shared by the API server and the
// watcher job.
package app

import (
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata"

	"github.com/ecoalerta/monitor-ambiental/services/api/config"
	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/observability"
	"github.com/ecoalerta/monitor-ambiental/services/api/openmeteo"
)

// Store is what the sync pipeline needs from the database.
type Store interface {
	ingest.ZoneSource
	ingest.BatchStore
}

// NewSyncService wires the Open-Meteo client, the upsert writer and the
// orchestrator. metrics may be nil.
func NewSyncService(cfg config.Config, store Store, metrics *observability.Metrics, logger *slog.Logger, observers ...ingest.Observer) (*ingest.Service, error) {
	loc, err := time.LoadLocation(cfg.OpenMeteo.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid OPEN_METEO_TIMEZONE %q: %w", cfg.OpenMeteo.Timezone, err)
	}

	client := openmeteo.NewClient(cfg.OpenMeteo, metrics, logger.With("component", "openmeteo"))
	writer := ingest.NewWriter(store, cfg.Sync.MatchWindow, metrics, logger.With("component", "writer"))

	return ingest.NewService(ingest.ServiceDeps{
		Zones:      store,
		Fetcher:    client,
		Writer:     writer,
		Location:   loc,
		RunTimeout: cfg.Sync.Timeout,
		Metrics:    metrics,
		Logger:     logger.With("component", "sync"),
		Observers:  observers,
	}), nil
}

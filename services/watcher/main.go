package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecoalerta/monitor-ambiental/services/api/app"
	"github.com/ecoalerta/monitor-ambiental/services/api/db"
	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/models"
	"github.com/ecoalerta/monitor-ambiental/services/api/observability"
	"github.com/ecoalerta/monitor-ambiental/services/watcher/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("watcher failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	if !cfg.DryRun {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	svc, err := app.NewSyncService(cfg.Config, store, nil, logger)
	if err != nil {
		return err
	}

	w := &watcher{svc: svc, zones: store, logger: logger}
	if cfg.DryRun {
		return w.preview(ctx, cfg.ZoneIDs)
	}
	return w.sync(ctx, cfg.ZoneIDs)
}

type syncer interface {
	SyncAll(ctx context.Context, trigger string) (ingest.Summary, error)
	SyncZoneByID(ctx context.Context, id int64) (ingest.ZoneResult, error)
	Preview(ctx context.Context, zone models.Zone) (ingest.NormalizeResult, error)
}

type watcher struct {
	svc    syncer
	zones  ingest.ZoneSource
	logger *slog.Logger
}

// sync runs one ingestion pass. It fails when any zone failed so the
// scheduler running the job can alert on the exit code.
func (w *watcher) sync(ctx context.Context, zoneIDs []int64) error {
	if len(zoneIDs) == 0 {
		summary, err := w.svc.SyncAll(ctx, ingest.TriggerWatcher)
		if errors.Is(err, ingest.ErrNoActiveZones) {
			w.logger.Info("no active zones to sync")
			return nil
		}
		if err != nil {
			return err
		}
		for _, zerr := range summary.Errors {
			w.logger.Warn("zone sync failed", "zone_id", zerr.ZoneID, "zone", zerr.ZoneName, "error", zerr.Error)
		}
		w.logger.Info("sync finished", "run_id", summary.RunID,
			"successful", summary.Successful, "failed", summary.Failed)
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d zones failed", summary.Failed, summary.Failed+summary.Successful)
		}
		return nil
	}

	var failed int
	for _, id := range zoneIDs {
		result, err := w.svc.SyncZoneByID(ctx, id)
		if err != nil {
			w.logger.Error("zone sync failed", "zone_id", id, "error", err)
			failed++
			continue
		}
		w.logger.Info("zone synced", "run_id", result.RunID, "zone_id", id, "status", result.Status,
			"inserted", result.Batch.Inserted, "updated", result.Batch.Updated, "failed_records", result.Batch.Failed)
		if result.Status == ingest.StatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d zones failed", failed, len(zoneIDs))
	}
	return nil
}

// preview fetches and normalizes without writing, logging what a real run
// would store.
func (w *watcher) preview(ctx context.Context, zoneIDs []int64) error {
	zones, err := w.selectZones(ctx, zoneIDs)
	if err != nil {
		return err
	}

	for _, zone := range zones {
		res, err := w.svc.Preview(ctx, zone)
		if err != nil {
			w.logger.Warn("dry-run: zone skipped", "zone_id", zone.ID, "zone", zone.Name, "error", err)
			continue
		}
		w.logger.Info("dry-run: prepared records", "zone_id", zone.ID, "zone", zone.Name,
			"records", len(res.Records), "skipped", len(res.Skipped))
		for _, rec := range res.Records {
			w.logger.Debug("dry-run: would upsert", "zone_id", zone.ID, "fecha", rec.Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

func (w *watcher) selectZones(ctx context.Context, zoneIDs []int64) ([]models.Zone, error) {
	if len(zoneIDs) == 0 {
		return w.zones.ListActiveZones(ctx)
	}
	zones := make([]models.Zone, 0, len(zoneIDs))
	for _, id := range zoneIDs {
		zone, err := w.zones.GetZone(ctx, id)
		if err != nil {
			return nil, err
		}
		if zone == nil {
			w.logger.Warn("dry-run: zone not found", "zone_id", id)
			continue
		}
		zones = append(zones, *zone)
	}
	return zones, nil
}

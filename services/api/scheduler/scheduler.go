package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
)

// Syncer runs a sync over every active zone.
type Syncer interface {
	SyncAll(ctx context.Context, trigger string) (ingest.Summary, error)
}

// Scheduler periodically syncs all active zones inside the API process.
type Scheduler struct {
	scheduler *gocron.Scheduler
	syncer    Syncer
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup
}

// New creates a Scheduler. timeout bounds each run; zero means no bound.
func New(syncer Syncer, interval, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		syncer:    syncer,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start registers the sync job and starts the scheduler in the background.
// Runs never overlap; a tick that fires while a run is in progress is skipped.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.logger.Info("scheduler: interval not set; scheduled sync disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().WaitForSchedule().Do(s.run)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler: started", "interval", s.interval)
	return nil
}

// Stop cancels the run in progress, if any, waits for it to return and
// stops future runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	if s.scheduler.IsRunning() {
		s.scheduler.Stop()
	}
	s.running.Wait()
}

func (s *Scheduler) run() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	summary, err := s.syncer.SyncAll(ctx, ingest.TriggerScheduled)
	switch {
	case errors.Is(err, ingest.ErrNoActiveZones):
		s.logger.Info("scheduler: no active zones")
	case err != nil:
		s.logger.Error("scheduler: sync failed", "error", err)
	default:
		s.logger.Info("scheduler: sync completed",
			"run_id", summary.RunID, "successful", summary.Successful, "failed", summary.Failed)
	}
}

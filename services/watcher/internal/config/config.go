package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	apiconfig "github.com/ecoalerta/monitor-ambiental/services/api/config"
)

// Config holds runtime configuration for the watcher job. It shares the API
// settings for the database and the Open-Meteo clients.
type Config struct {
	apiconfig.Config

	// ZoneIDs restricts the run to these zones, active or not. Empty means all
	// active zones.
	ZoneIDs []int64
	// RunTimeout bounds the whole run. 0 means no deadline.
	RunTimeout time.Duration
	DryRun     bool
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	base, err := apiconfig.Load()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Config: base}

	if v := strings.TrimSpace(os.Getenv("WATCHER_RUN_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return cfg, fmt.Errorf("invalid WATCHER_RUN_TIMEOUT: %s", v)
		}
		cfg.RunTimeout = d
	}

	if v := strings.TrimSpace(os.Getenv("WATCHER_ZONE_IDS")); v != "" {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return cfg, fmt.Errorf("invalid WATCHER_ZONE_IDS entry: %q", part)
			}
			cfg.ZoneIDs = append(cfg.ZoneIDs, id)
		}
	}

	dryRun := strings.TrimSpace(os.Getenv("DRY_RUN"))
	cfg.DryRun = dryRun == "1" || strings.EqualFold(dryRun, "true")

	return cfg, nil
}

package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ecoalerta/monitor-ambiental/services/api/db"
	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
)

// zoneURI binds the :zona_id path parameter.
type zoneURI struct {
	ZoneID int64 `uri:"zona_id" binding:"required,gt=0"`
}

// optionalZoneURI binds :zona_id on routes where it may be absent.
type optionalZoneURI struct {
	ZoneID *int64 `uri:"zona_id" binding:"omitempty,gt=0"`
}

// measurementsQuery holds the filters of GET /mediciones/:zona_id.
type measurementsQuery struct {
	LastN     *int   `form:"last_n" binding:"omitempty,gt=0,lte=10000"`
	LastNDays *int   `form:"last_n_days" binding:"omitempty,gt=0,lte=366"`
	Start     string `form:"start" binding:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	End       string `form:"end" binding:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// toQuery resolves the filters against now. Explicit start wins over
// last_n_days.
func (q measurementsQuery) toQuery(zoneID int64, defaultLimit int, now time.Time) (db.MeasurementQuery, error) {
	out := db.MeasurementQuery{ZoneID: zoneID}
	if q.LastN != nil {
		out.Limit = *q.LastN
	}
	if q.LastNDays != nil {
		since := now.UTC().Add(-time.Duration(*q.LastNDays) * 24 * time.Hour)
		out.Since = &since
	}
	if q.Start != "" {
		t, err := time.Parse(time.RFC3339, q.Start)
		if err != nil {
			return out, errors.New("invalid start timestamp")
		}
		t = t.UTC()
		out.Since = &t
	}
	if q.End != "" {
		t, err := time.Parse(time.RFC3339, q.End)
		if err != nil {
			return out, errors.New("invalid end timestamp")
		}
		t = t.UTC()
		out.Until = &t
	}
	if out.Since != nil && out.Until != nil && out.Until.Before(*out.Since) {
		return out, errors.New("end must not be before start")
	}

	if out.Since == nil && out.Until == nil && out.Limit <= 0 {
		out.Limit = defaultLimit
	}
	return out, nil
}

// Syncs run to completion even if the caller disconnects; the service applies
// its own run timeout.
func syncContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func syncErrorStatus(err error) int {
	switch {
	case errors.Is(err, ingest.ErrNoActiveZones), errors.Is(err, ingest.ErrZoneNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleSyncAll syncs every active zone.
// POST /api/open-meteo/sync
func (s *Server) handleSyncAll(c *gin.Context) {
	summary, err := s.sync.SyncAll(syncContext(c), ingest.TriggerManual)
	if err != nil {
		c.JSON(syncErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleSyncSnapshot syncs every active zone and returns what is now stored.
// GET /api/open-meteo/sync
func (s *Server) handleSyncSnapshot(c *gin.Context) {
	ctx := syncContext(c)
	summary, err := s.sync.SyncAll(ctx, ingest.TriggerSnapshot)
	if err != nil {
		c.JSON(syncErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	saved, err := s.store.LatestMeasurements(readCtx, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"resumen":  summary,
		"guardado": saved,
	})
}

// handleSyncZone syncs one zone, active or not.
// POST /api/open-meteo/sync/:zona_id
func (s *Server) handleSyncZone(c *gin.Context) {
	var uri zoneURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zona_id"})
		return
	}

	result, err := s.sync.SyncZoneByID(syncContext(c), uri.ZoneID)
	if err != nil {
		c.JSON(syncErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleStatus reports stored row counts and time ranges per zone.
// GET /api/open-meteo/status
func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	statuses, err := s.store.ZoneStatuses(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": statuses,
		"meta": gin.H{
			"count":        len(statuses),
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// handleRealtime returns the latest stored reading of every active zone, or
// of one zone when :zona_id is given.
// GET /api/open-meteo/realtime[/:zona_id]
func (s *Server) handleRealtime(c *gin.Context) {
	var uri optionalZoneURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zona_id"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	snaps, err := s.cache.GetOrLoad(ctx, uri.ZoneID, s.store.LatestMeasurements)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if uri.ZoneID != nil && len(snaps) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "zone not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": snaps,
		"meta": gin.H{
			"count":        len(snaps),
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// handleMeasurements returns a zone's stored series.
// GET /api/open-meteo/mediciones/:zona_id
func (s *Server) handleMeasurements(c *gin.Context) {
	var uri zoneURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zona_id"})
		return
	}
	var query measurementsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	q, err := query.toQuery(uri.ZoneID, s.cfg.DefaultLimit, time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	zone, err := s.store.GetZone(ctx, uri.ZoneID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if zone == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "zone not found"})
		return
	}

	measurements, err := s.store.FetchMeasurements(ctx, q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": measurements,
		"meta": gin.H{
			"zona":  zone,
			"count": len(measurements),
		},
	})
}

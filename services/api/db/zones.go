package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ecoalerta/monitor-ambiental/services/api/models"
)

const zoneColumns = `id, nombre, codigo, latitud, longitud, activa`

const listActiveZonesSQL = `
    SELECT ` + zoneColumns + `
    FROM zonas
    WHERE activa
    ORDER BY id
`

const getZoneSQL = `
    SELECT ` + zoneColumns + `
    FROM zonas
    WHERE id = $1
`

// ListActiveZones returns active zones ordered by id.
func (s *Store) ListActiveZones(ctx context.Context) ([]models.Zone, error) {
	rows, err := s.pool.Query(ctx, listActiveZonesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	zones := make([]models.Zone, 0)
	for rows.Next() {
		var z models.Zone
		if err := rows.Scan(&z.ID, &z.Name, &z.Code, &z.Latitude, &z.Longitude, &z.Active); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// GetZone returns the zone with the given id, or nil when it does not exist.
func (s *Store) GetZone(ctx context.Context, id int64) (*models.Zone, error) {
	var z models.Zone
	err := s.pool.QueryRow(ctx, getZoneSQL, id).Scan(&z.ID, &z.Name, &z.Code, &z.Latitude, &z.Longitude, &z.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &z, nil
}

package db

import (
	"context"

	"github.com/ecoalerta/monitor-ambiental/services/api/models"
)

// InsertZone seeds a zone. Zones are owned by another service, so this only
// exists for tests.
func (s *Store) InsertZone(ctx context.Context, z models.Zone) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO zonas (nombre, codigo, latitud, longitud, activa) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		z.Name, z.Code, z.Latitude, z.Longitude, z.Active,
	).Scan(&id)
	return id, err
}

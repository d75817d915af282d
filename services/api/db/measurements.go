package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/models"
)

const measurementColumns = `id, zona_id, fecha, pm25, pm10, no2, temperatura, humedad, precipitacion,
    presion_superficial, velocidad_viento, direccion_viento, created_at, updated_at`

func scanMeasurement(row pgx.Row, m *models.Measurement) error {
	return row.Scan(
		&m.ID,
		&m.ZoneID,
		&m.Timestamp,
		&m.PM25,
		&m.PM10,
		&m.NO2,
		&m.Temperature,
		&m.Humidity,
		&m.Precipitation,
		&m.SurfacePressure,
		&m.WindSpeed,
		&m.WindDirection,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
}

// WriteZoneBatch runs fn inside one transaction holding the zone's advisory
// lock, so overlapping syncs of the same zone are serialized.
func (s *Store) WriteZoneBatch(ctx context.Context, zoneID int64, fn func(ingest.MeasurementTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, zoneID); err != nil {
			return fmt.Errorf("lock zone %d: %w", zoneID, err)
		}
		return fn(&zoneTx{tx: tx})
	})
}

type zoneTx struct {
	tx pgx.Tx
}

const findNearestSQL = `
    SELECT id
    FROM mediciones_aire
    WHERE zona_id = $1 AND fecha BETWEEN $2 AND $3
    ORDER BY abs(extract(epoch FROM fecha - $4::timestamptz)), id
    LIMIT 1
`

func (z *zoneTx) FindNearest(ctx context.Context, zoneID int64, target time.Time, window time.Duration) (int64, bool, error) {
	var id int64
	err := z.tx.QueryRow(ctx, findNearestSQL, zoneID, target.Add(-window), target.Add(window), target).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Every reading is overwritten, nulls included.
const updateReadingsSQL = `
    UPDATE mediciones_aire SET
        pm25                = $2,
        pm10                = $3,
        no2                 = $4,
        temperatura         = $5,
        humedad             = $6,
        precipitacion       = $7,
        presion_superficial = $8,
        velocidad_viento    = $9,
        direccion_viento    = $10,
        updated_at          = now()
    WHERE id = $1
`

func (z *zoneTx) UpdateReadings(ctx context.Context, id int64, r models.Readings) error {
	tag, err := z.tx.Exec(ctx, updateReadingsSQL, id,
		r.PM25, r.PM10, r.NO2, r.Temperature, r.Humidity, r.Precipitation,
		r.SurfacePressure, r.WindSpeed, r.WindDirection)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("measurement %d vanished", id)
	}
	return nil
}

const insertMeasurementSQL = `
    INSERT INTO mediciones_aire (zona_id, fecha, pm25, pm10, no2, temperatura, humedad, precipitacion,
        presion_superficial, velocidad_viento, direccion_viento)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    RETURNING id
`

func (z *zoneTx) InsertMeasurement(ctx context.Context, zoneID int64, ts time.Time, r models.Readings) (int64, error) {
	var id int64
	err := z.tx.QueryRow(ctx, insertMeasurementSQL, zoneID, ts,
		r.PM25, r.PM10, r.NO2, r.Temperature, r.Humidity, r.Precipitation,
		r.SurfacePressure, r.WindSpeed, r.WindDirection).Scan(&id)
	return id, err
}

// Savepoint runs fn inside a nested transaction (SAVEPOINT). Statements issued
// through z while fn runs belong to the savepoint.
func (z *zoneTx) Savepoint(ctx context.Context, fn func() error) error {
	return pgx.BeginFunc(ctx, z.tx, func(pgx.Tx) error {
		return fn()
	})
}

// MeasurementQuery holds filters for retrieving measurements.
type MeasurementQuery struct {
	ZoneID int64
	Limit  int
	Since  *time.Time
	Until  *time.Time
}

// FetchMeasurements returns a zone's measurements in ascending time order.
// When Limit is set, the most recent Limit rows within the range are kept.
func (s *Store) FetchMeasurements(ctx context.Context, q MeasurementQuery) ([]models.Measurement, error) {
	args := []any{q.ZoneID}
	clause := ""
	argPos := 2
	if q.Since != nil {
		clause += " AND fecha >= $" + strconv.Itoa(argPos)
		args = append(args, *q.Since)
		argPos++
	}
	if q.Until != nil {
		clause += " AND fecha <= $" + strconv.Itoa(argPos)
		args = append(args, *q.Until)
		argPos++
	}
	limit := ""
	if q.Limit > 0 {
		limit = " LIMIT $" + strconv.Itoa(argPos)
		args = append(args, q.Limit)
	}

	sql := `SELECT ` + measurementColumns + ` FROM (
        SELECT ` + measurementColumns + `
        FROM mediciones_aire
        WHERE zona_id = $1` + clause + `
        ORDER BY fecha DESC` + limit + `
    ) recent ORDER BY fecha`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	measurements := make([]models.Measurement, 0)
	for rows.Next() {
		var m models.Measurement
		if err := scanMeasurement(rows, &m); err != nil {
			return nil, err
		}
		measurements = append(measurements, m)
	}
	return measurements, rows.Err()
}

const zoneStatusesSQL = `
    SELECT z.id, z.nombre, z.activa, count(m.id), min(m.fecha), max(m.fecha)
    FROM zonas z
    LEFT JOIN mediciones_aire m ON m.zona_id = z.id
    GROUP BY z.id
    ORDER BY z.id
`

// ZoneStatuses returns the stored row count and time range for every zone.
func (s *Store) ZoneStatuses(ctx context.Context) ([]models.ZoneStatus, error) {
	rows, err := s.pool.Query(ctx, zoneStatusesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make([]models.ZoneStatus, 0)
	for rows.Next() {
		var st models.ZoneStatus
		if err := rows.Scan(&st.ZoneID, &st.ZoneName, &st.Active, &st.Count, &st.First, &st.Latest); err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// LatestMeasurements returns one row per zone with its most recent
// measurement. With a nil zoneID it covers active zones; otherwise only the
// given zone, active or not. Latest is nil for zones without data.
func (s *Store) LatestMeasurements(ctx context.Context, zoneID *int64) ([]models.ZoneSnapshot, error) {
	sql := `SELECT z.id, z.nombre, z.codigo, z.latitud, z.longitud, z.activa,
		m.id, m.fecha, m.pm25, m.pm10, m.no2, m.temperatura, m.humedad, m.precipitacion,
		m.presion_superficial, m.velocidad_viento, m.direccion_viento, m.created_at, m.updated_at
		FROM zonas z
		LEFT JOIN LATERAL (
			SELECT ` + measurementColumns + `
			FROM mediciones_aire
			WHERE zona_id = z.id
			ORDER BY fecha DESC
			LIMIT 1
		) m ON true
		WHERE ($1::bigint IS NULL AND z.activa) OR z.id = $1
		ORDER BY z.id`

	rows, err := s.pool.Query(ctx, sql, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ZoneSnapshot, 0)
	for rows.Next() {
		var (
			snap     models.ZoneSnapshot
			mID      *int64
			mTs      *time.Time
			mCreated *time.Time
			mUpdated *time.Time
			readings models.Readings
		)
		if err := rows.Scan(
			&snap.Zone.ID,
			&snap.Zone.Name,
			&snap.Zone.Code,
			&snap.Zone.Latitude,
			&snap.Zone.Longitude,
			&snap.Zone.Active,
			&mID,
			&mTs,
			&readings.PM25,
			&readings.PM10,
			&readings.NO2,
			&readings.Temperature,
			&readings.Humidity,
			&readings.Precipitation,
			&readings.SurfacePressure,
			&readings.WindSpeed,
			&readings.WindDirection,
			&mCreated,
			&mUpdated,
		); err != nil {
			return nil, err
		}

		if mID != nil {
			snap.Latest = &models.Measurement{
				ID:        *mID,
				ZoneID:    snap.Zone.ID,
				Timestamp: *mTs,
				Readings:  readings,
				CreatedAt: *mCreated,
				UpdatedAt: *mUpdated,
			}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

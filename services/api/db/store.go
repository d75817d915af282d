package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps database access helpers.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by a pgx pool.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks that a connection can be acquired.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CheckReadiness implements the readiness probe.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS zonas (
	id         BIGSERIAL PRIMARY KEY,
	nombre     TEXT NOT NULL,
	codigo     TEXT UNIQUE,
	latitud    DOUBLE PRECISION,
	longitud   DOUBLE PRECISION,
	activa     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mediciones_aire (
	id                  BIGSERIAL PRIMARY KEY,
	zona_id             BIGINT NOT NULL REFERENCES zonas(id) ON DELETE CASCADE,
	fecha               TIMESTAMPTZ NOT NULL,
	pm25                DOUBLE PRECISION,
	pm10                DOUBLE PRECISION,
	no2                 DOUBLE PRECISION,
	temperatura         DOUBLE PRECISION,
	humedad             DOUBLE PRECISION,
	precipitacion       DOUBLE PRECISION,
	presion_superficial DOUBLE PRECISION,
	velocidad_viento    DOUBLE PRECISION,
	direccion_viento    DOUBLE PRECISION,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS mediciones_aire_zona_fecha_idx
	ON mediciones_aire (zona_id, fecha DESC);
`

// Zone writes lock on the (positive) zone id; the schema lock stays out of
// that range.
const migrateLockKey = -1

// Migrate creates the tables this service needs if they do not exist. The API
// and the watcher may run it concurrently.
func (s *Store) Migrate(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrateLockKey)); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}

package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecoalerta/monitor-ambiental/services/api/models"
	"github.com/ecoalerta/monitor-ambiental/services/api/observability"
)

// Action is what happened to a single record.
type Action string

const (
	ActionInserted Action = "inserted"
	ActionUpdated  Action = "updated"
	ActionFailed   Action = "failed"
)

// MeasurementTx is the set of operations available inside one zone's write
// transaction.
type MeasurementTx interface {
	// FindNearest returns the measurement of zoneID closest to target within
	// [target-window, target+window], if any.
	FindNearest(ctx context.Context, zoneID int64, target time.Time, window time.Duration) (id int64, found bool, err error)
	UpdateReadings(ctx context.Context, id int64, r models.Readings) error
	InsertMeasurement(ctx context.Context, zoneID int64, ts time.Time, r models.Readings) (int64, error)
	// Savepoint runs fn so that a failure rolls back only fn's statements.
	Savepoint(ctx context.Context, fn func() error) error
}

// BatchStore opens the single transaction a zone's records are written in.
// Implementations serialize concurrent batches for the same zone.
type BatchStore interface {
	WriteZoneBatch(ctx context.Context, zoneID int64, fn func(MeasurementTx) error) error
}

// RecordOutcome describes what happened to one record.
type RecordOutcome struct {
	Timestamp     time.Time `json:"fecha"`
	Action        Action    `json:"accion"`
	MeasurementID int64     `json:"medicion_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// BatchResult is the fold of all record outcomes of one zone write.
type BatchResult struct {
	Inserted int             `json:"insertados"`
	Updated  int             `json:"actualizados"`
	Failed   int             `json:"fallidos"`
	Outcomes []RecordOutcome `json:"detalle,omitempty"`
}

// With returns a copy of b that also accounts for o.
func (b BatchResult) With(o RecordOutcome) BatchResult {
	switch o.Action {
	case ActionInserted:
		b.Inserted++
	case ActionUpdated:
		b.Updated++
	default:
		b.Failed++
	}
	b.Outcomes = append(b.Outcomes, o)
	return b
}

// Writer upserts normalized records using a timestamp tolerance window.
type Writer struct {
	store   BatchStore
	window  time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewWriter returns a Writer. metrics may be nil.
func NewWriter(store BatchStore, window time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, window: window, metrics: metrics, logger: logger}
}

// WriteZone writes records for one zone inside one transaction. A failing
// record is rolled back to its savepoint and counted; the rest still commit.
// The returned error is reserved for the transaction itself.
func (w *Writer) WriteZone(ctx context.Context, zoneID int64, records []Record) (BatchResult, error) {
	if len(records) == 0 {
		return BatchResult{}, nil
	}

	var result BatchResult
	err := w.store.WriteZoneBatch(ctx, zoneID, func(tx MeasurementTx) error {
		result = BatchResult{Outcomes: make([]RecordOutcome, 0, len(records))}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			result = result.With(w.writeRecord(ctx, tx, zoneID, rec))
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("write zone %d: %w", zoneID, err)
	}

	if w.metrics != nil {
		w.metrics.RecordsWritten.WithLabelValues(string(ActionInserted)).Add(float64(result.Inserted))
		w.metrics.RecordsWritten.WithLabelValues(string(ActionUpdated)).Add(float64(result.Updated))
		w.metrics.RecordsWritten.WithLabelValues(string(ActionFailed)).Add(float64(result.Failed))
	}
	return result, nil
}

func (w *Writer) writeRecord(ctx context.Context, tx MeasurementTx, zoneID int64, rec Record) RecordOutcome {
	ts := rec.Timestamp.UTC().Truncate(time.Minute)
	outcome := RecordOutcome{Timestamp: ts}

	err := tx.Savepoint(ctx, func() error {
		id, found, err := tx.FindNearest(ctx, zoneID, ts, w.window)
		if err != nil {
			return fmt.Errorf("find existing: %w", err)
		}
		if found {
			if err := tx.UpdateReadings(ctx, id, rec.Readings); err != nil {
				return fmt.Errorf("update %d: %w", id, err)
			}
			outcome.Action, outcome.MeasurementID = ActionUpdated, id
			return nil
		}
		id, err = tx.InsertMeasurement(ctx, zoneID, ts, rec.Readings)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		outcome.Action, outcome.MeasurementID = ActionInserted, id
		return nil
	})
	if err != nil {
		w.logger.Warn("record write failed", "zone_id", zoneID, "fecha", ts, "error", err)
		return RecordOutcome{Timestamp: ts, Action: ActionFailed, Error: err.Error()}
	}
	return outcome
}

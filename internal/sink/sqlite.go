package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// SQLiteAppender persists reading batches into the readings table.
//
// Each Append runs in one transaction so a batch is stored atomically:
// a failed batch leaves no partial rows and is safe to retry.
type SQLiteAppender struct {
	db  *sql.DB
	hwm atomic.Int64
}

// NewSQLiteAppender creates a SQLite-backed appender.
// The db parameter should be an open connection with the readings table
// migrated.
func NewSQLiteAppender(db *sql.DB) *SQLiteAppender {
	return &SQLiteAppender{db: db}
}

// Append inserts the batch in a single transaction.
func (a *SQLiteAppender) Append(ctx context.Context, readings []codec.Reading) (int64, error) {
	if len(readings) == 0 {
		return a.hwm.Load(), nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return a.hwm.Load(), fmt.Errorf("starting readings transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO readings (
			device_id, kind, name, position, value, unit,
			device_ts, ingest_ts, quality
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return a.hwm.Load(), fmt.Errorf("preparing readings insert: %w", err)
	}
	defer stmt.Close()

	for i := range readings {
		r := &readings[i]
		_, err := stmt.ExecContext(ctx,
			r.DeviceID,
			string(r.Kind),
			r.Name,
			string(r.Position),
			r.Value,
			r.Unit,
			r.DeviceTimestamp.UTC().Format(time.RFC3339Nano),
			r.IngestTimestamp.UTC().Format(time.RFC3339Nano),
			string(r.Quality),
		)
		if err != nil {
			return a.hwm.Load(), fmt.Errorf("inserting reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return a.hwm.Load(), fmt.Errorf("committing readings batch: %w", err)
	}
	return a.hwm.Add(int64(len(readings))), nil
}

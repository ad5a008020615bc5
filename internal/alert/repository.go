package alert

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository defines the interface for alert history persistence.
type Repository interface {
	// Save inserts or updates one alert row. Firing and resolved
	// transitions for the same alert id update in place.
	Save(ctx context.Context, a *Alert) error

	// GetByID retrieves one alert.
	// Returns ErrAlertNotFound if the alert does not exist.
	GetByID(ctx context.Context, id string) (*Alert, error)

	// ListOpen retrieves all alerts currently in the firing state.
	ListOpen(ctx context.Context) ([]Alert, error)

	// ListByDevice retrieves a device's alert history, newest first.
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Alert, error)

	// PruneResolved deletes resolved alerts closed before the cutoff.
	// Returns the number of rows removed.
	PruneResolved(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save inserts or updates one alert row.
func (r *SQLiteRepository) Save(ctx context.Context, a *Alert) error {
	query := `
		INSERT INTO alerts (
			id, device_id, rule_id, severity, state,
			opened_at, closed_at, last_value, threshold
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			closed_at = excluded.closed_at,
			last_value = excluded.last_value`

	var closedAt interface{}
	if a.ClosedAt != nil {
		closedAt = a.ClosedAt.UTC().Format(time.RFC3339)
	}

	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.DeviceID,
		a.RuleID,
		string(a.Severity),
		string(a.State),
		a.OpenedAt.UTC().Format(time.RFC3339),
		closedAt,
		a.LastValue,
		a.Threshold,
	)
	if err != nil {
		return fmt.Errorf("saving alert: %w", err)
	}
	return nil
}

// GetByID retrieves one alert.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Alert, error) {
	query := `
		SELECT id, device_id, rule_id, severity, state,
			opened_at, closed_at, last_value, threshold
		FROM alerts
		WHERE id = ?`

	a, err := scanAlert(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("querying alert by id: %w", err)
	}
	return a, nil
}

// ListOpen retrieves all firing alerts.
func (r *SQLiteRepository) ListOpen(ctx context.Context) ([]Alert, error) {
	query := `
		SELECT id, device_id, rule_id, severity, state,
			opened_at, closed_at, last_value, threshold
		FROM alerts
		WHERE state = 'firing'
		ORDER BY opened_at`

	return r.list(ctx, query)
}

// ListByDevice retrieves a device's alert history, newest first.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, device_id, rule_id, severity, state,
			opened_at, closed_at, last_value, threshold
		FROM alerts
		WHERE device_id = ?
		ORDER BY opened_at DESC
		LIMIT ?`

	return r.list(ctx, query, deviceID, limit)
}

// PruneResolved deletes resolved alerts closed before the cutoff.
func (r *SQLiteRepository) PruneResolved(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE state = 'resolved' AND closed_at < ?`,
		before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning alerts: %w", err)
	}
	return result.RowsAffected()
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...interface{}) ([]Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanAlert.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert scans one alerts row into an Alert.
func scanAlert(row scanner) (*Alert, error) {
	var (
		a        Alert
		severity string
		state    string
		openedAt string
		closedAt sql.NullString
	)

	err := row.Scan(&a.ID, &a.DeviceID, &a.RuleID, &severity, &state,
		&openedAt, &closedAt, &a.LastValue, &a.Threshold)
	if err != nil {
		return nil, err
	}

	a.Severity = Severity(severity)
	a.State = State(state)
	if a.OpenedAt, err = time.Parse(time.RFC3339, openedAt); err != nil {
		return nil, fmt.Errorf("parsing opened_at: %w", err)
	}
	if closedAt.Valid && closedAt.String != "" {
		t, parseErr := time.Parse(time.RFC3339, closedAt.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", parseErr)
		}
		a.ClosedAt = &t
	}
	if a.DeviceID == SourceGateway {
		a.Source = SourceGateway
	} else {
		a.Source = SourceDevice
	}
	return &a, nil
}

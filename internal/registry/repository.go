package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// Upsert inserts or replaces a device record.
	Upsert(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT id, kind, credentials_fingerprint, known_since, last_seen_at,
			firmware_version, health_score, quarantined, cadence_seconds
		FROM devices
		WHERE id = ?`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `
		SELECT id, kind, credentials_fingerprint, known_since, last_seen_at,
			firmware_version, health_score, quarantined, cadence_seconds
		FROM devices
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// Upsert inserts or replaces a device record.
func (r *SQLiteRepository) Upsert(ctx context.Context, device *Device) error {
	query := `
		INSERT INTO devices (
			id, kind, credentials_fingerprint, known_since, last_seen_at,
			firmware_version, health_score, quarantined, cadence_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			credentials_fingerprint = excluded.credentials_fingerprint,
			last_seen_at = excluded.last_seen_at,
			firmware_version = excluded.firmware_version,
			health_score = excluded.health_score,
			quarantined = excluded.quarantined,
			cadence_seconds = excluded.cadence_seconds`

	_, err := r.db.ExecContext(ctx, query,
		device.ID,
		string(device.Kind),
		device.CredentialsFingerprint,
		device.KnownSince.UTC().Format(time.RFC3339),
		nullableTime(device.LastSeenAt),
		device.FirmwareVersion,
		device.HealthScore,
		boolToInt(device.Quarantined),
		int(device.Cadence/time.Second),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanDevice.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanDevice scans one devices row into a Device.
func scanDevice(row scanner) (*Device, error) {
	var (
		d              Device
		kind           string
		knownSince     string
		lastSeen       sql.NullString
		quarantined    int
		cadenceSeconds int
	)

	err := row.Scan(&d.ID, &kind, &d.CredentialsFingerprint, &knownSince,
		&lastSeen, &d.FirmwareVersion, &d.HealthScore, &quarantined, &cadenceSeconds)
	if err != nil {
		return nil, err
	}

	d.Kind = DeviceKind(kind)
	d.Quarantined = quarantined != 0
	d.Cadence = time.Duration(cadenceSeconds) * time.Second

	if d.KnownSince, err = time.Parse(time.RFC3339, knownSince); err != nil {
		return nil, fmt.Errorf("parsing known_since: %w", err)
	}
	if lastSeen.Valid && lastSeen.String != "" {
		if d.LastSeenAt, err = time.Parse(time.RFC3339, lastSeen.String); err != nil {
			return nil, fmt.Errorf("parsing last_seen_at: %w", err)
		}
	}
	return &d, nil
}

// nullableTime renders zero times as NULL.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

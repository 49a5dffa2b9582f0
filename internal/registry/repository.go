package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for device record persistence.
// This abstraction lets the registry run against SQLite or a test double.
type Repository interface {
	// Save inserts or replaces the record for d.ClientID.
	Save(ctx context.Context, d *Device) error

	// Delete removes a record.
	// Returns ErrDeviceNotFound if no record exists.
	Delete(ctx context.Context, clientID string) error

	// Get retrieves one record.
	// Returns ErrDeviceNotFound if no record exists.
	Get(ctx context.Context, clientID string) (*Device, error)

	// List retrieves all records ordered by client id.
	List(ctx context.Context) ([]*Device, error)
}

// SQLiteRepository implements Repository using SQLite. Each record is
// stored as one JSON document keyed by client id.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save inserts or replaces a device record.
func (r *SQLiteRepository) Save(ctx context.Context, d *Device) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshalling device %s: %w", d.ClientID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (client_id, status, document, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		d.ClientID, string(d.Status), string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving device %s: %w", d.ClientID, err)
	}
	return nil
}

// Delete removes a device record.
func (r *SQLiteRepository) Delete(ctx context.Context, clientID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("deleting device %s: %w", clientID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, clientID)
	}
	return nil
}

// Get retrieves a device record.
func (r *SQLiteRepository) Get(ctx context.Context, clientID string) (*Device, error) {
	var doc string
	err := r.db.QueryRowContext(ctx,
		`SELECT document FROM devices WHERE client_id = ?`, clientID,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, clientID)
		}
		return nil, fmt.Errorf("querying device %s: %w", clientID, err)
	}
	return decodeDevice(doc)
}

// List retrieves all device records.
func (r *SQLiteRepository) List(ctx context.Context) ([]*Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT document FROM devices ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		d, err := decodeDevice(doc)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

func decodeDevice(doc string) (*Device, error) {
	var d Device
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("unmarshalling device document: %w", err)
	}
	return &d, nil
}

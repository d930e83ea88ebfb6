package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the persistence collaborator for device records.
type Store interface {
	// Load returns the devices owned by userID, or every device when userID is empty.
	Load(ctx context.Context, userID string) ([]Device, error)

	// Persist inserts or replaces a device record.
	Persist(ctx context.Context, dev Device) error

	// Delete removes a device record. Deleting a missing ID is not an error.
	Delete(ctx context.Context, id string) error
}

// DB is the subset of *database.DB used by SQLStore. Queries are written
// with ? placeholders; the implementation rebinds them for the driver.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLStore implements Store on the devices table.
type SQLStore struct {
	db DB
}

// NewSQLStore creates a SQL-backed device store.
func NewSQLStore(db DB) *SQLStore {
	return &SQLStore{db: db}
}

const deviceColumns = "id, user_id, room_id, name, type, status, attributes, sequence, last_updated"

// Load returns the stored devices for userID ordered by ID.
func (s *SQLStore) Load(ctx context.Context, userID string) ([]Device, error) {
	query := "SELECT " + deviceColumns + " FROM devices"
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Persist upserts dev.
func (s *SQLStore) Persist(ctx context.Context, dev Device) error {
	attrs, err := json.Marshal(dev.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			room_id = excluded.room_id,
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			attributes = excluded.attributes,
			sequence = excluded.sequence,
			last_updated = excluded.last_updated`,
		dev.ID, dev.UserID, nullString(dev.RoomID), dev.Name, string(dev.Type), string(dev.Status),
		string(attrs), int64(dev.Sequence), dev.LastUpdated.UTC().Format(time.RFC3339Nano), //nolint:gosec // sequence fits in int64
	)
	if err != nil {
		return fmt.Errorf("persisting device %s: %w", dev.ID, err)
	}
	return nil
}

// Delete removes the record for id.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	return nil
}

func scanDevice(rows *sql.Rows) (Device, error) {
	var (
		dev         Device
		roomID      sql.NullString
		typ, status string
		attrs       string
		seq         int64
		updated     string
	)
	if err := rows.Scan(&dev.ID, &dev.UserID, &roomID, &dev.Name, &typ, &status, &attrs, &seq, &updated); err != nil {
		return Device{}, fmt.Errorf("scanning device row: %w", err)
	}

	dev.RoomID = roomID.String
	dev.Type = Type(typ)
	dev.Status = Status(status)
	dev.Sequence = uint64(seq) //nolint:gosec // stored from a uint64

	decoded, err := DecodeAttributes(dev.Type, json.RawMessage(attrs))
	if err != nil {
		return Device{}, fmt.Errorf("device %s: %w", dev.ID, err)
	}
	dev.Attributes = decoded

	if dev.LastUpdated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return Device{}, fmt.Errorf("device %s: parsing last_updated: %w", dev.ID, err)
	}
	return dev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

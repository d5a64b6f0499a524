package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
)

// RegisterDevice creates a new device record, always active. Online
// and LastContactAt are stored as given, so a device registered with
// their zero values starts offline with no contact observed.
func (s *Store) RegisterDevice(ctx context.Context, d models.Device) (*models.Device, error) {
	if err := d.Validate(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInvalidInput, "invalid device")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if !d.IsActive {
		d.IsActive = true
	}

	tags, err := json.Marshal(d.Tags)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal device tags")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, type, is_active, online, last_contact_at, created_at, tags, group_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Name, d.Type, d.IsActive, d.Online, nullTime(d.LastContactAt), d.CreatedAt, string(tags), d.GroupID)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "insert device")
	}
	return &d, nil
}

// GetDevice returns a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, is_active, online, last_contact_at, created_at, tags, group_id
		FROM devices WHERE id = ?
	`, id)
	return scanDevice(row)
}

// ListDevicesOptions narrows ListDevices.
type ListDevicesOptions struct {
	GroupID string
	Tag     string
	Limit   int
	Offset  int
}

// ListDevices returns devices matching the given filters.
func (s *Store) ListDevices(ctx context.Context, opts ListDevicesOptions) ([]models.Device, error) {
	query := `
		SELECT id, name, type, is_active, online, last_contact_at, created_at, tags, group_id
		FROM devices WHERE 1=1`
	var args []any
	if opts.GroupID != "" {
		query += " AND group_id = ?"
		args = append(args, opts.GroupID)
	}
	query += " ORDER BY created_at ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list devices")
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		if opts.Tag != "" && !containsTag(d.Tags, opts.Tag) {
			continue
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// ListOnlineDevices returns every device currently flagged online, the
// candidate set the liveness sweep evaluates each tick.
func (s *Store) ListOnlineDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, is_active, online, last_contact_at, created_at, tags, group_id
		FROM devices WHERE online = TRUE
	`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list online devices")
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDeviceRows(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// SetDeviceActive toggles is_active.
func (s *Store) SetDeviceActive(ctx context.Context, id string, active bool) (*models.Device, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "update device active flag")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ferrors.New(ferrors.CodeNotFound, "device not found")
	}
	return s.GetDevice(ctx, id)
}

// DeleteDevice removes a device along with its state and rollout
// status rows (cascading foreign keys). Callers in the rollout
// orchestrator treat a disappearing device as neither success nor
// failure (spec §9's ambiguity note).
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "delete device")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferrors.New(ferrors.CodeNotFound, "device not found")
	}
	return nil
}

// touchDevice marks a device as having just made contact. This is the
// only update that sets online = true on an existing device;
// RegisterDevice stores whatever Online value its caller passes.
func (s *Store) touchDevice(ctx context.Context, ex execer, id string, now time.Time) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE devices SET online = TRUE, last_contact_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var lastContact sql.NullTime
	var tags string
	if err := row.Scan(&d.ID, &d.Name, &d.Type, &d.IsActive, &d.Online, &lastContact, &d.CreatedAt, &tags, &d.GroupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ferrors.New(ferrors.CodeNotFound, "device not found")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan device")
	}
	if lastContact.Valid {
		d.LastContactAt = lastContact.Time
	}
	if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal device tags")
	}
	return &d, nil
}

func scanDeviceRows(rows *sql.Rows) (*models.Device, error) {
	return scanDevice(rows)
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

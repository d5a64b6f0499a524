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

// CreateApplication allocates an app id and persists the application
// catalog entry in one step.
func (s *Store) CreateApplication(ctx context.Context, name, slug, description string, defaultConfig models.App) (*models.Application, error) {
	id, err := s.AllocateAppID(ctx, name, nil)
	if err != nil {
		return nil, err
	}

	app := &models.Application{
		ID:            id,
		Name:          name,
		Slug:          slug,
		Description:   description,
		DefaultConfig: defaultConfig,
		CreatedAt:     time.Now().UTC(),
	}

	cfg, err := json.Marshal(app.DefaultConfig)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal application default config")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications (id, name, slug, description, default_config, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, app.ID, app.Name, app.Slug, app.Description, string(cfg), app.CreatedAt)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeConflict, "slug already in use")
	}
	return app, nil
}

// GetApplication returns one application by id.
func (s *Store) GetApplication(ctx context.Context, id int64) (*models.Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, description, default_config, created_at FROM applications WHERE id = ?
	`, id)
	return scanApplication(row)
}

// ListApplications returns every known application.
func (s *Store) ListApplications(ctx context.Context) ([]models.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, description, default_config, created_at FROM applications ORDER BY id ASC
	`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list applications")
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// UpdateApplication patches name/description/default config.
func (s *Store) UpdateApplication(ctx context.Context, id int64, name, description *string, defaultConfig *models.App) (*models.Application, error) {
	app, err := s.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		app.Name = *name
	}
	if description != nil {
		app.Description = *description
	}
	if defaultConfig != nil {
		app.DefaultConfig = *defaultConfig
	}

	cfg, err := json.Marshal(app.DefaultConfig)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal application default config")
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE applications SET name = ?, description = ?, default_config = ? WHERE id = ?
	`, app.Name, app.Description, string(cfg), id)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "update application")
	}
	return app, nil
}

// DeleteApplication refuses to delete an application still referenced
// by any device's target state (spec §8 invariant 5).
func (s *Store) DeleteApplication(ctx context.Context, id int64) error {
	referenced, err := s.applicationReferenced(ctx, id)
	if err != nil {
		return err
	}
	if referenced {
		return ferrors.New(ferrors.CodeConflict, "application is referenced by a device target state")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "delete application")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferrors.New(ferrors.CodeNotFound, "application not found")
	}
	return nil
}

func (s *Store) applicationReferenced(ctx context.Context, id int64) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM target_state`)
	if err != nil {
		return false, ferrors.Wrap(err, ferrors.CodeInternal, "scan target states for application reference")
	}
	defer rows.Close()

	key := models.AppKeyFor(id)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return false, ferrors.Wrap(err, ferrors.CodeInternal, "scan target state doc")
		}
		var sd models.StateDocument
		if err := json.Unmarshal([]byte(doc), &sd); err != nil {
			continue
		}
		if _, ok := sd.Apps[key]; ok {
			return true, nil
		}
	}
	return false, rows.Err()
}

func scanApplication(row rowScanner) (*models.Application, error) {
	var app models.Application
	var cfg string
	if err := row.Scan(&app.ID, &app.Name, &app.Slug, &app.Description, &cfg, &app.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ferrors.New(ferrors.CodeNotFound, "application not found")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan application")
	}
	if err := json.Unmarshal([]byte(cfg), &app.DefaultConfig); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal application default config")
	}
	return &app, nil
}

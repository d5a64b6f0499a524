package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
)

// CreateTemplate persists a reusable job document, referenced by id
// from future `POST /jobs/execute {template_id}` calls.
func (m *Manager) CreateTemplate(ctx context.Context, name string, document []models.JobStep) (*models.JobTemplate, error) {
	if name == "" {
		return nil, ferrors.New(ferrors.CodeInvalidInput, "template name is required")
	}
	if document == nil {
		document = []models.JobStep{}
	}
	docBytes, err := json.Marshal(document)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal template document")
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO job_templates (id, name, document, created_at) VALUES (?, ?, ?, ?)
	`, id, name, string(docBytes), now)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "insert job template")
	}

	return &models.JobTemplate{ID: id, Name: name, Document: document, CreatedAt: now}, nil
}

// ListTemplates returns every job template.
func (m *Manager) ListTemplates(ctx context.Context) ([]models.JobTemplate, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, name, document, created_at FROM job_templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list job templates")
	}
	defer rows.Close()

	var out []models.JobTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTemplate loads a template's document, used by CreateJob when a
// request names a TemplateID instead of an inline document.
func (m *Manager) GetTemplate(ctx context.Context, id string) (*models.JobTemplate, error) {
	row := m.db.QueryRowContext(ctx, `SELECT id, name, document, created_at FROM job_templates WHERE id = ?`, id)
	return scanTemplate(row)
}

func scanTemplate(row rowScanner) (*models.JobTemplate, error) {
	var t models.JobTemplate
	var document string
	if err := row.Scan(&t.ID, &t.Name, &document, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ferrors.New(ferrors.CodeNotFound, "job template not found")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan job template")
	}
	if err := json.Unmarshal([]byte(document), &t.Document); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal template document")
	}
	return &t, nil
}

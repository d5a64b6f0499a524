package rollout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/gobwas/glob"

	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/ferrors"
	"fleetcp.sh/internal/models"
)

// PolicyStore persists RolloutPolicy rows.
type PolicyStore struct {
	db *database.DB
}

func newPolicyStore(db *database.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// CreatePolicy inserts a new policy.
func (s *PolicyStore) CreatePolicy(ctx context.Context, p models.RolloutPolicy) (*models.RolloutPolicy, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if len(p.StagedFractions) == 0 {
		p.StagedFractions = models.DefaultStagedFractions
	}

	fractions, err := json.Marshal(p.StagedFractions)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal staged fractions")
	}
	healthCheck, err := json.Marshal(p.HealthCheck)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal health check spec")
	}
	deviceFilter, err := json.Marshal(p.DeviceFilter)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal device filter")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollout_policies (
			id, image_pattern, strategy, staged_fractions, batch_delay_minutes,
			health_check, auto_rollback, max_failure_rate, maintenance_window,
			device_filter, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ImagePattern, string(p.Strategy), string(fractions), p.BatchDelayMin,
		string(healthCheck), p.AutoRollback, p.MaxFailureRate, p.MaintenanceWindow,
		string(deviceFilter), p.Enabled, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "insert rollout policy")
	}
	return &p, nil
}

// GetPolicy returns one policy by id.
func (s *PolicyStore) GetPolicy(ctx context.Context, id string) (*models.RolloutPolicy, error) {
	row := s.db.QueryRowContext(ctx, policySelect+` WHERE id = ?`, id)
	return scanPolicy(row)
}

// EnabledPolicies returns every policy with enabled = true, the
// candidate set MatchPolicy ranks.
func (s *PolicyStore) EnabledPolicies(ctx context.Context) ([]models.RolloutPolicy, error) {
	rows, err := s.db.QueryContext(ctx, policySelect+` WHERE enabled = TRUE`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list enabled rollout policies")
	}
	defer rows.Close()

	var policies []models.RolloutPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// ListPolicies returns every known policy.
func (s *PolicyStore) ListPolicies(ctx context.Context) ([]models.RolloutPolicy, error) {
	rows, err := s.db.QueryContext(ctx, policySelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "list rollout policies")
	}
	defer rows.Close()

	var policies []models.RolloutPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// SetPolicyEnabled toggles a policy's enabled flag.
func (s *PolicyStore) SetPolicyEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rollout_policies SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, time.Now().UTC(), id)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "update rollout policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferrors.New(ferrors.CodeNotFound, "rollout policy not found")
	}
	return nil
}

// PolicyPatch carries the optional fields `PATCH /image-policies/:id`
// may update; nil fields are left unchanged.
type PolicyPatch struct {
	ImagePattern    *string                 `json:"imagePattern,omitempty"`
	Strategy        *models.RolloutStrategy `json:"strategy,omitempty"`
	StagedFractions []float64               `json:"stagedFractions,omitempty"`
	BatchDelayMin   *int                    `json:"batchDelay,omitempty"`
	HealthCheck     *models.HealthCheckSpec `json:"healthCheck,omitempty"`
	AutoRollback    *bool                   `json:"autoRollback,omitempty"`
	MaxFailureRate  *float64                `json:"maxFailureRate,omitempty"`
	DeviceFilter    *models.DeviceFilter    `json:"deviceFilter,omitempty"`
	Enabled         *bool                   `json:"enabled,omitempty"`
}

// UpdatePolicy applies a partial update to an existing policy.
func (s *PolicyStore) UpdatePolicy(ctx context.Context, id string, patch PolicyPatch) (*models.RolloutPolicy, error) {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.ImagePattern != nil {
		p.ImagePattern = *patch.ImagePattern
	}
	if patch.Strategy != nil {
		p.Strategy = *patch.Strategy
	}
	if patch.StagedFractions != nil {
		p.StagedFractions = patch.StagedFractions
	}
	if patch.BatchDelayMin != nil {
		p.BatchDelayMin = *patch.BatchDelayMin
	}
	if patch.HealthCheck != nil {
		p.HealthCheck = patch.HealthCheck
	}
	if patch.AutoRollback != nil {
		p.AutoRollback = *patch.AutoRollback
	}
	if patch.MaxFailureRate != nil {
		p.MaxFailureRate = *patch.MaxFailureRate
	}
	if patch.DeviceFilter != nil {
		p.DeviceFilter = patch.DeviceFilter
	}
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	p.UpdatedAt = time.Now().UTC()

	fractions, err := json.Marshal(p.StagedFractions)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal staged fractions")
	}
	healthCheck, err := json.Marshal(p.HealthCheck)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal health check spec")
	}
	deviceFilter, err := json.Marshal(p.DeviceFilter)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "marshal device filter")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rollout_policies SET
			image_pattern = ?, strategy = ?, staged_fractions = ?, batch_delay_minutes = ?,
			health_check = ?, auto_rollback = ?, max_failure_rate = ?, maintenance_window = ?,
			device_filter = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, p.ImagePattern, string(p.Strategy), string(fractions), p.BatchDelayMin,
		string(healthCheck), p.AutoRollback, p.MaxFailureRate, p.MaintenanceWindow,
		string(deviceFilter), p.Enabled, p.UpdatedAt, id)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "update rollout policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ferrors.New(ferrors.CodeNotFound, "rollout policy not found")
	}
	return p, nil
}

// DeletePolicy removes a policy by id.
func (s *PolicyStore) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rollout_policies WHERE id = ?`, id)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CodeInternal, "delete rollout policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferrors.New(ferrors.CodeNotFound, "rollout policy not found")
	}
	return nil
}

const policySelect = `
	SELECT id, image_pattern, strategy, staged_fractions, batch_delay_minutes,
	       health_check, auto_rollback, max_failure_rate, maintenance_window,
	       device_filter, enabled, created_at, updated_at
	FROM rollout_policies`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*models.RolloutPolicy, error) {
	var p models.RolloutPolicy
	var fractions, healthCheck, deviceFilter string
	var maintenanceWindow sql.NullString
	if err := row.Scan(&p.ID, &p.ImagePattern, &p.Strategy, &fractions, &p.BatchDelayMin,
		&healthCheck, &p.AutoRollback, &p.MaxFailureRate, &maintenanceWindow,
		&deviceFilter, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ferrors.New(ferrors.CodeNotFound, "rollout policy not found")
		}
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "scan rollout policy")
	}
	if maintenanceWindow.Valid {
		p.MaintenanceWindow = &maintenanceWindow.String
	}
	if err := json.Unmarshal([]byte(fractions), &p.StagedFractions); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal staged fractions")
	}
	if healthCheck != "" && healthCheck != "null" {
		if err := json.Unmarshal([]byte(healthCheck), &p.HealthCheck); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal health check spec")
		}
	}
	if deviceFilter != "" && deviceFilter != "null" {
		if err := json.Unmarshal([]byte(deviceFilter), &p.DeviceFilter); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CodeInternal, "unmarshal device filter")
		}
	}
	return &p, nil
}

// MatchPolicy finds the enabled policy whose ImagePattern best matches
// imageName. Patterns use glob * and ? wildcards (spec §4.5); when
// more than one pattern matches, the longest pattern string wins, a
// cheap proxy for specificity that doesn't require ranking glob ASTs.
func MatchPolicy(imageName string, policies []models.RolloutPolicy) (*models.RolloutPolicy, bool) {
	var best *models.RolloutPolicy
	for i := range policies {
		p := &policies[i]
		if !p.Enabled {
			continue
		}
		g, err := glob.Compile(p.ImagePattern)
		if err != nil {
			continue
		}
		if !g.Match(imageName) {
			continue
		}
		if best == nil || len(p.ImagePattern) > len(best.ImagePattern) {
			best = p
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

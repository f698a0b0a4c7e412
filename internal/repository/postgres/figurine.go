package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
)

type FigurineRepo struct {
	DB DBTX
}

const projectColumns = `id, created_at, updated_at, user_id, status, prompt,
concept_path, angle_paths, mesh_glb_path, mesh_stl_path`

const createProject = `-- name: CreateFigurineProject
INSERT INTO figurine_projects (id, created_at, updated_at, user_id, status, prompt)
VALUES ($1, $2, $2, $3, $4, $5)
RETURNING ` + projectColumns

func (r *FigurineRepo) CreateProject(ctx context.Context, userID uuid.UUID, prompt string) (models.FigurineProject, error) {
	rows, _ := r.DB.Query(ctx, createProject,
		uuid.New(), timeNow(), userID, models.ProjectStatusConceptGenerating, prompt)
	project, err := pgx.CollectOneRow(rows, rowToProject)
	if err != nil {
		return project, fmt.Errorf("db error: %w", err)
	}

	return project, nil
}

const getProject = `-- name: GetFigurineProject
SELECT ` + projectColumns + ` FROM figurine_projects
WHERE id = $1 AND user_id = $2
`

func (r *FigurineRepo) GetProject(ctx context.Context, projectID uuid.UUID, userID uuid.UUID) (models.FigurineProject, error) {
	rows, _ := r.DB.Query(ctx, getProject, projectID, userID)
	project, err := pgx.CollectOneRow(rows, rowToProject)

	switch {
	case err == nil:
		return project, nil
	case errors.Is(err, pgx.ErrNoRows):
		return project, apperrors.ErrProjectNotFound
	default:
		return project, fmt.Errorf("db error: %w", err)
	}
}

// Status change is conditional on the current stage; angle paths merge
// into the existing set so the four images can land one by one.
const transitionProject = `-- name: TransitionFigurineProject
UPDATE figurine_projects
SET status = $3,
	updated_at = $4,
	concept_path = COALESCE($5, concept_path),
	angle_paths = angle_paths || COALESCE($6, '{}'::jsonb),
	mesh_glb_path = COALESCE($7, mesh_glb_path),
	mesh_stl_path = COALESCE($8, mesh_stl_path)
WHERE id = $1 AND status = $2
RETURNING ` + projectColumns

func (r *FigurineRepo) TransitionProject(ctx context.Context, projectID uuid.UUID, from, to string, patch repository.ProjectPatch) (models.FigurineProject, error) {
	var project models.FigurineProject

	var anglePatch any
	if patch.AnglePaths != nil {
		b, err := json.Marshal(patch.AnglePaths)
		if err != nil {
			return project, fmt.Errorf("marshal angle paths: %w", err)
		}
		anglePatch = b
	}

	rows, _ := r.DB.Query(ctx, transitionProject,
		projectID, from, to, timeNow(),
		patch.ConceptPath, anglePatch, patch.MeshGLBPath, patch.MeshSTLPath)
	project, err := pgx.CollectOneRow(rows, rowToProject)

	switch {
	case err == nil:
		return project, nil
	case errors.Is(err, pgx.ErrNoRows):
		return project, fmt.Errorf("project transition %s->%s: %w", from, to, apperrors.ErrInvalidGateTransition)
	default:
		return project, fmt.Errorf("db error: %w", err)
	}
}

const deleteProject = `-- name: DeleteFigurineProject
DELETE FROM figurine_projects
WHERE id = $1
`

func (r *FigurineRepo) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	_, err := r.DB.Exec(ctx, deleteProject, projectID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ON CONFLICT instead of catching the unique violation: a violation
// error would abort any enclosing transaction.
const addLicense = `-- name: AddFigurineLicense
INSERT INTO figurine_licenses (project_id, tier, purchased_at)
VALUES ($1, $2, $3)
ON CONFLICT (project_id, tier) DO NOTHING
`

func (r *FigurineRepo) AddLicense(ctx context.Context, projectID uuid.UUID, tier string) (bool, error) {
	tag, err := r.DB.Exec(ctx, addLicense, projectID, tier, timeNow())
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

const listLicenses = `-- name: ListFigurineLicenses
SELECT project_id, tier, purchased_at FROM figurine_licenses
WHERE project_id = $1
ORDER BY purchased_at
`

func (r *FigurineRepo) ListLicenses(ctx context.Context, projectID uuid.UUID) ([]models.FigurineLicense, error) {
	rows, _ := r.DB.Query(ctx, listLicenses, projectID)
	licenses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.FigurineLicense, error) {
		var l models.FigurineLicense
		err := row.Scan(&l.ProjectID, &l.Tier, &l.PurchasedAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return licenses, nil
}

func rowToProject(row pgx.CollectableRow) (models.FigurineProject, error) {
	var p models.FigurineProject
	var anglePaths []byte

	err := row.Scan(
		&p.ID, &p.CreatedAt, &p.UpdatedAt, &p.UserID, &p.Status, &p.Prompt,
		&p.ConceptPath, &anglePaths, &p.MeshGLBPath, &p.MeshSTLPath)
	if err != nil {
		return p, err
	}

	if err := json.Unmarshal(anglePaths, &p.AnglePaths); err != nil {
		return p, fmt.Errorf("decode angle paths: %w", err)
	}

	return p, nil
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/models"
)

// Scene lists are persisted as one JSONB document per project. The scene
// store rewrites the whole list on every mutation, so a single row per
// project is both simpler and atomic.

// LoadSceneList returns the persisted scene list for a project. A project
// with no persisted list yet yields an empty slice, not an error.
func (db *DB) LoadSceneList(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	query := `
		SELECT scenes
		FROM scene_lists
		WHERE project_id = $1
	`

	var raw []byte
	err := db.QueryRowContext(ctx, query, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scene list: %w", err)
	}

	var scenes []models.Scene
	if err := json.Unmarshal(raw, &scenes); err != nil {
		return nil, fmt.Errorf("failed to decode scene list: %w", err)
	}

	return scenes, nil
}

// SaveSceneList upserts the full scene list for a project.
func (db *DB) SaveSceneList(ctx context.Context, projectID uuid.UUID, scenes []models.Scene) error {
	if scenes == nil {
		scenes = []models.Scene{}
	}

	raw, err := json.Marshal(scenes)
	if err != nil {
		return fmt.Errorf("failed to encode scene list: %w", err)
	}

	query := `
		INSERT INTO scene_lists (project_id, scenes, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id)
		DO UPDATE SET scenes = EXCLUDED.scenes, updated_at = NOW()
	`

	if _, err := db.ExecContext(ctx, query, projectID, raw); err != nil {
		return fmt.Errorf("failed to save scene list: %w", err)
	}

	return nil
}

// DeleteSceneList removes a project's persisted scene list.
func (db *DB) DeleteSceneList(ctx context.Context, projectID uuid.UUID) error {
	query := `DELETE FROM scene_lists WHERE project_id = $1`

	if _, err := db.ExecContext(ctx, query, projectID); err != nil {
		return fmt.Errorf("failed to delete scene list: %w", err)
	}

	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/models"
)

// FilePersister writes each project's scene list to a JSON file. Used for
// local development and tests; production wiring uses Postgres.
type FilePersister struct {
	dir string
}

func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scene list dir: %w", err)
	}
	return &FilePersister{dir: dir}, nil
}

func (p *FilePersister) path(projectID uuid.UUID) string {
	return filepath.Join(p.dir, fmt.Sprintf("scenes_%s.json", projectID))
}

func (p *FilePersister) LoadSceneList(_ context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	data, err := os.ReadFile(p.path(projectID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scene list file: %w", err)
	}

	var scenes []models.Scene
	if err := json.Unmarshal(data, &scenes); err != nil {
		return nil, fmt.Errorf("failed to decode scene list file: %w", err)
	}
	return scenes, nil
}

func (p *FilePersister) SaveSceneList(_ context.Context, projectID uuid.UUID, scenes []models.Scene) error {
	if scenes == nil {
		scenes = []models.Scene{}
	}

	data, err := json.MarshalIndent(scenes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode scene list: %w", err)
	}

	// Write-then-rename so a crash mid-write never truncates the list.
	tmp := p.path(projectID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write scene list file: %w", err)
	}
	if err := os.Rename(tmp, p.path(projectID)); err != nil {
		return fmt.Errorf("failed to replace scene list file: %w", err)
	}
	return nil
}

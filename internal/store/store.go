// Package store holds the canonical, persisted scene list for a project.
//
// All mutation goes through a single mutex so concurrent job completions
// cannot interleave a read-modify-write and lose an update. Reads return
// deep-copied snapshots; every successful mutation persists the new list and
// publishes it to subscribers.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/models"
)

// ErrSceneNotFound is returned by Update when no scene matches the given id.
var ErrSceneNotFound = errors.New("scene not found")

// Persister writes the scene list to durable storage. Implemented by
// *db.DB (Postgres) and by FilePersister (JSON file, dev/test).
type Persister interface {
	LoadSceneList(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
	SaveSceneList(ctx context.Context, projectID uuid.UUID, scenes []models.Scene) error
}

type Store struct {
	projectID uuid.UUID
	persister Persister

	mu     sync.Mutex
	scenes []models.Scene

	subMu   sync.Mutex
	subs    map[int]chan []models.Scene
	nextSub int
}

func New(projectID uuid.UUID, persister Persister) *Store {
	return &Store{
		projectID: projectID,
		persister: persister,
		subs:      make(map[int]chan []models.Scene),
	}
}

// Load replaces the in-memory list with the persisted snapshot. Called once
// at project load, before any jobs run.
func (s *Store) Load(ctx context.Context) error {
	scenes, err := s.persister.LoadSceneList(ctx, s.projectID)
	if err != nil {
		return fmt.Errorf("failed to load scene list: %w", err)
	}

	s.mu.Lock()
	s.scenes = cloneScenes(scenes)
	s.mu.Unlock()

	return nil
}

// Scenes returns the latest snapshot. The returned slice is a deep copy;
// callers may not mutate store state through it.
func (s *Store) Scenes() []models.Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneScenes(s.scenes)
}

// Scene returns a single scene by id.
func (s *Store) Scene(id uuid.UUID) (models.Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sc := range s.scenes {
		if sc.ID == id {
			return cloneScene(sc), nil
		}
	}
	return models.Scene{}, ErrSceneNotFound
}

// Update applies transform to exactly the scene matching id and persists the
// result only if the list actually changed. The transform receives and
// returns a value, so it cannot mutate the store's copy in place.
func (s *Store) Update(ctx context.Context, id uuid.UUID, transform func(models.Scene) models.Scene) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, sc := range s.scenes {
		if sc.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrSceneNotFound
	}

	before, err := json.Marshal(s.scenes[idx])
	if err != nil {
		return fmt.Errorf("failed to encode scene: %w", err)
	}

	updated := transform(cloneScene(s.scenes[idx]))
	updated.ID = id // identity is immutable

	after, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to encode updated scene: %w", err)
	}

	if bytes.Equal(before, after) {
		return nil // no change, no persist, no publish
	}

	s.scenes[idx] = updated

	return s.persistAndPublishLocked(ctx)
}

// ReplaceAll swaps in a whole new scene list, replacing any prior list.
func (s *Store) ReplaceAll(ctx context.Context, scenes []models.Scene) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scenes = cloneScenes(scenes)
	return s.persistAndPublishLocked(ctx)
}

// Clear drops every scene.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scenes = nil
	return s.persistAndPublishLocked(ctx)
}

func (s *Store) persistAndPublishLocked(ctx context.Context) error {
	snapshot := cloneScenes(s.scenes)

	if err := s.persister.SaveSceneList(ctx, s.projectID, snapshot); err != nil {
		return fmt.Errorf("failed to persist scene list: %w", err)
	}

	s.publish(snapshot)
	return nil
}

// Subscribe registers for snapshot notifications. The channel has capacity 1
// with latest-wins delivery: a slow subscriber sees the newest snapshot, not
// every intermediate one. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan []models.Scene, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++

	ch := make(chan []models.Scene, 1)
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *Store) publish(snapshot []models.Scene) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, ch := range s.subs {
		// Drop the stale buffered snapshot, then deliver the fresh one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
			log.Printf("[Store] subscriber %d not keeping up, snapshot dropped", id)
		}
	}
}

func cloneScene(sc models.Scene) models.Scene {
	out := sc
	out.ReferenceAssetPath = clonePtr(sc.ReferenceAssetPath)
	out.ReferenceDescription = clonePtr(sc.ReferenceDescription)
	out.GeneratedAssetPath = clonePtr(sc.GeneratedAssetPath)
	out.ThumbnailPath = clonePtr(sc.ThumbnailPath)
	out.PreviewPath = clonePtr(sc.PreviewPath)
	out.PreviewQueuePosition = clonePtr(sc.PreviewQueuePosition)
	out.LastErrorMessage = clonePtr(sc.LastErrorMessage)
	return out
}

func cloneScenes(scenes []models.Scene) []models.Scene {
	if scenes == nil {
		return nil
	}
	out := make([]models.Scene, len(scenes))
	for i, sc := range scenes {
		out[i] = cloneScene(sc)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Package preview decides which scenes need a refreshed low-cost preview and
// feeds a bounded-concurrency single-lane queue.
//
// "Who needs a preview" (the diff against the last snapshot) is decoupled
// from "how many previews may run" (the concurrency ceiling): eligible
// scenes join a FIFO pending set, and slots are filled whenever the active
// preview count drops below the ceiling.
package preview

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/store"
)

// DefaultCeiling is the default cap on simultaneously active preview jobs.
const DefaultCeiling = 5

// Dispatcher is the slice of the job dispatcher the coordinator needs.
type Dispatcher interface {
	EnqueuePreview(ctx context.Context, sceneID uuid.UUID) error
	ActiveCount(kind models.JobKind) int
	AddObserver(fn func())
}

type Coordinator struct {
	store   *store.Store
	disp    Dispatcher
	ceiling int

	// progress, when set, receives completed-vs-total scene counts whenever
	// aggregate activity changes. Drives the project-wide busy indicator.
	progress func(done, total int)

	mu         sync.Mutex
	pending    []uuid.UUID
	pendingSet map[uuid.UUID]bool
	last       map[uuid.UUID]models.Scene
}

type Options struct {
	Ceiling  int
	Progress func(done, total int)
}

func NewCoordinator(st *store.Store, disp Dispatcher, opts Options) *Coordinator {
	ceiling := opts.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Coordinator{
		store:      st,
		disp:       disp,
		ceiling:    ceiling,
		progress:   opts.Progress,
		pendingSet: make(map[uuid.UUID]bool),
		last:       make(map[uuid.UUID]models.Scene),
	}
}

// Run subscribes to store snapshots and blocks until ctx is done. The current
// snapshot seeds the baseline; only subsequent changes trigger previews.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	c.rememberLocked(c.store.Scenes())
	c.mu.Unlock()

	// Refill slots whenever aggregate job activity changes.
	c.disp.AddObserver(func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.fill(ctx)
		c.reportProgress()
	})

	snapshots, unsubscribe := c.store.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			c.onSnapshot(ctx, snapshot)
		}
	}
}

// onSnapshot diffs the snapshot against the last-seen one and queues preview
// requests for every scene whose rendered appearance may have changed.
func (c *Coordinator) onSnapshot(ctx context.Context, snapshot []models.Scene) {
	c.mu.Lock()
	for _, sc := range snapshot {
		// A scene not in the last snapshot diffs against the zero value, so
		// a scene that arrives already carrying an asset is eligible too.
		prev := c.last[sc.ID]
		if c.needsPreviewLocked(prev, sc) {
			c.queueLocked(sc.ID)
		}
	}
	c.rememberLocked(snapshot)
	c.mu.Unlock()

	c.fill(ctx)
	c.reportProgress()
}

// needsPreviewLocked implements the eligibility rules: a generated asset
// appeared, the asset changed, or the preview was cleared while an asset
// still exists.
func (c *Coordinator) needsPreviewLocked(prev, cur models.Scene) bool {
	prevAsset := deref(prev.GeneratedAssetPath)
	curAsset := deref(cur.GeneratedAssetPath)

	if curAsset != "" && prevAsset == "" {
		return true
	}
	if curAsset != "" && curAsset != prevAsset {
		return true
	}
	if curAsset != "" && cur.PreviewPath == nil && prev.PreviewPath != nil {
		return true
	}
	return false
}

// queueLocked adds a scene to the pending FIFO. Idempotent: a scene already
// waiting keeps its position.
func (c *Coordinator) queueLocked(id uuid.UUID) {
	if c.pendingSet[id] {
		return
	}
	c.pendingSet[id] = true
	c.pending = append(c.pending, id)
}

// fill dispatches pending previews until the ceiling is reached. The whole
// inspect-queue / inspect-active-count / dispatch sequence runs under one
// lock so the ceiling holds even under concurrent diff events.
func (c *Coordinator) fill(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dispatched := false
	for len(c.pending) > 0 && c.disp.ActiveCount(models.JobKindPreview) < c.ceiling {
		id := c.pending[0]
		c.pending = c.pending[1:]
		delete(c.pendingSet, id)

		if err := c.disp.EnqueuePreview(ctx, id); err != nil {
			log.Printf("[Preview] failed to dispatch preview for scene %s: %v", id, err)
			// Put it back at the head and stop; the next activity event retries.
			c.pending = append([]uuid.UUID{id}, c.pending...)
			c.pendingSet[id] = true
			break
		}
		dispatched = true
	}

	if dispatched || len(c.pending) > 0 {
		c.publishQueuePositionsLocked(ctx)
	}
}

// publishQueuePositionsLocked writes each waiting scene's 1-based queue
// position back to the store for UI feedback, and clears positions of scenes
// no longer waiting.
func (c *Coordinator) publishQueuePositionsLocked(ctx context.Context) {
	position := make(map[uuid.UUID]int, len(c.pending))
	for i, id := range c.pending {
		position[id] = i + 1
	}

	for _, sc := range c.store.Scenes() {
		want, waiting := position[sc.ID]
		have := sc.PreviewQueuePosition
		if waiting && (have == nil || *have != want) {
			pos := want
			_ = c.store.Update(ctx, sc.ID, func(s models.Scene) models.Scene {
				s.PreviewQueuePosition = &pos
				return s
			})
		} else if !waiting && have != nil {
			_ = c.store.Update(ctx, sc.ID, func(s models.Scene) models.Scene {
				s.PreviewQueuePosition = nil
				return s
			})
		}
	}
}

func (c *Coordinator) rememberLocked(snapshot []models.Scene) {
	for _, sc := range snapshot {
		c.last[sc.ID] = sc
	}
	// Drop scenes that disappeared from the list.
	present := make(map[uuid.UUID]bool, len(snapshot))
	for _, sc := range snapshot {
		present[sc.ID] = true
	}
	for id := range c.last {
		if !present[id] {
			delete(c.last, id)
		}
	}
}

// reportProgress surfaces completed-vs-total scene counts.
func (c *Coordinator) reportProgress() {
	if c.progress == nil {
		return
	}

	scenes := c.store.Scenes()
	done := 0
	for _, sc := range scenes {
		if sc.GeneratedAssetPath != nil && *sc.GeneratedAssetPath != "" {
			done++
		}
	}
	c.progress(done, len(scenes))
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

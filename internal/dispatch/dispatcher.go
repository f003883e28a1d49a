// Package dispatch turns (scene id, job kind, parameters) tuples into tagged
// units of background work.
//
// Every job carries a (scene id, kind) tag. Cancellation is best-effort and
// tag-based: queued jobs are tombstoned and skipped at pickup, running jobs
// have their context cancelled. Flag cleanup stays the job body's own
// responsibility on its cancellation path.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/queue"
)

// Tag identifies one scene's work of one kind, for cancellation and
// aggregate observation.
type Tag struct {
	SceneID uuid.UUID
	Kind    models.JobKind
}

func (t Tag) String() string {
	return fmt.Sprintf("%s/%s", t.Kind, t.SceneID)
}

// JobQueue is the transport behind the dispatcher. Implemented by
// *queue.Queue; tests substitute a recorder.
type JobQueue interface {
	Enqueue(ctx context.Context, queueName string, job *queue.Job) error
}

// ImageParams configures an image-generation job.
type ImageParams struct {
	Prompt        string
	ReferencePath string
}

// GarmentSwapParams configures a garment-swap job.
type GarmentSwapParams struct {
	GarmentAssetPath string
}

// MotionParams configures a motion-clip generation job.
type MotionParams struct {
	Prompt string
}

type Dispatcher struct {
	q JobQueue

	mu             sync.Mutex
	queued         map[Tag]int                // enqueued, not yet picked up
	running        map[Tag]context.CancelFunc // picked up, job body executing
	inflight       map[models.JobKind]int     // queued + running, per kind
	cancelled      map[Tag]bool               // tombstones for queued work
	pendingPreview map[uuid.UUID]bool         // preview lane dedup

	obsMu     sync.Mutex
	observers []func()
}

func New(q JobQueue) *Dispatcher {
	return &Dispatcher{
		q:              q,
		queued:         make(map[Tag]int),
		running:        make(map[Tag]context.CancelFunc),
		inflight:       make(map[models.JobKind]int),
		cancelled:      make(map[Tag]bool),
		pendingPreview: make(map[uuid.UUID]bool),
	}
}

// AddObserver registers a callback invoked whenever aggregate job activity
// changes (job finished, skipped, or cancelled). Callbacks run outside the
// dispatcher lock.
func (d *Dispatcher) AddObserver(fn func()) {
	d.obsMu.Lock()
	d.observers = append(d.observers, fn)
	d.obsMu.Unlock()
}

func (d *Dispatcher) notify() {
	d.obsMu.Lock()
	obs := make([]func(), len(d.observers))
	copy(obs, d.observers)
	d.obsMu.Unlock()

	for _, fn := range obs {
		fn()
	}
}

// EnqueueImageGeneration submits an image-generation job for a scene.
func (d *Dispatcher) EnqueueImageGeneration(ctx context.Context, sceneID uuid.UUID, params ImageParams) error {
	return d.enqueue(ctx, Tag{SceneID: sceneID, Kind: models.JobKindImage}, map[string]interface{}{
		"prompt":         params.Prompt,
		"reference_path": params.ReferencePath,
	})
}

// EnqueueGarmentSwap submits a garment-swap job for a scene.
func (d *Dispatcher) EnqueueGarmentSwap(ctx context.Context, sceneID uuid.UUID, params GarmentSwapParams) error {
	return d.enqueue(ctx, Tag{SceneID: sceneID, Kind: models.JobKindGarmentSwap}, map[string]interface{}{
		"garment_asset_path": params.GarmentAssetPath,
	})
}

// EnqueueMotionGeneration submits a motion-clip generation job for a scene.
func (d *Dispatcher) EnqueueMotionGeneration(ctx context.Context, sceneID uuid.UUID, params MotionParams) error {
	return d.enqueue(ctx, Tag{SceneID: sceneID, Kind: models.JobKindMotion}, map[string]interface{}{
		"prompt": params.Prompt,
	})
}

// EnqueuePreview submits a preview job on the single preview lane with
// replace-if-already-queued semantics: a scene with a preview request still
// waiting in the lane is not enqueued twice. The job body reads the latest
// scene state at pickup, so the earlier entry subsumes the new request.
func (d *Dispatcher) EnqueuePreview(ctx context.Context, sceneID uuid.UUID) error {
	tag := Tag{SceneID: sceneID, Kind: models.JobKindPreview}

	d.mu.Lock()
	if d.pendingPreview[sceneID] {
		d.mu.Unlock()
		log.Printf("[Dispatch] preview for scene %s already queued, replaced in place", sceneID)
		return nil
	}
	d.pendingPreview[sceneID] = true
	d.mu.Unlock()

	if err := d.enqueue(ctx, tag, nil); err != nil {
		d.mu.Lock()
		delete(d.pendingPreview, sceneID)
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, tag Tag, params map[string]interface{}) error {
	d.mu.Lock()
	d.queued[tag]++
	d.inflight[tag.Kind]++
	delete(d.cancelled, tag) // a fresh request revives a cancelled tag
	d.mu.Unlock()

	job := &queue.Job{
		ID:      uuid.New(),
		Kind:    tag.Kind,
		SceneID: tag.SceneID,
		Params:  params,
	}

	if err := d.q.Enqueue(ctx, queue.QueueFor(tag.Kind), job); err != nil {
		d.mu.Lock()
		d.queued[tag]--
		d.inflight[tag.Kind]--
		if tag.Kind == models.JobKindPreview {
			delete(d.pendingPreview, tag.SceneID)
		}
		d.mu.Unlock()
		return fmt.Errorf("failed to enqueue %s: %w", tag, err)
	}

	log.Printf("[Dispatch] enqueued %s (job %s)", tag, job.ID)
	return nil
}

// CancelAllForScene cancels every queued and running job for the scene.
// Best-effort: queued jobs are tombstoned, running jobs get their context
// cancelled. Busy flags are not touched here; that is the job body's
// cancellation path, backed by the reconciliation pass.
func (d *Dispatcher) CancelAllForScene(sceneID uuid.UUID) {
	d.mu.Lock()
	for _, kind := range []models.JobKind{
		models.JobKindImage, models.JobKindGarmentSwap,
		models.JobKindMotion, models.JobKindPreview,
	} {
		tag := Tag{SceneID: sceneID, Kind: kind}
		if d.queued[tag] > 0 {
			d.cancelled[tag] = true
		}
		if cancel, ok := d.running[tag]; ok {
			cancel()
		}
	}
	d.mu.Unlock()

	log.Printf("[Dispatch] cancelled all jobs for scene %s", sceneID)
	d.notify()
}

// Begin marks a dequeued job as running and returns its cancellable context.
// ok is false when the job was tombstoned by a cancellation; the caller must
// skip the job body. The returned done func must be called exactly once when
// the job ends, on every path.
func (d *Dispatcher) Begin(parent context.Context, tag Tag) (ctx context.Context, done func(), ok bool) {
	d.mu.Lock()

	if d.queued[tag] > 0 {
		d.queued[tag]--
		if d.queued[tag] == 0 {
			delete(d.queued, tag)
		}
	}
	if tag.Kind == models.JobKindPreview {
		delete(d.pendingPreview, tag.SceneID)
	}

	if d.cancelled[tag] {
		if d.queued[tag] == 0 {
			delete(d.cancelled, tag)
		}
		d.inflight[tag.Kind]--
		d.mu.Unlock()
		d.notify()
		return nil, nil, false
	}

	jobCtx, cancel := context.WithCancel(parent)
	d.running[tag] = cancel
	d.mu.Unlock()

	return jobCtx, func() {
		d.mu.Lock()
		if c, exists := d.running[tag]; exists {
			delete(d.running, tag)
			c()
		}
		d.inflight[tag.Kind]--
		d.mu.Unlock()
		d.notify()
	}, true
}

// ActiveCount returns queued + running jobs of the given kind.
func (d *Dispatcher) ActiveCount(kind models.JobKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[kind]
}

// IsActive reports whether any job with this tag is queued or running.
// The reconciliation pass uses this to detect orphaned busy flags.
func (d *Dispatcher) IsActive(tag Tag) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queued[tag] > 0 {
		return true
	}
	_, running := d.running[tag]
	return running
}

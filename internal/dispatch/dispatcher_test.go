package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/queue"
)

// recordingQueue captures enqueued jobs instead of touching Redis.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, _ string, job *queue.Job) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

func (q *recordingQueue) count(kind models.JobKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Kind == kind {
			n++
		}
	}
	return n
}

func TestPreviewDedup(t *testing.T) {
	q := &recordingQueue{}
	d := New(q)
	sceneID := uuid.New()

	// Requesting a preview twice before pickup yields exactly one queued entry.
	if err := d.EnqueuePreview(context.Background(), sceneID); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := d.EnqueuePreview(context.Background(), sceneID); err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}

	if got := q.count(models.JobKindPreview); got != 1 {
		t.Fatalf("expected 1 queued preview, got %d", got)
	}
	if got := d.ActiveCount(models.JobKindPreview); got != 1 {
		t.Fatalf("expected active count 1, got %d", got)
	}

	// After pickup the dedup entry clears and a new request queues again.
	tag := Tag{SceneID: sceneID, Kind: models.JobKindPreview}
	_, done, ok := d.Begin(context.Background(), tag)
	if !ok {
		t.Fatal("expected job to begin")
	}
	if err := d.EnqueuePreview(context.Background(), sceneID); err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	if got := q.count(models.JobKindPreview); got != 2 {
		t.Fatalf("expected 2 queued previews after pickup, got %d", got)
	}
	done()
}

func TestCancelTombstonesQueuedJobs(t *testing.T) {
	q := &recordingQueue{}
	d := New(q)
	sceneID := uuid.New()

	if err := d.EnqueueImageGeneration(context.Background(), sceneID, ImageParams{Prompt: "x"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	d.CancelAllForScene(sceneID)

	tag := Tag{SceneID: sceneID, Kind: models.JobKindImage}
	if _, _, ok := d.Begin(context.Background(), tag); ok {
		t.Fatal("tombstoned job should not begin")
	}
	if got := d.ActiveCount(models.JobKindImage); got != 0 {
		t.Fatalf("expected 0 active after skip, got %d", got)
	}
	if d.IsActive(tag) {
		t.Fatal("tag should be inactive after skip")
	}
}

func TestCancelStopsRunningJob(t *testing.T) {
	d := New(&recordingQueue{})
	sceneID := uuid.New()
	tag := Tag{SceneID: sceneID, Kind: models.JobKindMotion}

	if err := d.EnqueueMotionGeneration(context.Background(), sceneID, MotionParams{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, done, ok := d.Begin(context.Background(), tag)
	if !ok {
		t.Fatal("expected job to begin")
	}
	defer done()

	d.CancelAllForScene(sceneID)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("running job context should be cancelled")
	}
}

func TestEnqueueAfterCancelRevivesTag(t *testing.T) {
	d := New(&recordingQueue{})
	sceneID := uuid.New()
	tag := Tag{SceneID: sceneID, Kind: models.JobKindImage}

	if err := d.EnqueueImageGeneration(context.Background(), sceneID, ImageParams{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	d.CancelAllForScene(sceneID)
	if err := d.EnqueueImageGeneration(context.Background(), sceneID, ImageParams{}); err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}

	// First pickup corresponds to the fresh request and must run.
	_, done, ok := d.Begin(context.Background(), tag)
	if !ok {
		t.Fatal("fresh request after cancel should begin")
	}
	done()
}

func TestEnqueueFailureRollsBackCounts(t *testing.T) {
	q := &recordingQueue{err: errors.New("redis down")}
	d := New(q)
	sceneID := uuid.New()

	if err := d.EnqueuePreview(context.Background(), sceneID); err == nil {
		t.Fatal("expected enqueue error")
	}
	if got := d.ActiveCount(models.JobKindPreview); got != 0 {
		t.Fatalf("failed enqueue should not leave in-flight count, got %d", got)
	}

	// The dedup entry must also roll back so a later request can queue.
	q.err = nil
	if err := d.EnqueuePreview(context.Background(), sceneID); err != nil {
		t.Fatalf("retry enqueue failed: %v", err)
	}
	if got := q.count(models.JobKindPreview); got != 1 {
		t.Fatalf("expected 1 queued preview after retry, got %d", got)
	}
}

func TestObserverNotifiedOnFinish(t *testing.T) {
	d := New(&recordingQueue{})
	sceneID := uuid.New()
	tag := Tag{SceneID: sceneID, Kind: models.JobKindImage}

	var mu sync.Mutex
	events := 0
	d.AddObserver(func() {
		mu.Lock()
		events++
		mu.Unlock()
	})

	if err := d.EnqueueImageGeneration(context.Background(), sceneID, ImageParams{}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	_, done, ok := d.Begin(context.Background(), tag)
	if !ok {
		t.Fatal("expected job to begin")
	}
	done()

	mu.Lock()
	defer mu.Unlock()
	if events == 0 {
		t.Fatal("observer should fire when a job finishes")
	}
}

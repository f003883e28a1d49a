package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/compose"
	"github.com/patrin/sceneforge/internal/dispatch"
	"github.com/patrin/sceneforge/internal/lease"
	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/queue"
	"github.com/patrin/sceneforge/internal/services"
	"github.com/patrin/sceneforge/internal/store"
)

// Worker consumes the per-kind job lanes, runs each job under its
// dispatcher tag, and writes results back onto the scene list.
type Worker struct {
	store      *store.Store
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	gemini     *services.GeminiService
	veo        *services.VeoService
	compositor *compose.Compositor
	leaser     *lease.Leaser // nil disables cross-process concurrency caps

	assetDir string
	width    int
	height   int
	fps      int
}

type Options struct {
	AssetDir string
	Width    int
	Height   int
	FPS      int
}

func New(
	st *store.Store,
	q *queue.Queue,
	d *dispatch.Dispatcher,
	geminiSvc *services.GeminiService,
	veoSvc *services.VeoService,
	comp *compose.Compositor,
	leaser *lease.Leaser,
	opts Options,
) *Worker {
	return &Worker{
		store:      st,
		queue:      q,
		dispatcher: d,
		gemini:     geminiSvc,
		veo:        veoSvc,
		compositor: comp,
		leaser:     leaser,
		assetDir:   opts.AssetDir,
		width:      opts.Width,
		height:     opts.Height,
		fps:        opts.FPS,
	}
}

// Start begins consuming all job lanes and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueImage, w.handleImage)
		go w.processQueue(ctx, queue.QueueGarmentSwap, w.handleGarmentSwap)
		go w.processQueue(ctx, queue.QueueMotion, w.handleMotion)
		go w.processQueue(ctx, queue.QueuePreview, w.handlePreview)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Error dequeuing from %s: %v", queueName, err)
				time.Sleep(time.Second)
				continue
			}
			if job == nil {
				continue
			}
			w.runJob(ctx, queueName, job, handler)
		}
	}
}

// runJob wraps the job body with the lease and dispatcher lifecycle: claim a
// slot, Begin the tag (skipping tombstoned jobs), run, done.
func (w *Worker) runJob(ctx context.Context, queueName string, job *queue.Job, handler func(context.Context, *queue.Job) error) {
	var tok *lease.Token
	if w.leaser != nil {
		var err error
		tok, err = w.leaser.Acquire(ctx, job.Kind)
		if errors.Is(err, lease.ErrNoCapacity) {
			// Push the job back untouched; the dispatcher still counts it
			// as queued.
			if err := w.queue.Enqueue(ctx, queueName, job); err != nil {
				log.Printf("Failed to requeue job %s: %v", job.ID, err)
			}
			time.Sleep(2 * time.Second)
			return
		}
		if err != nil {
			log.Printf("Lease acquire failed for %s: %v", job.Kind, err)
			time.Sleep(time.Second)
			return
		}
		defer func() {
			if err := w.leaser.Release(ctx, tok); err != nil {
				log.Printf("Lease release failed: %v", err)
			}
		}()
	}

	tag := dispatch.Tag{SceneID: job.SceneID, Kind: job.Kind}
	jobCtx, done, ok := w.dispatcher.Begin(ctx, tag)
	if !ok {
		log.Printf("Skipping cancelled job %s (%s)", job.ID, tag)
		return
	}
	defer done()

	log.Printf("Processing job %s (%s)", job.ID, tag)
	if err := handler(jobCtx, job); err != nil {
		log.Printf("Job %s failed: %v", job.ID, err)
	} else {
		log.Printf("Job %s completed successfully", job.ID)
	}
}

// markStarted raises the busy flag, bumps the attempt counter, and clears
// the previous error before the job body starts real work.
func (w *Worker) markStarted(ctx context.Context, sceneID uuid.UUID, kind models.JobKind) error {
	return w.store.Update(ctx, sceneID, func(sc models.Scene) models.Scene {
		sc = sc.SetBusy(kind, true)
		sc.Attempts = sc.Attempts.Bump(kind)
		sc.LastErrorMessage = nil
		return sc
	})
}

// markFailed lowers the busy flag and records the error on the scene.
// Cancellation clears the flag without recording an error message. The
// cleanup write runs on a fresh context so a cancelled job can still
// persist it.
func (w *Worker) markFailed(sceneID uuid.UUID, kind models.JobKind, cause error) error {
	cancelled := errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)
	if uerr := w.store.Update(context.Background(), sceneID, func(sc models.Scene) models.Scene {
		sc = sc.SetBusy(kind, false)
		if !cancelled {
			sc.LastErrorMessage = models.StrPtr(cause.Error())
		}
		return sc
	}); uerr != nil {
		log.Printf("Failed to record job failure on scene %s: %v", sceneID, uerr)
	}
	return cause
}

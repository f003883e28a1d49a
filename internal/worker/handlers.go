package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/patrin/sceneforge/internal/compose"
	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/queue"
	"github.com/patrin/sceneforge/internal/services"
)

// stringParam pulls a string parameter off the job's wire payload.
func stringParam(job *queue.Job, key string) string {
	if job.Params == nil {
		return ""
	}
	if v, ok := job.Params[key].(string); ok {
		return v
	}
	return ""
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func (w *Worker) assetPath(sceneID string, label, ext string) string {
	return filepath.Join(w.assetDir, fmt.Sprintf("scene_%s_%s_%d%s", sceneID, label, time.Now().UnixNano(), ext))
}

// handleImage generates the scene's still image, optionally conditioned on
// a reference image.
func (w *Worker) handleImage(ctx context.Context, job *queue.Job) error {
	prompt := stringParam(job, "prompt")
	if prompt == "" {
		return fmt.Errorf("image job %s has no prompt", job.ID)
	}
	if err := w.markStarted(ctx, job.SceneID, models.JobKindImage); err != nil {
		return err
	}

	var ref *services.ReferenceInput
	if refPath := stringParam(job, "reference_path"); refPath != "" {
		data, err := os.ReadFile(refPath)
		if err != nil {
			log.Printf("[Worker] reference image %s unreadable, generating without: %v", refPath, err)
		} else {
			ref = &services.ReferenceInput{
				Data:        data,
				MimeType:    mimeForPath(refPath),
				Description: stringParam(job, "reference_description"),
			}
		}
	}

	imgData, err := w.gemini.GenerateStill(ctx, prompt, ref, "9:16")
	if err != nil {
		return w.markFailed(job.SceneID, models.JobKindImage, fmt.Errorf("image generation: %w", err))
	}

	path := w.assetPath(job.SceneID.String(), "image", ".png")
	if err := os.WriteFile(path, imgData, 0644); err != nil {
		return w.markFailed(job.SceneID, models.JobKindImage, fmt.Errorf("write asset: %w", err))
	}

	return w.store.Update(ctx, job.SceneID, func(sc models.Scene) models.Scene {
		sc.GeneratedAssetPath = models.StrPtr(path)
		sc.ThumbnailPath = models.StrPtr(path)
		sc = sc.SetBusy(models.JobKindImage, false)
		sc.LastErrorMessage = nil
		return sc
	})
}

// handleGarmentSwap re-renders the scene's current asset with the garment
// from the supplied garment image.
func (w *Worker) handleGarmentSwap(ctx context.Context, job *queue.Job) error {
	garmentPath := stringParam(job, "garment_asset_path")
	if garmentPath == "" {
		return fmt.Errorf("garment swap job %s has no garment asset", job.ID)
	}

	sc, err := w.store.Scene(job.SceneID)
	if err != nil {
		return err
	}
	if sc.GeneratedAssetPath == nil || *sc.GeneratedAssetPath == "" {
		return fmt.Errorf("scene %s has no generated asset to swap on", job.SceneID)
	}
	basePath := *sc.GeneratedAssetPath

	if err := w.markStarted(ctx, job.SceneID, models.JobKindGarmentSwap); err != nil {
		return err
	}

	baseData, err := os.ReadFile(basePath)
	if err != nil {
		return w.markFailed(job.SceneID, models.JobKindGarmentSwap, fmt.Errorf("read scene asset: %w", err))
	}
	garmentData, err := os.ReadFile(garmentPath)
	if err != nil {
		return w.markFailed(job.SceneID, models.JobKindGarmentSwap, fmt.Errorf("read garment asset: %w", err))
	}

	swapped, err := w.gemini.SwapGarment(ctx,
		baseData, mimeForPath(basePath),
		garmentData, mimeForPath(garmentPath),
		stringParam(job, "instructions"))
	if err != nil {
		return w.markFailed(job.SceneID, models.JobKindGarmentSwap, fmt.Errorf("garment swap: %w", err))
	}

	path := w.assetPath(job.SceneID.String(), "swap", ".png")
	if err := os.WriteFile(path, swapped, 0644); err != nil {
		return w.markFailed(job.SceneID, models.JobKindGarmentSwap, fmt.Errorf("write asset: %w", err))
	}

	return w.store.Update(ctx, job.SceneID, func(sc models.Scene) models.Scene {
		sc.GeneratedAssetPath = models.StrPtr(path)
		sc.ThumbnailPath = models.StrPtr(path)
		sc = sc.SetBusy(models.JobKindGarmentSwap, false)
		sc.LastErrorMessage = nil
		return sc
	})
}

// handleMotion animates the scene's still into a short clip, then extracts
// a poster frame so thumbnails keep working.
func (w *Worker) handleMotion(ctx context.Context, job *queue.Job) error {
	if w.veo == nil {
		return fmt.Errorf("motion generation is not enabled")
	}
	prompt := stringParam(job, "prompt")

	sc, err := w.store.Scene(job.SceneID)
	if err != nil {
		return err
	}
	if sc.GeneratedAssetPath == nil || *sc.GeneratedAssetPath == "" {
		return fmt.Errorf("scene %s has no still to animate", job.SceneID)
	}
	stillPath := *sc.GeneratedAssetPath

	if err := w.markStarted(ctx, job.SceneID, models.JobKindMotion); err != nil {
		return err
	}

	stillData, err := os.ReadFile(stillPath)
	if err != nil {
		return w.markFailed(job.SceneID, models.JobKindMotion, fmt.Errorf("read still: %w", err))
	}

	clipData, err := w.veo.GenerateMotionClip(ctx, prompt, stillData, mimeForPath(stillPath))
	if err != nil {
		return w.markFailed(job.SceneID, models.JobKindMotion, fmt.Errorf("motion generation: %w", err))
	}

	clipPath := w.assetPath(job.SceneID.String(), "motion", ".mp4")
	if err := os.WriteFile(clipPath, clipData, 0644); err != nil {
		return w.markFailed(job.SceneID, models.JobKindMotion, fmt.Errorf("write clip: %w", err))
	}

	posterPath := w.assetPath(job.SceneID.String(), "poster", ".png")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.compositor.ExtractPosterFrame(gctx, clipPath, posterPath)
	})
	g.Go(func() error {
		dur, err := w.compositor.ProbeDuration(gctx, clipPath)
		if err != nil {
			return err
		}
		log.Printf("[Worker] motion clip for scene %s is %.2fs", job.SceneID, dur)
		return nil
	})
	if err := g.Wait(); err != nil {
		return w.markFailed(job.SceneID, models.JobKindMotion, fmt.Errorf("post-process clip: %w", err))
	}

	return w.store.Update(ctx, job.SceneID, func(sc models.Scene) models.Scene {
		sc.GeneratedAssetPath = models.StrPtr(clipPath)
		sc.ThumbnailPath = models.StrPtr(posterPath)
		sc = sc.SetBusy(models.JobKindMotion, false)
		sc.LastErrorMessage = nil
		return sc
	})
}

// Preview renders are cheap: low resolution, reduced frame rate, no
// transitions, silent audio.
const (
	previewScale = 3
	previewFPS   = 15
)

// handlePreview renders the scene alone at low cost. The body reads the
// latest scene state at pickup, so a stale queue entry previews the current
// asset.
func (w *Worker) handlePreview(ctx context.Context, job *queue.Job) error {
	sc, err := w.store.Scene(job.SceneID)
	if err != nil {
		return err
	}
	if sc.GeneratedAssetPath == nil || *sc.GeneratedAssetPath == "" {
		log.Printf("[Worker] scene %s lost its asset before preview, skipping", job.SceneID)
		return nil
	}

	if err := w.store.Update(ctx, job.SceneID, func(s models.Scene) models.Scene {
		s.Attempts = s.Attempts.Bump(models.JobKindPreview)
		return s
	}); err != nil {
		return err
	}

	prog, err := compose.Build([]models.Scene{sc}, compose.Options{
		Width:         w.width / previewScale,
		Height:        w.height / previewScale,
		FPS:           previewFPS,
		EnablePanZoom: true,
	})
	if err != nil {
		return w.recordPreviewError(job.SceneID, fmt.Errorf("preview program: %w", err))
	}

	path := w.assetPath(job.SceneID.String(), "preview", ".mp4")
	if err := w.compositor.Render(ctx, prog, path); err != nil {
		return w.recordPreviewError(job.SceneID, fmt.Errorf("preview render: %w", err))
	}

	return w.store.Update(ctx, job.SceneID, func(s models.Scene) models.Scene {
		s.PreviewPath = models.StrPtr(path)
		s.LastErrorMessage = nil
		return s
	})
}

func (w *Worker) recordPreviewError(sceneID uuid.UUID, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	if uerr := w.store.Update(context.Background(), sceneID, func(s models.Scene) models.Scene {
		s.LastErrorMessage = models.StrPtr(cause.Error())
		return s
	}); uerr != nil {
		log.Printf("Failed to record preview failure on scene %s: %v", sceneID, uerr)
	}
	return cause
}

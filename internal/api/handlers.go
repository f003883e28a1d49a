package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/compose"
	"github.com/patrin/sceneforge/internal/dispatch"
	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/orchestrator"
	"github.com/patrin/sceneforge/internal/planner"
	"github.com/patrin/sceneforge/internal/queue"
	"github.com/patrin/sceneforge/internal/store"
)

// RenderSettings carries the fixed composition parameters handed down from
// configuration.
type RenderSettings struct {
	Width             int
	Height            int
	FPS               int
	TransitionOverlap float64
	AssetDir          string
	FontDir           string
	BackgroundMusic   string
}

type Handler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	orch       *orchestrator.Orchestrator
	queue      *queue.Queue
	compositor *compose.Compositor
	render     RenderSettings

	renderMu    sync.Mutex
	rendering   bool
	lastOutput  string
	lastRendErr string
}

func NewHandler(
	st *store.Store,
	d *dispatch.Dispatcher,
	orch *orchestrator.Orchestrator,
	q *queue.Queue,
	comp *compose.Compositor,
	render RenderSettings,
) *Handler {
	return &Handler{
		store:      st,
		dispatcher: d,
		orch:       orch,
		queue:      q,
		compositor: comp,
		render:     render,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListScenes handles GET /v1/scenes
func (h *Handler) ListScenes(w http.ResponseWriter, r *http.Request) {
	scenes := h.store.Scenes()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scenes": scenes,
		"count":  len(scenes),
	})
}

// GetScene handles GET /v1/scenes/{id}
func (h *Handler) GetScene(w http.ResponseWriter, r *http.Request) {
	id, ok := sceneID(w, r)
	if !ok {
		return
	}
	sc, err := h.store.Scene(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Scene not found")
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

type updateSceneRequest struct {
	GenerationPrompt     *string `json:"generation_prompt,omitempty"`
	ShowSubject          *bool   `json:"show_subject,omitempty"`
	ReferenceAssetPath   *string `json:"reference_asset_path,omitempty"`
	ReferenceDescription *string `json:"reference_description,omitempty"`
}

// UpdateScene handles PATCH /v1/scenes/{id}
func (h *Handler) UpdateScene(w http.ResponseWriter, r *http.Request) {
	id, ok := sceneID(w, r)
	if !ok {
		return
	}
	var req updateSceneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.store.Update(r.Context(), id, func(sc models.Scene) models.Scene {
		if req.GenerationPrompt != nil {
			sc.GenerationPrompt = *req.GenerationPrompt
		}
		if req.ShowSubject != nil {
			sc.ShowSubject = *req.ShowSubject
		}
		if req.ReferenceAssetPath != nil {
			sc.ReferenceAssetPath = req.ReferenceAssetPath
		}
		if req.ReferenceDescription != nil {
			sc.ReferenceDescription = req.ReferenceDescription
		}
		return sc
	})
	if errors.Is(err, store.ErrSceneNotFound) {
		respondError(w, http.StatusNotFound, "Scene not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update scene")
		return
	}

	sc, _ := h.store.Scene(id)
	respondJSON(w, http.StatusOK, sc)
}

type generateStructureRequest struct {
	Narrative      string                  `json:"narrative"`
	TranscriptPath string                  `json:"transcript_path,omitempty"`
	BaseStartTime  float64                 `json:"base_start_time,omitempty"`
	Speakers       []speakerPayload        `json:"speakers,omitempty"`
	References     []models.ReferenceImage `json:"references,omitempty"`
}

type speakerPayload struct {
	Name    string `json:"name"`
	VoiceID string `json:"voice_id,omitempty"`
}

// GenerateStructure handles POST /v1/scenes/structure. Generation runs in
// the background; clients poll GET /v1/scenes/structure for the outcome.
func (h *Handler) GenerateStructure(w http.ResponseWriter, r *http.Request) {
	var req generateStructureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Narrative == "" && req.TranscriptPath == "" {
		respondError(w, http.StatusBadRequest, "Narrative or transcript_path is required")
		return
	}

	speakers := make([]planner.Speaker, 0, len(req.Speakers))
	for _, s := range req.Speakers {
		speakers = append(speakers, planner.Speaker{Name: s.Name, VoiceID: s.VoiceID})
	}

	go func() {
		err := h.orch.GenerateFullSceneStructure(context.Background(), planner.Request{
			Narrative:      req.Narrative,
			Speakers:       speakers,
			References:     req.References,
			TranscriptPath: req.TranscriptPath,
			BaseStartTime:  req.BaseStartTime,
		})
		if err != nil {
			log.Printf("[API] structure generation ended: %v", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"state": string(h.orch.State())})
}

// StructureStatus handles GET /v1/scenes/structure
func (h *Handler) StructureStatus(w http.ResponseWriter, r *http.Request) {
	count, cost := h.orch.PendingCost()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":         h.orch.State(),
		"pending_count": count,
		"pending_cost":  cost,
		"last_error":    h.orch.LastError(),
	})
}

// ConfirmBatch handles POST /v1/scenes/structure/confirm
func (h *Handler) ConfirmBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.ConfirmAndEnqueueBatch(r.Context()); err != nil {
		if errors.Is(err, orchestrator.ErrInvalidState) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": string(h.orch.State())})
}

// CancelBatch handles POST /v1/scenes/structure/cancel
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.CancelBatch(); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": string(h.orch.State())})
}

// CancelStructureGeneration handles POST /v1/scenes/structure/cancel-generation
func (h *Handler) CancelStructureGeneration(w http.ResponseWriter, r *http.Request) {
	h.orch.CancelInFlightStructureGeneration()
	respondJSON(w, http.StatusOK, map[string]string{"state": string(h.orch.State())})
}

type enqueueImageRequest struct {
	Prompt        string `json:"prompt,omitempty"`
	ReferencePath string `json:"reference_path,omitempty"`
}

// EnqueueImage handles POST /v1/scenes/{id}/image
func (h *Handler) EnqueueImage(w http.ResponseWriter, r *http.Request) {
	id, ok := sceneID(w, r)
	if !ok {
		return
	}
	sc, err := h.store.Scene(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Scene not found")
		return
	}

	var req enqueueImageRequest
	decodeOptionalBody(r, &req)

	prompt := req.Prompt
	if prompt == "" {
		prompt = sc.GenerationPrompt
	}
	if prompt == "" {
		respondError(w, http.StatusBadRequest, "Scene has no generation prompt")
		return
	}
	refPath := req.ReferencePath
	if refPath == "" && sc.ReferenceAssetPath != nil {
		refPath = *sc.ReferenceAssetPath
	}

	if err := h.dispatcher.EnqueueImageGeneration(r.Context(), id, dispatch.ImageParams{
		Prompt:        prompt,
		ReferencePath: refPath,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type enqueueGarmentSwapRequest struct {
	GarmentAssetPath string `json:"garment_asset_path"`
}

// EnqueueGarmentSwap handles POST /v1/scenes/{id}/garment-swap
func (h *Handler) EnqueueGarmentSwap(w http.ResponseWriter, r *http.Request) {
	id, ok := sceneID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.Scene(id); err != nil {
		respondError(w, http.StatusNotFound, "Scene not found")
		return
	}

	var req enqueueGarmentSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GarmentAssetPath == "" {
		respondError(w, http.StatusBadRequest, "garment_asset_path is required")
		return
	}

	if err := h.dispatcher.EnqueueGarmentSwap(r.Context(), id, dispatch.GarmentSwapParams{
		GarmentAssetPath: req.GarmentAssetPath,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type enqueueMotionRequest struct {
	Prompt string `json:"prompt,omitempty"`
}

// EnqueueMotion handles POST /v1/scenes/{id}/motion
func (h *Handler) EnqueueMotion(w http.ResponseWriter, r *http.Request) {
	id, ok := sceneID(w, r)
	if !ok {
		return
	}
	sc, err := h.store.Scene(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Scene not found")
		return
	}

	var req enqueueMotionRequest
	decodeOptionalBody(r, &req)

	prompt := req.Prompt
	if prompt == "" {
		prompt = sc.GenerationPrompt
	}

	if err := h.dispatcher.EnqueueMotionGeneration(r.Context(), id, dispatch.MotionParams{
		Prompt: prompt,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// EnqueuePreview handles POST /v1/scenes/{id}/preview
func (h *Handler) EnqueuePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := sceneID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.Scene(id); err != nil {
		respondError(w, http.StatusNotFound, "Scene not found")
		return
	}

	if err := h.dispatcher.EnqueuePreview(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// CancelScene handles POST /v1/scenes/{id}/cancel
func (h *Handler) CancelScene(w http.ResponseWriter, r *http.Request) {
	id, ok := sceneID(w, r)
	if !ok {
		return
	}
	h.dispatcher.CancelAllForScene(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type renderRequest struct {
	NarrationPath            string `json:"narration_path"`
	SubtitlePath             string `json:"subtitle_path,omitempty"`
	EnableTransitions        bool   `json:"enable_transitions"`
	EnablePanZoom            bool   `json:"enable_pan_zoom"`
	EnableSubtitles          bool   `json:"enable_subtitles"`
	EnableBackgroundFill     bool   `json:"enable_background_fill"`
	EnableFrameInterpolation bool   `json:"enable_frame_interpolation"`
	DisableMusic             bool   `json:"disable_music,omitempty"`
}

// RenderFinal handles POST /v1/render. The render runs in the background;
// clients poll GET /v1/render.
func (h *Handler) RenderFinal(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.NarrationPath == "" {
		respondError(w, http.StatusBadRequest, "narration_path is required")
		return
	}

	scenes := h.store.Scenes()
	if len(scenes) == 0 {
		respondError(w, http.StatusConflict, "Scene list is empty")
		return
	}

	h.renderMu.Lock()
	if h.rendering {
		h.renderMu.Unlock()
		respondError(w, http.StatusConflict, "A render is already in progress")
		return
	}
	h.rendering = true
	h.lastRendErr = ""
	outputPath := filepath.Join(h.render.AssetDir, fmt.Sprintf("final_%d.mp4", time.Now().Unix()))
	h.lastOutput = outputPath
	h.renderMu.Unlock()

	music := h.render.BackgroundMusic
	if req.DisableMusic {
		music = ""
	}
	opts := compose.Options{
		Width:                    h.render.Width,
		Height:                   h.render.Height,
		FPS:                      h.render.FPS,
		EnableTransitions:        req.EnableTransitions,
		EnablePanZoom:            req.EnablePanZoom,
		EnableSubtitles:          req.EnableSubtitles,
		EnableBackgroundFill:     req.EnableBackgroundFill,
		EnableFrameInterpolation: req.EnableFrameInterpolation,
		TransitionOverlap:        h.render.TransitionOverlap,
		SubtitlePath:             req.SubtitlePath,
		FontDir:                  h.render.FontDir,
		NarrationPath:            req.NarrationPath,
		MusicPath:                music,
		Rand:                     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	go func() {
		err := h.runRender(scenes, opts, outputPath)

		h.renderMu.Lock()
		h.rendering = false
		if err != nil {
			h.lastRendErr = err.Error()
			log.Printf("[API] final render failed: %v", err)
		} else {
			log.Printf("[API] final render complete: %s", outputPath)
		}
		h.renderMu.Unlock()
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":      "rendering",
		"output_path": outputPath,
	})
}

func (h *Handler) runRender(scenes []models.Scene, opts compose.Options, outputPath string) error {
	prog, err := compose.Build(scenes, opts)
	if err != nil {
		return err
	}
	return h.compositor.Render(context.Background(), prog, outputPath)
}

// RenderStatus handles GET /v1/render
func (h *Handler) RenderStatus(w http.ResponseWriter, r *http.Request) {
	h.renderMu.Lock()
	defer h.renderMu.Unlock()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"rendering":   h.rendering,
		"output_path": h.lastOutput,
		"error":       h.lastRendErr,
	})
}

// QueueLengths handles GET /v1/debug/queues
func (h *Handler) QueueLengths(w http.ResponseWriter, r *http.Request) {
	lanes := []string{queue.QueueImage, queue.QueueGarmentSwap, queue.QueueMotion, queue.QueuePreview}
	lengths := make(map[string]int64, len(lanes))
	for _, lane := range lanes {
		n, err := h.queue.Length(r.Context(), lane)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to read queue length")
			return
		}
		lengths[lane] = n
	}
	respondJSON(w, http.StatusOK, lengths)
}

func sceneID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid scene id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptionalBody decodes a JSON body when one is present; an empty body
// leaves the target at its zero value.
func decodeOptionalBody(r *http.Request, v interface{}) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

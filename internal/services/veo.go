package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	defaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 5 * time.Minute
)

// VeoService animates a generated still into a short motion clip via
// Google's Veo models.
type VeoService struct {
	apiKey string
	model  string
}

func NewVeoService(apiKey, model string) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{apiKey: apiKey, model: model}
}

// buildMotionPrompt wraps the scene's motion prompt with style-lock and
// restraint instructions so the clip reads as the still brought to life.
func buildMotionPrompt(rawPrompt string) string {
	return fmt.Sprintf(`%s

Visual style direction: Match the rendering style, lighting, and color grading of the input image exactly. The clip should look like the source image has come to life, not like a different shot.

Motion direction: Subtle, natural, realistic movement only. Favor gentle grounded motion: fabric moving in a breeze, slow breathing, a blink, drifting particles, a barely perceptible camera push-in. Avoid jerky movement, morphing, style drift between frames, or dramatic camera swoops.

No generated audio or dialogue. Silent video only.`, rawPrompt)
}

// GenerateMotionClip starts an async generation with the still as the first
// frame and polls until it completes, is cancelled, or times out. Returns
// the raw clip bytes (MP4).
func (s *VeoService) GenerateMotionClip(ctx context.Context, prompt string, imageData []byte, imageMimeType string) ([]byte, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	firstFrame := &genai.Image{
		ImageBytes: imageData,
		MIMEType:   imageMimeType,
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      "9:16",
		Resolution:       "4k",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	log.Printf("[Veo] starting motion clip (model=%s, promptLen=%d, imageSize=%d bytes)", s.model, len(prompt), len(imageData))

	operation, err := client.Models.GenerateVideos(ctx, s.model, buildMotionPrompt(prompt), firstFrame, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start motion generation: %w", err)
	}

	deadline := time.Now().Add(veoMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("motion generation timed out after %v (polled %d times)", veoMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("motion generation cancelled: %w", ctx.Err())
		case <-time.After(veoPollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err)
		}
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("motion generation operation failed: %s", string(errJSON))
	}
	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation after %d polls (operation: %s)", pollCount, operation.Name)
	}
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("clip blocked by safety filters: %d filtered, reasons: %s", operation.Response.RAIMediaFilteredCount, reasons)
	}
	if len(operation.Response.GeneratedVideos) == 0 {
		return nil, fmt.Errorf("no videos in response")
	}

	video := operation.Response.GeneratedVideos[0]
	if video.Video == nil {
		return nil, fmt.Errorf("generated video object is nil")
	}

	downloadURI := genai.NewDownloadURIFromVideo(video.Video)
	clipBytes, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download motion clip: %w", err)
	}
	if len(clipBytes) == 0 {
		return nil, fmt.Errorf("downloaded clip is empty")
	}

	log.Printf("[Veo] clip ready (%d bytes, %d polls)", len(clipBytes), pollCount)
	return clipBytes, nil
}

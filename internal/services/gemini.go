package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const geminiImageModel = "gemini-3-pro-image-preview"

// GeminiService generates still images and performs garment swaps through
// the Gemini REST API. Each call is independent and safe for parallel use.
type GeminiService struct {
	apiKey string
	client *http.Client
}

func NewGeminiService(apiKey string) *GeminiService {
	return &GeminiService{
		apiKey: apiKey,
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

// Gemini API request/response structures
type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// ReferenceInput carries an optional subject reference image attached to a
// still-generation request.
type ReferenceInput struct {
	Data        []byte
	MimeType    string
	Description string
}

// GenerateStill generates a single scene image. When a reference is given it
// is attached inline so the subject stays consistent across scenes.
func (s *GeminiService) GenerateStill(ctx context.Context, prompt string, ref *ReferenceInput, aspectRatio string) ([]byte, error) {
	if aspectRatio == "" {
		aspectRatio = "9:16"
	}

	parts := []geminiPart{{Text: composeStillPrompt(prompt, ref, aspectRatio)}}
	if ref != nil && len(ref.Data) > 0 {
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MimeType: ref.MimeType,
				Data:     base64.StdEncoding.EncodeToString(ref.Data),
			},
		})
	}

	reqBody := geminiGenerateContentRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: parts},
		},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig: &geminiImageConfig{
				AspectRatio: aspectRatio,
				ImageSize:   "4K",
			},
		},
	}

	return s.doGenerateContent(ctx, reqBody)
}

// SwapGarment re-renders the scene image with the subject wearing the
// garment shown in the garment image. Everything else about the scene must
// stay untouched, which the instruction text spells out for the model.
func (s *GeminiService) SwapGarment(ctx context.Context, sceneImage []byte, sceneMime string, garmentImage []byte, garmentMime, instructions string) ([]byte, error) {
	prompt := "Edit the FIRST image: replace the clothing of the main subject with the garment shown in the SECOND image. " +
		"Preserve the subject's identity, pose, face, lighting, background, and composition exactly. Change nothing but the clothing."
	if instructions != "" {
		prompt += "\n\nAdditional instructions:\n" + instructions
	}

	reqBody := geminiGenerateContentRequest{
		Contents: []geminiContent{
			{
				Role: "user",
				Parts: []geminiPart{
					{Text: prompt},
					{InlineData: &geminiInlineData{
						MimeType: sceneMime,
						Data:     base64.StdEncoding.EncodeToString(sceneImage),
					}},
					{InlineData: &geminiInlineData{
						MimeType: garmentMime,
						Data:     base64.StdEncoding.EncodeToString(garmentImage),
					}},
				},
			},
		},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}

	return s.doGenerateContent(ctx, reqBody)
}

func (s *GeminiService) doGenerateContent(ctx context.Context, reqBody geminiGenerateContentRequest) ([]byte, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", geminiImageModel, s.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var geminiResp geminiGenerateContentResponse
	if err := json.Unmarshal(bodyBytes, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	var textParts []string
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			imageData, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 image: %w", err)
			}
			return imageData, nil
		}
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}

	if len(textParts) > 0 {
		preview := textParts[0]
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, fmt.Errorf("gemini returned text instead of image: %s", preview)
	}
	return nil, fmt.Errorf("no image data found in response (%d parts, none with inlineData)", len(geminiResp.Candidates[0].Content.Parts))
}

func composeStillPrompt(basePrompt string, ref *ReferenceInput, aspectRatio string) string {
	var prompt bytes.Buffer

	if ref != nil && len(ref.Data) > 0 {
		prompt.WriteString("SUBJECT REFERENCE: Use the attached reference image for the subject's appearance. Keep the face, hair, and build consistent with the reference. Do NOT copy the reference's background or composition.\n\n")
		if ref.Description != "" {
			prompt.WriteString("About the reference subject: ")
			prompt.WriteString(ref.Description)
			prompt.WriteString("\n\n")
		}
	}

	prompt.WriteString("SCENE TO DEPICT:\n")
	prompt.WriteString(basePrompt)

	orientLabel := "Portrait"
	switch aspectRatio {
	case "16:9":
		orientLabel = "Landscape"
	case "1:1":
		orientLabel = "Square"
	}
	prompt.WriteString(fmt.Sprintf("\n\nOutput: %s %s, highest quality 4K.", orientLabel, aspectRatio))

	return prompt.String()
}

// Package planner turns project context into one text-generation request and
// parses the structured reply into an ordered scene list.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/models"
)

// ErrNoScenes marks an empty or unparseable reply. It is distinct from a
// legitimately empty scene list, which is a valid downstream state.
var ErrNoScenes = errors.New("reply contained no scenes")

// ChatCompleter is the external text-generation collaborator. Implemented by
// services.OpenAIService.
type ChatCompleter interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Speaker carries voice metadata included in the generation request.
type Speaker struct {
	Name    string
	VoiceID string
}

// Request is the project context gathered into a single generation request.
type Request struct {
	Narrative      string
	Speakers       []Speaker
	References     []models.ReferenceImage
	TranscriptPath string

	// BaseStartTime is the first scene's start time; subsequent start times
	// are chained from the previous scene's end time regardless of what the
	// reply claims.
	BaseStartTime float64
}

type Planner struct {
	llm ChatCompleter
}

func New(llm ChatCompleter) *Planner {
	return &Planner{llm: llm}
}

// sceneDescriptor mirrors the structured payload embedded in the reply.
type sceneDescriptor struct {
	SceneIndex          int     `json:"sceneIndex"`
	EndTimeSeconds      float64 `json:"endTimeSeconds"`
	ImagePrompt         string  `json:"imagePrompt"`
	ShowSubject         bool    `json:"showSubject"`
	ReferenceImageIndex int     `json:"referenceImageIndex"`
}

// BuildSceneList sends one request to the text-generation collaborator and
// parses its free-form reply into an ordered scene list. The reply is
// expected to contain a JSON array, possibly wrapped in prose or code fences.
func (p *Planner) BuildSceneList(ctx context.Context, req Request) ([]models.Scene, error) {
	raw, err := p.llm.Complete(ctx, buildSystemPrompt(req), buildUserPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("scene structure request failed: %w", err)
	}

	descriptors, err := parseSceneDescriptors(raw)
	if err != nil {
		return nil, err
	}

	scenes := make([]models.Scene, 0, len(descriptors))
	cursor := req.BaseStartTime
	for i, d := range descriptors {
		scene := models.Scene{
			ID:               uuid.New(),
			Index:            i,
			StartTime:        cursor,
			EndTime:          d.EndTimeSeconds,
			GenerationPrompt: strings.TrimSpace(d.ImagePrompt),
			ShowSubject:      d.ShowSubject,
		}

		// End times must be monotonically non-decreasing; a reply that walks
		// backwards gets clamped so the contiguity invariant holds.
		if scene.EndTime < cursor {
			log.Printf("[Planner] scene %d end time %.2f precedes start %.2f, clamping", i, scene.EndTime, cursor)
			scene.EndTime = cursor
		}

		// Reference indices are 1-based into the caller-supplied list;
		// out-of-range indices are ignored, not errors.
		if d.ReferenceImageIndex >= 1 && d.ReferenceImageIndex <= len(req.References) {
			ref := req.References[d.ReferenceImageIndex-1]
			scene.ReferenceAssetPath = models.StrPtr(ref.Path)
			scene.ReferenceDescription = models.StrPtr(ref.Description)
		}

		cursor = scene.EndTime
		scenes = append(scenes, scene)
	}

	log.Printf("[Planner] built %d scenes spanning %.1fs", len(scenes), cursor-req.BaseStartTime)
	return scenes, nil
}

// parseSceneDescriptors defensively extracts and decodes the structured
// payload from a free-form reply.
func parseSceneDescriptors(raw string) ([]sceneDescriptor, error) {
	payload := ExtractStructuredPayload(raw)
	if payload == "" {
		logRawReply(raw)
		return nil, fmt.Errorf("%w: no structured payload found", ErrNoScenes)
	}

	var descriptors []sceneDescriptor
	if err := json.Unmarshal([]byte(payload), &descriptors); err != nil {
		// Some replies wrap the array in an object; retry against common keys.
		var wrapper map[string]json.RawMessage
		if werr := json.Unmarshal([]byte(payload), &wrapper); werr == nil {
			for _, key := range []string{"scenes", "sceneList", "segments"} {
				if inner, ok := wrapper[key]; ok {
					if ierr := json.Unmarshal(inner, &descriptors); ierr == nil {
						err = nil
						break
					}
				}
			}
		}
		if err != nil {
			logRawReply(raw)
			return nil, fmt.Errorf("%w: %v", ErrNoScenes, err)
		}
	}

	if len(descriptors) == 0 {
		logRawReply(raw)
		return nil, ErrNoScenes
	}
	return descriptors, nil
}

// ExtractStructuredPayload strips code-fence markers and returns the text
// from the first structural bracket/brace through the last matching closer.
// Returns "" when no plausible payload exists.
func ExtractStructuredPayload(raw string) string {
	s := raw

	// Strip ``` fences, including a language tag like ```json.
	for {
		start := strings.Index(s, "```")
		if start < 0 {
			break
		}
		rest := s[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && len(strings.TrimSpace(rest[:nl])) <= 8 {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			s = rest
			break
		}
		s = rest[:end]
		break
	}

	openIdx := strings.IndexAny(s, "[{")
	if openIdx < 0 {
		return ""
	}

	open := s[openIdx]
	closing := byte(']')
	if open == '{' {
		closing = '}'
	}

	closeIdx := strings.LastIndexByte(s, closing)
	if closeIdx <= openIdx {
		return ""
	}

	return s[openIdx : closeIdx+1]
}

const maxLogLen = 2000

func logRawReply(raw string) {
	if len(raw) > maxLogLen {
		log.Printf("[Planner] raw reply (truncated): %s...", raw[:maxLogLen])
	} else {
		log.Printf("[Planner] raw reply: %s", raw)
	}
}

func buildSystemPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString(`You are a video script segmenter. Split the supplied narrative into a sequence of visual scenes timed against the narration.

Respond with a JSON array of objects, one per scene, with exactly these fields:
- sceneIndex: zero-based position
- endTimeSeconds: where this scene ends on the narration timeline
- imagePrompt: a complete visual description of the scene (subject, setting, lighting, framing)
- showSubject: true when the main subject should appear in frame
- referenceImageIndex: 1-based index into the reference image list below, or 0 when no reference applies

Scene end times must be increasing. Keep scenes between 2 and 8 seconds.
Return only the JSON array.`)

	if len(req.References) > 0 {
		sb.WriteString("\n\nReference images:\n")
		for i, ref := range req.References {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, ref.Description))
		}
	}

	if len(req.Speakers) > 0 {
		sb.WriteString("\nSpeakers:\n")
		for _, sp := range req.Speakers {
			sb.WriteString(fmt.Sprintf("- %s (voice %s)\n", sp.Name, sp.VoiceID))
		}
	}

	return sb.String()
}

func buildUserPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString("Narrative:\n")
	sb.WriteString(req.Narrative)

	if req.TranscriptPath != "" {
		sb.WriteString(fmt.Sprintf("\n\nTimed transcript artifact: %s", req.TranscriptPath))
	}

	return sb.String()
}

package models

import (
	"github.com/google/uuid"
)

// JobKind identifies one category of background asset-generation work.
type JobKind string

const (
	JobKindImage       JobKind = "image"
	JobKindGarmentSwap JobKind = "garment_swap"
	JobKindMotion      JobKind = "motion"
	JobKindPreview     JobKind = "preview"
)

// AttemptCounters tracks how many times each job kind has been attempted for
// a scene. The core never retries on its own; callers use these counts for
// their own retry/backoff policy.
type AttemptCounters struct {
	Image       int `json:"image"`
	GarmentSwap int `json:"garment_swap"`
	Motion      int `json:"motion"`
	Preview     int `json:"preview"`
}

// Get returns the counter for the given job kind.
func (a AttemptCounters) Get(kind JobKind) int {
	switch kind {
	case JobKindImage:
		return a.Image
	case JobKindGarmentSwap:
		return a.GarmentSwap
	case JobKindMotion:
		return a.Motion
	case JobKindPreview:
		return a.Preview
	}
	return 0
}

// Bump returns the counters with the given job kind incremented.
func (a AttemptCounters) Bump(kind JobKind) AttemptCounters {
	switch kind {
	case JobKindImage:
		a.Image++
	case JobKindGarmentSwap:
		a.GarmentSwap++
	case JobKindMotion:
		a.Motion++
	case JobKindPreview:
		a.Preview++
	}
	return a
}

// Scene is one time-bounded segment of the final video.
//
// The ordered scene list is contiguous: scene[i].EndTime == scene[i+1].StartTime
// for all adjacent pairs, and list order is render order.
type Scene struct {
	ID        uuid.UUID `json:"id"`
	Index     int       `json:"index"`
	StartTime float64   `json:"start_time"` // seconds
	EndTime   float64   `json:"end_time"`   // seconds

	// Optional reference imagery supplied by the caller.
	ReferenceAssetPath   *string `json:"reference_asset_path,omitempty"`
	ReferenceDescription *string `json:"reference_description,omitempty"`

	// GenerationPrompt describes the desired generated visual for this scene.
	GenerationPrompt string `json:"generation_prompt"`

	// GeneratedAssetPath is set only after a generation job reports success.
	// It points at either a still image or a motion clip.
	GeneratedAssetPath *string `json:"generated_asset_path,omitempty"`

	// ThumbnailPath is a poster frame for a motion clip, or identical to
	// GeneratedAssetPath for a still.
	ThumbnailPath *string `json:"thumbnail_path,omitempty"`

	// PreviewPath is a short low-cost render of this scene alone.
	PreviewPath *string `json:"preview_path,omitempty"`

	// PreviewQueuePosition is the scene's position in the bounded preview
	// queue, for UI feedback. Nil when not queued.
	PreviewQueuePosition *int `json:"preview_queue_position,omitempty"`

	// Busy flags. At most one is *expected* true at a time, but the model
	// does not enforce exclusivity; readers must treat "busy" as "any flag
	// true".
	IsGeneratingImage  bool `json:"is_generating_image"`
	IsSwappingGarment  bool `json:"is_swapping_garment"`
	IsGeneratingMotion bool `json:"is_generating_motion"`

	Attempts         AttemptCounters `json:"attempts"`
	LastErrorMessage *string         `json:"last_error_message,omitempty"`

	// ShowSubject is a hint consumed by generation prompts, not by the
	// composer.
	ShowSubject bool `json:"show_subject"`
}

// Busy reports whether any background generation flag is set.
func (s Scene) Busy() bool {
	return s.IsGeneratingImage || s.IsSwappingGarment || s.IsGeneratingMotion
}

// BusyFor reports whether the busy flag matching the given job kind is set.
// Preview jobs have no scene-level flag; their activity lives in the
// dispatcher.
func (s Scene) BusyFor(kind JobKind) bool {
	switch kind {
	case JobKindImage:
		return s.IsGeneratingImage
	case JobKindGarmentSwap:
		return s.IsSwappingGarment
	case JobKindMotion:
		return s.IsGeneratingMotion
	}
	return false
}

// SetBusy returns the scene with the flag matching kind raised or lowered.
func (s Scene) SetBusy(kind JobKind, busy bool) Scene {
	switch kind {
	case JobKindImage:
		s.IsGeneratingImage = busy
	case JobKindGarmentSwap:
		s.IsSwappingGarment = busy
	case JobKindMotion:
		s.IsGeneratingMotion = busy
	}
	return s
}

// ClearBusy returns the scene with every busy flag lowered.
func (s Scene) ClearBusy() Scene {
	s.IsGeneratingImage = false
	s.IsSwappingGarment = false
	s.IsGeneratingMotion = false
	return s
}

// Duration returns the scene's authored duration in seconds.
func (s Scene) Duration() float64 {
	return s.EndTime - s.StartTime
}

// ReferenceImage is a caller-supplied reference image descriptor handed to
// the generation-request builder. Scene descriptors refer to these by
// 1-based index.
type ReferenceImage struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

// Pointer helpers for optional fields.

func StrPtr(s string) *string {
	return &s
}

func IntPtr(i int) *int {
	return &i
}

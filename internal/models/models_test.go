package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestJobKinds(t *testing.T) {
	kinds := []JobKind{
		JobKindImage,
		JobKindGarmentSwap,
		JobKindMotion,
		JobKindPreview,
	}

	for _, kind := range kinds {
		if kind == "" {
			t.Errorf("empty job kind found")
		}
	}
}

func TestAttemptCountersBump(t *testing.T) {
	var a AttemptCounters

	a = a.Bump(JobKindImage)
	a = a.Bump(JobKindImage)
	a = a.Bump(JobKindMotion)

	if got := a.Get(JobKindImage); got != 2 {
		t.Errorf("expected 2 image attempts, got %d", got)
	}
	if got := a.Get(JobKindMotion); got != 1 {
		t.Errorf("expected 1 motion attempt, got %d", got)
	}
	if got := a.Get(JobKindGarmentSwap); got != 0 {
		t.Errorf("expected 0 garment swap attempts, got %d", got)
	}
}

func TestBusyFlagsIndependent(t *testing.T) {
	// The model deliberately does not enforce exclusivity between busy flags;
	// readers treat "busy" as "any flag true".
	s := Scene{ID: uuid.New()}

	if s.Busy() {
		t.Fatal("fresh scene should not be busy")
	}

	s = s.SetBusy(JobKindImage, true)
	s = s.SetBusy(JobKindMotion, true)

	if !s.IsGeneratingImage || !s.IsGeneratingMotion {
		t.Fatal("both flags should be representable at once")
	}
	if !s.Busy() {
		t.Fatal("scene with flags set should be busy")
	}
	if !s.BusyFor(JobKindImage) || !s.BusyFor(JobKindMotion) {
		t.Fatal("BusyFor should see both flags")
	}
	if s.BusyFor(JobKindGarmentSwap) {
		t.Fatal("garment swap flag should be false")
	}

	s = s.ClearBusy()
	if s.Busy() {
		t.Fatal("ClearBusy should lower every flag")
	}
}

func TestSceneRoundTrip(t *testing.T) {
	s := Scene{
		ID:                 uuid.New(),
		Index:              3,
		StartTime:          12.5,
		EndTime:            17.0,
		GenerationPrompt:   "a quiet harbor at dawn",
		GeneratedAssetPath: StrPtr("/assets/scene_3.png"),
		Attempts:           AttemptCounters{Image: 2},
		ShowSubject:        true,
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("failed to marshal scene: %v", err)
	}

	var back Scene
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("failed to unmarshal scene: %v", err)
	}

	if back.ID != s.ID || back.Index != 3 || back.EndTime != 17.0 {
		t.Errorf("round trip lost fields: %+v", back)
	}
	if back.GeneratedAssetPath == nil || *back.GeneratedAssetPath != "/assets/scene_3.png" {
		t.Errorf("round trip lost generated asset path")
	}
	if back.Attempts.Image != 2 {
		t.Errorf("round trip lost attempt counters")
	}
	if d := back.Duration(); d != 4.5 {
		t.Errorf("expected duration 4.5, got %v", d)
	}
}

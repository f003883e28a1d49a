package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/patrin/sceneforge/internal/models"
)

type stubLLM struct {
	reply string
	err   error
}

func (s *stubLLM) Complete(_ context.Context, _, _ string) (string, error) {
	return s.reply, s.err
}

const fencedReply = "Here is the breakdown you asked for:\n\n```json\n[\n" +
	`  {"sceneIndex": 0, "endTimeSeconds": 3.5, "imagePrompt": "harbor at dawn", "showSubject": true, "referenceImageIndex": 1},` + "\n" +
	`  {"sceneIndex": 1, "endTimeSeconds": 8.0, "imagePrompt": "fishing boats", "showSubject": false, "referenceImageIndex": 0},` + "\n" +
	`  {"sceneIndex": 2, "endTimeSeconds": 11.0, "imagePrompt": "gulls overhead", "showSubject": false, "referenceImageIndex": 9}` + "\n" +
	"]\n```\nLet me know if you need changes."

func TestBuildSceneListChainsTimeline(t *testing.T) {
	p := New(&stubLLM{reply: fencedReply})

	scenes, err := p.BuildSceneList(context.Background(), Request{
		Narrative:     "a story about a harbor",
		BaseStartTime: 0,
		References: []models.ReferenceImage{
			{Path: "/refs/harbor.jpg", Description: "the harbor"},
		},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(scenes) != 3 {
		t.Fatalf("expected 3 scenes, got %d", len(scenes))
	}

	// scene[i].EndTime == scene[i+1].StartTime for all adjacent pairs.
	for i := 0; i < len(scenes)-1; i++ {
		if scenes[i].EndTime != scenes[i+1].StartTime {
			t.Errorf("gap between scene %d and %d: %.2f != %.2f",
				i, i+1, scenes[i].EndTime, scenes[i+1].StartTime)
		}
	}

	if scenes[0].StartTime != 0 {
		t.Errorf("first scene should start at the base start time")
	}
	if scenes[2].EndTime != 11.0 {
		t.Errorf("expected final end time 11.0, got %.2f", scenes[2].EndTime)
	}
}

func TestBuildSceneListBaseStartTime(t *testing.T) {
	p := New(&stubLLM{reply: `[{"sceneIndex":0,"endTimeSeconds":9.0,"imagePrompt":"x","showSubject":false,"referenceImageIndex":0}]`})

	scenes, err := p.BuildSceneList(context.Background(), Request{BaseStartTime: 5.0})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if scenes[0].StartTime != 5.0 {
		t.Errorf("expected caller-supplied start 5.0, got %.2f", scenes[0].StartTime)
	}
}

func TestReferenceResolution(t *testing.T) {
	p := New(&stubLLM{reply: fencedReply})

	scenes, err := p.BuildSceneList(context.Background(), Request{
		References: []models.ReferenceImage{
			{Path: "/refs/harbor.jpg", Description: "the harbor"},
		},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	// Index 1 resolves to the first reference (1-based).
	if scenes[0].ReferenceAssetPath == nil || *scenes[0].ReferenceAssetPath != "/refs/harbor.jpg" {
		t.Errorf("scene 0 should carry the resolved reference")
	}
	// Index 0 means "no reference".
	if scenes[1].ReferenceAssetPath != nil {
		t.Errorf("scene 1 should have no reference")
	}
	// Out-of-range indices are ignored, not errors.
	if scenes[2].ReferenceAssetPath != nil {
		t.Errorf("out-of-range reference index should be ignored")
	}
}

func TestEmptyReplyIsDistinguishedError(t *testing.T) {
	cases := map[string]string{
		"no payload":  "Sorry, I cannot help with that.",
		"empty array": "```json\n[]\n```",
		"not json":    "[this is not json]",
	}

	for name, reply := range cases {
		p := New(&stubLLM{reply: reply})
		_, err := p.BuildSceneList(context.Background(), Request{})
		if !errors.Is(err, ErrNoScenes) {
			t.Errorf("%s: expected ErrNoScenes, got %v", name, err)
		}
	}
}

func TestCollaboratorFailurePropagates(t *testing.T) {
	boom := errors.New("network down")
	p := New(&stubLLM{err: boom})

	_, err := p.BuildSceneList(context.Background(), Request{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped collaborator error, got %v", err)
	}
	if errors.Is(err, ErrNoScenes) {
		t.Fatal("collaborator failure must not masquerade as an empty reply")
	}
}

func TestWrappedObjectPayload(t *testing.T) {
	reply := `{"scenes":[{"sceneIndex":0,"endTimeSeconds":4,"imagePrompt":"a door","showSubject":true,"referenceImageIndex":0}]}`
	p := New(&stubLLM{reply: reply})

	scenes, err := p.BuildSceneList(context.Background(), Request{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(scenes) != 1 || scenes[0].GenerationPrompt != "a door" {
		t.Fatalf("unexpected scenes: %+v", scenes)
	}
}

func TestNonMonotonicEndTimesClamped(t *testing.T) {
	reply := `[
		{"sceneIndex":0,"endTimeSeconds":6,"imagePrompt":"a","showSubject":false,"referenceImageIndex":0},
		{"sceneIndex":1,"endTimeSeconds":4,"imagePrompt":"b","showSubject":false,"referenceImageIndex":0}
	]`
	p := New(&stubLLM{reply: reply})

	scenes, err := p.BuildSceneList(context.Background(), Request{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if scenes[1].StartTime != 6 || scenes[1].EndTime != 6 {
		t.Errorf("backwards end time should clamp to the running cursor, got start=%.1f end=%.1f",
			scenes[1].StartTime, scenes[1].EndTime)
	}
}

func TestExtractStructuredPayload(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare array", `[1,2]`, `[1,2]`},
		{"fenced", "```json\n[1,2]\n```", "[1,2]"},
		{"prose around", "sure thing [1,2] hope that helps", "[1,2]"},
		{"object", `note {"a":1} end`, `{"a":1}`},
		{"nothing", "no data here", ""},
	}

	for _, tc := range cases {
		if got := ExtractStructuredPayload(tc.in); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

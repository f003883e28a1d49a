package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/dispatch"
	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/orchestrator"
	"github.com/patrin/sceneforge/internal/planner"
	"github.com/patrin/sceneforge/internal/queue"
	"github.com/patrin/sceneforge/internal/store"
)

type nopPersister struct{}

func (nopPersister) LoadSceneList(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	return nil, nil
}

func (nopPersister) SaveSceneList(ctx context.Context, projectID uuid.UUID, scenes []models.Scene) error {
	return nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (r *recordingQueue) Enqueue(ctx context.Context, queueName string, job *queue.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingQueue) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type stubBuilder struct {
	scenes []models.Scene
}

func (b *stubBuilder) BuildSceneList(ctx context.Context, req planner.Request) ([]models.Scene, error) {
	return b.scenes, nil
}

type approveAll struct{}

func (approveAll) Authorize(ctx context.Context, units int) error { return nil }

type testEnv struct {
	store  *store.Store
	disp   *dispatch.Dispatcher
	queue  *recordingQueue
	server *httptest.Server
}

func newTestEnv(t *testing.T, builderScenes []models.Scene, cfg RouterConfig) *testEnv {
	t.Helper()

	st := store.New(uuid.New(), nopPersister{})
	rq := &recordingQueue{}
	d := dispatch.New(rq)
	orch := orchestrator.New(&stubBuilder{scenes: builderScenes}, st, d, approveAll{}, orchestrator.Options{
		PerAssetCost: 10,
	})

	h := NewHandler(st, d, orch, nil, nil, RenderSettings{
		Width: 1080, Height: 1920, FPS: 30, TransitionOverlap: 0.2, AssetDir: t.TempDir(),
	})
	srv := httptest.NewServer(NewRouter(h, cfg))
	t.Cleanup(srv.Close)

	return &testEnv{store: st, disp: d, queue: rq, server: srv}
}

func doJSON(t *testing.T, method, url string, body interface{}, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, nil, RouterConfig{BackendAPIKey: "secret"})

	resp := doJSON(t, "GET", env.server.URL+"/health", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health returned %d, want 200", resp.StatusCode)
	}
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	env := newTestEnv(t, nil, RouterConfig{BackendAPIKey: "secret"})

	resp := doJSON(t, "GET", env.server.URL+"/v1/scenes", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key returned %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, "GET", env.server.URL+"/v1/scenes", nil, map[string]string{"X-API-Key": "wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong key returned %d, want 403", resp.StatusCode)
	}

	resp = doJSON(t, "GET", env.server.URL+"/v1/scenes", nil, map[string]string{"X-API-Key": "secret"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid key returned %d, want 200", resp.StatusCode)
	}
}

func TestSceneReadAndUpdate(t *testing.T) {
	env := newTestEnv(t, nil, RouterConfig{})
	sc := models.Scene{ID: uuid.New(), Index: 0, EndTime: 3, GenerationPrompt: "a quiet harbor"}
	if err := env.store.ReplaceAll(context.Background(), []models.Scene{sc}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	resp := doJSON(t, "GET", env.server.URL+"/v1/scenes/"+sc.ID.String(), nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET scene returned %d", resp.StatusCode)
	}

	resp = doJSON(t, "PATCH", env.server.URL+"/v1/scenes/"+sc.ID.String(),
		map[string]string{"generation_prompt": "a stormy harbor"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PATCH scene returned %d", resp.StatusCode)
	}

	got, err := env.store.Scene(sc.ID)
	if err != nil {
		t.Fatalf("Scene lookup failed: %v", err)
	}
	if got.GenerationPrompt != "a stormy harbor" {
		t.Errorf("prompt = %q after update", got.GenerationPrompt)
	}
}

func TestUnknownSceneReturns404(t *testing.T) {
	env := newTestEnv(t, nil, RouterConfig{})

	resp := doJSON(t, "GET", env.server.URL+"/v1/scenes/"+uuid.NewString(), nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown scene returned %d, want 404", resp.StatusCode)
	}
}

func TestEnqueueImageUsesScenePrompt(t *testing.T) {
	env := newTestEnv(t, nil, RouterConfig{})
	sc := models.Scene{ID: uuid.New(), Index: 0, EndTime: 3, GenerationPrompt: "a quiet harbor"}
	if err := env.store.ReplaceAll(context.Background(), []models.Scene{sc}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	resp := doJSON(t, "POST", env.server.URL+"/v1/scenes/"+sc.ID.String()+"/image", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue image returned %d, want 202", resp.StatusCode)
	}
	if env.queue.count() != 1 {
		t.Fatalf("queued %d jobs, want 1", env.queue.count())
	}
	job := env.queue.jobs[0]
	if job.Kind != models.JobKindImage || job.SceneID != sc.ID {
		t.Errorf("unexpected job %+v", job)
	}
	if job.Params["prompt"] != "a quiet harbor" {
		t.Errorf("job prompt = %v, want scene prompt", job.Params["prompt"])
	}
}

func TestGarmentSwapRequiresGarmentPath(t *testing.T) {
	env := newTestEnv(t, nil, RouterConfig{})
	sc := models.Scene{ID: uuid.New(), Index: 0, EndTime: 3}
	if err := env.store.ReplaceAll(context.Background(), []models.Scene{sc}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	resp := doJSON(t, "POST", env.server.URL+"/v1/scenes/"+sc.ID.String()+"/garment-swap",
		map[string]string{}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing garment path returned %d, want 400", resp.StatusCode)
	}
}

func TestStructureFlowThroughCostGate(t *testing.T) {
	scenes := []models.Scene{
		{ID: uuid.New(), Index: 0, EndTime: 3, GenerationPrompt: "scene one"},
		{ID: uuid.New(), Index: 1, StartTime: 3, EndTime: 6, GenerationPrompt: "scene two"},
	}
	env := newTestEnv(t, scenes, RouterConfig{})

	resp := doJSON(t, "POST", env.server.URL+"/v1/scenes/structure",
		map[string]string{"narrative": "two scenes about the sea"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("structure returned %d, want 202", resp.StatusCode)
	}

	waitForState(t, env, string(orchestrator.StateAwaitingCostConfirmation))

	resp = doJSON(t, "POST", env.server.URL+"/v1/scenes/structure/confirm", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm returned %d, want 200", resp.StatusCode)
	}
	if env.queue.count() != 2 {
		t.Errorf("confirm queued %d jobs, want 2", env.queue.count())
	}
}

func TestConfirmWithoutPendingBatchConflicts(t *testing.T) {
	env := newTestEnv(t, nil, RouterConfig{})

	resp := doJSON(t, "POST", env.server.URL+"/v1/scenes/structure/confirm", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("confirm from idle returned %d, want 409", resp.StatusCode)
	}
}

func waitForState(t *testing.T, env *testEnv, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := doJSON(t, "GET", env.server.URL+"/v1/scenes/structure", nil, nil)
		var status struct {
			State string `json:"state"`
		}
		err := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if status.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %q", want)
}


package worker

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/dispatch"
	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/store"
)

type nopPersister struct{}

func (nopPersister) LoadSceneList(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	return nil, nil
}

func (nopPersister) SaveSceneList(ctx context.Context, projectID uuid.UUID, scenes []models.Scene) error {
	return nil
}

type fakeActivity struct {
	active map[dispatch.Tag]bool
}

func (f *fakeActivity) IsActive(tag dispatch.Tag) bool {
	return f.active[tag]
}

func TestReconcileClearsOrphanedFlags(t *testing.T) {
	ctx := context.Background()
	st := store.New(uuid.New(), nopPersister{})

	orphan := models.Scene{ID: uuid.New(), Index: 0, EndTime: 2, IsGeneratingImage: true}
	orphan.Attempts = orphan.Attempts.Bump(models.JobKindImage)
	backed := models.Scene{ID: uuid.New(), Index: 1, StartTime: 2, EndTime: 4, IsGeneratingMotion: true}

	if err := st.ReplaceAll(ctx, []models.Scene{orphan, backed}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	activity := &fakeActivity{active: map[dispatch.Tag]bool{
		{SceneID: backed.ID, Kind: models.JobKindMotion}: true,
	}}

	if cleared := Reconcile(ctx, st, activity); cleared != 1 {
		t.Fatalf("Reconcile cleared %d flags, want 1", cleared)
	}

	got, err := st.Scene(orphan.ID)
	if err != nil {
		t.Fatalf("Scene lookup failed: %v", err)
	}
	if got.IsGeneratingImage {
		t.Error("orphaned image flag was not cleared")
	}
	if got.Attempts.Get(models.JobKindImage) != 1 {
		t.Errorf("attempt counter changed during reconciliation: %d", got.Attempts.Get(models.JobKindImage))
	}

	live, err := st.Scene(backed.ID)
	if err != nil {
		t.Fatalf("Scene lookup failed: %v", err)
	}
	if !live.IsGeneratingMotion {
		t.Error("flag backed by a live job was cleared")
	}
}

func TestReconcileIdleListIsNoop(t *testing.T) {
	ctx := context.Background()
	st := store.New(uuid.New(), nopPersister{})
	if err := st.ReplaceAll(ctx, []models.Scene{{ID: uuid.New(), EndTime: 2}}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	if cleared := Reconcile(ctx, st, &fakeActivity{active: map[dispatch.Tag]bool{}}); cleared != 0 {
		t.Errorf("Reconcile cleared %d flags on an idle list, want 0", cleared)
	}
}

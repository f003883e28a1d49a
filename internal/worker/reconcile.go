package worker

import (
	"context"
	"log"

	"github.com/patrin/sceneforge/internal/dispatch"
	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/store"
)

// JobActivity is the dispatcher view reconciliation needs.
type JobActivity interface {
	IsActive(tag dispatch.Tag) bool
}

// Reconcile clears busy flags that no live job backs. Run at startup:
// a crash between raising a flag and finishing the job would otherwise
// leave the scene stuck busy forever. Attempt counters are left untouched.
func Reconcile(ctx context.Context, st *store.Store, activity JobActivity) int {
	cleared := 0
	for _, sc := range st.Scenes() {
		for _, kind := range []models.JobKind{
			models.JobKindImage, models.JobKindGarmentSwap, models.JobKindMotion,
		} {
			if !sc.BusyFor(kind) {
				continue
			}
			tag := dispatch.Tag{SceneID: sc.ID, Kind: kind}
			if activity.IsActive(tag) {
				continue
			}
			if err := st.Update(ctx, sc.ID, func(s models.Scene) models.Scene {
				return s.SetBusy(kind, false)
			}); err != nil {
				log.Printf("[Reconcile] failed to clear %s flag on scene %s: %v", kind, sc.ID, err)
				continue
			}
			log.Printf("[Reconcile] cleared orphaned %s flag on scene %s", kind, sc.ID)
			cleared++
		}
	}
	return cleared
}

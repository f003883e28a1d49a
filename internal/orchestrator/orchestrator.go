// Package orchestrator drives the "build scene list → estimate cost →
// get authorization → enqueue per-scene generation jobs" workflow as an
// explicit state machine.
//
// Computing the cost and spending it are deliberately separate steps, so a
// caller can put a human confirmation between them without re-running the
// expensive, non-idempotent structure generation call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/dispatch"
	"github.com/patrin/sceneforge/internal/models"
	"github.com/patrin/sceneforge/internal/planner"
	"github.com/patrin/sceneforge/internal/store"
)

type State string

const (
	StateIdle                     State = "idle"
	StateAwaitingCostConfirmation State = "awaiting_cost_confirmation"
	StateFinished                 State = "finished"
	StateError                    State = "error"
)

// ErrInvalidState is returned when an operation is called from a state it is
// not valid in.
var ErrInvalidState = errors.New("operation not valid in current state")

// SceneListBuilder is the generation-request builder. Implemented by
// *planner.Planner.
type SceneListBuilder interface {
	BuildSceneList(ctx context.Context, req planner.Request) ([]models.Scene, error)
}

// Authorizer is the external authorization/cost collaborator. A nil error
// means the spend is approved; a non-nil error carries the denial reason.
type Authorizer interface {
	Authorize(ctx context.Context, units int) error
}

// BatchDispatcher enqueues the per-scene generation jobs. Implemented by
// *dispatch.Dispatcher.
type BatchDispatcher interface {
	EnqueueImageGeneration(ctx context.Context, sceneID uuid.UUID, params dispatch.ImageParams) error
}

type Orchestrator struct {
	builder    SceneListBuilder
	store      *store.Store
	dispatcher BatchDispatcher
	authorizer Authorizer

	perAssetCost int
	submitDelay  time.Duration // courtesy gap between batch submissions

	mu         sync.Mutex
	state      State
	batch      []models.Scene // candidate subset held across the cost gate
	cost       int
	lastError  string
	genCancel  context.CancelFunc
	confirming bool // a taken batch is mid-submission
}

type Options struct {
	PerAssetCost int
	SubmitDelay  time.Duration
}

func New(builder SceneListBuilder, st *store.Store, d BatchDispatcher, auth Authorizer, opts Options) *Orchestrator {
	return &Orchestrator{
		builder:      builder,
		store:        st,
		dispatcher:   d,
		authorizer:   auth,
		perAssetCost: opts.PerAssetCost,
		submitDelay:  opts.SubmitDelay,
		state:        StateIdle,
	}
}

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// PendingCost returns the held batch size and cost while awaiting
// confirmation.
func (o *Orchestrator) PendingCost() (count, cost int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.batch), o.cost
}

// LastError returns the failure reason carried by the Error state.
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

// GenerateFullSceneStructure builds a fresh scene list, replaces the store
// contents wholesale, and runs the cost gate over the scenes that still need
// a generated asset.
func (o *Orchestrator) GenerateFullSceneStructure(ctx context.Context, req planner.Request) error {
	o.mu.Lock()
	if o.state == StateAwaitingCostConfirmation || o.genCancel != nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: generation already pending (state %s)", ErrInvalidState, o.state)
	}
	genCtx, cancel := context.WithCancel(ctx)
	o.genCancel = cancel
	o.state = StateIdle
	o.batch = nil
	o.cost = 0
	o.lastError = ""
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.genCancel = nil
		o.mu.Unlock()
	}()

	scenes, err := o.builder.BuildSceneList(genCtx, req)
	if err != nil {
		if genCtx.Err() != nil {
			// Cancelled in flight: stay Idle, surface the cancellation.
			o.setState(StateIdle, "")
			return fmt.Errorf("structure generation cancelled: %w", genCtx.Err())
		}
		o.setState(StateError, err.Error())
		return fmt.Errorf("failed to build scene list: %w", err)
	}

	if err := o.store.ReplaceAll(genCtx, scenes); err != nil {
		if genCtx.Err() != nil {
			o.setState(StateIdle, "")
			return fmt.Errorf("structure generation cancelled: %w", genCtx.Err())
		}
		o.setState(StateError, err.Error())
		return fmt.Errorf("failed to replace scene list: %w", err)
	}

	// Scenes that both have a prompt and lack a generated asset are the
	// spend candidates.
	var candidates []models.Scene
	for _, sc := range scenes {
		if sc.GenerationPrompt != "" && sc.GeneratedAssetPath == nil {
			candidates = append(candidates, sc)
		}
	}

	if len(candidates) == 0 {
		log.Printf("[Orchestrator] no scenes need generation, finishing")
		o.setState(StateFinished, "")
		return nil
	}

	cost := o.perAssetCost * len(candidates)
	log.Printf("[Orchestrator] requesting authorization for %d scenes (%d units)", len(candidates), cost)

	if err := o.authorizer.Authorize(genCtx, cost); err != nil {
		// Cancellation can land anywhere in this call chain; a cancelled run
		// always returns to Idle, never Error.
		if genCtx.Err() != nil {
			o.setState(StateIdle, "")
			return fmt.Errorf("structure generation cancelled: %w", genCtx.Err())
		}
		o.setState(StateError, err.Error())
		return fmt.Errorf("authorization denied: %w", err)
	}

	o.mu.Lock()
	if genCtx.Err() != nil {
		o.mu.Unlock()
		return fmt.Errorf("structure generation cancelled: %w", genCtx.Err())
	}
	o.state = StateAwaitingCostConfirmation
	o.batch = candidates
	o.cost = cost
	o.mu.Unlock()

	return nil
}

// ConfirmAndEnqueueBatch spends the authorized amount: one image-generation
// job per held scene, with a small inter-submission delay as back-pressure
// courtesy toward the generation backend.
func (o *Orchestrator) ConfirmAndEnqueueBatch(ctx context.Context) error {
	o.mu.Lock()
	if o.confirming {
		o.mu.Unlock()
		return fmt.Errorf("%w: batch submission already in progress", ErrInvalidState)
	}
	if o.state != StateAwaitingCostConfirmation {
		o.mu.Unlock()
		return fmt.Errorf("%w: confirm requires awaiting_cost_confirmation, was %s", ErrInvalidState, o.state)
	}
	o.confirming = true
	batch := o.batch
	o.batch = nil
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.confirming = false
		o.mu.Unlock()
	}()

	for i, sc := range batch {
		if i > 0 && o.submitDelay > 0 {
			select {
			case <-ctx.Done():
				o.setState(StateError, ctx.Err().Error())
				return fmt.Errorf("batch submission interrupted: %w", ctx.Err())
			case <-time.After(o.submitDelay):
			}
		}

		params := dispatch.ImageParams{Prompt: sc.GenerationPrompt}
		if sc.ReferenceAssetPath != nil {
			params.ReferencePath = *sc.ReferenceAssetPath
		}

		if err := o.dispatcher.EnqueueImageGeneration(ctx, sc.ID, params); err != nil {
			o.setState(StateError, err.Error())
			return fmt.Errorf("failed to enqueue scene %s: %w", sc.ID, err)
		}
	}

	log.Printf("[Orchestrator] batch of %d jobs enqueued", len(batch))
	o.setState(StateFinished, "")
	return nil
}

// CancelBatch discards the held subset without enqueuing anything.
func (o *Orchestrator) CancelBatch() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.confirming {
		return fmt.Errorf("%w: batch submission already in progress", ErrInvalidState)
	}
	if o.state != StateAwaitingCostConfirmation {
		return fmt.Errorf("%w: cancel requires awaiting_cost_confirmation, was %s", ErrInvalidState, o.state)
	}

	o.batch = nil
	o.cost = 0
	o.state = StateIdle
	log.Printf("[Orchestrator] batch cancelled before confirmation")
	return nil
}

// CancelInFlightStructureGeneration aborts a running
// GenerateFullSceneStructure call and forces Idle.
func (o *Orchestrator) CancelInFlightStructureGeneration() {
	o.mu.Lock()
	cancel := o.genCancel
	o.batch = nil
	o.cost = 0
	o.state = StateIdle
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		log.Printf("[Orchestrator] in-flight structure generation cancelled")
	}
}

func (o *Orchestrator) setState(s State, errMsg string) {
	o.mu.Lock()
	o.state = s
	o.lastError = errMsg
	o.mu.Unlock()
}

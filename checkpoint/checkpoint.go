// Package checkpoint records resumable progress. The controller reads the
// resume marker at run start and persists the marker of the highest
// contiguously committed chunk after each commit; the literal COMPLETED
// value written at success stops a later run from resuming a stale point.
package checkpoint

import (
	"context"

	"github.com/google/uuid"

	"github.com/rowmill/rowmill/mapping"
)

// RunStore is the slice of the metadata gateway the controller needs.
type RunStore interface {
	ResumeCheckpoint(ctx context.Context, mappingRef string) (*string, error)
	WriteCheckpoint(ctx context.Context, runID uuid.UUID, value string) error
}

// Controller applies the mapping's effective checkpoint strategy.
type Controller struct {
	store    RunStore
	strategy mapping.Strategy
}

// New resolves the effective strategy for the mapping.
func New(store RunStore, d *mapping.Definition) *Controller {
	return &Controller{store: store, strategy: d.EffectiveStrategy()}
}

// Strategy returns the resolved strategy.
func (c *Controller) Strategy() mapping.Strategy {
	return c.strategy
}

// Read returns the resume marker, nil to start from scratch. NONE always
// starts from scratch.
func (c *Controller) Read(ctx context.Context, mappingRef string) (*string, error) {
	if c.strategy == mapping.StrategyNone {
		return nil, nil
	}
	return c.store.ResumeCheckpoint(ctx, mappingRef)
}

// Write persists a marker on the run. A no-op under NONE.
func (c *Controller) Write(ctx context.Context, runID uuid.UUID, value string) error {
	if c.strategy == mapping.StrategyNone {
		return nil
	}
	return c.store.WriteCheckpoint(ctx, runID, value)
}

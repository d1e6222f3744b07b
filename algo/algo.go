// Package algo defines the learning-algorithm contract consumed by the
// coordinator and an explicit factory for selecting implementations.
//
// The numeric optimization step itself lives behind StepFunc: the learner
// owns data plumbing and target preparation, the accelerator-bound update is
// an injected collaborator.
package algo

import (
	"context"

	"github.com/cartridge/learner/model"
)

// Algorithm executes one learning step per sampled batch and exposes a
// serializable snapshot of its state for checkpointing.
type Algorithm interface {
	// Update consumes one batch and returns the result of a single step.
	// Step numbers in successive results increase by exactly one.
	Update(ctx context.Context, batch *model.TransitionBatch) (model.UpdateResult, error)

	// StateSnapshot returns the algorithm state to persist in a checkpoint.
	StateSnapshot() ([]byte, error)
}

// Params holds the hyper-parameters shared by algorithm constructors.
type Params struct {
	Gamma  float64
	Lambda float64
}

// StepFunc runs the numeric optimizer step for a batch whose training
// targets have already been prepared. Implementations report loss
// diagnostics; the wrapper assigns step numbers.
type StepFunc func(ctx context.Context, batch *model.TransitionBatch) (model.UpdateResult, error)

// Factory constructs an Algorithm from hyper-parameters.
type Factory func(p Params) (Algorithm, error)

// Registry is an explicit name-to-factory mapping supplied by the caller at
// construction time. There is no global registration.
type Registry map[string]Factory

// New builds the named algorithm. Unknown names are a configuration error.
func (r Registry) New(name string, p Params) (Algorithm, error) {
	factory, ok := r[name]
	if !ok {
		return nil, model.Errorf(model.ErrInvalidConfig, "unknown algorithm %q", name)
	}
	return factory(p)
}

// DefaultRegistry returns the built-in algorithm set, with the numeric step
// delegated to stepFn.
func DefaultRegistry(stepFn StepFunc) Registry {
	return Registry{
		"ppo": func(p Params) (Algorithm, error) {
			return NewPPO(p, stepFn), nil
		},
	}
}

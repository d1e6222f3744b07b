// Package gae implements Generalised Advantage Estimation, the backward
// recurrence that converts raw reward/value/done sequences into advantage
// and return targets for a policy-gradient update.
package gae

import "github.com/cartridge/learner/model"

// Compute runs the GAE recurrence over time-major matrices.
//
// rewards and dones are shaped [T][B]; values is shaped [T+1][B], the extra
// row providing the bootstrap value. The recurrence walks t from T-1 down to
// 0 maintaining a per-batch-element accumulator:
//
//	mask  = 1 - dones[t]
//	delta = rewards[t] + gamma*values[t+1]*mask - values[t]
//	gae   = delta + gamma*lambda*mask*gae
//
// Returns are advantages + values[:T]. The recurrence is strictly sequential
// in t; no reordering is permitted.
func Compute(rewards, values [][]float32, dones [][]bool, gamma, lambda float64) (advantages, returns [][]float32, err error) {
	if err := validate(rewards, values, dones); err != nil {
		return nil, nil, err
	}

	t := len(rewards)
	b := len(rewards[0])

	advantages = make([][]float32, t)
	returns = make([][]float32, t)
	acc := make([]float64, b)

	for i := t - 1; i >= 0; i-- {
		row := make([]float32, b)
		for j := 0; j < b; j++ {
			mask := 1.0
			if dones[i][j] {
				mask = 0.0
			}
			delta := float64(rewards[i][j]) + gamma*float64(values[i+1][j])*mask - float64(values[i][j])
			acc[j] = delta + gamma*lambda*mask*acc[j]
			row[j] = float32(acc[j])
		}
		advantages[i] = row
	}

	for i := 0; i < t; i++ {
		row := make([]float32, b)
		for j := 0; j < b; j++ {
			row[j] = advantages[i][j] + values[i][j]
		}
		returns[i] = row
	}

	return advantages, returns, nil
}

func validate(rewards, values [][]float32, dones [][]bool) error {
	if len(rewards) == 0 {
		return model.NewError(model.ErrShapeMismatch, "rewards must be a non-empty [time][batch] matrix")
	}
	if len(values) != len(rewards)+1 {
		return model.Errorf(model.ErrShapeMismatch,
			"values must have one more timestep than rewards for bootstrapping: got %d, want %d",
			len(values), len(rewards)+1)
	}
	if len(dones) != len(rewards) {
		return model.Errorf(model.ErrShapeMismatch,
			"rewards and dones must have matching shapes: %d vs %d timesteps", len(rewards), len(dones))
	}

	width := len(rewards[0])
	if width == 0 {
		return model.NewError(model.ErrShapeMismatch, "batch dimension must be non-empty")
	}
	for i, row := range rewards {
		if len(row) != width {
			return model.Errorf(model.ErrShapeMismatch, "rewards row %d has width %d, want %d", i, len(row), width)
		}
	}
	for i, row := range values {
		if len(row) != width {
			return model.Errorf(model.ErrShapeMismatch, "values row %d has width %d, want %d", i, len(row), width)
		}
	}
	for i, row := range dones {
		if len(row) != width {
			return model.Errorf(model.ErrShapeMismatch, "dones row %d has width %d, want %d", i, len(row), width)
		}
	}
	return nil
}

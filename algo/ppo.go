package algo

import (
	"context"
	"encoding/json"
	"math"

	"github.com/cartridge/learner/gae"
	"github.com/cartridge/learner/model"
)

// PPO prepares PPO training targets for each batch and delegates the
// optimizer step. Advantages and returns are computed lazily on first use
// and cached on the batch, so a batch carrying precomputed targets is never
// re-estimated.
type PPO struct {
	params Params
	stepFn StepFunc
	step   int64
}

// NewPPO creates the PPO wrapper around the injected step function.
func NewPPO(p Params, stepFn StepFunc) *PPO {
	if stepFn == nil {
		stepFn = Diagnostics
	}
	return &PPO{params: p, stepFn: stepFn}
}

// Update implements Algorithm.
func (p *PPO) Update(ctx context.Context, batch *model.TransitionBatch) (model.UpdateResult, error) {
	if err := batch.Validate(); err != nil {
		return model.UpdateResult{}, err
	}
	if err := PrepareTargets(batch, p.params.Gamma, p.params.Lambda); err != nil {
		return model.UpdateResult{}, err
	}

	result, err := p.stepFn(ctx, batch)
	if err != nil {
		return model.UpdateResult{}, err
	}

	p.step++
	result.Step = p.step
	return result, nil
}

// StateSnapshot implements Algorithm.
func (p *PPO) StateSnapshot() ([]byte, error) {
	return json.Marshal(struct {
		Step   int64   `json:"step"`
		Gamma  float64 `json:"gamma"`
		Lambda float64 `json:"lambda"`
	}{Step: p.step, Gamma: p.params.Gamma, Lambda: p.params.Lambda})
}

// PrepareTargets computes and caches advantages/returns on the batch if they
// are not already present.
//
// The batch is treated as one trajectory in time order with a zero bootstrap
// value appended, which is exact when the final transition is terminal.
// Callers holding the true bootstrap value should attach precomputed targets
// instead.
func PrepareTargets(batch *model.TransitionBatch, gamma, lambda float64) error {
	if _, ok := batch.Targets(); ok {
		return nil
	}

	n := batch.Len()
	rewards := make([][]float32, n)
	values := make([][]float32, n+1)
	dones := make([][]bool, n)
	for i := 0; i < n; i++ {
		rewards[i] = []float32{batch.Rewards[i]}
		values[i] = []float32{batch.Values[i]}
		dones[i] = []bool{batch.Dones[i]}
	}
	values[n] = []float32{0}

	adv, ret, err := gae.Compute(rewards, values, dones, gamma, lambda)
	if err != nil {
		return err
	}

	targets := model.Targets{
		Advantages: make([]float32, n),
		Returns:    make([]float32, n),
	}
	for i := 0; i < n; i++ {
		targets.Advantages[i] = adv[i][0]
		targets.Returns[i] = ret[i][0]
	}
	return batch.SetTargets(targets)
}

// Diagnostics is a StepFunc that computes PPO surrogate-loss diagnostics
// from the prepared targets without updating any parameters. It stands in
// when no optimizer engine is wired, keeping the pipeline observable
// end to end.
func Diagnostics(_ context.Context, batch *model.TransitionBatch) (model.UpdateResult, error) {
	targets, ok := batch.Targets()
	if !ok {
		return model.UpdateResult{}, model.NewError(model.ErrInternal, "targets not prepared before step")
	}

	n := float64(batch.Len())
	var policyLoss, valueLoss, entropy float64
	for i := 0; i < batch.Len(); i++ {
		policyLoss -= float64(targets.Advantages[i]) * float64(batch.LogProbs[i])
		diff := float64(targets.Returns[i] - batch.Values[i])
		valueLoss += diff * diff
		entropy -= float64(batch.LogProbs[i]) * math.Exp(float64(batch.LogProbs[i]))
	}
	policyLoss /= n
	valueLoss = 0.5 * valueLoss / n
	entropy /= n

	return model.UpdateResult{
		Loss:       policyLoss + 0.5*valueLoss - 0.01*entropy,
		PolicyLoss: policyLoss,
		ValueLoss:  valueLoss,
		Entropy:    entropy,
	}, nil
}

// Package learner contains the training-loop coordinator: the top-level
// driver composing the sampling client, learning algorithm, checkpoint
// manager, weight publisher and control heartbeat into the
// fetch → update → checkpoint → publish → heartbeat cycle.
package learner

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cartridge/learner/algo"
	"github.com/cartridge/learner/checkpoint"
	"github.com/cartridge/learner/control"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/model"
	"github.com/cartridge/learner/replay"
	"github.com/cartridge/learner/weights"
)

// State is the coordinator lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// SamplingClient is the surface of the replay client the coordinator uses.
type SamplingClient interface {
	Start()
	Sample(ctx context.Context) (*model.TransitionBatch, error)
	Stop()
}

// Checkpointer persists algorithm state snapshots.
type Checkpointer interface {
	Save(step int64, state []byte, metadata map[string]string) (*checkpoint.Manifest, error)
	Latest() *checkpoint.Manifest
}

// WeightPublisher announces new checkpoints to the actor fleet.
type WeightPublisher interface {
	Publish(ctx context.Context, payload weights.Payload) error
	Close() error
}

// HeartbeatFunc posts one liveness report. Optional; errors are logged and
// swallowed since heartbeat loss is not fatal to training.
type HeartbeatFunc func(ctx context.Context, payload control.HeartbeatPayload) error

// Config configures the coordinator cycle.
type Config struct {
	// CheckpointInterval is the number of steps between checkpoints.
	CheckpointInterval int64
	// HeartbeatInterval bounds how often heartbeats are sent; zero sends one
	// per update cycle.
	HeartbeatInterval time.Duration
}

// Deps are the collaborators composed by the coordinator. Data flows
// strictly coordinator → collaborators; nothing calls back in.
type Deps struct {
	Client      SamplingClient
	Algorithm   algo.Algorithm
	Checkpoints Checkpointer
	Publisher   WeightPublisher
	Heartbeat   HeartbeatFunc
	Metrics     *metrics.Collector
}

// Coordinator drives the end-to-end training workflow.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer

	state          atomic.Int32
	stopRequested  atomic.Bool
	stopOnce       sync.Once
	nextCheckpoint int64
	hbLimiter      *rate.Limiter
}

// New creates a coordinator. CheckpointInterval must be positive.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Coordinator, error) {
	if cfg.CheckpointInterval <= 0 {
		return nil, model.NewError(model.ErrInvalidConfig, "checkpoint interval must be positive")
	}
	if deps.Client == nil || deps.Algorithm == nil || deps.Checkpoints == nil || deps.Publisher == nil {
		return nil, model.NewError(model.ErrInvalidConfig, "coordinator requires client, algorithm, checkpoints and publisher")
	}

	limit := rate.Inf
	if cfg.HeartbeatInterval > 0 {
		limit = rate.Every(cfg.HeartbeatInterval)
	}

	c := &Coordinator{
		cfg:            cfg,
		deps:           deps,
		logger:         logger.With(zap.String("component", "coordinator")),
		tracer:         otel.Tracer("cartridge.learner"),
		nextCheckpoint: cfg.CheckpointInterval,
		hbLimiter:      rate.NewLimiter(limit, 1),
	}
	c.state.Store(int32(StateStopped))
	return c, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Run executes the steady-state cycle until Stop is called, ctx is
// cancelled, or a fatal error occurs. A failed algorithm update is never
// retried: it propagates and terminates the loop. Run after a completed
// Stop returns immediately without entering the loop.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.stopRequested.Load() {
		return nil
	}
	c.state.Store(int32(StateRunning))
	defer c.state.Store(int32(StateStopped))

	c.deps.Client.Start()
	c.logger.Info("training loop started",
		zap.Int64("checkpoint_interval", c.cfg.CheckpointInterval),
	)

	for c.State() == StateRunning {
		if err := ctx.Err(); err != nil {
			return nil
		}

		batch, err := c.fetch(ctx)
		if err != nil {
			if c.State() != StateRunning || errors.Is(err, context.Canceled) || errors.Is(err, replay.ErrClientStopped) {
				return nil
			}
			return err
		}

		result, err := c.update(ctx, batch)
		if err != nil {
			return err
		}

		if result.Step >= c.nextCheckpoint {
			if err := c.checkpointAndPublish(ctx, result); err != nil {
				return err
			}
			c.nextCheckpoint = result.Step + c.cfg.CheckpointInterval
		}

		c.heartbeat(ctx, result)
	}
	return nil
}

// Stop transitions to Stopping, halts the sampling client, and closes the
// publisher. The run loop exits on its next check. Idempotent and safe to
// call concurrently with Run.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.stopRequested.Store(true)
		c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		c.logger.Info("stopping training loop")
		c.deps.Client.Stop()
		if err := c.deps.Publisher.Close(); err != nil {
			c.logger.Warn("failed to close weight publisher", zap.Error(err))
		}
	})
}

func (c *Coordinator) fetch(ctx context.Context) (*model.TransitionBatch, error) {
	start := time.Now()
	batch, err := c.deps.Client.Sample(ctx)
	if err != nil {
		if c.deps.Metrics != nil {
			c.deps.Metrics.ObserveSample("error", 0)
		}
		return nil, err
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveSample("ok", time.Since(start))
	}
	return batch, nil
}

func (c *Coordinator) update(ctx context.Context, batch *model.TransitionBatch) (model.UpdateResult, error) {
	ctx, span := c.tracer.Start(ctx, "learner.update",
		trace.WithAttributes(attribute.Int("batch_size", batch.Len())),
	)
	defer span.End()

	result, err := c.deps.Algorithm.Update(ctx, batch)
	if err != nil {
		return model.UpdateResult{}, err
	}
	span.SetAttributes(attribute.Int64("step", result.Step))

	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordUpdate(result.PolicyLoss, result.ValueLoss, result.Entropy)
	}
	return result, nil
}

func (c *Coordinator) checkpointAndPublish(ctx context.Context, result model.UpdateResult) error {
	snapshot, err := c.deps.Algorithm.StateSnapshot()
	if err != nil {
		return model.NewError(model.ErrCheckpointWrite, "snapshot algorithm state").WithCause(err)
	}

	start := time.Now()
	manifest, err := c.deps.Checkpoints.Save(result.Step, snapshot, map[string]string{
		"loss": strconv.FormatFloat(result.Loss, 'g', -1, 64),
	})
	if err != nil {
		return err
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveCheckpoint(time.Since(start))
	}

	if err := c.deps.Publisher.Publish(ctx, weights.Payload{
		Step:     manifest.Step,
		Checksum: manifest.Checksum,
		URI:      manifest.Path,
	}); err != nil {
		return err
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.IncWeightsPublished()
	}

	c.logger.Info("checkpoint saved and published",
		zap.Int64("step", manifest.Step),
		zap.String("uri", manifest.Path),
	)
	return nil
}

func (c *Coordinator) heartbeat(ctx context.Context, result model.UpdateResult) {
	if c.deps.Heartbeat == nil || !c.hbLimiter.Allow() {
		return
	}

	var checkpointStep *int64
	if latest := c.deps.Checkpoints.Latest(); latest != nil {
		step := latest.Step
		checkpointStep = &step
	}
	payload := control.HeartbeatPayload{
		Step:           result.Step,
		PolicyLoss:     result.PolicyLoss,
		ValueLoss:      result.ValueLoss,
		CheckpointStep: checkpointStep,
	}
	if err := c.deps.Heartbeat(ctx, payload); err != nil {
		c.logger.Warn("heartbeat failed", zap.Int64("step", result.Step), zap.Error(err))
	}
}

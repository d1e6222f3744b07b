// Package replay implements the sampling client: a background producer that
// prefetches transition batches from the replay service into a bounded queue,
// with retry/backoff on transient faults and connection reuse across calls.
//
// The queue depth is the sole backpressure mechanism. When the queue is full
// the producer blocks, bounding peak memory to prefetch depth + 1 batches in
// flight.
package replay

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cartridge/learner/model"
	"github.com/cartridge/learner/retry"
)

// ErrClientStopped is returned by Sample after Stop has drained the client.
var ErrClientStopped = errors.New("replay: sampling client stopped")

// Config configures the sampling client.
type Config struct {
	// PrefetchDepth is the bounded queue capacity.
	PrefetchDepth int
	// BatchSize is the number of transitions requested per sample call.
	BatchSize int
	// Retry configures producer backoff; nil uses retry.DefaultPolicy.
	Retry *retry.Policy
}

// Client streams transition batches from a Sampler through a bounded
// prefetch queue. Start and Stop are idempotent; Stop is safe to call
// concurrently with an in-flight fetch and waits for the producer to
// quiesce before returning.
type Client struct {
	cfg     Config
	sampler Sampler
	logger  *zap.Logger
	queue   chan *model.TransitionBatch

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	fatal   error
}

// NewClient creates a sampling client around the given sampler.
func NewClient(cfg Config, sampler Sampler, logger *zap.Logger) *Client {
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	return &Client{
		cfg:     cfg,
		sampler: sampler,
		logger:  logger.With(zap.String("component", "replay_client")),
		queue:   make(chan *model.TransitionBatch, cfg.PrefetchDepth),
	}
}

// Start launches the background prefetch producer. Calling Start again is a
// no-op.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.started = true
	go c.prefetchLoop(ctx)
}

// Sample returns the next available batch in fetch order, blocking until one
// exists, the client terminates, or ctx is cancelled.
func (c *Client) Sample(ctx context.Context) (*model.TransitionBatch, error) {
	select {
	case batch, ok := <-c.queue:
		if !ok {
			return nil, c.terminalErr()
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop halts prefetching, cancels any in-flight fetch, waits for the
// producer to quiesce, and drains pending batches. Idempotent; every caller
// returns only after the producer has quiesced, not just the first.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	first := !c.stopped
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if first {
		cancel()
	}
	<-done
	for range c.queue {
	}
}

// Err returns the fatal producer error, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

func (c *Client) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return c.fatal
	}
	return ErrClientStopped
}

func (c *Client) prefetchLoop(ctx context.Context) {
	defer close(c.done)
	err := c.produce(ctx)
	c.mu.Lock()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.fatal = err
		c.logger.Error("prefetch producer terminated", zap.Error(err))
	}
	close(c.queue)
	c.mu.Unlock()
}

func (c *Client) produce(ctx context.Context) error {
	state := retry.New(c.cfg.Retry)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := c.sampler.Sample(ctx, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A connection fault invalidates the cached connection; the next
			// attempt must dial fresh.
			if model.CodeOf(err) == model.ErrConnection {
				c.sampler.Teardown()
			}
			if !model.IsRetryable(err) {
				return err
			}
			failures := state.Failure()
			if state.Exhausted() {
				return model.Errorf(model.ErrUnavailable,
					"sampling failed after %d consecutive attempts", failures).WithCause(err)
			}
			delay := state.Delay()
			c.logger.Warn("sample attempt failed, backing off",
				zap.Int("consecutive_failures", failures),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if err := retry.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		state.Reset()
		select {
		case c.queue <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

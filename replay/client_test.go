package replay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cartridge/learner/model"
	"github.com/cartridge/learner/retry"
)

func testBatch(seq int) *model.TransitionBatch {
	return &model.TransitionBatch{
		Observations: [][]float32{{float32(seq)}},
		Actions:      [][]float32{{0}},
		LogProbs:     []float32{0},
		Rewards:      []float32{float32(seq)},
		Dones:        []bool{false},
		Values:       []float32{0},
	}
}

func fastPolicy(maxFailures int) *retry.Policy {
	return &retry.Policy{
		MaxConsecutiveFailures: maxFailures,
		InitialDelay:           time.Millisecond,
		MaxDelay:               5 * time.Millisecond,
		Multiplier:             2.0,
	}
}

func TestClient_DeliversBatchesInFetchOrder(t *testing.T) {
	var seq atomic.Int64
	sampler := SamplerFunc(func(ctx context.Context, batchSize int) (*model.TransitionBatch, error) {
		return testBatch(int(seq.Add(1))), nil
	})

	c := NewClient(Config{PrefetchDepth: 2}, sampler, zap.NewNop())
	c.Start()
	c.Start() // idempotent
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for want := 1; want <= 20; want++ {
		batch, err := c.Sample(ctx)
		require.NoError(t, err)
		assert.Equal(t, float32(want), batch.Rewards[0], "batches must arrive in fetch order")
	}
}

func TestClient_QueueNeverExceedsCapacity(t *testing.T) {
	const depth = 3

	var mu sync.Mutex
	produced, consumed, maxInFlight := 0, 0, 0

	sampler := SamplerFunc(func(ctx context.Context, batchSize int) (*model.TransitionBatch, error) {
		mu.Lock()
		produced++
		// Batches in flight = produced but not yet consumed; the producer
		// blocks on a full queue, so this never exceeds depth+1.
		if inFlight := produced - consumed; inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		return testBatch(produced), nil
	})

	c := NewClient(Config{PrefetchDepth: depth}, sampler, zap.NewNop())
	c.Start()
	defer c.Stop()

	// Let the producer saturate the queue before consuming.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		_, err := c.Sample(ctx)
		require.NoError(t, err)
		mu.Lock()
		consumed++
		mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, depth+1)
}

func TestClient_StopDuringRetryDoesNotHang(t *testing.T) {
	sampler := SamplerFunc(func(ctx context.Context, batchSize int) (*model.TransitionBatch, error) {
		return nil, model.NewError(model.ErrUnavailable, "down").WithRetryable(true)
	})

	c := NewClient(Config{
		PrefetchDepth: 2,
		Retry: &retry.Policy{
			MaxConsecutiveFailures: 1000,
			InitialDelay:           time.Hour, // long backoff, Stop must cut it short
			MaxDelay:               time.Hour,
			Multiplier:             2.0,
		},
	}, sampler, zap.NewNop())
	c.Start()

	time.Sleep(20 * time.Millisecond) // let the producer enter backoff

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		c.Stop() // idempotent
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung while producer was mid-retry")
	}
	assert.Empty(t, c.queue)
}

func TestClient_ConcurrentStopsWaitForQuiesce(t *testing.T) {
	var quiesced atomic.Bool
	sampler := SamplerFunc(func(ctx context.Context, batchSize int) (*model.TransitionBatch, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond) // slow producer wind-down
		quiesced.Store(true)
		return nil, ctx.Err()
	})

	c := NewClient(Config{PrefetchDepth: 1}, sampler, zap.NewNop())
	c.Start()
	time.Sleep(10 * time.Millisecond) // let the producer enter its fetch

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
			assert.True(t, quiesced.Load(), "Stop returned before the producer quiesced")
		}()
	}
	wg.Wait()
}

func TestClient_EscalatesAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	sampler := SamplerFunc(func(ctx context.Context, batchSize int) (*model.TransitionBatch, error) {
		calls.Add(1)
		return nil, model.NewError(model.ErrTimeout, "timeout").WithRetryable(true)
	})

	c := NewClient(Config{PrefetchDepth: 1, Retry: fastPolicy(3)}, sampler, zap.NewNop())
	c.Start()
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Sample(ctx)
	require.Error(t, err)
	assert.Equal(t, model.ErrUnavailable, model.CodeOf(err))
	assert.False(t, model.IsRetryable(err), "escalated error must be terminal")
	assert.EqualValues(t, 3, calls.Load())
	assert.Error(t, c.Err())
}

func TestClient_ValidationErrorIsFatalImmediately(t *testing.T) {
	var calls atomic.Int64
	sampler := SamplerFunc(func(ctx context.Context, batchSize int) (*model.TransitionBatch, error) {
		calls.Add(1)
		return nil, model.NewError(model.ErrShapeMismatch, "bad shapes")
	})

	c := NewClient(Config{PrefetchDepth: 1, Retry: fastPolicy(10)}, sampler, zap.NewNop())
	c.Start()
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Sample(ctx)
	require.Error(t, err)
	assert.Equal(t, model.ErrShapeMismatch, model.CodeOf(err))
	assert.EqualValues(t, 1, calls.Load(), "validation errors must not be retried")
}

type teardownSampler struct {
	mu        sync.Mutex
	calls     int
	teardowns int
}

func (s *teardownSampler) Sample(ctx context.Context, batchSize int) (*model.TransitionBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == 1 {
		return nil, model.NewError(model.ErrConnection, "reset").WithRetryable(true)
	}
	return testBatch(s.calls), nil
}

func (s *teardownSampler) Teardown() {
	s.mu.Lock()
	s.teardowns++
	s.mu.Unlock()
}

func TestClient_ConnectionFaultTearsDownConnection(t *testing.T) {
	sampler := &teardownSampler{}
	c := NewClient(Config{PrefetchDepth: 1, Retry: fastPolicy(5)}, sampler, zap.NewNop())
	c.Start()
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Sample(ctx)
	require.NoError(t, err)

	sampler.mu.Lock()
	defer sampler.mu.Unlock()
	assert.Equal(t, 1, sampler.teardowns, "connection fault must tear down the connection exactly once")
}

func TestHTTPSampler_SampleAndClassify(t *testing.T) {
	var gotBatchSize int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotBatchSize = req.BatchSize
		resp := wireResponse{Transitions: []wireTransition{
			validWire([]float32{1, 2}, []float32{0}),
		}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	s := NewHTTPSampler(HTTPSamplerConfig{Endpoint: srv.URL, Timeout: time.Second})
	batch, err := s.Sample(context.Background(), 128)
	require.NoError(t, err)
	assert.Equal(t, 128, gotBatchSize)
	assert.Equal(t, 1, batch.Len())

	t.Run("server error is retryable", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer bad.Close()
		s := NewHTTPSampler(HTTPSamplerConfig{Endpoint: bad.URL, Timeout: time.Second})
		_, err := s.Sample(context.Background(), 1)
		require.Error(t, err)
		assert.True(t, model.IsRetryable(err))
	})

	t.Run("client timeout is retryable", func(t *testing.T) {
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(500 * time.Millisecond):
			}
		}))
		defer slow.Close()
		s := NewHTTPSampler(HTTPSamplerConfig{Endpoint: slow.URL, Timeout: 50 * time.Millisecond})
		_, err := s.Sample(context.Background(), 1)
		require.Error(t, err)
		assert.Equal(t, model.ErrTimeout, model.CodeOf(err))
		assert.True(t, model.IsRetryable(err), "a timed-out sample must stay on the retry path")
	})

	t.Run("caller cancellation passes through", func(t *testing.T) {
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Drain the body so the server watches the connection and cancels
			// r.Context() when the client disconnects; otherwise Close hangs.
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
		}))
		defer slow.Close()
		s := NewHTTPSampler(HTTPSamplerConfig{Endpoint: slow.URL, Timeout: time.Minute})
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := s.Sample(ctx, 1)
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, model.IsRetryable(err))
	})

	t.Run("connection refused is retryable", func(t *testing.T) {
		dead := httptest.NewServer(http.HandlerFunc(nil))
		dead.Close()
		s := NewHTTPSampler(HTTPSamplerConfig{Endpoint: dead.URL, Timeout: time.Second})
		_, err := s.Sample(context.Background(), 1)
		require.Error(t, err)
		assert.True(t, model.IsRetryable(err))
		s.Teardown()
	})

	t.Run("client error is not retryable", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer bad.Close()
		s := NewHTTPSampler(HTTPSamplerConfig{Endpoint: bad.URL, Timeout: time.Second})
		_, err := s.Sample(context.Background(), 1)
		require.Error(t, err)
		assert.False(t, model.IsRetryable(err))
	})
}

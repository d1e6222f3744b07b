package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cartridge/learner/internal/tlsutil"
	"github.com/cartridge/learner/model"
)

// Sampler fetches one batch of transitions from the replay service.
// Implementations own their network connection; Teardown drops any cached
// connection so the next Sample dials fresh.
type Sampler interface {
	Sample(ctx context.Context, batchSize int) (*model.TransitionBatch, error)
	Teardown()
}

// SamplerFunc adapts a plain function into a Sampler with a no-op Teardown.
type SamplerFunc func(ctx context.Context, batchSize int) (*model.TransitionBatch, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context, batchSize int) (*model.TransitionBatch, error) {
	return f(ctx, batchSize)
}

// Teardown implements Sampler.
func (f SamplerFunc) Teardown() {}

// HTTPSamplerConfig configures the HTTP replay transport.
type HTTPSamplerConfig struct {
	// Endpoint is the replay service base URL, e.g. "http://replay:8080".
	Endpoint   string
	TLSEnabled bool
	// Timeout bounds a single sample request.
	Timeout time.Duration
}

// HTTPSampler fetches batches from the replay service over HTTP/JSON.
// The underlying client reuses connections across calls; Teardown closes
// idle connections to force a fresh dial after a connection fault.
type HTTPSampler struct {
	cfg  HTTPSamplerConfig
	http *http.Client
}

// NewHTTPSampler creates a sampler for the configured replay endpoint.
func NewHTTPSampler(cfg HTTPSamplerConfig) *HTTPSampler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	var client *http.Client
	if cfg.TLSEnabled {
		client = tlsutil.SecureHTTPClient(cfg.Timeout)
	} else {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSampler{cfg: cfg, http: client}
}

// Sample performs one unary sample request and decodes the response.
func (s *HTTPSampler) Sample(ctx context.Context, batchSize int) (*model.TransitionBatch, error) {
	body, err := json.Marshal(wireRequest{BatchSize: batchSize})
	if err != nil {
		return nil, model.NewError(model.ErrInternal, "encode sample request").WithCause(err)
	}

	url := s.cfg.Endpoint + "/v1/sample"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, model.NewError(model.ErrInternal, "build sample request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, model.NewError(model.ErrInvalidBatch, "malformed sample response").WithCause(err)
	}
	return decodeBatch(&wire)
}

// Teardown drops pooled connections so the next attempt re-establishes one.
func (s *HTTPSampler) Teardown() {
	s.http.CloseIdleConnections()
}

// classifyTransportError maps a transport failure onto the error taxonomy:
// timeouts and connection faults are transient and retryable. Only the
// caller's own cancellation or deadline passes through untouched; the HTTP
// client's request timeout also satisfies errors.Is(err,
// context.DeadlineExceeded), so ctx must be consulted to tell them apart.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewError(model.ErrTimeout, "sample request timed out").
			WithCause(err).WithRetryable(true)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return model.NewError(model.ErrConnection, "replay connection failed").
			WithCause(err).WithRetryable(true)
	}
	return model.NewError(model.ErrUnavailable, "replay service unreachable").
		WithCause(err).WithRetryable(true)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return model.Errorf(model.ErrUnavailable, "replay service returned status %d", code).
			WithRetryable(true)
	default:
		return model.Errorf(model.ErrInternal, "replay service rejected request with status %d", code).
			WithCause(fmt.Errorf("unexpected status %d", code))
	}
}

// Package control reports learner liveness and progress to the external
// orchestrator. Heartbeat failures are not retried here: losing a heartbeat
// is not fatal to training, so the coordinator decides what to do with the
// error.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cartridge/learner/internal/tlsutil"
	"github.com/cartridge/learner/model"
)

// HeartbeatPayload is one liveness/progress report. CheckpointStep is nil
// until the first checkpoint exists.
type HeartbeatPayload struct {
	Step           int64   `json:"step"`
	PolicyLoss     float64 `json:"policy_loss"`
	ValueLoss      float64 `json:"value_loss"`
	CheckpointStep *int64  `json:"checkpoint_step"`
}

// Config configures the orchestrator control channel.
type Config struct {
	// Endpoint is the orchestrator base URL.
	Endpoint string
	// RunID identifies this training run.
	RunID string
	// Timeout bounds a single heartbeat POST.
	Timeout time.Duration
}

// Client is a thin wrapper around the orchestrator HTTP API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a control client with a bounded request timeout.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "control")),
	}
}

// Send posts one heartbeat to <endpoint>/runs/<run_id>/heartbeat.
func (c *Client) Send(ctx context.Context, payload HeartbeatPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.NewError(model.ErrInternal, "encode heartbeat").WithCause(err)
	}

	url := fmt.Sprintf("%s/runs/%s/heartbeat", c.cfg.Endpoint, c.cfg.RunID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return model.NewError(model.ErrInternal, "build heartbeat request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.NewError(model.ErrUnavailable, "post heartbeat").WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.Errorf(model.ErrUnavailable, "orchestrator returned status %d", resp.StatusCode)
	}
	return nil
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Package weights announces new checkpoint versions to the actor fleet over
// a publish/subscribe channel. Publications are serialized so subscribers
// never observe interleaved or out-of-order payloads.
package weights

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cartridge/learner/internal/tlsutil"
	"github.com/cartridge/learner/model"
)

// BackendRedis is the redis pub/sub distribution backend.
const BackendRedis = "redis"

// Payload is the weight announcement broadcast to subscribers. Subscribers
// may treat payloads as totally ordered by Step.
type Payload struct {
	Step     int64  `json:"step"`
	Checksum string `json:"checksum"`
	URI      string `json:"uri"`
}

// Config configures the weight distribution backend.
type Config struct {
	// Backend selects the distribution mechanism by name.
	Backend  string
	Endpoint string
	Channel  string
	Password string
	DB       int
	// TLSEnabled dials the backend with the hardened TLS config.
	TLSEnabled bool
}

// Publisher sends weight announcements to the configured channel. The
// outbound connection is established lazily on first publish and reused; a
// mutex serializes publications so concurrent callers cannot interleave
// partial messages.
type Publisher struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	redis *redis.Client
	last  *Payload
}

// NewPublisher creates a weight publisher. The backend is validated at
// publish time, not here, so construction never dials.
func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "weights")),
	}
}

// Publish announces payload on the configured channel. An unknown backend is
// a fatal configuration error; a transport failure surfaces as PUBLISH_FAILED.
func (p *Publisher) Publish(ctx context.Context, payload Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.cfg.Backend {
	case BackendRedis:
		if err := p.publishRedis(ctx, payload); err != nil {
			return err
		}
	default:
		return model.Errorf(model.ErrUnknownBackend, "unknown weight backend %q", p.cfg.Backend)
	}

	p.last = &payload
	p.logger.Info("published weights",
		zap.Int64("step", payload.Step),
		zap.String("uri", payload.URI),
	)
	return nil
}

func (p *Publisher) publishRedis(ctx context.Context, payload Payload) error {
	if p.redis == nil {
		opts := &redis.Options{
			Addr:     p.cfg.Endpoint,
			Password: p.cfg.Password,
			DB:       p.cfg.DB,
		}
		if p.cfg.TLSEnabled {
			opts.TLSConfig = tlsutil.DefaultTLSConfig()
		}
		p.redis = redis.NewClient(opts)
	}

	message, err := json.Marshal(payload)
	if err != nil {
		return model.NewError(model.ErrInternal, "encode weight payload").WithCause(err)
	}
	if err := p.redis.Publish(ctx, p.cfg.Channel, message).Err(); err != nil {
		return model.NewError(model.ErrPublishFailed, "publish weights to redis").WithCause(err)
	}
	return nil
}

// Close releases the underlying connection. Idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.redis == nil {
		return nil
	}
	err := p.redis.Close()
	p.redis = nil
	return err
}

// Last returns the most recently published payload, or nil.
func (p *Publisher) Last() *Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

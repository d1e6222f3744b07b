// Command learner runs the training-side service of a distributed RL
// deployment: it samples transition batches from the replay service,
// drives gradient updates, persists checkpoints, publishes weight
// notifications to the actor fleet, and reports liveness to the
// orchestrator.
//
// Usage:
//
//	learner --config config.yaml
//
// All settings can also be supplied through LEARNER_* environment
// variables, which take priority over the file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/cartridge/learner/algo"
	"github.com/cartridge/learner/checkpoint"
	"github.com/cartridge/learner/config"
	"github.com/cartridge/learner/control"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/telemetry"
	"github.com/cartridge/learner/learner"
	"github.com/cartridge/learner/replay"
	"github.com/cartridge/learner/weights"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("learner %s (built %s)\n", Version, BuildTime)
		return
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting learner",
		zap.String("version", Version),
		zap.String("run_id", cfg.Control.RunID),
		zap.String("algorithm", cfg.Training.Algorithm),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("learner terminated", zap.Error(err))
	}
	logger.Info("learner stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Training.Seed != 0 {
		logger.Info("deterministic run requested", zap.Int64("seed", cfg.Training.Seed))
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	collector := metrics.NewCollector(logger)

	sampler := replay.NewHTTPSampler(replay.HTTPSamplerConfig{
		Endpoint:   cfg.Replay.Endpoint,
		TLSEnabled: cfg.Replay.TLSEnabled,
		Timeout:    cfg.Replay.Timeout,
	})
	client := replay.NewClient(replay.Config{
		PrefetchDepth: cfg.Replay.PrefetchDepth,
		BatchSize:     cfg.Replay.BatchSize,
	}, sampler, logger)

	manager, err := checkpoint.NewManager(checkpoint.Config{
		Dir:      cfg.Checkpoints.Bucket,
		KeepLast: cfg.Checkpoints.KeepLast,
	}, logger)
	if err != nil {
		return fmt.Errorf("create checkpoint manager: %w", err)
	}

	publisher := weights.NewPublisher(weights.Config{
		Backend:    cfg.Weights.Backend,
		Endpoint:   cfg.Weights.Endpoint,
		Channel:    cfg.Weights.Channel,
		Password:   cfg.Weights.Password,
		DB:         cfg.Weights.DB,
		TLSEnabled: cfg.Weights.TLSEnabled,
	}, logger)

	registry := algo.DefaultRegistry(nil)
	algorithm, err := registry.New(cfg.Training.Algorithm, algo.Params{
		Gamma:  cfg.Training.Gamma,
		Lambda: cfg.Training.GAELambda,
	})
	if err != nil {
		return fmt.Errorf("create algorithm: %w", err)
	}

	var heartbeat learner.HeartbeatFunc
	if cfg.Control.OrchestratorEndpoint != "" {
		ctl := control.NewClient(control.Config{
			Endpoint: cfg.Control.OrchestratorEndpoint,
			RunID:    cfg.Control.RunID,
			Timeout:  cfg.Control.Timeout,
		}, logger)
		defer ctl.Close()
		heartbeat = ctl.Send
	}

	coordinator, err := learner.New(learner.Config{
		CheckpointInterval: cfg.Checkpoints.IntervalSteps,
		HeartbeatInterval:  cfg.Control.HeartbeatInterval,
	}, learner.Deps{
		Client:      client,
		Algorithm:   algorithm,
		Checkpoints: manager,
		Publisher:   publisher,
		Heartbeat:   heartbeat,
		Metrics:     collector,
	}, logger)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: metricsMux(collector),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("metrics endpoint listening", zap.Int("port", cfg.Metrics.Port))
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		coordinator.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func metricsMux(collector *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	return zap.New(core, zap.AddCaller())
}

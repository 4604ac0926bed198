package pipeline

import (
	"context"
	"log/slog"

	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
	"github.com/embeddedsocial/pipeline/telemetry"
	"github.com/embeddedsocial/pipeline/worker"
	"github.com/embeddedsocial/pipeline/workerpool"
)

// WithName sets the service name.
func WithName(name string) Option {
	return func(_ context.Context, s *Service) {
		s.name = name
	}
}

func WithVersion(version string) Option {
	return func(_ context.Context, s *Service) {
		s.version = version
	}
}

func WithEnvironment(environment string) Option {
	return func(_ context.Context, s *Service) {
		s.environment = environment
	}
}

// WithConfig replaces the configuration read from the environment.
func WithConfig(cfg any) Option {
	return func(_ context.Context, s *Service) {
		s.configuration = cfg
	}
}

// WithLogger initialises the service logger from the configured level and format.
func WithLogger(opts ...util.Option) Option {
	return func(ctx context.Context, s *Service) {
		if cfg, ok := s.Config().(config.ConfigurationLogLevel); ok {
			logLevel, err := util.ParseLevel(cfg.LoggingLevel())
			if err == nil {
				opts = append(opts, util.WithLogLevel(logLevel))
			}
			opts = append(opts,
				util.WithLogTimeFormat(cfg.LoggingTimeFormat()),
				util.WithLogNoColor(!cfg.LoggingColored()))
			if cfg.LoggingShowStackTrace() {
				opts = append(opts, util.WithLogStackTrace())
			}
		}

		if s.telemetryManager != nil && !s.telemetryManager.Disabled() {
			opts = append(opts, util.WithLogHandler(s.telemetryManager.LogHandler()))
		}

		s.logger = util.NewLogger(ctx, opts...).WithField("service", s.Name())
	}
}

func (s *Service) Log(ctx context.Context) *util.LogEntry {
	return s.logger.WithContext(ctx)
}

func (s *Service) SLog(ctx context.Context) *slog.Logger {
	return s.Log(ctx).SLog()
}

// WithTelemetry sets up trace, metric and log export for the service.
// Worker loop metrics are always included.
func WithTelemetry(opts ...telemetry.Option) Option {
	return func(ctx context.Context, s *Service) {
		cfg, ok := s.Config().(config.ConfigurationTelemetry)
		if !ok {
			s.Log(ctx).Error("configuration object not of type : ConfigurationTelemetry")
			return
		}

		extOpts := []telemetry.Option{
			telemetry.WithService(s.Name(), s.Version(), s.Environment()),
			telemetry.WithInstrumentedPackages(worker.PackageName),
		}
		extOpts = append(extOpts, opts...)

		s.telemetryManager = telemetry.NewManager(cfg, extOpts...)
		if err := s.telemetryManager.Init(ctx); err != nil {
			s.Log(ctx).WithError(err).Error("failed to initialize telemetry")
		}
	}
}

// WithQueueOptions replaces the transport options derived from configuration.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(ctx context.Context, s *Service) {
		s.queueManager = queue.NewManager(ctx, opts...)
	}
}

// WithQueues registers the named queues at the URLs the configuration
// resolves for them when Run starts. With no names every pipeline queue is
// registered.
func WithQueues(names ...string) Option {
	return func(_ context.Context, s *Service) {
		if len(names) == 0 {
			names = messages.QueueNames()
		}

		for _, name := range names {
			s.queueBindings = append(s.queueBindings, queueBinding{name: name})
		}
	}
}

// WithQueue registers a single queue at an explicit URL.
func WithQueue(name, url string) Option {
	return func(_ context.Context, s *Service) {
		s.queueBindings = append(s.queueBindings, queueBinding{name: name, url: url})
	}
}

// WithWorkers sets the factory that builds worker loops when Run starts.
func WithWorkers(factory WorkerFactory) Option {
	return func(_ context.Context, s *Service) {
		s.workerFactory = factory
	}
}

// WithWorkerPoolOptions tunes the pool the worker loops run on.
func WithWorkerPoolOptions(opts ...workerpool.Option) Option {
	return func(_ context.Context, s *Service) {
		s.poolOptions = append(s.poolOptions, opts...)
	}
}

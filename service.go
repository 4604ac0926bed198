// Package pipeline wires the queues, worker loops and telemetry of the social
// backend's background processing into one service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/diagnostics"
	"github.com/embeddedsocial/pipeline/queue"
	"github.com/embeddedsocial/pipeline/telemetry"
	"github.com/embeddedsocial/pipeline/worker"
	"github.com/embeddedsocial/pipeline/workerpool"

	// drivers selectable through queue URLs
	_ "github.com/embeddedsocial/pipeline/queue/memory"
	_ "github.com/embeddedsocial/pipeline/queue/postgres"
	_ "github.com/embeddedsocial/pipeline/queue/pubsub"
	_ "github.com/embeddedsocial/pipeline/queue/redis"
)

type contextKey string

func (c contextKey) String() string {
	return "pipeline/" + string(c)
}

const (
	ctxKeyService = contextKey("serviceKey")

	defaultStopTimeout = 30 * time.Second
)

var (
	ErrNoWorkers     = errors.New("no workers configured")
	ErrNoQueueConfig = errors.New("configuration object not of type ConfigurationQueue")
)

// WorkerFactory builds the worker loops once every queue is registered.
type WorkerFactory func(ctx context.Context, svc *Service) ([]*worker.Worker, error)

type queueBinding struct {
	name string
	url  string
}

// Service holds the components of one background processing process for its
// whole lifetime. It is carried in contexts so components can find it.
type Service struct {
	name          string
	version       string
	environment   string
	logger        *util.LogEntry
	configuration any

	telemetryManager *telemetry.Manager
	queueManager     *queue.Manager
	workerManager    *workerpool.Manager
	poolOptions      []workerpool.Option
	diagnostics      *diagnostics.Server

	queueBindings []queueBinding
	workerFactory WorkerFactory
	workers       []*worker.Worker
	workerCancel  context.CancelFunc

	cancelFunc   context.CancelFunc
	errorChannel chan error
	cleanup      func(ctx context.Context)

	startOnce sync.Once
	stopMutex sync.Mutex
	stopped   bool
}

type Option func(ctx context.Context, service *Service)

// NewService creates a service listening for termination signals on a
// background context.
func NewService(name string, opts ...Option) (context.Context, *Service) {
	return NewServiceWithContext(context.Background(), name, opts...)
}

// NewServiceWithContext creates a service whose context ends on SIGINT,
// SIGTERM, SIGHUP or SIGQUIT.
func NewServiceWithContext(ctx context.Context, name string, opts ...Option) (context.Context, *Service) {
	ctx, signalCancelFunc := signal.NotifyContext(ctx,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	defaultLogger := util.Log(ctx)
	ctx = util.ContextWithLogger(ctx, defaultLogger)

	defaultCfg, err := config.FromEnv[config.ConfigurationDefault]()
	if err != nil {
		defaultLogger.WithError(err).Warn("could not read configuration from the environment")
	}

	service := &Service{
		name:          name,
		logger:        defaultLogger,
		configuration: &defaultCfg,
		cancelFunc:    signalCancelFunc,
		errorChannel:  make(chan error, 1),
	}

	var envOpts []Option
	if defaultCfg.ServiceName != "" {
		envOpts = append(envOpts, WithName(defaultCfg.ServiceName))
	}
	if defaultCfg.ServiceEnvironment != "" {
		envOpts = append(envOpts, WithEnvironment(defaultCfg.ServiceEnvironment))
	}
	if defaultCfg.ServiceVersion != "" {
		envOpts = append(envOpts, WithVersion(defaultCfg.ServiceVersion))
	}

	opts = append(envOpts, opts...)
	opts = append(opts, WithLogger())

	service.Init(ctx, opts...)

	if service.queueManager == nil {
		var qOpts []queue.Option
		if cfg, ok := service.Config().(config.ConfigurationQueue); ok {
			qOpts = queue.OptionsFromConfig(cfg)
		}
		service.queueManager = queue.NewManager(ctx, qOpts...)
	}

	ctx = SvcToContext(ctx, service)
	ctx = config.ToContext(ctx, service.Config())
	ctx = util.ContextWithLogger(ctx, service.logger)
	return ctx, service
}

// SvcToContext pushes a service instance into the supplied context.
func SvcToContext(ctx context.Context, service *Service) context.Context {
	return context.WithValue(ctx, ctxKeyService, service)
}

// Svc obtains the service carried by ctx, if any.
func Svc(ctx context.Context) *Service {
	service, ok := ctx.Value(ctxKeyService).(*Service)
	if !ok {
		return nil
	}
	return service
}

func (s *Service) Name() string {
	return s.name
}

func (s *Service) Version() string {
	return s.version
}

func (s *Service) Environment() string {
	return s.environment
}

func (s *Service) Config() any {
	return s.configuration
}

func (s *Service) QueueManager() *queue.Manager {
	return s.queueManager
}

// Workers returns the loops started by Run.
func (s *Service) Workers() []*worker.Worker {
	s.stopMutex.Lock()
	defer s.stopMutex.Unlock()
	return append([]*worker.Worker(nil), s.workers...)
}

// Init applies opts to the service.
func (s *Service) Init(ctx context.Context, opts ...Option) {
	for _, opt := range opts {
		opt(ctx, s)
	}
}

// AddCleanupMethod registers f to run when the service stops, newest first.
func (s *Service) AddCleanupMethod(f func(ctx context.Context)) {
	s.stopMutex.Lock()
	defer s.stopMutex.Unlock()

	if s.cleanup == nil {
		s.cleanup = f
		return
	}

	old := s.cleanup
	s.cleanup = func(ctx context.Context) { f(ctx); old(ctx) }
}

func (s *Service) stopTimeout() time.Duration {
	if cfg, ok := s.Config().(config.ConfigurationWorkers); ok {
		return cfg.GetWorkerStopTimeout()
	}
	return defaultStopTimeout
}

func (s *Service) initQueues(ctx context.Context) error {
	cfg, _ := s.Config().(config.ConfigurationQueue)

	for _, b := range s.queueBindings {
		url := b.url
		if url == "" {
			if cfg == nil {
				return fmt.Errorf("%w: no url for queue %s", ErrNoQueueConfig, b.name)
			}
			url = cfg.QueueURL(b.name)
		}

		if err := s.queueManager.AddQueue(ctx, b.name, url); err != nil {
			return fmt.Errorf("register queue %s: %w", b.name, err)
		}
		s.Log(ctx).WithField("queue", b.name).Debug("queue registered")
	}
	return nil
}

func (s *Service) startWorkers(ctx context.Context) error {
	if s.workerFactory == nil {
		return ErrNoWorkers
	}

	workers, err := s.workerFactory(ctx, s)
	if err != nil {
		return fmt.Errorf("build workers: %w", err)
	}
	if len(workers) == 0 {
		return ErrNoWorkers
	}

	poolCfg, _ := s.Config().(config.ConfigurationWorkerPool)
	capacity := len(workers)
	if poolCfg != nil {
		capacity = max(capacity, poolCfg.GetCapacity())
	}
	poolOpts := append([]workerpool.Option{workerpool.WithSinglePoolCapacity(capacity)}, s.poolOptions...)

	s.workerManager, err = workerpool.NewManager(ctx, poolCfg, s.sendStopError, poolOpts...)
	if err != nil {
		return err
	}

	// Stop cancels workerCtx, so a job the pool starts late exits at once.
	workerCtx, workerCancel := context.WithCancel(ctx)
	s.stopMutex.Lock()
	if s.stopped {
		s.stopMutex.Unlock()
		workerCancel()
		s.workerManager.Shutdown(ctx)
		return nil
	}
	s.workers = workers
	s.workerCancel = workerCancel
	s.stopMutex.Unlock()

	for _, w := range workers {
		job := workerpool.NewJob("worker "+w.Name(), 0, w.Run)
		if err = s.workerManager.Submit(workerCtx, job); err != nil {
			if workerCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("start worker %s: %w", w.Name(), err)
		}
	}

	s.Log(ctx).WithField("workers", len(workers)).Info("workers started")
	return nil
}

func (s *Service) startDiagnostics(ctx context.Context) error {
	cfg, ok := s.Config().(config.ConfigurationDiagnostics)
	if !ok || !cfg.DiagnosticsEnabled() {
		return nil
	}

	s.diagnostics = diagnostics.NewServer(s)
	if err := s.diagnostics.Start(ctx, cfg.DiagnosticsAddr()); err != nil {
		s.diagnostics = nil
		return fmt.Errorf("start diagnostics: %w", err)
	}
	return nil
}

// Run registers the queues, starts every worker and blocks until ctx ends or
// a worker fails fatally. Either way the service is stopped before Run returns.
func (s *Service) Run(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		if startErr = s.initQueues(ctx); startErr != nil {
			return
		}
		if startErr = s.startWorkers(ctx); startErr != nil {
			return
		}
		startErr = s.startDiagnostics(ctx)
	})
	if startErr != nil {
		s.Log(ctx).WithError(startErr).Error("service could not start")
		s.Stop(ctx)
		return startErr
	}

	select {
	case <-ctx.Done():
		s.Stop(ctx)
		return ctx.Err()
	case err := <-s.errorChannel:
		if err != nil {
			s.Log(ctx).WithError(err).Error("system exit in error")
		} else {
			s.Log(ctx).Debug("system exit")
		}
		s.Stop(ctx)
		return err
	}
}

func (s *Service) sendStopError(ctx context.Context, err error) {
	select {
	case s.errorChannel <- err:
	default:
		s.Log(ctx).WithError(err).Debug("stop error dropped, service already stopping")
	}
}

// Stop lets every worker settle its in-flight message, then closes the queues
// and flushes telemetry. It is safe to call more than once.
func (s *Service) Stop(ctx context.Context) {
	s.stopMutex.Lock()
	if s.stopped {
		s.stopMutex.Unlock()
		return
	}
	s.stopped = true
	workers := s.workers
	workerCancel := s.workerCancel
	cleanup := s.cleanup
	s.stopMutex.Unlock()

	if workerCancel != nil {
		workerCancel()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout())
	defer cancel()

	log := s.Log(stopCtx)
	log.Info("service stopping")

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Go(func() {
			if err := w.Stop(stopCtx); err != nil {
				log.WithError(err).WithField("worker", w.Name()).Warn("worker did not stop in time")
			}
		})
	}
	wg.Wait()

	if s.diagnostics != nil {
		if err := s.diagnostics.Stop(stopCtx); err != nil {
			log.WithError(err).Warn("could not stop diagnostics server")
		}
	}

	if cleanup != nil {
		cleanup(stopCtx)
	}

	if err := s.queueManager.Close(stopCtx); err != nil {
		log.WithError(err).Warn("could not close every queue")
	}

	if s.workerManager != nil {
		s.workerManager.Shutdown(stopCtx)
	}

	if s.telemetryManager != nil {
		if err := s.telemetryManager.Shutdown(stopCtx); err != nil {
			log.WithError(err).Warn("could not flush telemetry")
		}
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
}

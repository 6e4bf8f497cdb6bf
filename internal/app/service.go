package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"alerthub/internal/api"
	"alerthub/internal/clock"
	"alerthub/internal/config"
	"alerthub/internal/engine"
	"alerthub/internal/events"
	"alerthub/internal/ingest"
	"alerthub/internal/logging"
	"alerthub/internal/notify"
	"alerthub/internal/notifyqueue"
	"alerthub/internal/state"
)

const shutdownTimeout = 10 * time.Second

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable alerthub service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	events    events.Multi
	engine    *engine.Engine
	processor *Processor
	pool      *dispatchPool
	queue     *workQueue
	ingestPub *ingest.NATSPublisher
	ingestSub *ingest.NATSSubscriber
	jobPub    notifyqueue.Producer
	jobWorker *notifyqueue.NATSWorker
	httpSrv   *http.Server
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: context for backend setup, config source, and clock implementation.
// Returns: initialized service or setup error.
func NewService(ctx context.Context, source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return newService(ctx, source, cfg, logger, closeLog, clk)
}

// newService wires runtime from an already loaded snapshot.
func newService(ctx context.Context, source config.ConfigSource, cfg config.Config, logger *slog.Logger, closeLog func(), clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logging.OrDiscard(logger),
		closeLog: closeLog,
		clock:    clk,
	}

	steps := []func(context.Context) error{
		service.buildStore,
		service.buildEvents,
		service.buildPipeline,
		service.buildDispatchQueue,
		service.buildIngest,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	service.buildHTTPServer()
	return service, nil
}

// Handler returns root HTTP handler; used by tests that serve without a listener.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workCancel()
	if s.queue != nil {
		s.queue.Start(workCtx)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen, "mode", s.cfg.Service.Mode)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	if s.cfg.Service.ReloadEnabled {
		go func() {
			if err := config.Watch(watchCtx, s.source, s.logger, s.applyConfig); err != nil {
				s.logger.Error("config watch stopped", "error", err.Error())
			}
		}()
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// applyConfig swaps live rules, silences, and channels from a reloaded snapshot.
// Params: validated config snapshot.
// Returns: none; failures keep the previous runtime.
func (s *Service) applyConfig(next config.Config) {
	if config.NormalizeServiceMode(next.Service.Mode) != config.NormalizeServiceMode(s.cfg.Service.Mode) {
		s.logger.Warn("service.mode change requires restart, ignoring", "current", s.cfg.Service.Mode, "next", next.Service.Mode)
	}
	if next.Store.Backend != s.cfg.Store.Backend {
		s.logger.Warn("store.backend change requires restart, ignoring", "current", s.cfg.Store.Backend, "next", next.Store.Backend)
	}
	adapters, err := notify.NewAdapters(next.Channel)
	if err != nil {
		s.logger.Error("reload rejected: channel setup failed", "error", err.Error())
		return
	}
	s.processor.SetDispatcher(notify.NewDispatcher(next.Dispatch, next.Channel, adapters, s.logger))
	s.processor.SetRules(next.Rule)
	s.engine.SetSilences(next.Silence)
	s.cfg.Rule = next.Rule
	s.cfg.Silence = next.Silence
	s.cfg.Channel = next.Channel
	s.logger.Info("configuration reloaded", "rules", len(next.Rule), "silences", len(next.Silence))
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.queue != nil {
		s.queue.Close()
	}
	type namedCloser struct {
		name   string
		closer interface{ Close() error }
	}
	var closers []namedCloser
	if s.ingestSub != nil {
		closers = append(closers, namedCloser{name: "nats ingest subscriber", closer: s.ingestSub})
	}
	if s.ingestPub != nil {
		closers = append(closers, namedCloser{name: "nats ingest publisher", closer: s.ingestPub})
	}
	if s.pool != nil {
		closers = append(closers, namedCloser{name: "dispatch pool", closer: closerFunc(s.pool.Close)})
	}
	if s.jobWorker != nil {
		closers = append(closers, namedCloser{name: "dispatch queue worker", closer: s.jobWorker})
	}
	if s.jobPub != nil {
		closers = append(closers, namedCloser{name: "dispatch queue producer", closer: s.jobPub})
	}
	closers = append(closers,
		namedCloser{name: "events publisher", closer: s.events},
		namedCloser{name: "store", closer: s.store},
	)
	for _, item := range closers {
		if err := item.closer.Close(); err != nil {
			s.logger.Error(item.name+" close failed", "error", err.Error())
			markErr(fmt.Errorf("%s close: %w", item.name, err))
		}
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.ingestSub != nil {
		_ = s.ingestSub.Close()
		s.ingestSub = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.ingestPub != nil {
		_ = s.ingestPub.Close()
		s.ingestPub = nil
	}
	if s.jobWorker != nil {
		_ = s.jobWorker.Close()
		s.jobWorker = nil
	}
	if s.jobPub != nil {
		_ = s.jobPub.Close()
		s.jobPub = nil
	}
	if s.events != nil {
		_ = s.events.Close()
		s.events = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStore creates state backend selected by store.backend.
// Params: setup context.
// Returns: connection/setup error.
func (s *Service) buildStore(ctx context.Context) error {
	switch s.cfg.Store.Backend {
	case config.StoreBackendNATS:
		store, err := state.NewNATSStore(s.cfg.Store.NATS)
		if err != nil {
			return fmt.Errorf("open nats store: %w", err)
		}
		s.store = store
	case config.StoreBackendPostgres:
		store, err := state.NewPostgresStore(ctx, s.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		s.store = store
	default:
		s.store = state.NewMemoryStore()
	}
	s.logger.Info("state store ready", "backend", s.cfg.Store.Backend)
	return nil
}

// buildEvents creates lifecycle event publishers enabled in config.
func (s *Service) buildEvents(context.Context) error {
	if s.cfg.Events.Log {
		s.events = append(s.events, events.NewLogPublisher(s.logger))
	}
	if s.cfg.Events.NATS {
		publisher, err := events.NewNATSPublisher(s.cfg.Ingest.NATS.URL, s.cfg.Events.Subject)
		if err != nil {
			return fmt.Errorf("open events publisher: %w", err)
		}
		s.events = append(s.events, publisher)
	}
	return nil
}

// buildPipeline wires engine, channel adapters, dispatcher, and processor.
func (s *Service) buildPipeline(context.Context) error {
	var publisher engine.Publisher
	if len(s.events) > 0 {
		publisher = s.events
	}
	s.engine = engine.New(engine.Options{
		Store:     s.store,
		Clock:     s.clock,
		Publisher: publisher,
		Logger:    s.logger,
		LockWait:  s.cfg.LockWait(),
		Silences:  s.cfg.Silence,
	})
	adapters, err := notify.NewAdapters(s.cfg.Channel)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(s.cfg.Dispatch, s.cfg.Channel, adapters, s.logger)
	s.processor = NewProcessor(s.engine, s.cfg.Rule, dispatcher, s.logger, s.clock)
	s.pool = newDispatchPool(s.cfg.Dispatch.Workers, s.cfg.Dispatch.Backlog, s.processor.deliver, s.logger)
	// Deliveries outlive the request that triggered them; Close drains the lanes.
	s.pool.Start(context.Background())
	s.processor.SetDispatchPool(s.pool)
	return nil
}

// buildDispatchQueue starts durable dispatch producer and worker when enabled.
func (s *Service) buildDispatchQueue(context.Context) error {
	if isSingleMode(s.cfg) || !s.cfg.Dispatch.Queue.Enabled {
		return nil
	}
	producer, err := notifyqueue.NewNATSProducer(s.cfg.Dispatch.Queue)
	if err != nil {
		return err
	}
	s.jobPub = producer
	worker, err := notifyqueue.NewNATSWorker(s.cfg.Dispatch.Queue, s.logger, s.processor.ProcessQueuedJob)
	if err != nil {
		return err
	}
	s.jobWorker = worker
	s.processor.SetQueueProducer(producer)
	return nil
}

// buildIngest selects the webhook sink: local work queue or JetStream.
func (s *Service) buildIngest(context.Context) error {
	if isSingleMode(s.cfg) {
		s.queue = newWorkQueue(s.cfg.Ingest.QueueSize, s.cfg.Ingest.Workers, s.cfg.RequeueDelay(), s.processor.ProcessBatch, s.logger)
		return nil
	}
	publisher, err := ingest.NewNATSPublisher(s.cfg.Ingest.NATS)
	if err != nil {
		return err
	}
	s.ingestPub = publisher
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.processor.Process, s.logger)
	if err != nil {
		return err
	}
	s.ingestSub = subscriber
	return nil
}

// buildHTTPServer mounts webhook, alert API, and probes.
func (s *Service) buildHTTPServer() {
	var sink ingest.Sink = s.queue
	if s.ingestPub != nil {
		sink = s.ingestPub
	}
	router := api.NewRouter(api.Options{
		HTTP:    s.cfg.HTTP,
		Webhook: ingest.NewWebhookHandler(sink, s.cfg.Ingest.BatchPolicy, s.cfg.HTTP.MaxBodyBytes, s.logger),
		Alerts:  s.engine,
		Ready:   s.readyFlag.Load,
		Logger:  s.logger,
	})
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// closerFunc adapts a no-error close to the shutdown closer list.
type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}

package payhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	gocmd "github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	jobqueue "github.com/goliatone/go-job/queue"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-payhooks/adapters/gocommand"
	"github.com/goliatone/go-payhooks/adapters/gojob"
	"github.com/goliatone/go-payhooks/adapters/gologger"
	"github.com/goliatone/go-payhooks/command"
	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/dispatcher"
	"github.com/goliatone/go-payhooks/httpapi"
	"github.com/goliatone/go-payhooks/ledger"
	"github.com/goliatone/go-payhooks/ledger/redislock"
	"github.com/goliatone/go-payhooks/metrics"
	"github.com/goliatone/go-payhooks/query"
	"github.com/goliatone/go-payhooks/queue"
	"github.com/goliatone/go-payhooks/queue/kafka"
	"github.com/goliatone/go-payhooks/queue/memory"
	sqlstore "github.com/goliatone/go-payhooks/store/sql"
	"github.com/goliatone/go-payhooks/templates"
	"github.com/goliatone/go-payhooks/webhooks"
)

// Service is the assembled pipeline: webhook intake, ledger, queue and
// dispatcher behind one HTTP handler.
type Service struct {
	cfg      core.Config
	logger   core.Logger
	observer *core.Observer
	recorder *metrics.PrometheusRecorder

	store       core.TransactionStore
	lookup      core.DeliveryLookup
	ledger      core.TransactionLedger
	deadLetters query.DeadLetterReader

	publisher   core.QueuePublisher
	broker      *memory.Broker
	jobSources  map[core.MessageKind]core.QueueDequeuer
	kafkaSource *kafka.Source
	kafkaPub    *kafka.Publisher

	emitter    *webhooks.AsyncEmitter
	reconciler *webhooks.Reconciler
	dispatcher *dispatcher.Dispatcher
	server     *httpapi.Server
	handler    http.Handler

	subs      []commanddispatcher.Subscription
	closers   []func() error
	closeOnce sync.Once

	workMu     sync.Mutex
	cancelWork context.CancelFunc
	workDone   chan struct{}
}

type Option func(*options)

type options struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	recorder       *metrics.PrometheusRecorder
	tracer         trace.TracerProvider

	persistence *persistence.Client
	store       core.TransactionStore
	lookup      core.DeliveryLookup
	deadLetters DeadLetterStore
	locker      core.KeyLocker

	kafkaGroup    sarama.ConsumerGroup
	kafkaProducer sarama.SyncProducer

	jobEnqueuer  jobqueue.Enqueuer
	jobDequeuers map[core.MessageKind]jobqueue.Dequeuer

	renderer      core.TemplateRenderer
	email         core.EmailSender
	push          core.PushSender
	notifications core.NotificationSink
	alerter       core.Alerter
}

// DeadLetterStore records dead letters and lists them for the admin API.
type DeadLetterStore interface {
	core.DeadLetterSink
	query.DeadLetterReader
}

func WithLogger(logger core.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *options) { o.loggerProvider = provider }
}

func WithPrometheusRecorder(recorder *metrics.PrometheusRecorder) Option {
	return func(o *options) { o.recorder = recorder }
}

func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *options) { o.tracer = provider }
}

// WithPersistenceClient backs the ledger and dead letters with SQL. The
// schema must already be migrated.
func WithPersistenceClient(client *persistence.Client) Option {
	return func(o *options) { o.persistence = client }
}

func WithTransactionStore(store core.TransactionStore) Option {
	return func(o *options) { o.store = store }
}

func WithDeliveryLookup(lookup core.DeliveryLookup) Option {
	return func(o *options) { o.lookup = lookup }
}

func WithDeadLetterStore(store DeadLetterStore) Option {
	return func(o *options) { o.deadLetters = store }
}

// WithKeyLocker serializes transitions across processes. Redis config
// builds one when this is not set.
func WithKeyLocker(locker core.KeyLocker) Option {
	return func(o *options) { o.locker = locker }
}

func WithKafkaClients(group sarama.ConsumerGroup, producer sarama.SyncProducer) Option {
	return func(o *options) {
		o.kafkaGroup = group
		o.kafkaProducer = producer
	}
}

// WithJobQueue supplies the go-job broker used by the job queue backend,
// with one dequeuer per message kind.
func WithJobQueue(enqueuer jobqueue.Enqueuer, dequeuers map[core.MessageKind]jobqueue.Dequeuer) Option {
	return func(o *options) {
		o.jobEnqueuer = enqueuer
		o.jobDequeuers = dequeuers
	}
}

func WithRenderer(renderer core.TemplateRenderer) Option {
	return func(o *options) { o.renderer = renderer }
}

func WithEmailSender(sender core.EmailSender) Option {
	return func(o *options) { o.email = sender }
}

func WithPushSender(sender core.PushSender) Option {
	return func(o *options) { o.push = sender }
}

func WithNotificationSink(sink core.NotificationSink) Option {
	return func(o *options) { o.notifications = sink }
}

func WithAlerter(alerter core.Alerter) Option {
	return func(o *options) { o.alerter = alerter }
}

// New validates cfg and wires every component. Nothing runs until Run.
func New(cfg core.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	s := &Service{cfg: cfg}
	s.logger = core.ResolveLogger(cfg.ServiceName, o.loggerProvider, o.logger)
	s.recorder = o.recorder
	if s.recorder == nil {
		s.recorder = metrics.NewPrometheusRecorder(metrics.WithRuntimeCollectors())
	}
	s.observer = core.NewObserver(s.logger, s.recorder, cfg.ServiceName)

	steps := []func(*options) error{
		s.buildStorage,
		s.buildQueue,
		s.buildIntake,
		s.buildDispatcher,
		s.buildBus,
		s.buildServer,
	}
	for _, step := range steps {
		if err := step(&o); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) buildStorage(o *options) error {
	s.store = o.store
	s.lookup = o.lookup

	driver := strings.ToLower(strings.TrimSpace(s.cfg.Database.Driver))
	if s.store == nil && driver != core.DatabaseDriverMemory {
		if o.persistence == nil {
			return fmt.Errorf("payhooks: database driver %q needs a persistence client", s.cfg.Database.Driver)
		}
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(o.persistence)
		if err != nil {
			return err
		}
		s.store = factory.TransactionStore()
		if s.lookup == nil {
			cacheCfg := repositorycache.DefaultConfig()
			if s.cfg.Cache.TTL > 0 {
				cacheCfg.TTL = s.cfg.Cache.TTL
			}
			cacheService, err := repositorycache.NewCacheService(cacheCfg)
			if err != nil {
				return fmt.Errorf("payhooks: delivery cache: %w", err)
			}
			cached, err := sqlstore.NewCachedDeliveryLookup(factory.TransactionStore(), cacheService)
			if err != nil {
				return err
			}
			s.lookup = cached
		}
		if o.deadLetters == nil {
			o.deadLetters = factory.DeadLetterStore()
		}
	}
	if s.store == nil {
		s.store = ledger.NewMemory()
	}
	if s.lookup == nil {
		if lookup, ok := s.store.(core.DeliveryLookup); ok {
			s.lookup = lookup
		}
	}
	if o.deadLetters != nil {
		s.deadLetters = o.deadLetters
	}

	s.ledger = s.store
	locker := o.locker
	if locker == nil && s.cfg.Redis.Enabled {
		client := redislock.NewClient(s.cfg.Redis)
		s.closers = append(s.closers, client.Close)
		redisLocker, err := redislock.New(client, s.cfg.ServiceName+":")
		if err != nil {
			return err
		}
		locker = redisLocker
	}
	if locker != nil {
		locked, err := ledger.WithLocker(s.store, locker, ledger.WithLockTTL(s.cfg.Redis.LockTTL))
		if err != nil {
			return err
		}
		s.ledger = locked
	}
	return nil
}

func (s *Service) buildQueue(o *options) error {
	switch strings.ToLower(strings.TrimSpace(s.cfg.Queue.Backend)) {
	case core.QueueBackendKafka:
		producer := o.kafkaProducer
		if producer == nil {
			built, err := kafka.NewSyncProducer(s.cfg.Kafka.Brokers)
			if err != nil {
				return err
			}
			producer = built
		}
		group := o.kafkaGroup
		if group == nil {
			built, err := kafka.NewConsumerGroup(s.cfg.Kafka.Brokers, s.cfg.Kafka.GroupID)
			if err != nil {
				_ = producer.Close()
				return err
			}
			group = built
		}
		s.kafkaPub = kafka.NewPublisher(producer, kafka.TopicsFromConfig(s.cfg))
		sourceOpts := []kafka.SourceOption{kafka.WithSourceObserver(s.observer)}
		if o.deadLetters != nil {
			sourceOpts = append(sourceOpts, kafka.WithSourceDeadLetterSink(o.deadLetters))
		}
		s.kafkaSource = kafka.NewSource(group, s.kafkaPub, sourceOpts...)
		s.publisher = s.kafkaPub
	case core.QueueBackendJob:
		if o.jobEnqueuer == nil {
			return fmt.Errorf("payhooks: job queue backend needs a go-job enqueuer")
		}
		s.publisher = gojob.NewPublisher(o.jobEnqueuer, queue.NamesFromConfig(s.cfg.Queue))
		policy := gojob.RetryPolicy{
			MaxAttempts:     s.cfg.Dispatcher.MaxAttempts,
			MaxDelay:        s.cfg.Dispatcher.MaxBackoff,
			DeadLetterOnMax: true,
		}
		s.jobSources = make(map[core.MessageKind]core.QueueDequeuer, len(core.MessageKinds))
		for _, kind := range core.MessageKinds {
			dequeuer, ok := o.jobDequeuers[kind]
			if !ok || dequeuer == nil {
				return fmt.Errorf("payhooks: job queue backend needs a dequeuer for %s", kind)
			}
			s.jobSources[kind] = gojob.NewDequeuer(dequeuer, policy,
				gojob.WithLogger(gologger.ToJobLogger(s.logger)),
				gojob.WithHooks(gojob.NewObserverHook(s.observer)),
			)
		}
	default:
		brokerOpts := []memory.Option{memory.WithBufferSize(s.cfg.Queue.BufferSize)}
		if o.deadLetters != nil {
			brokerOpts = append(brokerOpts, memory.WithDeadLetterSink(o.deadLetters))
		}
		s.broker = memory.New(brokerOpts...)
		s.publisher = s.broker
		if s.deadLetters == nil {
			s.deadLetters = s.broker
		}
	}
	return nil
}

func (s *Service) buildIntake(o *options) error {
	alerter := o.alerter
	if alerter == nil {
		alerter = dispatcher.NewObserverAlerter(s.observer)
		o.alerter = alerter
	}
	emitter, err := webhooks.NewAsyncEmitter(s.publisher,
		webhooks.WithPublishRetry(s.cfg.Webhook.PublishRetry),
		webhooks.WithEmitterPool(s.cfg.Webhook.EmitterWorkers, s.cfg.Webhook.EmitterQueueSize),
		webhooks.WithAlerter(alerter),
		webhooks.WithEmitterObserver(s.observer),
	)
	if err != nil {
		return err
	}
	s.emitter = emitter

	verifier, err := webhooks.NewHMACVerifier(s.cfg.Webhook.Secret, s.cfg.Webhook.SignatureEncoding)
	if err != nil {
		return err
	}
	reconcilerOpts := []webhooks.ReconcilerOption{webhooks.WithObserver(s.observer)}
	if s.lookup != nil {
		reconcilerOpts = append(reconcilerOpts, webhooks.WithDeliveryLookup(s.lookup))
	}
	if o.tracer != nil {
		reconcilerOpts = append(reconcilerOpts, webhooks.WithTracerProvider(o.tracer))
	}
	s.reconciler, err = webhooks.NewReconciler(verifier, s.ledger, s.emitter, reconcilerOpts...)
	return err
}

func (s *Service) buildDispatcher(o *options) error {
	renderer := o.renderer
	if renderer == nil {
		built, err := templates.New()
		if err != nil {
			return err
		}
		renderer = built
	}
	logSender := dispatcher.NewLogSender(s.observer)
	var email core.EmailSender = logSender
	if o.email != nil {
		email = o.email
	}
	var push core.PushSender = logSender
	if o.push != nil {
		push = o.push
	}
	var notifications core.NotificationSink = logSender
	if o.notifications != nil {
		notifications = o.notifications
	}

	dispatcherOpts := []dispatcher.Option{
		dispatcher.WithConfig(s.cfg.Dispatcher),
		dispatcher.WithRenderer(renderer),
		dispatcher.WithEmailSender(email),
		dispatcher.WithPushSender(push),
		dispatcher.WithNotificationSink(notifications),
		dispatcher.WithAlerter(o.alerter),
		dispatcher.WithObserver(s.observer),
	}
	if o.tracer != nil {
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithTracerProvider(o.tracer))
	}
	for _, kind := range core.MessageKinds {
		source, err := s.dequeuer(kind)
		if err != nil {
			return err
		}
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithSource(kind, source))
	}
	built, err := dispatcher.New(dispatcherOpts...)
	if err != nil {
		return err
	}
	s.dispatcher = built
	return nil
}

func (s *Service) dequeuer(kind core.MessageKind) (core.QueueDequeuer, error) {
	if s.kafkaSource != nil {
		return s.kafkaSource.Dequeuer(kind)
	}
	if s.jobSources != nil {
		return s.jobSources[kind], nil
	}
	return s.broker.Dequeuer(kind)
}

func (s *Service) buildBus(*options) error {
	adapter := gocommand.NewRegistryAdapter(gocmd.NewRegistry())
	commandSubs, err := command.Register(adapter, command.Dependencies{
		Webhooks:     s.reconciler,
		Publisher:    s.publisher,
		Transactions: s.store,
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, commandSubs...)
	querySubs, err := query.Register(adapter, query.Dependencies{
		Transactions: s.store,
		Deliveries:   s.store,
		DeadLetters:  s.deadLetters,
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, querySubs...)
	busLogger := s.logger
	if err := adapter.AddResolver("log", func(_ any, meta gocmd.CommandMeta, _ *gocmd.Registry) error {
		busLogger.Debug("bus handler registered", "message_type", meta.MessageType)
		return nil
	}); err != nil {
		return err
	}
	return adapter.Initialize()
}

func (s *Service) buildServer(*options) error {
	serverOpts := []httpapi.Option{
		httpapi.WithWebhookConfig(s.cfg.Webhook),
		httpapi.WithObserver(s.observer),
		httpapi.WithMetricsHandler(s.recorder.Handler()),
	}
	if s.cfg.HTTP.AdminEnabled {
		serverOpts = append(serverOpts, httpapi.WithAdminRoutes())
	}
	if pinger, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		serverOpts = append(serverOpts, httpapi.WithHealthCheck("database", pinger.Ping))
	}
	server, err := httpapi.NewServer(command.NewBusWebhookHandler(), serverOpts...)
	if err != nil {
		return err
	}
	s.server = server
	s.handler = server.Routes()
	return nil
}

func (s *Service) Config() core.Config {
	if s == nil {
		return core.Config{}
	}
	return s.cfg
}

func (s *Service) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.handler
}

func (s *Service) Store() core.TransactionStore {
	if s == nil {
		return nil
	}
	return s.store
}

func (s *Service) Publisher() core.QueuePublisher {
	if s == nil {
		return nil
	}
	return s.publisher
}

func (s *Service) Recorder() *metrics.PrometheusRecorder {
	if s == nil {
		return nil
	}
	return s.recorder
}

// Run serves HTTP on cfg.HTTP.Addr and drains the queues until ctx ends,
// then shuts down in order: HTTP intake, pending publishes, dispatcher,
// queue clients.
func (s *Service) Run(ctx context.Context) error {
	if s == nil || s.handler == nil {
		return fmt.Errorf("payhooks: service is not configured")
	}
	httpServer := &http.Server{
		Addr:         s.cfg.HTTP.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		s.observer.Info(ctx, "http server listening", map[string]any{"addr": s.cfg.HTTP.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		s.observer.Warn(shutdownCtx, "http shutdown incomplete", map[string]any{"error": shutdownErr.Error()})
	}
	return errors.Join(err, s.Stop(shutdownCtx), s.Close())
}

// Start runs the dispatcher, and the kafka consumer when configured, in
// the background until Stop.
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.dispatcher == nil {
		return fmt.Errorf("payhooks: service is not configured")
	}
	s.workMu.Lock()
	defer s.workMu.Unlock()
	if s.cancelWork != nil {
		return fmt.Errorf("payhooks: service already started")
	}
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelWork = cancel
	s.workDone = make(chan struct{})

	var wg sync.WaitGroup
	if s.kafkaSource != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.kafkaSource.Run(workCtx); err != nil {
				s.observer.Error(workCtx, "kafka source stopped", map[string]any{"error": err.Error()})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.dispatcher.Run(workCtx); err != nil {
			s.observer.Error(workCtx, "dispatcher stopped", map[string]any{"error": err.Error()})
		}
	}()
	go func() {
		wg.Wait()
		close(s.workDone)
	}()
	return nil
}

// Stop flushes pending publishes, then stops the workers. In-flight
// deliveries get the dispatcher shutdown grace before they are released.
func (s *Service) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.workMu.Lock()
	cancel, done := s.cancelWork, s.workDone
	s.workMu.Unlock()

	err := s.emitter.Close(ctx)
	if cancel == nil {
		return err
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// Close releases queue clients and bus subscriptions. Call it after the
// workers stopped.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	s.closeOnce.Do(func() {
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		if s.broker != nil {
			s.broker.Close()
		}
		if s.kafkaSource != nil {
			errs = append(errs, s.kafkaSource.Close())
		}
		if s.kafkaPub != nil {
			errs = append(errs, s.kafkaPub.Close())
		}
		for _, closer := range s.closers {
			errs = append(errs, closer())
		}
	})
	return errors.Join(errs...)
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	codecpkg "github.com/drblury/eventflow/internal/runtime/codec"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	"github.com/drblury/eventflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/eventstore"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/internal/runtime/relay"
	"github.com/drblury/eventflow/internal/runtime/saga"
	"github.com/drblury/eventflow/internal/runtime/sqldb"
	"github.com/drblury/eventflow/internal/runtime/telemetry"
	"github.com/drblury/eventflow/internal/runtime/throttle"
	"github.com/drblury/eventflow/transport"
	_ "github.com/drblury/eventflow/transport/transports"
)

const shutdownTimeout = 5 * time.Second

var (
	buildBus          = transport.Build
	openSQLEventStore = eventstore.OpenSQLStore
	openSQLSagaStore  = saga.OpenSQLStore
	newTimeoutPoller  = saga.NewTimeoutPoller
	newRedisClient    = func(conf *configpkg.Config) redis.UniversalClient {
		return redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
	}
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to build them from Config.
type ServiceDependencies struct {
	// Bus replaces the transport selected by Config.Transport. The Service does
	// not close a bus it did not build.
	Bus        transport.Bus
	EventStore eventstore.Store
	SagaStore  saga.Store
	Serializer *codecpkg.Serializer
	// MetricsRegisterer receives the collectors. Nil uses a private registry.
	MetricsRegisterer prometheus.Registerer
	// TopicFunc routes relayed events. Nil publishes every event to Config.RelayTopic.
	TopicFunc                 relay.TopicFunc
	Middlewares               []dispatch.MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                              // Skips registering the default middleware chain when true.
}

// Service wires the bus, the event store, the relay, dispatchers and saga
// routers described by a Config.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	bus        transport.Bus
	events     eventstore.Store
	sagas      saga.Store
	serializer *codecpkg.Serializer
	metrics    *telemetry.Metrics
	relay      *relay.Relay
	resources  *resourceTracker
	deps       ServiceDependencies

	mu          sync.Mutex
	dispatchers []*dispatch.Dispatcher
	// processTopics maps a process type to the topic its router consumes.
	processTopics map[string]string
	closers       []io.Closer
	started       bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration. Add
// dispatchers and processes on the returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errors.New("config is nil")
	}
	withDefaults := conf.WithDefaults()
	conf = &withDefaults
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = loggingpkg.NewNopServiceLogger()
	}

	log.Info("Creating event service", loggingpkg.LogFields{
		"transport":   conf.Transport,
		"event_store": conf.EventStore,
		"saga_store":  conf.SagaStore,
		"config":      conf,
	})

	s := &Service{
		Conf:          conf,
		Logger:        log,
		deps:          deps,
		serializer:    deps.Serializer,
		resources:     newResourceTracker(),
		processTopics: make(map[string]string),
	}
	if s.serializer == nil {
		s.serializer = codecpkg.NewSerializer()
	}

	s.metrics = telemetry.NewMetrics(deps.MetricsRegisterer, conf.MetricsNamespace)
	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		if conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", s.metrics.Handler())
		}
	}
	if conf.StatusEnabled {
		s.RegisterHTTPHandler(conf.StatusPort, "/api/status", s.StatusHandler())
	}

	if err := s.build(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	conf := s.Conf

	s.bus = s.deps.Bus
	if s.bus == nil {
		bus, err := buildBus(ctx, conf, loggingpkg.NewWatermillAdapter(s.Logger))
		if err != nil {
			return fmt.Errorf("failed to build transport %q: %w", conf.Transport, err)
		}
		s.bus = bus
		s.closers = append(s.closers, bus)
	}

	s.events = s.deps.EventStore
	if s.events == nil {
		events, err := s.openEventStore(ctx)
		if err != nil {
			return err
		}
		s.events = events
	}

	s.sagas = s.deps.SagaStore
	if s.sagas == nil {
		sagas, err := s.openSagaStore(ctx)
		if err != nil {
			return err
		}
		s.sagas = sagas
	}

	r, err := relay.New(s.events, s.bus, relay.Config{
		Topic:          conf.RelayTopic,
		BatchSize:      conf.RelayBatchSize,
		PollInterval:   conf.RelayPollInterval,
		InitialBackoff: conf.SendInitialInterval,
		MaxBackoff:     conf.RelayMaxBackoff,
	}, relay.Dependencies{
		Logger:    s.Logger,
		Metrics:   s.metrics,
		TopicFunc: s.deps.TopicFunc,
	})
	if err != nil {
		return err
	}
	s.relay = r
	return nil
}

func (s *Service) openEventStore(ctx context.Context) (eventstore.Store, error) {
	switch s.Conf.EventStore {
	case configpkg.StorePostgres, configpkg.StoreSQLite:
		dialect, dsn := s.sqlTarget(s.Conf.EventStore)
		store, err := openSQLEventStore(ctx, dsn, eventstore.SQLConfig{Dialect: dialect})
		if err != nil {
			return nil, fmt.Errorf("failed to open event store: %w", err)
		}
		s.closers = append(s.closers, store)
		return store, nil
	default:
		return eventstore.NewMemoryStore(), nil
	}
}

func (s *Service) openSagaStore(ctx context.Context) (saga.Store, error) {
	switch s.Conf.SagaStore {
	case configpkg.StorePostgres, configpkg.StoreSQLite:
		dialect, dsn := s.sqlTarget(s.Conf.SagaStore)
		store, err := openSQLSagaStore(ctx, dsn, saga.SQLConfig{Dialect: dialect})
		if err != nil {
			return nil, fmt.Errorf("failed to open saga store: %w", err)
		}
		s.closers = append(s.closers, store)
		return store, nil
	case configpkg.StoreRedis:
		client := newRedisClient(s.Conf)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store, err := saga.NewRedisStore(client, "")
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		s.closers = append(s.closers, store)
		return store, nil
	default:
		return saga.NewMemoryStore(), nil
	}
}

func (s *Service) sqlTarget(backend string) (sqldb.Dialect, string) {
	if backend == configpkg.StoreSQLite {
		return sqldb.SQLite, s.Conf.SQLiteFile
	}
	return sqldb.Postgres, s.Conf.PostgresURL
}

// Bus returns the message bus.
func (s *Service) Bus() transport.Bus { return s.bus }

// EventStore returns the event store the relay drains.
func (s *Service) EventStore() eventstore.Store { return s.events }

// SagaStore returns the saga instance store.
func (s *Service) SagaStore() saga.Store { return s.sagas }

// Serializer returns the type-tag registry shared by dispatchers and saga routers.
func (s *Service) Serializer() *codecpkg.Serializer { return s.serializer }

// Metrics returns the service collectors.
func (s *Service) Metrics() *telemetry.Metrics { return s.metrics }

// Relay returns the reliable publisher.
func (s *Service) Relay() *relay.Relay { return s.relay }

// Dispatchers returns the dispatchers added so far.
func (s *Service) Dispatchers() []*dispatch.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*dispatch.Dispatcher(nil), s.dispatchers...)
}

func (s *Service) throttleConfig() throttle.Config {
	return throttle.Config{
		Max:               s.Conf.ThrottleMaxConcurrency,
		Initial:           s.Conf.ThrottleInitialConcurrency,
		DecreaseThreshold: s.Conf.ThrottleDecreaseThreshold,
		IncreaseThreshold: s.Conf.ThrottleIncreaseThreshold,
		Cooldown:          s.Conf.ThrottleCooldown,
		ReceiveRate:       s.Conf.ThrottleReceiveRate,
	}
}

// AddDispatcher creates a dispatcher routing sub to the handlers of registry.
// Unset delivery settings of sub come from Config.
func (s *Service) AddDispatcher(sub transport.Subscription, registry *dispatch.Registry) (*dispatch.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errors.New("service already started")
	}

	d, err := dispatch.New(s.bus, registry, dispatch.Config{
		Subscription:       sub.WithDefaults(s.Conf.MaxDeliveryCount, s.Conf.LockDuration),
		Throttle:           s.throttleConfig(),
		SessionIdleTimeout: s.Conf.SessionIdleTimeout,
		LockRenewInterval:  s.Conf.LockRenewInterval,
	}, dispatch.Dependencies{
		Serializer:                s.serializer,
		Logger:                    s.Logger,
		Metrics:                   s.metrics,
		Middlewares:               s.deps.Middlewares,
		DisableDefaultMiddlewares: s.deps.DisableDefaultMiddlewares,
	})
	if err != nil {
		return nil, err
	}
	s.dispatchers = append(s.dispatchers, d)
	return d, nil
}

// AddProcess runs process on its own dispatcher over sub. The router handles
// tags and the timeouts of the process; messages it emits without a topic go
// to sub.Topic.
func (s *Service) AddProcess(process saga.Process, sub transport.Subscription, tags ...string) (*saga.Router, error) {
	if process == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	router, err := saga.NewRouter(process, s.sagas, s.bus, saga.RouterConfig{
		EmitTopic:    sub.Topic,
		AppliedLimit: s.Conf.SagaAppliedCapacity,
	}, saga.RouterDependencies{
		Logger:     s.Logger,
		Metrics:    s.metrics,
		Serializer: s.serializer,
	})
	if err != nil {
		return nil, err
	}

	registry := dispatch.NewRegistry()
	if err := router.Register(registry, tags...); err != nil {
		return nil, err
	}
	if _, err := s.AddDispatcher(sub, registry); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.processTopics[process.Type()] = sub.Topic
	s.mu.Unlock()
	return router, nil
}

// RegisterHTTPHandler serves handler on port once the Service starts.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Start runs the relay, every dispatcher, the saga timeout poller and the HTTP
// servers until ctx is cancelled. The relay is drained before Start returns.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	s.started = true
	dispatchers := append([]*dispatch.Dispatcher(nil), s.dispatchers...)
	topics := make(map[string]string, len(s.processTopics))
	for k, v := range s.processTopics {
		topics[k] = v
	}
	s.mu.Unlock()

	var poller *saga.TimeoutPoller
	if len(topics) > 0 {
		var err error
		poller, err = newTimeoutPoller(s.sagas, s.bus, saga.PollerConfig{
			Topics:       topics,
			PollInterval: s.Conf.SagaTimeoutPollInterval,
			BatchSize:    s.Conf.SagaTimeoutBatchSize,
		}, s.Logger)
		if err != nil {
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			return fmt.Errorf("failed to create timeout poller: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.relay.Run(gctx) })
	for _, d := range dispatchers {
		g.Go(func() error { return d.Run(gctx) })
	}
	if poller != nil {
		g.Go(func() error { return poller.Run(gctx) })
	}
	s.startHTTPServers(gctx, g)

	s.Logger.Info("Event service started", loggingpkg.LogFields{
		"dispatchers": len(dispatchers),
		"processes":   len(topics),
	})
	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if drainErr := s.relay.Drain(drainCtx); drainErr != nil {
		s.Logger.Error("Relay drain incomplete", drainErr, nil)
	}
	return err
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: shutdownTimeout,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}

// Close releases the bus and the stores the Service opened.
func (s *Service) Close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

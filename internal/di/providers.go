package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	domrepo "RevEngine/internal/domain/repository"
	"RevEngine/internal/handler/api"
	mid "RevEngine/internal/middleware"
	internalrepo "RevEngine/internal/repository"
	"RevEngine/internal/service/feed"
	"RevEngine/internal/service/snapshotcache"
	"RevEngine/internal/services/detection"
	"RevEngine/internal/services/lifecycle"
	"RevEngine/internal/services/optimizer"
	"RevEngine/internal/usecase"
	"RevEngine/pkg/cache"
	pkgch "RevEngine/pkg/clickhouse"
	"RevEngine/pkg/config"
	xhttp "RevEngine/pkg/http"
	pkgkafka "RevEngine/pkg/kafka"
	applogger "RevEngine/pkg/logger"
	"RevEngine/pkg/metrics"
	"RevEngine/pkg/server"
)

const initTimeout = 10 * time.Second

func noop() {}

// ProvideRegistry creates the process-wide Prometheus registry with the Go
// and process collectors.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func ProvideMetrics(reg *prometheus.Registry) *metrics.Recorder {
	return metrics.New(reg)
}

// ProvideKafkaProducer returns nil when kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, noop, nil
	}
	k := cfg.Kafka
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(k.Brokers),
		pkgkafka.WithCompression(k.Compression),
		pkgkafka.WithRequiredAcks(k.RequiredAcks),
		pkgkafka.WithBatchSize(k.Producer.BatchSize),
		pkgkafka.WithBatchBytes(k.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(k.Producer.Linger),
		pkgkafka.WithTimeouts(k.Producer.WriteTimeout, k.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(k.Producer.MaxAttempts),
		pkgkafka.WithAsync(k.Producer.Async),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerRegisterer(reg),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideLogger builds the root logger. With the log collector enabled,
// repeated error logs are aggregated and published to Kafka.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if !cfg.LogCollector.Enabled || producer == nil {
		return l, noop, nil
	}
	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   cfg.LogCollector.Interval,
		CountThreshold: cfg.LogCollector.CountThreshold,
		Topic:          cfg.LogCollector.Topic,
		Publisher:      producer,
	})
	return l, l.RemoveCollector, nil
}

// ProvideClickHouseClient connects only when ClickHouse backs the event
// store.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if cfg.Events.Store != "clickhouse" {
		return nil, noop, nil
	}
	ch := cfg.ClickHouse
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(ch.Host),
		pkgch.WithPort(ch.Port),
		pkgch.WithDatabase(ch.Database),
		pkgch.WithCredentials(ch.User, ch.Password),
		pkgch.WithMaxConnections(ch.MaxOpenConns, ch.MaxIdleConns),
		pkgch.WithHTTP(ch.UseHTTP),
		pkgch.WithAsyncInsert(ch.AsyncInsert, ch.WaitForAsync),
		pkgch.WithTimeouts(ch.DialTimeout, ch.ReadTimeout),
		pkgch.WithMaxExecutionTime(ch.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideEventStore opens the queryable event trail and applies its schema.
func ProvideEventStore(cfg *config.Config, ch *pkgch.Client, log *applogger.Logger) (domrepo.EventStore, func(), error) {
	var store domrepo.EventStore
	switch cfg.Events.Store {
	case "sqlite":
		j, err := internalrepo.NewSQLiteJournal(cfg.Events.SQLitePath, cfg.Events.Retention)
		if err != nil {
			return nil, nil, fmt.Errorf("event journal: %w", err)
		}
		store = j
	case "clickhouse":
		store = internalrepo.NewCHEventStore(ch, cfg.ClickHouse.Table, log)
	default:
		store = internalrepo.NewMemorySink(cfg.Events.MemoryCapacity)
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("event store %s: %w", cfg.Events.Store, err)
	}
	return store, func() { _ = store.Close() }, nil
}

// ProvideEventSink fans every event out to the log, the store and, when
// enabled, the Kafka event topic, behind one async buffer.
func ProvideEventSink(cfg *config.Config, store domrepo.EventStore, producer *pkgkafka.Producer, log *applogger.Logger, m *metrics.Recorder) (domrepo.EventSink, func()) {
	fan := internalrepo.FanOut{internalrepo.NewLogSink(log), store}
	if producer != nil {
		fan = append(fan, internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.EventTopic))
	}
	async := internalrepo.NewAsyncSink(fan, cfg.Events.Buffer, cfg.Events.EmitTimeout, log, m)
	return async, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Events.EmitTimeout)
		defer cancel()
		if err := async.Close(ctx); err != nil {
			log.Warn("event sink drain incomplete", applogger.Error(err))
		}
	}
}

// ProvideSnapshotMirror returns nil when no mirror is configured.
func ProvideSnapshotMirror(cfg *config.Config) (domrepo.SnapshotMirror, func(), error) {
	switch cfg.Cache.Mirror {
	case "memory":
		return internalrepo.NewCacheMirror(cache.NewMemoryCache(cache.WithMemoryMaxSize(cfg.Cache.MirrorSize)), cfg.Cache.MirrorTTL), noop, nil
	case "redis":
		r := cfg.Redis
		rc, err := cache.NewRedisCache(
			cache.WithRedisAddr(r.Addr),
			cache.WithRedisPassword(r.Password),
			cache.WithRedisDB(r.DB),
			cache.WithRedisPool(r.PoolSize, r.MinIdleConns, r.PoolTimeout),
			cache.WithRedisPrefix(r.Prefix),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("redis mirror: %w", err)
		}
		return internalrepo.NewCacheMirror(rc, cfg.Cache.MirrorTTL), func() { _ = rc.Close() }, nil
	default:
		return nil, noop, nil
	}
}

func ProvideSnapshotCache(cfg *config.Config, mirror domrepo.SnapshotMirror, log *applogger.Logger) *snapshotcache.Cache {
	opts := []snapshotcache.Option{
		snapshotcache.WithRetention(cfg.Cache.Retention),
		snapshotcache.WithMaxPerSeries(cfg.Cache.MaxPerSeries),
		snapshotcache.WithLogger(log),
	}
	if mirror != nil {
		opts = append(opts, snapshotcache.WithMirror(mirror))
	}
	return snapshotcache.New(opts...)
}

func ProvideExecutor(cfg *config.Config, log *applogger.Logger) domrepo.Executor {
	if cfg.Executor.Mode != "http" {
		return internalrepo.NewDryRunExecutor(log)
	}
	opts := []xhttp.ClientOption{xhttp.WithTimeout(cfg.Executor.Timeout)}
	if cfg.Executor.Token != "" {
		opts = append(opts, xhttp.WithHeader("Authorization", "Bearer "+cfg.Executor.Token))
	}
	return internalrepo.NewHTTPExecutor(xhttp.NewClient(opts...), cfg.Executor.URL, cfg.Executor.Retry, log)
}

func ProvideLifecycle(cfg *config.Config, exec domrepo.Executor, sink domrepo.EventSink, m *metrics.Recorder, log *applogger.Logger) *lifecycle.Manager {
	return lifecycle.NewManager(
		lifecycle.WithExecutor(exec),
		lifecycle.WithEventSink(sink),
		lifecycle.WithMetrics(m),
		lifecycle.WithLogger(log.With(applogger.String("component", "lifecycle"))),
		lifecycle.WithMinObservations(cfg.Lifecycle.MinObservations),
		lifecycle.WithMaxHistory(cfg.Lifecycle.MaxHistory),
	)
}

// ProvideDetector builds the configured rules, or the default pair when the
// config lists none.
func ProvideDetector(cfg *config.Config, c *snapshotcache.Cache, lm *lifecycle.Manager, sink domrepo.EventSink, m *metrics.Recorder, log *applogger.Logger) (*detection.Detector, error) {
	rules := detection.DefaultRules()
	if len(cfg.Detection.Rules) > 0 {
		rc := make([]detection.RuleConfig, 0, len(cfg.Detection.Rules))
		for _, r := range cfg.Detection.Rules {
			rc = append(rc, detection.RuleConfig{Name: r.Name, Enabled: r.Enabled, MinRatio: r.MinRatio, Lookback: r.Lookback})
		}
		var err error
		if rules, err = detection.BuildRules(rc); err != nil {
			return nil, err
		}
	}
	return detection.NewDetector(rules,
		detection.WithHistory(c),
		detection.WithHistoryDepth(cfg.Detection.HistoryDepth),
		detection.WithActiveChecker(lm),
		detection.WithEventSink(sink),
		detection.WithMetrics(m),
		detection.WithLogger(log.With(applogger.String("component", "detector"))),
	), nil
}

func ProvideEngine(cfg *config.Config, c *snapshotcache.Cache, det *detection.Detector, lm *lifecycle.Manager, sink domrepo.EventSink, m *metrics.Recorder, log *applogger.Logger) *usecase.Engine {
	return usecase.NewEngine(usecase.EngineConfig{
		AutoPropose: cfg.Engine.AutoPropose,
		RecentSize:  cfg.Engine.RecentSize,
	}, c, det, lm, sink, m, log)
}

func ProvideIngestPipeline(cfg *config.Config, engine *usecase.Engine, m *metrics.Recorder) *mid.IngestPipeline {
	return mid.NewIngestPipeline(engine, m,
		mid.WithMaxRPS(cfg.Ingest.MaxRPS, cfg.Ingest.Burst),
		mid.WithTransform(mid.Normalize(cfg.Ingest.DefaultSource, cfg.Ingest.UppercaseSymbols)),
	)
}

func ProvideOptimizer(cfg *config.Config, lm *lifecycle.Manager, sink domrepo.EventSink, m *metrics.Recorder, log *applogger.Logger) (*optimizer.Optimizer, error) {
	scorer, err := optimizer.NewScorer(cfg.Optimizer.Scorer, cfg.Optimizer.Metric)
	if err != nil {
		return nil, err
	}
	return optimizer.New(lm, scorer,
		optimizer.WithAdjuster(optimizer.NewAdjuster(cfg.Optimizer.InitialStep, cfg.Optimizer.MinStep)),
		optimizer.WithMinSamples(cfg.Optimizer.MinSamples),
		optimizer.WithEventSink(sink),
		optimizer.WithMetrics(m),
		optimizer.WithLogger(log.With(applogger.String("component", "optimizer"))),
	), nil
}

// ProvideScheduler subscribes the scheduler to lifecycle transitions so
// MONITORED strategies are tracked without further wiring.
func ProvideScheduler(cfg *config.Config, opt *optimizer.Optimizer, lm *lifecycle.Manager, log *applogger.Logger) *optimizer.Scheduler {
	s := optimizer.NewScheduler(opt, cfg.Optimizer.Interval, log)
	lm.Subscribe(s.OnTransition)
	return s
}

// ProvideSnapshotCollector returns nil when the websocket feed is disabled.
func ProvideSnapshotCollector(cfg *config.Config, pipe *mid.IngestPipeline, m *metrics.Recorder, log *applogger.Logger) *usecase.SnapshotCollector {
	f := cfg.Ingest.Feed
	if !f.Enabled {
		return nil
	}
	stream := feed.New(feed.Config{
		URL:          f.URL,
		Source:       f.Source,
		Symbols:      f.Symbols,
		PingInterval: f.PingInterval,
		Retry:        f.Retry,
	}, log.With(applogger.String("component", "feed")))
	return usecase.NewSnapshotCollector(stream, pipe, m, log)
}

// ProvideKafkaConsumer returns nil unless the snapshot consumer is enabled.
func ProvideKafkaConsumer(cfg *config.Config, pipe *mid.IngestPipeline, reg *prometheus.Registry, m *metrics.Recorder, log *applogger.Logger) (*pkgkafka.Consumer, error) {
	k := cfg.Kafka
	if !k.Enabled || !k.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(k.Brokers),
		pkgkafka.WithConsumerGroupID(k.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(k.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(k.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(k.Consumer.RetryMax, k.Consumer.BackoffMin, k.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(k.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(k.Consumer.MinBytes, k.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(log),
		pkgkafka.WithConsumerRegisterer(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.RegisterHandler(usecase.NewKafkaSnapshotsHandler(k.SnapshotTopic, pipe, m, log))
	consumer.SetHook(pkgkafka.LoggingHook{Log: log.With(applogger.String("component", "kafka_hook"))})
	return consumer, nil
}

func ProvideHTTPHandler(log *applogger.Logger, pipe *mid.IngestPipeline, engine *usecase.Engine, lm *lifecycle.Manager, sched *optimizer.Scheduler, store domrepo.EventStore) *api.EngineEchoHandler {
	return api.NewEngineEchoHandler(log, pipe, engine, lm, sched, store)
}

func ProvideHTTPServer(cfg *config.Config, h *api.EngineEchoHandler, reg *prometheus.Registry, log *applogger.Logger) *xhttp.Server {
	return xhttp.NewServer(h, log,
		xhttp.WithConfig(cfg.Server),
		xhttp.WithRegistry(reg, reg),
	)
}

func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	srv *xhttp.Server,
	sched *optimizer.Scheduler,
	collector *usecase.SnapshotCollector,
	consumer *pkgkafka.Consumer,
) *server.App {
	return server.New(cfg, log, srv, sched, collector, consumer)
}

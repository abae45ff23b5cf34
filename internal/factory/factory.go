package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/bucketing"
	"gridsec-analytics/internal/classifier"
	"gridsec-analytics/internal/client"
	"gridsec-analytics/internal/config"
	"gridsec-analytics/internal/detectors"
	"gridsec-analytics/internal/encryption"
	"gridsec-analytics/internal/eventstore"
	"gridsec-analytics/internal/features"
	"gridsec-analytics/internal/metrics"
	"gridsec-analytics/internal/privacy"
	"gridsec-analytics/internal/pseudonym"
	redisrepo "gridsec-analytics/internal/repository/redis"
	"gridsec-analytics/internal/repository/scylla"
	"gridsec-analytics/internal/service"
	"gridsec-analytics/internal/tls"
	"gridsec-analytics/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Domain
	eventStore     *eventstore.Store
	modelSlot      *classifier.ModelSlot
	registry       *pseudonym.Registry
	serviceFactory *service.ServiceFactory

	stopWatch context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, util.Named("tls"))
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeDomain(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize domain: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis", factory.redisClient != nil),
		util.Bool("scylla", factory.scyllaClient != nil),
		util.Bool("kafka", factory.kafkaProducer != nil),
		util.Bool("elasticsearch", factory.esClient != nil),
		util.Bool("clickhouse", factory.clickhouseClient != nil),
	)

	return factory, nil
}

// initializeClients connects every enabled backend. Outside production a
// failed backend is logged and the service runs without it.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error
	logger := util.Get()

	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	if f.config.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			f.scyllaClient = c
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if f.config.Kafka.Enabled {
		if p, err := client.NewKafkaProducer(f.config, logger); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = p
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			f.Close()
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes encryption and bucketing managers
func (f *Factory) initializeManagers() error {
	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config, kmsClient, util.Named("encryption"))
	if err != nil {
		return err
	}
	f.encryptionManager = em
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing.RegistryShards)

	util.Info("Managers initialized successfully",
		util.Bool("kms", f.config.KMS.Enabled),
		util.Int("registry_shards", f.bucketingManager.Shards()),
	)
	return nil
}

// initializeDomain builds the event store, model slot and pseudonym
// registry, restoring persisted state where a backend is available.
func (f *Factory) initializeDomain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f.eventStore = eventstore.NewStore(f.config.Data.EventsFile, util.Named("eventstore"))
	if f.config.Data.WatchEvents {
		watchCtx, stop := context.WithCancel(context.Background())
		err := f.eventStore.Watch(watchCtx, func(res *eventstore.LoadResult) {
			metrics.EventsLoaded.Set(float64(len(res.Events)))
		})
		if err != nil {
			stop()
			util.Warn("Event file watcher not started", util.ErrorField(err))
		} else {
			f.stopWatch = stop
		}
	}

	sensitive := features.NewTableSet(f.config.Detection.SensitiveTables)
	trainer := classifier.NewTrainer(classifier.Params{
		TestRatio: f.config.Training.TestRatio,
		Forest: classifier.ForestParams{
			NumTrees: f.config.Training.NumTrees,
			MaxDepth: f.config.Training.MaxDepth,
			Seed:     f.config.Training.Seed,
			Workers:  f.config.Training.Workers,
		},
	}, sensitive, util.Named("trainer"))

	var modelStore classifier.ModelStore = classifier.NewMemoryStore()
	if f.redisClient != nil {
		modelStore = redisrepo.NewModelStore(f.redisClient)
	}
	f.modelSlot = classifier.NewModelSlot(trainer, modelStore, sensitive, util.Named("model"))
	if err := f.modelSlot.Load(ctx); err != nil {
		switch {
		case errors.Is(err, apperr.ErrModelUnavailable):
			util.Info("No persisted model, serving without one until trained")
		case errors.Is(err, apperr.ErrModelConfig):
			util.Warn("Persisted model is incomplete, retrain required", util.ErrorField(err))
		default:
			util.Warn("Model load failed", util.ErrorField(err))
		}
	}

	opts := []pseudonym.Option{}
	if f.redisClient != nil {
		opts = append(opts, pseudonym.WithStore(
			redisrepo.NewPseudonymStore(f.redisClient, f.encryptionManager, f.config.Pseudonym.Retention)))
	}
	if f.scyllaClient != nil {
		opts = append(opts, pseudonym.WithDurableAudit(scylla.NewAuditRepository(f.scyllaClient)))
	}
	var observers []pseudonym.AuditSink
	if f.kafkaProducer != nil {
		observers = append(observers, f.kafkaProducer)
	}
	if f.esClient != nil {
		observers = append(observers, f.esClient)
	}
	if len(observers) > 0 {
		opts = append(opts, pseudonym.WithAuditObservers(observers...))
	}
	f.registry = pseudonym.NewRegistry(f.bucketingManager, util.Named("pseudonym"), opts...)
	if _, err := f.registry.Restore(ctx); err != nil {
		if f.config.IsProduction() {
			return err
		}
		util.Warn("Pseudonym restore failed", util.ErrorField(err))
	}
	return nil
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory != nil {
		return f.serviceFactory
	}

	var cache detectors.ResultCache
	if f.redisClient != nil {
		cache = redisrepo.NewDetectionCache(f.redisClient, f.config.Redis.DetectionCacheTTL)
	}
	scanner := detectors.NewScanner(detectors.Config{
		SensitiveTables:      f.config.Detection.SensitiveTables,
		NosyAdminThreshold:   f.config.Detection.NosyAdminThreshold,
		DormancyHours:        f.config.Detection.DormancyHours,
		APTThreshold:         f.config.Detection.APTThreshold,
		APTCriticalThreshold: f.config.Detection.APTCriticalThreshold,
	}, cache, util.Named("detectors"))

	privacyOpts := []privacy.Option{}
	if f.config.Privacy.Seed != 0 {
		privacyOpts = append(privacyOpts, privacy.WithSeed(f.config.Privacy.Seed))
	}

	deps := service.Deps{
		Events:         f.eventStore,
		Privacy:        privacy.NewEngine(privacyOpts...),
		Models:         f.modelSlot,
		Scanner:        scanner,
		Registry:       f.registry,
		Epsilon:        f.config.Privacy.Epsilon,
		AnonymizedPath: f.config.Data.AnonymizedFile,
		RevertLimit:    f.config.Pseudonym.RevertLimit,
		RevertWindow:   f.config.Pseudonym.RevertWindow,
	}
	if f.clickhouseClient != nil {
		deps.Warehouse = f.clickhouseClient
	}
	if f.kafkaProducer != nil {
		deps.Findings = append(deps.Findings, f.kafkaProducer)
	}
	if f.esClient != nil {
		deps.Findings = append(deps.Findings, f.esClient)
	}
	if f.redisClient != nil {
		deps.Limiter = redisrepo.NewRateLimitCache(f.redisClient)
	}

	f.serviceFactory = service.NewServiceFactory(deps, util.Get())
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports each enabled backend as "ok" or its error text.
func (f *Factory) HealthCheck(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := make(map[string]string)
	report := func(name string, enabled bool, check func(context.Context) error) {
		if !enabled {
			return
		}
		if check == nil {
			status[name] = "not initialized"
			return
		}
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			return
		}
		status[name] = "ok"
	}

	report("redis", f.config.Redis.Enabled, checkOf(f.redisClient))
	report("scylla", f.config.Scylla.Enabled, checkOf(f.scyllaClient))
	report("kafka", f.config.Kafka.Enabled, checkOf(f.kafkaProducer))
	report("elasticsearch", f.config.Elasticsearch.Enabled, checkOf(f.esClient))
	report("clickhouse", f.config.Clickhouse.Enabled, checkOf(f.clickhouseClient))

	if _, err := f.eventStore.Load(); err != nil {
		status["events"] = err.Error()
	} else {
		status["events"] = "ok"
	}
	return status
}

type healthChecker interface {
	comparable
	HealthCheck(ctx context.Context) error
}

func checkOf[T healthChecker](c T) func(context.Context) error {
	var zero T
	if c == zero {
		return nil
	}
	return c.HealthCheck
}

// ==============================
// Other Utility Methods
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.stopWatch != nil {
			f.stopWatch()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ClickHouseClient() *client.ClickHouseClient {
	return f.clickhouseClient
}

// DurableModelStore reports whether trained models outlive the process.
func (f *Factory) DurableModelStore() bool {
	return f.redisClient != nil
}

func (f *Factory) ModelSlot() *classifier.ModelSlot {
	return f.modelSlot
}

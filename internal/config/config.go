package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"gridsec-analytics/internal/util"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Encryption    EncryptionConfig
	Bucketing     BucketingConfig

	Data      DataConfig
	Privacy   PrivacyConfig
	Detection DetectionConfig
	Training  TrainingConfig
	Pseudonym PseudonymConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string

	EnableTLS     bool
	TLSPort       int
	CertFile      string
	KeyFile       string
	AutoCert      bool
	Domain        string
	AutoCertDir   string
	AutoCertEmail string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
	// DetectionCacheTTL bounds how long cached detector reports live.
	DetectionCacheTTL time.Duration
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	AuditTopic  string
	AlertsTopic string
}

type ElasticsearchConfig struct {
	Enabled       bool
	URL           string
	Username      string
	Password      string
	FindingsIndex string
	AuditIndex    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type EncryptionConfig struct {
	// Secret seeds the local data key when KMS is disabled.
	Secret string
	Salt   string
}

type BucketingConfig struct {
	RegistryShards int
}

type DataConfig struct {
	EventsFile     string
	AnonymizedFile string
	// WatchEvents reloads EventsFile when it changes on disk.
	WatchEvents bool
}

type PrivacyConfig struct {
	Epsilon float64
	// Seed makes noise reproducible when non-zero.
	Seed uint64
}

type DetectionConfig struct {
	SensitiveTables      []string
	NosyAdminThreshold   int
	DormancyHours        float64
	APTThreshold         int
	APTCriticalThreshold int
}

type TrainingConfig struct {
	TestRatio float64
	Seed      uint64
	NumTrees  int
	MaxDepth  int
	Workers   int
}

type PseudonymConfig struct {
	Retention time.Duration
	// RevertLimit caps reversal attempts per client within RevertWindow.
	// Zero disables the limit.
	RevertLimit  int
	RevertWindow time.Duration
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	configOnce.Do(func() {
		_ = godotenv.Load()
		globalConfig = load()
	})
	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

func load() *Config {
	return &Config{
		Environment: util.GetEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:           util.GetEnv("SERVER_HOST", "0.0.0.0"),
			Port:           util.GetEnvInt("SERVER_PORT", 8000),
			ReadTimeout:    util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:    util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			AllowedOrigins: util.GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			EnableTLS:      util.GetEnvBool("TLS_ENABLED", false),
			TLSPort:        util.GetEnvInt("TLS_PORT", 8443),
			CertFile:       util.GetEnv("TLS_CERT_FILE", ""),
			KeyFile:        util.GetEnv("TLS_KEY_FILE", ""),
			AutoCert:       util.GetEnvBool("TLS_AUTOCERT", false),
			Domain:         util.GetEnv("TLS_DOMAIN", "localhost"),
			AutoCertDir:    util.GetEnv("TLS_CERT_DIR", "certs"),
			AutoCertEmail:  util.GetEnv("TLS_AUTOCERT_EMAIL", ""),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			Enabled:           util.GetEnvBool("REDIS_ENABLED", false),
			URL:               util.GetEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:          util.GetEnv("REDIS_PASSWORD", ""),
			DB:                util.GetEnvInt("REDIS_DB", 0),
			PoolSize:          util.GetEnvInt("REDIS_POOL_SIZE", 20),
			DetectionCacheTTL: util.GetEnvDuration("DETECTION_CACHE_TTL", 5*time.Minute),
		},
		Scylla: ScyllaConfig{
			Enabled:  util.GetEnvBool("SCYLLA_ENABLED", false),
			Nodes:    util.GetEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "gridsec"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:     util.GetEnvBool("KAFKA_ENABLED", false),
			Brokers:     util.GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic:  util.GetEnv("KAFKA_AUDIT_TOPIC", "gridsec.pseudonym-audit"),
			AlertsTopic: util.GetEnv("KAFKA_ALERTS_TOPIC", "gridsec.detections"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:       util.GetEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:           util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:      util.GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:      util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
			FindingsIndex: util.GetEnv("ELASTICSEARCH_FINDINGS_INDEX", "gridsec-findings"),
			AuditIndex:    util.GetEnv("ELASTICSEARCH_AUDIT_INDEX", "gridsec-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  util.GetEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      util.GetEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "gridsec"),
			Table:    util.GetEnv("CLICKHOUSE_ANONYMIZED_TABLE", "anonymized_events"),
		},
		KMS: KMSConfig{
			Enabled: util.GetEnvBool("KMS_ENABLED", false),
			KeyID:   util.GetEnv("KMS_KEY_ID", ""),
			Region:  util.GetEnv("AWS_REGION", "us-east-1"),
		},
		Encryption: EncryptionConfig{
			Secret: util.GetEnv("ENCRYPTION_SECRET", "dev-only-secret"),
			Salt:   util.GetEnv("ENCRYPTION_SALT", "gridsec-analytics"),
		},
		Bucketing: BucketingConfig{
			RegistryShards: util.GetEnvInt("REGISTRY_SHARDS", 32),
		},
		Data: DataConfig{
			EventsFile:     util.GetEnv("EVENTS_FILE", "data/events.json"),
			AnonymizedFile: util.GetEnv("ANONYMIZED_EVENTS_FILE", "data/events_privbayes.json"),
			WatchEvents:    util.GetEnvBool("EVENTS_WATCH", true),
		},
		Privacy: PrivacyConfig{
			Epsilon: util.GetEnvFloat("PRIVACY_EPSILON", 1.0),
			Seed:    uint64(util.GetEnvInt("PRIVACY_SEED", 0)),
		},
		Detection: DetectionConfig{
			SensitiveTables:      util.GetEnvList("SENSITIVE_TABLES", []string{"billing_records", "payment_info", "customer_pii"}),
			NosyAdminThreshold:   util.GetEnvInt("NOSY_ADMIN_THRESHOLD", 5),
			DormancyHours:        util.GetEnvFloat("DORMANCY_HOURS", 24),
			APTThreshold:         util.GetEnvInt("APT_THRESHOLD", 3),
			APTCriticalThreshold: util.GetEnvInt("APT_CRITICAL_THRESHOLD", 5),
		},
		Training: TrainingConfig{
			TestRatio: util.GetEnvFloat("TRAIN_TEST_RATIO", 0.2),
			Seed:      uint64(util.GetEnvInt("TRAIN_SEED", 42)),
			NumTrees:  util.GetEnvInt("TRAIN_NUM_TREES", 100),
			MaxDepth:  util.GetEnvInt("TRAIN_MAX_DEPTH", 10),
			Workers:   util.GetEnvInt("TRAIN_WORKERS", 0),
		},
		Pseudonym: PseudonymConfig{
			Retention:    util.GetEnvDuration("PSEUDONYM_RETENTION", 0),
			RevertLimit:  util.GetEnvInt("PSEUDONYM_REVERT_LIMIT", 10),
			RevertWindow: util.GetEnvDuration("PSEUDONYM_REVERT_WINDOW", time.Minute),
		},
	}
}

// Validate rejects values the analytics components cannot run with.
func (c *Config) Validate() error {
	var errs []string
	if c.Privacy.Epsilon <= 0 {
		errs = append(errs, "PRIVACY_EPSILON must be > 0")
	}
	if c.Training.TestRatio <= 0 || c.Training.TestRatio >= 1 {
		errs = append(errs, "TRAIN_TEST_RATIO must be in (0,1)")
	}
	if c.Training.NumTrees <= 0 {
		errs = append(errs, "TRAIN_NUM_TREES must be > 0")
	}
	if c.Training.MaxDepth <= 0 {
		errs = append(errs, "TRAIN_MAX_DEPTH must be > 0")
	}
	if c.Detection.NosyAdminThreshold <= 0 || c.Detection.APTThreshold <= 0 {
		errs = append(errs, "detector thresholds must be > 0")
	}
	if c.Detection.DormancyHours <= 0 {
		errs = append(errs, "DORMANCY_HOURS must be > 0")
	}
	if len(c.Detection.SensitiveTables) == 0 {
		errs = append(errs, "SENSITIVE_TABLES must not be empty")
	}
	if c.Server.AutoCert && (c.Server.Domain == "" || c.Server.Domain == "localhost") {
		errs = append(errs, "TLS_DOMAIN must be a public domain when TLS_AUTOCERT is enabled")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, "KMS_KEY_ID is required when KMS is enabled")
	}
	if c.IsProduction() && c.Encryption.Secret == "dev-only-secret" && !c.KMS.Enabled {
		errs = append(errs, "ENCRYPTION_SECRET must be set in production")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Package config handles loading and parsing of BleepRelay configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for BleepRelay.
type Config struct {
	Kafka        KafkaConfig         `yaml:"kafka"`
	Source       SourceConfig        `yaml:"source"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Retry        RetryConfig         `yaml:"retry"`
	Worker       WorkerConfig        `yaml:"worker"`
	Mirror       MirrorConfig        `yaml:"mirror"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Server       ServerConfig        `yaml:"server"`
	Logging      LoggingConfig       `yaml:"logging"`
}

// KafkaConfig holds log-bus settings.
type KafkaConfig struct {
	// Brokers is the list of Kafka bootstrap addresses.
	Brokers []string `yaml:"brokers"`
	// Topic is the replication log topic the workers consume.
	Topic string `yaml:"topic"`
	// StatusTopic receives per-site replication status records.
	StatusTopic string `yaml:"status_topic"`
	// MetricsTopic receives queued/completed/failed metrics records.
	MetricsTopic string `yaml:"metrics_topic"`
	// GroupID is the consumer group for the replication workers.
	GroupID string `yaml:"group_id"`
}

// SourceConfig holds settings for the source object service gateway.
type SourceConfig struct {
	// Endpoint is the source service URL.
	Endpoint string `yaml:"endpoint"`
	// Region is the signing region.
	Region string `yaml:"region"`
	// AccessKey and SecretKey authenticate the replication role. Empty
	// values fall back to the default AWS credential chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// UsePathStyle forces path-style addressing (required for non-AWS
	// S3-compatible sources).
	UsePathStyle bool `yaml:"use_path_style"`
}

// DestinationConfig describes one replication site.
type DestinationConfig struct {
	// Site is the site name; entries reference it as their storage class.
	Site string `yaml:"site"`
	// Family selects the backend discipline: "generic", "gcp" or "azure".
	Family string `yaml:"family"`
	// Endpoints is the failover list for generic destinations. The picker
	// advances through it round-robin on target-side retries.
	Endpoints []string `yaml:"endpoints"`
	// Bucket is the destination bucket (generic, gcp) or container (azure).
	Bucket string `yaml:"bucket"`
	// Region is the signing region for generic destinations.
	Region string `yaml:"region"`
	// AccessKey and SecretKey authenticate generic destinations.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// GCPProject is the project ID for gcp destinations.
	GCPProject string `yaml:"gcp_project"`
	// AzureAccountURL is the storage account URL for azure destinations.
	AzureAccountURL string `yaml:"azure_account_url"`
	// AzureConnectionString optionally replaces credential-based auth.
	AzureConnectionString string `yaml:"azure_connection_string"`
}

// RetryConfig bounds the retry runner.
type RetryConfig struct {
	// MinBackoff is the initial backoff delay.
	MinBackoff time.Duration `yaml:"min_backoff"`
	// MaxBackoff caps the backoff delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// Factor is the backoff multiplier between attempts.
	Factor float64 `yaml:"factor"`
	// Jitter adds randomness in [0, Jitter) of the delay.
	Jitter float64 `yaml:"jitter"`
	// MaxRetries bounds the number of re-attempts per operation.
	MaxRetries int `yaml:"max_retries"`
	// Timeout bounds the whole retry cycle.
	Timeout time.Duration `yaml:"timeout"`
}

// WorkerConfig holds harness settings.
type WorkerConfig struct {
	// Concurrency is the number of in-flight entries per worker.
	Concurrency int `yaml:"concurrency"`
	// PartConcurrency bounds parallel part transfers within one task.
	PartConcurrency int `yaml:"part_concurrency"`
}

// MirrorConfig holds metadata-mirror processor settings.
type MirrorConfig struct {
	// Engine selects the document store: "dynamodb", "firestore", "cosmos"
	// or "memory".
	Engine string `yaml:"engine"`
	// Prefix namespaces mirrored bucket names ({prefix}-{bucket}).
	Prefix string `yaml:"prefix"`
	// UsersBucket is the bucket-listing table name.
	UsersBucket string `yaml:"users_bucket"`
	// ProcessBucketEntries enables the bucket-level handlers. Off by
	// default: object-level mirroring alone matches the deployed topology.
	ProcessBucketEntries bool `yaml:"process_bucket_entries"`
	// CanonicalDataStoreName and CanonicalDataStoreType replace the entry's
	// backend identity with the mirror's canonical values.
	CanonicalDataStoreName string `yaml:"canonical_data_store_name"`
	CanonicalDataStoreType string `yaml:"canonical_data_store_type"`
	// CanonicalOwnerID/Display rewrite the entry owner. Empty values leave
	// the entry's owner untouched.
	CanonicalOwnerID      string `yaml:"canonical_owner_id"`
	CanonicalOwnerDisplay string `yaml:"canonical_owner_display"`

	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// DynamoDBConfig holds DynamoDB mirror store settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore mirror store settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Cosmos DB mirror store settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// MetricsConfig holds metrics sink settings.
type MetricsConfig struct {
	// Extension tags metrics records: "crr" or "ingestion".
	Extension string `yaml:"extension"`
	// RedisAddr enables the per-site counter sink when non-empty.
	RedisAddr string `yaml:"redis_addr"`
	// RedisPrefix namespaces the counter keys.
	RedisPrefix string `yaml:"redis_prefix"`
}

// ServerConfig holds the operational HTTP endpoint settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config. It applies sensible defaults for unset values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set.
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Brokers:      []string{"127.0.0.1:9092"},
			Topic:        "bleeprelay-replication",
			StatusTopic:  "bleeprelay-replication-status",
			MetricsTopic: "bleeprelay-metrics",
			GroupID:      "bleeprelay-workers",
		},
		Retry: RetryConfig{
			MinBackoff: time.Second,
			MaxBackoff: 5 * time.Minute,
			Factor:     2,
			Jitter:     0.1,
			MaxRetries: 5,
			Timeout:    300 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:     10,
			PartConcurrency: 10,
		},
		Mirror: MirrorConfig{
			Engine:      "memory",
			Prefix:      "mirror",
			UsersBucket: "users..bucket",
		},
		Metrics: MetricsConfig{
			Extension:   "crr",
			RedisPrefix: "bleeprelay",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8900,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = def.Kafka.Brokers
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = def.Kafka.Topic
	}
	if cfg.Kafka.StatusTopic == "" {
		cfg.Kafka.StatusTopic = def.Kafka.StatusTopic
	}
	if cfg.Kafka.MetricsTopic == "" {
		cfg.Kafka.MetricsTopic = def.Kafka.MetricsTopic
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = def.Kafka.GroupID
	}
	if cfg.Retry.MinBackoff == 0 {
		cfg.Retry.MinBackoff = def.Retry.MinBackoff
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = def.Retry.MaxBackoff
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = def.Retry.Factor
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if cfg.Retry.Timeout == 0 {
		cfg.Retry.Timeout = def.Retry.Timeout
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = def.Worker.Concurrency
	}
	if cfg.Worker.PartConcurrency == 0 {
		cfg.Worker.PartConcurrency = def.Worker.PartConcurrency
	}
	if cfg.Mirror.Engine == "" {
		cfg.Mirror.Engine = def.Mirror.Engine
	}
	if cfg.Mirror.Prefix == "" {
		cfg.Mirror.Prefix = def.Mirror.Prefix
	}
	if cfg.Mirror.UsersBucket == "" {
		cfg.Mirror.UsersBucket = def.Mirror.UsersBucket
	}
	if cfg.Metrics.Extension == "" {
		cfg.Metrics.Extension = def.Metrics.Extension
	}
	if cfg.Metrics.RedisPrefix == "" {
		cfg.Metrics.RedisPrefix = def.Metrics.RedisPrefix
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}

// validate rejects configurations the daemons cannot start with.
func validate(cfg *Config) error {
	for i, d := range cfg.Destinations {
		if d.Site == "" {
			return fmt.Errorf("destinations[%d]: site is required", i)
		}
		switch d.Family {
		case "generic":
			if len(d.Endpoints) == 0 {
				return fmt.Errorf("destination %q: at least one endpoint is required", d.Site)
			}
		case "gcp":
			if d.GCPProject == "" {
				return fmt.Errorf("destination %q: gcp_project is required", d.Site)
			}
		case "azure":
			if d.AzureAccountURL == "" && d.AzureConnectionString == "" {
				return fmt.Errorf("destination %q: azure_account_url or azure_connection_string is required", d.Site)
			}
		default:
			return fmt.Errorf("destination %q: unknown family %q", d.Site, d.Family)
		}
		if d.Bucket == "" {
			return fmt.Errorf("destination %q: bucket is required", d.Site)
		}
	}
	return nil
}

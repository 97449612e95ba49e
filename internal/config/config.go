// Package config centralizes how VaultScan reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration shared by the worker, the intake
// server and the CLI.
type Config struct {
	Address        string
	MetricsAddress string
	MaxFileSize    int64

	// Object storage.
	DMZBucket     string
	StorageDriver string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      bool
	PublicURLBase string
	UploadTypes   map[string]UploadType

	// clamd.
	ClamAVAddr          string
	ClamAVPool          int
	ClamAVReadyInterval time.Duration
	ClamAVProbeTimeout  time.Duration

	// Bomb detection limits.
	BombMaxRatio        float64
	BombMaxEntries      int
	BombMaxUncompressed int64

	// Completion events.
	BusDriver      string
	BusEventsURL   string
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	// Submission API and machine-to-machine credentials.
	SubmissionAPIURL   string
	ReviewTypeName     string
	ScorecardID        string
	ReviewTypeCacheTTL time.Duration
	Auth0URL           string
	Auth0Audience      string
	Auth0ClientID      string
	Auth0ClientSecret  string

	// Message source.
	Source         string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ProcessingPool int
	TaskMaxRetry   int
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroupID   string
	// PEM client certificate and key for Kafka mutual TLS; both or neither.
	KafkaClientCert    string
	KafkaClientCertKey string

	DatabaseURL string

	LogLevel       string
	LogFormat      string
	DisableLogging bool
}

const (
	defaultAddress          = ":8080"
	defaultMetricsAddress   = ":9090"
	defaultMaxFileSize      = 512 << 20 // 512 MiB
	defaultStorageDriver    = DriverMinio
	defaultS3Endpoint       = "localhost:9000"
	defaultS3Region         = "us-east-1"
	defaultPublicURLBase    = "https://s3.amazonaws.com"
	defaultClamAVHost       = "localhost"
	defaultClamAVPort       = 3310
	defaultClamAVPool       = 2
	defaultReadyInterval    = 5 * time.Second
	defaultProbeTimeout     = 500 * time.Millisecond
	defaultBombMaxRatio     = 100
	defaultBombMaxEntries   = 10000
	defaultBombMaxSize      = 2 << 30 // 2 GiB
	defaultBusDriver        = BusHTTP
	defaultBusEventsURL     = "https://api.topcoder-dev.com/v5/bus/events"
	defaultAMQPRoutingKey   = "avscan.action.scan.result"
	defaultSubmissionAPIURL = "http://localhost:3010/api/v5"
	defaultReviewTypeName   = "Virus Scan"
	defaultScorecardID      = "30001850"
	defaultAuth0Audience    = "https://m2m.topcoder-dev.com/"
	defaultSource           = SourceAsynq
	defaultRedisAddr        = "localhost:6379"
	defaultWorkerCount      = 2
	defaultTaskMaxRetry     = 5
	defaultKafkaBrokers     = "localhost:9092"
	defaultKafkaTopic       = "avscan.action.scan"
	defaultKafkaGroupID     = "vaultscan"
	defaultLogLevel         = "debug"
	defaultLogFormat        = "json"
)

// Storage, bus and source drivers.
const (
	DriverMinio  = "minio"
	DriverS3     = "s3"
	DriverMemory = "memory"

	BusHTTP = "http"
	BusAMQP = "amqp"

	SourceAsynq = "asynq"
	SourceKafka = "kafka"
)

// Load reads configuration from environment variables falling back to
// defaults. A .env file (VAULTSCAN_ENV_FILE, default ".env") is applied first
// when present; variables already set in the environment win.
func Load() (*Config, error) {
	envFile := readEnv("VAULTSCAN_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &Config{
		Address:        readEnv("VAULTSCAN_ADDRESS", defaultAddress),
		MetricsAddress: readEnv("VAULTSCAN_METRICS_ADDRESS", defaultMetricsAddress),
		MaxFileSize:    parseInt64("VAULTSCAN_MAX_FILE_BYTES", defaultMaxFileSize),

		DMZBucket:     readEnv("VAULTSCAN_DMZ_BUCKET", ""),
		StorageDriver: readEnv("VAULTSCAN_STORAGE_DRIVER", defaultStorageDriver),
		S3Endpoint:    readEnv("VAULTSCAN_S3_ENDPOINT", ""),
		S3AccessKey:   readEnv("VAULTSCAN_S3_ACCESS_KEY", ""),
		S3SecretKey:   readEnv("VAULTSCAN_S3_SECRET_KEY", ""),
		S3Region:      readEnv("VAULTSCAN_S3_REGION", defaultS3Region),
		S3UseSSL:      parseBool("VAULTSCAN_S3_USE_SSL", false),
		PublicURLBase: readEnv("VAULTSCAN_PUBLIC_URL_BASE", defaultPublicURLBase),

		ClamAVAddr: fmt.Sprintf("%s:%d",
			readEnv("VAULTSCAN_CLAMAV_HOST", defaultClamAVHost),
			parseInt("VAULTSCAN_CLAMAV_PORT", defaultClamAVPort)),
		ClamAVPool:          parseInt("VAULTSCAN_CLAMAV_POOL", defaultClamAVPool),
		ClamAVReadyInterval: parseDuration("VAULTSCAN_CLAMAV_READY_INTERVAL", defaultReadyInterval),
		ClamAVProbeTimeout:  parseDuration("VAULTSCAN_CLAMAV_PROBE_TIMEOUT", defaultProbeTimeout),

		BombMaxRatio:        parseFloat("VAULTSCAN_BOMB_MAX_RATIO", defaultBombMaxRatio),
		BombMaxEntries:      parseInt("VAULTSCAN_BOMB_MAX_ENTRIES", defaultBombMaxEntries),
		BombMaxUncompressed: parseInt64("VAULTSCAN_BOMB_MAX_UNCOMPRESSED", defaultBombMaxSize),

		BusDriver:      readEnv("VAULTSCAN_BUS_DRIVER", defaultBusDriver),
		BusEventsURL:   readEnv("VAULTSCAN_BUSAPI_EVENTS_URL", defaultBusEventsURL),
		AMQPURL:        readEnv("VAULTSCAN_AMQP_URL", ""),
		AMQPExchange:   readEnv("VAULTSCAN_AMQP_EXCHANGE", ""),
		AMQPRoutingKey: readEnv("VAULTSCAN_AMQP_ROUTING_KEY", defaultAMQPRoutingKey),

		SubmissionAPIURL:   readEnv("VAULTSCAN_SUBMISSION_API_URL", defaultSubmissionAPIURL),
		ReviewTypeName:     readEnv("VAULTSCAN_AV_SCAN_REVIEW_TYPE", defaultReviewTypeName),
		ScorecardID:        readEnv("VAULTSCAN_SCORECARD_ID", defaultScorecardID),
		ReviewTypeCacheTTL: parseDuration("VAULTSCAN_REVIEW_TYPE_CACHE_TTL", 0),
		Auth0URL:           readEnv("VAULTSCAN_AUTH0_URL", ""),
		Auth0Audience:      readEnv("VAULTSCAN_AUTH0_AUDIENCE", defaultAuth0Audience),
		Auth0ClientID:      readEnv("VAULTSCAN_AUTH0_CLIENT_ID", ""),
		Auth0ClientSecret:  readEnv("VAULTSCAN_AUTH0_CLIENT_SECRET", ""),

		Source:         readEnv("VAULTSCAN_SOURCE", defaultSource),
		RedisAddr:      readEnv("VAULTSCAN_REDIS_ADDR", defaultRedisAddr),
		RedisPassword:  readEnv("VAULTSCAN_REDIS_PASSWORD", ""),
		RedisDB:        parseInt("VAULTSCAN_REDIS_DB", 0),
		ProcessingPool: parseInt("VAULTSCAN_WORKERS", defaultWorkerCount),
		TaskMaxRetry:   parseInt("VAULTSCAN_TASK_MAX_RETRY", defaultTaskMaxRetry),
		KafkaBrokers:   parseList("VAULTSCAN_KAFKA_BROKERS", defaultKafkaBrokers),
		KafkaTopic:     readEnv("VAULTSCAN_KAFKA_TOPIC", defaultKafkaTopic),
		KafkaGroupID:   readEnv("VAULTSCAN_KAFKA_GROUP_ID", defaultKafkaGroupID),

		KafkaClientCert:    readPEM("VAULTSCAN_KAFKA_CLIENT_CERT"),
		KafkaClientCertKey: readPEM("VAULTSCAN_KAFKA_CLIENT_CERT_KEY"),

		DatabaseURL: readEnv("VAULTSCAN_DATABASE_URL", ""),

		LogLevel:       readEnv("VAULTSCAN_LOG_LEVEL", defaultLogLevel),
		LogFormat:      readEnv("VAULTSCAN_LOG_FORMAT", defaultLogFormat),
		DisableLogging: parseBool("VAULTSCAN_DISABLE_LOGGING", false),
	}

	uploadTypes, err := loadUploadTypes()
	if err != nil {
		return nil, err
	}
	cfg.UploadTypes = uploadTypes

	// AWS resolves its own endpoint; MinIO needs one.
	if cfg.S3Endpoint == "" && cfg.StorageDriver == DriverMinio {
		cfg.S3Endpoint = defaultS3Endpoint
	}
	if cfg.ProcessingPool <= 0 {
		cfg.ProcessingPool = defaultWorkerCount
	}
	if cfg.ClamAVPool <= 0 {
		cfg.ClamAVPool = cfg.ProcessingPool
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.ClamAVReadyInterval <= 0 {
		cfg.ClamAVReadyInterval = defaultReadyInterval
	}
	if cfg.ClamAVProbeTimeout <= 0 {
		cfg.ClamAVProbeTimeout = defaultProbeTimeout
	}
	return cfg, nil
}

// Validate reports configuration errors that make processing impossible.
// Per-message problems are never reported here.
func (c *Config) Validate() error {
	var errs []error
	if c.DMZBucket == "" {
		errs = append(errs, errors.New("VAULTSCAN_DMZ_BUCKET is required"))
	}
	switch c.StorageDriver {
	case DriverMinio, DriverS3, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}
	switch c.BusDriver {
	case BusHTTP:
		if c.BusEventsURL == "" {
			errs = append(errs, errors.New("VAULTSCAN_BUSAPI_EVENTS_URL is required for the http bus"))
		}
	case BusAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("VAULTSCAN_AMQP_URL is required for the amqp bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", c.BusDriver))
	}
	switch c.Source {
	case SourceAsynq:
	case SourceKafka:
		if (c.KafkaClientCert == "") != (c.KafkaClientCertKey == "") {
			errs = append(errs, errors.New("VAULTSCAN_KAFKA_CLIENT_CERT and VAULTSCAN_KAFKA_CLIENT_CERT_KEY must be set together"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown message source %q", c.Source))
	}
	if len(c.UploadTypes) == 0 {
		errs = append(errs, errors.New("no upload types configured"))
	}
	for name, ut := range c.UploadTypes {
		if err := ut.validate(); err != nil {
			errs = append(errs, fmt.Errorf("upload type %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// UploadType looks up the routing configuration for an upload type.
func (c *Config) UploadType(name string) (UploadType, bool) {
	ut, ok := c.UploadTypes[name]
	return ut, ok
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// readPEM reads a PEM block whose newlines may be escaped as a literal \n so
// it fits on one env line.
func readPEM(key string) string {
	return strings.ReplaceAll(readEnv(key, ""), `\n`, "\n")
}

func parseList(key, def string) []string {
	val := readEnv(key, def)
	parts := strings.Split(val, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

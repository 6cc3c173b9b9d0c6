package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendBolt     = "bolt"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL      string `yaml:"databaseUrl"`
	DatabaseMaxConns int32  `yaml:"databaseMaxConns"`
	StoreBackend     string `yaml:"storeBackend"`
	SQLitePath       string `yaml:"sqlitePath"`
	BoltPath         string `yaml:"boltPath"`
	// RedisAddr switches command queues to Redis so any replica can accept
	// commands.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`

	ServerAddr string `yaml:"serverAddr"`
	// APIKeyHash is the bcrypt hash of the control API key. Empty leaves the
	// control API open.
	APIKeyHash string `yaml:"apiKeyHash"`
	// SigningKeys ("keyId:hex,...") enables HMAC signing of protocol
	// messages. SigningKeyID is the key this connector signs with.
	SigningKeys     string            `yaml:"signingKeys"`
	SigningKeyID    string            `yaml:"signingKeyId"`
	ParticipantKeys map[string]string `yaml:"participantKeys"`
	// ParticipantID identifies this connector to counterparties.
	ParticipantID string `yaml:"participantId"`
	// ProtocolAddress is the public base URL counterparties call back on.
	ProtocolAddress string `yaml:"protocolAddress"`
	// RuntimeID owns leases taken by this process.
	RuntimeID string `yaml:"runtimeId"`

	StateMachine StateMachine `yaml:"stateMachine"`
	Retry        Retry        `yaml:"retry"`
	Dispatch     Dispatch     `yaml:"dispatch"`

	PipelineTimeout time.Duration `yaml:"pipelineTimeout"`
	S3Region        string        `yaml:"s3Region"`
	S3Endpoint      string        `yaml:"s3Endpoint"`
	GCSEnabled      bool          `yaml:"gcsEnabled"`

	JanitorSchedule string `yaml:"janitorSchedule"`

	OTLPEndpoint    string  `yaml:"otlpEndpoint"`
	OTLPInsecure    bool    `yaml:"otlpInsecure"`
	TraceSampleRate float64 `yaml:"traceSampleRate"`
	LogLevel        string  `yaml:"logLevel"`

	// Assets maps offered asset ids to where their data lives.
	Assets map[string]transfer.DataAddress `yaml:"assets"`
}

type StateMachine struct {
	BatchSize       int           `yaml:"batchSize"`
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	LeaseDuration   time.Duration `yaml:"leaseDuration"`
	PendingTimeout  time.Duration `yaml:"pendingTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type Retry struct {
	MaxRetries int           `yaml:"maxRetries"`
	MinBackoff time.Duration `yaml:"minBackoff"`
	MaxBackoff time.Duration `yaml:"maxBackoff"`
	Factor     float64       `yaml:"factor"`
	Jitter     float64       `yaml:"jitter"`
}

type Dispatch struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	Rate        float64       `yaml:"rate"`
	Burst       int           `yaml:"burst"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		StoreBackend:    BackendMemory,
		SQLitePath:      "connector.db",
		BoltPath:        "connector.bolt",
		ServerAddr:      "0.0.0.0:8080",
		ParticipantID:   "connector",
		ProtocolAddress: "http://localhost:8080",
		StateMachine: StateMachine{
			BatchSize:       20,
			Concurrency:     8,
			PollInterval:    time.Second,
			LeaseDuration:   time.Minute,
			PendingTimeout:  5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Retry: Retry{
			MaxRetries: 5,
			MinBackoff: time.Second,
			MaxBackoff: time.Minute,
			Factor:     2,
			Jitter:     0.2,
		},
		Dispatch: Dispatch{
			Timeout:     30 * time.Second,
			Concurrency: 16,
		},
		PipelineTimeout: 10 * time.Minute,
		JanitorSchedule: "@every 1m",
		TraceSampleRate: 1,
		LogLevel:        "info",
	}
}

// Load reads the optional YAML file named by CONNECTOR_CONFIG_FILE and then
// applies environment overrides.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONNECTOR_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.RuntimeID == "" {
		cfg.RuntimeID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	if cfg.DatabaseURL == "" && os.Getenv("POSTGRES_HOST") != "" {
		user := getenv("POSTGRES_USER", "connector")
		pass := getenv("POSTGRES_PASSWORD", "connector")
		db := getenv("POSTGRES_DB", "connector")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	cfg.StoreBackend = strings.ToLower(getenv("STORE_BACKEND", cfg.StoreBackend))
	cfg.SQLitePath = getenv("SQLITE_PATH", cfg.SQLitePath)
	cfg.BoltPath = getenv("BOLT_PATH", cfg.BoltPath)
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getenv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = parseInt(os.Getenv("REDIS_DB"), cfg.RedisDB)

	cfg.DatabaseMaxConns = int32(parseInt(os.Getenv("DATABASE_MAX_CONNS"), int(cfg.DatabaseMaxConns)))

	cfg.ServerAddr = getenv("SERVER_ADDR", cfg.ServerAddr)
	cfg.APIKeyHash = getenv("API_KEY_HASH", cfg.APIKeyHash)
	cfg.SigningKeys = getenv("SIGNING_KEYS", cfg.SigningKeys)
	cfg.SigningKeyID = getenv("SIGNING_DEFAULT_KEY_ID", cfg.SigningKeyID)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "SIGNING_KEY_FOR_PARTICIPANT_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		participant := strings.TrimPrefix(parts[0], "SIGNING_KEY_FOR_PARTICIPANT_")
		if participant == "" || len(parts) != 2 {
			continue
		}
		if cfg.ParticipantKeys == nil {
			cfg.ParticipantKeys = make(map[string]string)
		}
		cfg.ParticipantKeys[participant] = parts[1]
	}
	cfg.ParticipantID = getenv("PARTICIPANT_ID", cfg.ParticipantID)
	cfg.ProtocolAddress = getenv("PROTOCOL_ADDRESS", cfg.ProtocolAddress)
	cfg.RuntimeID = getenv("RUNTIME_ID", cfg.RuntimeID)

	sm := &cfg.StateMachine
	sm.BatchSize = parseInt(os.Getenv("STATE_MACHINE_BATCH_SIZE"), sm.BatchSize)
	sm.Concurrency = parseInt(os.Getenv("STATE_MACHINE_CONCURRENCY"), sm.Concurrency)
	sm.PollInterval = parseDuration(os.Getenv("STATE_MACHINE_POLL_INTERVAL"), sm.PollInterval)
	sm.LeaseDuration = parseDuration(os.Getenv("LEASE_DURATION"), sm.LeaseDuration)
	sm.PendingTimeout = parseDuration(os.Getenv("PENDING_TIMEOUT"), sm.PendingTimeout)
	sm.ShutdownTimeout = parseDuration(os.Getenv("SHUTDOWN_TIMEOUT"), sm.ShutdownTimeout)

	r := &cfg.Retry
	r.MaxRetries = parseInt(os.Getenv("RETRY_MAX"), r.MaxRetries)
	r.MinBackoff = parseDuration(os.Getenv("RETRY_MIN_BACKOFF"), r.MinBackoff)
	r.MaxBackoff = parseDuration(os.Getenv("RETRY_MAX_BACKOFF"), r.MaxBackoff)
	r.Factor = parseFloat(os.Getenv("RETRY_FACTOR"), r.Factor)
	r.Jitter = parseFloat(os.Getenv("RETRY_JITTER"), r.Jitter)

	d := &cfg.Dispatch
	d.Timeout = parseDuration(os.Getenv("DISPATCH_TIMEOUT"), d.Timeout)
	d.Concurrency = parseInt(os.Getenv("DISPATCH_CONCURRENCY"), d.Concurrency)
	d.Rate = parseFloat(os.Getenv("DISPATCH_RATE"), d.Rate)
	d.Burst = parseInt(os.Getenv("DISPATCH_BURST"), d.Burst)

	cfg.PipelineTimeout = parseDuration(os.Getenv("PIPELINE_TIMEOUT"), cfg.PipelineTimeout)
	cfg.S3Region = getenv("S3_REGION", cfg.S3Region)
	cfg.S3Endpoint = getenv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.GCSEnabled = parseBool(os.Getenv("GCS_ENABLED"), cfg.GCSEnabled)
	cfg.JanitorSchedule = getenv("LEASE_JANITOR_SCHEDULE", cfg.JanitorSchedule)

	cfg.OTLPEndpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.OTLPInsecure = parseBool(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), cfg.OTLPInsecure)
	cfg.TraceSampleRate = parseFloat(os.Getenv("OTEL_TRACES_SAMPLE_RATE"), cfg.TraceSampleRate)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
}

// Validate rejects settings the connector cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendSQLite, BackendBolt:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("store backend postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.ParticipantID == "" {
		return fmt.Errorf("participant id is required")
	}
	if c.StateMachine.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive")
	}
	if c.StateMachine.PendingTimeout < c.Dispatch.Timeout {
		return fmt.Errorf("pending timeout %s is shorter than dispatch timeout %s", c.StateMachine.PendingTimeout, c.Dispatch.Timeout)
	}
	if c.SigningKeys != "" && c.SigningKeyID == "" {
		return fmt.Errorf("signing keys need a default signing key id")
	}
	for id, addr := range c.Assets {
		if addr.Type == "" {
			return fmt.Errorf("asset %q has no data address type", id)
		}
	}
	return nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline behavior
	Pipeline PipelineConfig `json:"pipeline"`
	Network  NetworkConfig  `json:"network"`
	Alerts   AlertConfig    `json:"alerts"`
	Actions  ActionConfig   `json:"actions"`
	Monitor  MonitorConfig  `json:"monitor"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// PipelineConfig tunes event processing.
type PipelineConfig struct {
	// ShardCount is the number of per-entity serialization shards.
	// Events for one entity always land on the same shard.
	ShardCount int `json:"shardCount"`

	// ShardQueueSize bounds each shard's pending-event queue.
	ShardQueueSize int `json:"shardQueueSize"`

	// ScoringTimeout and NetworkTimeout are hard deadlines; on expiry the
	// pipeline falls back to FallbackBand and requeues the event.
	ScoringTimeout time.Duration `json:"scoringTimeout"`
	NetworkTimeout time.Duration `json:"networkTimeout"`

	// FallbackBand is the conservative band used when scoring cannot
	// complete. Must never be "low".
	FallbackBand RiskBand `json:"fallbackBand"`

	// DedupeTTL is how long processed event IDs are remembered for
	// at-least-once redelivery protection.
	DedupeTTL time.Duration `json:"dedupeTTL"`

	// VelocityWindow is the window for the velocity feature.
	VelocityWindow time.Duration `json:"velocityWindow"`
}

// NetworkConfig tunes the network analyzer.
type NetworkConfig struct {
	// WindowWidth is the sliding analysis window.
	WindowWidth time.Duration `json:"windowWidth"`

	// Matcher confidence thresholds (0.0-1.0).
	CircularConfidence    float64 `json:"circularConfidence"`
	RapidConfidence       float64 `json:"rapidConfidence"`
	StructuringConfidence float64 `json:"structuringConfidence"`
	WashConfidence        float64 `json:"washConfidence"`

	// StructuringThreshold is the reporting limit structuring hides under.
	StructuringThreshold float64 `json:"structuringThreshold"`

	// Coordinated-activity detection.
	SyncMinEntities int           `json:"syncMinEntities"`
	SyncMaxWindow   time.Duration `json:"syncMaxWindow"`
	SyncConfidence  float64       `json:"syncConfidence"`

	// AutoBlockConfidence is the bar above which coordinated matches set
	// AutomaticBlocking.
	AutoBlockConfidence float64 `json:"autoBlockConfidence"`
}

// AlertConfig tunes the alert manager.
type AlertConfig struct {
	// DedupeWindow merges alerts for the same (entity, type).
	DedupeWindow time.Duration `json:"dedupeWindow"`

	// EscalationInterval is how often the escalation sweep runs.
	EscalationInterval time.Duration `json:"escalationInterval"`
}

// ActionConfig tunes the action executor.
type ActionConfig struct {
	// CooldownWindow is the minimum gap between executions of the same
	// action type on the same entity.
	CooldownWindow time.Duration `json:"cooldownWindow"`

	// MaxRetries bounds execution attempts before the action is marked
	// failed and a critical alert is raised.
	MaxRetries int `json:"maxRetries"`

	// RetryBaseDelay seeds the exponential backoff.
	RetryBaseDelay time.Duration `json:"retryBaseDelay"`
}

// MonitorConfig tunes the model performance monitor.
type MonitorConfig struct {
	// EvaluationWindow is the rolling window for metrics.
	EvaluationWindow time.Duration `json:"evaluationWindow"`

	// MinShadowSamples gates promotion of a shadow model.
	MinShadowSamples int64 `json:"minShadowSamples"`

	// RetireFPRThreshold recommends retiring a model whose false-positive
	// rate exceeds it.
	RetireFPRThreshold float64 `json:"retireFPRThreshold"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Pipeline: PipelineConfig{
			ShardCount:     16,
			ShardQueueSize: 256,
			ScoringTimeout: 200 * time.Millisecond,
			NetworkTimeout: 200 * time.Millisecond,
			FallbackBand:   BandMedium,
			DedupeTTL:      24 * time.Hour,
			VelocityWindow: time.Hour,
		},
		Network: NetworkConfig{
			WindowWidth:           30 * time.Minute,
			CircularConfidence:    0.7,
			RapidConfidence:       0.6,
			StructuringConfidence: 0.7,
			WashConfidence:        0.7,
			StructuringThreshold:  10000,
			SyncMinEntities:       3,
			SyncMaxWindow:         5 * time.Minute,
			SyncConfidence:        0.75,
			AutoBlockConfidence:   0.9,
		},
		Alerts: AlertConfig{
			DedupeWindow:       15 * time.Minute,
			EscalationInterval: time.Minute,
		},
		Actions: ActionConfig{
			CooldownWindow: 10 * time.Minute,
			MaxRetries:     3,
			RetryBaseDelay: 100 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			EvaluationWindow:   7 * 24 * time.Hour,
			MinShadowSamples:   500,
			RetireFPRThreshold: 0.3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

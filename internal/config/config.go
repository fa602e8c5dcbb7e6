// Package config holds the frozen configuration consumed by the analytic
// core. Loading happens once at startup; components receive the value and
// never mutate it.
package config

import (
	"fmt"
	"time"
)

const (
	defaultListen    = ":8765"
	DefaultOutputDir = "dshield-mcp-output"
)

// Transport selects how the MCP server is exposed.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportTCP   Transport = "tcp"
)

// Config is the main configuration structure.
type Config struct {
	Transport Transport `json:"transport" mapstructure:"transport"`
	Listen    string    `json:"listen" mapstructure:"listen"`
	// OutputDir is the persisted-state root holding db/ and reports/.
	OutputDir string `json:"output_dir" mapstructure:"output-dir"`

	Elasticsearch ElasticConfig    `json:"elasticsearch" mapstructure:"elasticsearch"`
	ThreatIntel   ThreatIntel      `json:"threat_intel" mapstructure:"threat-intel"`
	Campaign      CampaignConfig   `json:"campaign" mapstructure:"campaign"`
	Streaming     StreamingConfig  `json:"streaming" mapstructure:"streaming"`
	Cache         CacheConfig      `json:"cache" mapstructure:"cache"`
	Resilience    ResilienceConfig `json:"resilience" mapstructure:"resilience"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// EnableMetrics exposes /metrics on the TCP listener.
	EnableMetrics bool `json:"enable_metrics" mapstructure:"enable-metrics"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// ElasticConfig configures the SIEM connection and query-layer limits.
type ElasticConfig struct {
	URL         string   `json:"url" mapstructure:"url"`
	Username    string   `json:"username,omitempty" mapstructure:"username"`
	PasswordRef string   `json:"password_ref,omitempty" mapstructure:"password-ref"`
	APIKeyRef   string   `json:"api_key_ref,omitempty" mapstructure:"api-key-ref"`
	Indices     []string `json:"indices" mapstructure:"indices"`
	// CompatibilityMode bridges 7.x backing clusters from the 8.x client.
	CompatibilityMode bool `json:"compatibility_mode" mapstructure:"compatibility-mode"`
	VerifyTLS         bool `json:"verify_tls" mapstructure:"verify-tls"`

	MaxQueryWindowHours int `json:"max_query_window_hours" mapstructure:"max-query-window-hours"`
	MaxPageSize         int `json:"max_page_size" mapstructure:"max-page-size"`
	// PageOffsetLimit is the deepest page*size offset served without a cursor.
	PageOffsetLimit       int `json:"page_offset_limit" mapstructure:"page-offset-limit"`
	OptimizationFloorSize int `json:"optimization_floor_size" mapstructure:"optimization-floor-size"`
	MaxResultSizeMB       int `json:"max_result_size_mb" mapstructure:"max-result-size-mb"`
	PoolSize              int `json:"pool_size" mapstructure:"pool-size"`
}

// SourceConfig configures one threat-intel source.
type SourceConfig struct {
	Name               string `json:"name" mapstructure:"name"`
	URL                string `json:"url" mapstructure:"url"`
	APIKeyRef          string `json:"api_key_ref,omitempty" mapstructure:"api-key-ref"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate-limit-per-minute"`
	// Trust weights this source's numeric aggregates during merging.
	Trust    float64       `json:"trust" mapstructure:"trust"`
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache-ttl"`
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
}

// ThreatIntel configures the aggregator.
type ThreatIntel struct {
	Sources        []SourceConfig `json:"sources" mapstructure:"sources"`
	MergeWeight    float64        `json:"merge_weight" mapstructure:"merge-weight"`
	MaxConcurrency int            `json:"max_concurrency" mapstructure:"max-concurrency"`
	// RateLimitTripWindow is how long a source may stay rate-limited before
	// its breaker starts counting the rejections as failures.
	RateLimitTripWindow time.Duration `json:"rate_limit_trip_window" mapstructure:"rate-limit-trip-window"`
}

// CampaignConfig bounds the correlation engine.
type CampaignConfig struct {
	MaxSeedEvents         int           `json:"max_seed_events" mapstructure:"max-seed-events"`
	StageEventBudget      int           `json:"stage_event_budget" mapstructure:"stage-event-budget"`
	SubnetMaskBits        int           `json:"subnet_mask_bits" mapstructure:"subnet-mask-bits"`
	TemporalWindow        time.Duration `json:"temporal_window" mapstructure:"temporal-window"`
	ProximityTau          time.Duration `json:"proximity_tau" mapstructure:"proximity-tau"`
	BehavioralMaxDistance int           `json:"behavioral_max_distance" mapstructure:"behavioral-max-distance"`
	ExpansionFanout       int           `json:"expansion_fanout" mapstructure:"expansion-fanout"`
}

// StreamingConfig bounds streaming and session chunking.
type StreamingConfig struct {
	ChunkSize int `json:"chunk_size" mapstructure:"chunk-size"`
	// SoftCapStretchPct is how far past ChunkSize a chunk may grow to keep
	// a session whole.
	SoftCapStretchPct int           `json:"soft_cap_stretch_pct" mapstructure:"soft-cap-stretch-pct"`
	StreamTTL         time.Duration `json:"stream_ttl" mapstructure:"stream-ttl"`
	SessionFields     []string      `json:"session_fields" mapstructure:"session-fields"`
	MaxSessionGap     time.Duration `json:"max_session_gap" mapstructure:"max-session-gap"`
}

// CacheConfig configures the two cache tiers.
type CacheConfig struct {
	MemoryEntriesPerSource int           `json:"memory_entries_per_source" mapstructure:"memory-entries-per-source"`
	MemoryTTL              time.Duration `json:"memory_ttl" mapstructure:"memory-ttl"`
	PersistentTTL          time.Duration `json:"persistent_ttl" mapstructure:"persistent-ttl"`
	WriteQueueSize         int           `json:"write_queue_size" mapstructure:"write-queue-size"`
}

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure-threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" mapstructure:"recovery-timeout"`
	SuccessThreshold int           `json:"success_threshold" mapstructure:"success-threshold"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls" mapstructure:"half-open-max-calls"`
}

// RetryConfig configures the retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max-attempts"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base-delay"`
	Factor      float64       `json:"factor" mapstructure:"factor"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max-delay"`
	// Jitter is the uniform randomization fraction applied to each delay.
	Jitter float64 `json:"jitter" mapstructure:"jitter"`
}

// TimeoutConfig holds the per-class timeout envelopes.
type TimeoutConfig struct {
	ToolExecution   time.Duration `json:"tool_execution" mapstructure:"tool-execution"`
	ExternalService time.Duration `json:"external_service" mapstructure:"external-service"`
	ResourceAccess  time.Duration `json:"resource_access" mapstructure:"resource-access"`
	Validation      time.Duration `json:"validation" mapstructure:"validation"`
}

// ResilienceConfig groups breaker, retry, timeout, and aggregator tuning.
type ResilienceConfig struct {
	Breaker  BreakerConfig `json:"breaker" mapstructure:"breaker"`
	Retry    RetryConfig   `json:"retry" mapstructure:"retry"`
	Timeouts TimeoutConfig `json:"timeouts" mapstructure:"timeouts"`

	ErrorRingSize     int           `json:"error_ring_size" mapstructure:"error-ring-size"`
	ErrorWindow       time.Duration `json:"error_window" mapstructure:"error-window"`
	WarningThreshold  int           `json:"warning_threshold" mapstructure:"warning-threshold"`
	CriticalThreshold int           `json:"critical_threshold" mapstructure:"critical-threshold"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportStdio,
		Listen:    defaultListen,
		OutputDir: "", // resolved to ~/dshield-mcp-output by the loader

		Elasticsearch: ElasticConfig{
			URL:                   "https://localhost:9200",
			Indices:               []string{"dshield-*", "honeypot-*", "netflow-*"},
			CompatibilityMode:     false,
			VerifyTLS:             true,
			MaxQueryWindowHours:   168,
			MaxPageSize:           1000,
			PageOffsetLimit:       10000,
			OptimizationFloorSize: 100,
			MaxResultSizeMB:       10,
			PoolSize:              8,
		},

		ThreatIntel: ThreatIntel{
			Sources: []SourceConfig{
				{
					Name:               "dshield",
					URL:                "https://isc.sans.edu/api",
					RateLimitPerMinute: 60,
					Trust:              0.9,
					CacheTTL:           time.Hour,
					Enabled:            true,
				},
			},
			MergeWeight:         0.6,
			MaxConcurrency:      4,
			RateLimitTripWindow: 2 * time.Minute,
		},

		Campaign: CampaignConfig{
			MaxSeedEvents:         1000,
			StageEventBudget:      2000,
			SubnetMaskBits:        24,
			TemporalWindow:        30 * time.Minute,
			ProximityTau:          time.Hour,
			BehavioralMaxDistance: 3,
			ExpansionFanout:       25,
		},

		Streaming: StreamingConfig{
			ChunkSize:         500,
			SoftCapStretchPct: 20,
			StreamTTL:         10 * time.Minute,
			SessionFields:     []string{"source_ip", "destination_ip", "user", "session_id"},
			MaxSessionGap:     30 * time.Minute,
		},

		Cache: CacheConfig{
			MemoryEntriesPerSource: 1024,
			MemoryTTL:              time.Hour,
			PersistentTTL:          24 * time.Hour,
			WriteQueueSize:         256,
		},

		Resilience: ResilienceConfig{
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
				SuccessThreshold: 3,
				HalfOpenMaxCalls: 2,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				Factor:      2.0,
				MaxDelay:    30 * time.Second,
				Jitter:      0.25,
			},
			Timeouts: TimeoutConfig{
				ToolExecution:   300 * time.Second,
				ExternalService: 30 * time.Second,
				ResourceAccess:  10 * time.Second,
				Validation:      5 * time.Second,
			},
			ErrorRingSize:     512,
			ErrorWindow:       5 * time.Minute,
			WarningThreshold:  10,
			CriticalThreshold: 50,
		},

		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},

		EnableMetrics: false,
	}
}

// Validate validates and normalizes the configuration.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportTCP:
	case "":
		c.Transport = TransportStdio
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Elasticsearch.URL == "" {
		return fmt.Errorf("elasticsearch.url is required")
	}
	if len(c.Elasticsearch.Indices) == 0 {
		return fmt.Errorf("elasticsearch.indices must name at least one index pattern")
	}
	if c.Elasticsearch.MaxPageSize <= 0 {
		c.Elasticsearch.MaxPageSize = 1000
	}
	if c.Elasticsearch.MaxQueryWindowHours <= 0 {
		c.Elasticsearch.MaxQueryWindowHours = 168
	}
	if c.Elasticsearch.OptimizationFloorSize <= 0 {
		c.Elasticsearch.OptimizationFloorSize = 100
	}
	if c.Elasticsearch.PageOffsetLimit <= 0 {
		c.Elasticsearch.PageOffsetLimit = 10000
	}
	if c.Elasticsearch.MaxResultSizeMB <= 0 {
		c.Elasticsearch.MaxResultSizeMB = 10
	}
	if c.ThreatIntel.MergeWeight < 0 || c.ThreatIntel.MergeWeight > 1 {
		return fmt.Errorf("threat_intel.merge_weight %v out of [0,1]", c.ThreatIntel.MergeWeight)
	}
	if c.ThreatIntel.MaxConcurrency <= 0 {
		c.ThreatIntel.MaxConcurrency = 4
	}
	for i := range c.ThreatIntel.Sources {
		src := &c.ThreatIntel.Sources[i]
		if src.Name == "" {
			return fmt.Errorf("threat_intel.sources[%d] missing name", i)
		}
		if src.RateLimitPerMinute <= 0 {
			src.RateLimitPerMinute = 60
		}
		if src.Trust <= 0 {
			src.Trust = 0.5
		}
		if src.CacheTTL <= 0 {
			src.CacheTTL = time.Hour
		}
	}
	if c.Streaming.ChunkSize <= 0 {
		c.Streaming.ChunkSize = 500
	}
	if c.Streaming.SoftCapStretchPct < 0 || c.Streaming.SoftCapStretchPct > 100 {
		return fmt.Errorf("streaming.soft_cap_stretch_pct %d out of [0,100]", c.Streaming.SoftCapStretchPct)
	}
	if len(c.Streaming.SessionFields) == 0 {
		c.Streaming.SessionFields = []string{"source_ip", "destination_ip", "user", "session_id"}
	}
	if c.Resilience.Breaker.FailureThreshold <= 0 {
		c.Resilience.Breaker.FailureThreshold = 5
	}
	if c.Resilience.Breaker.SuccessThreshold <= 0 {
		c.Resilience.Breaker.SuccessThreshold = 3
	}
	if c.Resilience.Breaker.HalfOpenMaxCalls <= 0 {
		c.Resilience.Breaker.HalfOpenMaxCalls = 1
	}
	if c.Resilience.Retry.MaxAttempts <= 0 {
		c.Resilience.Retry.MaxAttempts = 3
	}
	if c.Cache.WriteQueueSize <= 0 {
		c.Cache.WriteQueueSize = 256
	}
	return nil
}

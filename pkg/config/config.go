package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// Config is the top-level connector configuration loaded from YAML
type Config struct {
	Connector ConnectorConfig `yaml:"connector"`
	Sources   []types.Source  `yaml:"sources"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Spool     SpoolConfig     `yaml:"spool"`
	Sink      SinkConfig      `yaml:"sink"`
	API       APIConfig       `yaml:"api"`
}

// ConnectorConfig names the connector instance and sets logging
type ConnectorConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
	StateDir string `yaml:"state_dir"`
}

// PipelineConfig controls the queue, batcher, and rate limiter
type PipelineConfig struct {
	QueueMaxSize         int              `yaml:"queue_max_size"`
	DropPolicy           types.DropPolicy `yaml:"drop_policy"`
	BatchSize            int              `yaml:"batch_size"`
	FlushIntervalMS      int              `yaml:"flush_interval_ms"`
	MaxSendRecordsPerSec int              `yaml:"max_send_records_per_sec"`
	HighWatermarkPct     int              `yaml:"high_watermark_pct"`
	LowWatermarkPct      int              `yaml:"low_watermark_pct"`
}

// FlushInterval returns the batch age bound
func (p PipelineConfig) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalMS) * time.Millisecond
}

// SpoolDrainMode selects where drained records re-enter the queue
type SpoolDrainMode string

const (
	// DrainPrepend reinjects spooled records ahead of fresh production for
	// the same source
	DrainPrepend SpoolDrainMode = "prepend"
	// DrainAppend prefers recency: drained records go behind fresh records
	DrainAppend SpoolDrainMode = "append"
)

// SpoolConfig controls the on-disk overflow area
type SpoolConfig struct {
	Enabled           bool           `yaml:"enabled"`
	Directory         string         `yaml:"directory"`
	MaxSegmentMB      int            `yaml:"max_segment_mb"`
	MaxTotalMB        int            `yaml:"max_total_mb"`
	EncryptionEnabled bool           `yaml:"encryption_enabled"`
	Passphrase        string         `yaml:"passphrase,omitempty"`
	PassphraseEnv     string         `yaml:"passphrase_env,omitempty"`
	FsyncEveryN       int            `yaml:"fsync_every_n"`
	FsyncIntervalMS   int            `yaml:"fsync_interval_ms"`
	DrainMode         SpoolDrainMode `yaml:"drain_mode"`
}

// FsyncInterval returns the time bound on fsync batching
func (s SpoolConfig) FsyncInterval() time.Duration {
	if s.FsyncIntervalMS <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(s.FsyncIntervalMS) * time.Millisecond
}

// SinkAuthConfig names the environment variables holding the OAuth2 client
// credentials. Secrets never appear in the config file itself.
type SinkAuthConfig struct {
	ClientIDEnv     string `yaml:"client_id_env"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	TokenURL        string `yaml:"token_url"`
}

// SinkRetryConfig controls sink delivery retries
type SinkRetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMS int `yaml:"base_backoff_ms"`
	MaxBackoffMS  int `yaml:"max_backoff_ms"`
}

// BaseBackoff returns the initial retry delay
func (r SinkRetryConfig) BaseBackoff() time.Duration {
	if r.BaseBackoffMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(r.BaseBackoffMS) * time.Millisecond
}

// MaxBackoff returns the retry delay cap
func (r SinkRetryConfig) MaxBackoff() time.Duration {
	if r.MaxBackoffMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

// BreakerConfig controls the sink circuit breaker
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownMS       int `yaml:"cooldown_ms"`
	MaxCooldownMS    int `yaml:"max_cooldown_ms"`
}

// Cooldown returns the initial open-state hold time
func (b BreakerConfig) Cooldown() time.Duration {
	if b.CooldownMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.CooldownMS) * time.Millisecond
}

// MaxCooldown returns the open-state hold time cap
func (b BreakerConfig) MaxCooldown() time.Duration {
	if b.MaxCooldownMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(b.MaxCooldownMS) * time.Millisecond
}

// SinkConfig points the connector at the cloud ingestion service
type SinkConfig struct {
	WorkspaceHost      string          `yaml:"workspace_host"`
	IngestEndpoint     string          `yaml:"ingest_endpoint"`
	Target             string          `yaml:"target"`
	Auth               SinkAuthConfig  `yaml:"auth"`
	MaxInflightRecords int             `yaml:"max_inflight_records"`
	Retry              SinkRetryConfig `yaml:"retry"`
	Breaker            BreakerConfig   `yaml:"circuit_breaker"`
	TLSInsecure        bool            `yaml:"tls_insecure"`
}

// APIConfig controls the management HTTP listener
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a config with the documented defaults applied
func Default() Config {
	return Config{
		Connector: ConnectorConfig{
			Name:     "fieldbridge",
			LogLevel: "info",
			StateDir: "state",
		},
		Pipeline: PipelineConfig{
			QueueMaxSize:         10000,
			DropPolicy:           types.DropNewest,
			BatchSize:            50,
			FlushIntervalMS:      1000,
			MaxSendRecordsPerSec: 500,
			HighWatermarkPct:     90,
			LowWatermarkPct:      50,
		},
		Spool: SpoolConfig{
			Enabled:           true,
			MaxSegmentMB:      100,
			MaxTotalMB:        4096,
			EncryptionEnabled: true,
			FsyncEveryN:       64,
			FsyncIntervalMS:   200,
			DrainMode:         DrainPrepend,
		},
		Sink: SinkConfig{
			MaxInflightRecords: 2000,
			Retry: SinkRetryConfig{
				MaxAttempts:   5,
				BaseBackoffMS: 500,
				MaxBackoffMS:  30000,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				CooldownMS:       30000,
				MaxCooldownMS:    300000,
			},
		},
		API: APIConfig{
			Listen: ":8088",
		},
	}
}

// Load reads, parses, and validates the configuration file. Any validation
// failure is a ConfigError and must abort startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Classifyf(types.ErrConfig, "read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, types.Classifyf(types.ErrConfig, "parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants the pipeline depends on
func (c *Config) Validate() error {
	if c.Pipeline.QueueMaxSize <= 0 {
		return types.Classifyf(types.ErrConfig, "pipeline.queue_max_size must be positive, got %d", c.Pipeline.QueueMaxSize)
	}
	if c.Pipeline.BatchSize <= 0 {
		return types.Classifyf(types.ErrConfig, "pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.DropPolicy != types.DropNewest && c.Pipeline.DropPolicy != types.DropOldest {
		return types.Classifyf(types.ErrConfig, "pipeline.drop_policy must be drop_newest or drop_oldest, got %q", c.Pipeline.DropPolicy)
	}
	if c.Pipeline.MaxSendRecordsPerSec <= 0 {
		return types.Classifyf(types.ErrConfig, "pipeline.max_send_records_per_sec must be positive, got %d", c.Pipeline.MaxSendRecordsPerSec)
	}
	if c.Pipeline.LowWatermarkPct >= c.Pipeline.HighWatermarkPct {
		return types.Classifyf(types.ErrConfig, "pipeline.low_watermark_pct (%d) must be below high_watermark_pct (%d)",
			c.Pipeline.LowWatermarkPct, c.Pipeline.HighWatermarkPct)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Name == "" {
			return types.Classifyf(types.ErrConfig, "sources[%d]: name is required", i)
		}
		if seen[src.Name] {
			return types.Classifyf(types.ErrConfig, "duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
		if err := ValidateSource(src); err != nil {
			return err
		}
	}

	if c.Spool.Enabled && c.Spool.MaxSegmentMB <= 0 {
		return types.Classifyf(types.ErrConfig, "spool.max_segment_mb must be positive, got %d", c.Spool.MaxSegmentMB)
	}
	return nil
}

// ValidateSource checks one source entry. A source configured from a Thing
// Description resolves its protocol and endpoint at TD fetch time, so those
// fields may be empty here.
func ValidateSource(src *types.Source) error {
	if src.ThingDescription != "" {
		return nil
	}
	if !src.Protocol.Valid() {
		return types.Classifyf(types.ErrConfig, "source %q: unknown protocol %q", src.Name, src.Protocol)
	}
	if src.Endpoint == "" {
		return types.Classifyf(types.ErrConfig, "source %q: endpoint is required", src.Name)
	}
	switch src.Protocol {
	case types.ProtocolOPCUA:
		if src.OPCUA == nil || len(src.OPCUA.NodeIDs) == 0 {
			return types.Classifyf(types.ErrConfig, "source %q: opcua.node_ids is required", src.Name)
		}
	case types.ProtocolMQTT:
		if src.MQTT == nil || len(src.MQTT.Topics) == 0 {
			return types.Classifyf(types.ErrConfig, "source %q: mqtt.topics is required", src.Name)
		}
		for _, t := range src.MQTT.Topics {
			if t.QoS > 2 {
				return types.Classifyf(types.ErrConfig, "source %q: topic %q: qos must be 0, 1, or 2", src.Name, t.Filter)
			}
		}
	case types.ProtocolModbus:
		if src.Modbus == nil || len(src.Modbus.Registers) == 0 {
			return types.Classifyf(types.ErrConfig, "source %q: modbus.registers is required", src.Name)
		}
	}
	return nil
}

// Credentials resolves the OAuth2 client credentials from the environment.
// Both variables must be set when a sink is configured.
func (s SinkConfig) Credentials() (id, secret string, err error) {
	if s.Auth.ClientIDEnv == "" || s.Auth.ClientSecretEnv == "" {
		return "", "", types.Classifyf(types.ErrConfig, "sink.auth.client_id_env and client_secret_env are required")
	}
	id = os.Getenv(s.Auth.ClientIDEnv)
	secret = os.Getenv(s.Auth.ClientSecretEnv)
	if id == "" || secret == "" {
		return "", "", types.Classifyf(types.ErrConfig,
			"sink credentials not present in environment (%s, %s)",
			s.Auth.ClientIDEnv, s.Auth.ClientSecretEnv)
	}
	return id, secret, nil
}

// SinkCredentials resolves the sink's OAuth2 client credentials
func (c *Config) SinkCredentials() (string, string, error) {
	return c.Sink.Credentials()
}

// SpoolPassphrase resolves the spool encryption passphrase, preferring the
// environment variable over the inline value.
func (c *Config) SpoolPassphrase() (string, error) {
	if c.Spool.PassphraseEnv != "" {
		if v := os.Getenv(c.Spool.PassphraseEnv); v != "" {
			return v, nil
		}
		return "", types.Classifyf(types.ErrConfig, "spool passphrase env %s is empty", c.Spool.PassphraseEnv)
	}
	if c.Spool.Passphrase != "" {
		return c.Spool.Passphrase, nil
	}
	return "", types.Classifyf(types.ErrConfig, "spool encryption enabled but no passphrase configured")
}

// String returns a one-line summary safe for logging (no secrets)
func (c *Config) String() string {
	return fmt.Sprintf("connector=%s sources=%d queue=%d policy=%s batch=%d spool=%v",
		c.Connector.Name, len(c.Sources), c.Pipeline.QueueMaxSize,
		c.Pipeline.DropPolicy, c.Pipeline.BatchSize, c.Spool.Enabled)
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bucketchain/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// AgentConfig captures the runtime configuration for providerd, the storage
// provider agent.
type AgentConfig struct {
	RPCURL        string          `yaml:"rpc_url"`
	ListenAddress string          `yaml:"listen"`
	MetricsListen string          `yaml:"metrics_listen"`
	Keystore      string          `yaml:"keystore"`
	PassphraseEnv string          `yaml:"passphrase_env"`
	DataDir       string          `yaml:"data_dir"`
	ContentPath   string          `yaml:"content_path"`
	PollInterval  Duration        `yaml:"poll_interval"`
	ChunkSize     uint64          `yaml:"chunk_size"`
	Buckets       []uint64        `yaml:"buckets"`
	Replicas      []ReplicaConfig `yaml:"replicas"`
	Peers         []string        `yaml:"peers"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// ReplicaConfig names a bucket the agent mirrors and the primary it pulls
// leaves from.
type ReplicaConfig struct {
	Bucket uint64 `yaml:"bucket"`
	Source string `yaml:"source"`
}

// LoadAgentConfig reads and validates an agent configuration. When the
// configured keystore does not exist a fresh key is generated into it,
// encrypted with the passphrase taken from PassphraseEnv.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := AgentConfig{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyAgentDefaults(&cfg, filepath.Dir(path))
	if err := validateAgentConfig(cfg); err != nil {
		return cfg, err
	}
	if err := ensureAgentKeystore(cfg); err != nil {
		return cfg, fmt.Errorf("keystore: %w", err)
	}
	return cfg, nil
}

func applyAgentDefaults(cfg *AgentConfig, base string) {
	if cfg.RPCURL == "" {
		cfg.RPCURL = "http://127.0.0.1:8545"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7300"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./provider-data"
	}
	if cfg.Keystore == "" {
		cfg.Keystore = filepath.Join(base, "provider.keystore")
	}
	if cfg.ContentPath == "" {
		cfg.ContentPath = filepath.Join(cfg.DataDir, "content.db")
	}
	if cfg.PassphraseEnv == "" {
		cfg.PassphraseEnv = "PROVIDERD_PASSPHRASE"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 2 * time.Second
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 256 * 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "providerd"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
}

func validateAgentConfig(cfg AgentConfig) error {
	if _, err := url.ParseRequestURI(cfg.RPCURL); err != nil {
		return fmt.Errorf("rpc_url: %w", err)
	}
	if cfg.PollInterval.Duration < 0 {
		return errors.New("poll_interval must not be negative")
	}
	seen := make(map[uint64]struct{}, len(cfg.Replicas))
	for i, rep := range cfg.Replicas {
		if rep.Bucket == 0 {
			return fmt.Errorf("replicas[%d]: bucket is required", i)
		}
		if _, dup := seen[rep.Bucket]; dup {
			return fmt.Errorf("replicas[%d]: bucket %d listed twice", i, rep.Bucket)
		}
		seen[rep.Bucket] = struct{}{}
		if _, err := url.ParseRequestURI(rep.Source); err != nil {
			return fmt.Errorf("replicas[%d]: source: %w", i, err)
		}
	}
	for i, peer := range cfg.Peers {
		if _, err := url.ParseRequestURI(peer); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
	}
	if _, ok := validLogLevels[cfg.Logging.Level]; !ok {
		return fmt.Errorf("logging: unknown level %q", cfg.Logging.Level)
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry: sample_ratio %v outside [0,1]", r)
	}
	return nil
}

// Passphrase returns the keystore passphrase from the environment.
func (c AgentConfig) Passphrase() string {
	return os.Getenv(c.PassphraseEnv)
}

func ensureAgentKeystore(cfg AgentConfig) error {
	if _, err := os.Stat(cfg.Keystore); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	pass := cfg.Passphrase()
	if strings.TrimSpace(pass) == "" {
		return fmt.Errorf("%s must be set to create %s", cfg.PassphraseEnv, cfg.Keystore)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(cfg.Keystore, key, pass)
}

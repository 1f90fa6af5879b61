package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultNetworkName   = "bucket-local"
	DefaultBlockInterval = 2000
)

// Config is the ledger node configuration, read from TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	GenesisFile   string `toml:"GenesisFile"`
	NetworkName   string `toml:"NetworkName"`
	// BlockIntervalMs is how often the node closes the open block. Zero
	// disables the timer; blocks then only advance through dev_advanceBlocks.
	BlockIntervalMs int `toml:"BlockIntervalMs"`

	RPC       RPCConfig       `toml:"rpc"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Indexer   IndexerConfig   `toml:"indexer"`
	Logging   LoggingConfig   `toml:"logging"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by the defaults, which are written back to path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := defaults()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalise(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:   ":8545",
		DataDir:         "./bucket-data",
		NetworkName:     DefaultNetworkName,
		BlockIntervalMs: DefaultBlockInterval,
		RPC: RPCConfig{
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
			MaxBodyBytes:       1 << 20,
			JWTSecretEnv:       "BUCKETD_JWT_SECRET",
			ReadTimeout:        15,
			WriteTimeout:       15,
			IdleTimeout:        60,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "bucketd",
			Environment: "dev",
			Insecure:    true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

func (c *Config) normalise(base string) {
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = DefaultNetworkName
	}
	if c.GenesisFile != "" && !filepath.IsAbs(c.GenesisFile) && base != "" && base != "." {
		c.GenesisFile = filepath.Join(base, c.GenesisFile)
	}
	if c.Indexer.Enabled && strings.TrimSpace(c.Indexer.DSN) == "" {
		c.Indexer.DSN = filepath.Join(c.DataDir, "events.db")
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := defaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bucketchain/crypto"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.NetworkName != DefaultNetworkName {
		t.Fatalf("network name = %q", cfg.NetworkName)
	}
	if cfg.BlockIntervalMs != DefaultBlockInterval {
		t.Fatalf("block interval = %d", cfg.BlockIntervalMs)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.RPC.MaxBodyBytes != cfg.RPC.MaxBodyBytes || reloaded.ListenAddress != cfg.ListenAddress {
		t.Fatalf("reloaded config differs: %+v vs %+v", reloaded, cfg)
	}
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `ListenAddress = "0.0.0.0:9000"
DataDir = "./data"
GenesisFile = "genesis.json"
NetworkName = "testnet"
BlockIntervalMs = 0

[rpc]
RateLimitPerSecond = 5.5
RateLimitBurst = 11
MaxBodyBytes = 4096
JWTSecretEnv = "TEST_SECRET"
AllowDevMethods = true
ReadTimeout = 3

[telemetry]
ServiceName = "bucketd-test"
Endpoint = "collector:4318"
Traces = true

[telemetry.Headers]
authorization = "token"

[indexer]
Enabled = true

[logging]
Level = "DEBUG"
File = "/var/log/bucketd.log"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9000" || cfg.NetworkName != "testnet" {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if cfg.GenesisFile != filepath.Join(dir, "genesis.json") {
		t.Fatalf("genesis path not resolved against config dir: %q", cfg.GenesisFile)
	}
	if cfg.BlockIntervalMs != 0 {
		t.Fatalf("explicit zero block interval overridden: %d", cfg.BlockIntervalMs)
	}
	if cfg.RPC.RateLimitPerSecond != 5.5 || cfg.RPC.RateLimitBurst != 11 || !cfg.RPC.AllowDevMethods {
		t.Fatalf("unexpected rpc section: %+v", cfg.RPC)
	}
	if cfg.RPC.ReadTimeoutDuration() != 3*time.Second {
		t.Fatalf("read timeout = %s", cfg.RPC.ReadTimeoutDuration())
	}
	if cfg.RPC.WriteTimeout != 15 {
		t.Fatalf("write timeout default lost: %d", cfg.RPC.WriteTimeout)
	}
	if cfg.Telemetry.Headers["authorization"] != "token" || !cfg.Telemetry.Traces {
		t.Fatalf("unexpected telemetry section: %+v", cfg.Telemetry)
	}
	if cfg.Indexer.DSN != filepath.Join("./data", "events.db") {
		t.Fatalf("indexer dsn default = %q", cfg.Indexer.DSN)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level not normalised: %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `ListenAddress = ":1"
DataDir = "./data"
ValidatorKeystorePath = "old.keystore"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "ValidatorKeystorePath") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"listen":     func(c *Config) { c.ListenAddress = " " },
		"datadir":    func(c *Config) { c.DataDir = "" },
		"interval":   func(c *Config) { c.BlockIntervalMs = -1 },
		"burst":      func(c *Config) { c.RPC.RateLimitBurst = 0 },
		"body":       func(c *Config) { c.RPC.MaxBodyBytes = 0 },
		"dev secret": func(c *Config) { c.RPC.AllowDevMethods = true; c.RPC.JWTSecretEnv = "" },
		"service":    func(c *Config) { c.Telemetry.Endpoint = "x:1"; c.Telemetry.ServiceName = "" },
		"sampling":   func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
		"level":      func(c *Config) { c.Logging.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaults()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadAgentConfigAppliesDefaultsAndCreatesKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providerd.yaml")
	writeFile(t, path, `rpc_url: http://127.0.0.1:8545
passphrase_env: TEST_PROVIDERD_PASS
poll_interval: 500ms
buckets: [1, 2]
replicas:
  - bucket: 3
    source: http://primary:7300
peers:
  - http://peer-a:7300
logging:
  level: WARN
telemetry:
  endpoint: http://collector:4318
  sample_ratio: 0.5
`)
	t.Setenv("TEST_PROVIDERD_PASS", "secret")

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("load agent config: %v", err)
	}
	if cfg.PollInterval.Duration != 500*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.PollInterval.Duration)
	}
	if cfg.ChunkSize != 256*1024 || cfg.ListenAddress != ":7300" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Buckets) != 2 || len(cfg.Replicas) != 1 || cfg.Replicas[0].Bucket != 3 {
		t.Fatalf("unexpected bucket lists: %+v", cfg)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
	if cfg.Telemetry.ServiceName != "providerd" || cfg.Telemetry.SampleRatio != 0.5 {
		t.Fatalf("unexpected telemetry section: %+v", cfg.Telemetry)
	}
	if cfg.Keystore != filepath.Join(dir, "provider.keystore") {
		t.Fatalf("keystore path = %q", cfg.Keystore)
	}
	key, err := crypto.LoadFromKeystore(cfg.Keystore, "secret")
	if err != nil {
		t.Fatalf("generated keystore unreadable: %v", err)
	}

	again, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("reload agent config: %v", err)
	}
	reloaded, err := crypto.LoadFromKeystore(again.Keystore, "secret")
	if err != nil {
		t.Fatalf("reload keystore: %v", err)
	}
	if reloaded.Address() != key.Address() {
		t.Fatalf("keystore regenerated on reload")
	}
}

func TestLoadAgentConfigRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown field": "rpc_url: http://x:1\nbogus: true\n",
		"bad duration":  "poll_interval: soon\n",
		"bad rpc url":   "rpc_url: not a url\n",
		"dup replica":   "replicas:\n  - bucket: 1\n    source: http://a:1\n  - bucket: 1\n    source: http://b:1\n",
		"zero replica":  "replicas:\n  - source: http://a:1\n",
		"bad peer":      "peers: [\"::\"]\n",
		"bad sampling":  "telemetry:\n  sample_ratio: 3\n",
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "providerd.yaml")
			writeFile(t, path, contents)
			if _, err := LoadAgentConfig(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

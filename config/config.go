package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"haggle/crypto"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultNetworkName = "haggle-local"
	StorageLevelDB     = "leveldb"
	StorageMemory      = "memory"
)

type Config struct {
	ListenAddress  string `toml:"ListenAddress" yaml:"listenAddress"`
	DataDir        string `toml:"DataDir" yaml:"dataDir"`
	NetworkName    string `toml:"NetworkName" yaml:"networkName"`
	KeystorePath   string `toml:"KeystorePath" yaml:"keystorePath"`
	StorageBackend string `toml:"StorageBackend" yaml:"storageBackend"`

	Protocol  Protocol  `toml:"protocol" yaml:"protocol"`
	RPC       RPC       `toml:"rpc" yaml:"rpc"`
	Cranker   Cranker   `toml:"cranker" yaml:"cranker"`
	Indexer   Indexer   `toml:"indexer" yaml:"indexer"`
	Telemetry Telemetry `toml:"telemetry" yaml:"telemetry"`
	Logging   Logging   `toml:"logging" yaml:"logging"`
	Webhook   Webhook   `toml:"webhook" yaml:"webhook"`
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	return &Config{
		ListenAddress:  "127.0.0.1:8545",
		DataDir:        "./haggle-data",
		NetworkName:    DefaultNetworkName,
		StorageBackend: StorageLevelDB,
		Protocol: Protocol{
			Token:                 "USDC",
			DecayRateBps:          500,
			ResponseWindowSeconds: 3_600,
			ProtocolFeeBps:        250,
			MaxRounds:             10,
			MinOfferBps:           200,
			DeadlineOffsetSeconds: 86_400,
		},
		RPC: RPC{
			JWTIssuer:            "haggled",
			SignatureSkewSeconds: 120,
			RateLimitPerSecond:   20,
			RateLimitBurst:       40,
			ReadTimeoutSeconds:   15,
			WriteTimeoutSeconds:  15,
			FaucetAmount:         10_000_000,
		},
		Cranker: Cranker{
			Enabled:         true,
			IntervalSeconds: 30,
			BatchSize:       64,
		},
		Indexer: Indexer{
			Enabled: true,
			Driver:  "sqlite",
		},
		Telemetry: Telemetry{
			Endpoint: "localhost:4318",
			Insecure: true,
		},
		Logging: Logging{
			Level:       "info",
			Environment: "dev",
			MaxSizeMB:   100,
			MaxBackups:  5,
			MaxAgeDays:  30,
		},
		Webhook: Webhook{
			MaxAttempts: 5,
		},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with default values and a fresh node keystore.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
		}
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = DefaultNetworkName
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = StorageLevelDB
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// JWTSecretValue resolves the HMAC secret, preferring the environment
// variable named by JWTSecretEnv.
func (c *Config) JWTSecretValue() string {
	if c == nil {
		return ""
	}
	if env := strings.TrimSpace(c.RPC.JWTSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(c.RPC.JWTSecret)
}

// WebhookSecretValue resolves the webhook signing secret, preferring the
// environment variable named by SecretEnv.
func (c *Config) WebhookSecretValue() string {
	if c == nil {
		return ""
	}
	if env := strings.TrimSpace(c.Webhook.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(c.Webhook.Secret)
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.KeystorePath = keystorePath
	cfg.RPC.EnableFaucet = true
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

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}

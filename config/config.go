package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full settlerd configuration, loaded from TOML with
// SETTLERD_* environment overrides for deployment-specific values.
type Config struct {
	Service       ServiceConfig       `toml:"service"`
	Database      DatabaseConfig      `toml:"database"`
	Chain         ChainConfig         `toml:"chain"`
	Poller        PollerConfig        `toml:"poller"`
	Verification  VerificationConfig  `toml:"verification"`
	Notifications NotificationsConfig `toml:"notifications"`
	Export        ExportConfig        `toml:"export"`
}

type ServiceConfig struct {
	ListenAddress string `toml:"listen_address"`
	Environment   string `toml:"environment"`
	LogLevel      string `toml:"log_level"`
	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type ChainConfig struct {
	RPCEndpoint     string   `toml:"rpc_endpoint"`
	ContractAddress string   `toml:"contract_address"`
	Confirmations   uint64   `toml:"confirmations"`
	ConfirmWait     Duration `toml:"confirm_wait"`
	RetryAttempts   int      `toml:"retry_attempts"`
	RetryBaseDelay  Duration `toml:"retry_base_delay"`
}

type PollerConfig struct {
	Interval     Duration `toml:"interval"`
	SafetyWindow uint64   `toml:"safety_window"`
	MaxRetries   int      `toml:"max_retries"`
}

type VerificationConfig struct {
	Enabled       bool     `toml:"enabled"`
	Endpoint      string   `toml:"endpoint"`
	APIKey        string   `toml:"api_key"`
	Threshold     float64  `toml:"threshold"`
	Interval      Duration `toml:"interval"`
	BatchSize     int      `toml:"batch_size"`
	ClientTimeout Duration `toml:"client_timeout"`
}

type NotificationsConfig struct {
	QueueCapacity int     `toml:"queue_capacity"`
	RatePerSecond float64 `toml:"rate_per_second"`
}

type ExportConfig struct {
	Directory string `toml:"directory"`
}

// Duration parses TOML duration strings like "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns a configuration suitable for local development against a
// sqlite file and a local devnet node.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			ListenAddress: ":8085",
			Environment:   "dev",
			LogLevel:      "info",
			LogMaxSizeMB:  50,
			LogMaxBackups: 3,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "settlerd.db",
		},
		Chain: ChainConfig{
			RPCEndpoint:    "http://127.0.0.1:8545",
			Confirmations:  1,
			ConfirmWait:    Duration{90 * time.Second},
			RetryAttempts:  4,
			RetryBaseDelay: Duration{250 * time.Millisecond},
		},
		Poller: PollerConfig{
			Interval:     Duration{15 * time.Second},
			SafetyWindow: 6,
			MaxRetries:   10,
		},
		Verification: VerificationConfig{
			Threshold:     0.8,
			Interval:      Duration{30 * time.Second},
			BatchSize:     25,
			ClientTimeout: Duration{30 * time.Second},
		},
		Notifications: NotificationsConfig{
			QueueCapacity: 256,
			RatePerSecond: 50,
		},
		Export: ExportConfig{
			Directory: "exports",
		},
	}
}

// Load reads the configuration file, falling back to defaults when the path
// is empty, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers SETTLERD_* overrides over file values so secrets stay out
// of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("SETTLERD_LISTEN_ADDRESS"); v != "" {
		c.Service.ListenAddress = v
	}
	if v := os.Getenv("SETTLERD_ENVIRONMENT"); v != "" {
		c.Service.Environment = v
	}
	if v := os.Getenv("SETTLERD_LOG_LEVEL"); v != "" {
		c.Service.LogLevel = v
	}
	if v := os.Getenv("SETTLERD_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("SETTLERD_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SETTLERD_RPC_ENDPOINT"); v != "" {
		c.Chain.RPCEndpoint = v
	}
	if v := os.Getenv("SETTLERD_CONTRACT_ADDRESS"); v != "" {
		c.Chain.ContractAddress = v
	}
	if v := os.Getenv("SETTLERD_CONFIRMATIONS"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Chain.Confirmations = parsed
		}
	}
	if v := os.Getenv("SETTLERD_VERIFY_ENDPOINT"); v != "" {
		c.Verification.Endpoint = v
		c.Verification.Enabled = true
	}
	if v := os.Getenv("SETTLERD_VERIFY_API_KEY"); v != "" {
		c.Verification.APIKey = v
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.ListenAddress) == "" {
		return fmt.Errorf("config: service.listen_address is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if strings.TrimSpace(c.Chain.RPCEndpoint) == "" {
		return fmt.Errorf("config: chain.rpc_endpoint is required")
	}
	if strings.TrimSpace(c.Chain.ContractAddress) == "" {
		return fmt.Errorf("config: chain.contract_address is required")
	}
	if !strings.HasPrefix(c.Chain.ContractAddress, "0x") || len(c.Chain.ContractAddress) != 42 {
		return fmt.Errorf("config: chain.contract_address must be a 0x-prefixed 20-byte hex address")
	}
	if c.Chain.Confirmations == 0 {
		return fmt.Errorf("config: chain.confirmations must be at least 1")
	}
	if c.Verification.Enabled && strings.TrimSpace(c.Verification.Endpoint) == "" {
		return fmt.Errorf("config: verification.endpoint is required when verification is enabled")
	}
	if c.Verification.Threshold < 0 || c.Verification.Threshold > 1 {
		return fmt.Errorf("config: verification.threshold must be within [0, 1]")
	}
	return nil
}

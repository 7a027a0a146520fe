package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
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
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings. TOML decodes through it.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
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

// MarshalText renders the duration in Go notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures runtime configuration for htlcd.
type Config struct {
	ListenAddress string              `yaml:"listen" toml:"listen"`
	Environment   string              `yaml:"env" toml:"env"`
	Storage       StorageConfig       `yaml:"storage" toml:"storage"`
	Vault         VaultConfig         `yaml:"vault" toml:"vault"`
	Confirmations ConfirmationsConfig `yaml:"confirmations" toml:"confirmations"`
	Secrets       SecretsConfig       `yaml:"secrets" toml:"secrets"`
	Engine        EngineConfig        `yaml:"engine" toml:"engine"`
	Retry         RetryConfig         `yaml:"retry" toml:"retry"`
	Reservations  ReservationConfig   `yaml:"reservations" toml:"reservations"`
	Supervisor    SupervisorConfig    `yaml:"supervisor" toml:"supervisor"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Ledgers       []LedgerConfig      `yaml:"ledgers" toml:"ledgers"`
}

// StorageConfig selects the swap and reservation store.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// VaultConfig selects where swap secrets are sealed.
type VaultConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
	// KeyEnv names the variable holding the hex encoded sealing key.
	KeyEnv string `yaml:"key_env" toml:"key_env"`
}

// Key returns the sealing key named by key_env.
func (v VaultConfig) Key() string {
	if name := strings.TrimSpace(v.KeyEnv); name != "" {
		return os.Getenv(name)
	}
	return ""
}

// ConfirmationsConfig points at the append-only confirmation log.
type ConfirmationsConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// SecretsConfig selects the hash lock algorithm for new swaps.
type SecretsConfig struct {
	Algorithm string `yaml:"algorithm" toml:"algorithm"`
}

// EngineConfig tunes the swap protocol.
type EngineConfig struct {
	SafetyMargin         Duration `yaml:"safety_margin" toml:"safety_margin"`
	EscalationAttempts   int      `yaml:"escalation_attempts" toml:"escalation_attempts"`
	DefaultConfirmations uint64   `yaml:"default_confirmations" toml:"default_confirmations"`
}

// RetryConfig bounds backoff on transient ledger failures.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" toml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier" toml:"multiplier"`
}

// ReservationConfig tunes the balance reservation book.
type ReservationConfig struct {
	TTL          Duration `yaml:"ttl" toml:"ttl"`
	ReleaseGrace Duration `yaml:"release_grace" toml:"release_grace"`
}

// SupervisorConfig tunes the timeout supervisor loop.
type SupervisorConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
}

// AuthConfig controls bearer token validation on the HTTP surface.
type AuthConfig struct {
	Disabled     bool   `yaml:"disabled" toml:"disabled"`
	JWTSecretEnv string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer" toml:"issuer"`
	Audience     string `yaml:"audience" toml:"audience"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// LedgerConfig registers one chain adapter.
type LedgerConfig struct {
	Chain        string    `yaml:"chain" toml:"chain"`
	Type         string    `yaml:"type" toml:"type"`
	Endpoint     string    `yaml:"endpoint" toml:"endpoint"`
	AuthTokenEnv string    `yaml:"auth_token_env" toml:"auth_token_env"`
	Timeout      Duration  `yaml:"timeout" toml:"timeout"`
	RateLimit    float64   `yaml:"rate_limit" toml:"rate_limit"`
	Burst        int       `yaml:"burst" toml:"burst"`
	AutoMine     bool      `yaml:"auto_mine" toml:"auto_mine"`
	Accounts     []Deposit `yaml:"accounts" toml:"accounts"`
}

// Deposit seeds a simulated ledger account.
type Deposit struct {
	Account string `yaml:"account" toml:"account"`
	Asset   string `yaml:"asset" toml:"asset"`
	Balance string `yaml:"balance" toml:"balance"`
}

// Ledger types understood by the daemon.
const (
	LedgerSimulated = "simulated"
	LedgerRPC       = "rpc"
)

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
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
	}
	if env := strings.TrimSpace(os.Getenv("XSWAP_ENV")); env != "" {
		cfg.Environment = env
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// JWTSecret returns the signing secret named by auth.jwt_secret_env.
func (c Config) JWTSecret() string {
	if name := strings.TrimSpace(c.Auth.JWTSecretEnv); name != "" {
		return os.Getenv(name)
	}
	return ""
}

// AuthToken returns the adapter credential named by auth_token_env.
func (l LedgerConfig) AuthToken() string {
	if name := strings.TrimSpace(l.AuthTokenEnv); name != "" {
		return os.Getenv(name)
	}
	return ""
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/data/htlcd.sqlite"
	}
	if cfg.Vault.Backend == "" {
		cfg.Vault.Backend = "bolt"
	}
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = "/var/data/htlcd-secrets.db"
	}
	if cfg.Vault.KeyEnv == "" {
		cfg.Vault.KeyEnv = "HTLCD_VAULT_KEY"
	}
	if cfg.Confirmations.Driver == "" {
		cfg.Confirmations.Driver = "sqlite"
	}
	if cfg.Confirmations.DSN == "" {
		cfg.Confirmations.DSN = "/var/data/htlcd-confirmations.sqlite"
	}
	if cfg.Secrets.Algorithm == "" {
		cfg.Secrets.Algorithm = "sha256"
	}
	if cfg.Engine.SafetyMargin.Duration == 0 {
		cfg.Engine.SafetyMargin.Duration = 5 * time.Minute
	}
	if cfg.Engine.EscalationAttempts <= 0 {
		cfg.Engine.EscalationAttempts = 5
	}
	if cfg.Engine.DefaultConfirmations == 0 {
		cfg.Engine.DefaultConfirmations = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialBackoff.Duration == 0 {
		cfg.Retry.InitialBackoff.Duration = 250 * time.Millisecond
	}
	if cfg.Retry.MaxBackoff.Duration == 0 {
		cfg.Retry.MaxBackoff.Duration = 10 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Reservations.TTL.Duration == 0 {
		cfg.Reservations.TTL.Duration = 15 * time.Minute
	}
	if cfg.Reservations.ReleaseGrace.Duration == 0 {
		cfg.Reservations.ReleaseGrace.Duration = 10 * time.Minute
	}
	if cfg.Supervisor.Interval.Duration == 0 {
		cfg.Supervisor.Interval.Duration = 5 * time.Second
	}
	if cfg.Auth.JWTSecretEnv == "" {
		cfg.Auth.JWTSecretEnv = "HTLCD_JWT_SECRET"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	for i := range cfg.Ledgers {
		ledger := &cfg.Ledgers[i]
		if ledger.Type == "" {
			ledger.Type = LedgerSimulated
		}
		if ledger.Timeout.Duration == 0 {
			ledger.Timeout.Duration = 10 * time.Second
		}
		if ledger.RateLimit > 0 && ledger.Burst <= 0 {
			ledger.Burst = 1
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case "sqlite", "leveldb":
	default:
		return fmt.Errorf("storage.backend must be sqlite or leveldb, got %q", cfg.Storage.Backend)
	}
	switch cfg.Vault.Backend {
	case "bolt", "memory":
	default:
		return fmt.Errorf("vault.backend must be bolt or memory, got %q", cfg.Vault.Backend)
	}
	switch cfg.Confirmations.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("confirmations.driver must be sqlite or postgres, got %q", cfg.Confirmations.Driver)
	}
	if len(cfg.Ledgers) < 2 {
		return fmt.Errorf("at least two ledgers must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Ledgers))
	for i, ledger := range cfg.Ledgers {
		chain := strings.TrimSpace(ledger.Chain)
		if chain == "" {
			return fmt.Errorf("ledgers[%d].chain must be set", i)
		}
		if _, dup := seen[strings.ToLower(chain)]; dup {
			return fmt.Errorf("ledger %q configured twice", chain)
		}
		seen[strings.ToLower(chain)] = struct{}{}
		switch ledger.Type {
		case LedgerSimulated:
		case LedgerRPC:
			if strings.TrimSpace(ledger.Endpoint) == "" {
				return fmt.Errorf("ledger %q: endpoint required for rpc ledgers", chain)
			}
			if len(ledger.Accounts) > 0 {
				return fmt.Errorf("ledger %q: accounts can only seed simulated ledgers", chain)
			}
		default:
			return fmt.Errorf("ledger %q: unknown type %q", chain, ledger.Type)
		}
	}
	if cfg.Engine.SafetyMargin.Duration < 0 {
		return fmt.Errorf("engine.safety_margin must not be negative")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	return nil
}

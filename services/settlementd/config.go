package settlementd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rivalry/settlement"
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
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// APIKeyConfig is one settlement-authority credential. The secret may come
// from the file or, preferably, an environment variable.
type APIKeyConfig struct {
	Key       string `yaml:"key"`
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
}

// LedgerConfig points at the external ledger RPC node.
type LedgerConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	AuthToken     string   `yaml:"auth_token"`
	AuthTokenEnv  string   `yaml:"auth_token_env"`
	ConfirmBudget Duration `yaml:"confirm_budget"`
}

// DatabaseConfig selects the off-chain store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress     string         `yaml:"listen"`
	Authority         string         `yaml:"authority"`
	FeeBudget         int64          `yaml:"fee_budget"`
	RewardSplit       string         `yaml:"reward_split"`
	AuthSkew          Duration       `yaml:"auth_skew"`
	NonceWindow       Duration       `yaml:"nonce_window"`
	PendingAlertAfter Duration       `yaml:"pending_alert_after"`
	APIKeys           []APIKeyConfig `yaml:"api_keys"`
	Ledger            LedgerConfig   `yaml:"ledger"`
	Database          DatabaseConfig `yaml:"database"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7190"
	}
	if cfg.FeeBudget <= 0 {
		cfg.FeeBudget = settlement.DefaultFeeBudget
	}
	if cfg.RewardSplit == "" {
		cfg.RewardSplit = string(settlement.SplitFull)
	}
	if cfg.AuthSkew.Duration == 0 {
		cfg.AuthSkew.Duration = 2 * time.Minute
	}
	if cfg.NonceWindow.Duration == 0 {
		cfg.NonceWindow.Duration = 10 * time.Minute
	}
	if cfg.PendingAlertAfter.Duration == 0 {
		cfg.PendingAlertAfter.Duration = 15 * time.Minute
	}
	if cfg.Ledger.ConfirmBudget.Duration == 0 {
		cfg.Ledger.ConfirmBudget.Duration = 30 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
}

// normalise resolves environment-variable indirections for secrets.
func (c *Config) normalise() error {
	for i := range c.APIKeys {
		key := &c.APIKeys[i]
		key.Key = strings.TrimSpace(key.Key)
		key.Secret = strings.TrimSpace(key.Secret)
		if key.Secret == "" && key.SecretEnv != "" {
			key.Secret = strings.TrimSpace(os.Getenv(key.SecretEnv))
		}
		if key.Key == "" || key.Secret == "" {
			return fmt.Errorf("api key %d missing key or secret", i)
		}
	}
	c.Ledger.AuthToken = strings.TrimSpace(c.Ledger.AuthToken)
	if c.Ledger.AuthToken == "" && c.Ledger.AuthTokenEnv != "" {
		c.Ledger.AuthToken = strings.TrimSpace(os.Getenv(c.Ledger.AuthTokenEnv))
	}
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	if c.Database.DSN == "" && c.Database.DSNEnv != "" {
		c.Database.DSN = strings.TrimSpace(os.Getenv(c.Database.DSNEnv))
	}
	return nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Authority) == "" {
		return fmt.Errorf("authority must be configured")
	}
	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger endpoint must be configured")
	}
	if len(cfg.APIKeys) == 0 {
		return fmt.Errorf("at least one api key must be configured")
	}
	if !settlement.SplitPolicy(cfg.RewardSplit).Valid() {
		return fmt.Errorf("reward_split must be %q or %q", settlement.SplitFull, settlement.SplitDivided)
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database driver must be postgres or sqlite")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	return nil
}

// Secrets returns the API key map consumed by the request authenticator.
func (c Config) Secrets() map[string]string {
	secrets := make(map[string]string, len(c.APIKeys))
	for _, key := range c.APIKeys {
		secrets[key.Key] = key.Secret
	}
	return secrets
}

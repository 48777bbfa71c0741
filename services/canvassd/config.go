package canvassd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"canvassing/crypto"
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

// Config captures the runtime configuration for canvassd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LogFile       string          `yaml:"log_file"`
	NetworksPath  string          `yaml:"networks"`
	Database      DatabaseConfig  `yaml:"database"`
	Signer        SignerConfig    `yaml:"signer"`
	Auth          AuthConfig      `yaml:"auth"`
	Webhook       WebhookConfig   `yaml:"webhook"`
	Admin         AdminConfig     `yaml:"admin"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Recon         ReconConfig     `yaml:"recon"`
	Watch         WatchConfig     `yaml:"watch"`
	Timeouts      TimeoutConfig   `yaml:"timeouts"`
}

// DatabaseConfig selects the reward ledger backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// SignerConfig locates the survey owner key. Exactly one of key, key_env,
// key_file or keystore is used, in that order.
type SignerConfig struct {
	Key           string `yaml:"key"`
	KeyEnv        string `yaml:"key_env"`
	KeyFile       string `yaml:"key_file"`
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// AuthConfig verifies participant bearer tokens.
type AuthConfig struct {
	JWTSecret    string   `yaml:"jwt_secret"`
	JWTSecretEnv string   `yaml:"jwt_secret_env"`
	Issuer       string   `yaml:"issuer"`
	Audience     string   `yaml:"audience"`
	ClockSkew    Duration `yaml:"clock_skew"`
}

// WebhookConfig configures form-provider intake.
type WebhookConfig struct {
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
	MaxBytes  int64  `yaml:"max_bytes"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// RateLimitConfig bounds callable requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// ReconConfig schedules the daily ledger reconciliation.
type ReconConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
	RunHour   int    `yaml:"run_hour"`
	RunMinute int    `yaml:"run_minute"`
	Timezone  string `yaml:"timezone"`
	DryRun    bool   `yaml:"dry_run"`
}

// WatchConfig tunes the reward status stream.
type WatchConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	MaxDuration  Duration `yaml:"max_duration"`
}

// TimeoutConfig bounds the HTTP server.
type TimeoutConfig struct {
	Read  Duration `yaml:"read"`
	Write Duration `yaml:"write"`
	Idle  Duration `yaml:"idle"`
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
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.prepare(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) prepare() error {
	applyDefaults(c)
	if err := c.Database.normalise(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Auth.normalise(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Webhook.normalise(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if err := c.Admin.normalise(); err != nil {
		return fmt.Errorf("admin security: %w", err)
	}
	return validateConfig(*c)
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if env := strings.TrimSpace(os.Getenv("CANVASS_ENV")); env != "" {
		cfg.Environment = env
	}
	if cfg.NetworksPath == "" {
		cfg.NetworksPath = "networks.toml"
	}
	if cfg.Signer.PassphraseEnv == "" {
		cfg.Signer.PassphraseEnv = "CANVASS_KEYSTORE_PASSPHRASE"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = time.Minute
	}
	if cfg.Webhook.MaxBytes <= 0 {
		cfg.Webhook.MaxBytes = 1 << 20
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 30
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "reports"
	}
	if cfg.Recon.Timezone == "" {
		cfg.Recon.Timezone = "UTC"
	}
	if cfg.Watch.PollInterval.Duration == 0 {
		cfg.Watch.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Watch.MaxDuration.Duration == 0 {
		cfg.Watch.MaxDuration.Duration = 10 * time.Minute
	}
	if cfg.Timeouts.Read.Duration == 0 {
		cfg.Timeouts.Read.Duration = 15 * time.Second
	}
	if cfg.Timeouts.Write.Duration == 0 {
		cfg.Timeouts.Write.Duration = 30 * time.Second
	}
	if cfg.Timeouts.Idle.Duration == 0 {
		cfg.Timeouts.Idle.Duration = 60 * time.Second
	}
}

func validateConfig(cfg Config) error {
	if cfg.Signer.KeySource(nil).Empty() {
		return fmt.Errorf("signer key must be configured")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 || cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return fmt.Errorf("recon run time %02d:%02d out of range", cfg.Recon.RunHour, cfg.Recon.RunMinute)
	}
	if _, err := time.LoadLocation(cfg.Recon.Timezone); err != nil {
		return fmt.Errorf("recon timezone: %w", err)
	}
	return nil
}

// KeySource converts the signer settings into a crypto.KeySource.
func (s SignerConfig) KeySource(passphrase func() (string, error)) crypto.KeySource {
	return crypto.KeySource{
		Hex:        strings.TrimSpace(s.Key),
		Env:        strings.TrimSpace(s.KeyEnv),
		File:       strings.TrimSpace(s.KeyFile),
		Keystore:   strings.TrimSpace(s.Keystore),
		Passphrase: passphrase,
	}
}

func (d *DatabaseConfig) normalise() error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	d.DSN = strings.TrimSpace(d.DSN)
	if name := strings.TrimSpace(d.DSNEnv); name != "" && d.DSN == "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return fmt.Errorf("dsn_env %s is empty", name)
		}
		d.DSN = value
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	if name := strings.TrimSpace(a.JWTSecretEnv); name != "" && a.JWTSecret == "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", name)
		}
		a.JWTSecret = value
	}
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

func (w *WebhookConfig) normalise() error {
	w.Secret = strings.TrimSpace(w.Secret)
	if name := strings.TrimSpace(w.SecretEnv); name != "" && w.Secret == "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return fmt.Errorf("secret_env %s is empty", name)
		}
		w.Secret = value
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}

package loansyncd

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"lendearn/native/loan"
	"lendearn/storage"
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

// UnmarshalText parses durations for TOML and environment overrides.
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

// Config captures the runtime configuration for loansyncd.
type Config struct {
	ListenAddress       string         `yaml:"listen" toml:"listen"`
	RPCURL              string         `yaml:"rpc_url" toml:"rpc_url"`
	Contract            string         `yaml:"contract" toml:"contract"`
	ChainID             string         `yaml:"chain_id" toml:"chain_id"`
	Keystore            KeystoreConfig `yaml:"keystore" toml:"keystore"`
	// Watch is the account synced read-only when no signing key is
	// available.
	Watch               string         `yaml:"watch" toml:"watch"`
	RefreshInterval     Duration       `yaml:"refresh_interval" toml:"refresh_interval"`
	Confirmations       uint64         `yaml:"confirmations" toml:"confirmations"`
	ReceiptPollInterval Duration       `yaml:"receipt_poll_interval" toml:"receipt_poll_interval"`
	ActionTimeout       Duration       `yaml:"action_timeout" toml:"action_timeout"`
	Store               StoreConfig    `yaml:"store" toml:"store"`
	Referral            ReferralConfig `yaml:"referral" toml:"referral"`
	Auth                AuthConfig     `yaml:"auth" toml:"auth"`
	RateLimitPerMinute  int            `yaml:"rate_limit_per_min" toml:"rate_limit_per_min"`
	LogLevel            string         `yaml:"log_level" toml:"log_level"`
}

// KeystoreConfig locates the signing key. Without one the daemon runs
// read-only.
type KeystoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
	KeyEnv        string `yaml:"key_env" toml:"key_env"`
}

// StoreConfig selects the referral counter backend.
type StoreConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// ReferralConfig controls referral capture and link generation.
type ReferralConfig struct {
	Param    string `yaml:"param" toml:"param"`
	LinkBase string `yaml:"link_base" toml:"link_base"`
	// Visit is a referral address treated as the session entry parameter.
	Visit string `yaml:"visit" toml:"visit"`
}

// AuthConfig secures the action endpoints with HMAC signed bearer tokens.
type AuthConfig struct {
	HMACSecret string `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string `yaml:"issuer" toml:"issuer"`
	Audience   string `yaml:"audience" toml:"audience"`
	// Optional disables token checks. Local development only.
	Optional bool `yaml:"optional" toml:"optional"`
}

// LoadConfig reads configuration from path. Files ending in .toml are decoded
// as TOML, everything else as YAML. LOANSYNCD_* environment variables
// override file values.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*dst = value
		}
	}
	str("LOANSYNCD_LISTEN", &cfg.ListenAddress)
	str("LOANSYNCD_RPC_URL", &cfg.RPCURL)
	str("LOANSYNCD_CONTRACT", &cfg.Contract)
	str("LOANSYNCD_CHAIN_ID", &cfg.ChainID)
	str("LOANSYNCD_KEYSTORE", &cfg.Keystore.Path)
	str("LOANSYNCD_WATCH", &cfg.Watch)
	str("LOANSYNCD_STORE_BACKEND", &cfg.Store.Backend)
	str("LOANSYNCD_STORE_PATH", &cfg.Store.Path)
	str("LOANSYNCD_JWT_SECRET", &cfg.Auth.HMACSecret)
	str("LOANSYNCD_REFERRAL", &cfg.Referral.Visit)
	str("LOANSYNCD_LOG_LEVEL", &cfg.LogLevel)
	if value, ok := lookup("LOANSYNCD_REFRESH_INTERVAL"); ok && strings.TrimSpace(value) != "" {
		if err := cfg.RefreshInterval.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("LOANSYNCD_REFRESH_INTERVAL: %w", err)
		}
	}
	if value, ok := lookup("LOANSYNCD_RATE_LIMIT_PER_MIN"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("LOANSYNCD_RATE_LIMIT_PER_MIN: %w", err)
		}
		cfg.RateLimitPerMinute = parsed
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8088"
	}
	cfg.RPCURL = strings.TrimSpace(cfg.RPCURL)
	cfg.Contract = strings.TrimSpace(cfg.Contract)
	cfg.ChainID = strings.TrimSpace(cfg.ChainID)
	cfg.Watch = strings.TrimSpace(cfg.Watch)
	if cfg.RefreshInterval.Duration <= 0 {
		cfg.RefreshInterval.Duration = 10 * time.Second
	}
	if cfg.ReceiptPollInterval.Duration <= 0 {
		cfg.ReceiptPollInterval.Duration = 2 * time.Second
	}
	if cfg.ActionTimeout.Duration <= 0 {
		cfg.ActionTimeout.Duration = 2 * time.Minute
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	cfg.Keystore.Path = strings.TrimSpace(cfg.Keystore.Path)
	cfg.Keystore.PassphraseEnv = strings.TrimSpace(cfg.Keystore.PassphraseEnv)
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = "LOANSYNCD_KEYSTORE_PASSPHRASE"
	}
	cfg.Keystore.KeyEnv = strings.TrimSpace(cfg.Keystore.KeyEnv)
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = string(storage.BackendMemory)
	}
	cfg.Store.Path = strings.TrimSpace(cfg.Store.Path)
	cfg.Referral.Param = strings.TrimSpace(cfg.Referral.Param)
	cfg.Referral.LinkBase = strings.TrimSpace(cfg.Referral.LinkBase)
	cfg.Referral.Visit = strings.TrimSpace(cfg.Referral.Visit)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
}

func (cfg Config) validate() error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc_url must be configured")
	}
	if !loan.IsAddress(cfg.Contract) {
		return fmt.Errorf("contract must be a 0x-prefixed address")
	}
	if _, err := cfg.ChainIDValue(); err != nil {
		return err
	}
	if cfg.Watch != "" && !loan.IsAddress(cfg.Watch) {
		return fmt.Errorf("watch must be a 0x-prefixed address")
	}
	switch storage.Backend(cfg.Store.Backend) {
	case storage.BackendMemory:
	case storage.BackendLevelDB, storage.BackendBolt:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path required for %s backend", cfg.Store.Backend)
		}
	default:
		return fmt.Errorf("store.backend must be memory, leveldb or bolt")
	}
	if cfg.Auth.HMACSecret == "" && !cfg.Auth.Optional {
		return fmt.Errorf("auth.hmac_secret required unless auth.optional=true")
	}
	if cfg.Auth.HMACSecret != "" && len(cfg.Auth.HMACSecret) < 32 {
		return fmt.Errorf("auth.hmac_secret must be at least 32 bytes")
	}
	return nil
}

// ChainIDValue parses the configured chain id.
func (cfg Config) ChainIDValue() (*big.Int, error) {
	id, ok := new(big.Int).SetString(cfg.ChainID, 0)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("chain_id must be a positive integer")
	}
	return id, nil
}

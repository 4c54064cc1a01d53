package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BOTDECK"

// TokenConfig holds the signing key material and token lifetimes.
type TokenConfig struct {
	PrivateKeyPEM string
	PublicKeyPEM  string
	Issuer        string
	Audience      string
	UserTTL       time.Duration
	AdminTTL      time.Duration
	EmbedTTL      time.Duration
}

// EmbedConfig holds the shared HMAC secret and legacy directory address.
type EmbedConfig struct {
	Secret       string
	Freshness    time.Duration
	DirectoryURL string
}

// AccountConfig tunes the admin lockout machine.
type AccountConfig struct {
	MaxAttempts int
	Lockout     time.Duration
	IPAllowList []string
}

// ThrottleConfig tunes the anonymous and login rate limits.
type ThrottleConfig struct {
	AnonRPS        float64
	AnonBurst      int
	LoginPerMinute int
}

// Config is the full configuration surface. Values come from
// BOTDECK_-prefixed environment variables, optionally layered over a
// botdeck.yaml file in the working directory.
type Config struct {
	Env         string
	ListenAddr  string
	DatabaseURL string

	VaultKey []byte

	Token    TokenConfig
	Embed    EmbedConfig
	Account  AccountConfig
	Throttle ThrottleConfig
}

// Production reports whether the process runs with production hardening
// (Secure cookies, no relaxed defaults).
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Load reads configuration and fails fast on missing or malformed key
// material. path optionally names an explicit config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("botdeck")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		// Config file is optional; env alone is a valid setup.
		_ = v.ReadInConfig()
	}

	v.SetDefault("env", "development")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("token.issuer", "botdeck")
	v.SetDefault("token.audience", "botdeck-portal")
	v.SetDefault("token.user_ttl", "24h")
	v.SetDefault("token.admin_ttl", "8h")
	v.SetDefault("token.embed_ttl", "1h")
	v.SetDefault("embed.freshness", "5m")
	v.SetDefault("account.max_attempts", 5)
	v.SetDefault("account.lockout", "30m")
	v.SetDefault("throttle.anon_rps", 1.0)
	v.SetDefault("throttle.anon_burst", 5)
	v.SetDefault("throttle.login_per_minute", 10)

	cfg := &Config{
		Env:         v.GetString("env"),
		ListenAddr:  v.GetString("server.addr"),
		DatabaseURL: v.GetString("db.dsn"),
		Token: TokenConfig{
			Issuer:   v.GetString("token.issuer"),
			Audience: v.GetString("token.audience"),
			UserTTL:  v.GetDuration("token.user_ttl"),
			AdminTTL: v.GetDuration("token.admin_ttl"),
			EmbedTTL: v.GetDuration("token.embed_ttl"),
		},
		Embed: EmbedConfig{
			Secret:       v.GetString("embed.secret"),
			Freshness:    v.GetDuration("embed.freshness"),
			DirectoryURL: v.GetString("embed.directory_url"),
		},
		Account: AccountConfig{
			MaxAttempts: v.GetInt("account.max_attempts"),
			Lockout:     v.GetDuration("account.lockout"),
			IPAllowList: splitList(v.GetString("account.ip_allowlist")),
		},
		Throttle: ThrottleConfig{
			AnonRPS:        v.GetFloat64("throttle.anon_rps"),
			AnonBurst:      v.GetInt("throttle.anon_burst"),
			LoginPerMinute: v.GetInt("throttle.login_per_minute"),
		},
	}

	var err error
	cfg.Token.PrivateKeyPEM, err = material(v, "token.private_key")
	if err != nil {
		return nil, err
	}
	cfg.Token.PublicKeyPEM, err = material(v, "token.public_key")
	if err != nil {
		return nil, err
	}

	if raw := v.GetString("vault.key"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("config: vault.key is not valid base64: %w", err)
		}
		cfg.VaultKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// material resolves PEM key material: <key>_file points at a file on
// disk, otherwise <key> carries the PEM text itself.
func material(v *viper.Viper, key string) (string, error) {
	if file := v.GetString(key + "_file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("config: read %s_file: %w", key, err)
		}
		return string(data), nil
	}
	return v.GetString(key), nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Token.PrivateKeyPEM == "" {
		errs = append(errs, errors.New("config: token.private_key is required"))
	}
	if c.Token.PublicKeyPEM == "" {
		errs = append(errs, errors.New("config: token.public_key is required"))
	}
	if len(c.VaultKey) != 32 {
		errs = append(errs, fmt.Errorf("config: vault.key must decode to 32 bytes, got %d", len(c.VaultKey)))
	}
	if c.Embed.Secret == "" {
		errs = append(errs, errors.New("config: embed.secret is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: db.dsn is required"))
	}
	if c.Account.MaxAttempts < 0 {
		errs = append(errs, errors.New("config: account.max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

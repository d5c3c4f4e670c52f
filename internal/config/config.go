// Package config loads the coordinator configuration: defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full coordinator configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Engine   EngineConfig   `yaml:"engine"`
	Enclave  EnclaveConfig  `yaml:"enclave"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"SERVER_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	RatePerSecond   float64       `yaml:"rate_per_second" env:"SERVER_RATE_PER_SECOND"`
	RateBurst       int           `yaml:"rate_burst" env:"SERVER_RATE_BURST"`
}

// DatabaseConfig selects the persistence backend. An empty DSN runs the
// in-memory stores.
type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// LoggingConfig mirrors pkg/logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// AuthConfig holds the shared HMAC secret for bearer tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// SessionsConfig tunes the session lifecycle.
type SessionsConfig struct {
	// RetainKeys enables server-side key retention for callers that opt in.
	RetainKeys    bool          `yaml:"retain_keys" env:"SESSIONS_RETAIN_KEYS"`
	PhaseTimeout  time.Duration `yaml:"phase_timeout" env:"SESSIONS_PHASE_TIMEOUT"`
	SweepSchedule string        `yaml:"sweep_schedule" env:"SESSIONS_SWEEP_SCHEDULE"`
}

// EngineConfig selects how task phases run: in-process ("local") or on the
// external compute platform ("platform").
type EngineConfig struct {
	Mode            string        `yaml:"mode" env:"ENGINE_MODE"`
	PlatformURL     string        `yaml:"platform_url" env:"ENGINE_PLATFORM_URL"`
	CallerServiceID string        `yaml:"caller_service_id" env:"ENGINE_CALLER_SERVICE_ID"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"ENGINE_POLL_INTERVAL"`
	// RelayURL and RelayIdentity configure the secret relay client in
	// platform mode. Local mode runs an in-memory relay.
	RelayURL      string `yaml:"relay_url" env:"ENGINE_RELAY_URL"`
	RelayIdentity string `yaml:"relay_identity" env:"ENGINE_RELAY_IDENTITY"`
	// Simulated selects the canned provider registry in local mode.
	Simulated bool `yaml:"simulated" env:"ENGINE_SIMULATED"`
	// ProviderEndpoints overrides upstream endpoints, keyed by provider
	// identifier. The "custom" provider requires one.
	ProviderEndpoints map[string]string `yaml:"provider_endpoints"`
}

// EnclaveConfig configures the TEE runtime for local mode.
type EnclaveConfig struct {
	Mode      string `yaml:"mode" env:"ENCLAVE_MODE"`
	EnclaveID string `yaml:"enclave_id" env:"ENCLAVE_ID"`
	// MasterSecret seeds sealing-key derivation in hardware mode. Accepts raw
	// 16/24/32 byte strings or base64/hex encodings of those lengths.
	MasterSecret string `yaml:"master_secret" env:"ENCLAVE_MASTER_SECRET"`
	DebugMode    bool   `yaml:"debug" env:"ENCLAVE_DEBUG"`
}

// AuditConfig controls the request audit trail.
type AuditConfig struct {
	MaxEntries int    `yaml:"max_entries" env:"AUDIT_MAX_ENTRIES"`
	File       string `yaml:"file" env:"AUDIT_FILE"`
}

const (
	EngineModeLocal    = "local"
	EngineModePlatform = "platform"
)

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RatePerSecond:   20,
			RateBurst:       40,
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Sessions: SessionsConfig{
			PhaseTimeout:  5 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		Engine: EngineConfig{
			Mode:          EngineModeLocal,
			PollInterval:  2 * time.Second,
			RelayIdentity: "relay-system",
		},
		Enclave: EnclaveConfig{
			Mode:      "simulation",
			EnclaveID: "relay-enclave",
		},
		Audit: AuditConfig{MaxEntries: 200},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment variables on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Optional file; env and defaults carry the configuration.
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("config: server.addr is required")
	}
	switch c.Engine.Mode {
	case EngineModeLocal:
	case EngineModePlatform:
		if strings.TrimSpace(c.Engine.PlatformURL) == "" {
			return errors.New("config: engine.platform_url is required in platform mode")
		}
		if strings.TrimSpace(c.Engine.RelayURL) == "" {
			return errors.New("config: engine.relay_url is required in platform mode")
		}
	default:
		return fmt.Errorf("config: unknown engine mode %q", c.Engine.Mode)
	}
	if c.Enclave.Mode != "simulation" && c.Enclave.Mode != "hardware" {
		return fmt.Errorf("config: unknown enclave mode %q", c.Enclave.Mode)
	}
	if c.Enclave.Mode == "hardware" && c.Enclave.MasterSecret == "" {
		return errors.New("config: enclave.master_secret is required in hardware mode")
	}
	return nil
}

// MasterSecretBytes decodes the enclave master secret. Raw 16/24/32 byte
// strings pass through; otherwise base64 and hex decodings are tried.
func (c *EnclaveConfig) MasterSecretBytes() ([]byte, error) {
	value := c.MasterSecret
	if value == "" {
		return nil, nil
	}

	if l := len(value); l == 16 || l == 24 || l == 32 {
		return []byte(value), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}
	return nil, errors.New("config: master secret must be raw 16/24/32 bytes or base64/hex of that length")
}

package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Retry     RetryConfig     `yaml:"retry"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Render    RenderConfig    `yaml:"render"`
	Audit     AuditConfig     `yaml:"audit"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// TransportConfig holds settings for the agent backend the chat streams come from.
type TransportConfig struct {
	BaseURL        string               `yaml:"base_url"`
	StreamPath     string               `yaml:"stream_path"`
	ApprovalPath   string               `yaml:"approval_path"`
	Token          string               `yaml:"token"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	ValidateChunks bool                 `yaml:"validate_chunks"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for stream initiation.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig is a token bucket for outbound requests. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RetryConfig controls backoff when a stream cannot be opened.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
	RetryOn      []string      `yaml:"retry_on"` // error codes, e.g. NETWORK, SERVER
}

// ApprovalConfig lists tools that are resolved without asking.
type ApprovalConfig struct {
	AlwaysApprove []string `yaml:"always_approve,omitempty"`
	AlwaysDeny    []string `yaml:"always_deny,omitempty"`
}

// StoreConfig selects the conversation history backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled        bool                   `yaml:"enabled"`
	Addr           string                 `yaml:"addr"`
	Auth           AuthConfig             `yaml:"auth"`
	RateLimit      GatewayRateLimitConfig `yaml:"rate_limit"`
	AllowedOrigins []string               `yaml:"allowed_origins,omitempty"`
}

// GatewayRateLimitConfig limits inbound HTTP requests per client IP.
// RequestsPerMin 0 disables the limiter.
type GatewayRateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RenderConfig controls terminal rendering for the ask command.
type RenderConfig struct {
	Style    string `yaml:"style"` // glamour style: auto, dark, light, notty
	WordWrap int    `yaml:"word_wrap"`
}

// AuditConfig controls the tool-approval audit trail.
type AuditConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Path              string        `yaml:"path"`
	MaxAge            time.Duration `yaml:"max_age"`            // 0 = keep forever
	MaxSize           string        `yaml:"max_size"`           // e.g. "50MB"; empty = unlimited
	RetentionSchedule string        `yaml:"retention_schedule"` // cron expression or descriptor, e.g. "@hourly"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"` // file path for the "file" exporter
	ServiceName string `yaml:"service_name"`
}

// defaultDataDir returns the persistent data directory under $HOME/.agentweb.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentweb")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Transport: TransportConfig{
			BaseURL:        "http://localhost:8080",
			StreamPath:     "/api/chat/stream",
			ApprovalPath:   "/api/chat/approval",
			ConnTimeout:    30 * time.Second,
			RespTimeout:    120 * time.Second,
			ValidateChunks: true,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			RetryOn:      []string{"NETWORK"},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(defaultDataDir(), "conversations.db"),
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8090",
			RateLimit: GatewayRateLimitConfig{
				RequestsPerMin: 120,
				Burst:          20,
			},
		},
		Render: RenderConfig{
			Style:    "auto",
			WordWrap: 100,
		},
		Audit: AuditConfig{
			Path:              filepath.Join(defaultDataDir(), "audit.jsonl"),
			MaxAge:            90 * 24 * time.Hour,
			RetentionSchedule: "@hourly",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			ServiceName: "agent-webapp",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AGENTWEB_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGENTWEB_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTWEB_TRANSPORT_BASE_URL"); v != "" {
		cfg.Transport.BaseURL = v
	}
	if v := os.Getenv("AGENTWEB_TRANSPORT_TOKEN"); v != "" {
		cfg.Transport.Token = v
	}
	if v := os.Getenv("AGENTWEB_TRANSPORT_RATE_LIMIT"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Transport.RateLimit.RequestsPerSecond = rps
			if cfg.Transport.RateLimit.Burst == 0 {
				cfg.Transport.RateLimit.Burst = 1
			}
		}
	}
	if v := os.Getenv("AGENTWEB_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("AGENTWEB_RETRY_ON"); v != "" {
		cfg.Retry.RetryOn = splitAndTrim(strings.ToUpper(v), ",")
	}
	if v := os.Getenv("AGENTWEB_APPROVAL_ALWAYS_APPROVE"); v != "" {
		cfg.Approval.AlwaysApprove = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AGENTWEB_APPROVAL_ALWAYS_DENY"); v != "" {
		cfg.Approval.AlwaysDeny = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AGENTWEB_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("AGENTWEB_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGENTWEB_GATEWAY_ENABLED"); v != "" {
		cfg.Gateway.Enabled = v == "true"
	}
	if v := os.Getenv("AGENTWEB_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AGENTWEB_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"user"},
		})
	}
	if v := os.Getenv("AGENTWEB_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("AGENTWEB_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("AGENTWEB_AUDIT_RETENTION_SCHEDULE"); v != "" {
		cfg.Audit.RetentionSchedule = v
	}
	if v := os.Getenv("AGENTWEB_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTWEB_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTWEB_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTWEB_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
// Empty elements are dropped.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in the transport token and gateway
// tokens and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	if err := decryptField(&cfg.Transport.Token, passphrase); err != nil {
		return fmt.Errorf("transport token: %w", err)
	}
	for i := range cfg.Gateway.Auth.Tokens {
		if err := decryptField(&cfg.Gateway.Auth.Tokens[i].Token, passphrase); err != nil {
			return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*field, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*field = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file is not writable by others.
// The file may hold the bearer token.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

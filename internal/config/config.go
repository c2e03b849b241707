// Package config loads service settings from an optional YAML file and
// TOLLGATE_* environment variables. Environment values win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Pagination PaginationConfig `yaml:"pagination"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	LogLevel   string           `yaml:"log_level"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is believed. Empty means none.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TrustedPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (s ServerConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig switches the rate limiter to Redis buckets when URL is set.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type AuthConfig struct {
	Secret           string        `yaml:"secret"`
	Pepper           string        `yaml:"pepper"`
	Issuer           string        `yaml:"issuer"`
	AccessTTL        time.Duration `yaml:"access_ttl"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl"`
	DefaultRateLimit int           `yaml:"default_rate_limit"`
	BcryptCost       int           `yaml:"bcrypt_cost"`
}

type PaginationConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
}

// RateLimitConfig holds per-minute limits for the anonymous classes.
type RateLimitConfig struct {
	Auth    int `yaml:"auth"`
	Public  int `yaml:"public"`
	Webhook int `yaml:"webhook"`
}

type SweeperConfig struct {
	Schedule      string        `yaml:"schedule"`
	Idle          time.Duration `yaml:"idle"`
	BatchSize     int           `yaml:"batch_size"`
	BatchesPerSec float64       `yaml:"batches_per_second"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{Prefix: "ratelimit:"},
		Auth: AuthConfig{
			Issuer:           "tollgate",
			AccessTTL:        24 * time.Hour,
			RefreshTTL:       7 * 24 * time.Hour,
			DefaultRateLimit: 60,
			BcryptCost:       12,
		},
		Pagination: PaginationConfig{DefaultPageSize: 20, MaxPageSize: 100},
		RateLimits: RateLimitConfig{Auth: 5, Public: 100, Webhook: 100},
		Sweeper: SweeperConfig{
			Schedule:      "@every 1h",
			Idle:          24 * time.Hour,
			BatchSize:     1000,
			BatchesPerSec: 5,
		},
		LogLevel: "info",
	}
}

// Load reads the file named by TOLLGATE_CONFIG (if any), applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := Default()
	if path := getEnv("TOLLGATE_CONFIG", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Addr = getEnv("TOLLGATE_HTTP_ADDR", s.Addr)
	s.GRPCAddr = getEnv("TOLLGATE_GRPC_ADDR", s.GRPCAddr)
	s.ReadTimeout = getEnvDuration("TOLLGATE_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("TOLLGATE_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("TOLLGATE_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = int64(getEnvInt("TOLLGATE_MAX_BODY_BYTES", int(s.MaxBodyBytes)))
	s.TrustedProxies = getEnvList("TOLLGATE_TRUSTED_PROXIES", s.TrustedProxies)

	d := &c.Database
	d.DSN = getEnv("TOLLGATE_PG_DSN", d.DSN)
	d.MaxOpenConns = getEnvInt("TOLLGATE_PG_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("TOLLGATE_PG_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("TOLLGATE_PG_CONN_MAX_LIFETIME", d.ConnMaxLifetime)
	d.ConnMaxIdleTime = getEnvDuration("TOLLGATE_PG_CONN_MAX_IDLE_TIME", d.ConnMaxIdleTime)

	c.Redis.URL = getEnv("TOLLGATE_REDIS_URL", c.Redis.URL)
	c.Redis.Prefix = getEnv("TOLLGATE_REDIS_PREFIX", c.Redis.Prefix)

	a := &c.Auth
	a.Secret = getEnv("TOLLGATE_AUTH_SECRET", a.Secret)
	a.Pepper = getEnv("TOLLGATE_AUTH_PEPPER", a.Pepper)
	a.Issuer = getEnv("TOLLGATE_AUTH_ISSUER", a.Issuer)
	a.AccessTTL = getEnvDuration("TOLLGATE_ACCESS_TTL", a.AccessTTL)
	a.RefreshTTL = getEnvDuration("TOLLGATE_REFRESH_TTL", a.RefreshTTL)
	a.DefaultRateLimit = getEnvInt("TOLLGATE_DEFAULT_RATE_LIMIT", a.DefaultRateLimit)
	a.BcryptCost = getEnvInt("TOLLGATE_BCRYPT_COST", a.BcryptCost)

	c.Pagination.DefaultPageSize = getEnvInt("TOLLGATE_PAGE_SIZE", c.Pagination.DefaultPageSize)
	c.Pagination.MaxPageSize = getEnvInt("TOLLGATE_MAX_PAGE_SIZE", c.Pagination.MaxPageSize)

	c.RateLimits.Auth = getEnvInt("TOLLGATE_RATE_LIMIT_AUTH", c.RateLimits.Auth)
	c.RateLimits.Public = getEnvInt("TOLLGATE_RATE_LIMIT_PUBLIC", c.RateLimits.Public)
	c.RateLimits.Webhook = getEnvInt("TOLLGATE_RATE_LIMIT_WEBHOOK", c.RateLimits.Webhook)

	w := &c.Sweeper
	w.Schedule = getEnv("TOLLGATE_SWEEP_SCHEDULE", w.Schedule)
	w.Idle = getEnvDuration("TOLLGATE_SWEEP_IDLE", w.Idle)
	w.BatchSize = getEnvInt("TOLLGATE_SWEEP_BATCH", w.BatchSize)
	w.BatchesPerSec = getEnvFloat("TOLLGATE_SWEEP_BATCHES_PER_SEC", w.BatchesPerSec)

	c.LogLevel = getEnv("TOLLGATE_LOG_LEVEL", c.LogLevel)
}

// Validate checks that the configuration is usable by the API binary.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server addr is required"))
	}
	if c.Server.GRPCAddr != "" && c.Server.GRPCAddr == c.Server.Addr {
		errs = append(errs, errors.New("server addr and grpc addr must be different"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	if _, err := c.Server.TrustedPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth secret must be at least 16 bytes"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.Auth.RefreshTTL < c.Auth.AccessTTL {
		errs = append(errs, errors.New("refresh ttl must not be shorter than access ttl"))
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("bcrypt cost %d out of range [4,31]", c.Auth.BcryptCost))
	}
	if c.Pagination.DefaultPageSize < 1 || c.Pagination.MaxPageSize < c.Pagination.DefaultPageSize {
		errs = append(errs, fmt.Errorf("invalid pagination: default %d, max %d",
			c.Pagination.DefaultPageSize, c.Pagination.MaxPageSize))
	}
	if c.Sweeper.BatchSize <= 0 {
		errs = append(errs, errors.New("sweeper batch size must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Package config loads delivery-engine settings from an optional YAML file
// plus environment overrides. Every tuning knob is named here rather than
// hardcoded at its call site.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config holds every tunable of the delivery engine.
type Config struct {
	Addr        string
	DatabaseURL string
	RedisURL    string

	// MasterKey is the only secret the engine holds; per-endpoint signing
	// keys are derived from it and never persisted.
	MasterKey string

	SignatureTolerance time.Duration
	RotationWindow     time.Duration
	HTTPTimeout        time.Duration
	Backoff            []time.Duration
	MaxAttempts        int
	CircuitThreshold   int
	ReconcileInterval  time.Duration
	ReconcileBatch     int
	ClaimTTL           time.Duration
	ResponseBodyCap    int

	// Per-endpoint outbound rate limit (attempts per second, 0 = unlimited).
	EndpointRate  float64
	EndpointBurst int
}

// fileConfig is the YAML layer; durations are strings ("300s", "24h").
type fileConfig struct {
	Addr               string   `yaml:"addr"`
	DatabaseURL        string   `yaml:"databaseUrl"`
	RedisURL           string   `yaml:"redisUrl"`
	MasterKey          string   `yaml:"masterKey"`
	SignatureTolerance string   `yaml:"signatureTolerance"`
	RotationWindow     string   `yaml:"rotationWindow"`
	HTTPTimeout        string   `yaml:"httpTimeout"`
	Backoff            []string `yaml:"backoff"`
	MaxAttempts        int      `yaml:"maxAttempts"`
	CircuitThreshold   int      `yaml:"circuitThreshold"`
	ReconcileInterval  string   `yaml:"reconcileInterval"`
	ReconcileBatch     int      `yaml:"reconcileBatch"`
	ClaimTTL           string   `yaml:"claimTtl"`
	ResponseBodyCap    int      `yaml:"responseBodyCap"`
	EndpointRate       float64  `yaml:"endpointRate"`
	EndpointBurst      int      `yaml:"endpointBurst"`
}

// Default returns the engine defaults documented in the delivery contract.
func Default() Config {
	return Config{
		Addr:               ":8080",
		SignatureTolerance: 300 * time.Second,
		RotationWindow:     24 * time.Hour,
		HTTPTimeout:        10 * time.Second,
		Backoff:            []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		MaxAttempts:        5,
		CircuitThreshold:   50,
		ReconcileInterval:  10 * time.Second,
		ReconcileBatch:     100,
		ClaimTTL:           5 * time.Minute,
		ResponseBodyCap:    1024,
		EndpointRate:       0,
		EndpointBurst:      10,
	}
}

// Load builds a Config from defaults, an optional YAML file (HOOKRELAY_CONFIG
// or the given path), and environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("HOOKRELAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		if err := cfg.applyFile(fc); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyFile(fc fileConfig) error {
	if fc.Addr != "" {
		c.Addr = fc.Addr
	}
	if fc.DatabaseURL != "" {
		c.DatabaseURL = fc.DatabaseURL
	}
	if fc.RedisURL != "" {
		c.RedisURL = fc.RedisURL
	}
	if fc.MasterKey != "" {
		c.MasterKey = fc.MasterKey
	}
	if fc.MaxAttempts > 0 {
		c.MaxAttempts = fc.MaxAttempts
	}
	if fc.CircuitThreshold > 0 {
		c.CircuitThreshold = fc.CircuitThreshold
	}
	if fc.ReconcileBatch > 0 {
		c.ReconcileBatch = fc.ReconcileBatch
	}
	if fc.ResponseBodyCap > 0 {
		c.ResponseBodyCap = fc.ResponseBodyCap
	}
	if fc.EndpointRate > 0 {
		c.EndpointRate = fc.EndpointRate
	}
	if fc.EndpointBurst > 0 {
		c.EndpointBurst = fc.EndpointBurst
	}
	if err := setDur(&c.SignatureTolerance, "signatureTolerance", fc.SignatureTolerance); err != nil {
		return err
	}
	if err := setDur(&c.RotationWindow, "rotationWindow", fc.RotationWindow); err != nil {
		return err
	}
	if err := setDur(&c.HTTPTimeout, "httpTimeout", fc.HTTPTimeout); err != nil {
		return err
	}
	if err := setDur(&c.ReconcileInterval, "reconcileInterval", fc.ReconcileInterval); err != nil {
		return err
	}
	if err := setDur(&c.ClaimTTL, "claimTtl", fc.ClaimTTL); err != nil {
		return err
	}
	if len(fc.Backoff) > 0 {
		sched := make([]time.Duration, 0, len(fc.Backoff))
		for _, s := range fc.Backoff {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("config: bad backoff entry %q: %w", s, err)
			}
			sched = append(sched, d)
		}
		c.Backoff = sched
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Addr = ":" + v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("WEBHOOK_MASTER_KEY"); v != "" {
		c.MasterKey = v
	}
	if n, ok := envInt("WEBHOOK_MAX_ATTEMPTS"); ok && n > 0 {
		c.MaxAttempts = n
	}
	if n, ok := envInt("WEBHOOK_CIRCUIT_THRESHOLD"); ok && n > 0 {
		c.CircuitThreshold = n
	}
	if n, ok := envInt("WEBHOOK_RECONCILE_BATCH"); ok && n > 0 {
		c.ReconcileBatch = n
	}
	if d, ok := envDuration("WEBHOOK_TIMEOUT"); ok {
		c.HTTPTimeout = d
	}
	if d, ok := envDuration("WEBHOOK_RECONCILE_INTERVAL"); ok {
		c.ReconcileInterval = d
	}
	if d, ok := envDuration("WEBHOOK_SIGNATURE_TOLERANCE"); ok {
		c.SignatureTolerance = d
	}
	if d, ok := envDuration("WEBHOOK_ROTATION_WINDOW"); ok {
		c.RotationWindow = d
	}
}

func (c *Config) validate() error {
	if len(c.Backoff) == 0 {
		return fmt.Errorf("config: backoff schedule must not be empty")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: maxAttempts must be >= 1")
	}
	if c.ResponseBodyCap <= 0 {
		c.ResponseBodyCap = 1024
	}
	return nil
}

func setDur(dst *time.Duration, name, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %s=%q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env    string `mapstructure:"env"`
	API    APIConfig
	Stream StreamConfig
	Market MarketConfig
	Auth   AuthConfig
	Redis  RedisConfig
	Relay  RelayConfig
	Cache  CacheConfig
	Health HealthConfig
	Log    LogConfig
}

// APIConfig holds the backend REST settings.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StreamConfig holds the streaming client timing.
type StreamConfig struct {
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	DebounceWindow       time.Duration `mapstructure:"debounce_window"`
	MaxEventBytes        int           `mapstructure:"max_event_bytes"`
}

// MarketConfig optionally selects a market at startup.
type MarketConfig struct {
	ID    string `mapstructure:"id"`
	Side1 string `mapstructure:"side1"`
	Side2 string `mapstructure:"side2"`
}

// AuthConfig selects the stream token source. A KMS ciphertext takes
// precedence over a plain token.
type AuthConfig struct {
	Token              string        `mapstructure:"token"`
	KMSCiphertext      string        `mapstructure:"kms_ciphertext"`
	KMSKeyID           string        `mapstructure:"kms_key_id"`
	AWSRegion          string        `mapstructure:"aws_region"`
	LocalStackEndpoint string        `mapstructure:"localstack_endpoint"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables the
// book store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RelayConfig holds the UI relay server settings.
type RelayConfig struct {
	Addr        string `mapstructure:"addr"`
	Mode        string `mapstructure:"mode"`
	EnablePprof bool   `mapstructure:"enable_pprof"`
}

// CacheConfig holds the REST snapshot cache settings.
type CacheConfig struct {
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// HealthConfig holds the stale-data monitor settings.
type HealthConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	CoolOff        time.Duration `mapstructure:"cool_off"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads an optional .env file, then environment variables prefixed
// with BOOKSTREAM_.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	v.SetEnvPrefix("BOOKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")

	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 10*time.Second)

	v.SetDefault("stream.reconnect_delay", 3*time.Second)
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.debounce_window", 100*time.Millisecond)
	v.SetDefault("stream.max_event_bytes", 16<<20)

	v.SetDefault("auth.aws_region", "us-east-1")
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("relay.mode", "release")

	v.SetDefault("cache.snapshot_ttl", 5*time.Second)

	v.SetDefault("health.stale_threshold", 30*time.Second)
	v.SetDefault("health.cool_off", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.API = APIConfig{
		BaseURL: v.GetString("api.base_url"),
		Timeout: v.GetDuration("api.timeout"),
	}

	cfg.Stream = StreamConfig{
		ReconnectDelay:       v.GetDuration("stream.reconnect_delay"),
		MaxReconnectAttempts: v.GetInt("stream.max_reconnect_attempts"),
		DebounceWindow:       v.GetDuration("stream.debounce_window"),
		MaxEventBytes:        v.GetInt("stream.max_event_bytes"),
	}

	cfg.Market = MarketConfig{
		ID:    v.GetString("market.id"),
		Side1: v.GetString("market.side1"),
		Side2: v.GetString("market.side2"),
	}

	cfg.Auth = AuthConfig{
		Token:              v.GetString("auth.token"),
		KMSCiphertext:      v.GetString("auth.kms_ciphertext"),
		KMSKeyID:           v.GetString("auth.kms_key_id"),
		AWSRegion:          v.GetString("auth.aws_region"),
		LocalStackEndpoint: v.GetString("auth.localstack_endpoint"),
		TokenTTL:           v.GetDuration("auth.token_ttl"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Relay = RelayConfig{
		Addr:        v.GetString("relay.addr"),
		Mode:        v.GetString("relay.mode"),
		EnablePprof: v.GetBool("relay.enable_pprof"),
	}

	cfg.Cache = CacheConfig{
		SnapshotTTL: v.GetDuration("cache.snapshot_ttl"),
	}

	cfg.Health = HealthConfig{
		StaleThreshold: v.GetDuration("health.stale_threshold"),
		CoolOff:        v.GetDuration("health.cool_off"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	return cfg, nil
}

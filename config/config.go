package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"port"`
	Environment    string        `mapstructure:"environment"`
	LogLevel       string        `mapstructure:"log_level"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	BusDriver      string        `mapstructure:"bus_driver"` // "redis" | "memory"
	StoreDSN       string        `mapstructure:"store_dsn"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Redis          RedisConfig   `mapstructure:"redis"`
	Match          MatchConfig   `mapstructure:"match"`
	Media          MediaConfig   `mapstructure:"media"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MatchConfig tunes the pool observers and the pairing worker.
type MatchConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PairInterval  time.Duration `mapstructure:"pair_interval"`
	FallbackAfter time.Duration `mapstructure:"fallback_after"`
	Policy        string        `mapstructure:"policy"` // "skills" | "any" | "skills_then_any"
}

// MediaConfig bounds the wait for local tracks before negotiation.
type MediaConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollAttempts int           `mapstructure:"poll_attempts"`
}

// envBindings keeps the flat environment names the deployment already uses.
var envBindings = map[string]string{
	"port":                 "PORT",
	"environment":          "ENVIRONMENT",
	"log_level":            "LOG_LEVEL",
	"allowed_origins":      "ALLOWED_ORIGINS",
	"jwt_secret":           "JWT_SECRET",
	"bus_driver":           "BUS_DRIVER",
	"store_dsn":            "STORE_DSN",
	"ice_servers":          "ICE_SERVERS",
	"ping_period":          "PING_PERIOD",
	"redis.host":           "REDIS_HOST",
	"redis.port":           "REDIS_PORT",
	"redis.password":       "REDIS_PASSWORD",
	"redis.db":             "REDIS_DB",
	"match.poll_interval":  "MATCH_POLL_INTERVAL",
	"match.pair_interval":  "MATCH_PAIR_INTERVAL",
	"match.fallback_after": "MATCH_FALLBACK_AFTER",
	"match.policy":         "MATCH_POLICY",
	"media.poll_interval":  "MEDIA_POLL_INTERVAL",
	"media.poll_attempts":  "MEDIA_POLL_ATTEMPTS",
}

// Load reads defaults, an optional YAML file named by CONFIG_FILE, and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom is Load on a caller-provided viper instance, so command-line flags
// bound to v take part in the lookup.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.ICEServers = splitList(cfg.ICEServers)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("bus_driver", "redis")
	v.SetDefault("store_dsn", "file:skillshare.db")
	v.SetDefault("ice_servers", "stun:stun.l.google.com:19302")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("match.poll_interval", "2s")
	v.SetDefault("match.pair_interval", "1s")
	v.SetDefault("match.fallback_after", "30s")
	v.SetDefault("match.policy", "skills_then_any")
	v.SetDefault("media.poll_interval", "100ms")
	v.SetDefault("media.poll_attempts", 100)
}

func (c *Config) validate() error {
	switch c.BusDriver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown bus driver %q", c.BusDriver)
	}
	switch c.Match.Policy {
	case "skills", "any", "skills_then_any":
	default:
		return fmt.Errorf("unknown match policy %q", c.Match.Policy)
	}
	if c.Match.PollInterval <= 0 || c.Match.PairInterval <= 0 {
		return fmt.Errorf("match intervals must be positive")
	}
	if c.Media.PollInterval <= 0 || c.Media.PollAttempts <= 0 {
		return fmt.Errorf("media poll interval and attempts must be positive")
	}
	return nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

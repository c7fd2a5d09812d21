package app

import (
	"fmt"
	"strings"
	"time"

	"glowkeeper/internal/config"
	"glowkeeper/logging"
)

// Config is read from the environment at startup.
type Config struct {
	Addr             string        `env:"GLOWKEEPER_ADDR"              envDefault:":8080"`
	TickRate         int           `env:"GLOWKEEPER_TICK_RATE"         envDefault:"15"`
	EntityCount      int           `env:"GLOWKEEPER_ENTITY_COUNT"      envDefault:"8"`
	WorldSeed        int64         `env:"GLOWKEEPER_WORLD_SEED"        envDefault:"1"`
	Expiry           time.Duration `env:"GLOWKEEPER_EXPIRY"            envDefault:"10h"`
	SweepInterval    time.Duration `env:"GLOWKEEPER_SWEEP_INTERVAL"    envDefault:"1m"`
	HeartbeatTimeout time.Duration `env:"GLOWKEEPER_HEARTBEAT_TIMEOUT" envDefault:"6s"`
	ShutdownTimeout  time.Duration `env:"GLOWKEEPER_SHUTDOWN_TIMEOUT"  envDefault:"5s"`
	LogLevel         string        `env:"GLOWKEEPER_LOG_LEVEL"         envDefault:"info"`
	LogJSONPath      string        `env:"GLOWKEEPER_LOG_JSON_PATH"`
	OTelEnabled      bool          `env:"GLOWKEEPER_OTEL_ENABLED"      envDefault:"true"`
	OTelEndpoint     string        `env:"GLOWKEEPER_OTEL_ENDPOINT"`
}

// LoadConfig parses the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.TickRate <= 0 {
		c.TickRate = 15
	}
	if c.Expiry <= 0 {
		c.Expiry = 10 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Severity maps LogLevel onto the logging router threshold.
func (c Config) Severity() (logging.Severity, error) {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "info":
		return logging.SeverityInfo, nil
	case "debug":
		return logging.SeverityDebug, nil
	case "warn", "warning":
		return logging.SeverityWarn, nil
	case "error":
		return logging.SeverityError, nil
	default:
		return logging.SeverityInfo, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}

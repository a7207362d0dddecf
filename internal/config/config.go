// Package config loads the server configuration from command-line flags
// and environment variables. The resulting value is threaded into
// constructors; nothing here is global.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config carries every tunable of the server process.
type Config struct {
	Port          int    `mapstructure:"port"`
	AdminPort     int    `mapstructure:"admin-port"`
	MetricsPort   int    `mapstructure:"metrics-port"`
	LogLevel      string `mapstructure:"log-level"`
	ReplayMode    bool   `mapstructure:"replay-mode"`
	DataDir       string `mapstructure:"data-dir"`
	ArenaCapacity int    `mapstructure:"arena-capacity"`
	SnapshotDepth int    `mapstructure:"snapshot-depth"`
	BufferSize    int    `mapstructure:"buffer-size"`
}

// Load parses args (excluding the program name) and environment
// variables prefixed with ENGINE_. It returns pflag.ErrHelp when --help
// is requested.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("matching-engine", pflag.ContinueOnError)
	fs.Int("port", 8080, "TCP port the gateway listens on")
	fs.Int("admin-port", 8081, "port for the admin HTTP API")
	fs.Int("metrics-port", 9090, "port for the Prometheus metrics endpoint")
	fs.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	fs.Bool("replay-mode", false, "replay the event log on startup before accepting connections")
	fs.String("data-dir", "bins", "directory holding the event log")
	fs.Int("arena-capacity", 100_000, "order arena slot capacity")
	fs.Int("snapshot-depth", 5, "price levels per side in market data snapshots")
	fs.Int("buffer-size", 4096, "request and outbound channel buffer size")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return nil, fmt.Errorf("config: unknown log level %q", cfg.LogLevel)
	}
	return &cfg, nil
}

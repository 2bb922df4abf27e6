// Package config provides configuration management for go-tdoa
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sonotrack/go-tdoa/internal/dsp"
)

// Config is the root configuration structure
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// NodeConfig configures a detection node
type NodeConfig struct {
	// Hostname identifies this node in reports; it must appear in the
	// aggregation server's roster. Empty means the OS hostname.
	Hostname string `mapstructure:"hostname"`

	SampleRate         int     `mapstructure:"sample_rate"`
	BlockSize          int     `mapstructure:"block_size"`
	TargetFrequencyHz  float64 `mapstructure:"target_frequency_hz"`
	AmplitudeThreshold float64 `mapstructure:"amplitude_threshold"`
	Continuous         bool    `mapstructure:"continuous"`

	EndpointAddress string `mapstructure:"endpoint_address"`
	EndpointPort    int    `mapstructure:"endpoint_port"`

	GPSDAddress   string `mapstructure:"gpsd_address"`
	CaptureDevice string `mapstructure:"capture_device"`
}

// ServerConfig configures the aggregation server
type ServerConfig struct {
	ListenAddress    string        `mapstructure:"listen_address"`
	ListenPort       int           `mapstructure:"listen_port"`
	Roster           []string      `mapstructure:"roster"`
	PropagationSpeed float64       `mapstructure:"propagation_speed"`
	RoundTimeout     time.Duration `mapstructure:"round_timeout"` // 0 = wait indefinitely
	OutputDir        string        `mapstructure:"output_dir"`

	StatusPort      int           `mapstructure:"status_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			SampleRate:         44100,
			BlockSize:          128,
			TargetFrequencyHz:  4000,
			AmplitudeThreshold: 500,
			EndpointAddress:    "127.0.0.1",
			EndpointPort:       65432,
			GPSDAddress:        "localhost:2947",
		},
		Server: ServerConfig{
			ListenAddress:    "0.0.0.0",
			ListenPort:       65432,
			PropagationSpeed: 343,
			OutputDir:        "maps",
			StatusPort:       8080,
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     10 * time.Second,
			GracefulTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file. A missing file is okay (defaults apply); anything else,
	// such as unparseable YAML, must not be silently ignored.
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("GOTDOA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Node.Hostname == "" {
		host, err := os.Hostname()
		if err == nil {
			cfg.Node.Hostname = host
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("node.sample_rate", 44100)
	v.SetDefault("node.block_size", 128)
	v.SetDefault("node.target_frequency_hz", 4000)
	v.SetDefault("node.amplitude_threshold", 500)
	v.SetDefault("node.continuous", false)
	v.SetDefault("node.endpoint_address", "127.0.0.1")
	v.SetDefault("node.endpoint_port", 65432)
	v.SetDefault("node.gpsd_address", "localhost:2947")

	// Server defaults
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.listen_port", 65432)
	v.SetDefault("server.propagation_speed", 343)
	v.SetDefault("server.round_timeout", "0s")
	v.SetDefault("server.output_dir", "maps")
	v.SetDefault("server.status_port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.SampleRate < 1 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.Node.SampleRate)
	}

	if !dsp.IsPowerOfTwo(c.Node.BlockSize) {
		return fmt.Errorf("block_size must be a power of two, got %d", c.Node.BlockSize)
	}

	nyquist := float64(c.Node.SampleRate) / 2
	if c.Node.TargetFrequencyHz <= 0 || c.Node.TargetFrequencyHz > nyquist {
		return fmt.Errorf("target_frequency_hz must be in (0, %g], got %g", nyquist, c.Node.TargetFrequencyHz)
	}

	if c.Node.AmplitudeThreshold < 0 {
		return fmt.Errorf("amplitude_threshold must be non-negative, got %g", c.Node.AmplitudeThreshold)
	}

	if c.Node.EndpointPort < 1 || c.Node.EndpointPort > 65535 {
		return fmt.Errorf("invalid endpoint port: %d", c.Node.EndpointPort)
	}

	if c.Server.ListenPort < 1 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Server.ListenPort)
	}

	if c.Server.StatusPort < 1 || c.Server.StatusPort > 65535 {
		return fmt.Errorf("invalid status port: %d", c.Server.StatusPort)
	}

	if c.Server.PropagationSpeed <= 0 {
		return fmt.Errorf("propagation_speed must be positive, got %g", c.Server.PropagationSpeed)
	}

	if c.Server.RoundTimeout < 0 {
		return fmt.Errorf("round_timeout must be non-negative, got %v", c.Server.RoundTimeout)
	}

	return nil
}

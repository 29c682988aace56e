// Package config provides YAML-based configuration loading for the link tools.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/google/uuid"
    "github.com/spf13/viper"

    "github.com/kabeersohail/BluetoothCommunication/internal/transport"
)

// Transport kinds accepted in transport.kind.
const (
    TransportBlueZ = "bluez"
    TransportTCP   = "tcp"
)

// Config is the root application configuration.
type Config struct {
    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Transport selects the link the manager drives
    Transport TransportConfig `mapstructure:"transport"`

    // Service is the endpoint both peers agree on
    Service ServiceConfig `mapstructure:"service"`

    // Session tunes established connections
    Session SessionConfig `mapstructure:"session"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

type TransportConfig struct {
    // Kind: bluez or tcp
    Kind string `mapstructure:"kind"`
    // ListenAddress is the host:port bound by the tcp transport
    ListenAddress string `mapstructure:"listen_address"`
}

type ServiceConfig struct {
    Name    string `mapstructure:"name"`
    UUID    string `mapstructure:"uuid"`
    Channel uint8  `mapstructure:"channel"`
}

type SessionConfig struct {
    ReadBufferSize int `mapstructure:"read_buffer_size"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stderr"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/btlink.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Transport: TransportConfig{
            Kind:          TransportBlueZ,
            ListenAddress: ":4711",
        },
        Service: ServiceConfig{
            Name:    transport.DefaultServiceName,
            UUID:    transport.SPPUUID,
            Channel: transport.DefaultRFCOMMChannel,
        },
        Session: SessionConfig{ReadBufferSize: 1024},
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix BTLINK and `.`/`-` are replaced with `_`.
// Example: BTLINK_TRANSPORT_KIND=tcp
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("BTLINK")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("transport.kind", cfg.Transport.Kind)
    v.SetDefault("transport.listen_address", cfg.Transport.ListenAddress)
    v.SetDefault("service.name", cfg.Service.Name)
    v.SetDefault("service.uuid", cfg.Service.UUID)
    v.SetDefault("service.channel", cfg.Service.Channel)
    v.SetDefault("session.read_buffer_size", cfg.Session.ReadBufferSize)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("BTLINK_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `btlink`
        v.SetConfigName("btlink")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".btlink"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stderr"}
    }

    c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
    switch c.Transport.Kind {
    case TransportBlueZ:
    case TransportTCP:
        if c.Transport.ListenAddress == "" {
            return errors.New("transport.listen_address required for tcp")
        }
    default:
        return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
    }

    if strings.TrimSpace(c.Service.Name) == "" {
        return errors.New("service.name required")
    }
    if _, err := uuid.Parse(c.Service.UUID); err != nil {
        return fmt.Errorf("invalid service.uuid %q: %w", c.Service.UUID, err)
    }
    if c.Service.Channel < 1 || c.Service.Channel > 30 {
        return fmt.Errorf("invalid service.channel %d: RFCOMM channels are 1-30", c.Service.Channel)
    }
    if c.Session.ReadBufferSize <= 0 {
        return fmt.Errorf("invalid session.read_buffer_size: %d", c.Session.ReadBufferSize)
    }
    return nil
}

// ServiceRecord converts the validated service section.
func (c *Config) ServiceRecord() transport.ServiceRecord {
    return transport.ServiceRecord{
        Name:    c.Service.Name,
        UUID:    uuid.MustParse(c.Service.UUID),
        Channel: c.Service.Channel,
    }
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SerialConfig selects the bus device and its timing.
type SerialConfig struct {
	Port       string        `mapstructure:"port"`
	BaudRate   int           `mapstructure:"baudRate"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CommandGap time.Duration `mapstructure:"commandGap"`
}

// ScanConfig bounds the ID range probed during discovery.
type ScanConfig struct {
	StartID int `mapstructure:"startID"`
	EndID   int `mapstructure:"endID"`
}

// WatchConfig controls the bus watcher loop.
type WatchConfig struct {
	PollInterval      time.Duration `mapstructure:"pollInterval"`
	ReconnectInterval time.Duration `mapstructure:"reconnectInterval"`
}

// FileConfig configures rotated log output (lumberjack).
type FileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig selects log level, format and optional file output.
type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	File   FileConfig `mapstructure:"file"`
}

// Config is the top-level configuration shared by the servo tools.
type Config struct {
	Serial  SerialConfig  `mapstructure:"serial"`
	Scan    ScanConfig    `mapstructure:"scan"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Load reads configuration from a YAML file and SERVO_* environment
// variables. If path is empty it falls back to the SERVO_CONFIG environment
// variable, then to config.yaml in the working directory or ./configs.
// A missing config file is not an error; defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv("SERVO_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	// Environment override: SERVO_ prefix, dots become underscores
	v.SetEnvPrefix("SERVO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyACM0")
	v.SetDefault("serial.baudRate", 1000000)
	v.SetDefault("serial.timeout", "100ms")
	v.SetDefault("serial.commandGap", "1ms")

	v.SetDefault("scan.startID", 0)
	v.SetDefault("scan.endID", 253)

	v.SetDefault("watch.pollInterval", "1s")
	v.SetDefault("watch.reconnectInterval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)
}

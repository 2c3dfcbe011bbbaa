package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level satlinkd configuration.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Modem     ModemConfig     `yaml:"modem"`
	API       APIConfig       `yaml:"api"`
	NATS      NATSConfig      `yaml:"nats"`
	Journal   JournalConfig   `yaml:"journal"`
	Log       LogConfig       `yaml:"log"`
	EventLine EventLineConfig `yaml:"event_line"`
}

// SerialConfig describes the serial link to the modem.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	CRC         bool          `yaml:"crc"` // CRC-16 command framing (IDP %CRC mode)
}

// ModemConfig holds the session-level operating parameters.
type ModemConfig struct {
	Family           string        `yaml:"family"`            // "idp", "ogx" or "" for autodetect
	PollInterval     time.Duration `yaml:"poll_interval"`
	CoalesceWindow   time.Duration `yaml:"coalesce_window"`
	AcquireInterval  time.Duration `yaml:"acquire_interval"`  // min GNSS/registration re-query spacing
	LocationInterval time.Duration `yaml:"location_interval"` // 0 disables periodic location queries
	WakeupPeriod     int           `yaml:"wakeup_period"`
	PowerMode        int           `yaml:"power_mode"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

// APIConfig describes the HTTP surface bind address.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// NATSConfig describes the optional event forwarder. Empty URL disables it.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// JournalConfig describes the badger message history store. Empty path disables it.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	History   int           `yaml:"history"`   // default entries per history query
	Retention time.Duration `yaml:"retention"` // 0 keeps entries forever
}

// LogConfig describes logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Console    bool   `yaml:"console"`
}

// EventLineConfig describes the optional hardware notification GPIO.
type EventLineConfig struct {
	Enabled bool          `yaml:"enabled"`
	Pin     int           `yaml:"pin"`
	Period  time.Duration `yaml:"period"` // edge sampling period
}

// Load reads the YAML config file and applies environment overrides and defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SATLINK_SERIAL_PORT"); port != "" {
		c.Serial.Port = port
	}
	if baud := os.Getenv("SATLINK_SERIAL_BAUD"); baud != "" {
		if n, err := strconv.Atoi(baud); err == nil {
			c.Serial.Baud = n
		}
	}
	if family := os.Getenv("SATLINK_MODEM_FAMILY"); family != "" {
		c.Modem.Family = family
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if path := os.Getenv("SATLINK_JOURNAL_PATH"); path != "" {
		c.Journal.Path = path
	}
}

func (c *Config) applyDefaults() {
	if c.Serial.Port == "" {
		c.Serial.Port = "/dev/ttyUSB0"
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 9600
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = 500 * time.Millisecond
	}
	if c.Modem.PollInterval == 0 {
		c.Modem.PollInterval = 5 * time.Second
	}
	if c.Modem.CoalesceWindow == 0 {
		c.Modem.CoalesceWindow = 2 * time.Second
	}
	if c.Modem.AcquireInterval == 0 {
		c.Modem.AcquireInterval = 10 * time.Second
	}
	if c.Modem.CommandTimeout == 0 {
		c.Modem.CommandTimeout = 10 * time.Second
	}
	if c.Modem.MaxRetries == 0 {
		c.Modem.MaxRetries = 3
	}
	if c.Modem.RetryBackoff == 0 {
		c.Modem.RetryBackoff = 500 * time.Millisecond
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 6010
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "satlink"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Journal.History == 0 {
		c.Journal.History = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.EventLine.Period == 0 {
		c.EventLine.Period = 100 * time.Millisecond
	}
}

// Validate rejects option values the session could not run with.
func (c *Config) Validate() error {
	switch c.Modem.Family {
	case "", "idp", "ogx":
	default:
		return fmt.Errorf("invalid modem family %q (want idp, ogx or empty)", c.Modem.Family)
	}
	if c.Serial.Baud < 0 {
		return fmt.Errorf("invalid serial baud %d", c.Serial.Baud)
	}
	if c.Modem.PollInterval < time.Second {
		return fmt.Errorf("poll interval %s too short (minimum 1s)", c.Modem.PollInterval)
	}
	if c.Modem.WakeupPeriod < 0 || c.Modem.WakeupPeriod > 11 {
		return fmt.Errorf("wakeup period %d out of range 0..11", c.Modem.WakeupPeriod)
	}
	if c.Modem.PowerMode < 0 || c.Modem.PowerMode > 4 {
		return fmt.Errorf("power mode %d out of range 0..4", c.Modem.PowerMode)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	return nil
}

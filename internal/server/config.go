package server

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stovelab/tclog/internal/isp2"
	"github.com/stovelab/tclog/internal/link"
	"github.com/stovelab/tclog/internal/tslog"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Serial instrument
	Device DeviceConfig `yaml:"device" json:"device"`

	// Count-to-temperature scaling and plausibility bounds
	Decode isp2.ExtractConfig `yaml:"decode" json:"decode"`

	// Time-series log store
	Log LogConfig `yaml:"log" json:"log"`

	// Display preferences (web layer only; storage is always °C)
	Display DisplayConfig `yaml:"display" json:"display"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type            string `yaml:"type" json:"type"`          // "isp2" or "demo"
	PortPath        string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate        int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs   int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`    // silence threshold per read
	MaxSilentReads  int    `yaml:"max_silent_reads" json:"maxSilentReads"`  // consecutive silent reads before reopen
	ReconnectMaxS   int    `yaml:"reconnect_max_s" json:"reconnectMaxS"`    // backoff cap
	ConnectAttempts int    `yaml:"connect_attempts" json:"connectAttempts"` // initial attempts before exiting non-zero
}

type LogConfig struct {
	Dir            string `yaml:"dir" json:"dir"`
	Backlog        int    `yaml:"backlog" json:"backlog"`
	RetryAttempts  int    `yaml:"retry_attempts" json:"retryAttempts"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms" json:"retryBackoffMs"`
}

type DisplayConfig struct {
	Units string `yaml:"units" json:"units"` // "C" or "F"
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// LinkConfig translates the device section for the link manager.
func (c *Config) LinkConfig() link.Config {
	return link.Config{
		PortPath:       c.Device.PortPath,
		BaudRate:       c.Device.BaudRate,
		ReadTimeout:    time.Duration(c.Device.ReadTimeoutMs) * time.Millisecond,
		MaxSilentReads: c.Device.MaxSilentReads,
		ReconnectMax:   time.Duration(c.Device.ReconnectMaxS) * time.Second,
	}
}

// WriterOptions translates the log section for the partition writer.
func (c *Config) WriterOptions() tslog.WriterOptions {
	opts := tslog.DefaultWriterOptions()
	if c.Log.RetryAttempts > 0 {
		opts.RetryAttempts = c.Log.RetryAttempts
	}
	if c.Log.RetryBackoffMs > 0 {
		opts.RetryBackoff = time.Duration(c.Log.RetryBackoffMs) * time.Millisecond
	}
	return opts
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:            "isp2",
			PortPath:        "/dev/ttyUSB0",
			BaudRate:        19200,
			ReadTimeoutMs:   2000,
			MaxSilentReads:  3,
			ReconnectMaxS:   60,
			ConnectAttempts: 5,
		},
		Decode: isp2.DefaultExtractConfig(),
		Log: LogConfig{
			Dir:            "/var/log/tclog",
			Backlog:        1024,
			RetryAttempts:  3,
			RetryBackoffMs: 250,
		},
		Display: DisplayConfig{
			Units: "C",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if YAML not
// found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: DEVICE_TYPE, DEVICE_PORT, DEVICE_BAUD, LOG_DIR,
// LISTEN_ADDR, TEMP_UNIT.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.PortPath = v
	}
	if v := os.Getenv("DEVICE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.BaudRate = n
		}
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TEMP_UNIT"); v != "" {
		c.Display.Units = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/tclog/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ApplyJSON merges a config document received from the API over the
// current values. The caller persists with Save.
func (c *Config) ApplyJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Unmarshal(data, c)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

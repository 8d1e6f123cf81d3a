package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "boltshare"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "BOLTSHARE_DATA_DIR"
	// RelayURLAuto asks the client to find a relay on the LAN over mDNS.
	RelayURLAuto = "auto"

	DefaultRelayURL             = "ws://localhost:8080/ws"
	DefaultRelayListenAddress   = ":8080"
	DefaultICEServer            = "stun:stun.l.google.com:19302"
	DefaultStallTimeoutSeconds  = 0
	DefaultSessionTTLSeconds    = 600
	DefaultSweepIntervalSeconds = 60
	DefaultLogLevel             = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	downloadsDir   = "downloads"
)

// Config contains persistent client and relay settings.
type Config struct {
	RelayURL            string   `json:"relay_url"`
	ICEServers          []string `json:"ice_servers"`
	DownloadDir         string   `json:"download_dir"`
	StallTimeoutSeconds int      `json:"stall_timeout_seconds"`
	LogLevel            string   `json:"log_level"`

	RelayListenAddress   string `json:"relay_listen_address"`
	SessionTTLSeconds    int    `json:"session_ttl_seconds"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds"`
	AdvertiseRelay       bool   `json:"advertise_relay"`
}

// StallTimeout is the transfer inactivity window. Zero disables it.
func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If BOLTSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, downloadsDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config
// and the data directory.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

func defaultConfig(dataDir string) *Config {
	return &Config{
		RelayURL:             DefaultRelayURL,
		ICEServers:           []string{DefaultICEServer},
		DownloadDir:          filepath.Join(dataDir, downloadsDir),
		StallTimeoutSeconds:  DefaultStallTimeoutSeconds,
		LogLevel:             DefaultLogLevel,
		RelayListenAddress:   DefaultRelayListenAddress,
		SessionTTLSeconds:    DefaultSessionTTLSeconds,
		SweepIntervalSeconds: DefaultSweepIntervalSeconds,
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}
	if cfg.ICEServers == nil {
		cfg.ICEServers = []string{DefaultICEServer}
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, downloadsDir)
		updated = true
	}
	if cfg.StallTimeoutSeconds < 0 {
		cfg.StallTimeoutSeconds = DefaultStallTimeoutSeconds
		updated = true
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.RelayListenAddress == "" {
		cfg.RelayListenAddress = DefaultRelayListenAddress
		updated = true
	}
	if cfg.SessionTTLSeconds <= 0 {
		cfg.SessionTTLSeconds = DefaultSessionTTLSeconds
		updated = true
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = DefaultSweepIntervalSeconds
		updated = true
	}

	return updated
}

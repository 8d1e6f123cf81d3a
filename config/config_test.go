package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	first, firstDir, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, tempDir, firstDir)
	assert.FileExists(t, filepath.Join(tempDir, "config.json"))
	assert.DirExists(t, filepath.Join(tempDir, "downloads"))

	assert.Equal(t, DefaultRelayURL, first.RelayURL)
	assert.Equal(t, []string{DefaultICEServer}, first.ICEServers)
	assert.Equal(t, filepath.Join(tempDir, "downloads"), first.DownloadDir)
	assert.Equal(t, 10*time.Minute, first.SessionTTL())
	assert.Equal(t, time.Minute, first.SweepInterval())
	assert.Zero(t, first.StallTimeout(), "stall guard is opt-in")
	assert.Equal(t, logrus.InfoLevel, first.Level())
	assert.False(t, first.AdvertiseRelay)

	first.RelayURL = RelayURLAuto
	first.AdvertiseRelay = true
	require.NoError(t, Save(ConfigPath(tempDir), first))

	second, secondDir, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, firstDir, secondDir)
	assert.Equal(t, RelayURLAuto, second.RelayURL)
	assert.True(t, second.AdvertiseRelay)
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir))

	partial := &Config{
		RelayURL:            "ws://relay.lan:9000/ws",
		LogLevel:            "loud",
		SessionTTLSeconds:   -5,
		StallTimeoutSeconds: -1,
	}
	require.NoError(t, Save(ConfigPath(tempDir), partial))

	cfg, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.lan:9000/ws", cfg.RelayURL)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultSessionTTLSeconds, cfg.SessionTTLSeconds)
	assert.Equal(t, DefaultSweepIntervalSeconds, cfg.SweepIntervalSeconds)
	assert.Zero(t, cfg.StallTimeoutSeconds)
	assert.Equal(t, DefaultRelayListenAddress, cfg.RelayListenAddress)
	assert.Equal(t, filepath.Join(tempDir, "downloads"), cfg.DownloadDir)

	reloaded, err := Load(ConfigPath(tempDir))
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded, "normalized config is persisted")
}

func TestLevelFallsBackToInfo(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	cfg.LogLevel = "nonsense"
	assert.Equal(t, logrus.InfoLevel, cfg.Level())
}

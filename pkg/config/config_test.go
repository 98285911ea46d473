package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMasterOverDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":6000"
data_dir: /var/lib/bastion
spawn_queue_timeout: 90s
`)
	cfg := DefaultMaster()
	require.NoError(t, Load(path, &cfg))

	assert.Equal(t, ":6000", cfg.Listen)
	assert.Equal(t, "/var/lib/bastion", cfg.DataDir)
	assert.Equal(t, 90*time.Second, cfg.SpawnQueueTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, "/ws", cfg.Path)
	assert.Equal(t, ":9100", cfg.MetricsListen)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
listen: ":6000"
listen_addres: ":6001"
`)
	cfg := DefaultMaster()
	err := Load(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen_addres")
}

func TestLoadMissingFile(t *testing.T) {
	cfg := DefaultMaster()
	assert.Error(t, Load(filepath.Join(t.TempDir(), "absent.yaml"), &cfg))
}

func TestMasterValidate(t *testing.T) {
	cfg := DefaultMaster()
	require.NoError(t, cfg.Validate())

	cfg.Listen = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultMaster()
	cfg.Path = ""
	assert.Error(t, cfg.Validate())
}

func TestSpawnerValidate(t *testing.T) {
	cfg := DefaultSpawner()
	cfg.ServerBinary = "/usr/local/bin/game-server"
	require.NoError(t, cfg.Validate())

	cfg.MaxProcesses = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultSpawner()
	assert.Error(t, cfg.Validate()) // no server binary
}

func TestGameServerValidate(t *testing.T) {
	cfg := DefaultGameServer()
	cfg.PublicAddress = "203.0.113.9:7777"
	require.NoError(t, cfg.Validate())

	cfg.MaxPlayers = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultGameServer()
	assert.Error(t, cfg.Validate()) // no public address
}

func TestLoadSpawnerLists(t *testing.T) {
	path := writeConfig(t, `
master_url: ws://master:5000/ws
server_binary: /opt/game/server
base_args: ["-batchmode", "-nographics"]
properties:
  tier: gold
`)
	cfg := DefaultSpawner()
	require.NoError(t, Load(path, &cfg))
	assert.Equal(t, []string{"-batchmode", "-nographics"}, cfg.BaseArgs)
	assert.Equal(t, "gold", cfg.Properties["tier"])
	assert.Equal(t, int32(4), cfg.MaxProcesses)
}

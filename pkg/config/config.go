package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Master configures the master process.
type Master struct {
	// Listen is the WebSocket listen address, host:port.
	Listen string `yaml:"listen"`
	// Path is the WebSocket endpoint path.
	Path string `yaml:"path"`
	// MetricsListen serves Prometheus metrics when non-empty.
	MetricsListen string `yaml:"metrics_listen"`
	// DataDir holds the BoltDB database.
	DataDir string `yaml:"data_dir"`

	// Spawn lifecycle timeouts.
	SpawnQueueTimeout    time.Duration `yaml:"spawn_queue_timeout"`
	SpawnOrderTimeout    time.Duration `yaml:"spawn_order_timeout"`
	SpawnStartTimeout    time.Duration `yaml:"spawn_start_timeout"`
	SpawnRegisterTimeout time.Duration `yaml:"spawn_register_timeout"`
}

// DefaultMaster returns the master defaults.
func DefaultMaster() Master {
	return Master{
		Listen:        ":5000",
		Path:          "/ws",
		MetricsListen: ":9100",
		DataDir:       ".",
	}
}

// Validate checks the master configuration.
func (c *Master) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.Path == "" {
		return fmt.Errorf("config: websocket path is required")
	}
	return nil
}

// Spawner configures a spawner agent process.
type Spawner struct {
	// MasterURL is the master's WebSocket endpoint.
	MasterURL string `yaml:"master_url"`
	Region    string `yaml:"region"`
	// MaxProcesses caps concurrent game-server processes.
	MaxProcesses int32 `yaml:"max_processes"`
	// ServerBinary is the game-server executable to launch.
	ServerBinary string `yaml:"server_binary"`
	// BaseArgs are prepended to every launch.
	BaseArgs   []string          `yaml:"base_args"`
	Properties map[string]string `yaml:"properties"`
}

// DefaultSpawner returns the spawner defaults.
func DefaultSpawner() Spawner {
	return Spawner{
		MasterURL:    "ws://127.0.0.1:5000/ws",
		Region:       "default",
		MaxProcesses: 4,
	}
}

// Validate checks the spawner configuration.
func (c *Spawner) Validate() error {
	if c.MasterURL == "" {
		return fmt.Errorf("config: master_url is required")
	}
	if c.MaxProcesses <= 0 {
		return fmt.Errorf("config: max_processes must be positive")
	}
	if c.ServerBinary == "" {
		return fmt.Errorf("config: server_binary is required")
	}
	return nil
}

// GameServer configures a game-server process.
type GameServer struct {
	MasterURL string `yaml:"master_url"`
	// PublicAddress is what clients connect to, host:port.
	PublicAddress string `yaml:"public_address"`
	// ClientListen is the local listen address for player connections.
	ClientListen string `yaml:"client_listen"`
	Name         string `yaml:"name"`
	SceneName    string `yaml:"scene_name"`
	Password     string `yaml:"password"`
	MaxPlayers   int32  `yaml:"max_players"`
	// GrantTTL bounds how long an issued access token stays redeemable.
	GrantTTL   time.Duration     `yaml:"grant_ttl"`
	Properties map[string]string `yaml:"properties"`
}

// DefaultGameServer returns the game-server defaults.
func DefaultGameServer() GameServer {
	return GameServer{
		MasterURL:    "ws://127.0.0.1:5000/ws",
		ClientListen: ":7777",
		Name:         "game",
		MaxPlayers:   16,
		GrantTTL:     30 * time.Second,
	}
}

// Validate checks the game-server configuration.
func (c *GameServer) Validate() error {
	if c.MasterURL == "" {
		return fmt.Errorf("config: master_url is required")
	}
	if c.PublicAddress == "" {
		return fmt.Errorf("config: public_address is required")
	}
	if c.MaxPlayers <= 0 {
		return fmt.Errorf("config: max_players must be positive")
	}
	return nil
}

// Load reads a YAML file over defaults. Unknown fields are rejected so a
// typoed key fails at startup instead of silently using a default. The
// target must already hold its default values.
func Load(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

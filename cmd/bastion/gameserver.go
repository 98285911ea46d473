package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bastionmp/bastion/pkg/config"
	"github.com/bastionmp/bastion/pkg/gameserver"
)

var gameServerCmd = &cobra.Command{
	Use:   "gameserver",
	Short: "Run a game server shell",
	Long: `Run the game-server shell: it registers with the master, signals
readiness, and admits players that present a valid single-use access
token. Spawner-launched processes pass --spawn-id so the master can
match the registration to its spawn order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultGameServer()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			if err := config.Load(path, &cfg); err != nil {
				return err
			}
		}
		if master, _ := cmd.Flags().GetString("master"); master != "" {
			cfg.MasterURL = master
		}
		if public, _ := cmd.Flags().GetString("public-address"); public != "" {
			cfg.PublicAddress = public
		}
		if scene, _ := cmd.Flags().GetString("scene"); scene != "" {
			cfg.SceneName = scene
		}
		spawnID, _ := cmd.Flags().GetString("spawn-id")
		if cfg.PublicAddress == "" {
			cfg.PublicAddress = "127.0.0.1" + cfg.ClientListen
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		srv := gameserver.New(gameserver.Config{
			MasterURL:     cfg.MasterURL,
			PublicAddress: cfg.PublicAddress,
			Name:          cfg.Name,
			SpawnID:       spawnID,
			SceneName:     cfg.SceneName,
			Password:      cfg.Password,
			MaxPlayers:    cfg.MaxPlayers,
			GrantTTL:      cfg.GrantTTL,
			Properties:    cfg.Properties,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := srv.Connect(dialCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to register game server: %w", err)
		}
		defer srv.Close()

		// The shell has no scene to load, so it opens immediately. A real
		// game embeds the package and calls Open once its world is up.
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = srv.Open(openCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open game server: %w", err)
		}
		fmt.Printf("Game %d open on %s\n", srv.GameID(), cfg.PublicAddress)

		return srv.ServeClients(ctx, cfg.ClientListen)
	},
}

func init() {
	gameServerCmd.Flags().String("config", "", "Path to the game-server YAML config")
	gameServerCmd.Flags().String("master", "", "Master WebSocket URL (overrides config)")
	gameServerCmd.Flags().String("public-address", "", "Address clients connect to (overrides config)")
	gameServerCmd.Flags().String("scene", "", "Scene name to report (overrides config)")
	gameServerCmd.Flags().String("spawn-id", "", "Spawn id passed by the launching spawner")
}

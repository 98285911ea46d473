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
	"github.com/bastionmp/bastion/pkg/spawn"
)

var spawnerCmd = &cobra.Command{
	Use:   "spawner",
	Short: "Run a spawner agent",
	Long: `Run a spawner: the per-host agent that registers its capacity with
the master and launches game-server processes on order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultSpawner()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			if err := config.Load(path, &cfg); err != nil {
				return err
			}
		}
		if master, _ := cmd.Flags().GetString("master"); master != "" {
			cfg.MasterURL = master
		}
		if binary, _ := cmd.Flags().GetString("server-binary"); binary != "" {
			cfg.ServerBinary = binary
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		agent := spawn.NewAgent(spawn.AgentConfig{
			MasterURL:    cfg.MasterURL,
			Region:       cfg.Region,
			MaxProcesses: cfg.MaxProcesses,
			ServerBinary: cfg.ServerBinary,
			BaseArgs:     cfg.BaseArgs,
			Properties:   cfg.Properties,
		}, spawn.NewExecLauncher())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := agent.Connect(dialCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect spawner: %w", err)
		}
		fmt.Printf("Spawner registered with %s (capacity %d)\n", cfg.MasterURL, cfg.MaxProcesses)

		<-ctx.Done()
		fmt.Println("\nShutting down...")
		agent.Close()
		return nil
	},
}

func init() {
	spawnerCmd.Flags().String("config", "", "Path to the spawner YAML config")
	spawnerCmd.Flags().String("master", "", "Master WebSocket URL (overrides config)")
	spawnerCmd.Flags().String("server-binary", "", "Game-server executable to launch (overrides config)")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bastionmp/bastion/pkg/config"
	"github.com/bastionmp/bastion/pkg/master"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the master server",
	Long: `Run the Bastion master: the process clients, spawners and game
servers all connect to. It owns accounts, sessions, access grants, the
spawn queue, lobbies and player profiles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultMaster()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			if err := config.Load(path, &cfg); err != nil {
				return err
			}
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen = listen
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}

		m, err := master.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to start master: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return m.Run(ctx)
	},
}

func init() {
	masterCmd.Flags().String("config", "", "Path to the master YAML config")
	masterCmd.Flags().String("listen", "", "WebSocket listen address (overrides config)")
	masterCmd.Flags().String("data-dir", "", "Data directory for the account database (overrides config)")
}

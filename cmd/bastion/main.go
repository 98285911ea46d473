package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bastion",
	Short: "Bastion - Master server for multiplayer game infrastructure",
	Long: `Bastion is the orchestration layer for multiplayer games: a master
server that authenticates players, brokers access to game servers,
drives spawner fleets and hosts the pre-game lobby engine.

One binary runs all three process roles: master, spawner and game server.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bastion version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(spawnerCmd)
	rootCmd.AddCommand(gameServerCmd)
}

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"chatimport/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "chatimport",
	Short:        "Chat service with secure CSV history import",
	SilenceUsage: true,
	RunE:         runServe,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CHATIMPORT_CONFIG"), "path to config.json")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(keygenCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

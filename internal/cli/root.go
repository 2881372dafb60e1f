package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"wsupload/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wsupload",
	Short: "Streaming compressed file uploads over WebSocket",
	Long: `wsupload receives files as sequences of compressed chunks over a
WebSocket connection, decompresses them incrementally and writes them to an
upload directory. Several uploads may share one connection.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (default: search WSUPLOAD_CONFIG_PATH, ./config.yaml, ./config/config.yaml, /etc/wsupload/config.yaml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// loadConfig returns the configuration named by --config, or the result of
// the default search when the flag is unset.
func loadConfig() (*config.Config, string, error) {
	if configPath == "" {
		return config.LoadConfig()
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load %s: %w", configPath, err)
	}
	return cfg, configPath, nil
}

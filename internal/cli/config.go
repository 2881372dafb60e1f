package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"wsupload/pkg/config"
)

func newConfigCmd() *cobra.Command {
	var generate string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or generate configuration",
		Long: `Print the effective configuration as YAML, or write the default
configuration to a file with --generate.

Examples:
  wsupload config
  wsupload config --generate=/etc/wsupload/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if generate != "" {
				if err := config.GenerateDefaultConfig(generate); err != nil {
					return fmt.Errorf("failed to write %s: %w", generate, err)
				}
				fmt.Fprintf(out, "Default configuration written to %s\n", generate)
				return nil
			}

			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}

			if path != "" {
				fmt.Fprintf(out, "# loaded from %s\n", path)
			} else {
				fmt.Fprintln(out, "# defaults (no configuration file found)")
			}
			_, err = out.Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&generate, "generate", "", "Write the default configuration to this path")
	return cmd
}

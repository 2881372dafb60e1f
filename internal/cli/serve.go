package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"wsupload/internal/modes"
	"wsupload/pkg/config"
	"wsupload/pkg/logger"
)

// serverFlags mirrors the config fields that may be overridden on the
// command line. Only flags the user actually set are applied.
type serverFlags struct {
	address   string
	port      int
	path      string
	dir       string
	threshold int
	encoding  string
	health    bool
	hport     int
	logLevel  string
	logFormat string
}

func (f *serverFlags) flagSet() *pflag.FlagSet {
	defaults := config.DefaultConfig

	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.StringVar(&f.address, "address", defaults.Server.Address, "Listen address")
	fs.IntVarP(&f.port, "port", "p", defaults.Server.Port, "Listen port")
	fs.StringVar(&f.path, "path", defaults.Server.Path, "HTTP path of the WebSocket endpoint")
	fs.StringVarP(&f.dir, "dir", "d", defaults.Upload.Dir, "Directory uploads are written to")
	fs.IntVar(&f.threshold, "threshold", defaults.Upload.Threshold, "Compressed bytes buffered per upload before decoding")
	fs.StringVar(&f.encoding, "encoding", defaults.Upload.Encoding, "Encoding assumed when a start message names none (gzip, zstd, lz4)")
	fs.BoolVar(&f.health, "health", defaults.Health.Enabled, "Serve the gRPC health endpoint")
	fs.IntVar(&f.hport, "health-port", defaults.Health.Port, "Port of the gRPC health endpoint")
	fs.StringVar(&f.logLevel, "log-level", defaults.Logging.Level, "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&f.logFormat, "log-format", defaults.Logging.Format, "Log format (text, json)")
	return fs
}

func (f *serverFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "address":
			cfg.Server.Address = f.address
		case "port":
			cfg.Server.Port = f.port
		case "path":
			cfg.Server.Path = f.path
		case "dir":
			cfg.Upload.Dir = f.dir
		case "threshold":
			cfg.Upload.Threshold = f.threshold
		case "encoding":
			cfg.Upload.Encoding = f.encoding
		case "health":
			cfg.Health.Enabled = f.health
		case "health-port":
			cfg.Health.Port = f.hport
		case "log-level":
			cfg.Logging.Level = f.logLevel
		case "log-format":
			cfg.Logging.Format = f.logFormat
		}
	})
}

func newServeCmd() *cobra.Command {
	flags := &serverFlags{}
	fs := flags.flagSet()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload server",
		Long: `Run the upload server until interrupted.

Examples:
  wsupload serve
  wsupload serve --port=9000 --dir=/var/lib/wsupload
  wsupload serve --health --health-port=9001 --log-format=json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(fs, cfg)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
				return err
			}

			if path != "" {
				logger.Info("configuration loaded", "path", path)
			} else {
				logger.Info("no configuration file found, using defaults")
			}

			return modes.RunServer(cfg)
		},
	}

	cmd.Flags().AddFlagSet(fs)
	return cmd
}

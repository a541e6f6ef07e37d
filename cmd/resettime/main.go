package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/resettime/internal/app"
	"github.com/therealutkarshpriyadarshi/resettime/internal/config"
	"github.com/therealutkarshpriyadarshi/resettime/internal/logging"
)

var version = "0.1.0"

var (
	configFile string
	headless   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "resettime",
		Short:         "Shows the time since the last tracker reset and mirrors it to OBS",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRoot,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultFile, "Path to configuration file (.toml or .yaml)")
	root.Flags().BoolVar(&headless, "headless", false, "Run without the terminal display")

	root.AddCommand(&cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := config.WriteIfMissing(configFile, config.DefaultConfig())
			if err != nil {
				return err
			}
			if written {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configFile)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", configFile)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return root
}

func runRoot(cmd *cobra.Command, args []string) error {
	if _, err := config.WriteIfMissing(configFile, config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to write default configuration: %w", err)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if headless {
		cfg.Display.Headless = true
	}

	logFile, err := logging.OpenFile(cfg.Logging.File)
	if err != nil {
		return err
	}
	defer logFile.Close()

	// The terminal belongs to the display unless it is disabled
	var out io.Writer = logFile
	if cfg.Display.Headless {
		out = io.MultiWriter(logFile, os.Stderr)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
	logging.SetGlobal(logger)

	logger.Info().
		Str("version", version).
		Str("config", configFile).
		Msg("Starting resettime")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

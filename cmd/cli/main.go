package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/app"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zerolog.Logger
	svc     *app.App
)

// annotationNeedsApp marks command groups that talk to the database
const annotationNeedsApp = "needs-app"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "download-service",
	Short: "Download Service CLI - package cache and generation queue administration",
	Long: `A CLI tool for administering the download service: applying the database
schema, maintaining the package cache, inspecting and reloading the generation
queue, and running a generation worker outside the HTTP server.`,
	SilenceUsage:       true,
	PersistentPreRunE:  persistentPreRun,
	PersistentPostRunE: persistentPostRun,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml or ./config.yaml)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		// Config is optional for some commands, don't fail here
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
	}
}

// persistentPreRun runs before each command and initializes dependencies
func persistentPreRun(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}

	var logCfg config.LoggingConfig
	if cfg != nil {
		logCfg = cfg.Logging
	}
	// CLI output is read by people unless json is asked for explicitly
	if logCfg.Format != "json" {
		logCfg.Format = "console"
	}
	logger = app.NewLogger(logCfg, "download-service-cli")

	if !needsApp(cmd) {
		return nil
	}
	if cfg == nil {
		return fmt.Errorf("config required for %s command but not loaded", cmd.CommandPath())
	}

	var err error
	svc, err = app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	logger.Debug().Msg("Database connected")
	return nil
}

func persistentPostRun(cmd *cobra.Command, args []string) error {
	if svc != nil {
		svc.Close()
		svc = nil
	}
	return nil
}

func needsApp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationNeedsApp] == "true" {
			return true
		}
	}
	return false
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

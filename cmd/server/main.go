package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atmx/race-engine/internal/config"
)

var (
	envFile string

	rootCmd = &cobra.Command{
		Use:           "race-engine",
		Short:         "Portfolio prediction race engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	var log *zap.Logger
	if cfg.LogLevel == "debug" {
		log, err = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if lvlErr := zc.Level.UnmarshalText([]byte(cfg.LogLevel)); lvlErr != nil {
			return nil, nil, lvlErr
		}
		log, err = zc.Build()
	}
	if err != nil {
		return nil, nil, err
	}
	return cfg, log.Named("race-engine"), nil
}

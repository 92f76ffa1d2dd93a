package main

import (
	"context"
	"fmt"
	"os"

	"autotrader/internal/cli"
	"autotrader/internal/config"
	"autotrader/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("AUTOTRADER_CONFIG_DIR"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "autotrader: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger()

	rootCmd := cli.NewRootCmd(cfg, logger)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

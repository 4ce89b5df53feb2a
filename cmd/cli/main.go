package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sejm-vote-scraper/internal/config"
	"sejm-vote-scraper/internal/pipeline"
	"sejm-vote-scraper/pkg/logger"
)

var (
	cfgPath  string
	jsonLogs bool

	cfg  *config.Config
	log  *logger.Logger
	pipe *pipeline.Pipeline
)

var rootCmd = &cobra.Command{
	Use:   "sejm",
	Short: "sejm collects how every MP voted in the Sejm and turns it into a numeric matrix.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if jsonLogs {
			if log, err = logger.NewJSON(); err != nil {
				return err
			}
		} else {
			log = logger.New()
		}
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return err
		}
		pipe, err = pipeline.New(cfg, log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a TOML config file (default ./sejm.toml if present)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log as JSON instead of console text")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

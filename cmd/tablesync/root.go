package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tablesync",
	Short: "Keep derived table fields in sync",
	Long:  `tablesync requests, tracks and caches derived-field computations of a remote table service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tablesync/config.yaml)")
	rootCmd.PersistentFlags().String("log_level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("remote.base_url", config.DefaultRemoteBaseURL, "table service base URL")
	rootCmd.PersistentFlags().String("remote.table_id", "", "table the derived fields belong to")
	rootCmd.PersistentFlags().String("daemon.state_path", "", "state directory (default is $HOME/.tablesync/state)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format (table, json, yaml)")
}

// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Command spindle is the CLI for the prompt-optimization engine: start
// and observe meta-evolution runs, sweep the golden set, drive code
// loops, and inspect operator statistics, recipes, and analytics.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/spindle/internal/log"
	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/core"
)

var (
	cfgFile string
	verbose bool

	// cfg is loaded by initConfig before any command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "spindle",
	Short: "Self-improving prompt-optimization engine",
	Long: `Spindle runs bounded budgets of prompt-recipe mutations, scores them
with a blended reward, and learns per task class which mutation
operators help, persisting promoted recipes for reuse. A golden set and
a gated code-loop close the learning cycle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default spindle.yaml in the data dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	_ = viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("logging.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spindle: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded
	log.Init(cfg.Logging.Verbose || verbose)
}

// newRuntime assembles the engine with the configured collaborators.
// Without external endpoints configured the offline collaborators serve
// local smoke runs and tests of the loop itself.
func newRuntime() (*core.CoreRuntime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return core.New(cfg, offlineCollaborators(), log.Named("core"))
}

func main() {
	defer func() { _ = log.Sync() }()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "spindle: %v\n", err)
		os.Exit(1)
	}
}

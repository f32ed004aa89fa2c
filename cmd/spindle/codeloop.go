// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/spindle/pkg/types"
)

var codeloopFlags struct {
	sourceRun int64
	dryRun    bool
}

var codeloopCmd = &cobra.Command{
	Use:   "codeloop",
	Short: "Run one gated criticize-edit-test-decide cycle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		mode := types.CodeLoopLive
		if codeloopFlags.dryRun {
			mode = types.CodeLoopDryRun
		}
		art, err := rt.RunCodeLoop(cmd.Context(), codeloopFlags.sourceRun, mode)
		if err != nil {
			return err
		}

		fmt.Printf("loop %s: %s\n", art.LoopID, art.Decision)
		if art.Reason != "" {
			fmt.Printf("  reason: %s\n", art.Reason)
		}
		fmt.Printf("  critic: %s %.2f -> %.2f\n", art.Critic.Target, art.Critic.Before, art.Critic.After)
		fmt.Printf("  golden: reward %.3f -> %.3f, pass rate %.2f -> %.2f\n",
			art.GoldenBefore.AvgTotalReward, art.GoldenAfter.AvgTotalReward,
			art.GoldenBefore.PassRate, art.GoldenAfter.PassRate)
		return nil
	},
}

func init() {
	codeloopCmd.Flags().Int64Var(&codeloopFlags.sourceRun, "run", 0, "source run id (required)")
	codeloopCmd.Flags().BoolVar(&codeloopFlags.dryRun, "dry-run", false, "validate the patch without applying it")
	_ = codeloopCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(codeloopCmd)
}

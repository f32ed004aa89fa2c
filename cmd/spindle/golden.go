// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var goldenSubset []string

var goldenCmd = &cobra.Command{
	Use:   "golden",
	Short: "Work with the deterministic golden set",
}

var goldenRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate the golden set and persist the aggregate",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		agg, err := rt.RunGolden(cmd.Context(), goldenSubset)
		if err != nil {
			return err
		}
		fmt.Printf("golden sweep: %d items, pass rate %.2f, avg reward %.3f, avg cost %.3f\n",
			agg.ItemCount, agg.PassRate, agg.AvgTotalReward, agg.AvgCostPenalty)
		for _, item := range agg.Items {
			status := "FAIL"
			if item.Passed {
				status = "PASS"
			}
			fmt.Printf("  %-24s %s reward=%.3f\n", item.ItemID, status, item.TotalReward)
		}
		return nil
	},
}

var goldenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the loaded golden items",
	RunE: func(_ *cobra.Command, _ []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		items := rt.GoldenItems()
		if len(items) == 0 {
			fmt.Printf("no golden items under %s\n", cfg.Golden.Dir)
			return nil
		}
		for _, item := range items {
			fmt.Printf("%-24s %-12s %s\n", item.ID, item.TaskType, item.TaskClass)
		}
		return nil
	},
}

func init() {
	goldenRunCmd.Flags().StringSliceVar(&goldenSubset, "subset", nil, "item ids to evaluate (default all)")
	goldenCmd.AddCommand(goldenRunCmd, goldenListCmd)
	rootCmd.AddCommand(goldenCmd)
}

// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statsTaskClass string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the operator leaderboard",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		stats, err := rt.ListOperatorStats(cmd.Context(), statsTaskClass)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("no operator statistics yet")
			return nil
		}

		fmt.Printf("%-24s %-16s %8s %12s %s\n", "TASK CLASS", "OPERATOR", "PULLS", "MEAN REWARD", "UPDATED")
		for _, st := range stats {
			fmt.Printf("%-24s %-16s %8d %12.3f %s\n",
				st.TaskClass, st.Operator, st.Pulls, st.MeanReward,
				time.Unix(st.LastUpdated, 0).Format(time.DateTime))
		}
		return nil
	},
}

var recipesTaskClass string

var recipesCmd = &cobra.Command{
	Use:   "recipes",
	Short: "List promoted recipes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		recipes, err := rt.ListRecipes(cmd.Context(), recipesTaskClass)
		if err != nil {
			return err
		}
		if len(recipes) == 0 {
			fmt.Println("no promoted recipes yet")
			return nil
		}

		fmt.Printf("%-6s %-24s %-8s %6s %10s %8s\n", "ID", "TASK CLASS", "STATE", "USES", "AVG SCORE", "DELTA")
		for _, rec := range recipes {
			fmt.Printf("%-6d %-24s %-8s %6d %10.3f %8.3f\n",
				rec.ID, rec.TaskClass, rec.Approved, rec.Uses, rec.AvgScore, rec.BaselineDelta)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsTaskClass, "task-class", "", "filter by task class")
	recipesCmd.Flags().StringVar(&recipesTaskClass, "task-class", "", "filter by task class")
	rootCmd.AddCommand(statsCmd, recipesCmd)
}

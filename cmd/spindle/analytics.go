// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var analyticsWindow string

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show the cached analytics snapshot for a window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		snap, err := rt.GetAnalyticsSnapshot(cmd.Context(), analyticsWindow)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	analyticsCmd.Flags().StringVar(&analyticsWindow, "window", "7d", "window: 7d, 30d, or all")
	rootCmd.AddCommand(analyticsCmd)
}

// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/teradata-labs/spindle/pkg/runner"
	"github.com/teradata-labs/spindle/pkg/types"
)

var runFlags struct {
	taskClass string
	task      string
	n         int
	strategy  string
	epsilon   float64
	memoryK   int
	ragK      int
	mask      []string
	seed      int64
	session   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start one meta-evolution run and stream its events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		mask, err := types.ParseFrameworks(runFlags.mask)
		if err != nil {
			return err
		}
		session := runFlags.session
		if session == "" {
			session = uuid.NewString()
		}

		run, err := rt.StartRun(cmd.Context(), runner.Params{
			SessionID:     session,
			TaskClass:     runFlags.taskClass,
			Task:          runFlags.task,
			N:             runFlags.n,
			Strategy:      types.Strategy(runFlags.strategy),
			Epsilon:       runFlags.epsilon,
			MemoryK:       runFlags.memoryK,
			RAGK:          runFlags.ragK,
			FrameworkMask: mask,
			Seed:          runFlags.seed,
		})
		if err != nil {
			return err
		}
		fmt.Printf("run %d started (n=%d, strategy=%s)\n", run.ID, run.NTotal, run.Strategy)

		stream, cancel, err := rt.SubscribeEvents(run.ID)
		if err != nil {
			return err
		}
		defer cancel()

		for ev := range stream {
			line, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Println(string(line))
		}

		final, err := rt.GetRun(context.Background(), run.ID)
		if err != nil {
			return err
		}
		if final.BestScore != nil {
			fmt.Printf("run %d %s: best %.3f (variant %d)\n",
				final.ID, final.Status, *final.BestScore, deref(final.BestVariantID))
		} else {
			fmt.Printf("run %d %s\n", final.ID, final.Status)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run_id>",
	Short: "Cancel an active run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		var runID int64
		if _, err := fmt.Sscan(args[0], &runID); err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}
		return rt.CancelRun(runID)
	},
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func init() {
	runCmd.Flags().StringVar(&runFlags.taskClass, "task-class", "", "task class for bandit statistics (required)")
	runCmd.Flags().StringVar(&runFlags.task, "task", "", "natural-language task (required)")
	runCmd.Flags().IntVar(&runFlags.n, "n", 0, "iteration budget (default from config)")
	runCmd.Flags().StringVar(&runFlags.strategy, "strategy", "", "bandit strategy: ucb1 or epsilon_greedy")
	runCmd.Flags().Float64Var(&runFlags.epsilon, "epsilon", -1, "exploration rate for epsilon_greedy (0 is pure exploitation; default from config)")
	runCmd.Flags().IntVar(&runFlags.memoryK, "memory-k", 0, "memory snippets per prompt")
	runCmd.Flags().IntVar(&runFlags.ragK, "rag-k", 0, "RAG snippets per prompt")
	runCmd.Flags().StringSliceVar(&runFlags.mask, "mask", nil, "framework mask (SEAL,WEB,ENGINE,SAMPLING)")
	runCmd.Flags().Int64Var(&runFlags.seed, "seed", 0, "PRNG seed for reproducibility")
	runCmd.Flags().StringVar(&runFlags.session, "session", "", "client session id (defaults to a fresh uuid)")
	_ = runCmd.MarkFlagRequired("task-class")
	_ = runCmd.MarkFlagRequired("task")

	rootCmd.AddCommand(runCmd, cancelCmd)
}

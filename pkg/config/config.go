// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config defines the typed configuration record for the spindle
// engine and its viper-backed loader. Every recognized key has a default;
// unknown strategies, negative budgets, and malformed weights are rejected
// by Validate before a runtime is constructed.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/teradata-labs/spindle/pkg/types"
)

// DefaultConfigFileName is the base name of the optional config file
// (spindle.yaml) searched in the data dir and the working directory.
const DefaultConfigFileName = "spindle"

// Config holds all engine configuration.
// Priority: CLI flags > config file > env vars > defaults.
type Config struct {
	// DataDir is computed from SPINDLE_DATA_DIR or ~/.spindle; it is not
	// read from the config file.
	DataDir string `mapstructure:"-"`

	Storage   StorageConfig   `mapstructure:"storage"`
	Run       RunConfig       `mapstructure:"run"`
	Bandit    BanditConfig    `mapstructure:"bandit"`
	Reward    RewardConfig    `mapstructure:"reward"`
	Promotion PromotionConfig `mapstructure:"promotion"`
	CodeLoop  CodeLoopConfig  `mapstructure:"codeloop"`
	EventBus  EventBusConfig  `mapstructure:"eventbus"`
	Golden    GoldenConfig    `mapstructure:"golden"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig locates the durable store.
type StorageConfig struct {
	// Path is the SQLite database path; ":memory:" for tests.
	Path string `mapstructure:"path"`
}

// RunConfig bounds one meta-evolution run.
type RunConfig struct {
	NDefault            int `mapstructure:"n_default"`
	TimeoutSeconds      int `mapstructure:"timeout_s"`
	GenerationTimeoutS  int `mapstructure:"generation_timeout_s"`
	JudgeTimeoutS       int `mapstructure:"judge_timeout_s"`
	MaxPerHourPerClient int `mapstructure:"max_per_hour_per_client"`
}

// BanditConfig selects and tunes the operator-selection policy.
type BanditConfig struct {
	Strategy string `mapstructure:"strategy"`
	// Epsilon < 0 means auto: 0.6 with stratified exploration off,
	// 0.3 with it on.
	Epsilon               float64 `mapstructure:"epsilon"`
	UCBC                  float64 `mapstructure:"ucb_c"`
	WarmStartMinPulls     int64   `mapstructure:"warm_start_min_pulls"`
	StratifiedExploration bool    `mapstructure:"stratified_exploration"`
}

// EffectiveEpsilon resolves the auto default.
func (b BanditConfig) EffectiveEpsilon() float64 {
	if b.Epsilon >= 0 {
		return b.Epsilon
	}
	if b.StratifiedExploration {
		return 0.3
	}
	return 0.6
}

// RewardConfig weights the reward blend and configures the judge protocol.
type RewardConfig struct {
	Alpha                       float64  `mapstructure:"alpha"`
	BetaProcess                 float64  `mapstructure:"beta_process"`
	GammaCost                   float64  `mapstructure:"gamma_cost"`
	AIWeight                    float64  `mapstructure:"ai_weight"`
	SemanticWeight              float64  `mapstructure:"semantic_weight"`
	JudgeDisagreementThreshold  float64  `mapstructure:"judge_disagreement_threshold"`
	JudgePool1                  []string `mapstructure:"judge_pool_1"`
	JudgePool2                  []string `mapstructure:"judge_pool_2"`
	JudgePool3                  []string `mapstructure:"judge_pool_3"`
	CostTimeWeight              float64  `mapstructure:"cost_time_weight"`
	CostToolWeight              float64  `mapstructure:"cost_tool_weight"`
	CostTokenWeight             float64  `mapstructure:"cost_token_weight"`
	CostBaselineWindow          int      `mapstructure:"cost_baseline_window"`
}

// PromotionConfig is the recipe promotion predicate.
type PromotionConfig struct {
	DeltaRewardMin      float64 `mapstructure:"delta_reward_min"`
	CostRatioMax        float64 `mapstructure:"cost_ratio_max"`
	AutoApproveDelta    float64 `mapstructure:"auto_approve_delta"`
	AutoApproveCostRate float64 `mapstructure:"auto_approve_cost_ratio"`
}

// CodeLoopConfig caps and gates the self-edit cycle.
type CodeLoopConfig struct {
	MaxPerHour           int     `mapstructure:"max_per_hour"`
	TimeoutSeconds       int     `mapstructure:"timeout_s"`
	MaxLOC               int     `mapstructure:"max_loc"`
	MaxPatches           int     `mapstructure:"max_patches"`
	MaxFiles             int     `mapstructure:"max_files"`
	GoldenPassRateTarget float64 `mapstructure:"golden_pass_rate_target"`
	Mode                 string  `mapstructure:"mode"`
}

// EventBusConfig bounds the per-run event queues.
type EventBusConfig struct {
	QueueSize           int `mapstructure:"queue_size"`
	KeepAliveIntervalS  int `mapstructure:"keep_alive_interval_s"`
	ReplayGraceSeconds  int `mapstructure:"replay_grace_s"`
}

// GoldenConfig locates and pins the golden set.
type GoldenConfig struct {
	Dir       string `mapstructure:"dir"`
	ModelID   string `mapstructure:"model_id"`
	RAGK      int    `mapstructure:"rag_k"`
	Schedule  string `mapstructure:"schedule"`
	HotReload bool   `mapstructure:"hot_reload"`
}

// AnalyticsConfig tunes the snapshot cache.
type AnalyticsConfig struct {
	SnapshotTTLSeconds int `mapstructure:"snapshot_ttl_s"`
}

// ServerConfig is the SSE endpoint address for the serve command.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Verbose bool `mapstructure:"verbose"`
}

// GetDataDir returns the spindle data directory, honoring SPINDLE_DATA_DIR.
func GetDataDir() string {
	if dir := os.Getenv("SPINDLE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".spindle"
	}
	return filepath.Join(home, ".spindle")
}

// Load reads configuration from the optional config file, environment
// variables (prefix SPINDLE), and defaults, in ascending priority below
// any flags already bound by the caller.
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(GetDataDir())
		viper.AddConfigPath(".")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// No config file: defaults + env + flags.
	}

	viper.SetEnvPrefix("SPINDLE")
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DataDir = GetDataDir()

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.DataDir, "spindle.db")
	}
	if cfg.Golden.Dir == "" {
		cfg.Golden.Dir = filepath.Join(cfg.DataDir, "golden")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching viper state.
func Default() *Config {
	return &Config{
		DataDir: GetDataDir(),
		Storage: StorageConfig{Path: filepath.Join(GetDataDir(), "spindle.db")},
		Run: RunConfig{
			NDefault:            16,
			TimeoutSeconds:      0,
			GenerationTimeoutS:  180,
			JudgeTimeoutS:       60,
			MaxPerHourPerClient: 30,
		},
		Bandit: BanditConfig{
			Strategy:              string(types.StrategyUCB1),
			Epsilon:               -1,
			UCBC:                  2.0,
			WarmStartMinPulls:     1,
			StratifiedExploration: true,
		},
		Reward: RewardConfig{
			Alpha:                      1.0,
			BetaProcess:                0.2,
			GammaCost:                  -0.0005,
			AIWeight:                   0.9,
			SemanticWeight:             0.1,
			JudgeDisagreementThreshold: 0.3,
			JudgePool1:                 []string{"judge-large-a", "judge-large-b", "judge-large-c"},
			JudgePool2:                 []string{"judge-mid-a", "judge-mid-b", "judge-mid-c"},
			JudgePool3:                 []string{"judge-arbiter-a", "judge-arbiter-b"},
			CostTimeWeight:             1.0,
			CostToolWeight:             1000.0,
			CostTokenWeight:            10.0,
			CostBaselineWindow:         20,
		},
		Promotion: PromotionConfig{
			DeltaRewardMin:      0.05,
			CostRatioMax:        0.9,
			AutoApproveDelta:    0.2,
			AutoApproveCostRate: 0.8,
		},
		CodeLoop: CodeLoopConfig{
			MaxPerHour:           3,
			TimeoutSeconds:       600,
			MaxLOC:               50,
			MaxPatches:           3,
			MaxFiles:             5,
			GoldenPassRateTarget: 0.80,
			Mode:                 string(types.CodeLoopLive),
		},
		EventBus: EventBusConfig{
			QueueSize:          256,
			KeepAliveIntervalS: 15,
			ReplayGraceSeconds: 60,
		},
		Golden: GoldenConfig{
			Dir:     filepath.Join(GetDataDir(), "golden"),
			ModelID: "golden-pinned-v1",
			RAGK:    3,
		},
		Analytics: AnalyticsConfig{SnapshotTTLSeconds: 60},
		Server:    ServerConfig{Addr: ":8787"},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Run.NDefault <= 0 {
		return &types.ConfigError{Field: "run.n_default", Reason: "must be positive"}
	}
	if c.Run.GenerationTimeoutS <= 0 {
		return &types.ConfigError{Field: "run.generation_timeout_s", Reason: "must be positive"}
	}
	if c.Run.JudgeTimeoutS <= 0 {
		return &types.ConfigError{Field: "run.judge_timeout_s", Reason: "must be positive"}
	}
	if !types.Strategy(c.Bandit.Strategy).Valid() {
		return &types.ConfigError{Field: "bandit.strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Bandit.Strategy)}
	}
	if c.Bandit.Epsilon > 1 {
		return &types.ConfigError{Field: "bandit.epsilon", Reason: "must be <= 1"}
	}
	if c.Bandit.UCBC < 0 {
		return &types.ConfigError{Field: "bandit.ucb_c", Reason: "must be >= 0"}
	}
	if c.Bandit.WarmStartMinPulls < 0 {
		return &types.ConfigError{Field: "bandit.warm_start_min_pulls", Reason: "must be >= 0"}
	}
	if c.Reward.AIWeight < 0 || c.Reward.SemanticWeight < 0 {
		return &types.ConfigError{Field: "reward.ai_weight", Reason: "blend weights must be >= 0"}
	}
	if sum := c.Reward.AIWeight + c.Reward.SemanticWeight; sum <= 0 {
		return &types.ConfigError{Field: "reward.ai_weight", Reason: "blend weights must sum above zero"}
	}
	if c.Reward.JudgeDisagreementThreshold < 0 {
		return &types.ConfigError{Field: "reward.judge_disagreement_threshold", Reason: "must be >= 0"}
	}
	if len(c.Reward.JudgePool1) == 0 || len(c.Reward.JudgePool2) == 0 {
		return &types.ConfigError{Field: "reward.judge_pool_1", Reason: "primary judge pools must not be empty"}
	}
	if c.Reward.CostBaselineWindow <= 0 {
		return &types.ConfigError{Field: "reward.cost_baseline_window", Reason: "must be positive"}
	}
	if c.Promotion.DeltaRewardMin < 0 || c.Promotion.AutoApproveDelta < c.Promotion.DeltaRewardMin {
		return &types.ConfigError{Field: "promotion.auto_approve_delta", Reason: "auto-approve delta must be >= delta_reward_min"}
	}
	if !types.CodeLoopMode(c.CodeLoop.Mode).Valid() {
		return &types.ConfigError{Field: "codeloop.mode", Reason: fmt.Sprintf("unknown mode %q", c.CodeLoop.Mode)}
	}
	if c.CodeLoop.MaxPerHour <= 0 {
		return &types.ConfigError{Field: "codeloop.max_per_hour", Reason: "must be positive"}
	}
	if c.CodeLoop.MaxLOC <= 0 || c.CodeLoop.MaxPatches <= 0 || c.CodeLoop.MaxFiles <= 0 {
		return &types.ConfigError{Field: "codeloop.max_loc", Reason: "patch caps must be positive"}
	}
	if c.CodeLoop.GoldenPassRateTarget < 0 || c.CodeLoop.GoldenPassRateTarget > 1 {
		return &types.ConfigError{Field: "codeloop.golden_pass_rate_target", Reason: "must be in [0,1]"}
	}
	if c.EventBus.QueueSize <= 0 {
		return &types.ConfigError{Field: "eventbus.queue_size", Reason: "must be positive"}
	}
	if c.EventBus.KeepAliveIntervalS <= 0 {
		return &types.ConfigError{Field: "eventbus.keep_alive_interval_s", Reason: "must be positive"}
	}
	if c.EventBus.ReplayGraceSeconds < 0 {
		return &types.ConfigError{Field: "eventbus.replay_grace_s", Reason: "must be >= 0"}
	}
	if c.Analytics.SnapshotTTLSeconds <= 0 {
		return &types.ConfigError{Field: "analytics.snapshot_ttl_s", Reason: "must be positive"}
	}
	return nil
}

// setDefaults registers every recognized key with viper.
func setDefaults() {
	d := Default()

	viper.SetDefault("storage.path", "")

	viper.SetDefault("run.n_default", d.Run.NDefault)
	viper.SetDefault("run.timeout_s", d.Run.TimeoutSeconds)
	viper.SetDefault("run.generation_timeout_s", d.Run.GenerationTimeoutS)
	viper.SetDefault("run.judge_timeout_s", d.Run.JudgeTimeoutS)
	viper.SetDefault("run.max_per_hour_per_client", d.Run.MaxPerHourPerClient)

	viper.SetDefault("bandit.strategy", d.Bandit.Strategy)
	viper.SetDefault("bandit.epsilon", d.Bandit.Epsilon)
	viper.SetDefault("bandit.ucb_c", d.Bandit.UCBC)
	viper.SetDefault("bandit.warm_start_min_pulls", d.Bandit.WarmStartMinPulls)
	viper.SetDefault("bandit.stratified_exploration", d.Bandit.StratifiedExploration)

	viper.SetDefault("reward.alpha", d.Reward.Alpha)
	viper.SetDefault("reward.beta_process", d.Reward.BetaProcess)
	viper.SetDefault("reward.gamma_cost", d.Reward.GammaCost)
	viper.SetDefault("reward.ai_weight", d.Reward.AIWeight)
	viper.SetDefault("reward.semantic_weight", d.Reward.SemanticWeight)
	viper.SetDefault("reward.judge_disagreement_threshold", d.Reward.JudgeDisagreementThreshold)
	viper.SetDefault("reward.judge_pool_1", d.Reward.JudgePool1)
	viper.SetDefault("reward.judge_pool_2", d.Reward.JudgePool2)
	viper.SetDefault("reward.judge_pool_3", d.Reward.JudgePool3)
	viper.SetDefault("reward.cost_time_weight", d.Reward.CostTimeWeight)
	viper.SetDefault("reward.cost_tool_weight", d.Reward.CostToolWeight)
	viper.SetDefault("reward.cost_token_weight", d.Reward.CostTokenWeight)
	viper.SetDefault("reward.cost_baseline_window", d.Reward.CostBaselineWindow)

	viper.SetDefault("promotion.delta_reward_min", d.Promotion.DeltaRewardMin)
	viper.SetDefault("promotion.cost_ratio_max", d.Promotion.CostRatioMax)
	viper.SetDefault("promotion.auto_approve_delta", d.Promotion.AutoApproveDelta)
	viper.SetDefault("promotion.auto_approve_cost_ratio", d.Promotion.AutoApproveCostRate)

	viper.SetDefault("codeloop.max_per_hour", d.CodeLoop.MaxPerHour)
	viper.SetDefault("codeloop.timeout_s", d.CodeLoop.TimeoutSeconds)
	viper.SetDefault("codeloop.max_loc", d.CodeLoop.MaxLOC)
	viper.SetDefault("codeloop.max_patches", d.CodeLoop.MaxPatches)
	viper.SetDefault("codeloop.max_files", d.CodeLoop.MaxFiles)
	viper.SetDefault("codeloop.golden_pass_rate_target", d.CodeLoop.GoldenPassRateTarget)
	viper.SetDefault("codeloop.mode", d.CodeLoop.Mode)

	viper.SetDefault("eventbus.queue_size", d.EventBus.QueueSize)
	viper.SetDefault("eventbus.keep_alive_interval_s", d.EventBus.KeepAliveIntervalS)
	viper.SetDefault("eventbus.replay_grace_s", d.EventBus.ReplayGraceSeconds)

	viper.SetDefault("golden.dir", "")
	viper.SetDefault("golden.model_id", d.Golden.ModelID)
	viper.SetDefault("golden.rag_k", d.Golden.RAGK)
	viper.SetDefault("golden.schedule", "")
	viper.SetDefault("golden.hot_reload", false)

	viper.SetDefault("analytics.snapshot_ttl_s", d.Analytics.SnapshotTTLSeconds)

	viper.SetDefault("server.addr", d.Server.Addr)

	viper.SetDefault("logging.verbose", false)
}

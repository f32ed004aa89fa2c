// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package runner drives one meta-evolution run: select an operator,
// build a recipe, generate, score, persist, publish events. Iterations
// run sequentially within a run; the job manager schedules runs
// concurrently on independent goroutines. Cancellation is cooperative:
// the runner checks its context between iteration steps and flushes the
// in-flight variant when scoring already completed.
package runner

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/spindle/pkg/bandit"
	"github.com/teradata-labs/spindle/pkg/config"
	"github.com/teradata-labs/spindle/pkg/events"
	"github.com/teradata-labs/spindle/pkg/operators"
	"github.com/teradata-labs/spindle/pkg/reward"
	"github.com/teradata-labs/spindle/pkg/store"
	"github.com/teradata-labs/spindle/pkg/types"
)

// BaselineOperator tags iteration zero, which replays the seed recipe
// unmutated to establish the run's baseline score. It is not a bandit arm.
const BaselineOperator = "baseline"

// EngineSet maps recipe engine flags to generation backends. A flag with
// no backend falls back to the local engine.
type EngineSet map[string]types.Engine

// For resolves an engine flag to a backend.
func (e EngineSet) For(flag string) types.Engine {
	if eng, ok := e[flag]; ok {
		return eng
	}
	return e[types.EngineLocal]
}

// Retrievers bundles the snippet collaborators an iteration may consult.
// Any of them may be nil; the corresponding prompt section is then empty.
type Retrievers struct {
	Memory types.Retriever
	RAG    types.Retriever
	Web    types.Retriever
}

// Params are the validated inputs of one run.
type Params struct {
	SessionID string
	TaskClass string
	Task      string
	N         int
	Strategy  types.Strategy
	// Epsilon < 0 means unset: the bandit config's default applies. An
	// explicit 0 runs epsilon-greedy as pure exploitation.
	Epsilon       float64
	MemoryK       int
	RAGK          int
	FrameworkMask []types.Framework
	// Seed pins every PRNG the run owns; zero draws one from the clock.
	Seed int64
}

// Runner executes meta-evolution runs. Safe for concurrent use; all
// per-run state lives on the stack of Execute.
type Runner struct {
	cfg        *config.Config
	store      *store.Store
	bus        *events.Bus
	model      *reward.Model
	engines    EngineSet
	retrievers Retrievers
	logger     *zap.Logger
}

// New wires a runner to its collaborators.
func New(cfg *config.Config, st *store.Store, bus *events.Bus, model *reward.Model, engines EngineSet, retrievers Retrievers, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		model:      model,
		engines:    engines,
		retrievers: retrievers,
		logger:     logger,
	}
}

// Prepare validates run parameters, creates the run row, and registers its
// event queue. Invalid parameters fail here, before anything is persisted.
func (r *Runner) Prepare(ctx context.Context, p Params) (*types.Run, error) {
	if p.Task == "" {
		return nil, &types.ConfigError{Field: "task", Reason: "must not be empty"}
	}
	if p.TaskClass == "" {
		return nil, &types.ConfigError{Field: "task_class", Reason: "must not be empty"}
	}
	if p.N < 0 {
		return nil, &types.ConfigError{Field: "n", Reason: "must be positive"}
	}
	if p.N == 0 {
		p.N = r.cfg.Run.NDefault
	}
	if p.Strategy == "" {
		p.Strategy = types.Strategy(r.cfg.Bandit.Strategy)
	}
	if !p.Strategy.Valid() {
		return nil, &types.ConfigError{Field: "strategy", Reason: "unknown strategy " + string(p.Strategy)}
	}
	if p.Epsilon > 1 {
		return nil, &types.ConfigError{Field: "epsilon", Reason: "must be in [0,1]"}
	}
	if p.Epsilon < 0 {
		p.Epsilon = -1
	}
	if len(p.FrameworkMask) == 0 {
		p.FrameworkMask = types.AllFrameworks()
	}
	if len(operators.Allowed(p.FrameworkMask)) == 0 {
		return nil, &types.ConfigError{Field: "framework_mask", Reason: "mask allows no operators"}
	}
	if p.Seed == 0 {
		p.Seed = time.Now().UnixNano()
	}

	run := &types.Run{
		SessionID:     p.SessionID,
		TaskClass:     p.TaskClass,
		Task:          p.Task,
		NTotal:        p.N,
		Strategy:      p.Strategy,
		Epsilon:       p.Epsilon,
		FrameworkMask: p.FrameworkMask,
		MemoryK:       p.MemoryK,
		RAGK:          p.RAGK,
		Seed:          p.Seed,
		Status:        types.RunStatusRunning,
	}
	if _, err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	r.bus.Register(run.ID)
	return run, nil
}

// runState is the mutable per-run bookkeeping of Execute.
type runState struct {
	run      *types.Run
	rng      *rand.Rand
	selector *bandit.Selector
	allowed  []bandit.Candidate

	baseRecipe   types.Recipe
	seedRecipeID int64

	baselineScore   float64
	baselinePenalty float64
	haveBaseline    bool

	bestScore     float64
	bestVariantID int64
	bestPenalty   float64
	haveBest      bool

	judgeAnnounced bool
	saved          int
}

// Execute runs the iteration loop to completion. The context carries
// cancellation and the optional run timeout; Execute always leaves the run
// in a terminal state and always emits a terminal event.
func (r *Runner) Execute(ctx context.Context, run *types.Run) {
	logger := r.logger.With(zap.Int64("run_id", run.ID), zap.String("task_class", run.TaskClass))

	st := &runState{
		run: run,
		rng: rand.New(rand.NewSource(run.Seed)),
	}

	banditCfg := r.cfg.Bandit
	banditCfg.Strategy = string(run.Strategy)
	if run.Epsilon >= 0 {
		banditCfg.Epsilon = run.Epsilon
	}
	st.selector = bandit.New(banditCfg, st.rng, logger)

	for _, op := range operators.Allowed(run.FrameworkMask) {
		st.allowed = append(st.allowed, bandit.Candidate{Name: op.Name, Framework: op.Framework})
	}

	r.seedBaseRecipe(ctx, st, logger)

	for i := 0; i < run.NTotal; i++ {
		if done := r.checkCancelled(ctx, st, i, logger); done {
			return
		}
		if fatal := r.iterate(ctx, st, i, logger); fatal != nil {
			if errors.Is(fatal, errExecuteDone) {
				return
			}
			r.finish(st, types.RunStatusError, fatal.Error())
			return
		}
	}

	r.promote(context.WithoutCancel(ctx), st, logger)
	r.finish(st, types.RunStatusComplete, "")
}

// seedBaseRecipe loads the best approved recipe for the task class, or the
// system default when the class has never promoted one.
func (r *Runner) seedBaseRecipe(ctx context.Context, st *runState, logger *zap.Logger) {
	st.baseRecipe = operators.DefaultRecipe()
	rec, err := r.store.BestRecipe(ctx, st.run.TaskClass)
	if err != nil {
		logger.Warn("failed to load seed recipe, using default", zap.Error(err))
		return
	}
	if rec != nil {
		st.baseRecipe = rec.Recipe
		st.seedRecipeID = rec.ID
		logger.Info("seeding run from promoted recipe", zap.Int64("recipe_id", rec.ID))
	}
}

// checkCancelled observes the cooperative cancellation flag between
// iteration steps. Returns true when the run was terminated here.
func (r *Runner) checkCancelled(ctx context.Context, st *runState, i int, logger *zap.Logger) bool {
	if ctx.Err() == nil {
		return false
	}
	reason := "cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "timeout"
	}
	logger.Info("run cancelled", zap.Int("iteration", i), zap.String("reason", reason))
	r.finishCancelled(st, reason)
	return true
}

// iterate runs one full iteration. A non-nil return is fatal to the run
// (exhausted storage retries); collaborator failures are recorded as
// iter_error and the loop continues.
func (r *Runner) iterate(ctx context.Context, st *runState, i int, logger *zap.Logger) error {
	run := st.run

	operatorName, recipe, err := r.selectAndBuild(ctx, st, i)
	if err != nil {
		r.iterError(st, i, operatorName, err)
		return nil
	}
	r.publish(st, events.KindIterSelected, map[string]any{"i": i, "operator": operatorName})

	if ctx.Err() != nil {
		r.iterError(st, i, operatorName, types.ErrCancelled)
		r.finishCancelled(st, cancelReason(ctx))
		return errExecuteDone
	}

	// Generation.
	r.publish(st, events.KindIterGenStart, map[string]any{"i": i, "operator": operatorName})
	prompt := operators.BuildPrompt(recipe, run.Task, r.retrieve(ctx, recipe, run.Task, logger))
	genResult, genErr := r.generate(ctx, recipe, run.Task, prompt)
	if genErr != nil {
		// No reward observation: the bandit arm stays untouched.
		logger.Warn("generation failed", zap.Int("iteration", i), zap.Error(genErr))
		r.iterError(st, i, operatorName, genErr)
		return nil
	}
	r.publish(st, events.KindIterGenDone, map[string]any{
		"i":             i,
		"operator":      operatorName,
		"duration_ms":   genResult.DurationMS,
		"prompt_length": genResult.PromptLength,
	})

	if ctx.Err() != nil {
		r.iterError(st, i, operatorName, types.ErrCancelled)
		r.finishCancelled(st, cancelReason(ctx))
		return errExecuteDone
	}

	// Scoring. The write path below runs on a detached context so a
	// completed score is still flushed after cancellation.
	r.publish(st, events.KindIterScoreStart, map[string]any{"i": i, "operator": operatorName})
	scored, scoreErr := r.score(ctx, st, run, prompt, genResult)
	if scoreErr != nil {
		logger.Warn("scoring failed", zap.Int("iteration", i), zap.Error(scoreErr))
		r.iterError(st, i, operatorName, scoreErr)
		return nil
	}
	r.publish(st, events.KindIterScoreDone, map[string]any{
		"i":            i,
		"operator":     operatorName,
		"total_reward": scored.Breakdown.Total,
		"reward_breakdown": map[string]any{
			"outcome":      scored.Breakdown.Outcome,
			"process":      scored.Breakdown.Process,
			"cost_penalty": scored.Breakdown.CostPenalty,
		},
		"judge_info": judgePayload(scored.JudgeInfo),
	})
	if !st.judgeAnnounced {
		st.judgeAnnounced = true
		r.publish(st, events.KindJudge, map[string]any{
			"i":    i,
			"pair": scored.JudgeInfo.PairKey,
		})
	}

	return r.persist(context.WithoutCancel(ctx), st, i, operatorName, recipe, prompt, genResult, scored, logger)
}

// errExecuteDone signals that iterate already emitted the terminal event.
var errExecuteDone = errors.New("run already terminated")

// selectAndBuild chooses the iteration's operator and applies it to the
// base recipe. Iteration zero replays the seed recipe as the baseline.
func (r *Runner) selectAndBuild(ctx context.Context, st *runState, i int) (string, types.Recipe, error) {
	if i == 0 {
		return BaselineOperator, st.baseRecipe.Clone(), nil
	}

	names := make([]string, len(st.allowed))
	for j, c := range st.allowed {
		names[j] = c.Name
	}
	snapshot, err := r.store.ArmSnapshot(ctx, st.run.NormalizedTaskClass, names)
	if err != nil {
		return "", types.Recipe{}, err
	}
	name, err := st.selector.Select(st.allowed, snapshot)
	if err != nil {
		return "", types.Recipe{}, err
	}
	op, ok := operators.Lookup(name)
	if !ok {
		return name, types.Recipe{}, &types.ConfigError{Field: "operator", Reason: "unknown operator " + name}
	}
	opCtx := &operators.Context{
		RNG:       st.rng,
		TaskClass: st.run.TaskClass,
		MemoryK:   st.run.MemoryK,
		RAGK:      st.run.RAGK,
	}
	return name, op.Apply(st.baseRecipe, opCtx), nil
}

// retrieve gathers the snippets the recipe asks for. Retrieval failures
// degrade to empty sections; they never fail the iteration.
func (r *Runner) retrieve(ctx context.Context, recipe types.Recipe, task string, logger *zap.Logger) operators.Retrieved {
	var out operators.Retrieved
	fetch := func(name string, ret types.Retriever, k int) []string {
		if ret == nil || k <= 0 {
			return nil
		}
		snippets, err := ret.Retrieve(ctx, task, k)
		if err != nil {
			logger.Warn("retrieval failed", zap.String("retriever", name), zap.Error(err))
			return nil
		}
		return snippets
	}
	out.Memory = fetch("memory", r.retrievers.Memory, recipe.MemoryK)
	out.RAG = fetch("rag", r.retrievers.RAG, recipe.RAGK)
	if recipe.UseWeb {
		out.Web = fetch("web", r.retrievers.Web, 3)
	}
	return out
}

// generate calls the engine backend under the generation deadline.
func (r *Runner) generate(ctx context.Context, recipe types.Recipe, task, prompt string) (*types.GenerationResult, error) {
	engine := r.engines.For(recipe.Engine)
	if engine == nil {
		return nil, &types.CollaboratorError{Collaborator: "engine", Err: errors.New("no engine configured for flag " + recipe.Engine)}
	}
	gctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.Run.GenerationTimeoutS)*time.Second)
	defer cancel()

	start := time.Now()
	result, err := engine.Generate(gctx, types.GenerationRequest{
		Task:   task,
		Prompt: prompt,
		Recipe: recipe,
	})
	if err != nil {
		return nil, &types.CollaboratorError{
			Collaborator: "engine",
			Timeout:      errors.Is(err, context.DeadlineExceeded),
			Err:          err,
		}
	}
	if result.DurationMS == 0 {
		result.DurationMS = time.Since(start).Milliseconds()
	}
	if result.PromptLength == 0 {
		result.PromptLength = len([]rune(prompt))
	}
	return result, nil
}

// score runs the reward model against the iteration output.
func (r *Runner) score(ctx context.Context, st *runState, run *types.Run, prompt string, gen *types.GenerationResult) (*reward.Result, error) {
	baseline, _, err := r.store.GetCostBaseline(ctx, run.TaskClass)
	if err != nil {
		return nil, err
	}
	tuning, err := r.store.GetTuning(ctx)
	if err != nil {
		return nil, err
	}
	return r.model.Score(ctx, reward.Input{
		Task:           run.Task,
		Output:         gen.Output,
		Prompt:         prompt,
		DurationMS:     gen.DurationMS,
		ToolCalls:      gen.ToolCalls,
		TokensEstimate: gen.TokensEstimate,
		BaselineCost:   baseline,
		Tuning:         *tuning,
		RNG:            st.rng,
	})
}

// persist writes the variant, folds the cost baseline, updates the bandit
// arm, and advances the run's best. Storage failures after retries are
// fatal: the run transitions to error and no partial arm update survives.
func (r *Runner) persist(ctx context.Context, st *runState, i int, operatorName string, recipe types.Recipe, prompt string, gen *types.GenerationResult, scored *reward.Result, logger *zap.Logger) error {
	run := st.run
	variant := &types.Variant{
		RunID:          run.ID,
		IterationIndex: i,
		Operator:       operatorName,
		Recipe:         recipe,
		PromptLength:   len([]rune(prompt)),
		Output:         gen.Output,
		EngineID:       gen.EngineID,
		DurationMS:     gen.DurationMS,
		OutcomeReward:  scored.Breakdown.Outcome,
		ProcessReward:  scored.Breakdown.Process,
		CostPenalty:    scored.Breakdown.CostPenalty,
		TotalReward:    scored.Breakdown.Total,
		JudgeInfo:      scored.JudgeInfo,
	}
	if _, err := r.store.SaveVariant(ctx, variant); err != nil {
		var storageErr *types.StorageError
		if errors.As(err, &storageErr) {
			return err
		}
		logger.Warn("variant rejected", zap.Int("iteration", i), zap.Error(err))
		r.iterError(st, i, operatorName, err)
		return nil
	}
	st.saved++

	if err := r.store.UpdateCostBaseline(ctx, run.TaskClass, scored.BlendedCost, r.cfg.Reward.CostBaselineWindow); err != nil {
		logger.Warn("cost baseline update failed", zap.Error(err))
	}

	if i == 0 {
		st.baselineScore = scored.Breakdown.Total
		st.baselinePenalty = scored.Breakdown.CostPenalty
		st.haveBaseline = true
		if err := r.store.SetBaseline(ctx, run.ID, st.baselineScore); err != nil {
			logger.Warn("baseline write failed", zap.Error(err))
		}
	} else {
		if err := r.store.UpdateOperatorStat(ctx, run.NormalizedTaskClass, operatorName, scored.Breakdown.Total); err != nil {
			var storageErr *types.StorageError
			if errors.As(err, &storageErr) {
				return err
			}
			logger.Warn("arm update failed", zap.Error(err))
		}
	}

	if !st.haveBest || scored.Breakdown.Total > st.bestScore {
		st.bestScore = scored.Breakdown.Total
		st.bestVariantID = variant.ID
		st.bestPenalty = scored.Breakdown.CostPenalty
		st.haveBest = true
		if err := r.store.UpdateBest(ctx, run.ID, variant.ID, st.bestScore); err != nil {
			logger.Warn("best update failed", zap.Error(err))
		}
	}

	r.publish(st, events.KindIterSaved, map[string]any{
		"i":          i,
		"operator":   operatorName,
		"variant_id": variant.ID,
	})
	return nil
}

// promote applies the promotion predicate to the run's best variant at
// completion. A best that beats baseline by delta_reward_min is stored;
// the cost leg decides between auto and pending approval.
func (r *Runner) promote(ctx context.Context, st *runState, logger *zap.Logger) {
	if !st.haveBest || !st.haveBaseline || st.bestVariantID == 0 {
		return
	}
	if st.seedRecipeID != 0 {
		if err := r.store.TouchRecipeUse(ctx, st.seedRecipeID, st.bestScore); err != nil {
			logger.Warn("seed recipe bookkeeping failed", zap.Error(err))
		}
	}

	delta := st.bestScore - st.baselineScore
	if delta < r.cfg.Promotion.DeltaRewardMin {
		return
	}
	// Penalties are cost/baseline - 1, so ratio+1 recovers the relative
	// cost of each variant against the class baseline. Two routes to auto
	// approval: the cost leg alone, or a delta large enough to clear the
	// stricter auto-approve pair.
	costRatio := (st.bestPenalty + 1) / (st.baselinePenalty + 1)
	approved := types.ApprovalPending
	if costRatio <= r.cfg.Promotion.CostRatioMax ||
		(delta >= r.cfg.Promotion.AutoApproveDelta && costRatio <= r.cfg.Promotion.AutoApproveCostRate) {
		approved = types.ApprovalAuto
	}

	rec, err := r.store.PromoteRecipe(ctx, store.PromotionRequest{
		VariantID:     st.bestVariantID,
		BaselineDelta: delta,
		CostRatio:     costRatio,
		Approved:      approved,
	})
	var conflict *types.PromotionConflictError
	switch {
	case errors.As(err, &conflict):
		logger.Info("promotion conflict, recipe kept as stored", zap.Int64("variant_id", st.bestVariantID))
	case err != nil:
		logger.Warn("promotion failed", zap.Error(err))
	default:
		logger.Info("recipe promoted",
			zap.Int64("recipe_id", rec.ID),
			zap.Float64("delta", delta),
			zap.String("approved", string(rec.Approved)))
	}
}

// iterError records a non-fatal iteration failure. The run continues.
func (r *Runner) iterError(st *runState, i int, operatorName string, err error) {
	payload := map[string]any{"i": i, "reason": err.Error()}
	if operatorName != "" {
		payload["operator"] = operatorName
	}
	if errors.Is(err, types.ErrCancelled) {
		payload["reason"] = "cancelled"
	}
	r.publish(st, events.KindIterError, payload)
}

func cancelReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return "cancelled"
}

// finishCancelled terminates the run with done{status=cancelled}.
func (r *Runner) finishCancelled(st *runState, reason string) {
	ctx := context.WithoutCancel(context.Background())
	if err := r.store.FinishRun(ctx, st.run.ID, types.RunStatusCancelled, reason); err != nil {
		r.logger.Error("failed to finish cancelled run", zap.Int64("run_id", st.run.ID), zap.Error(err))
	}
	payload := map[string]any{"status": string(types.RunStatusCancelled), "reason": reason}
	r.attachBest(st, payload)
	r.publish(st, events.KindDone, payload)
}

// finish terminates the run and emits the matching terminal event.
func (r *Runner) finish(st *runState, status types.RunStatus, errMsg string) {
	ctx := context.Background()
	if err := r.store.FinishRun(ctx, st.run.ID, status, errMsg); err != nil {
		r.logger.Error("failed to finish run", zap.Int64("run_id", st.run.ID), zap.Error(err))
	}
	if status == types.RunStatusError {
		r.publish(st, events.KindError, map[string]any{
			"status": string(status),
			"reason": errMsg,
		})
		return
	}
	payload := map[string]any{"status": string(status)}
	r.attachBest(st, payload)
	r.publish(st, events.KindDone, payload)
}

func (r *Runner) attachBest(st *runState, payload map[string]any) {
	if st.haveBest {
		payload["best_score"] = st.bestScore
		payload["best_variant_id"] = st.bestVariantID
	}
}

func (r *Runner) publish(st *runState, kind events.Kind, payload map[string]any) {
	r.bus.Publish(st.run.ID, kind, payload)
}

// judgePayload flattens judge info for the score event.
func judgePayload(info types.JudgeInfo) map[string]any {
	judges := make([]any, 0, len(info.Judges))
	for _, j := range info.Judges {
		judges = append(judges, map[string]any{
			"model": j.Model,
			"score": j.Score,
		})
	}
	out := map[string]any{
		"judges":           judges,
		"tie_breaker_used": info.TieBreakerUsed,
		"final_score":      info.FinalScore,
	}
	if info.TieBreaker != nil {
		out["tie_breaker"] = map[string]any{
			"model": info.TieBreaker.Model,
			"score": info.TieBreaker.Score,
		}
	}
	return out
}

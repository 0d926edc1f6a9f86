package evolution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/obs"
)

// DataStore is the scoped JSON key-value store the engine persists
// generations, logs, and params through. Its methods are a subset of
// pluginmanager.DataStore's (it has no GetAllJSON); the storage
// package's Redis-backed store satisfies both. Declared locally per Go's accept-interfaces
// convention — evolution has no reason to import pluginmanager.
type DataStore interface {
	SetJSON(ctx context.Context, pluginID, key string, value any) error
	GetJSON(ctx context.Context, pluginID, key string, out any) (bool, error)
	IncrementCounter(ctx context.Context, pluginID, key string) (int64, error)
}

// Engine tracks fitness and drives generation transitions for every
// agent it evaluates. One Engine instance serves the whole kernel;
// agent_id scopes every storage key.
type Engine struct {
	store DataStore
	log   *zap.Logger
}

// New builds an Engine over the given scoped data store.
func New(store DataStore, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, log: log}
}

// ── Storage key helpers ──

func keyGeneration(agentID string, n uint64) string {
	return fmt.Sprintf("evolution:%s:generation:%d", agentID, n)
}
func keyLatest(agentID string) string          { return fmt.Sprintf("evolution:%s:generation:latest", agentID) }
func keyFitnessLog(agentID string) string      { return fmt.Sprintf("evolution:%s:fitness_log", agentID) }
func keyRollbackHistory(agentID string) string { return fmt.Sprintf("evolution:%s:rollback_history", agentID) }
func keyParams(agentID string) string          { return fmt.Sprintf("evolution:%s:params", agentID) }
func keyGracePeriod(agentID string) string     { return fmt.Sprintf("evolution:%s:grace_period", agentID) }
func keyInteractionCount(agentID string) string {
	return fmt.Sprintf("evolution:%s:interaction_count", agentID)
}
func keyLatestFitness(agentID string) string { return fmt.Sprintf("evolution:%s:latest_fitness", agentID) }

// ── Parameter management ──

func (e *Engine) GetParams(ctx context.Context, agentID string) (EvolutionParams, error) {
	var p EvolutionParams
	ok, err := e.store.GetJSON(ctx, EvolutionStoreID, keyParams(agentID), &p)
	if err != nil {
		return EvolutionParams{}, fmt.Errorf("evolution: get params: %w", err)
	}
	if !ok {
		return DefaultEvolutionParams(), nil
	}
	return p, nil
}

func (e *Engine) SetParams(ctx context.Context, agentID string, params EvolutionParams) error {
	return e.store.SetJSON(ctx, EvolutionStoreID, keyParams(agentID), params)
}

// ── Interaction tracking ──

func (e *Engine) GetInteractionCount(ctx context.Context, agentID string) (uint64, error) {
	var n uint64
	ok, err := e.store.GetJSON(ctx, EvolutionStoreID, keyInteractionCount(agentID), &n)
	if err != nil {
		return 0, fmt.Errorf("evolution: get interaction count: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return n, nil
}

func (e *Engine) incrementInteraction(ctx context.Context, agentID string) (uint64, error) {
	n, err := e.store.IncrementCounter(ctx, EvolutionStoreID, keyInteractionCount(agentID))
	if err != nil {
		return 0, fmt.Errorf("evolution: increment interaction: %w", err)
	}
	return uint64(n), nil
}

// ── Generation management ──

func (e *Engine) GetLatestGeneration(ctx context.Context, agentID string) (uint64, error) {
	var n uint64
	ok, err := e.store.GetJSON(ctx, EvolutionStoreID, keyLatest(agentID), &n)
	if err != nil {
		return 0, fmt.Errorf("evolution: get latest generation: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return n, nil
}

func (e *Engine) GetGeneration(ctx context.Context, agentID string, n uint64) (*GenerationRecord, error) {
	var rec GenerationRecord
	ok, err := e.store.GetJSON(ctx, EvolutionStoreID, keyGeneration(agentID, n), &rec)
	if err != nil {
		return nil, fmt.Errorf("evolution: get generation %d: %w", n, err)
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// GetGenerationHistory returns up to limit generations, most recent
// first. Sequential per-key lookups, acceptable given typical
// generation counts (under a few hundred per agent).
func (e *Engine) GetGenerationHistory(ctx context.Context, agentID string, limit int) ([]GenerationRecord, error) {
	latest, err := e.GetLatestGeneration(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, nil
	}

	start := uint64(1)
	if latest > uint64(limit) {
		start = latest - uint64(limit) + 1
	}

	var records []GenerationRecord
	for n := latest; n >= start; n-- {
		rec, err := e.GetGeneration(ctx, agentID, n)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
		if n == 0 {
			break
		}
	}
	return records, nil
}

func (e *Engine) createGeneration(
	ctx context.Context,
	agentID string,
	trigger GenerationTrigger,
	scores FitnessScores,
	fitness, fitnessDelta float64,
	delta map[string]float64,
	interactionsSinceLast uint64,
	snapshot AgentSnapshot,
) (*GenerationRecord, error) {
	newGen, err := e.store.IncrementCounter(ctx, EvolutionStoreID, keyLatest(agentID))
	if err != nil {
		return nil, fmt.Errorf("evolution: increment generation counter: %w", err)
	}

	record := GenerationRecord{
		Generation:            uint64(newGen),
		Trigger:               trigger,
		Timestamp:             time.Now().UTC(),
		InteractionsSinceLast: interactionsSinceLast,
		Scores:                scores,
		Delta:                 delta,
		Fitness:               fitness,
		FitnessDelta:          fitnessDelta,
		Snapshot:              snapshot,
	}

	if err := e.store.SetJSON(ctx, EvolutionStoreID, keyGeneration(agentID, record.Generation), record); err != nil {
		return nil, fmt.Errorf("evolution: store generation: %w", err)
	}

	e.log.Info("new evolution generation",
		zap.String("agent_id", agentID), zap.Uint64("generation", record.Generation),
		zap.String("trigger", string(trigger)), zap.Float64("fitness", fitness))

	return &record, nil
}

// ── Fitness log ──

func (e *Engine) getFitnessLog(ctx context.Context, agentID string) ([]FitnessLogEntry, error) {
	var log []FitnessLogEntry
	ok, err := e.store.GetJSON(ctx, EvolutionStoreID, keyFitnessLog(agentID), &log)
	if err != nil {
		return nil, fmt.Errorf("evolution: get fitness log: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return log, nil
}

// appendFitnessLog appends entry, bounds the log at MaxFitnessLogEntries,
// caches the latest entry for O(1) reads, and returns the full log.
func (e *Engine) appendFitnessLog(ctx context.Context, agentID string, entry FitnessLogEntry) ([]FitnessLogEntry, error) {
	log, err := e.getFitnessLog(ctx, agentID)
	if err != nil {
		return nil, err
	}
	log = append(log, entry)
	if len(log) > MaxFitnessLogEntries {
		log = log[len(log)-MaxFitnessLogEntries:]
	}

	if err := e.store.SetJSON(ctx, EvolutionStoreID, keyFitnessLog(agentID), log); err != nil {
		return nil, fmt.Errorf("evolution: store fitness log: %w", err)
	}
	if err := e.store.SetJSON(ctx, EvolutionStoreID, keyLatestFitness(agentID), log[len(log)-1]); err != nil {
		return nil, fmt.Errorf("evolution: cache latest fitness: %w", err)
	}
	return log, nil
}

func (e *Engine) getLatestFitness(ctx context.Context, agentID string) (float64, error) {
	var cached FitnessLogEntry
	ok, err := e.store.GetJSON(ctx, EvolutionStoreID, keyLatestFitness(agentID), &cached)
	if err == nil && ok {
		return cached.Fitness, nil
	}
	log, err := e.getFitnessLog(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Fitness, nil
}

// ── Grace period ──

func (e *Engine) GetGracePeriod(ctx context.Context, agentID string) (*GracePeriodState, error) {
	var state GracePeriodState
	ok, err := e.store.GetJSON(ctx, EvolutionStoreID, keyGracePeriod(agentID), &state)
	if err != nil {
		return nil, fmt.Errorf("evolution: get grace period: %w", err)
	}
	if !ok || !state.Active {
		return nil, nil
	}
	return &state, nil
}

func (e *Engine) startGracePeriod(ctx context.Context, agentID string, graceInteractions uint64, currentFitness float64, affectedAxis string) error {
	count, err := e.GetInteractionCount(ctx, agentID)
	if err != nil {
		return err
	}
	state := GracePeriodState{
		Active:              true,
		StartedAt:           time.Now().UTC(),
		InteractionsAtStart: count,
		GraceInteractions:   graceInteractions,
		FitnessAtStart:      currentFitness,
		AffectedAxis:        affectedAxis,
	}
	return e.store.SetJSON(ctx, EvolutionStoreID, keyGracePeriod(agentID), state)
}

func (e *Engine) cancelGracePeriod(ctx context.Context, agentID string) error {
	return e.store.SetJSON(ctx, EvolutionStoreID, keyGracePeriod(agentID), GracePeriodState{})
}

// ── Rollback history ──

func (e *Engine) GetRollbackHistory(ctx context.Context, agentID string) ([]RollbackRecord, error) {
	var history []RollbackRecord
	ok, err := e.store.GetJSON(ctx, EvolutionStoreID, keyRollbackHistory(agentID), &history)
	if err != nil {
		return nil, fmt.Errorf("evolution: get rollback history: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return history, nil
}

func (e *Engine) appendRollbackRecord(ctx context.Context, agentID string, record RollbackRecord) error {
	history, err := e.GetRollbackHistory(ctx, agentID)
	if err != nil {
		return err
	}
	history = append(history, record)
	if len(history) > MaxRollbackHistoryEntries {
		history = history[len(history)-MaxRollbackHistoryEntries:]
	}
	return e.store.SetJSON(ctx, EvolutionStoreID, keyRollbackHistory(agentID), history)
}

func (e *Engine) rollbackCountToGen(ctx context.Context, agentID string, targetGen uint64) (uint32, error) {
	history, err := e.GetRollbackHistory(ctx, agentID)
	if err != nil {
		return 0, err
	}
	var count uint32
	for _, r := range history {
		if r.ToGeneration == targetGen {
			count++
		}
	}
	return count, nil
}

// ── Rollback execution ──

// ExecuteRollback walks downward from toGeneration, cascading to an
// earlier generation whenever the target has already been rolled back
// to MaxRollbacksPerTarget times or its record is missing, emitting an
// EvolutionBreach if every generation is exhausted. On success it
// records the rollback, restores the target generation's scores as a
// fresh Regression-triggered generation, and cancels any active grace
// period (spec §4.5's cascading rollback).
func (e *Engine) ExecuteRollback(ctx context.Context, agentID string, toGeneration uint64, reason string) ([]events.EventData, error) {
	fromGen, err := e.GetLatestGeneration(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var out []events.EventData
	targetGen := toGeneration

	var targetRecord *GenerationRecord
	var rollbackCount uint32
	for {
		count, err := e.rollbackCountToGen(ctx, agentID, targetGen)
		if err != nil {
			return nil, err
		}
		if count >= MaxRollbacksPerTarget {
			e.log.Warn("max rollbacks reached for target generation, cascading",
				zap.String("agent_id", agentID), zap.Uint64("target_gen", targetGen))
			if targetGen > 1 {
				targetGen--
				continue
			}
			e.log.Error("all generations exhausted, agent must be stopped", zap.String("agent_id", agentID))
			out = append(out, events.EvolutionBreach{AgentID: agentID, ViolationType: "rollback_exhausted"})
			return out, nil
		}

		rec, err := e.GetGeneration(ctx, agentID, targetGen)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			targetRecord, rollbackCount = rec, count
			break
		}
		e.log.Error("rollback target generation not found, cascading",
			zap.String("agent_id", agentID), zap.Uint64("target_gen", targetGen))
		if targetGen > 1 {
			targetGen--
			continue
		}
		out = append(out, events.EvolutionBreach{AgentID: agentID, ViolationType: "rollback_target_missing"})
		return out, nil
	}

	e.log.Info("executing evolution rollback",
		zap.String("agent_id", agentID), zap.Uint64("from_gen", fromGen), zap.Uint64("to_gen", targetGen))

	if err := e.appendRollbackRecord(ctx, agentID, RollbackRecord{
		Timestamp: time.Now().UTC(), FromGeneration: fromGen, ToGeneration: targetGen,
		Reason: reason, RollbackCountToTarget: rollbackCount + 1,
	}); err != nil {
		return nil, err
	}

	out = append(out, events.EvolutionRollback{AgentID: agentID, FromGeneration: fromGen, ToGeneration: targetGen, Reason: reason})

	params, err := e.GetParams(ctx, agentID)
	if err != nil {
		return nil, err
	}
	restoredFitness := CalculateFitness(targetRecord.Scores, params.Weights)
	latestFitness, err := e.getLatestFitness(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if _, err := e.createGeneration(ctx, agentID, TriggerRegression, targetRecord.Scores, restoredFitness,
		restoredFitness-latestFitness, map[string]float64{}, 0, targetRecord.Snapshot); err != nil {
		return nil, err
	}

	if err := e.cancelGracePeriod(ctx, agentID); err != nil {
		return nil, err
	}

	return out, nil
}

// ── Status ──

// GetStatus assembles the operator-facing read model. The three reads
// with no interdependency — latest fitness, active grace period, and
// rollback history length — run concurrently via errgroup; everything
// downstream of currentGen (the generation record, the fitness log,
// interactions-since-last-gen) has a real dependency chain and stays
// sequential.
func (e *Engine) GetStatus(ctx context.Context, agentID string) (EvolutionStatus, error) {
	currentGen, err := e.GetLatestGeneration(ctx, agentID)
	if err != nil {
		return EvolutionStatus{}, err
	}
	totalInteractions, err := e.GetInteractionCount(ctx, agentID)
	if err != nil {
		return EvolutionStatus{}, err
	}

	var fitness float64
	var grace *GracePeriodState
	var rollbacks []RollbackRecord

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fitness, err = e.getLatestFitness(gctx, agentID)
		return err
	})
	g.Go(func() error {
		var err error
		grace, err = e.GetGracePeriod(gctx, agentID)
		return err
	})
	g.Go(func() error {
		var err error
		rollbacks, err = e.GetRollbackHistory(gctx, agentID)
		return err
	})
	if err := g.Wait(); err != nil {
		return EvolutionStatus{}, err
	}

	var genRecord *GenerationRecord
	if currentGen > 0 {
		genRecord, err = e.GetGeneration(ctx, agentID, currentGen)
		if err != nil {
			return EvolutionStatus{}, err
		}
	}

	log, err := e.getFitnessLog(ctx, agentID)
	if err != nil {
		return EvolutionStatus{}, err
	}

	var interactionsSinceLastGen uint64
	if genRecord != nil {
		for _, entry := range log {
			if entry.Timestamp.After(genRecord.Timestamp) {
				interactionsSinceLastGen++
			}
		}
	} else {
		interactionsSinceLastGen = totalInteractions
	}

	trendWindow := log
	if len(trendWindow) > 10 {
		trendWindow = trendWindow[len(trendWindow)-10:]
	}
	trend := "stable"
	if len(trendWindow) >= 2 {
		diff := trendWindow[len(trendWindow)-1].Fitness - trendWindow[0].Fitness
		if diff > 0.01 {
			trend = "improving"
		} else if diff < -0.01 {
			trend = "declining"
		}
	}

	scores := FitnessScores{Safety: 1.0}
	if genRecord != nil {
		scores = genRecord.Scores
	}

	return EvolutionStatus{
		AgentID:                  agentID,
		CurrentGeneration:        currentGen,
		Fitness:                  fitness,
		Scores:                   scores,
		InteractionCount:         totalInteractions,
		InteractionsSinceLastGen: interactionsSinceLastGen,
		Trend:                    trend,
		GracePeriod:              grace,
		RollbackCount:            len(rollbacks),
		AutonomyLevel:            scores.Autonomy.String(),
		TopAxes:                  scores.AxisRanking(),
	}, nil
}

// ── Main evaluation entry point ──

// Evaluate is called after every scored interaction. It logs the
// sample, resolves a generation trigger (if any) per spec §4.5's
// priority rules, drives the corresponding handler, and returns the
// events the caller should publish onto the bus.
func (e *Engine) Evaluate(ctx context.Context, agentID string, scores FitnessScores, snapshot AgentSnapshot) (out []events.EventData, err error) {
	ctx, span := obs.StartEvolutionSpan(ctx, agentID)
	defer func() {
		if err != nil {
			obs.RecordError(ctx, err)
		} else {
			obs.SetSpanSuccess(ctx)
		}
		span.End()
	}()

	params, err := e.GetParams(ctx, agentID)
	if err != nil {
		return nil, err
	}
	interactionCount, err := e.incrementInteraction(ctx, agentID)
	if err != nil {
		return nil, err
	}
	currentFitness := CalculateFitness(scores, params.Weights)

	log, err := e.appendFitnessLog(ctx, agentID, FitnessLogEntry{
		Timestamp: time.Now().UTC(), InteractionCount: interactionCount, Scores: scores, Fitness: currentFitness,
	})
	if err != nil {
		return nil, err
	}

	if len(log) < 2 {
		latestGen, err := e.GetLatestGeneration(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if latestGen == 0 {
			record, err := e.createGeneration(ctx, agentID, TriggerEvolution, scores, currentFitness, 0, map[string]float64{}, 0, snapshot)
			if err != nil {
				return nil, err
			}
			out = append(out, events.EvolutionGeneration{AgentID: agentID, Generation: record.Generation, Trigger: string(record.Trigger)})
		}
		return out, nil
	}

	previous := log[len(log)-2]
	previousFitness := previous.Fitness
	previousScores := previous.Scores

	if grace, err := e.GetGracePeriod(ctx, agentID); err != nil {
		return nil, err
	} else if grace != nil {
		elapsed := interactionCount - grace.InteractionsAtStart
		switch {
		case currentFitness >= grace.FitnessAtStart:
			e.log.Info("grace period: fitness recovered, cancelling", zap.String("agent_id", agentID))
			if err := e.cancelGracePeriod(ctx, agentID); err != nil {
				return nil, err
			}
		case elapsed >= grace.GraceInteractions:
			e.log.Warn("grace period expired, triggering rollback", zap.String("agent_id", agentID))
			latestGen, err := e.GetLatestGeneration(ctx, agentID)
			if err != nil {
				return nil, err
			}
			target := latestGen - 1
			if latestGen <= 1 {
				target = 1
			}
			rollbackEvents, err := e.ExecuteRollback(ctx, agentID, target, fmt.Sprintf("grace period expired for %s axis", grace.AffectedAxis))
			if err != nil {
				return nil, err
			}
			return append(out, rollbackEvents...), nil
		default:
			remaining := grace.GraceInteractions - elapsed
			out = append(out, events.EvolutionWarning{AgentID: agentID, Remaining: remaining})
		}
	}

	latestGen, err := e.GetLatestGeneration(ctx, agentID)
	if err != nil {
		return nil, err
	}
	lastGenRecord, err := e.GetGeneration(ctx, agentID, latestGen)
	if err != nil {
		return nil, err
	}
	var interactionsSinceLastGen uint64
	if lastGenRecord != nil {
		for _, entry := range log {
			if entry.Timestamp.After(lastGenRecord.Timestamp) {
				interactionsSinceLastGen++
			}
		}
	} else {
		interactionsSinceLastGen = interactionCount
	}

	metricTrigger := CheckTriggers(currentFitness, previousFitness, scores, previousScores, params, interactionsSinceLastGen)

	var capabilityChanges []CapabilityChange
	if lastGenRecord != nil {
		capabilityChanges = DetectCapabilityGain(lastGenRecord.Snapshot, snapshot)
	}

	trigger := resolveTrigger(metricTrigger, capabilityChanges, interactionsSinceLastGen, params.MinInteractions)

	if trigger != "" {
		var handlerEvents []events.EventData
		var err error
		switch trigger {
		case TriggerSafetyBreach:
			handlerEvents, err = e.handleSafetyBreach(ctx, agentID, latestGen)
		case TriggerRegression:
			handlerEvents, err = e.handleRegression(ctx, agentID, scores, previousScores, currentFitness, previousFitness, params, interactionsSinceLastGen, snapshot, latestGen)
		case TriggerEvolution, TriggerAutonomyUpgrade, TriggerCapabilityGain:
			handlerEvents, err = e.handlePositiveTrigger(ctx, agentID, trigger, scores, previousScores, currentFitness, previousFitness, interactionsSinceLastGen, snapshot)
		case TriggerRebalance:
			handlerEvents, err = e.handleRebalance(ctx, agentID, scores, previousScores, currentFitness, previousFitness, interactionsSinceLastGen, snapshot)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, handlerEvents...)
	}

	for _, change := range capabilityChanges {
		kind := "minor"
		if change.IsMajor {
			kind = "major"
		}
		for _, cap := range change.Capabilities {
			out = append(out, events.EvolutionCapability{
				AgentID: agentID, PluginID: change.PluginID,
				Capability: fmt.Sprintf("%s:%s", kind, cap),
			})
		}
	}

	return out, nil
}

// resolveTrigger applies spec §4.5's priority rules: defensive metric
// triggers always win; a growth metric trigger alongside a structural
// capability change is reported as CapabilityGain (higher explanatory
// value); a capability change with no metric trigger becomes
// CapabilityGain only once the debounce floor is satisfied; otherwise
// the metric trigger (possibly none) stands.
func resolveTrigger(metric GenerationTrigger, capabilityChanges []CapabilityChange, interactionsSinceLastGen, minInteractions uint64) GenerationTrigger {
	if metric == TriggerSafetyBreach || metric == TriggerRegression {
		return metric
	}
	if len(capabilityChanges) > 0 {
		if metric != "" {
			return TriggerCapabilityGain
		}
		if interactionsSinceLastGen >= minInteractions {
			return TriggerCapabilityGain
		}
	}
	return metric
}

// ── Trigger handlers ──

func (e *Engine) handleSafetyBreach(ctx context.Context, agentID string, latestGen uint64) ([]events.EventData, error) {
	out := []events.EventData{events.EvolutionBreach{AgentID: agentID, ViolationType: "safety_gate_zero"}}
	switch {
	case latestGen > 1:
		rollbackEvents, err := e.ExecuteRollback(ctx, agentID, latestGen-1, "safety breach detected")
		if err != nil {
			return nil, err
		}
		out = append(out, rollbackEvents...)
	case latestGen == 1:
		e.log.Warn("safety breach on generation 1, no earlier generation available", zap.String("agent_id", agentID))
	default:
		e.log.Warn("safety breach on generation 0, no rollback target exists", zap.String("agent_id", agentID))
	}
	return out, nil
}

func (e *Engine) handleRegression(
	ctx context.Context, agentID string, scores, previousScores FitnessScores,
	currentFitness, previousFitness float64, params EvolutionParams,
	interactionsSinceLastGen uint64, snapshot AgentSnapshot, latestGen uint64,
) ([]events.EventData, error) {
	deltaF := currentFitness - previousFitness
	severity := RegressionSeverityFor(deltaF, previousFitness, params)

	var out []events.EventData
	switch severity {
	case RegressionSevere:
		e.log.Warn("severe regression, immediate rollback", zap.String("agent_id", agentID), zap.Float64("delta", deltaF))
		if latestGen > 1 {
			rollbackEvents, err := e.ExecuteRollback(ctx, agentID, latestGen-1, "severe regression detected")
			if err != nil {
				return nil, err
			}
			out = append(out, rollbackEvents...)
		} else if latestGen == 1 {
			e.log.Warn("severe regression on generation 1, no earlier generation available", zap.String("agent_id", agentID))
		}

	case RegressionMild:
		graceLen := GracePeriodLength(interactionsSinceLastGen, params.Gamma, params.MinInteractions)
		affectedAxis := worstAxis(ComputeDelta(scores, previousScores))

		if err := e.startGracePeriod(ctx, agentID, graceLen, currentFitness, affectedAxis); err != nil {
			return nil, err
		}
		out = append(out, events.EvolutionWarning{AgentID: agentID, Remaining: graceLen})

		delta := ComputeDelta(scores, previousScores)
		record, err := e.createGeneration(ctx, agentID, TriggerRegression, scores, currentFitness,
			currentFitness-previousFitness, delta, interactionsSinceLastGen, snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, events.EvolutionGeneration{AgentID: agentID, Generation: record.Generation, Trigger: string(record.Trigger)})

	case RegressionNone:
	}
	return out, nil
}

// worstAxis returns the axis with the most negative delta, "unknown"
// if nothing changed.
func worstAxis(delta map[string]float64) string {
	if len(delta) == 0 {
		return "unknown"
	}
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic iteration before the min-scan
	worst := keys[0]
	for _, k := range keys[1:] {
		if delta[k] < delta[worst] {
			worst = k
		}
	}
	return worst
}

func (e *Engine) handlePositiveTrigger(
	ctx context.Context, agentID string, trigger GenerationTrigger, scores, previousScores FitnessScores,
	currentFitness, previousFitness float64, interactionsSinceLastGen uint64, snapshot AgentSnapshot,
) ([]events.EventData, error) {
	if err := e.cancelGracePeriod(ctx, agentID); err != nil {
		return nil, err
	}
	delta := ComputeDelta(scores, previousScores)
	record, err := e.createGeneration(ctx, agentID, trigger, scores, currentFitness,
		currentFitness-previousFitness, delta, interactionsSinceLastGen, snapshot)
	if err != nil {
		return nil, err
	}
	return []events.EventData{events.EvolutionGeneration{AgentID: agentID, Generation: record.Generation, Trigger: string(record.Trigger)}}, nil
}

// handleRebalance re-derives the shifted axes (check_triggers only
// reports the trigger kind, not which axes moved) to attach them to
// the EvolutionRebalance event.
func (e *Engine) handleRebalance(
	ctx context.Context, agentID string, scores, previousScores FitnessScores,
	currentFitness, previousFitness float64, interactionsSinceLastGen uint64, snapshot AgentSnapshot,
) ([]events.EventData, error) {
	shifted := DetectRebalance(scores, previousScores)
	delta := ComputeDelta(scores, previousScores)
	record, err := e.createGeneration(ctx, agentID, TriggerRebalance, scores, currentFitness,
		currentFitness-previousFitness, delta, interactionsSinceLastGen, snapshot)
	if err != nil {
		return nil, err
	}
	return []events.EventData{
		events.EvolutionRebalance{AgentID: agentID, ShiftedAxes: shifted},
		events.EvolutionGeneration{AgentID: agentID, Generation: record.Generation, Trigger: string(record.Trigger)},
	}, nil
}

// OnInteraction is the lightweight per-interaction hook: it checks
// grace-period expiry only, without incrementing the interaction
// counter (Evaluate owns that) or recomputing scores. Used by callers
// that observe an interaction but have no fresh FitnessScores yet.
func (e *Engine) OnInteraction(ctx context.Context, agentID string) ([]events.EventData, error) {
	interactionCount, err := e.GetInteractionCount(ctx, agentID)
	if err != nil {
		return nil, err
	}

	grace, err := e.GetGracePeriod(ctx, agentID)
	if err != nil || grace == nil {
		return nil, err
	}

	elapsed := interactionCount - grace.InteractionsAtStart
	if elapsed >= grace.GraceInteractions {
		e.log.Warn("grace period expired during interaction, triggering rollback", zap.String("agent_id", agentID))
		latestGen, err := e.GetLatestGeneration(ctx, agentID)
		if err != nil {
			return nil, err
		}
		target := latestGen - 1
		if latestGen <= 1 {
			target = 1
		}
		return e.ExecuteRollback(ctx, agentID, target, fmt.Sprintf("grace period expired for %s axis", grace.AffectedAxis))
	}

	remaining := grace.GraceInteractions - elapsed
	return []events.EventData{events.EvolutionWarning{AgentID: agentID, Remaining: remaining}}, nil
}

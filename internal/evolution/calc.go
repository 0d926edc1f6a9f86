package evolution

import "math"

// deltaThreshold is the minimum per-axis change considered
// significant for ComputeDelta; chosen well above
// float64 epsilon because sub-1e-6 score drift isn't practically
// meaningful for evolution tracking.
const deltaThreshold = 1e-6

// CalculateFitness applies the SafetyGate and weighted sum: fitness is
// zero whenever safety drops below 1.0, otherwise it's the clamped
// weighted sum of all five axes (safety contributes its full weight).
func CalculateFitness(scores FitnessScores, weights FitnessWeights) float64 {
	if scores.Safety < 1.0 {
		return 0.0
	}
	sum := weights.Cognitive*scores.Cognitive +
		weights.Behavioral*scores.Behavioral +
		weights.Safety*scores.Safety +
		weights.Autonomy*scores.Autonomy.Normalized() +
		weights.MetaLearning*scores.MetaLearning
	return clamp01(sum)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ComputeDelta returns the per-axis change between two score sets,
// keyed by axis name, omitting axes that didn't meaningfully change.
func ComputeDelta(current, previous FitnessScores) map[string]float64 {
	delta := make(map[string]float64, 4)
	dCog := current.Cognitive - previous.Cognitive
	dBeh := current.Behavioral - previous.Behavioral
	dAut := current.Autonomy.Normalized() - previous.Autonomy.Normalized()
	dMet := current.MetaLearning - previous.MetaLearning

	if math.Abs(dCog) > deltaThreshold {
		delta["cognitive"] = dCog
	}
	if math.Abs(dBeh) > deltaThreshold {
		delta["behavioral"] = dBeh
	}
	if math.Abs(dAut) > deltaThreshold {
		delta["autonomy"] = dAut
	}
	if math.Abs(dMet) > deltaThreshold {
		delta["meta_learning"] = dMet
	}
	return delta
}

// DetectRebalance compares the axis ranking of two score sets and
// returns the axis names whose rank position shifted.
func DetectRebalance(current, previous FitnessScores) []string {
	currRank := current.AxisRanking()
	prevRank := previous.AxisRanking()

	var shifted []string
	for i, c := range currRank {
		if i >= len(prevRank) {
			break
		}
		if c.Name != prevRank[i].Name {
			shifted = append(shifted, c.Name)
		}
	}
	return shifted
}

// CheckTriggers is the metric-based half of trigger detection (spec
// §4.5). It is pure: structural (plugin/capability) changes are
// detected separately by DetectCapabilityGain and merged by the
// engine's priority rules. Returns "" when no metric threshold fires.
func CheckTriggers(
	currentFitness, previousFitness float64,
	currentScores, previousScores FitnessScores,
	params EvolutionParams,
	interactionsSinceLastGen uint64,
) GenerationTrigger {
	// Safety breach always triggers, bypasses debounce.
	if currentScores.Safety < 1.0 {
		return TriggerSafetyBreach
	}

	// Debounce: require a minimum number of interactions since the
	// last generation, except for the safety breach above.
	if interactionsSinceLastGen < params.MinInteractions {
		return ""
	}

	deltaF := currentFitness - previousFitness
	thetaGrowth := math.Max(params.ThetaMin, params.Alpha*previousFitness)
	thetaRegression := math.Max(params.ThetaMin, params.Beta*previousFitness)

	if deltaF <= -thetaRegression {
		return TriggerRegression
	}
	if currentScores.Autonomy > previousScores.Autonomy {
		return TriggerAutonomyUpgrade
	}
	if len(DetectRebalance(currentScores, previousScores)) > 0 {
		return TriggerRebalance
	}
	if deltaF >= thetaGrowth {
		return TriggerEvolution
	}
	return ""
}

// DetectCapabilityGain compares two generation snapshots' active
// plugins and capability sets, returning one CapabilityChange per
// newly-activated plugin. Asymmetric by design: only gains are
// detected here, losses show up indirectly as a Regression once the
// corresponding fitness drop is observed.
func DetectCapabilityGain(prev, curr AgentSnapshot) []CapabilityChange {
	if len(prev.PluginCapabilities) == 0 && len(curr.PluginCapabilities) == 0 {
		return nil
	}

	prevPlugins := make(map[string]struct{}, len(prev.ActivePlugins))
	for _, p := range prev.ActivePlugins {
		prevPlugins[p] = struct{}{}
	}

	var newPlugins []string
	for _, p := range curr.ActivePlugins {
		if _, ok := prevPlugins[p]; !ok {
			newPlugins = append(newPlugins, p)
		}
	}
	if len(newPlugins) == 0 {
		return nil
	}

	prevCaps := make(map[string]struct{})
	for _, caps := range prev.PluginCapabilities {
		for _, c := range caps {
			prevCaps[c] = struct{}{}
		}
	}

	changes := make([]CapabilityChange, 0, len(newPlugins))
	for _, pluginID := range newPlugins {
		caps := curr.PluginCapabilities[pluginID]
		isMajor := false
		for _, c := range caps {
			if _, ok := prevCaps[c]; !ok {
				isMajor = true
				break
			}
		}
		changes = append(changes, CapabilityChange{PluginID: pluginID, Capabilities: caps, IsMajor: isMajor})
	}
	return changes
}

// RegressionSeverityFor classifies a fitness drop as none/mild/severe
// against the same relative threshold CheckTriggers uses for
// regression, doubled for the severe boundary.
func RegressionSeverityFor(deltaF, previousFitness float64, params EvolutionParams) RegressionSeverity {
	thetaRegression := math.Max(params.ThetaMin, params.Beta*previousFitness)
	absDelta := math.Abs(deltaF)

	switch {
	case absDelta >= 2.0*thetaRegression:
		return RegressionSevere
	case absDelta >= thetaRegression:
		return RegressionMild
	default:
		return RegressionNone
	}
}

// GracePeriodLength computes how many interactions a mild regression's
// recovery window lasts, floored at minInteractions.
func GracePeriodLength(interactionsInLastGen uint64, gamma float64, minInteractions uint64) uint64 {
	raw := gamma * float64(interactionsInLastGen)
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw < 0 {
		return minInteractions
	}
	grace := uint64(math.Round(raw))
	if grace < minInteractions {
		return minInteractions
	}
	return grace
}

// ComputeBehavioralScore: 0.4*response_rate + 0.3*permission_precision
// + 0.3*error_avoidance.
func ComputeBehavioralScore(m InteractionMetrics) float64 {
	total := float64(m.TotalInteractions)
	if total < 1 {
		total = 1
	}
	responseRate := float64(m.ThoughtResponses) / total

	var permissionPrecision float64
	if m.PermissionsRequested > 0 {
		permissionPrecision = float64(m.PermissionsApproved) / float64(m.PermissionsRequested)
	} else {
		permissionPrecision = 1.0 // nothing requested, nothing mishandled
	}

	errorAvoidance := 1.0 - float64(m.Errors)/total

	return 0.4*responseRate + 0.3*permissionPrecision + 0.3*errorAvoidance
}

// ComputeSafetyScore is the binary safety gate input: 0 on any
// recorded violation, 1 otherwise.
func ComputeSafetyScore(m InteractionMetrics) float64 {
	if m.SafetyViolation {
		return 0.0
	}
	return 1.0
}

// ComputeAutonomyLevel derives the L0-L5 level from the ratio of
// human interventions to total interactions.
func ComputeAutonomyLevel(m InteractionMetrics) AutonomyLevel {
	total := float64(m.TotalInteractions)
	if total < 1 {
		total = 1
	}
	ratio := float64(m.HumanInterventions) / total

	switch {
	case ratio >= 0.8:
		return AutonomyL0
	case ratio >= 0.6:
		return AutonomyL1
	case ratio >= 0.4:
		return AutonomyL2
	case ratio >= 0.2:
		return AutonomyL3
	case ratio >= 0.05:
		return AutonomyL4
	default:
		return AutonomyL5
	}
}

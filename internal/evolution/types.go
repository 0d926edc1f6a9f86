// Package evolution implements the fitness-tracking and rollback
// system: every agent accrues a 5-axis fitness score across
// generations, transitions are triggered by safety breaches,
// regressions, capability gains, autonomy upgrades, or plain growth,
// and a persistent safety violation or repeated regression rolls the
// agent back to an earlier generation (spec §4.5).
//
// Grounded on original_source's evolution/types.rs and evolution/engine.rs
// (a Rust actor built around a PluginDataStore abstraction); adapted to
// the kernel's pluginmanager.DataStore-shaped storage interface and to
// Go's struct-plus-type-switch event modeling in internal/events.
package evolution

import "time"

// EvolutionStoreID is the plugin_id under which all evolution data is
// scoped in the kernel's shared data store. Evolution data belongs to
// the kernel itself, not to any single plugin.
const EvolutionStoreID = "core.evolution"

// Bounds on unbounded-looking collections (spec §4.5, §6).
const (
	MaxRollbacksPerTarget     = 3
	MaxFitnessLogEntries      = 10000
	MaxRollbackHistoryEntries = 100
)

// AutonomyLevel is the L0-L5 human-intervention ladder (spec §4.5).
type AutonomyLevel int

const (
	AutonomyL0 AutonomyLevel = iota
	AutonomyL1
	AutonomyL2
	AutonomyL3
	AutonomyL4
	AutonomyL5
)

// Normalized maps the level onto [0.0, 1.0] for the fitness formula.
func (a AutonomyLevel) Normalized() float64 { return float64(a) / 5.0 }

// FromNormalizedAutonomy rounds a normalized value back to the nearest
// level. Non-finite, negative, or out-of-range values fall back to L0.
func FromNormalizedAutonomy(v float64) AutonomyLevel {
	if v != v || v < 0 || v > 1 { // v != v catches NaN without importing math here
		return AutonomyL0
	}
	switch l := int(v*5 + 0.5); {
	case l <= 0:
		return AutonomyL0
	case l >= 5:
		return AutonomyL5
	default:
		return AutonomyLevel(l)
	}
}

func (a AutonomyLevel) String() string {
	switch a {
	case AutonomyL0:
		return "L0"
	case AutonomyL1:
		return "L1"
	case AutonomyL2:
		return "L2"
	case AutonomyL3:
		return "L3"
	case AutonomyL4:
		return "L4"
	case AutonomyL5:
		return "L5"
	default:
		return "L0"
	}
}

// FitnessScores is the 5-axis score set for one evaluation.
type FitnessScores struct {
	Cognitive    float64
	Behavioral   float64
	Safety       float64 // binary gate: 1.0 == no violation, < 1.0 == breach
	Autonomy     AutonomyLevel
	MetaLearning float64
}

// AxisScore names one non-safety axis and its normalized value, used
// by AxisRanking and the rebalance detector.
type AxisScore struct {
	Name  string
	Value float64
}

// AxisRanking sorts the four non-safety axes descending by value, with
// an alphabetical tiebreaker for determinism. Safety is excluded: it's
// a binary gate, not a gradient score.
func (s FitnessScores) AxisRanking() []AxisScore {
	axes := []AxisScore{
		{"autonomy", s.Autonomy.Normalized()},
		{"behavioral", s.Behavioral},
		{"cognitive", s.Cognitive},
		{"meta_learning", s.MetaLearning},
	}
	for i := 1; i < len(axes); i++ {
		for j := i; j > 0; j-- {
			a, b := axes[j-1], axes[j]
			if a.Value < b.Value || (a.Value == b.Value && a.Name > b.Name) {
				axes[j-1], axes[j] = axes[j], axes[j-1]
				continue
			}
			break
		}
	}
	return axes
}

// FitnessWeights are the per-axis weights in the fitness formula,
// operator-tunable but expected to sum to ~1.0.
type FitnessWeights struct {
	Cognitive    float64
	Behavioral   float64
	Safety       float64
	Autonomy     float64
	MetaLearning float64
}

// DefaultFitnessWeights matches config.Evolution's defaults.
func DefaultFitnessWeights() FitnessWeights {
	return FitnessWeights{
		Cognitive:    0.25,
		Behavioral:   0.25,
		Safety:       0.20,
		Autonomy:     0.15,
		MetaLearning: 0.15,
	}
}

// EvolutionParams tunes generation-transition sensitivity per agent.
type EvolutionParams struct {
	Alpha           float64 // growth threshold scale
	Beta            float64 // regression threshold scale
	ThetaMin        float64 // absolute floor for both thresholds
	Gamma           float64 // grace-period length scale
	MinInteractions uint64  // debounce floor between generations
	Weights         FitnessWeights
}

// DefaultEvolutionParams matches config.Evolution's defaults.
func DefaultEvolutionParams() EvolutionParams {
	return EvolutionParams{
		Alpha:           0.10,
		Beta:            0.05,
		ThetaMin:        0.02,
		Gamma:           0.25,
		MinInteractions: 10,
		Weights:         DefaultFitnessWeights(),
	}
}

// GenerationTrigger names why a generation boundary was created.
//
// Priority order when multiple conditions hold (highest first):
//  1. SafetyBreach   — defensive, unconditional, bypasses debounce
//  2. Regression     — defensive
//  3. CapabilityGain — structural: new plugin or capability observed
//  4. AutonomyUpgrade
//  5. Rebalance
//  6. Evolution      — default positive growth
type GenerationTrigger string

const (
	TriggerEvolution      GenerationTrigger = "evolution"
	TriggerRegression     GenerationTrigger = "regression"
	TriggerRebalance      GenerationTrigger = "rebalance"
	TriggerSafetyBreach   GenerationTrigger = "safety_breach"
	TriggerCapabilityGain GenerationTrigger = "capability_gain"
	TriggerAutonomyUpgrade GenerationTrigger = "autonomy_upgrade"
)

// AgentSnapshot captures an agent's full configuration at a generation
// boundary, restored verbatim on rollback.
type AgentSnapshot struct {
	ActivePlugins       []string
	PluginCapabilities  map[string][]string // plugin_id -> capability names
	PersonalityHash     string
	StrategyParams      map[string]any
}

// GenerationRecord is one persisted generation boundary.
type GenerationRecord struct {
	Generation            uint64
	Trigger               GenerationTrigger
	Timestamp             time.Time
	InteractionsSinceLast uint64
	Scores                FitnessScores
	Delta                 map[string]float64
	Fitness               float64
	FitnessDelta          float64
	Snapshot              AgentSnapshot
}

// FitnessLogEntry is one time-series sample, appended on every Evaluate.
type FitnessLogEntry struct {
	Timestamp        time.Time
	InteractionCount uint64
	Scores           FitnessScores
	Fitness          float64
}

// RollbackRecord is one executed rollback.
type RollbackRecord struct {
	Timestamp             time.Time
	FromGeneration        uint64
	ToGeneration          uint64
	Reason                string
	RollbackCountToTarget uint32
}

// GracePeriodState tracks a mild regression's recovery window.
type GracePeriodState struct {
	Active              bool
	StartedAt           time.Time
	InteractionsAtStart uint64
	GraceInteractions   uint64
	FitnessAtStart      float64
	AffectedAxis        string
}

// EvolutionStatus is the read-model returned to operators/dashboards.
type EvolutionStatus struct {
	AgentID                  string
	CurrentGeneration        uint64
	Fitness                  float64
	Scores                   FitnessScores
	InteractionCount         uint64
	InteractionsSinceLastGen uint64
	Trend                    string // "improving" | "declining" | "stable"
	GracePeriod              *GracePeriodState
	RollbackCount            int
	AutonomyLevel            string
	TopAxes                  []AxisScore
}

// CapabilityChange describes one newly-active plugin's capability set
// (detect_capability_gain's output; spec §4.5 structural trigger).
type CapabilityChange struct {
	PluginID     string
	Capabilities []string
	IsMajor      bool // brings a capability name absent before
}

// RegressionSeverity classifies how large a fitness drop is.
type RegressionSeverity int

const (
	RegressionNone RegressionSeverity = iota
	RegressionMild
	RegressionSevere
)

// InteractionMetrics are per-agent event counters, accumulated until
// Collector.Reset clears them (generation transitions do not). Kernel
// observable only: event counting and success/failure, never content
// analysis (spec §4.5/§4.6 "no content interpretation" principle).
type InteractionMetrics struct {
	ThoughtRequests      uint64
	ThoughtResponses     uint64
	PermissionsRequested uint64
	PermissionsApproved  uint64
	Errors               uint64
	TotalInteractions    uint64
	SafetyViolation      bool
	HumanInterventions   uint64
	AutonomousActions    uint64
}

// PluginContributions holds the content-requiring axes (cognitive,
// meta_learning) that only a plugin itself can score.
type PluginContributions struct {
	Cognitive    *float64
	MetaLearning *float64
}

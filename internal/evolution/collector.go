package evolution

import (
	"sync"

	"go.uber.org/zap"

	"github.com/exiv-ai/kernel/internal/events"
)

// Collector observes the event bus and accumulates per-agent
// InteractionMetrics, deriving FitnessScores without ever inspecting
// event content — only counting what kind of event happened and
// whether it succeeded (spec §4.5/§4.6's "event counting only"
// principle; cognitive and meta_learning are the two axes that
// genuinely require content analysis, so those arrive separately via
// RecordContribution from a plugin, not from Observe).
type Collector struct {
	mu            sync.RWMutex
	metrics       map[string]InteractionMetrics
	contributions map[string]PluginContributions

	enabled bool
	log     *zap.Logger
}

// NewCollector builds a Collector. Disabled collectors still accept
// calls but never accumulate anything, so callers can wire it
// unconditionally and gate on config.
func NewCollector(enabled bool, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{
		metrics:       make(map[string]InteractionMetrics),
		contributions: make(map[string]PluginContributions),
		enabled:       enabled,
		log:           log,
	}
}

func (c *Collector) IsEnabled() bool { return c.enabled }

// Observe updates the originating agent's metrics for one bus event.
// It returns the agent id when the event should trigger an
// auto-evaluation (currently only ThoughtResponse), or "" otherwise.
func (c *Collector) Observe(data events.EventData) string {
	if !c.enabled {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch v := data.(type) {
	case events.ThoughtRequested:
		m := c.metrics[v.AgentID]
		m.ThoughtRequests++
		m.TotalInteractions++
		c.metrics[v.AgentID] = m
		return ""

	case events.ThoughtResponse:
		m := c.metrics[v.AgentID]
		m.ThoughtResponses++
		m.TotalInteractions++
		c.metrics[v.AgentID] = m
		return v.AgentID

	case events.EvolutionBreach:
		m := c.metrics[v.AgentID]
		m.SafetyViolation = true
		m.Errors++
		c.metrics[v.AgentID] = m
		return ""

	case events.ToolInvoked:
		m := c.metrics[v.AgentID]
		m.AutonomousActions++
		m.TotalInteractions++
		if !v.Success {
			m.Errors++
		}
		c.metrics[v.AgentID] = m
		return ""

	default:
		return ""
	}
}

// RecordContribution stores a plugin-supplied score for one of the
// two content-dependent axes.
func (c *Collector) RecordContribution(agentID, axis string, score float64) {
	score = clamp01(score)
	c.mu.Lock()
	defer c.mu.Unlock()
	contrib := c.contributions[agentID]
	switch axis {
	case "cognitive":
		contrib.Cognitive = &score
	case "meta_learning":
		contrib.MetaLearning = &score
	default:
		c.log.Warn("unknown fitness contribution axis", zap.String("agent_id", agentID), zap.String("axis", axis))
		return
	}
	c.contributions[agentID] = contrib
}

// ComputeScores derives the full FitnessScores from accumulated
// metrics and contributions. Cognitive and meta_learning default to
// 0.5 (neutral) when no plugin has contributed a score yet.
func (c *Collector) ComputeScores(agentID string) FitnessScores {
	c.mu.RLock()
	m := c.metrics[agentID]
	contrib := c.contributions[agentID]
	c.mu.RUnlock()

	cognitive, metaLearning := 0.5, 0.5
	if contrib.Cognitive != nil {
		cognitive = *contrib.Cognitive
	}
	if contrib.MetaLearning != nil {
		metaLearning = *contrib.MetaLearning
	}

	return FitnessScores{
		Cognitive:    clamp01(cognitive),
		Behavioral:   clamp01(ComputeBehavioralScore(m)),
		Safety:       ComputeSafetyScore(m),
		Autonomy:     ComputeAutonomyLevel(m),
		MetaLearning: clamp01(metaLearning),
	}
}

// Reset clears an agent's accumulated metrics. The kernel does not
// call it on generation transitions, so metrics accumulate for the
// agent's whole lifetime unless a caller resets them.
func (c *Collector) Reset(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.metrics, agentID)
}

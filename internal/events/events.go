// Package events defines the kernel's event envelope and the closed
// set of event-data variants that flow across the bus (spec §3).
//
// EventData is modeled as a marker interface with one concrete struct
// per variant rather than a tagged union, per the Design Notes'
// guidance to avoid deep inheritance: callers use a type switch where
// the Rust source uses an enum match.
package events

import (
	"time"

	"github.com/exiv-ai/kernel/internal/kernid"
)

// EventData is implemented by every event payload variant. New
// variants are additive — implementing this interface is the only
// requirement.
type EventData interface {
	eventData()
}

// Event is the immutable core payload: a trace id, a timestamp, and a
// tagged-union-shaped data field.
type Event struct {
	TraceID   kernid.Id
	Timestamp time.Time
	Data      EventData
}

// NewEvent stamps an Event with the current time.
func NewEvent(traceID kernid.Id, data EventData) *Event {
	return &Event{TraceID: traceID, Timestamp: time.Now().UTC(), Data: data}
}

// WithTrace is an alias kept for readability at call sites that are
// explicitly propagating an existing trace id across a cascade.
func WithTrace(traceID kernid.Id, data EventData) *Event {
	return NewEvent(traceID, data)
}

// EnvelopedEvent wraps an Event with the cascade-control metadata: who
// issued it (nil means the kernel itself), what it correlates to, and
// how deep into a cascade it sits.
type EnvelopedEvent struct {
	Event         *Event
	Issuer        *kernid.Id // nil => kernel-issued
	CorrelationID *kernid.Id
	Depth         uint8
}

// Child builds the next envelope in a cascade: same trace id,
// correlation set to the parent's trace id, depth incremented by
// exactly one. depth only ever increases along a cascade (spec §3
// invariant).
func (e *EnvelopedEvent) Child(data EventData, issuer *kernid.Id) *EnvelopedEvent {
	corr := e.Event.TraceID
	return &EnvelopedEvent{
		Event:         NewEvent(e.Event.TraceID, data),
		Issuer:        issuer,
		CorrelationID: &corr,
		Depth:         e.Depth + 1,
	}
}

// --- Event-data variants (spec §3) ---

type MessageSourceKind int

const (
	MessageSourceUser MessageSourceKind = iota
	MessageSourceAgent
	MessageSourceSystem
)

type MessageSource struct {
	Kind MessageSourceKind
	ID   string // agent id when Kind == MessageSourceAgent
}

type Message struct {
	Source  MessageSource
	Content string
}

type MessageReceived struct{ Message Message }

func (MessageReceived) eventData() {}

type ThoughtRequested struct {
	AgentID string
	EngineID string
	Prompt  string
}

func (ThoughtRequested) eventData() {}

type ThoughtResponse struct {
	AgentID        string
	EngineID       string
	Content        string
	SourceMessageID string
}

func (ThoughtResponse) eventData() {}

// ActionRequested's Requester is the declared plugin id (dotted
// namespace string), checked against the envelope's hashed Issuer via
// kernid.FromName at interpretation time (the issuer-forgery rule).
type ActionRequested struct {
	Requester string
	Action    string
}

func (ActionRequested) eventData() {}

type PermissionRequested struct {
	PluginID   string
	Permission Permission
}

func (PermissionRequested) eventData() {}

type PermissionGranted struct {
	PluginID   string
	Permission Permission
}

func (PermissionGranted) eventData() {}

type PermissionRevoked struct {
	PluginID   string
	Permission Permission
}

func (PermissionRevoked) eventData() {}

type ConfigUpdated struct {
	Keys []string
}

func (ConfigUpdated) eventData() {}

type SystemNotification struct {
	Level   string
	Message string
}

func (SystemNotification) eventData() {}

// --- Evolution variants ---

type EvolutionGeneration struct {
	AgentID    string
	Generation uint64
	Trigger    string
}

func (EvolutionGeneration) eventData() {}

type EvolutionBreach struct {
	AgentID       string
	ViolationType string
}

func (EvolutionBreach) eventData() {}

type EvolutionWarning struct {
	AgentID   string
	Remaining uint64
}

func (EvolutionWarning) eventData() {}

type EvolutionRollback struct {
	AgentID        string
	FromGeneration uint64
	ToGeneration   uint64
	Reason         string
}

func (EvolutionRollback) eventData() {}

type EvolutionRebalance struct {
	AgentID       string
	ShiftedAxes   []string
}

func (EvolutionRebalance) eventData() {}

type EvolutionCapability struct {
	AgentID    string
	PluginID   string
	Capability string // "major:<name>" or "minor:<name>"
}

func (EvolutionCapability) eventData() {}

// --- Agentic loop contract variants (spec §4.6) ---

type ToolInvoked struct {
	AgentID  string
	ToolName string
	Success  bool
}

func (ToolInvoked) eventData() {}

type AgenticLoopCompleted struct {
	AgentID    string
	Iterations int
}

func (AgenticLoopCompleted) eventData() {}

// ToolRegistrationRequested is the self-extension entry point (NEW,
// SPEC_FULL.md §4.3.1): a running agent asks the kernel to compile-check
// a script in the sandbox and register it as a python.runtime.* plugin.
type ToolRegistrationRequested struct {
	AgentID string
	Name    string
	Script  string
}

func (ToolRegistrationRequested) eventData() {}

// --- Consensus variants (named in spec §3, out-of-scope body) ---

type ConsensusRequested struct {
	Topic string
}

func (ConsensusRequested) eventData() {}

type ConsensusProposal struct {
	Topic    string
	PluginID string
	Proposal string
}

func (ConsensusProposal) eventData() {}

// Package pluginmanager implements bootstrap, admission, capability
// injection, and runtime grant/revoke for plugins (spec §4.3).
//
// Grounded on internal/plugin-panel-system/plugin-panel-system.go's
// Manager (factory-table-plus-plugin-table shape, LoadPlugin's
// manifest-then-runtime-then-registry sequencing) and on
// internal/plugin-panel-system/sandbox.go's HostAPIImpl (capability-
// gated per-plugin API surface), generalized from a fixed
// Starlark-only runtime to the spec's factory-contract model.
package pluginmanager

import (
	"context"

	"github.com/exiv-ai/kernel/internal/capabilities"
	"github.com/exiv-ai/kernel/internal/events"
)

// MagicSeal is the SDK-binding admission constant, ASCII "VERS"
// (spec §6).
const MagicSeal uint32 = 0x56455253

// RuntimePluginPrefix identifies plugins spawned via self-extension
// rather than bootstrap (spec §4.3.1).
const RuntimePluginPrefix = "python.runtime."

// ServiceType is the plugin factory's declared role.
type ServiceType string

const (
	ServiceCommunication ServiceType = "communication"
	ServiceReasoning     ServiceType = "reasoning"
	ServiceSkill         ServiceType = "skill"
	ServiceVision        ServiceType = "vision"
	ServiceAction        ServiceType = "action"
	ServiceMemory        ServiceType = "memory"
	ServiceHAL           ServiceType = "hal"
)

// Manifest is the Plugin Manifest data model (spec §3). id is a dotted
// namespace, e.g. "mind.deepseek" or "python.runtime.xyz".
type Manifest struct {
	ID                  string
	Name                string
	Description         string
	Version             string
	Category            string
	ServiceType         ServiceType
	Tags                []string
	IsActive            bool
	RequiredConfigKeys  []string
	RequiredPermissions []events.Permission
	ProvidedCapabilities []string
	ProvidedTools       []string
	MagicSeal           uint32
	SDKVersion          string
}

// DataStore is the scoped key-value store handed to every plugin at
// init (spec §6). The plugin_id argument is always overridden by the
// scope owner's id by the concrete implementation (internal/storage).
type DataStore interface {
	SetJSON(ctx context.Context, ignoredPluginID, key string, value any) error
	GetJSON(ctx context.Context, ignoredPluginID, key string, out any) (bool, error)
	GetAllJSON(ctx context.Context, ignoredPluginID, keyPrefix string) (map[string]string, error)
	IncrementCounter(ctx context.Context, ignoredPluginID, key string) (int64, error)
}

// RuntimeContext is assembled once per plugin at bootstrap and handed
// to on_plugin_init (spec §4.3 step f): a scoped data store, the
// plugin's own effective permission set, and the sending end of the
// kernel's event-out channel (the per-plugin bridge).
type RuntimeContext struct {
	PluginID     string
	Store        DataStore
	Permissions  events.PermissionSet
	EventsOut    chan<- *events.EnvelopedEvent
}

// Plugin is the full hook contract a factory-created plugin instance
// must satisfy (spec §6's "four hooks"). OnEvent is also the
// registry.Plugin interface's method, so a bootstrapped Plugin
// satisfies registry.Plugin directly.
type Plugin interface {
	Manifest() Manifest
	ID() string
	OnPluginInit(ctx context.Context, rc *RuntimeContext, network *capabilities.Network) error
	OnEvent(ctx context.Context, event *events.Event) (events.EventData, error)
	OnCapabilityInjected(ctx context.Context, cap any) error
}

// Factory is the plugin factory contract (spec §6).
type Factory interface {
	Name() string // dotted namespace, matched against manifest.id
	ServiceType() ServiceType
	Create(ctx context.Context, config map[string]string) (Plugin, error)
}

package selfext

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/exiv-ai/kernel/internal/capabilities"
	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/pluginmanager"
)

// Factory is registered under the "bridge.python" name so that
// pluginmanager.Manager's python.* fallback lookup (spec §4.3 step a)
// resolves every python.runtime.* plugin id to it.
type Factory struct {
	Sandbox *Sandbox
	Log     *zap.Logger
}

func (f *Factory) Name() string                         { return "bridge.python" }
func (f *Factory) ServiceType() pluginmanager.ServiceType { return pluginmanager.ServiceSkill }

// Create builds a ScriptPlugin from the script and tool name carried
// in config, populated by Registrar.Handle before bootstrap.
func (f *Factory) Create(ctx context.Context, config map[string]string) (pluginmanager.Plugin, error) {
	script := config["script"]
	toolName := config["tool_name"]
	id := config["plugin_id"]
	if script == "" || toolName == "" || id == "" {
		return nil, fmt.Errorf("selfext: missing script/tool_name/plugin_id in runtime config")
	}
	return &ScriptPlugin{
		id:       id,
		toolName: toolName,
		script:   script,
		sandbox:  f.Sandbox,
		log:      f.Log,
	}, nil
}

// ScriptPlugin is a single self-registered tool backed by a sandboxed
// Lua script. It provides exactly one tool: its own toolName.
type ScriptPlugin struct {
	id       string
	toolName string
	script   string
	sandbox  *Sandbox
	log      *zap.Logger
}

func (p *ScriptPlugin) ID() string { return p.id }

func (p *ScriptPlugin) Manifest() pluginmanager.Manifest {
	return pluginmanager.Manifest{
		ID:            p.id,
		Name:          p.id,
		Description:   "self-registered script tool",
		Version:       "1.0.0",
		ServiceType:   pluginmanager.ServiceSkill,
		ProvidedTools: []string{p.toolName},
		MagicSeal:     pluginmanager.MagicSeal,
		SDKVersion:    "1",
	}
}

// OnPluginInit performs no capability setup: a pure-compute script
// tool needs no network, filesystem, or process access.
func (p *ScriptPlugin) OnPluginInit(ctx context.Context, rc *pluginmanager.RuntimeContext, network *capabilities.Network) error {
	return nil
}

func (p *ScriptPlugin) OnCapabilityInjected(ctx context.Context, cap any) error { return nil }

// OnEvent reacts only to ActionRequested events naming this plugin's
// own tool, running the sandboxed script and reporting the outcome as
// ToolInvoked. Every other event is ignored.
func (p *ScriptPlugin) OnEvent(ctx context.Context, event *events.Event) (events.EventData, error) {
	req, ok := event.Data.(events.ActionRequested)
	if !ok || req.Action != p.toolName {
		return nil, nil
	}

	success, err := p.sandbox.Run(ctx, p.script, req.Action)
	if err != nil {
		if p.log != nil {
			p.log.Warn("self-extension script run failed", zap.String("plugin_id", p.id), zap.Error(err))
		}
		return events.ToolInvoked{AgentID: req.Requester, ToolName: p.toolName, Success: false}, nil
	}
	return events.ToolInvoked{AgentID: req.Requester, ToolName: p.toolName, Success: success}, nil
}

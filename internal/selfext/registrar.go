package selfext

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/kernelerr"
	"github.com/exiv-ai/kernel/internal/kernid"
	"github.com/exiv-ai/kernel/internal/pluginmanager"
)

// Manager is the subset of pluginmanager.Manager the registrar needs,
// narrowed to the one call it makes.
type Manager interface {
	RegisterRuntimePlugin(ctx context.Context, row pluginmanager.ActiveRow, config map[string]string) error
}

// Registrar handles ToolRegistrationRequested (spec §1 / SPEC_FULL.md
// §4.3.1): validate the script in a sandbox, synthesize a
// python.runtime.* plugin id, and register it through the ordinary
// bootstrap admission path.
type Registrar struct {
	manager Manager
	sandbox *Sandbox
	log     *zap.Logger
}

// NewRegistrar builds a Registrar.
func NewRegistrar(manager Manager, sandbox *Sandbox, log *zap.Logger) *Registrar {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registrar{manager: manager, sandbox: sandbox, log: log}
}

// Handle validates req.Script, synthesizes a python.runtime.<hash>
// plugin id deterministic in (AgentID, Name, Script), and registers
// it. Failures are always *kernelerr.PluginError, never a panic.
func (r *Registrar) Handle(ctx context.Context, req events.ToolRegistrationRequested) (events.EventData, error) {
	if err := r.sandbox.Validate(req.Script); err != nil {
		return nil, &kernelerr.PluginError{PluginID: req.AgentID, Message: "self-extension script failed validation", Err: err}
	}

	id := synthesizeID(req.AgentID, req.Name, req.Script)
	row := pluginmanager.ActiveRow{PluginID: id, IsActive: true}
	config := map[string]string{
		"plugin_id": id,
		"script":    req.Script,
		"tool_name": req.Name,
	}

	if err := r.manager.RegisterRuntimePlugin(ctx, row, config); err != nil {
		return nil, &kernelerr.PluginError{PluginID: id, Message: "runtime plugin registration failed", Err: err}
	}

	r.log.Info("self-extension tool registered",
		zap.String("agent_id", req.AgentID), zap.String("plugin_id", id), zap.String("tool_name", req.Name))
	return events.ToolInvoked{AgentID: req.AgentID, ToolName: req.Name, Success: true}, nil
}

// synthesizeID derives a stable python.runtime.<hash> id from the
// requesting agent, tool name, and script body, so re-registering the
// identical script is idempotent while any change yields a new id.
func synthesizeID(agentID, name, script string) string {
	hash := kernid.FromName(agentID + "\x00" + name + "\x00" + script).String()
	hash = strings.ReplaceAll(hash, "-", "")
	return pluginmanager.RuntimePluginPrefix + hash[:16]
}

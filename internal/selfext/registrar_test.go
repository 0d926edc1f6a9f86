package selfext

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/kernelerr"
	"github.com/exiv-ai/kernel/internal/kernid"
	"github.com/exiv-ai/kernel/internal/pluginmanager"
)

type fakeManager struct {
	calls []pluginmanager.ActiveRow
	err   error
}

func (m *fakeManager) RegisterRuntimePlugin(ctx context.Context, row pluginmanager.ActiveRow, config map[string]string) error {
	m.calls = append(m.calls, row)
	return m.err
}

func TestRegistrar_Handle_RegistersValidScript(t *testing.T) {
	mgr := &fakeManager{}
	r := NewRegistrar(mgr, NewSandbox(time.Second), nil)

	out, err := r.Handle(context.Background(), events.ToolRegistrationRequested{
		AgentID: "agent-1", Name: "ping", Script: `ok = (action == "ping")`,
	})
	require.NoError(t, err)
	require.Len(t, mgr.calls, 1)
	assert.True(t, strings.HasPrefix(mgr.calls[0].PluginID, pluginmanager.RuntimePluginPrefix))

	invoked, ok := out.(events.ToolInvoked)
	require.True(t, ok)
	assert.Equal(t, "agent-1", invoked.AgentID)
	assert.True(t, invoked.Success)
}

func TestRegistrar_Handle_RejectsBadScriptWithoutCallingManager(t *testing.T) {
	mgr := &fakeManager{}
	r := NewRegistrar(mgr, NewSandbox(time.Second), nil)

	_, err := r.Handle(context.Background(), events.ToolRegistrationRequested{
		AgentID: "agent-1", Name: "ping", Script: "not ( valid lua",
	})
	require.Error(t, err)
	assert.Empty(t, mgr.calls)
	var pe *kernelerr.PluginError
	assert.ErrorAs(t, err, &pe)
}

func TestRegistrar_Handle_SameScriptYieldsSameID(t *testing.T) {
	mgr := &fakeManager{}
	r := NewRegistrar(mgr, NewSandbox(time.Second), nil)

	req := events.ToolRegistrationRequested{AgentID: "agent-1", Name: "ping", Script: `ok = true`}
	_, err := r.Handle(context.Background(), req)
	require.NoError(t, err)
	_, err = r.Handle(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, mgr.calls, 2)
	assert.Equal(t, mgr.calls[0].PluginID, mgr.calls[1].PluginID)
}

func TestRegistrar_Handle_PropagatesManagerError(t *testing.T) {
	mgr := &fakeManager{err: assert.AnError}
	r := NewRegistrar(mgr, NewSandbox(time.Second), nil)

	_, err := r.Handle(context.Background(), events.ToolRegistrationRequested{
		AgentID: "agent-1", Name: "ping", Script: `ok = true`,
	})
	require.Error(t, err)
	var pe *kernelerr.PluginError
	assert.ErrorAs(t, err, &pe)
}

func TestScriptPlugin_OnEvent_MatchesOwnToolOnly(t *testing.T) {
	sandbox := NewSandbox(time.Second)
	plugin := &ScriptPlugin{id: "python.runtime.abc", toolName: "ping", script: `ok = (action == "ping")`, sandbox: sandbox}

	ev := events.NewEvent(kernid.New(), events.ActionRequested{Requester: "agent-1", Action: "ping"})
	out, err := plugin.OnEvent(context.Background(), ev)
	require.NoError(t, err)
	invoked, ok := out.(events.ToolInvoked)
	require.True(t, ok)
	assert.True(t, invoked.Success)
	assert.Equal(t, "ping", invoked.ToolName)

	other := events.NewEvent(kernid.New(), events.ActionRequested{Requester: "agent-1", Action: "not-mine"})
	out, err = plugin.OnEvent(context.Background(), other)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestFactory_Create_RequiresScriptAndToolName(t *testing.T) {
	f := &Factory{Sandbox: NewSandbox(time.Second)}
	_, err := f.Create(context.Background(), map[string]string{})
	assert.Error(t, err)

	plugin, err := f.Create(context.Background(), map[string]string{"plugin_id": "python.runtime.x", "script": "ok=true", "tool_name": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "python.runtime.x", plugin.ID())
}

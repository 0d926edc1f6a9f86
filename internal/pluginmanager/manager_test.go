package pluginmanager

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exiv-ai/kernel/internal/capabilities"
	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/registry"
)

type fakeStore struct{}

func (fakeStore) SetJSON(ctx context.Context, _, _ string, _ any) error { return nil }
func (fakeStore) GetJSON(ctx context.Context, _, _ string, _ any) (bool, error) {
	return false, nil
}
func (fakeStore) GetAllJSON(ctx context.Context, _, _ string) (map[string]string, error) {
	return nil, nil
}
func (fakeStore) IncrementCounter(ctx context.Context, _, _ string) (int64, error) { return 1, nil }

// recordingStore is a real in-memory DataStore (unlike fakeStore's
// no-op stubs) used by tests that need to observe what a plugin's
// scoped store actually persisted.
type recordingStore struct {
	data map[string][]byte
}

func newRecordingStore() *recordingStore {
	return &recordingStore{data: make(map[string][]byte)}
}

func (s *recordingStore) factory(string) DataStore { return s }

func (s *recordingStore) SetJSON(ctx context.Context, _, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.data[key] = b
	return nil
}

func (s *recordingStore) GetJSON(ctx context.Context, _, key string, out any) (bool, error) {
	b, ok := s.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func (s *recordingStore) GetAllJSON(ctx context.Context, _, keyPrefix string) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range s.data {
		if strings.HasPrefix(k, keyPrefix) {
			out[k] = string(v)
		}
	}
	return out, nil
}

func (s *recordingStore) IncrementCounter(ctx context.Context, _, key string) (int64, error) {
	return 1, nil
}

type fakePlugin struct {
	manifest        Manifest
	initCaps        []any
	initCalled      bool
	injectedCaps    []any
	failInit        bool
}

func (p *fakePlugin) Manifest() Manifest { return p.manifest }
func (p *fakePlugin) ID() string         { return p.manifest.ID }
func (p *fakePlugin) OnPluginInit(ctx context.Context, rc *RuntimeContext, network *capabilities.Network) error {
	p.initCalled = true
	if network != nil {
		p.initCaps = append(p.initCaps, network)
	}
	if p.failInit {
		return assertErr
	}
	return nil
}
func (p *fakePlugin) OnEvent(ctx context.Context, event *events.Event) (events.EventData, error) {
	return nil, nil
}
func (p *fakePlugin) OnCapabilityInjected(ctx context.Context, cap any) error {
	p.injectedCaps = append(p.injectedCaps, cap)
	return nil
}

var assertErr = &testErr{"init failed"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

type fakeFactory struct {
	name   string
	plugin *fakePlugin
}

func (f *fakeFactory) Name() string             { return f.name }
func (f *fakeFactory) ServiceType() ServiceType { return ServiceReasoning }
func (f *fakeFactory) Create(ctx context.Context, config map[string]string) (Plugin, error) {
	return f.plugin, nil
}

func newTestManager() (*Manager, chan *events.EnvelopedEvent) {
	reg := registry.New(10, time.Second, 50, nil)
	out := make(chan *events.EnvelopedEvent, 10)
	caps := CapabilityFactory{
		Network:           capabilities.NewNetwork(nil),
		FilesystemBase:    "/tmp",
		AllowedProcesses:  []string{"echo"},
		ProcessMaxTimeout: time.Second,
	}
	m := New(reg, caps, 100, 20, out, func(string) DataStore { return fakeStore{} }, nil)
	return m, out
}

func TestBootstrap_AdmitsValidManifest(t *testing.T) {
	m, _ := newTestManager()
	plugin := &fakePlugin{manifest: Manifest{ID: "mind.deepseek", MagicSeal: MagicSeal}}
	m.RegisterFactory(&fakeFactory{name: "mind.deepseek", plugin: plugin})

	m.Bootstrap(context.Background(), []ActiveRow{
		{PluginID: "mind.deepseek", IsActive: true, AllowedPermissions: events.NewPermissionSet(events.PermissionNetworkAccess)},
	}, nil)

	assert.True(t, plugin.initCalled)
	assert.Len(t, plugin.initCaps, 1, "network capability must be injected at init when granted")
	_, ok := m.reg.Get("mind.deepseek")
	assert.True(t, ok)
}

func TestBootstrap_RejectsBadMagicSeal(t *testing.T) {
	m, _ := newTestManager()
	plugin := &fakePlugin{manifest: Manifest{ID: "bad.plugin", MagicSeal: 0xdeadbeef}}
	m.RegisterFactory(&fakeFactory{name: "bad.plugin", plugin: plugin})

	m.Bootstrap(context.Background(), []ActiveRow{
		{PluginID: "bad.plugin", IsActive: true},
	}, nil)

	_, ok := m.reg.Get("bad.plugin")
	assert.False(t, ok, "a bad magic seal must prevent registration")
}

func TestBootstrap_PythonNamespaceFallsBackToBridgeFactory(t *testing.T) {
	m, _ := newTestManager()
	plugin := &fakePlugin{manifest: Manifest{ID: "python.runtime.abc123", MagicSeal: MagicSeal}}
	m.RegisterFactory(&fakeFactory{name: "bridge.python", plugin: plugin})

	m.Bootstrap(context.Background(), []ActiveRow{
		{PluginID: "python.runtime.abc123", IsActive: true},
	}, nil)

	_, ok := m.reg.Get("python.runtime.abc123")
	assert.True(t, ok)
}

func TestBootstrap_InactiveRowSkipped(t *testing.T) {
	m, _ := newTestManager()
	plugin := &fakePlugin{manifest: Manifest{ID: "dormant", MagicSeal: MagicSeal}}
	m.RegisterFactory(&fakeFactory{name: "dormant", plugin: plugin})

	m.Bootstrap(context.Background(), []ActiveRow{
		{PluginID: "dormant", IsActive: false},
	}, nil)

	assert.False(t, plugin.initCalled)
}

func TestGrantPermission_InjectsMappedCapability(t *testing.T) {
	m, _ := newTestManager()
	plugin := &fakePlugin{manifest: Manifest{ID: "mind.deepseek", MagicSeal: MagicSeal}}
	m.RegisterFactory(&fakeFactory{name: "mind.deepseek", plugin: plugin})
	m.Bootstrap(context.Background(), []ActiveRow{{PluginID: "mind.deepseek", IsActive: true}}, nil)

	err := m.GrantPermission(context.Background(), "mind.deepseek", events.PermissionProcessExecution)
	require.NoError(t, err)

	assert.True(t, m.reg.HasPermission("mind.deepseek", events.PermissionProcessExecution))
	assert.NotEmpty(t, plugin.injectedCaps)
}

func TestRevokePermission_RemovesFromEffectiveSet(t *testing.T) {
	m, _ := newTestManager()
	m.reg.SetPermissions("p1", events.NewPermissionSet(events.PermissionNetworkAccess))

	err := m.RevokePermission(context.Background(), "p1", events.PermissionNetworkAccess)
	require.NoError(t, err)

	assert.False(t, m.reg.HasPermission("p1", events.PermissionNetworkAccess))
}

func TestRevokePermission_PersistsToScopedStore(t *testing.T) {
	reg := registry.New(10, time.Second, 50, nil)
	out := make(chan *events.EnvelopedEvent, 10)
	rs := newRecordingStore()
	m := New(reg, CapabilityFactory{Network: capabilities.NewNetwork(nil)}, 100, 20, out, rs.factory, nil)

	m.reg.SetPermissions("p1", events.NewPermissionSet(events.PermissionNetworkAccess, events.PermissionProcessExecution))

	err := m.RevokePermission(context.Background(), "p1", events.PermissionNetworkAccess)
	require.NoError(t, err)

	var persisted events.PermissionSet
	ok, err := rs.factory("p1").GetJSON(context.Background(), "p1", permissionsKey, &persisted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, persisted.Contains(events.PermissionNetworkAccess))
	assert.True(t, persisted.Contains(events.PermissionProcessExecution))
}

func TestGrantPermission_PersistsToScopedStore(t *testing.T) {
	reg := registry.New(10, time.Second, 50, nil)
	out := make(chan *events.EnvelopedEvent, 10)
	rs := newRecordingStore()
	plugin := &fakePlugin{manifest: Manifest{ID: "mind.deepseek", MagicSeal: MagicSeal}}
	m := New(reg, CapabilityFactory{Network: capabilities.NewNetwork(nil)}, 100, 20, out, rs.factory, nil)
	m.RegisterFactory(&fakeFactory{name: "mind.deepseek", plugin: plugin})
	m.Bootstrap(context.Background(), []ActiveRow{{PluginID: "mind.deepseek", IsActive: true}}, nil)

	err := m.GrantPermission(context.Background(), "mind.deepseek", events.PermissionNetworkAccess)
	require.NoError(t, err)

	var persisted events.PermissionSet
	ok, err := rs.factory("mind.deepseek").GetJSON(context.Background(), "mind.deepseek", permissionsKey, &persisted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, persisted.Contains(events.PermissionNetworkAccess))
}

func TestRegisterRuntimePlugin_RejectsWrongNamespace(t *testing.T) {
	m, _ := newTestManager()
	err := m.RegisterRuntimePlugin(context.Background(), ActiveRow{PluginID: "mind.deepseek", IsActive: true}, nil)
	assert.Error(t, err)
}

func TestRegisterRuntimePlugin_RejectsDuplicate(t *testing.T) {
	m, _ := newTestManager()
	plugin := &fakePlugin{manifest: Manifest{ID: "python.runtime.dup", MagicSeal: MagicSeal}}
	m.RegisterFactory(&fakeFactory{name: "python.runtime.dup", plugin: plugin})
	require.NoError(t, m.RegisterRuntimePlugin(context.Background(), ActiveRow{PluginID: "python.runtime.dup", IsActive: true}, nil))

	err := m.RegisterRuntimePlugin(context.Background(), ActiveRow{PluginID: "python.runtime.dup", IsActive: true}, nil)
	assert.Error(t, err)
}

func TestBridge_ForwardsEventsIntoMainQueue(t *testing.T) {
	m, out := newTestManager()
	plugin := &fakePlugin{manifest: Manifest{ID: "mind.deepseek", MagicSeal: MagicSeal}}
	m.RegisterFactory(&fakeFactory{name: "mind.deepseek", plugin: plugin})
	m.Bootstrap(context.Background(), []ActiveRow{{PluginID: "mind.deepseek", IsActive: true}}, nil)

	m.mu.RLock()
	br := m.bridges["mind.deepseek"]
	m.mu.RUnlock()
	require.NotNil(t, br)

	select {
	case br.in <- &events.EnvelopedEvent{}:
	case <-time.After(time.Second):
		t.Fatal("bridge input full")
	}

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("expected event to be forwarded to the main queue")
	}
}

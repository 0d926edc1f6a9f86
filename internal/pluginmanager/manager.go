package pluginmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/exiv-ai/kernel/internal/capabilities"
	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/kernelerr"
	"github.com/exiv-ai/kernel/internal/obs"
	"github.com/exiv-ai/kernel/internal/registry"
)

// ActiveRow is one row of the bootstrap plugin table (spec §4.3 step
// 1): "{plugin_id, is_active, allowed_permissions}".
type ActiveRow struct {
	PluginID           string
	IsActive           bool
	AllowedPermissions events.PermissionSet
}

// CapabilityFactory builds the runtime capability set from operator
// configuration, kept separate from Manager so tests can supply stubs.
type CapabilityFactory struct {
	Network            *capabilities.Network
	FilesystemBase      string
	AllowedProcesses    []string
	ProcessMaxTimeout   time.Duration
}

// bridge is the per-plugin async forwarder (spec §4.3 step e / §5): a
// bounded channel, producer = the plugin's own on_event goroutine
// inside the registry, consumer = a forwarder that re-acquires the
// shared bridge semaphore before placing the event on the kernel's
// main input queue.
type bridge struct {
	pluginID string
	in       chan *events.EnvelopedEvent
	cancel   context.CancelFunc
}

// Manager implements spec §4.3's bootstrap, runtime grant/revoke, and
// self-extension registration. Grounded on
// plugin-panel-system.go's Manager.LoadPlugin sequencing
// (manifest -> runtime lookup -> validate -> register), generalized
// from a single fixed Starlark runtime to the factory-table model.
type Manager struct {
	mu        sync.RWMutex
	factories map[string]Factory
	bridges   map[string]*bridge

	reg          *registry.Registry
	capsFactory  CapabilityFactory
	bridgeSem    *semaphore.Weighted
	bridgeQueue  int
	eventsOut    chan<- *events.EnvelopedEvent
	storeFactory func(pluginID string) DataStore

	log *zap.Logger
}

// New builds a Manager. eventsOut is the kernel's single main event
// queue; every per-plugin bridge forwards into it. storeFactory binds
// a plugin id to a scoped DataStore (internal/storage).
func New(
	reg *registry.Registry,
	capsFactory CapabilityFactory,
	bridgeQueueSize int,
	bridgeSemaphoreCapacity int64,
	eventsOut chan<- *events.EnvelopedEvent,
	storeFactory func(pluginID string) DataStore,
	log *zap.Logger,
) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		factories:    make(map[string]Factory),
		bridges:      make(map[string]*bridge),
		reg:          reg,
		capsFactory:  capsFactory,
		bridgeSem:    semaphore.NewWeighted(bridgeSemaphoreCapacity),
		bridgeQueue:  bridgeQueueSize,
		eventsOut:    eventsOut,
		storeFactory: storeFactory,
		log:          log,
	}
}

// RegisterFactory adds a factory to the lookup table, keyed by its
// dotted namespace name.
func (m *Manager) RegisterFactory(f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[f.Name()] = f
}

func (m *Manager) lookupFactory(pluginID string) (Factory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.factories[pluginID]; ok {
		return f, true
	}
	// step a: python.* falls back to the bridge.python factory.
	if strings.HasPrefix(pluginID, "python.") {
		if f, ok := m.factories["bridge.python"]; ok {
			return f, true
		}
	}
	return nil, false
}

// Bootstrap implements spec §4.3's 8-step algorithm over every active
// row. Failures are contained per plugin: the rest of the set still
// bootstraps, and the failed ids are summarized in a single warning.
func (m *Manager) Bootstrap(ctx context.Context, rows []ActiveRow, config map[string]string) {
	var failed []string
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		if err := m.bootstrapOne(ctx, row, config); err != nil {
			failed = append(failed, row.PluginID)
			m.log.Warn("plugin bootstrap failed", zap.String("plugin_id", row.PluginID), zap.Error(err))
		}
	}
	if len(failed) > 0 {
		m.log.Warn("some plugins failed to bootstrap", zap.Strings("plugin_ids", failed))
	}
}

func (m *Manager) bootstrapOne(ctx context.Context, row ActiveRow, config map[string]string) error {
	// a. look up factory, with python.* -> bridge.python fallback.
	factory, ok := m.lookupFactory(row.PluginID)
	if !ok {
		return &kernelerr.NotFoundError{Kind: "plugin_factory", ID: row.PluginID}
	}

	// b. create the plugin handle.
	plugin, err := factory.Create(ctx, config)
	if err != nil {
		return fmt.Errorf("factory.create: %w", err)
	}
	manifest := plugin.Manifest()

	// c. admission check.
	if manifest.MagicSeal != MagicSeal {
		return &kernelerr.PermissionDeniedError{Permission: "sdk_admission", Actor: manifest.ID}
	}

	// d. required-permission coverage is a warning, not fatal.
	for _, req := range manifest.RequiredPermissions {
		if !row.AllowedPermissions.Contains(req) {
			m.log.Warn("plugin missing required permission at bootstrap",
				zap.String("plugin_id", manifest.ID), zap.String("permission", string(req)))
		}
	}

	// e. per-plugin async bridge.
	br := m.newBridge(ctx, manifest.ID)

	// f. assemble runtime context; inject network capability only.
	rc := &RuntimeContext{
		PluginID:    manifest.ID,
		Store:       m.storeFactory(manifest.ID),
		Permissions: row.AllowedPermissions.Clone(),
		EventsOut:   br.in,
	}
	var net *capabilities.Network
	if row.AllowedPermissions.Contains(events.PermissionNetworkAccess) {
		net = m.capsFactory.Network
	}
	if err := plugin.OnPluginInit(ctx, rc, net); err != nil {
		br.cancel()
		return fmt.Errorf("on_plugin_init: %w", err)
	}

	// g. inject the remaining granted capabilities; errors are warnings.
	m.injectGrantedCapabilities(ctx, plugin, row.AllowedPermissions)

	// h. registration: the effective permissions are recorded before the
	// plugin enters the registry table, so any dispatch that reaches the
	// plugin finds its permissions. Each table is updated under its own
	// lock, one after the other, not under both locks at once.
	m.mu.Lock()
	m.bridges[manifest.ID] = br
	m.mu.Unlock()
	m.reg.SetPermissions(manifest.ID, row.AllowedPermissions)
	m.reg.Register(plugin)

	m.log.Info("plugin bootstrapped", zap.String("plugin_id", manifest.ID), zap.String("service_type", string(manifest.ServiceType)))
	return nil
}

// injectGrantedCapabilities maps each granted permission onto its
// capability (spec §4.3 step g) and calls on_capability_injected,
// treating failures as warnings only.
func (m *Manager) injectGrantedCapabilities(ctx context.Context, plugin Plugin, perms events.PermissionSet) {
	inject := func(perm events.Permission, cap any) {
		if cap == nil || !perms.Contains(perm) {
			return
		}
		if err := plugin.OnCapabilityInjected(ctx, cap); err != nil {
			m.log.Warn("capability injection failed",
				zap.String("plugin_id", plugin.ID()), zap.String("permission", string(perm)), zap.Error(err))
		}
	}

	inject(events.PermissionNetworkAccess, m.capsFactory.Network)

	if perms.Contains(events.PermissionFileRead) || perms.Contains(events.PermissionFileWrite) {
		readOnly := !perms.Contains(events.PermissionFileWrite)
		if fs, err := capabilities.NewFilesystem(m.capsFactory.FilesystemBase, readOnly); err == nil {
			inject(events.PermissionFileWrite, fs)
			inject(events.PermissionFileRead, fs)
		} else {
			m.log.Warn("filesystem capability construction failed", zap.Error(err))
		}
	}

	if perms.Contains(events.PermissionProcessExecution) {
		proc := capabilities.NewProcess(m.capsFactory.AllowedProcesses, m.capsFactory.ProcessMaxTimeout)
		inject(events.PermissionProcessExecution, proc)
	}
}

// newBridge constructs the bounded per-plugin channel and its
// forwarder goroutine (spec §4.3 step e, §5's "bounded(100)" bridge).
// Each forward re-acquires the shared bridge semaphore so no single
// plugin can saturate the kernel's main queue.
func (m *Manager) newBridge(ctx context.Context, pluginID string) *bridge {
	bctx, cancel := context.WithCancel(ctx)
	b := &bridge{
		pluginID: pluginID,
		in:       make(chan *events.EnvelopedEvent, m.bridgeQueue),
		cancel:   cancel,
	}
	go m.forward(bctx, b)
	return b
}

func (m *Manager) forward(ctx context.Context, b *bridge) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-b.in:
			if !ok {
				return
			}
			if err := m.bridgeSem.Acquire(ctx, 1); err != nil {
				return
			}
			select {
			case m.eventsOut <- env:
			case <-ctx.Done():
			}
			m.bridgeSem.Release(1)
		}
	}
}

// permissionsKey is the scoped-store key each plugin's
// allowed_permissions upsert is written under (spec §4.3: "update
// allowed_permissions in storage via a single atomic upsert").
const permissionsKey = "permissions"

// GrantPermission performs a runtime grant (spec §4.3's "runtime
// grant/revoke" responsibility): a single atomic upsert of
// allowed_permissions into the plugin's scoped store, then updates the
// effective-permissions table and, if the permission maps to a
// capability, injects it.
func (m *Manager) GrantPermission(ctx context.Context, pluginID string, perm events.Permission) error {
	plugin, ok := m.reg.Get(pluginID)
	if !ok {
		return &kernelerr.NotFoundError{Kind: "plugin", ID: pluginID}
	}
	perms := m.reg.Permissions(pluginID)
	perms.Add(perm)
	if err := m.storeFactory(pluginID).SetJSON(ctx, pluginID, permissionsKey, perms); err != nil {
		return fmt.Errorf("persist granted permission: %w", err)
	}
	m.reg.SetPermissions(pluginID, perms)
	obs.CapabilityGrants.WithLabelValues(string(perm), "grant").Inc()

	if pm, ok := plugin.(Plugin); ok {
		m.injectGrantedCapabilities(ctx, pm, events.NewPermissionSet(perm))
	}
	return nil
}

// RevokePermission removes a permission from storage and from the
// in-memory effective-permissions table with a single write, per spec
// §4.3. Per OQ1 (DESIGN.md), already-issued capability handles are not
// invalidated: the capabilities do no per-call permission check, so a
// handle injected before the revoke keeps working.
func (m *Manager) RevokePermission(ctx context.Context, pluginID string, perm events.Permission) error {
	perms := m.reg.Permissions(pluginID)
	perms.Remove(perm)
	if err := m.storeFactory(pluginID).SetJSON(ctx, pluginID, permissionsKey, perms); err != nil {
		return fmt.Errorf("persist revoked permission: %w", err)
	}
	m.reg.SetPermissions(pluginID, perms)
	obs.CapabilityGrants.WithLabelValues(string(perm), "revoke").Inc()
	return nil
}

// RegisterRuntimePlugin implements self-extension registration
// (spec §4.3.1): limited to the python.runtime.* namespace, duplicate
// ids rejected, same bootstrap discipline applied otherwise.
func (m *Manager) RegisterRuntimePlugin(ctx context.Context, row ActiveRow, config map[string]string) error {
	if !strings.HasPrefix(row.PluginID, RuntimePluginPrefix) {
		return &kernelerr.ValidationError{Field: "plugin_id", Message: "runtime registration requires the python.runtime. prefix", Value: row.PluginID}
	}
	if _, exists := m.reg.Get(row.PluginID); exists {
		return &kernelerr.ValidationError{Field: "plugin_id", Message: "duplicate runtime plugin id", Value: row.PluginID}
	}
	return m.bootstrapOne(ctx, row, config)
}

// Shutdown cancels every bridge forwarder.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bridges {
		b.cancel()
	}
}

// Package registry implements the Plugin Registry: the plugin table,
// the effective-permissions table, and the semaphore-bounded
// dispatch_event/execute_tool fan-out (spec §4.2).
//
// Grounded on internal/plugin-panel-system/plugin-panel-system.go's
// Manager (plugin table + registry fields under a mutex) for the table
// shape, and on internal/event-hooks/event-hooks.go's
// "go func(sub, evt) { ... }" per-subscriber dispatch goroutine for the
// fan-out shape — generalized here to a semaphore-bounded fan-out
// rather than an unbounded goroutine-per-subscriber spawn, per spec §5.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/exiv-ai/kernel/internal/breaker"
	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/kernelerr"
	"github.com/exiv-ai/kernel/internal/kernid"
	"github.com/exiv-ai/kernel/internal/obs"
)

// Per-plugin circuit breaker tuning (spec has no dedicated knob for
// this, and internal/breaker takes every value as a constructor
// argument). A plugin whose
// on_event callback fails half the time over a 30s window trips the
// breaker and is skipped for 10s, so one misbehaving plugin can't
// burn the fanout semaphore for every event.
const (
	breakerWindow        = 30 * time.Second
	breakerCooldown      = 10 * time.Second
	breakerFailThreshold = 0.5
	breakerMinSamples    = 5
)

// Plugin is the minimal surface the registry needs to fan out an
// event. A nil EventData return with a nil error means "no follow-up
// event" (spec §4.2 step 4's Ok(None)).
type Plugin interface {
	ID() string
	OnEvent(ctx context.Context, event *events.Event) (events.EventData, error)
}

// ToolExecutor is implemented by plugins that expose callable tools
// (spec §4.6's agentic loop contract). Plugins that don't provide
// tools simply don't implement this interface — a type assertion at
// dispatch time finds the ones that do (Design Notes: capability-set,
// not inheritance).
type ToolExecutor interface {
	ToolNames() []string
	ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Registry holds the plugin table, the effective-permissions table,
// and the shared dispatch semaphore.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin

	permMu      sync.RWMutex
	permissions map[string]events.PermissionSet // issuer id string -> granted permissions

	maxCascadeDepth uint8
	pluginTimeout   time.Duration
	sem             *semaphore.Weighted

	breakerMu sync.Mutex
	breakers  map[string]*breaker.CircuitBreaker

	log *zap.Logger
}

// New builds a Registry. fanoutCapacity bounds simultaneously in-flight
// plugin callbacks across the whole kernel (spec §5: default 50).
func New(maxCascadeDepth uint8, pluginTimeout time.Duration, fanoutCapacity int64, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		plugins:         make(map[string]Plugin),
		permissions:     make(map[string]events.PermissionSet),
		maxCascadeDepth: maxCascadeDepth,
		pluginTimeout:   pluginTimeout,
		sem:             semaphore.NewWeighted(fanoutCapacity),
		breakers:        make(map[string]*breaker.CircuitBreaker),
		log:             log,
	}
}

// breakerFor returns the circuit breaker tracking pluginID's on_event
// callback health, creating one on first use.
func (r *Registry) breakerFor(pluginID string) *breaker.CircuitBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	cb, ok := r.breakers[pluginID]
	if !ok {
		cb = breaker.New(breakerWindow, breakerCooldown, breakerFailThreshold, breakerMinSamples)
		r.breakers[pluginID] = cb
	}
	return cb
}

// Register adds a plugin to the table under the write lock. The Plugin
// Manager's registration step (spec §4.3 step h) first records the
// plugin's permissions via SetPermissions, under the separate
// permissions lock, and then calls Register; the two tables are never
// updated under both locks at once.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.ID()] = p
	obs.PluginsRegistered.Set(float64(len(r.plugins)))
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, id)
	obs.PluginsRegistered.Set(float64(len(r.plugins)))
}

// PluginIDs returns every currently registered plugin id, used by the
// kernel to build an evolution AgentSnapshot and by status reporting.
func (r *Registry) PluginIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// SetPermissions replaces the effective permission set for an issuer
// id (plugin id). Called by the Plugin Manager's registration step
// and on PermissionGranted/Revoked.
func (r *Registry) SetPermissions(issuerID string, perms events.PermissionSet) {
	r.permMu.Lock()
	defer r.permMu.Unlock()
	r.permissions[issuerID] = perms
}

// Permissions returns the effective permission set for an issuer id,
// or an empty set if none is recorded.
func (r *Registry) Permissions(issuerID string) events.PermissionSet {
	r.permMu.RLock()
	defer r.permMu.RUnlock()
	if p, ok := r.permissions[issuerID]; ok {
		return p.Clone()
	}
	return events.NewPermissionSet()
}

func (r *Registry) HasPermission(issuerID string, perm events.Permission) bool {
	r.permMu.RLock()
	defer r.permMu.RUnlock()
	return r.permissions[issuerID].Contains(perm)
}

// dispatchOutcome is the per-plugin callback result, consumed by the
// result-collection loop in DispatchEvent.
type dispatchOutcome struct {
	pluginID string
	data     events.EventData
	err      error
}

// DispatchEvent implements spec §4.2's dispatch_event algorithm.
// eventOut receives any synthesized child envelopes; it MUST be
// buffered or actively drained. Each child is re-enqueued from its own
// detached goroutine (see enqueueChild) rather than inline, so
// DispatchEvent itself never blocks waiting for eventOut to drain.
func (r *Registry) DispatchEvent(ctx context.Context, envelope *events.EnvelopedEvent, eventOut chan<- *events.EnvelopedEvent) {
	if envelope.Depth >= r.maxCascadeDepth {
		obs.CascadeLimitReached.Inc()
		r.log.Warn("cascade_limit_reached",
			zap.String("trace_id", envelope.Event.TraceID.String()),
			zap.Uint8("depth", envelope.Depth))
		return
	}

	ctx, span := obs.StartDispatchSpan(ctx, envelope.Event.TraceID.String(), envelope.Depth, fmt.Sprintf("%T", envelope.Event.Data))
	defer span.End()

	r.mu.RLock()
	snapshot := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	results := make(chan dispatchOutcome, len(snapshot))
	var wg sync.WaitGroup

	for _, p := range snapshot {
		if !r.breakerFor(p.ID()).Allow() {
			r.log.Warn("plugin callback skipped, breaker open", zap.String("plugin_id", p.ID()))
			obs.PluginCallbacks.WithLabelValues(p.ID(), "breaker_open").Inc()
			continue
		}
		wg.Add(1)
		go func(p Plugin) {
			defer wg.Done()
			r.runCallback(ctx, p, envelope, results)
		}(p)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var issuer *kernid.Id
	for outcome := range results {
		r.breakerFor(outcome.pluginID).Record(outcome.err == nil)
		switch {
		case outcome.err != nil:
			r.log.Error("plugin callback failed",
				zap.String("plugin_id", outcome.pluginID), zap.Error(outcome.err))
			obs.PluginCallbacks.WithLabelValues(outcome.pluginID, "error").Inc()
			obs.RecordError(ctx, outcome.err)
		case outcome.data == nil:
			obs.PluginCallbacks.WithLabelValues(outcome.pluginID, "none").Inc()
		default:
			obs.PluginCallbacks.WithLabelValues(outcome.pluginID, "ok").Inc()
			id := kernid.FromName(outcome.pluginID)
			issuer = &id
			child := envelope.Child(outcome.data, issuer)
			go r.enqueueChild(ctx, child, eventOut)
		}
	}
}

// runCallback acquires a semaphore permit, wraps plugin.OnEvent with
// panic recovery and a per-plugin timeout, and pushes the outcome onto
// results. Exactly one dispatchOutcome is sent per call, except when
// the permit cannot be acquired (ctx canceled): then none is sent.
func (r *Registry) runCallback(ctx context.Context, p Plugin, envelope *events.EnvelopedEvent, results chan<- dispatchOutcome) {
	ctx, span := obs.StartPluginCallbackSpan(ctx, p.ID())
	defer span.End()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.log.Warn("dispatch semaphore closed, skipping callback", zap.String("plugin_id", p.ID()))
		return
	}
	defer r.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, r.pluginTimeout)
	defer cancel()

	outcome := dispatchOutcome{pluginID: p.ID()}
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				outcome.err = &kernelerr.PluginError{
					PluginID: p.ID(),
					Message:  "panic in on_event",
					Err:      fmt.Errorf("%v", rec),
				}
			}
		}()
		data, err := p.OnEvent(callCtx, envelope.Event)
		if err != nil {
			outcome.err = &kernelerr.PluginError{PluginID: p.ID(), Message: "on_event returned error", Err: err}
			return
		}
		outcome.data = data
	}()

	select {
	case <-done:
	case <-callCtx.Done():
		outcome.err = &kernelerr.TimeoutError{Operation: fmt.Sprintf("plugin %s on_event", p.ID())}
	}

	results <- outcome
}

// enqueueChild re-acquires a semaphore permit to bound the feedback
// loop (spec §4.2 step 4) before placing the synthesized child
// envelope on eventOut. Always invoked as its own goroutine (matching
// the original's tokio::spawn-detached redispatch): a blocking inline
// call here would park the result-collection loop, and with it the
// only goroutine able to drain the processor's input queue on a
// cascade that fills both queues at once.
func (r *Registry) enqueueChild(ctx context.Context, child *events.EnvelopedEvent, eventOut chan<- *events.EnvelopedEvent) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	select {
	case eventOut <- child:
	case <-ctx.Done():
	}
}

// ExecuteTool implements spec §4.2 step 5: scan for a plugin whose
// tool name matches, drop the read lock, then invoke. The lock MUST be
// released before the call — tool execution can be slow and must not
// block plugin registration.
func (r *Registry) ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error) {
	var found ToolExecutor

	r.mu.RLock()
	for _, p := range r.plugins {
		te, ok := p.(ToolExecutor)
		if !ok {
			continue
		}
		for _, tn := range te.ToolNames() {
			if tn == name {
				found = te
				break
			}
		}
		if found != nil {
			break
		}
	}
	r.mu.RUnlock()

	if found == nil {
		return nil, &kernelerr.NotFoundError{Kind: "tool", ID: name}
	}

	result, err := found.ExecuteTool(ctx, name, args)
	if err != nil {
		obs.ToolInvocations.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	obs.ToolInvocations.WithLabelValues(name, "ok").Inc()
	return result, nil
}

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/exiv-ai/kernel/internal/audit"
	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/evolution"
	"github.com/exiv-ai/kernel/internal/kernid"
	"github.com/exiv-ai/kernel/internal/obs"
	"github.com/exiv-ai/kernel/internal/pluginmanager"
	"github.com/exiv-ai/kernel/internal/processor"
	"github.com/exiv-ai/kernel/internal/registry"
	"github.com/exiv-ai/kernel/internal/selfext"
)

// runBroadcastConsumer drains Processor.Broadcast(), the destination
// for every event kind interpret() doesn't special-case itself
// (ToolRegistrationRequested, the evolution triggers, and everything
// else). It feeds the evolution engine, routes self-extension
// registration, writes audit entries, and re-injects any follow-up
// events the same way a plugin's own return value would be.
func runBroadcastConsumer(
	ctx context.Context,
	proc *processor.Processor,
	reg *registry.Registry,
	manager *pluginmanager.Manager,
	evoEngine *evolution.Engine,
	collector *evolution.Collector,
	registrar *selfext.Registrar,
	auditLog *audit.Logger,
	log *zap.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-proc.Broadcast():
			if !ok {
				return
			}
			handleBroadcast(ctx, env, proc, reg, manager, evoEngine, collector, registrar, auditLog, log)
		}
	}
}

func handleBroadcast(
	ctx context.Context,
	env *events.EnvelopedEvent,
	proc *processor.Processor,
	reg *registry.Registry,
	manager *pluginmanager.Manager,
	evoEngine *evolution.Engine,
	collector *evolution.Collector,
	registrar *selfext.Registrar,
	auditLog *audit.Logger,
	log *zap.Logger,
) {
	data := env.Event.Data

	if agentID := collector.Observe(data); agentID != "" {
		evaluateAgent(ctx, agentID, reg, evoEngine, collector, proc, auditLog, log)
	}

	switch v := data.(type) {
	case events.ToolRegistrationRequested:
		out, err := registrar.Handle(ctx, v)
		if err != nil {
			log.Warn("self-extension registration failed", obs.String("agent_id", v.AgentID), obs.Err(err))
			return
		}
		auditLog.LogAsync(ctx, audit.Entry{EventType: audit.EventAgentPowerOn, ActorID: v.AgentID, Result: "success", TraceID: env.Event.TraceID.String()})
		injectFollowup(proc, env, out)

	case events.PermissionGranted:
		auditLog.LogAsync(ctx, audit.Entry{
			EventType: audit.EventPermissionGranted, ActorID: v.PluginID, Permission: string(v.Permission),
			Result: "success", TraceID: env.Event.TraceID.String(),
		})

	case events.PermissionRevoked:
		result := "success"
		if err := manager.RevokePermission(ctx, v.PluginID, v.Permission); err != nil {
			log.Warn("permission revoke failed", obs.String("plugin_id", v.PluginID), obs.Err(err))
			result = "error"
		}
		auditLog.LogAsync(ctx, audit.Entry{
			EventType: audit.EventPermissionRevoked, ActorID: v.PluginID, Permission: string(v.Permission),
			Result: result, TraceID: env.Event.TraceID.String(),
		})

	case events.ConfigUpdated:
		actor := "kernel"
		if env.Issuer != nil {
			actor = env.Issuer.String()
		}
		auditLog.LogAsync(ctx, audit.Entry{
			EventType: audit.EventConfigUpdated, ActorID: actor, Result: "success",
			Metadata: map[string]any{"keys": v.Keys}, TraceID: env.Event.TraceID.String(),
		})

	case events.EvolutionRollback:
		auditLog.LogAsync(ctx, audit.Entry{
			EventType: audit.EventEvolutionRollback, ActorID: v.AgentID, Result: "success",
			Reason: v.Reason, TraceID: env.Event.TraceID.String(),
		})

	case events.SystemNotification:
		auditLog.LogAsync(ctx, audit.Entry{EventType: audit.EventSystemUpdate, ActorID: "kernel", Result: "success", Reason: v.Message, TraceID: env.Event.TraceID.String()})
	}
}

// evaluateAgent computes the latest fitness scores for agentID and
// runs one evolution evaluation cycle, feeding any resulting events
// (generation transitions, breaches, rollbacks) back onto the bus.
func evaluateAgent(
	ctx context.Context,
	agentID string,
	reg *registry.Registry,
	evoEngine *evolution.Engine,
	collector *evolution.Collector,
	proc *processor.Processor,
	auditLog *audit.Logger,
	log *zap.Logger,
) {
	scores := collector.ComputeScores(agentID)
	snapshot := evolution.AgentSnapshot{ActivePlugins: reg.PluginIDs()}

	out, err := evoEngine.Evaluate(ctx, agentID, scores, snapshot)
	if err != nil {
		log.Warn("evolution evaluate failed", obs.String("agent_id", agentID), obs.Err(err))
		return
	}
	for _, data := range out {
		env := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), data)}
		select {
		case proc.Input() <- env:
		case <-ctx.Done():
			return
		}
	}
}

// injectFollowup re-envelopes a plugin-style return value as a child
// of the triggering envelope and places it back on the input queue,
// the same child-envelope discipline registry.DispatchEvent applies to
// an ordinary plugin's OnEvent return. It never waits: when the input
// queue is full, the event is dropped.
func injectFollowup(proc *processor.Processor, parent *events.EnvelopedEvent, data events.EventData) {
	if data == nil {
		return
	}
	child := parent.Child(data, nil)
	select {
	case proc.Input() <- child:
	default:
	}
}

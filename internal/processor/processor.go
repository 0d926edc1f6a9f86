// Package processor implements the Event Processor: the single
// asynchronous consumer of the kernel's envelope input queue
// (spec §4.4).
//
// Grounded on internal/event-hooks/event-hooks.go's EventBus
// (single-worker-loop-over-a-channel shape, ctx-cancellation shutdown,
// "queue full -> warn and drop" policy for the broadcast bus),
// generalized from a fixed worker pool fanning out to subscriber
// interfaces into a single-consumer loop that hands off to the
// Plugin Registry for fan-out and only broadcasts for its own
// subscriber set.
package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/kernid"
	"github.com/exiv-ai/kernel/internal/obs"
)

// Dispatcher is the subset of registry.Registry the processor depends
// on, kept as an interface so tests can stub it.
type Dispatcher interface {
	DispatchEvent(ctx context.Context, envelope *events.EnvelopedEvent, eventOut chan<- *events.EnvelopedEvent)
	HasPermission(issuerID string, perm events.Permission) bool
	SetPermissions(issuerID string, perms events.PermissionSet)
	Permissions(issuerID string) events.PermissionSet
}

// PermissionGranter is implemented by the Plugin Manager; the
// processor calls it on PermissionGranted so capability injection
// happens alongside the effective-permissions update (spec §4.4 step
// 4's PermissionGranted handling).
type PermissionGranter interface {
	GrantPermission(ctx context.Context, pluginID string, perm events.Permission) error
}

// HistoryEntry is one recorded envelope (spec §4.4 step 1).
type HistoryEntry struct {
	Envelope  *events.EnvelopedEvent
	RecordedAt time.Time
}

// Metrics aggregates the request/memory/episode counters spec §4.4
// step 2 calls for; kept as plain counters rather than a prometheus
// vector since these are internal bookkeeping values exposed through
// Snapshot, not an operator-facing metric surface. The Fitness
// Collector keeps its own counters and does not read these.
type Metrics struct {
	mu        sync.Mutex
	Requests  uint64
	Memories  uint64
	Episodes  uint64
}

func (m *Metrics) observe(data events.EventData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := data.(type) {
	case events.MessageReceived, events.ThoughtRequested:
		m.Requests++
	case events.ActionRequested:
		m.Episodes++
	case events.PermissionRequested:
		// memory_read/memory_write permission requests are the closest
		// proxy the closed event set offers to a distinct memory-access
		// counter; finer granularity would require the memory provider
		// itself to emit a dedicated event, which is out of scope here.
		if v.Permission == events.PermissionMemoryRead || v.Permission == events.PermissionMemoryWrite {
			m.Memories++
		}
	}
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{Requests: m.Requests, Memories: m.Memories, Episodes: m.Episodes}
}

// Processor is the single-consumer event loop.
type Processor struct {
	input     chan *events.EnvelopedEvent
	broadcast chan *events.EnvelopedEvent
	registry  Dispatcher
	granter   PermissionGranter

	historyMu      sync.Mutex
	history        []HistoryEntry
	maxHistorySize int
	retention      time.Duration

	metrics Metrics

	debounce *debouncer

	log *zap.Logger
}

// New builds a Processor. inputSize and broadcastSize follow spec §5's
// channel-size defaults (100 each); maxHistorySize and retention come
// from config.Dispatch.
func New(inputSize, broadcastSize, maxHistorySize int, retention time.Duration, reg Dispatcher, granter PermissionGranter, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		input:          make(chan *events.EnvelopedEvent, inputSize),
		broadcast:      make(chan *events.EnvelopedEvent, broadcastSize),
		registry:       reg,
		granter:        granter,
		maxHistorySize: maxHistorySize,
		retention:      retention,
		debounce:       newDebouncer(250 * time.Millisecond),
		log:            log,
	}
}

// Input returns the send side of the envelope input queue.
func (p *Processor) Input() chan<- *events.EnvelopedEvent { return p.input }

// Broadcast returns the receive side of the subscriber broadcast bus.
func (p *Processor) Broadcast() <-chan *events.EnvelopedEvent { return p.broadcast }

// Run drives the single-consumer loop until ctx is canceled. Plugin
// return-events are re-enveloped by the registry and fed back into the
// same input queue (spec §4.2/§4.4's cascade loop), so Run also owns
// the feedback channel.
func (p *Processor) Run(ctx context.Context) {
	feedback := make(chan *events.EnvelopedEvent, cap(p.input))
	go p.drainFeedback(ctx, feedback)

	janitorCtx, cancelJanitor := context.WithCancel(ctx)
	defer cancelJanitor()
	go p.janitor(janitorCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-p.input:
			if !ok {
				return
			}
			p.processOne(ctx, env, feedback)
		}
	}
}

func (p *Processor) drainFeedback(ctx context.Context, feedback <-chan *events.EnvelopedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-feedback:
			select {
			case p.input <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processOne implements spec §4.4's five-step per-envelope algorithm.
func (p *Processor) processOne(ctx context.Context, env *events.EnvelopedEvent, feedback chan<- *events.EnvelopedEvent) {
	p.record(env)
	p.metrics.observe(env.Event.Data)

	obs.EventsDispatched.Inc()
	p.registry.DispatchEvent(ctx, env, feedback)

	p.interpret(ctx, env, feedback)
}

func (p *Processor) record(env *events.EnvelopedEvent) {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	p.history = append(p.history, HistoryEntry{Envelope: env, RecordedAt: time.Now()})
	for len(p.history) > p.maxHistorySize {
		p.history = p.history[1:]
	}
}

// interpret implements spec §4.4 step 4's event-kind switch.
func (p *Processor) interpret(ctx context.Context, env *events.EnvelopedEvent, feedback chan<- *events.EnvelopedEvent) {
	switch data := env.Event.Data.(type) {
	case events.ThoughtResponse:
		p.tryBroadcast(env)
		child := env.Child(events.MessageReceived{
			Message: events.Message{
				Source:  events.MessageSource{Kind: events.MessageSourceAgent, ID: data.AgentID},
				Content: data.Content,
			},
		}, env.Issuer)
		select {
		case feedback <- child:
		case <-ctx.Done():
		default:
			p.log.Warn("feedback queue full, dropping synthesized message_received", zap.String("agent_id", data.AgentID))
		}

	case events.ActionRequested:
		if env.Issuer != nil {
			declared := kernid.FromName(data.Requester)
			if !env.Issuer.Equal(declared) {
				p.log.Error("dropped forged action_requested event",
					zap.String("trace_id", env.Event.TraceID.String()),
					zap.String("declared_requester", data.Requester))
				return
			}
		}
		if !p.registry.HasPermission(data.Requester, events.PermissionInputControl) {
			p.log.Error("dropped action_requested: requester lacks input_control",
				zap.String("requester", data.Requester))
			return
		}
		p.tryBroadcast(env)

	case events.PermissionGranted:
		perms := p.registry.Permissions(data.PluginID)
		perms.Add(data.Permission)
		p.registry.SetPermissions(data.PluginID, perms)
		if p.granter != nil {
			if err := p.granter.GrantPermission(ctx, data.PluginID, data.Permission); err != nil {
				p.log.Warn("capability injection on grant failed",
					zap.String("plugin_id", data.PluginID), zap.Error(err))
			}
		}
		p.debounce.trigger(func() { p.log.Debug("route refresh (permission_granted)") })
		p.tryBroadcast(env)

	case events.ConfigUpdated:
		p.debounce.trigger(func() { p.log.Debug("route refresh (config_updated)") })
		p.tryBroadcast(env)

	default:
		p.tryBroadcast(env)
	}
}

// tryBroadcast is lossy under lag: a full broadcast bus is a warning,
// never a blocking wait (spec §4.4 step 5).
func (p *Processor) tryBroadcast(env *events.EnvelopedEvent) {
	select {
	case p.broadcast <- env:
	default:
		obs.EventsDropped.WithLabelValues("broadcast_lag").Inc()
		p.log.Warn("broadcast bus lagging, dropping message")
	}
}

// janitor prunes history older than retention every 5 minutes (spec
// §4.4's background janitor).
func (p *Processor) janitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneHistory()
		}
	}
}

func (p *Processor) pruneHistory() {
	if p.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.retention)
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	i := 0
	for i < len(p.history) && p.history[i].RecordedAt.Before(cutoff) {
		i++
	}
	p.history = p.history[i:]
}

// History returns a snapshot copy of the current history ring,
// oldest first.
func (p *Processor) History() []HistoryEntry {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	out := make([]HistoryEntry, len(p.history))
	copy(out, p.history)
	return out
}

// Metrics returns a snapshot of the aggregate counters.
func (p *Processor) Metrics() Metrics { return p.metrics.Snapshot() }

// debouncer coalesces repeated triggers within a window into a single
// delayed call, used for spec §4.4's "debounce a route-refresh".
type debouncer struct {
	mu       sync.Mutex
	window   time.Duration
	timer    *time.Timer
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window}
}

func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, fn)
}

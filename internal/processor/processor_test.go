package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/kernid"
)

type stubDispatcher struct {
	dispatched int
	perms      map[string]events.PermissionSet
}

func newStubDispatcher() *stubDispatcher {
	return &stubDispatcher{perms: make(map[string]events.PermissionSet)}
}

func (s *stubDispatcher) DispatchEvent(ctx context.Context, envelope *events.EnvelopedEvent, eventOut chan<- *events.EnvelopedEvent) {
	s.dispatched++
}

func (s *stubDispatcher) HasPermission(issuerID string, perm events.Permission) bool {
	return s.perms[issuerID].Contains(perm)
}

func (s *stubDispatcher) SetPermissions(issuerID string, perms events.PermissionSet) {
	s.perms[issuerID] = perms
}

func (s *stubDispatcher) Permissions(issuerID string) events.PermissionSet {
	if p, ok := s.perms[issuerID]; ok {
		return p.Clone()
	}
	return events.NewPermissionSet()
}

type stubGranter struct {
	grants []string
}

func (g *stubGranter) GrantPermission(ctx context.Context, pluginID string, perm events.Permission) error {
	g.grants = append(g.grants, pluginID+":"+string(perm))
	return nil
}

func TestProcessOne_RecordsHistoryAndDispatches(t *testing.T) {
	disp := newStubDispatcher()
	p := New(10, 10, 100, time.Hour, disp, nil, nil)

	env := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.MessageReceived{})}
	feedback := make(chan *events.EnvelopedEvent, 4)
	p.processOne(context.Background(), env, feedback)

	assert.Equal(t, 1, disp.dispatched)
	assert.Len(t, p.History(), 1)
	assert.Equal(t, uint64(1), p.Metrics().Requests)
}

func TestInterpret_ThoughtResponseSynthesizesMessageReceived(t *testing.T) {
	disp := newStubDispatcher()
	p := New(10, 10, 100, time.Hour, disp, nil, nil)

	traceID := kernid.New()
	env := &events.EnvelopedEvent{Event: events.WithTrace(traceID, events.ThoughtResponse{AgentID: "agent-1", Content: "hi"}), Depth: 2}
	feedback := make(chan *events.EnvelopedEvent, 4)
	p.interpret(context.Background(), env, feedback)

	select {
	case child := <-feedback:
		assert.Equal(t, uint8(3), child.Depth)
		assert.Equal(t, traceID, child.Event.TraceID)
		_, ok := child.Event.Data.(events.MessageReceived)
		assert.True(t, ok)
	default:
		t.Fatal("expected a synthesized message_received on the feedback channel")
	}
}

func TestInterpret_ActionRequestedDropsForgedIssuer(t *testing.T) {
	disp := newStubDispatcher()
	disp.SetPermissions("mind.deepseek", events.NewPermissionSet(events.PermissionInputControl))
	p := New(10, 10, 100, time.Hour, disp, nil, nil)

	forgedIssuer := kernid.FromName("someone.else")
	env := &events.EnvelopedEvent{
		Event:  events.NewEvent(kernid.New(), events.ActionRequested{Requester: "mind.deepseek", Action: "click"}),
		Issuer: &forgedIssuer,
	}

	select {
	case <-p.broadcast:
		t.Fatal("forged action_requested must not reach the broadcast bus")
	default:
	}
	p.interpret(context.Background(), env, make(chan *events.EnvelopedEvent, 1))
	select {
	case <-p.broadcast:
		t.Fatal("forged action_requested must not reach the broadcast bus")
	default:
	}
}

func TestInterpret_ActionRequestedAllowsMatchingIssuer(t *testing.T) {
	disp := newStubDispatcher()
	disp.SetPermissions("mind.deepseek", events.NewPermissionSet(events.PermissionInputControl))
	p := New(10, 10, 100, time.Hour, disp, nil, nil)

	correctIssuer := kernid.FromName("mind.deepseek")
	env := &events.EnvelopedEvent{
		Event:  events.NewEvent(kernid.New(), events.ActionRequested{Requester: "mind.deepseek", Action: "click"}),
		Issuer: &correctIssuer,
	}
	p.interpret(context.Background(), env, make(chan *events.EnvelopedEvent, 1))

	select {
	case <-p.broadcast:
	case <-time.After(time.Second):
		t.Fatal("expected a legitimate action_requested to reach the broadcast bus")
	}
}

func TestInterpret_ActionRequestedDropsWithoutInputControl(t *testing.T) {
	disp := newStubDispatcher()
	p := New(10, 10, 100, time.Hour, disp, nil, nil)

	env := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.ActionRequested{Requester: "mind.deepseek", Action: "click"})}
	p.interpret(context.Background(), env, make(chan *events.EnvelopedEvent, 1))

	select {
	case <-p.broadcast:
		t.Fatal("action_requested without input_control must be dropped")
	default:
	}
}

func TestInterpret_PermissionGrantedUpdatesTableAndCallsGranter(t *testing.T) {
	disp := newStubDispatcher()
	granter := &stubGranter{}
	p := New(10, 10, 100, time.Hour, disp, granter, nil)

	env := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.PermissionGranted{PluginID: "mind.deepseek", Permission: events.PermissionNetworkAccess})}
	p.interpret(context.Background(), env, make(chan *events.EnvelopedEvent, 1))

	assert.True(t, disp.perms["mind.deepseek"].Contains(events.PermissionNetworkAccess))
	require.Len(t, granter.grants, 1)
	assert.Equal(t, "mind.deepseek:network_access", granter.grants[0])
}

func TestHistory_PrunedByMaxSize(t *testing.T) {
	disp := newStubDispatcher()
	p := New(10, 10, 3, time.Hour, disp, nil, nil)

	for i := 0; i < 5; i++ {
		p.record(&events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.MessageReceived{})})
	}

	assert.Len(t, p.History(), 3)
}

func TestPruneHistory_RemovesEntriesOlderThanRetention(t *testing.T) {
	disp := newStubDispatcher()
	p := New(10, 10, 100, time.Millisecond, disp, nil, nil)

	p.record(&events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.MessageReceived{})})
	time.Sleep(5 * time.Millisecond)
	p.pruneHistory()

	assert.Empty(t, p.History())
}

func TestTryBroadcast_DropsWhenFull(t *testing.T) {
	disp := newStubDispatcher()
	p := New(10, 1, 100, time.Hour, disp, nil, nil)

	env1 := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.SystemNotification{})}
	env2 := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.SystemNotification{})}
	p.tryBroadcast(env1)

	assert.NotPanics(t, func() { p.tryBroadcast(env2) })
}

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exiv-ai/kernel/internal/breaker"
	"github.com/exiv-ai/kernel/internal/events"
	"github.com/exiv-ai/kernel/internal/kernid"
)

type stubPlugin struct {
	id       string
	onEvent  func(ctx context.Context, e *events.Event) (events.EventData, error)
	toolName string
}

func (s *stubPlugin) ID() string { return s.id }

func (s *stubPlugin) OnEvent(ctx context.Context, e *events.Event) (events.EventData, error) {
	if s.onEvent == nil {
		return nil, nil
	}
	return s.onEvent(ctx, e)
}

func (s *stubPlugin) ToolNames() []string { return []string{s.toolName} }

func (s *stubPlugin) ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return "tool-result:" + name, nil
}

func TestDispatchEvent_SynthesizesChildEnvelope(t *testing.T) {
	reg := New(10, 2*time.Second, 50, nil)
	reg.Register(&stubPlugin{
		id: "mind.deepseek",
		onEvent: func(ctx context.Context, e *events.Event) (events.EventData, error) {
			return events.ThoughtResponse{AgentID: "agent-1", Content: "hello"}, nil
		},
	})

	traceID := events.NewEvent(kernid.New(), events.MessageReceived{}).TraceID
	envelope := &events.EnvelopedEvent{Event: events.WithTrace(traceID, events.MessageReceived{}), Depth: 0}

	out := make(chan *events.EnvelopedEvent, 4)
	reg.DispatchEvent(context.Background(), envelope, out)

	select {
	case child := <-out:
		assert.Equal(t, envelope.Depth+1, child.Depth)
		assert.Equal(t, traceID, child.Event.TraceID)
		require.NotNil(t, child.Issuer)
	case <-time.After(time.Second):
		t.Fatal("expected a synthesized child envelope")
	}
}

func TestDispatchEvent_CascadeLimitDropsEvent(t *testing.T) {
	reg := New(1, time.Second, 50, nil)
	called := false
	reg.Register(&stubPlugin{
		id: "p1",
		onEvent: func(ctx context.Context, e *events.Event) (events.EventData, error) {
			called = true
			return nil, nil
		},
	})

	envelope := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.MessageReceived{}), Depth: 1}
	out := make(chan *events.EnvelopedEvent, 1)
	reg.DispatchEvent(context.Background(), envelope, out)

	assert.False(t, called, "plugin callback must not run once cascade limit is reached")
}

func TestDispatchEvent_PanicIsolatedAsError(t *testing.T) {
	reg := New(10, time.Second, 50, nil)
	reg.Register(&stubPlugin{
		id: "flaky",
		onEvent: func(ctx context.Context, e *events.Event) (events.EventData, error) {
			panic("boom")
		},
	})

	envelope := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.MessageReceived{}), Depth: 0}
	out := make(chan *events.EnvelopedEvent, 1)

	assert.NotPanics(t, func() {
		reg.DispatchEvent(context.Background(), envelope, out)
	})
	select {
	case <-out:
		t.Fatal("a panicking plugin must not produce a child event")
	default:
	}
}

func TestDispatchEvent_TimeoutIsolated(t *testing.T) {
	reg := New(10, 20*time.Millisecond, 50, nil)
	reg.Register(&stubPlugin{
		id: "slow",
		onEvent: func(ctx context.Context, e *events.Event) (events.EventData, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	envelope := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.MessageReceived{}), Depth: 0}
	out := make(chan *events.EnvelopedEvent, 1)
	reg.DispatchEvent(context.Background(), envelope, out)

	select {
	case <-out:
		t.Fatal("a timed-out plugin must not produce a child event")
	default:
	}
}

func TestExecuteTool_InvokesMatchingTool(t *testing.T) {
	reg := New(10, time.Second, 50, nil)
	reg.Register(&stubPlugin{id: "tools.echo", toolName: "echo"})

	result, err := reg.ExecuteTool(context.Background(), "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "tool-result:echo", result)
}

func TestExecuteTool_NotFound(t *testing.T) {
	reg := New(10, time.Second, 50, nil)
	_, err := reg.ExecuteTool(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestPermissions_SetAndCheck(t *testing.T) {
	reg := New(10, time.Second, 50, nil)
	reg.SetPermissions("mind.deepseek", events.NewPermissionSet(events.PermissionNetworkAccess))

	assert.True(t, reg.HasPermission("mind.deepseek", events.PermissionNetworkAccess))
	assert.False(t, reg.HasPermission("mind.deepseek", events.PermissionAdminAccess))
	assert.False(t, reg.HasPermission("unknown", events.PermissionNetworkAccess))
}

func TestPluginIDs_ReflectsRegisterAndUnregister(t *testing.T) {
	r := New(5, time.Second, 10, nil)
	r.Register(&stubPlugin{id: "a"})
	r.Register(&stubPlugin{id: "b"})
	assert.ElementsMatch(t, []string{"a", "b"}, r.PluginIDs())

	r.Unregister("a")
	assert.Equal(t, []string{"b"}, r.PluginIDs())
}

func TestDispatchEvent_BreakerTripsAfterRepeatedFailuresThenSkips(t *testing.T) {
	reg := New(10, time.Second, 50, nil)
	reg.Register(&stubPlugin{
		id: "flaky",
		onEvent: func(ctx context.Context, e *events.Event) (events.EventData, error) {
			return nil, assert.AnError
		},
	})

	envelope := &events.EnvelopedEvent{Event: events.NewEvent(kernid.New(), events.MessageReceived{}), Depth: 0}
	out := make(chan *events.EnvelopedEvent, 16)

	for i := 0; i < breakerMinSamples; i++ {
		reg.DispatchEvent(context.Background(), envelope, out)
	}
	assert.Equal(t, breaker.Open, reg.breakerFor("flaky").State())

	calls := 0
	reg.Unregister("flaky")
	reg.Register(&stubPlugin{
		id: "flaky",
		onEvent: func(ctx context.Context, e *events.Event) (events.EventData, error) {
			calls++
			return nil, assert.AnError
		},
	})
	reg.DispatchEvent(context.Background(), envelope, out)
	assert.Equal(t, 0, calls, "breaker-open plugin must not be called")
}

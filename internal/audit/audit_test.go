package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exiv-ai/kernel/internal/config"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(config.Audit{FilePath: path, MaxSizeMB: 10, MaxBackups: 1, MaxAgeDays: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLogger_Log_WritesRetrievableEntry(t *testing.T) {
	l := newTestLogger(t)
	err := l.Log(Entry{
		EventType: EventPermissionGranted,
		ActorID:   "agent-1",
		TargetID:  "net.http",
		Result:    "allow",
	})
	require.NoError(t, err)

	entries, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventPermissionGranted, entries[0].EventType)
	assert.Equal(t, "agent-1", entries[0].ActorID)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestLogger_Disabled_NeverWrites(t *testing.T) {
	l, err := New(config.Audit{}, nil)
	require.NoError(t, err)

	require.NoError(t, l.Log(Entry{EventType: EventSystemUpdate}))
	entries, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogger_Query_FiltersByEventTypeAndActor(t *testing.T) {
	l := newTestLogger(t)
	require.NoError(t, l.Log(Entry{EventType: EventAgentPowerOn, ActorID: "agent-1", Result: "ok"}))
	require.NoError(t, l.Log(Entry{EventType: EventAgentPowerOff, ActorID: "agent-1", Result: "ok"}))
	require.NoError(t, l.Log(Entry{EventType: EventAgentPowerOn, ActorID: "agent-2", Result: "ok"}))

	entries, err := l.Query(Filter{EventType: EventAgentPowerOn, ActorID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-1", entries[0].ActorID)
}

func TestLogger_Query_NewestFirst(t *testing.T) {
	l := newTestLogger(t)
	require.NoError(t, l.Log(Entry{EventType: EventSystemUpdate, Timestamp: time.Now().Add(-time.Hour)}))
	require.NoError(t, l.Log(Entry{EventType: EventSystemUpdate, Timestamp: time.Now()}))

	entries, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Timestamp.After(entries[1].Timestamp))
}

func TestLogger_Query_RespectsLimit(t *testing.T) {
	l := newTestLogger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(Entry{EventType: EventSystemUpdate}))
	}
	entries, err := l.Query(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLogger_LogAsync_EventuallyPersists(t *testing.T) {
	l := newTestLogger(t)
	l.LogAsync(context.Background(), Entry{EventType: EventEvolutionRollback, ActorID: "agent-1", Result: "rolled_back"})

	require.Eventually(t, func() bool {
		entries, err := l.Query(Filter{EventType: EventEvolutionRollback})
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestLogger_Query_NonexistentFileReturnsEmpty(t *testing.T) {
	l, err := New(config.Audit{FilePath: filepath.Join(t.TempDir(), "never-written.log")}, nil)
	require.NoError(t, err)
	entries, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

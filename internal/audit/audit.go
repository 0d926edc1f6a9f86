// Package audit writes the kernel's durable audit trail: permission
// grants/revocations, config updates, agent power transitions,
// evolution rollbacks, and system updates. LogAsync spawns a
// best-effort background task with bounded retries, so a slow or
// momentarily-unwritable log file can never stall the event processor;
// Log writes synchronously on the caller's goroutine.
//
// Grounded on internal/rbac-and-tokens/audit.go's AuditLogger, which
// wraps a lumberjack rotating writer behind a mutex and defines the
// same Log/Query shape; generalized from that package's HTTP-request
// audit fields to the kernel's actor/target/permission entry shape.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/exiv-ai/kernel/internal/config"
)

// Event types for audit entries, per the kernel's fixed catalog.
const (
	EventPermissionGranted = "PERMISSION_GRANTED"
	EventPermissionRevoked = "PERMISSION_REVOKED"
	EventConfigUpdated     = "CONFIG_UPDATED"
	EventAgentPowerOn      = "AGENT_POWER_ON"
	EventAgentPowerOff     = "AGENT_POWER_OFF"
	EventEvolutionRollback = "EVOLUTION_ROLLBACK"
	EventSystemUpdate      = "SYSTEM_UPDATE"
)

// retryBackoff is the fixed 100/200/300ms schedule for best-effort
// audit writes: three retries beyond the initial attempt.
var retryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// Entry is one audit log record.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	ActorID    string         `json:"actor_id"`
	TargetID   string         `json:"target_id,omitempty"`
	Permission string         `json:"permission,omitempty"`
	Result     string         `json:"result"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
}

// Filter narrows Query results.
type Filter struct {
	ActorID   string
	TargetID  string
	EventType string
	Result    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Logger is the kernel's audit log writer.
type Logger struct {
	mu      sync.Mutex
	writer  *lumberjack.Logger
	path    string
	enabled bool
	log     *zap.Logger
}

// New builds a Logger from kernel configuration. A disabled logger
// (empty FilePath) discards every entry; Log and LogAsync remain safe
// to call unconditionally.
func New(cfg config.Audit, log *zap.Logger) (*Logger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FilePath == "" {
		return &Logger{enabled: false, log: log}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	return &Logger{
		enabled: true,
		path:    cfg.FilePath,
		log:     log,
		writer: &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		},
	}, nil
}

// Log writes entry synchronously, returning any I/O error.
func (l *Logger) Log(entry Entry) error {
	if !l.enabled {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append(b, '\n'))
	if err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

// LogAsync spawns a best-effort background write with up to three
// retries at 100/200/300ms backoff, per the kernel's audit contract.
// Callers never observe a write failure directly; it is logged and
// dropped, since an unauditable system event must never block the
// caller that triggered it.
func (l *Logger) LogAsync(ctx context.Context, entry Entry) {
	if !l.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	go func() {
		var lastErr error
		if err := l.Log(entry); err == nil {
			return
		} else {
			lastErr = err
		}
		for _, backoff := range retryBackoff {
			select {
			case <-ctx.Done():
				l.log.Warn("audit write abandoned, context canceled", zap.String("event_type", entry.EventType), zap.Error(lastErr))
				return
			case <-time.After(backoff):
			}
			if err := l.Log(entry); err == nil {
				return
			} else {
				lastErr = err
			}
		}
		l.log.Warn("audit write failed after retries",
			zap.String("event_type", entry.EventType),
			zap.String("actor_id", entry.ActorID),
			zap.Error(lastErr))
	}()
}

// Query reads matching entries from the audit log file, newest first.
func (l *Logger) Query(filter Filter) ([]Entry, error) {
	if !l.enabled {
		return nil, nil
	}

	l.mu.Lock()
	f, err := os.Open(l.path)
	l.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(io.Reader(f))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}
		if matches(entry, filter) {
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func matches(entry Entry, f Filter) bool {
	if f.ActorID != "" && entry.ActorID != f.ActorID {
		return false
	}
	if f.TargetID != "" && entry.TargetID != f.TargetID {
		return false
	}
	if f.EventType != "" && entry.EventType != f.EventType {
		return false
	}
	if f.Result != "" && entry.Result != f.Result {
		return false
	}
	if !f.StartTime.IsZero() && entry.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && entry.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// Close flushes and closes the underlying rotating writer.
func (l *Logger) Close() error {
	if !l.enabled {
		return nil
	}
	return l.writer.Close()
}

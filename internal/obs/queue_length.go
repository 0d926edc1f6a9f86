// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DepthSampler reports the current depth of an in-memory channel-backed
// queue. Implementations are expected to return len(ch) cheaply.
type DepthSampler func() int

// StartBacklogDepthUpdater periodically samples a set of named in-memory
// queues (main.go passes the processor's input and broadcast queues
// and the plugin manager's shared bridge output) and updates the
// backlog depth gauge.
//
// Adapted from internal/obs/queue_length.go's Redis LLen poller: the
// kernel has no Redis-backed work queue to sample, so this polls
// in-process channel lengths instead of calling out to Redis.
func StartBacklogDepthUpdater(ctx context.Context, interval time.Duration, samplers map[string]DepthSampler, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	log.Debug("backlog depth updater started", zap.Duration("interval", interval), zap.Int("queues", len(samplers)))
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, sample := range samplers {
					BacklogDepth.WithLabelValues(name).Set(float64(sample()))
				}
			}
		}
	}()
}

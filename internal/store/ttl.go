package store

import (
	"context"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/logx"
)

// DefaultSweepInterval is how often StartTTLWorker removes expired threads.
const DefaultSweepInterval = 5 * time.Minute

// StartTTLWorker runs a background goroutine that periodically removes
// expired threads from s. It returns immediately when s does not need
// sweeping. The goroutine exits when ctx is cancelled.
func StartTTLWorker(ctx context.Context, s ThreadStore, interval time.Duration) {
	sweeper, ok := s.(Sweeper)
	if !ok {
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logx.Info().Dur("interval", interval).Msg("thread TTL worker started")

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, sweeper)
			case <-ctx.Done():
				logx.Info().Err(ctx.Err()).Msg("thread TTL worker shutting down")
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, sweeper Sweeper) {
	deleted, err := sweeper.DeleteExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logx.Error().Err(err).Msg("thread TTL worker failed to delete expired threads")
		return
	}
	if deleted > 0 {
		logx.Info().Int64("count", deleted).Msg("thread TTL worker removed expired threads")
	}
}

// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/scenesmith/orchestrator/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples queue lengths and updates a gauge.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}
	qset := map[string]struct{}{}
	for _, q := range cfg.Dispatcher.Queues {
		qset[q] = struct{}{}
	}
	qset[cfg.Dispatcher.DeadLetterList] = struct{}{}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for q := range qset {
					n, err := rdb.LLen(ctx, q).Result()
					if err != nil {
						log.Debug("queue length poll error", String("queue", q), Err(err))
						continue
					}
					QueueLength.WithLabelValues(q).Set(float64(n))
				}
			}
		}
	}()
}

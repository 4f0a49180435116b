// Package reaper sweeps for jobs left behind by a crashed worker: a
// processing-list entry whose heartbeat key has expired is pushed back onto
// its priority queue (Redis SCAN over *:processing keys, heartbeat liveness
// check, RPop+LPush requeue). ReconcileOrphanDebits is a startup-only sweep
// that closes the window between marking a job "error" and crediting its
// refund, should a crash land between the two.
package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scenesmith/orchestrator/internal/config"
	"github.com/scenesmith/orchestrator/internal/ledger"
	"github.com/scenesmith/orchestrator/internal/obs"
	"github.com/scenesmith/orchestrator/internal/queue"
	"github.com/scenesmith/orchestrator/internal/store"
)

// Reaper periodically requeues jobs abandoned by a dead worker.
type Reaper struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, log: log}
}

// Run loops scanOnce every 5 seconds until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, "orchestrator:worker:*:processing", 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			parts := strings.Split(plist, ":")
			if len(parts) < 4 {
				continue
			}
			workerID := parts[2]
			hbKey := fmt.Sprintf(r.cfg.Dispatcher.HeartbeatKeyPattern, workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			}
			r.requeueAbandoned(ctx, plist)
		}
		if cursor == 0 {
			break
		}
	}
}

func (r *Reaper) requeueAbandoned(ctx context.Context, plist string) {
	for {
		payload, err := r.rdb.RPop(ctx, plist).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			r.log.Warn("reaper rpop error", obs.Err(err))
			return
		}
		ref, err := queue.UnmarshalJobRef(payload)
		if err != nil {
			continue
		}
		dest := r.cfg.Dispatcher.Queues[ref.Priority]
		if dest == "" {
			dest = r.cfg.Dispatcher.Queues[r.cfg.Dispatcher.Priorities[0]]
		}
		if err := r.rdb.LPush(ctx, dest, payload).Err(); err != nil {
			r.log.Error("requeue failed", obs.Err(err))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("requeued abandoned job", obs.String("id", ref.ID), obs.String("to", dest))
	}
}

// ReconcileOrphanDebits scans every job in a terminal error state and, for
// any whose debit transaction has no matching refund, credits it back. This
// covers a crash landing between the Store.Upsert that records the error and Ledger.Credit
// in the dispatcher's failure path. It is meant to run once at startup,
// before the dispatcher begins pulling new work.
func ReconcileOrphanDebits(st *store.Store, lg *ledger.Ledger, log *zap.Logger) (int, error) {
	errored, err := st.ListByState(store.StateError)
	if err != nil {
		return 0, err
	}
	reconciled := 0
	for _, job := range errored {
		tx, ok, err := lg.DebitForJob(job.ID)
		if err != nil {
			return reconciled, err
		}
		if !ok {
			continue
		}
		refunded, err := lg.HasRefund(job.ID)
		if err != nil {
			return reconciled, err
		}
		if refunded {
			continue
		}
		if _, err := lg.Credit(tx.UserID, job.ID, tx.Amount, "startup reconciliation: orphaned debit"); err != nil {
			log.Error("reconcile credit failed", obs.String("id", job.ID), obs.Err(err))
			continue
		}
		obs.OrphanDebitsReconciled.Inc()
		log.Warn("reconciled orphaned debit", obs.String("id", job.ID), obs.Int64("amount", tx.Amount))
		reconciled++
	}
	return reconciled, nil
}

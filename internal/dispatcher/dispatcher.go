// Package dispatcher implements the worker pool that pops job references off
// the Redis priority queues and routes them to the registered pipeline
// handlers, refunding the submission-time debit when a job fails or is
// cancelled. Grounded on the
// teacher's internal/worker.Worker: the same per-worker BRPOPLPUSH loop,
// heartbeat key, processing list and circuit-breaker pause, generalized from
// a single simulated job shape to the closed map of pipeline.Handler.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scenesmith/orchestrator/internal/breaker"
	"github.com/scenesmith/orchestrator/internal/config"
	"github.com/scenesmith/orchestrator/internal/ledger"
	"github.com/scenesmith/orchestrator/internal/models"
	"github.com/scenesmith/orchestrator/internal/obs"
	"github.com/scenesmith/orchestrator/internal/pipeline"
	"github.com/scenesmith/orchestrator/internal/queue"
	"github.com/scenesmith/orchestrator/internal/registry"
	"github.com/scenesmith/orchestrator/internal/store"
)

// Dispatcher owns the worker pool, breaker, and wiring between the queue,
// store, ledger, registry, and pipeline handlers.
type Dispatcher struct {
	cfg      *config.Config
	rdb      *redis.Client
	log      *zap.Logger
	cb       *breaker.CircuitBreaker
	store    *store.Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	handlers map[string]pipeline.Handler
	deps     pipeline.Deps
	baseID   string
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger, st *store.Store, lg *ledger.Ledger, reg *registry.Registry, deps pipeline.Deps) *Dispatcher {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Dispatcher{
		cfg: cfg, rdb: rdb, log: log, cb: cb,
		store: st, ledger: lg, registry: reg,
		handlers: pipeline.Registry(), deps: deps, baseID: base,
	}
}

// Enqueue pushes a job reference onto its priority queue, used by submission
// right after the job row and the debit are durably recorded.
func (d *Dispatcher) Enqueue(ctx context.Context, ref queue.JobRef) error {
	key, ok := d.cfg.Dispatcher.Queues[ref.Priority]
	if !ok {
		return fmt.Errorf("dispatcher: unknown priority %q", ref.Priority)
	}
	payload, err := ref.Marshal()
	if err != nil {
		return err
	}
	return d.rdb.LPush(ctx, key, payload).Err()
}

// Run starts the configured number of worker goroutines and blocks until ctx
// is cancelled and every worker has exited.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Dispatcher.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", d.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			d.runOne(ctx, workerID)
		}(id)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch d.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.WithLabelValues("dispatcher").Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.WithLabelValues("dispatcher").Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.WithLabelValues("dispatcher").Set(2)
				}
			}
		}
	}()

	wg.Wait()
	return nil
}

func (d *Dispatcher) runOne(ctx context.Context, workerID string) {
	procList := fmt.Sprintf(d.cfg.Dispatcher.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(d.cfg.Dispatcher.HeartbeatKeyPattern, workerID)

	for ctx.Err() == nil {
		if !d.cb.Allow() {
			time.Sleep(d.cfg.Dispatcher.BreakerPause)
			continue
		}

		payload, srcQueue := d.dequeueOne(ctx, procList)
		if payload == "" {
			continue
		}

		obs.JobsConsumed.Inc()
		_ = d.rdb.Set(ctx, hbKey, payload, d.cfg.Dispatcher.HeartbeatTTL).Err()

		ok := d.processOne(ctx, workerID, srcQueue, procList, hbKey, payload)
		prev := d.cb.State()
		d.cb.Record(ok)
		if curr := d.cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.WithLabelValues("dispatcher").Inc()
		}
	}
}

func (d *Dispatcher) dequeueOne(ctx context.Context, procList string) (string, string) {
	for _, p := range d.cfg.Dispatcher.Priorities {
		key := d.cfg.Dispatcher.Queues[p]
		if key == "" {
			continue
		}
		deqCtx, deqSpan := obs.StartDequeueSpan(ctx, key)
		v, err := d.rdb.BRPopLPush(deqCtx, key, procList, d.cfg.Dispatcher.BRPopLPushTimeout).Result()
		if errors.Is(err, redis.Nil) {
			deqSpan.End()
			continue
		}
		if err != nil {
			obs.RecordError(deqCtx, err)
			deqSpan.End()
			if ctx.Err() != nil {
				return "", ""
			}
			d.log.Warn("brpoplpush error", obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		obs.SetSpanSuccess(deqCtx)
		obs.AddEvent(deqCtx, "job_dequeued", obs.KeyValue("queue", key))
		deqSpan.End()
		return v, key
	}
	return "", ""
}

// processOne runs one job end to end: dispatch to its handler under a
// per-job timeout, persist the result, and refund credits on failure. It
// returns whether the breaker should count this as a success.
func (d *Dispatcher) processOne(ctx context.Context, workerID, srcQueue, procList, hbKey, payload string) bool {
	ref, err := queue.UnmarshalJobRef(payload)
	if err != nil {
		d.log.Error("invalid job payload", obs.Err(err))
		d.cleanup(ctx, procList, hbKey, payload)
		return false
	}

	ctx, span := obs.ContextWithJobSpan(ctx, ref)
	defer span.End()
	obs.AddSpanAttributes(ctx, obs.KeyValue("worker.id", workerID), obs.KeyValue("queue.source", srcQueue))

	job, err := d.store.Get(ref.ID)
	if err != nil {
		d.log.Error("job not found in store", obs.String("id", ref.ID), obs.Err(err))
		d.cleanup(ctx, procList, hbKey, payload)
		return false
	}
	if job.State == store.StateCancelled {
		d.cleanup(ctx, procList, hbKey, payload)
		return true
	}

	handler, ok := d.handlers[job.Type]
	if !ok {
		d.failJob(ctx, job, fmt.Errorf("no handler registered for job type %q", job.Type))
		d.cleanup(ctx, procList, hbKey, payload)
		return false
	}

	_ = d.store.UpdateState(job.ID, store.StateProcessing, "")
	d.registry.SetState(job.ID, store.StateProcessing)

	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.Dispatcher.JobTimeout)
	defer cancel()

	var payloadMap map[string]any
	_ = decodeJSON(job.Params, &payloadMap)

	start := time.Now()
	metadata, herr := handler(jobCtx, pipeline.Job{ID: job.ID, Type: job.Type, UserID: job.UserID, Payload: payloadMap}, func(progress int, phase string) {
		d.registry.UpdateProgress(job.ID, progress, phase)
		_ = d.store.UpdateProgress(job.ID, progress, phase)
	}, d.deps)
	obs.JobProcessingDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if herr != nil {
		obs.RecordError(ctx, herr)
		d.failJob(ctx, job, herr)
		d.cleanup(ctx, procList, hbKey, payload)
		return false
	}

	d.finishJob(ctx, job, metadata)
	d.cleanup(ctx, procList, hbKey, payload)
	return true
}

func (d *Dispatcher) finishJob(ctx context.Context, job store.Job, metadata map[string]any) {
	encoded, _ := encodeJSON(metadata)
	job.Metadata = encoded
	job.State = store.StateDone
	job.Progress = 100
	if err := d.store.Upsert(job); err != nil {
		d.log.Error("store upsert on finish failed", obs.String("id", job.ID), obs.Err(err))
	}
	d.registry.Finish(job.ID, store.StateDone, metadata, "")
	obs.SetSpanSuccess(ctx)
	obs.JobsCompleted.WithLabelValues(job.Type).Inc()
	d.log.Info("job completed", obs.String("id", job.ID), obs.String("type", job.Type))
}

func (d *Dispatcher) failJob(ctx context.Context, job store.Job, cause error) {
	job.State = store.StateError
	job.Error = cause.Error()
	if err := d.store.Upsert(job); err != nil {
		d.log.Error("store upsert on failure failed", obs.String("id", job.ID), obs.Err(err))
	}
	d.registry.Finish(job.ID, store.StateError, nil, cause.Error())
	obs.JobsFailed.WithLabelValues(job.Type).Inc()
	d.log.Warn("job failed", obs.String("id", job.ID), obs.Err(cause))

	if job.UserID == "" {
		return
	}
	refund, cerr := d.estimateRefund(job)
	if cerr != nil || refund <= 0 {
		return
	}
	if newBal, rerr := d.ledger.Credit(job.UserID, job.ID, refund, "job failed: automatic refund"); rerr != nil {
		d.log.Error("refund failed", obs.String("id", job.ID), obs.Err(rerr))
	} else {
		obs.CreditsRefunded.Add(float64(refund))
		d.log.Info("job refunded", obs.String("id", job.ID), obs.Int64("amount", refund), obs.Int64("new_balance", newBal))
	}
}

// estimateRefund recovers how many credits this job cost from its own debit
// transaction, so a failure refunds exactly what was taken rather than a
// re-derived estimate that could drift from the original charge.
func (d *Dispatcher) estimateRefund(job store.Job) (int64, error) {
	tx, ok, err := d.ledger.DebitForJob(job.ID)
	if err != nil || !ok {
		return 0, err
	}
	if refunded, _ := d.ledger.HasRefund(job.ID); refunded {
		return 0, nil
	}
	return tx.Amount, nil
}

func (d *Dispatcher) cleanup(ctx context.Context, procList, hbKey, payload string) {
	if err := d.rdb.LRem(ctx, procList, 1, payload).Err(); err != nil {
		d.log.Error("lrem processing failed", obs.Err(err))
	}
	if err := d.rdb.Del(ctx, hbKey).Err(); err != nil {
		d.log.Error("del heartbeat failed", obs.Err(err))
	}
}

// Cancel marks a queued job cancelled and refunds its debit; a job in any
// other state is left unchanged and an error is returned. The worker that
// eventually dequeues a cancelled job observes the cancelled state and skips
// it.
func (d *Dispatcher) Cancel(jobID string) error {
	job, err := d.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.State != store.StateQueued {
		return fmt.Errorf("dispatcher: job %s is %s, not queued", jobID, job.State)
	}
	if err := d.store.UpdateState(jobID, store.StateCancelled, ""); err != nil {
		return err
	}
	d.registry.SetState(jobID, store.StateCancelled)
	obs.JobsCancelled.Inc()

	if job.UserID == "" {
		return nil
	}
	refund, rerr := d.estimateRefund(job)
	if rerr != nil || refund <= 0 {
		return nil
	}
	if newBal, cerr := d.ledger.Credit(job.UserID, job.ID, refund, "job cancelled: automatic refund"); cerr != nil {
		d.log.Error("cancel refund failed", obs.String("id", job.ID), obs.Err(cerr))
	} else {
		obs.CreditsRefunded.Add(float64(refund))
		d.log.Info("job cancel refunded", obs.String("id", job.ID), obs.Int64("amount", refund), obs.Int64("new_balance", newBal))
	}
	return nil
}

// EstimateCredits exposes the model registry's pricing for submission-time
// validation and display.
func EstimateCredits(modelID string, durationSec int) int {
	return models.EstimateCredits(modelID, durationSec)
}

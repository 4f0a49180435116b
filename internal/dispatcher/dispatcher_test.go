package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scenesmith/orchestrator/internal/adapters"
	"github.com/scenesmith/orchestrator/internal/config"
	"github.com/scenesmith/orchestrator/internal/ledger"
	"github.com/scenesmith/orchestrator/internal/pipeline"
	"github.com/scenesmith/orchestrator/internal/queue"
	"github.com/scenesmith/orchestrator/internal/registry"
	"github.com/scenesmith/orchestrator/internal/store"
)

func testSetup(t *testing.T) (*Dispatcher, *store.Store, *ledger.Ledger, *registry.Registry, *redis.Client, *config.Config) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	lg, err := ledger.New(st.DB(), 1000)
	if err != nil {
		t.Fatalf("ledger new: %v", err)
	}

	reg := registry.New()
	log := zap.NewNop()

	cfg := &config.Config{
		Dispatcher: config.Dispatcher{
			Count:                 1,
			HeartbeatTTL:          30 * time.Second,
			Priorities:            []string{"high", "normal"},
			Queues:                map[string]string{"high": "test:queue:high", "normal": "test:queue:normal"},
			ProcessingListPattern: "test:worker:%s:processing",
			HeartbeatKeyPattern:   "test:heartbeat:%s",
			DeadLetterList:        "test:queue:dead_letter",
			BRPopLPushTimeout:     200 * time.Millisecond,
			BreakerPause:          10 * time.Millisecond,
			JobTimeout:            5 * time.Second,
		},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           time.Minute,
			CooldownPeriod:   time.Second,
			MinSamples:       5,
		},
	}

	deps := pipeline.Deps{
		Image:         adapters.NewImageClient(""),
		Video:         adapters.NewVideoClient("", 0, 1),
		Audio:         adapters.NewAudioClient(nil),
		Encoder:       adapters.NewEncoder("ffmpeg", t.TempDir()),
		MediaDir:      t.TempDir(),
		PublicBaseURL: "https://media.example.com",
	}

	d := New(cfg, rdb, log, st, lg, reg, deps)
	return d, st, lg, reg, rdb, cfg
}

func TestEnqueueUsesConfiguredQueueForPriority(t *testing.T) {
	d, _, _, _, rdb, cfg := testSetup(t)
	ref := queue.NewJobRef("job-1", queue.JobTypeTTS, "high")
	if err := d.Enqueue(context.Background(), ref); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := rdb.LLen(context.Background(), cfg.Dispatcher.Queues["high"]).Result()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 item in high queue, got %d (err=%v)", n, err)
	}
}

func TestEnqueueRejectsUnknownPriority(t *testing.T) {
	d, _, _, _, _, _ := testSetup(t)
	ref := queue.NewJobRef("job-2", queue.JobTypeTTS, "urgent")
	if err := d.Enqueue(context.Background(), ref); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestProcessOneRunsTTSHandlerAndMarksDone(t *testing.T) {
	d, st, lg, reg, rdb, cfg := testSetup(t)

	if _, err := lg.Debit("user-1", "job-3", 10, "tts submission"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	job := store.Job{ID: "job-3", Type: "tts", State: store.StateQueued, UserID: "user-1", Params: `{"text":"hello world"}`}
	if err := st.Upsert(job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reg.Install(registry.Record{ID: job.ID, Type: job.Type, State: store.StateQueued, UserID: job.UserID})

	ref := queue.NewJobRef(job.ID, queue.JobTypeTTS, "high")
	if err := d.Enqueue(context.Background(), ref); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
	_ = d.Run(ctx)
	_ = rdb
	_ = cfg

	got, err := st.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != store.StateDone {
		t.Fatalf("expected job done, got state=%s error=%s", got.State, got.Error)
	}
}

func TestFailedJobIsRefundedExactlyOnce(t *testing.T) {
	d, st, lg, reg, _, _ := testSetup(t)

	if _, err := lg.Debit("user-2", "job-4", 25, "submission"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	job := store.Job{ID: "job-4", Type: "unknown_type", State: store.StateQueued, UserID: "user-2"}
	if err := st.Upsert(job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reg.Install(registry.Record{ID: job.ID, Type: job.Type, State: store.StateQueued, UserID: job.UserID})

	ref := queue.NewJobRef(job.ID, queue.JobType("unknown_type"), "high")
	if err := d.Enqueue(context.Background(), ref); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
	_ = d.Run(ctx)

	got, err := st.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != store.StateError {
		t.Fatalf("expected job error, got %s", got.State)
	}
	refunded, err := lg.HasRefund(job.ID)
	if err != nil || !refunded {
		t.Fatalf("expected a refund to be recorded, got refunded=%v err=%v", refunded, err)
	}
	bal, err := lg.Balance("user-2")
	if err != nil || bal != 1000 {
		t.Fatalf("expected balance restored to starting balance 1000, got %d (err=%v)", bal, err)
	}
}

func TestCancelMarksJobCancelledInStoreAndRegistry(t *testing.T) {
	d, st, _, reg, _, _ := testSetup(t)
	job := store.Job{ID: "job-5", Type: "tts", State: store.StateQueued, UserID: "user-3"}
	if err := st.Upsert(job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reg.Install(registry.Record{ID: job.ID, Type: job.Type, State: store.StateQueued})

	if err := d.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := st.Get(job.ID)
	if err != nil || got.State != store.StateCancelled {
		t.Fatalf("expected cancelled state, got %s (err=%v)", got.State, err)
	}
	rec, ok := reg.Get(job.ID)
	if !ok || rec.State != store.StateCancelled {
		t.Fatalf("expected registry record cancelled, got %+v ok=%v", rec, ok)
	}
}

func TestCancelRefundsPriorDebit(t *testing.T) {
	d, st, lg, reg, _, _ := testSetup(t)

	if _, err := lg.Debit("user-4", "job-6", 40, "quick_create_full_universe submission"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	job := store.Job{ID: "job-6", Type: "quick_create_full_universe", State: store.StateQueued, UserID: "user-4"}
	if err := st.Upsert(job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	reg.Install(registry.Record{ID: job.ID, Type: job.Type, State: store.StateQueued, UserID: job.UserID})

	if err := d.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	refunded, err := lg.HasRefund(job.ID)
	if err != nil || !refunded {
		t.Fatalf("expected a refund to be recorded, got refunded=%v err=%v", refunded, err)
	}
	bal, err := lg.Balance("user-4")
	if err != nil || bal != 1000 {
		t.Fatalf("expected balance restored to starting balance 1000, got %d (err=%v)", bal, err)
	}
}

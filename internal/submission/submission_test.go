package submission

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scenesmith/orchestrator/internal/adapters"
	"github.com/scenesmith/orchestrator/internal/config"
	"github.com/scenesmith/orchestrator/internal/dispatcher"
	"github.com/scenesmith/orchestrator/internal/ledger"
	"github.com/scenesmith/orchestrator/internal/pipeline"
	"github.com/scenesmith/orchestrator/internal/registry"
	"github.com/scenesmith/orchestrator/internal/store"
)

func testService(t *testing.T) *Service {
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
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	lg, err := ledger.New(st.DB(), 1000)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	reg := registry.New()

	cfg := &config.Config{
		Dispatcher: config.Dispatcher{
			Count:                 1,
			Priorities:            []string{"high", "normal"},
			Queues:                map[string]string{"high": "orchestrator:queue:high", "normal": "orchestrator:queue:normal"},
			ProcessingListPattern: "orchestrator:worker:%s:processing",
			HeartbeatKeyPattern:   "orchestrator:heartbeat:%s",
		},
	}
	deps := pipeline.Deps{
		Image:   adapters.NewImageClient(""),
		Video:   adapters.NewVideoClient("", 0, 1),
		Audio:   adapters.NewAudioClient(nil),
		Encoder: adapters.NewEncoder("ffmpeg", t.TempDir()),
	}
	disp := dispatcher.New(cfg, rdb, zap.NewNop(), st, lg, reg, deps)

	return New(st, lg, reg, disp)
}

func TestSubmitQuickCreateRejectsShortIdeaWithoutDebiting(t *testing.T) {
	svc := testService(t)
	_, err := svc.SubmitQuickCreate(context.Background(), QuickCreateRequest{
		UserID:   "user-1",
		IdeaText: "hi",
		Duration: "30s",
	})
	if err == nil {
		t.Fatal("expected validation error for short idea_text")
	}
	bal, err := svc.Ledger.Balance("user-1")
	if err != nil || bal != 1000 {
		t.Fatalf("expected no debit on validation failure, balance=%d err=%v", bal, err)
	}
}

func TestSubmitQuickCreateRejectsUnknownModel(t *testing.T) {
	svc := testService(t)
	_, err := svc.SubmitQuickCreate(context.Background(), QuickCreateRequest{
		UserID:     "user-1",
		IdeaText:   "a robot discovers music for the first time",
		Duration:   "30s",
		VideoModel: "not-a-real-model",
	})
	if err == nil {
		t.Fatal("expected error for unknown video_model")
	}
}

func TestSubmitQuickCreateDebitsPersistsAndEnqueues(t *testing.T) {
	svc := testService(t)
	res, err := svc.SubmitQuickCreate(context.Background(), QuickCreateRequest{
		UserID:   "user-1",
		IdeaText: "a robot discovers music for the first time",
		Duration: "45s",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.JobID == "" || res.Status != string(store.StateQueued) {
		t.Fatalf("unexpected result: %+v", res)
	}

	job, err := svc.Store.Get(res.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != store.StateQueued || job.Type != "quick_create" {
		t.Fatalf("unexpected persisted job: %+v", job)
	}

	if _, ok := svc.Registry.Get(res.JobID); !ok {
		t.Fatal("expected job installed in registry")
	}

	bal, err := svc.Ledger.Balance("user-1")
	if err != nil || bal >= 1000 {
		t.Fatalf("expected balance debited, got %d (err=%v)", bal, err)
	}
}

func TestSubmitFullUniverseRoutesToPrincipalPipeline(t *testing.T) {
	svc := testService(t)
	res, err := svc.SubmitFullUniverse(context.Background(), QuickCreateRequest{
		UserID:   "user-1",
		IdeaText: "an astronaut finds an ancient library on the moon",
		Duration: "2min",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := svc.Store.Get(res.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Type != "quick_create_full_universe" {
		t.Fatalf("expected full universe job type, got %s", job.Type)
	}
}

func TestSubmitFullUniverseEstimatedTimeIsFixedRegardlessOfDuration(t *testing.T) {
	svc := testService(t)
	res, err := svc.SubmitFullUniverse(context.Background(), QuickCreateRequest{
		UserID:   "user-1",
		IdeaText: "an astronaut finds an ancient library on the moon",
		Duration: "30s",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.EstimatedTimeSec != 60 {
		t.Fatalf("expected fixed estimated_time_sec=60 for full universe, got %d", res.EstimatedTimeSec)
	}
}

func TestSubmitTTSRejectsEmptyText(t *testing.T) {
	svc := testService(t)
	if _, err := svc.SubmitTTS(context.Background(), TTSRequest{UserID: "user-1", Text: ""}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestSubmitComposeDoesNotDebitCredits(t *testing.T) {
	svc := testService(t)
	res, err := svc.SubmitCompose(context.Background(), ComposeRequest{
		UserID: "user-1",
		Spec:   map[string]any{"clips": []string{"a", "b"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bal, err := svc.Ledger.Balance("user-1")
	if err != nil || bal != 1000 {
		t.Fatalf("expected no debit for compose, got %d (err=%v)", bal, err)
	}
	if res.Status != string(store.StateQueued) {
		t.Fatalf("unexpected status: %s", res.Status)
	}
}

func TestGetStatusReturnsNotFoundForUnknownJob(t *testing.T) {
	svc := testService(t)
	if _, err := svc.GetStatus("nonexistent"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStatusReflectsPersistedJob(t *testing.T) {
	svc := testService(t)
	res, err := svc.SubmitTTS(context.Background(), TTSRequest{UserID: "user-1", Text: "hello there"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	status, err := svc.GetStatus(res.JobID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != string(store.StateQueued) {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestListRecentOrdersNewestFirstForUser(t *testing.T) {
	svc := testService(t)
	var ids []string
	for i := 0; i < 3; i++ {
		res, err := svc.SubmitTTS(context.Background(), TTSRequest{UserID: "user-1", Text: "hello"})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, res.JobID)
	}
	list, err := svc.ListRecent("user-1", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(list))
	}
}

func TestCancelOnlyValidWhileQueued(t *testing.T) {
	svc := testService(t)
	res, err := svc.SubmitTTS(context.Background(), TTSRequest{UserID: "user-1", Text: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ok, err := svc.Cancel(res.JobID)
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed while queued, ok=%v err=%v", ok, err)
	}

	if err := svc.Store.UpdateState(res.JobID, store.StateDone, ""); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if _, err := svc.Cancel(res.JobID); err != ErrNotCancellable {
		t.Fatalf("expected ErrNotCancellable for a done job, got %v", err)
	}
}

func TestCancelUnknownJobReturnsNotFound(t *testing.T) {
	svc := testService(t)
	if _, err := svc.Cancel("nonexistent"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesFromStoreAndRegistry(t *testing.T) {
	svc := testService(t)
	res, err := svc.SubmitTTS(context.Background(), TTSRequest{UserID: "user-1", Text: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ok, err := svc.Delete(res.JobID)
	if err != nil || !ok {
		t.Fatalf("expected delete to succeed, ok=%v err=%v", ok, err)
	}
	if _, err := svc.Store.Get(res.JobID); err == nil {
		t.Fatal("expected job removed from store")
	}
	if _, ok := svc.Registry.Get(res.JobID); ok {
		t.Fatal("expected job removed from registry")
	}
}

func TestDeleteUnknownJobReturnsNotFound(t *testing.T) {
	svc := testService(t)
	if _, err := svc.Delete("nonexistent"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

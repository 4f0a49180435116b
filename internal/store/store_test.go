package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	job := Job{ID: "job-1", Type: "quick_create", State: StateQueued, UserID: "user-1", Params: `{"idea_text":"a dog"}`}
	if err := s.Upsert(job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateQueued || got.UserID != "user-1" {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestUpsertIsIdempotentUpdate(t *testing.T) {
	s := openTestStore(t)
	job := Job{ID: "job-1", Type: "quick_create", State: StateQueued, UserID: "user-1"}
	if err := s.Upsert(job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	job.State = StateProcessing
	job.Progress = 40
	if err := s.Upsert(job); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateProcessing || got.Progress != 40 {
		t.Fatalf("expected update to stick, got %+v", got)
	}
}

func TestCompletedAliasNormalizesToDone(t *testing.T) {
	s := openTestStore(t)
	job := Job{ID: "job-1", Type: "quick_create", State: "completed", UserID: "user-1"}
	if err := s.Upsert(job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateDone {
		t.Fatalf("expected completed to normalize to done, got %s", got.State)
	}
}

func TestUpdateStateRejectsUnknownJob(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpdateState("nonexistent", StateError, "boom"); err == nil {
		t.Fatal("expected error for unknown job id")
	}
}

func TestListRecentOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	for i, id := range []string{"a", "b", "c"} {
		j := Job{ID: id, Type: "quick_create", State: StateQueued, UserID: "user-1"}
		j.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := s.Upsert(j); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	jobs, err := s.ListRecent("user-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 || jobs[0].ID != "c" {
		t.Fatalf("expected newest-first ordering, got %+v", jobs)
	}
}

func TestRecoverUnfinishedExcludesTerminalStates(t *testing.T) {
	s := openTestStore(t)
	_ = s.Upsert(Job{ID: "queued-1", Type: "quick_create", State: StateQueued, UserID: "u"})
	_ = s.Upsert(Job{ID: "processing-1", Type: "quick_create", State: StateProcessing, UserID: "u"})
	_ = s.Upsert(Job{ID: "done-1", Type: "quick_create", State: StateDone, UserID: "u"})
	_ = s.Upsert(Job{ID: "error-1", Type: "quick_create", State: StateError, UserID: "u"})

	jobs, err := s.RecoverUnfinished()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 unfinished jobs, got %d: %+v", len(jobs), jobs)
	}
}

func TestListByStateFiltersExactly(t *testing.T) {
	s := openTestStore(t)
	_ = s.Upsert(Job{ID: "error-1", Type: "quick_create", State: StateError, UserID: "u"})
	_ = s.Upsert(Job{ID: "error-2", Type: "tts", State: StateError, UserID: "u"})
	_ = s.Upsert(Job{ID: "done-1", Type: "quick_create", State: StateDone, UserID: "u"})

	jobs, err := s.ListByState(StateError)
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 errored jobs, got %d: %+v", len(jobs), jobs)
	}
}

func TestRenderUpsertAndFetch(t *testing.T) {
	s := openTestStore(t)
	_ = s.Upsert(Job{ID: "job-1", Type: "quick_create", State: StateProcessing, UserID: "u"})
	if err := s.UpsertRender(Render{JobID: "job-1", ItemID: "final", Quality: "high", Status: "completed", URL: "http://x/final.mp4"}); err != nil {
		t.Fatalf("upsert render: %v", err)
	}
	renders, err := s.RendersForJob("job-1")
	if err != nil {
		t.Fatalf("renders: %v", err)
	}
	if len(renders) != 1 || renders[0].Status != "completed" {
		t.Fatalf("unexpected renders: %+v", renders)
	}
}

func TestAssetCacheExpiry(t *testing.T) {
	s := openTestStore(t)
	if err := s.CacheAsset(CachedAsset{Hash: "h1", URL: "http://x/a.png", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("cache: %v", err)
	}
	a, ok, err := s.LookupAsset("h1")
	if err != nil || !ok {
		t.Fatalf("expected cached asset present, ok=%v err=%v", ok, err)
	}
	if a.URL != "http://x/a.png" {
		t.Fatalf("unexpected asset: %+v", a)
	}

	if err := s.CacheAsset(CachedAsset{Hash: "h2", URL: "http://x/b.png", ExpiresAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("cache expired: %v", err)
	}
	_, ok, err = s.LookupAsset("h2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatal("expected expired asset to be treated as a cache miss")
	}
}

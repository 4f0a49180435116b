package pipeline

import (
	"context"
	"testing"

	"github.com/scenesmith/orchestrator/internal/adapters"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	dir := t.TempDir()
	return Deps{
		Image:         adapters.NewImageClient(""),
		Video:         adapters.NewVideoClient("", 0, 1),
		Audio:         adapters.NewAudioClient(map[string]string{"cinematic": "https://tracks/cinematic.mp3"}),
		Encoder:       adapters.NewEncoder("ffmpeg", dir),
		MediaDir:      dir,
		PublicBaseURL: "https://media.example.com",
	}
}

func collectProgress() (Progress, *[]int) {
	seen := []int{}
	return func(p int, phase string) { seen = append(seen, p) }, &seen
}

func TestQuickCreateReachesFinalPhase(t *testing.T) {
	progress, seen := collectProgress()
	meta, err := QuickCreate(context.Background(), Job{ID: "job-1"}, progress, testDeps(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta["output_url"] != "/files/job-1/output.mp4" {
		t.Fatalf("unexpected output_url: %v", meta["output_url"])
	}
	if len(*seen) != 5 || (*seen)[len(*seen)-1] != 100 {
		t.Fatalf("expected 5 phases ending at 100, got %v", *seen)
	}
}

func TestComposeReachesFinalPhase(t *testing.T) {
	progress, seen := collectProgress()
	meta, err := Compose(context.Background(), Job{ID: "job-2"}, progress, testDeps(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta["output_url"] != "/files/job-2/composed.mp4" {
		t.Fatalf("unexpected output_url: %v", meta["output_url"])
	}
	if len(*seen) != 5 {
		t.Fatalf("expected 5 phases, got %v", *seen)
	}
}

func TestTTSEstimatesDurationFromTextLength(t *testing.T) {
	progress, _ := collectProgress()
	text := make([]byte, 300)
	for i := range text {
		text[i] = 'a'
	}
	meta, err := TTS(context.Background(), Job{ID: "job-3", Payload: map[string]any{"text": string(text)}}, progress, testDeps(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta["estimated_duration"] != 2 {
		t.Fatalf("expected duration 2 for 300 chars, got %v", meta["estimated_duration"])
	}
}

func TestTTSMinimumDurationIsOneSecond(t *testing.T) {
	progress, _ := collectProgress()
	meta, err := TTS(context.Background(), Job{ID: "job-4", Payload: map[string]any{"text": "hi"}}, progress, testDeps(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta["estimated_duration"] != 1 {
		t.Fatalf("expected minimum duration of 1, got %v", meta["estimated_duration"])
	}
}

func TestQuickCreateFullUniverseRejectsShortIdea(t *testing.T) {
	progress, _ := collectProgress()
	_, err := QuickCreateFullUniverse(context.Background(), Job{ID: "job-5", Payload: map[string]any{"idea_text": "hi"}}, progress, testDeps(t))
	if err == nil {
		t.Fatal("expected validation error for too-short idea_text")
	}
}

func TestQuickCreateFullUniverseFallsBackToImageLoopWithoutProviders(t *testing.T) {
	progress, seen := collectProgress()
	job := Job{
		ID: "job-6",
		Payload: map[string]any{
			"idea_text":    "a lighthouse keeper discovers a map to a sunken city",
			"style_key":    "cinematic",
			"aspect_ratio": "9:16",
		},
	}
	meta, err := QuickCreateFullUniverse(context.Background(), job, progress, testDeps(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta["video_source"] != "image_loop_fallback" {
		t.Fatalf("expected image_loop_fallback without a real provider, got %v", meta["video_source"])
	}
	for _, key := range []string{"episode_id", "series_id", "character_id", "output_url"} {
		if meta[key] == "" || meta[key] == nil {
			t.Fatalf("expected %s to be populated in metadata, got %+v", key, meta)
		}
	}
	if meta["dimensions"] != "720x1280" {
		t.Fatalf("expected dimensions 720x1280 for 9:16, got %v", meta["dimensions"])
	}
	if (*seen)[len(*seen)-1] != 100 {
		t.Fatalf("expected final progress of 100, got %v", *seen)
	}
}

func TestRegistryCoversAllFourJobTypes(t *testing.T) {
	reg := Registry()
	for _, jt := range []string{"quick_create", "quick_create_full_universe", "compose", "tts"} {
		if _, ok := reg[jt]; !ok {
			t.Fatalf("expected handler registered for job type %q", jt)
		}
	}
	if len(reg) != 4 {
		t.Fatalf("expected exactly 4 registered handlers, got %d", len(reg))
	}
}

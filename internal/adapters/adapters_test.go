package adapters

import (
	"context"
	"testing"

	"github.com/scenesmith/orchestrator/internal/models"
)

func TestImageClientReturnsErrorWithoutAPIKey(t *testing.T) {
	c := NewImageClient("")
	res, err := c.Generate(context.Background(), ImageRequest{Prompt: "a dog in a hat", Width: 512, Height: 512, Seed: 7})
	if err == nil {
		t.Fatal("expected an error when no API key is configured")
	}
	if res.URL != "" {
		t.Fatalf("expected empty result on error, got %+v", res)
	}
}

func TestImageClientRejectsEmptyPrompt(t *testing.T) {
	c := NewImageClient("a-real-looking-key")
	if _, err := c.Generate(context.Background(), ImageRequest{Prompt: ""}); err == nil {
		t.Fatal("expected an error for an empty prompt")
	}
}

func TestBuildPayloadShapesPerModelFamily(t *testing.T) {
	c := NewVideoClient("key", 0, 0)
	req := VideoRequest{Prompt: "a river", AspectRatio: "9:16", DurationSec: 8}

	runway := c.buildPayload(models.Resolve(models.RunwayGen3), req)
	if runway["aspectRatio"] != "9:16" {
		t.Fatalf("expected runway payload to carry aspectRatio directly, got %+v", runway)
	}

	sora := c.buildPayload(models.Resolve(models.Sora2Pro), req)
	input, ok := sora["input"].(map[string]any)
	if !ok || input["aspect_ratio"] != "portrait" {
		t.Fatalf("expected sora payload to remap 9:16 to portrait, got %+v", sora)
	}
}

func TestSoraAspectRatioMapping(t *testing.T) {
	cases := map[string]string{"16:9": "landscape", "9:16": "portrait", "1:1": "square", "weird": "landscape"}
	for in, want := range cases {
		if got := soraAspectRatio(in); got != want {
			t.Fatalf("soraAspectRatio(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAudioClientResolveMissingStyleFallsBackCleanly(t *testing.T) {
	c := NewAudioClient(map[string]string{"cinematic": "https://tracks/cinematic.mp3"})
	if _, ok := c.Resolve(context.Background(), AudioRequest{Style: "unknown"}); ok {
		t.Fatal("expected unconfigured style to report ok=false")
	}
	res, ok := c.Resolve(context.Background(), AudioRequest{Style: "cinematic"})
	if !ok || res.URL == "" {
		t.Fatalf("expected configured style to resolve, got %+v ok=%v", res, ok)
	}
}

func TestSanitizeFilenameStripsUnsafeCharacters(t *testing.T) {
	got := sanitizeFilename("job 1/../weird:name*.mp4")
	for _, r := range got {
		if r == '/' || r == ':' || r == '*' || r == ' ' {
			t.Fatalf("sanitizeFilename left unsafe character in %q", got)
		}
	}
}

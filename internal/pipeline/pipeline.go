// Package pipeline implements the per-job-type handlers: deterministic
// progressions through named phases that call the external adapters and the
// local encoder, publishing progress checkpoints as they go. The handler
// contract replaces the original service's exceptions-as-control-flow
// (backend/src/worker/enterprise_manager.py's bare except-and-continue style)
// with explicit (metadata, error) returns: only genuinely fatal conditions
// return a non-nil error, every provider-failure phase degrades to a
// documented fallback and returns success.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"path/filepath"

	"github.com/scenesmith/orchestrator/internal/adapters"
	"github.com/scenesmith/orchestrator/internal/models"
)

// Job is the minimal view a handler needs of a job's durable record plus its
// decoded submission payload.
type Job struct {
	ID      string
	Type    string
	UserID  string
	Payload map[string]any
}

// Progress is called by a handler at each phase boundary to mirror progress
// into the registry and the store.
type Progress func(progress int, phase string)

// Deps bundles everything a handler needs beyond its job and progress
// reporter: the external adapters, the encoder, and filesystem/URL config.
type Deps struct {
	Image         *adapters.ImageClient
	Video         *adapters.VideoClient
	Audio         *adapters.AudioClient
	Encoder       *adapters.Encoder
	MediaDir      string
	PublicBaseURL string
}

// Handler is the uniform shape every job type implements.
type Handler func(ctx context.Context, job Job, progress Progress, deps Deps) (map[string]any, error)

// Registry is the closed map of job type to handler, built once at startup.
func Registry() map[string]Handler {
	return map[string]Handler{
		"quick_create":               QuickCreate,
		"quick_create_full_universe": QuickCreateFullUniverse,
		"compose":                    Compose,
		"tts":                        TTS,
	}
}

func randomID(prefix string) string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

func mediaPath(mediaDir, jobID, name string) string {
	return filepath.Join(mediaDir, jobID, name)
}

func publicURL(baseURL, jobID, name string) string {
	return fmt.Sprintf("%s/%s/%s", baseURL, jobID, name)
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func asInt(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return def
}

// QuickCreate is the scaffold pipeline: five phases, no external calls.
func QuickCreate(ctx context.Context, job Job, progress Progress, deps Deps) (map[string]any, error) {
	phases := []struct {
		pct   int
		label string
	}{
		{10, "script"}, {30, "scenes"}, {60, "render"}, {90, "audio"}, {100, "finalize"},
	}
	for _, p := range phases {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		progress(p.pct, p.label)
	}
	return map[string]any{
		"output_url": fmt.Sprintf("/files/%s/output.mp4", job.ID),
	}, nil
}

// dimensionsForAspect returns (width, height) for the three supported aspect ratios.
func dimensionsForAspect(aspect string) (int, int) {
	switch aspect {
	case "9:16":
		return 720, 1280
	case "16:9":
		return 1280, 720
	case "1:1":
		return 720, 720
	default:
		return 720, 1280
	}
}

// QuickCreateFullUniverse is the principal pipeline: concept image, aspect
// normalization, video generation (with image-loop fallback), audio mix
// (non-fatal), finalize. Grounded on kie_client.generate_image,
// kie_unified_video_client.generate_video, and ffmpeg_cmds.py's encoder
// primitives (see internal/adapters).
func QuickCreateFullUniverse(ctx context.Context, job Job, progress Progress, deps Deps) (map[string]any, error) {
	ideaText := asString(job.Payload["idea_text"], "")
	if len(ideaText) < 5 || len(ideaText) > 500 {
		return nil, fmt.Errorf("idea_text must be between 5 and 500 characters")
	}
	styleKey := asString(job.Payload["style_key"], "default")
	aspectRatio := asString(job.Payload["aspect_ratio"], "9:16")
	videoQuality := asString(job.Payload["video_quality"], "720p")
	videoDuration := asInt(job.Payload["video_duration"], 5)
	modelOverride := asString(job.Payload["video_model"], "")

	episodeID := randomID("ep")
	seriesID := randomID("series")
	characterID := randomID("char")

	width, height := dimensionsForAspect(aspectRatio)

	modelID := modelOverride
	if modelID == "" {
		modelID = models.DefaultForStyle(styleKey)
	}
	modelCfg := models.Resolve(modelID)
	if videoDuration > modelCfg.MaxDurationSec {
		videoDuration = modelCfg.MaxDurationSec
	}

	// Every encoder output for this job is written under <MediaDir>/<job_id>/.
	enc := adapters.NewEncoder(deps.Encoder.Bin, filepath.Join(deps.MediaDir, job.ID))

	// Phase 1: concept image.
	progress(10, "dreaming concept")
	conceptPrompt := fmt.Sprintf("Cinematic shot, masterpiece: %s", ideaText)
	imgRes, err := deps.Image.Generate(ctx, adapters.ImageRequest{Prompt: conceptPrompt, Width: width, Height: height})
	conceptSource := ""
	if err == nil && imgRes.URL != "" {
		conceptSource = imgRes.URL
	} else {
		if _, perr := enc.SolidColorImage(ctx, "concept.jpg", width, height, "gray"); perr != nil {
			return nil, fmt.Errorf("concept placeholder generation failed: %w", perr)
		}
		conceptSource = mediaPath(deps.MediaDir, job.ID, "concept.jpg")
	}

	// Phase 2: aspect normalization (still progress 10). Every concept image,
	// whether it came back from the provider or is the encoder's own
	// placeholder, is forced through an explicit scale-to-cover-then-crop so
	// the frame downstream phases work with is always exactly width x height.
	if _, cerr := enc.CropToSize(ctx, conceptSource, "concept_cropped.jpg", width, height); cerr != nil {
		return nil, fmt.Errorf("aspect normalization failed: %w", cerr)
	}
	conceptURL := publicURL(deps.PublicBaseURL, job.ID, "concept_cropped.jpg")

	// Phase 3: video generation.
	progress(50, "generating video")
	videoSource := "image_loop_fallback"
	videoURL := publicURL(deps.PublicBaseURL, job.ID, "universe_complete.mp4")
	if modelCfg.SupportsImageToVideo {
		motionPrompt := fmt.Sprintf("Cinematic motion, slow camera movement: %s", ideaText)
		vres, ok := deps.Video.Generate(ctx, adapters.VideoRequest{
			Prompt:      motionPrompt,
			ModelID:     modelCfg.ID,
			DurationSec: videoDuration,
			Quality:     videoQuality,
			AspectRatio: aspectRatio,
			ImageURL:    conceptURL,
		})
		if ok && vres.URL != "" {
			videoSource = "ai_generated"
		}
	}
	if videoSource == "image_loop_fallback" {
		conceptFile := mediaPath(deps.MediaDir, job.ID, "concept_cropped.jpg")
		if _, err := enc.LoopImageToVideo(ctx, conceptFile, "universe_complete.mp4", 30, width, height); err != nil {
			return nil, fmt.Errorf("image-loop fallback encode failed: %w", err)
		}
	}

	// Phase 4: audio mix (non-fatal).
	progress(80, "adding soundtrack")
	audioAdded := false
	if audioRes, ok := deps.Audio.Resolve(ctx, adapters.AudioRequest{Style: styleKey}); ok {
		videoPath := mediaPath(deps.MediaDir, job.ID, "universe_complete.mp4")
		if _, err := enc.MuxAudio(ctx, videoPath, audioRes.URL, "universe_complete.mp4"); err == nil {
			audioAdded = true
		}
		// any failure here is swallowed: the audio phase never fails the job.
	}

	// Phase 5: finalize.
	progress(100, "finalize")
	return map[string]any{
		"episode_id":   episodeID,
		"series_id":    seriesID,
		"character_id": characterID,
		"output_url":   videoURL,
		"video_model":  modelCfg.ID,
		"video_source": videoSource,
		"audio_added":  audioAdded,
		"aspect_ratio": aspectRatio,
		"width":        width,
		"height":       height,
		"dimensions":   fmt.Sprintf("%dx%d", width, height),
	}, nil
}

// Compose is the scaffold compose pipeline: five phases, no external calls
// in the baseline beyond what the encoder could drive in a fuller build.
func Compose(ctx context.Context, job Job, progress Progress, deps Deps) (map[string]any, error) {
	phases := []struct {
		pct   int
		label string
	}{
		{20, "assets"}, {40, "transitions"}, {60, "audio"}, {80, "grading"}, {100, "finalize"},
	}
	for _, p := range phases {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		progress(p.pct, p.label)
	}
	return map[string]any{
		"output_url": fmt.Sprintf("/files/%s/composed.mp4", job.ID),
	}, nil
}

// TTS reads `text` from the payload and produces a speech.wav scaffold,
// estimating duration at roughly 150 characters per second of speech.
func TTS(ctx context.Context, job Job, progress Progress, deps Deps) (map[string]any, error) {
	text := asString(job.Payload["text"], "")
	progress(30, "converting")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress(80, "optimizing")
	durationSec := int(math.Max(1, float64(len(text))/150.0))
	progress(100, "")
	return map[string]any{
		"audio_url":          fmt.Sprintf("/files/%s/speech.wav", job.ID),
		"estimated_duration": durationSec,
	}, nil
}

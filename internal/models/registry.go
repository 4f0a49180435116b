// Package models implements the video model registry: a static, bit-level
// stable catalog of external generation providers with their pricing and
// capability metadata. Ported from the Python VideoModel/MODEL_CONFIGS table
// (backend/src/services/kie_unified_video_client.py) so client-visible model
// ids, tiers and credit costs never drift from what the original service
// quoted.
package models

import "math"

// Tier is a coarse pricing/quality bracket a model belongs to.
type Tier string

const (
	Tier1 Tier = "tier1"
	Tier2 Tier = "tier2"
	Tier3 Tier = "tier3"
)

// Config describes one external video generation model.
type Config struct {
	ID                   string
	DisplayName          string
	Tier                 Tier
	CreditsPer5s         int
	MaxDurationSec       int
	Resolutions          []string
	AspectRatios         []string
	SupportsImageToVideo bool
	SupportsExtension    bool
}

// model ids, stable strings quoted back to callers and stored on jobs.
const (
	Veo3           = "veo3"
	Sora2Pro       = "sora-2-pro-text-to-video"
	RunwayGen3     = "runway-gen3"
	KlingV21Pro    = "kling/v2-1-pro"
	HailuoI2V      = "hailuo/2-3-image-to-video-pro"
	BytedanceV1    = "bytedance/v1-pro-text-to-video"
	WanTurbo       = "wan/2-2-a14b-text-to-video-turbo"
	Wan26          = "wan/2-6-text-to-video"
)

var catalog = map[string]Config{
	Veo3: {
		ID: Veo3, DisplayName: "Veo 3", Tier: Tier1, CreditsPer5s: 350, MaxDurationSec: 8,
		Resolutions: []string{"720p", "1080p"}, AspectRatios: []string{"16:9", "9:16", "1:1"},
		SupportsImageToVideo: true,
	},
	Sora2Pro: {
		ID: Sora2Pro, DisplayName: "Sora 2 Pro", Tier: Tier1, CreditsPer5s: 400, MaxDurationSec: 20,
		Resolutions: []string{"low", "medium", "high"}, AspectRatios: []string{"landscape", "portrait", "square"},
		SupportsImageToVideo: false,
	},
	RunwayGen3: {
		ID: RunwayGen3, DisplayName: "Runway Gen-3", Tier: Tier2, CreditsPer5s: 200, MaxDurationSec: 10,
		Resolutions: []string{"720p", "1080p"}, AspectRatios: []string{"16:9", "9:16", "1:1", "4:3", "3:4"},
		SupportsImageToVideo: true, SupportsExtension: true,
	},
	KlingV21Pro: {
		ID: KlingV21Pro, DisplayName: "Kling v2.1 Pro", Tier: Tier2, CreditsPer5s: 250, MaxDurationSec: 10,
		Resolutions: []string{"720p", "1080p"}, AspectRatios: []string{"16:9", "9:16", "1:1"},
		SupportsImageToVideo: true,
	},
	HailuoI2V: {
		ID: HailuoI2V, DisplayName: "Hailuo 2.3 Image-to-Video Pro", Tier: Tier3, CreditsPer5s: 180, MaxDurationSec: 6,
		Resolutions: []string{"768P"}, AspectRatios: []string{"16:9", "9:16"},
		SupportsImageToVideo: true,
	},
	BytedanceV1: {
		ID: BytedanceV1, DisplayName: "Bytedance v1 Pro Text-to-Video", Tier: Tier3, CreditsPer5s: 150, MaxDurationSec: 5,
		Resolutions: []string{"720p"}, AspectRatios: []string{"16:9", "9:16"},
		SupportsImageToVideo: false,
	},
	WanTurbo: {
		ID: WanTurbo, DisplayName: "Wan 2.2 A14B Turbo", Tier: Tier3, CreditsPer5s: 120, MaxDurationSec: 5,
		Resolutions: []string{"720p"}, AspectRatios: []string{"16:9", "9:16"},
		SupportsImageToVideo: false,
	},
	Wan26: {
		ID: Wan26, DisplayName: "Wan 2.6", Tier: Tier3, CreditsPer5s: 60, MaxDurationSec: 10,
		Resolutions: []string{"720p", "1080p"}, AspectRatios: []string{"16:9", "9:16", "1:1"},
		SupportsImageToVideo: true,
	},
}

// DefaultStyleModel maps a content style to its default video model, mirroring
// STYLE_TO_MODEL in the original client.
var DefaultStyleModel = map[string]string{
	"cinematic":  Veo3,
	"anime":      KlingV21Pro,
	"realistic":  Sora2Pro,
	"cartoon":    WanTurbo,
	"default":    RunwayGen3,
}

// Resolve returns the Config for a model id, falling back to RunwayGen3 for
// an unknown id, matching get_model_config's behavior in the original client.
func Resolve(id string) Config {
	if cfg, ok := catalog[id]; ok {
		return cfg
	}
	return catalog[RunwayGen3]
}

// Describe returns a Config and whether the id is recognized, without the
// silent fallback Resolve performs — used by validation paths that must
// reject an unknown model id outright.
func Describe(id string) (Config, bool) {
	cfg, ok := catalog[id]
	return cfg, ok
}

// DefaultForStyle resolves the default model id for a content style, falling
// back to the "default" entry (RunwayGen3) for an unrecognized style.
func DefaultForStyle(style string) string {
	if id, ok := DefaultStyleModel[style]; ok {
		return id
	}
	return DefaultStyleModel["default"]
}

// List returns every model, sorted by tier then ascending cost, mirroring
// get_available_models.
func List() []Config {
	out := make([]Config, 0, len(catalog))
	for _, c := range catalog {
		out = append(out, c)
	}
	tierOrder := map[Tier]int{Tier1: 0, Tier2: 1, Tier3: 2}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if tierOrder[a.Tier] > tierOrder[b.Tier] ||
				(tierOrder[a.Tier] == tierOrder[b.Tier] && a.CreditsPer5s > b.CreditsPer5s) {
				out[j-1], out[j] = out[j], out[j-1]
				continue
			}
			break
		}
	}
	return out
}

// EstimateCredits prices a duration in whole 5-second segments, rounding up,
// matching estimate_credits's ceil-to-5s-segments rule. durationSec is
// clamped to the model's max duration first, since a job's actual render
// never exceeds it regardless of what the caller asked for.
func EstimateCredits(modelID string, durationSec int) int {
	cfg := Resolve(modelID)
	if durationSec <= 0 {
		durationSec = 5
	}
	if durationSec > cfg.MaxDurationSec {
		durationSec = cfg.MaxDurationSec
	}
	segments := int(math.Ceil(float64(durationSec) / 5.0))
	return segments * cfg.CreditsPer5s
}

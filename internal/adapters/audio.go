package adapters

import (
	"context"
	"fmt"
)

// AudioRequest describes a soundtrack lookup for a given content style.
type AudioRequest struct {
	Style string
	Seed  int64
}

// AudioResult is a resolved soundtrack track.
type AudioResult struct {
	URL string
}

// AudioClient resolves a style to a soundtrack URL via a configured
// style->soundtrack map. When a style has no configured track, Resolve
// reports ok=false so callers can apply the audio-skip fallback rather than
// erroring the whole pipeline.
type AudioClient struct {
	StyleSoundtrack map[string]string
}

func NewAudioClient(styleSoundtrack map[string]string) *AudioClient {
	return &AudioClient{StyleSoundtrack: styleSoundtrack}
}

func (c *AudioClient) Resolve(ctx context.Context, req AudioRequest) (AudioResult, bool) {
	url, ok := c.StyleSoundtrack[req.Style]
	if !ok || url == "" {
		return AudioResult{}, false
	}
	return AudioResult{URL: url}, true
}

func (c *AudioClient) String() string {
	return fmt.Sprintf("AudioClient(%d styles configured)", len(c.StyleSoundtrack))
}

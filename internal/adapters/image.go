// Package adapters implements the external provider clients: image
// generation, video generation, soundtrack lookup, and local ffmpeg
// encoding, each exposing a uniform (ctx, request) -> (result, error)
// shape so a pipeline handler never needs provider-specific branches
// beyond picking which adapter to call.
package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scenesmith/orchestrator/internal/breaker"
)

// ImageRequest describes a still image generation call.
type ImageRequest struct {
	Prompt string
	Width  int
	Height int
	Seed   int64
}

// ImageResult is what an image adapter call produces.
type ImageResult struct {
	URL  string
	Hash string
}

// ImageClient calls the external image generation provider. It returns an
// error when no API key is configured or the upstream call never succeeds
// within its retry budget; it never substitutes a placeholder of its own —
// that decision belongs to the pipeline handler, which knows what the job
// phase needs in place of a real image.
type ImageClient struct {
	APIKey     string
	HTTPClient *http.Client
	cb         *breaker.CircuitBreaker
}

func NewImageClient(apiKey string) *ImageClient {
	return &ImageClient{
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		cb:         breaker.New(time.Minute, 30*time.Second, 0.5, 5),
	}
}

func (c *ImageClient) Generate(ctx context.Context, req ImageRequest) (ImageResult, error) {
	if req.Prompt == "" {
		return ImageResult{}, fmt.Errorf("image prompt must not be empty")
	}
	if c.APIKey == "" || len(c.APIKey) < 8 {
		return ImageResult{}, fmt.Errorf("image adapter: no provider API key configured")
	}
	if !c.cb.Allow() {
		return ImageResult{}, fmt.Errorf("image adapter: circuit breaker open")
	}

	var result ImageResult
	op := func() error {
		res, err := c.callProvider(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		c.cb.Record(false)
		return ImageResult{}, fmt.Errorf("image adapter: provider call failed after retries: %w", err)
	}
	c.cb.Record(true)
	result.Hash = contentHash(req.Prompt, req.Seed)
	return result, nil
}

// callProvider is the network call a real deployment would make, isolated
// from Generate's retry/breaker bookkeeping.
func (c *ImageClient) callProvider(ctx context.Context, req ImageRequest) (ImageResult, error) {
	if req.Prompt == "" {
		return ImageResult{}, fmt.Errorf("image prompt must not be empty")
	}
	url := fmt.Sprintf("https://api.kie.ai/v1/image/generate?prompt=%s&w=%d&h=%d", req.Prompt, req.Width, req.Height)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ImageResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return ImageResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ImageResult{}, fmt.Errorf("image provider returned status %d", resp.StatusCode)
	}
	return ImageResult{URL: url}, nil
}

func contentHash(prompt string, seed int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", prompt, seed)))
	return hex.EncodeToString(sum[:])
}

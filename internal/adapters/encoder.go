// Encoder wraps the local ffmpeg binary, porting the primitives from
// backend/src/utils/ffmpeg_cmds.py: building a solid-color placeholder image,
// scale-and-cropping an image to an exact frame size, looping a still image
// into a video clip, muxing an audio track onto a video, and normalizing
// loudness. subprocess.run's stderr-capture-on-error idiom becomes
// exec.CommandContext + CombinedOutput here.
package adapters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Encoder drives ffmpeg for the local media-assembly steps the pipeline needs.
type Encoder struct {
	Bin       string
	OutputDir string
}

func NewEncoder(bin, outputDir string) *Encoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Encoder{Bin: bin, OutputDir: outputDir}
}

func (e *Encoder) ensureDir() error {
	return os.MkdirAll(e.OutputDir, 0o755)
}

func (e *Encoder) outPath(name string) string {
	return filepath.Join(e.OutputDir, sanitizeFilename(name))
}

func sanitizeFilename(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (e *Encoder) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.Bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, string(out))
	}
	return nil
}

// SolidColorImage renders a placeholder frame, used when an upstream image
// generation call produced nothing usable.
func (e *Encoder) SolidColorImage(ctx context.Context, name string, width, height int, hexColor string) (string, error) {
	if err := e.ensureDir(); err != nil {
		return "", err
	}
	out := e.outPath(name)
	err := e.run(ctx, "-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=%s:s=%dx%d", hexColor, width, height),
		"-frames:v", "1",
		out,
	)
	return out, err
}

// CropToSize scale-and-crops a source image to exactly width x height,
// mirroring crop_to_size's "scale to cover, then center-crop" approach so the
// output never letterboxes or stretches the source.
func (e *Encoder) CropToSize(ctx context.Context, srcPath, name string, width, height int) (string, error) {
	if err := e.ensureDir(); err != nil {
		return "", err
	}
	out := e.outPath(name)
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d",
		width, height, width, height,
	)
	err := e.run(ctx, "-y",
		"-i", srcPath,
		"-vf", filter,
		"-frames:v", "1",
		out,
	)
	return out, err
}

// LoopImageToVideo turns a still image into a fixed-duration video clip with
// a slow zoom/pan, mirroring kenburns_expr's zoompan filter construction.
func (e *Encoder) LoopImageToVideo(ctx context.Context, imagePath, name string, durationSec int, width, height int) (string, error) {
	if err := e.ensureDir(); err != nil {
		return "", err
	}
	out := e.outPath(name)
	frames := durationSec * 25
	zoompan := fmt.Sprintf("zoompan=z='min(zoom+0.0015,1.2)':d=%d:s=%dx%d", frames, width, height)
	err := e.run(ctx, "-y",
		"-loop", "1",
		"-i", imagePath,
		"-vf", zoompan,
		"-t", fmt.Sprintf("%d", durationSec),
		"-pix_fmt", "yuv420p",
		out,
	)
	return out, err
}

// MuxAudio combines a video track with an audio track, normalizing loudness
// on the audio stream, mirroring af_with_polish's loudnorm filter.
func (e *Encoder) MuxAudio(ctx context.Context, videoPath, audioPath, name string) (string, error) {
	if err := e.ensureDir(); err != nil {
		return "", err
	}
	out := e.outPath(name)
	err := e.run(ctx, "-y",
		"-i", videoPath,
		"-i", audioPath,
		"-af", "loudnorm=I=-14:TP=-1.5:LRA=11",
		"-c:v", "copy",
		"-shortest",
		out,
	)
	return out, err
}

// ConcatVideos concatenates a sequence of clips into one output. No pipeline
// handler calls it; the compose scaffold makes no encoder calls.
func (e *Encoder) ConcatVideos(ctx context.Context, clipPaths []string, name string) (string, error) {
	if err := e.ensureDir(); err != nil {
		return "", err
	}
	if len(clipPaths) == 0 {
		return "", fmt.Errorf("concat: no clips provided")
	}
	listPath := e.outPath(name + ".txt")
	f, err := os.Create(listPath)
	if err != nil {
		return "", err
	}
	for _, p := range clipPaths {
		if _, err := fmt.Fprintf(f, "file '%s'\n", p); err != nil {
			f.Close()
			return "", err
		}
	}
	f.Close()

	out := e.outPath(name)
	err = e.run(ctx, "-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", out)
	return out, err
}

package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrCompositorFailed signals that the external engine exited abnormally or
// produced an unusable output file. The wrapped message carries the captured
// engine log tail.
var ErrCompositorFailed = errors.New("compositor failed")

// An output smaller than this is treated as corrupt even on a zero exit.
const minOutputBytes = 1024

// How much of the engine log to keep in errors.
const logTailBytes = 4000

// Compositor runs filter-graph programs through the ffmpeg binary.
type Compositor struct {
	ffmpegPath  string
	ffprobePath string
}

func NewCompositor() *Compositor {
	return &Compositor{ffmpegPath: "ffmpeg", ffprobePath: "ffprobe"}
}

// Render executes the program and writes the result to outputPath. The
// engine log is captured and surfaced inside the returned error on failure.
func (c *Compositor) Render(ctx context.Context, prog *Program, outputPath string) error {
	args := []string{"-y"}

	for _, in := range prog.Inputs {
		switch in.Kind {
		case InputStill:
			args = append(args, "-loop", "1", "-t", formatSeconds(in.Duration), "-i", in.Path)
		case InputColor, InputSilence:
			args = append(args, "-f", "lavfi", "-t", formatSeconds(in.Duration), "-i", in.Path)
		default:
			args = append(args, "-i", in.Path)
		}
	}

	args = append(args,
		"-filter_complex", prog.FilterGraph,
		"-map", "["+prog.VideoLabel+"]",
		"-map", "["+prog.AudioLabel+"]",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "20",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(prog.FPS),
		"-c:a", "aac",
		"-b:a", "192k",
		// Truncation safety: never run past the computed timeline.
		"-t", formatSeconds(prog.OutputDuration),
		"-movflags", "+faststart",
		outputPath,
	)

	log.Printf("[Compose] rendering %d inputs, %.2fs timeline", len(prog.Inputs), prog.OutputDuration)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrCompositorFailed, err, logTail(stderr.Bytes()))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("%w: output missing: %v", ErrCompositorFailed, err)
	}
	if info.Size() < minOutputBytes {
		return fmt.Errorf("%w: output truncated (%d bytes): %s",
			ErrCompositorFailed, info.Size(), logTail(stderr.Bytes()))
	}
	return nil
}

// ExtractPosterFrame grabs the first frame of a clip as a still image.
func (c *Compositor) ExtractPosterFrame(ctx context.Context, videoPath, outputPath string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-y", "-i", videoPath, "-frames:v", "1", "-q:v", "2", outputPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: poster frame: %v: %s", ErrCompositorFailed, err, logTail(stderr.Bytes()))
	}
	return nil
}

// ProbeDuration reports a media file's duration in seconds.
func (c *Compositor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, c.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path).Output()
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("probe %s: parse duration: %w", path, err)
	}
	return dur, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func logTail(b []byte) string {
	if len(b) > logTailBytes {
		b = b[len(b)-logTailBytes:]
	}
	return string(b)
}

// Package audio converts backend-provided voice clips into the narrow-band
// mono format the messaging gateway accepts, shelling out to ffmpeg and
// ffprobe.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Result is one transcoded clip. Path is a temp file owned by the caller,
// who removes it after the send completes.
type Result struct {
	Path       string
	DurationMs int
}

// TranscodeError wraps ffmpeg/ffprobe failures with the tail of stderr,
// which is where ffmpeg puts the useful part.
type TranscodeError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Transcoder drives the resample→mono→encode pipeline. Zero-value fields
// fall back to the tools on PATH and AMR at 8 kHz, the gateway's native
// voice format.
type Transcoder struct {
	FFmpegPath  string
	FFprobePath string
	Format      string
	SampleRate  int
}

func (t *Transcoder) ffmpeg() string {
	if t.FFmpegPath != "" {
		return t.FFmpegPath
	}
	return "ffmpeg"
}

func (t *Transcoder) ffprobe() string {
	if t.FFprobePath != "" {
		return t.FFprobePath
	}
	// ffprobe ships alongside ffmpeg; mirror a custom ffmpeg location.
	if t.FFmpegPath != "" {
		return filepath.Join(filepath.Dir(t.FFmpegPath), "ffprobe")
	}
	return "ffprobe"
}

func (t *Transcoder) format() string {
	if t.Format != "" {
		return t.Format
	}
	return "amr"
}

func (t *Transcoder) sampleRate() int {
	if t.SampleRate > 0 {
		return t.SampleRate
	}
	return 8000
}

// ToChannelCodec converts src into the gateway's voice format and probes
// its duration. The output lands in a uniquely named temp file; on any
// failure after the file is created it is removed before returning.
func (t *Transcoder) ToChannelCodec(ctx context.Context, src string) (Result, error) {
	out := filepath.Join(os.TempDir(), fmt.Sprintf("wxbridge_voice_%s.%s", uuid.NewString(), t.format()))

	args := []string{
		"-y",
		"-i", src,
		"-ar", strconv.Itoa(t.sampleRate()),
		"-ac", "1",
		out,
	}
	if err := t.run(ctx, t.ffmpeg(), args...); err != nil {
		os.Remove(out)
		return Result{}, err
	}

	durationMs, err := t.probeDurationMs(ctx, out)
	if err != nil {
		os.Remove(out)
		return Result{}, err
	}
	return Result{Path: out, DurationMs: durationMs}, nil
}

func (t *Transcoder) probeDurationMs(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, t.ffprobe(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, &TranscodeError{Tool: "ffprobe", Stderr: stderrTail(stderr.String()), Err: err}
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, &TranscodeError{Tool: "ffprobe", Err: fmt.Errorf("unparseable duration %q", stdout.String())}
	}
	return int(seconds * 1000), nil
}

func (t *Transcoder) run(ctx context.Context, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &TranscodeError{Tool: filepath.Base(tool), Stderr: stderrTail(stderr.String()), Err: err}
	}
	return nil
}

// stderrTail keeps the last few lines of tool output for error messages.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	return strings.Join(lines, " | ")
}

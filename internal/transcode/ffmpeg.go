package transcode

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine produces one rendition of input at output. It must honour ctx.
type Engine interface {
	Transcode(ctx context.Context, input string, p Profile, output string) error
}

const stderrTailBytes = 4 * 1024

// FFmpeg runs the ffmpeg binary as the transcoding engine.
type FFmpeg struct {
	path   string
	preset string
	logger *zap.Logger
}

// NewFFmpeg creates an engine calling the binary at path ("ffmpeg" resolves via PATH).
func NewFFmpeg(path, preset string, logger *zap.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if preset == "" {
		preset = "veryfast"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{path: path, preset: preset, logger: logger}
}

// Args builds the ffmpeg argument list for one rendition. Width follows the
// source aspect ratio (scale=-2:h keeps it even for libx264).
func (f *FFmpeg) Args(input string, p Profile, output string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-i", input,
		"-vf", "scale=-2:" + strconv.Itoa(p.Height),
		"-c:v", "libx264",
		"-preset", f.preset,
		"-b:v", p.Bitrate,
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		output,
	}
}

// Transcode runs ffmpeg to completion. A non-zero exit, a start failure or a
// context deadline is returned as an error carrying the tail of stderr.
func (f *FFmpeg) Transcode(ctx context.Context, input string, p Profile, output string) error {
	cmd := exec.CommandContext(ctx, f.path, f.Args(input, p, output)...)
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	f.logger.Debug("ffmpeg start", zap.String("profile", p.Name), zap.String("input", input), zap.String("output", output))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg %s: %w", p.Name, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && msg != "" {
			return fmt.Errorf("ffmpeg %s: %w: %s", p.Name, err, msg)
		}
		return fmt.Errorf("ffmpeg %s: %w", p.Name, err)
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

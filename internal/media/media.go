// Package media shells out to FFmpeg to turn arbitrary source media into the
// mono 16 kHz WAV that transcription consumes.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/subweave/subweave/pkg/pipeerr"
)

// stderrTailBytes bounds the FFmpeg stderr carried into error detail.
const stderrTailBytes = 2048

var (
	ffmpegOnce  sync.Once
	ffmpegErr   error
	ffmpegPath  string
	ffprobePath string
)

// EnsureFFmpeg verifies ffmpeg and ffprobe are on PATH. The lookup runs once
// per process; later calls return the cached verdict.
func EnsureFFmpeg() error {
	ffmpegOnce.Do(func() {
		var err error
		if ffmpegPath, err = exec.LookPath("ffmpeg"); err != nil {
			ffmpegErr = pipeerr.Wrap(pipeerr.StageExtract, pipeerr.CodeFFmpegMissing,
				"ffmpeg not found on PATH", err)
			return
		}
		if ffprobePath, err = exec.LookPath("ffprobe"); err != nil {
			ffmpegErr = pipeerr.Wrap(pipeerr.StageExtract, pipeerr.CodeFFmpegMissing,
				"ffprobe not found on PATH", err)
		}
	})
	return ffmpegErr
}

// ExtractAudio produces <workDir>/audio/raw.wav from the given media file.
// The output is mono, 16 kHz, 16-bit PCM.
func ExtractAudio(ctx context.Context, videoPath, workDir string) (string, error) {
	if err := EnsureFFmpeg(); err != nil {
		return "", err
	}
	outDir := filepath.Join(workDir, "audio")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", pipeerr.Wrap(pipeerr.StageExtract, pipeerr.CodeFFmpegExtractFailed, "create audio dir", err)
	}
	outPath := filepath.Join(outDir, "raw.wav")

	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-vn", "-ac", "1", "-ar", "16000", "-acodec", "pcm_s16le",
		outPath,
	}
	slog.Debug("extracting audio", "video", videoPath, "out", outPath)

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", pipeerr.Wrap(pipeerr.StageExtract, pipeerr.CodeFFmpegExtractFailed,
			"ffmpeg extraction failed", err).
			With("stderr", tail(stderr.String()))
	}
	if fi, err := os.Stat(outPath); err != nil || fi.Size() == 0 {
		return "", pipeerr.New(pipeerr.StageExtract, pipeerr.CodeFFmpegExtractFailed,
			"ffmpeg produced no output")
	}
	return outPath, nil
}

// ProbeDuration returns the media duration in seconds via ffprobe.
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	if err := EnsureFFmpeg(); err != nil {
		return 0, err
	}
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", out, err)
	}
	return dur, nil
}

func tail(s string) string {
	if len(s) <= stderrTailBytes {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-stderrTailBytes:])
}

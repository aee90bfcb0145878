package sourcecache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/subweave/subweave/pkg/pipeerr"
)

// Downloader fetches one URL into destDir and returns the produced file path.
type Downloader interface {
	Download(ctx context.Context, url, destDir string) (string, error)
}

// YtDlp invokes the yt-dlp binary (or the Python module) as a subprocess.
// Its JSON output is never parsed; only the produced file matters.
type YtDlp struct {
	argv []string
}

var _ Downloader = (*YtDlp)(nil)

// DiscoverYtDlp locates a runnable yt-dlp. Order: explicit path, configured
// roots, PATH, then a python3 module invocation.
func DiscoverYtDlp(explicitPath string, roots []string) (*YtDlp, error) {
	if explicitPath != "" {
		if isExecutable(explicitPath) {
			return &YtDlp{argv: []string{explicitPath}}, nil
		}
		return nil, pipeerr.New(pipeerr.StageDownload, pipeerr.CodeYtDlpNotAvailable,
			"configured yt-dlp path is not executable: "+explicitPath)
	}
	for _, root := range roots {
		candidate := filepath.Join(root, "yt-dlp")
		if isExecutable(candidate) {
			return &YtDlp{argv: []string{candidate}}, nil
		}
	}
	if path, err := exec.LookPath("yt-dlp"); err == nil {
		return &YtDlp{argv: []string{path}}, nil
	}
	if python, err := exec.LookPath("python3"); err == nil {
		return &YtDlp{argv: []string{python, "-m", "yt_dlp"}}, nil
	}
	return nil, pipeerr.New(pipeerr.StageDownload, pipeerr.CodeYtDlpNotAvailable,
		"yt-dlp not found via path, roots, PATH or python module")
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0
}

// Download runs yt-dlp with an mp4-preferring format selection. The caller
// owns the timeout via ctx.
func (y *YtDlp) Download(ctx context.Context, url, destDir string) (string, error) {
	args := append(append([]string{}, y.argv[1:]...),
		"-f", "bv*+ba/b",
		"--merge-output-format", "mp4",
		"--no-playlist",
		"-o", filepath.Join(destDir, "%(title).80s.%(ext)s"),
		url,
	)
	cmd := exec.CommandContext(ctx, y.argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", pipeerr.Wrap(pipeerr.StageDownload, pipeerr.CodeYtDlpLaunchFailed,
			"launch yt-dlp", err)
	}
	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", pipeerr.Wrap(pipeerr.StageDownload, pipeerr.CodeDownloadTimeout,
				"download exceeded timeout", err)
		}
		return "", pipeerr.Wrap(pipeerr.StageDownload, pipeerr.CodeYtDlpCommandFailed,
			"yt-dlp exited with failure", err).
			With("stderr", tailString(stderr.String()))
	}
	return newestFile(destDir)
}

// newestFile returns the largest regular file in dir. yt-dlp may leave
// sidecar files; the media artifact dominates by size.
func newestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", pipeerr.Wrap(pipeerr.StageDownload, pipeerr.CodeDownloadOutputMissing,
			"read download dir", err)
	}
	var best string
	var bestSize int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.Size() > bestSize {
			best = filepath.Join(dir, e.Name())
			bestSize = fi.Size()
		}
	}
	if best == "" {
		return "", pipeerr.New(pipeerr.StageDownload, pipeerr.CodeDownloadOutputMissing,
			"yt-dlp produced no output file")
	}
	return best, nil
}

func tailString(s string) string {
	const limit = 2048
	if len(s) <= limit {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-limit:])
}

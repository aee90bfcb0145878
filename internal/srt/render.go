package srt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/subweave/subweave/pkg/types"
)

// Timestamp formats seconds as the SRT HH:MM:SS,mmm form.
func Timestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Render produces SRT text. With bilingual set, a non-empty translation goes
// on a second line under the source.
func Render(subs []types.Subtitle, bilingual bool) string {
	var b strings.Builder
	for _, sub := range subs {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s", sub.ID, Timestamp(sub.Start), Timestamp(sub.End), sub.Text)
		if bilingual && sub.Translation != "" {
			b.WriteByte('\n')
			b.WriteString(sub.Translation)
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

// WriteFile renders subtitles to path, creating parent directories. The write
// goes through a temp file and rename so readers never see a partial file.
func WriteFile(path string, subs []types.Subtitle, bilingual bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create subtitle dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(Render(subs, bilingual)), 0o644); err != nil {
		return fmt.Errorf("write subtitle file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize subtitle file: %w", err)
	}
	return nil
}

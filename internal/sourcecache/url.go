// Package sourcecache downloads URL sources through yt-dlp and keeps a
// content-addressed on-disk cache fronted by a sqlite index.
package sourcecache

import (
	"regexp"
	"strings"

	"github.com/subweave/subweave/pkg/pipeerr"
)

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// trailingJunk holds characters stripped from the end of an extracted URL.
// Share text frequently glues punctuation or CJK breaks onto the link.
const trailingJunk = ".,;:!?)]}>\"'、。，！？；：）】》」』〕"

// ExtractURL pulls the first http(s) URL out of a raw link or a free-text
// share blob. Extraction is idempotent: feeding a clean URL back in returns
// it unchanged.
func ExtractURL(input string) (string, error) {
	match := urlPattern.FindString(input)
	if match == "" {
		return "", pipeerr.New(pipeerr.StageDownload, pipeerr.CodeInvalidSourceURL,
			"no http(s) URL found in source text")
	}
	trimmed := strings.TrimRight(match, trailingJunk)
	if host := trimmed[strings.Index(trimmed, "://")+3:]; host == "" {
		return "", pipeerr.New(pipeerr.StageDownload, pipeerr.CodeInvalidSourceURL,
			"source URL has no host")
	}
	return trimmed, nil
}

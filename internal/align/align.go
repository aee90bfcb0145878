// Package align maps sentence-level text onto word-level ASR timing spans.
// It attempts exact substring matching against a compact word index, falls
// back to bounded fuzzy matching scored by longest-common-subsequence ratio,
// and — when permitted for the provider — proportional word-span allocation.
package align

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

const (
	// fuzzyWindow bounds how many word positions a fuzzy scan may visit.
	fuzzyWindow = 180

	// fuzzyBackoff is how many words before the current position the fuzzy
	// scan starts, to recover from a slightly over-advanced cursor.
	fuzzyBackoff = 3

	// fuzzyAcceptRatio is the minimum LCS ratio for accepting a fuzzy match.
	fuzzyAcceptRatio = 0.70

	// fuzzyAcceptRatioShort applies to sentences with fewer than 3 tokens,
	// where a short string matches too easily.
	fuzzyAcceptRatioShort = 0.78

	// fallbackRowScore is the quality score assigned to rows placed by
	// proportional allocation.
	fallbackRowScore = 0.35
)

// Config controls the aligner's fallback behaviour.
type Config struct {
	// AllowFallback permits proportional word-span allocation after exact
	// and fuzzy matching both miss. Only the qwen file-trans provider's
	// word stream is loose enough to need it.
	AllowFallback bool

	// MaxFallbackRatio fails the alignment when the share of fallback rows
	// exceeds it. Zero disables the gate.
	MaxFallbackRatio float64
}

// Aligner assigns (start, end) spans to sentences from a word stream.
// The zero value performs strict alignment with no fallback.
type Aligner struct {
	cfg Config
}

// New creates an Aligner with the given config.
func New(cfg Config) *Aligner {
	return &Aligner{cfg: cfg}
}

// rowMatch records how a single sentence was placed.
type rowMatch struct {
	startIdx int
	endIdx   int
	score    float64
	kind     matchKind
}

type matchKind int

const (
	matchExact matchKind = iota
	matchFuzzy
	matchFallback
)

// Align annotates rows with word-level timing. The input rows are not
// mutated; the returned slice is a copy. shouldCancel is polled between rows;
// pass nil to disable cancellation.
func (a *Aligner) Align(rows []types.Sentence, words []types.WordSegment, shouldCancel func() bool) ([]types.Sentence, types.AlignmentReport, error) {
	report := types.AlignmentReport{TotalRows: len(rows), Mode: types.AlignStrict}
	if len(rows) == 0 {
		report.QualityScore = 1
		return nil, report, nil
	}

	idx := buildIndex(words)
	if len(idx.words) == 0 {
		return nil, report, pipeerr.New(pipeerr.StageAlign, pipeerr.CodeWordSegmentsEmpty,
			"no usable word segments for alignment")
	}

	out := make([]types.Sentence, len(rows))
	copy(out, rows)

	matches := make([]rowMatch, len(rows))
	currentPos := 0
	currentWordIdx := 0
	var scoreSum float64

	for i := range out {
		if shouldCancel != nil && shouldCancel() {
			return nil, report, pipeerr.New(pipeerr.StageAlign, pipeerr.CodeCancelRequested, "cancel requested")
		}

		compact := normalizeSentence(out[i].Text)
		tokens := sentenceTokens(out[i].Text)

		// A sentence that normalizes to nothing (pure punctuation) gets a
		// zero-length span at the cursor and does not consume words.
		if compact == "" {
			anchor := currentWordIdx
			if anchor >= len(idx.words) {
				anchor = len(idx.words) - 1
			}
			matches[i] = rowMatch{startIdx: anchor, endIdx: anchor - 1, score: 1, kind: matchExact}
			out[i].Start = idx.words[anchor].Start
			out[i].End = out[i].Start
			scoreSum++
			report.ExactRows++
			report.AlignedRows++
			continue
		}

		if m, ok := a.matchExactAt(idx, compact, currentPos); ok {
			matches[i] = m
			currentPos = idx.charStartOf(m.endIdx + 1)
			currentWordIdx = m.endIdx + 1
			report.ExactRows++
		} else if m, ok := a.matchFuzzy(idx, compact, len(tokens), currentWordIdx); ok {
			matches[i] = m
			currentPos = idx.charStartOf(m.endIdx + 1)
			currentWordIdx = m.endIdx + 1
			report.FuzzyRows++
		} else if a.cfg.AllowFallback {
			m := allocateProportional(idx, rows, i, currentWordIdx, len(tokens))
			matches[i] = m
			currentPos = idx.charStartOf(m.endIdx + 1)
			currentWordIdx = m.endIdx + 1
			report.FallbackRows++
			report.Mode = types.AlignQwenWordStreamFall
		} else {
			return nil, report, alignmentMissError(idx, out[i].Text, compact, currentPos)
		}

		m := matches[i]
		out[i].Start = idx.words[m.startIdx].Start
		out[i].End = idx.words[m.endIdx].End
		scoreSum += m.score
		report.AlignedRows++
	}

	smoothBoundaries(out)

	report.QualityScore = scoreSum / float64(len(rows))
	if report.TotalRows > 0 {
		report.FallbackRatio = float64(report.FallbackRows) / float64(report.TotalRows)
	}

	if a.cfg.MaxFallbackRatio > 0 && report.FallbackRatio > a.cfg.MaxFallbackRatio {
		return nil, report, pipeerr.New(pipeerr.StageAlign, pipeerr.CodeTimestampAlignmentFailed,
			fmt.Sprintf("fallback ratio %.2f exceeds limit %.2f", report.FallbackRatio, a.cfg.MaxFallbackRatio)).
			With("fallback_ratio", report.FallbackRatio).
			With("fallback_rows", report.FallbackRows).
			With("total_rows", report.TotalRows)
	}

	return out, report, nil
}

// matchExactAt looks for compact as an exact substring at or after pos.
func (a *Aligner) matchExactAt(idx *wordIndex, compact string, pos int) (rowMatch, bool) {
	if pos > len(idx.concat) {
		return rowMatch{}, false
	}
	rel := strings.Index(idx.concat[pos:], compact)
	if rel < 0 {
		return rowMatch{}, false
	}
	abs := pos + rel
	start := idx.wordAt(abs)
	end := idx.wordAt(abs + len(compact) - 1)
	return rowMatch{startIdx: start, endIdx: end, score: 1, kind: matchExact}, true
}

// matchFuzzy scans a bounded window of starting positions, trying candidate
// word-run lengths near the sentence's own token count and scoring each
// candidate by LCS ratio. A cheap Levenshtein bound prunes candidates before
// the quadratic LCS is computed.
func (a *Aligner) matchFuzzy(idx *wordIndex, compact string, expectedTokens, currentWordIdx int) (rowMatch, bool) {
	if expectedTokens < 1 {
		expectedTokens = 1
	}
	accept := fuzzyAcceptRatio
	if expectedTokens < 3 {
		accept = fuzzyAcceptRatioShort
	}

	scanStart := max(0, currentWordIdx-fuzzyBackoff)
	scanEnd := min(len(idx.tokens), scanStart+fuzzyWindow)

	minLen := max(1, expectedTokens-3)
	maxLen := expectedTokens + 4

	best := rowMatch{score: 0}
	found := false
	for s := scanStart; s < scanEnd; s++ {
		for l := minLen; l <= maxLen; l++ {
			e := s + l
			if e > len(idx.tokens) {
				break
			}
			candidate := idx.concat[idx.charStarts[s]:idx.charStartOf(e)]
			// Levenshtein lower-bounds the LCS distance: skip clearly
			// hopeless candidates without paying for the DP table.
			maxAB := max(len(candidate), len(compact))
			if maxAB == 0 {
				continue
			}
			if dist := matchr.Levenshtein(candidate, compact); float64(maxAB-dist)/float64(maxAB) < accept-0.15 {
				continue
			}
			ratio := lcsRatio(candidate, compact)
			if ratio > best.score {
				best = rowMatch{startIdx: s, endIdx: e - 1, score: ratio, kind: matchFuzzy}
				found = true
			}
		}
	}
	if !found || best.score < accept {
		return rowMatch{}, false
	}
	return best, true
}

// lcsRatio computes the classic similarity ratio 2*LCS(a,b)/(|a|+|b|).
func lcsRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
			} else {
				cur[j] = max(prev[j], cur[j-1])
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

// allocateProportional assigns a word span sized by this sentence's share of
// the remaining tokens, keeping at least one word for itself and reserving
// one word per downstream sentence.
func allocateProportional(idx *wordIndex, rows []types.Sentence, i, currentWordIdx, ownTokens int) rowMatch {
	if currentWordIdx >= len(idx.words) {
		currentWordIdx = len(idx.words) - 1
	}
	remainWords := len(idx.words) - currentWordIdx
	remainSentencesAfter := len(rows) - i - 1

	remainTokens := 0
	for j := i; j < len(rows); j++ {
		remainTokens += max(1, len(sentenceTokens(rows[j].Text)))
	}
	if ownTokens < 1 {
		ownTokens = 1
	}

	span := int(float64(remainWords)*float64(ownTokens)/float64(remainTokens) + 0.5)
	if span < 1 {
		span = 1
	}
	if maxSpan := remainWords - remainSentencesAfter; span > maxSpan {
		span = max(1, maxSpan)
	}

	end := currentWordIdx + span - 1
	if end >= len(idx.words) {
		end = len(idx.words) - 1
	}
	return rowMatch{startIdx: currentWordIdx, endIdx: end, score: fallbackRowScore, kind: matchFallback}
}

// smoothBoundaries closes sub-second gaps between touching sentences and
// clamps end >= start.
func smoothBoundaries(rows []types.Sentence) {
	for i := range rows {
		if rows[i].End < rows[i].Start {
			rows[i].End = rows[i].Start
		}
		if i+1 < len(rows) {
			gap := rows[i+1].Start - rows[i].End
			if gap > 0 && gap < 1 {
				rows[i].End = rows[i+1].Start
			}
		}
	}
}

// alignmentMissError builds the diagnostic envelope for a total miss.
func alignmentMissError(idx *wordIndex, text, compact string, pos int) error {
	ctxStart := max(0, pos-30)
	ctxEnd := min(len(idx.concat), pos+30)
	return pipeerr.New(pipeerr.StageAlign, pipeerr.CodeTimestampAlignmentFailed,
		fmt.Sprintf("sentence %q not found in word stream", text)).
		With("sentence", text).
		With("normalized", compact).
		With("scan_pos", pos).
		With("context", idx.concat[ctxStart:ctxEnd])
}

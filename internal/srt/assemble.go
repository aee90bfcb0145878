// Package srt turns aligned, translated sentences into numbered subtitles and
// renders them as SRT files, splitting overlong lines along punctuation.
package srt

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/subweave/subweave/pkg/types"
)

const (
	// maxSourceRunes is the hard cap on a source line.
	maxSourceRunes = 75

	// maxTranslationWeight caps the weighted translation length. Wide
	// scripts count more per rune, so the budget is the source cap times
	// a 1.2 allowance.
	maxTranslationWeight = maxSourceRunes * 1.2

	// maxSplitRounds bounds the recursive splitting.
	maxSplitRounds = 3

	// minChildSeconds is the shortest span a split child may receive.
	minChildSeconds = 0.3
)

// runeWeight scores display width per rune. CJK ideographs, kana and
// full-width forms render roughly 1.75 narrow cells, Hangul about 1.5.
func runeWeight(r rune) float64 {
	switch {
	case unicode.Is(unicode.Han, r),
		unicode.Is(unicode.Hiragana, r),
		unicode.Is(unicode.Katakana, r),
		r >= 0xFF00 && r <= 0xFFEF,
		r >= 0x3000 && r <= 0x303F:
		return 1.75
	case unicode.Is(unicode.Hangul, r):
		return 1.5
	default:
		// Thai and ASCII both count as single cells.
		return 1.0
	}
}

func weightedLen(s string) float64 {
	var w float64
	for _, r := range s {
		w += runeWeight(r)
	}
	return w
}

func tooLong(s types.Sentence) bool {
	return utf8.RuneCountInString(s.Text) > maxSourceRunes ||
		weightedLen(s.Translation) > maxTranslationWeight
}

// Assemble splits overlong sentences, normalizes the timeline and numbers
// the result. Sentence order is preserved.
func Assemble(sentences []types.Sentence) []types.Subtitle {
	var flat []types.Sentence
	for _, s := range sentences {
		flat = append(flat, splitSentence(s, 0)...)
	}
	normalizeTimeline(flat)

	subs := make([]types.Subtitle, len(flat))
	for i, s := range flat {
		subs[i] = types.Subtitle{
			ID:          i + 1,
			Index:       i,
			Start:       s.Start,
			End:         s.End,
			Text:        s.Text,
			Translation: s.Translation,
		}
	}
	return subs
}

// splitSentence recursively halves a sentence at the punctuation or space
// nearest its midpoint, up to maxSplitRounds deep.
func splitSentence(s types.Sentence, depth int) []types.Sentence {
	if depth >= maxSplitRounds || !tooLong(s) {
		return []types.Sentence{s}
	}
	leftText, rightText, ok := splitAtMidpoint(s.Text)
	if !ok {
		return []types.Sentence{s}
	}

	leftTrans, rightTrans := splitProportional(s.Translation, leftText, rightText)
	leftLen := utf8.RuneCountInString(leftText)
	rightLen := utf8.RuneCountInString(rightText)
	leftSpan, rightSpan := distributeSpan(s.End-s.Start, leftLen, rightLen)

	left := types.Sentence{
		Start:       s.Start,
		End:         s.Start + leftSpan,
		Text:        leftText,
		Translation: leftTrans,
	}
	right := types.Sentence{
		Start:       left.End,
		End:         left.End + rightSpan,
		Text:        rightText,
		Translation: rightTrans,
	}
	out := splitSentence(left, depth+1)
	return append(out, splitSentence(right, depth+1)...)
}

// splitAtMidpoint cuts the text at the break candidate nearest its midpoint.
// Punctuation stays with the left half; a space separator is dropped.
func splitAtMidpoint(text string) (left, right string, ok bool) {
	runes := []rune(text)
	n := len(runes)
	if n < 2 {
		return "", "", false
	}
	mid := n / 2

	bestIdx := -1
	bestDist := n
	for i, r := range runes {
		// A cut after index i must leave content on both sides.
		if i == n-1 {
			break
		}
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) {
			continue
		}
		if d := abs(i - mid); d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		// No break candidate: cut hard at the midpoint.
		bestIdx = mid - 1
	}

	cut := bestIdx + 1
	left = strings.TrimSpace(string(runes[:cut]))
	right = strings.TrimSpace(string(runes[cut:]))
	if left == "" || right == "" {
		return "", "", false
	}
	return left, right, true
}

// splitProportional divides the translation by character count in the same
// ratio as the source halves.
func splitProportional(translation, leftText, rightText string) (string, string) {
	if translation == "" {
		return "", ""
	}
	trunes := []rune(translation)
	leftLen := utf8.RuneCountInString(leftText)
	total := leftLen + utf8.RuneCountInString(rightText)
	if total == 0 {
		return translation, ""
	}
	cut := len(trunes) * leftLen / total
	if cut <= 0 {
		cut = 1
	}
	if cut >= len(trunes) {
		cut = len(trunes) - 1
	}
	return strings.TrimSpace(string(trunes[:cut])), strings.TrimSpace(string(trunes[cut:]))
}

// distributeSpan shares a parent span between two children in proportion to
// their character counts, guaranteeing each at least minChildSeconds.
func distributeSpan(span float64, leftLen, rightLen int) (float64, float64) {
	total := leftLen + rightLen
	if total == 0 {
		half := span / 2
		return half, half
	}
	left := span * float64(leftLen) / float64(total)
	right := span - left
	if left < minChildSeconds {
		left = minChildSeconds
	}
	if right < minChildSeconds {
		right = minChildSeconds
	}
	return left, right
}

// normalizeTimeline clamps end >= start and enforces strict non-overlap by
// pushing each start to at least the previous end.
func normalizeTimeline(sentences []types.Sentence) {
	for i := range sentences {
		if sentences[i].End < sentences[i].Start {
			sentences[i].End = sentences[i].Start
		}
		if i > 0 && sentences[i].Start < sentences[i-1].End {
			sentences[i].Start = sentences[i-1].End
			if sentences[i].End < sentences[i].Start {
				sentences[i].End = sentences[i].Start
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package align

import (
	"sort"
	"strings"
	"unicode"

	"github.com/subweave/subweave/pkg/types"
)

// NormalizeToken lowercases a raw token and strips everything that is not a
// letter or digit. ASCII input therefore reduces to [a-z0-9]; CJK characters
// survive so ideographic scripts remain matchable.
func NormalizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeSentence reduces a sentence to its compact form: every token
// normalized and concatenated without separators.
func normalizeSentence(s string) string {
	var b strings.Builder
	for _, tok := range strings.Fields(s) {
		b.WriteString(NormalizeToken(tok))
	}
	return b.String()
}

// sentenceTokens returns the normalized non-empty tokens of a sentence.
func sentenceTokens(s string) []string {
	var out []string
	for _, tok := range strings.Fields(s) {
		if n := NormalizeToken(tok); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// wordIndex is the compact word index: the surviving word segments, their
// normalized tokens, the concatenation of all tokens, and the cumulative
// character offset of each token within the concatenation.
type wordIndex struct {
	words      []types.WordSegment
	tokens     []string
	concat     string
	charStarts []int
}

// buildIndex normalizes every word segment, dropping tokens whose normalized
// form is empty or whose (start, end) pair is invalid.
func buildIndex(words []types.WordSegment) *wordIndex {
	idx := &wordIndex{}
	var b strings.Builder
	for _, w := range words {
		tok := NormalizeToken(w.Word)
		if tok == "" || w.Start < 0 || w.End < w.Start {
			continue
		}
		idx.words = append(idx.words, w)
		idx.tokens = append(idx.tokens, tok)
		idx.charStarts = append(idx.charStarts, b.Len())
		b.WriteString(tok)
	}
	idx.concat = b.String()
	return idx
}

// wordAt returns the index of the token containing the byte offset pos in the
// concatenated string.
func (idx *wordIndex) wordAt(pos int) int {
	// charStarts is sorted; find the last start <= pos.
	i := sort.Search(len(idx.charStarts), func(i int) bool {
		return idx.charStarts[i] > pos
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// charStartOf returns the concatenation offset where token i begins, or the
// total length when i is past the last token.
func (idx *wordIndex) charStartOf(i int) int {
	if i >= len(idx.charStarts) {
		return len(idx.concat)
	}
	return idx.charStarts[i]
}

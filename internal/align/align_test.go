package align

import (
	"errors"
	"reflect"
	"testing"

	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

func wordStream(words ...[3]any) []types.WordSegment {
	out := make([]types.WordSegment, 0, len(words))
	for i, w := range words {
		out = append(out, types.WordSegment{
			ID:    i + 1,
			Start: w[0].(float64),
			End:   w[1].(float64),
			Word:  w[2].(string),
		})
	}
	return out
}

func helloWords() []types.WordSegment {
	return wordStream(
		[3]any{0.0, 0.5, "hello"},
		[3]any{0.6, 1.5, "world"},
		[3]any{1.6, 2.0, "how"},
		[3]any{2.1, 2.4, "are"},
		[3]any{2.5, 3.0, "you"},
	)
}

func TestAlign_ExactMatchAtPositionZero(t *testing.T) {
	rows := []types.Sentence{
		{Text: "Hello world"},
		{Text: "How are you"},
	}
	got, report, err := New(Config{}).Align(rows, helloWords(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].Start != 0.0 || got[0].End != 1.5 {
		t.Fatalf("row 0 span = (%v, %v), want (0.0, 1.5)", got[0].Start, got[0].End)
	}
	if got[1].Start != 1.6 || got[1].End != 3.0 {
		t.Fatalf("row 1 span = (%v, %v), want (1.6, 3.0)", got[1].Start, got[1].End)
	}
	if report.ExactRows != 2 || report.QualityScore != 1.0 {
		t.Fatalf("report = %+v, want 2 exact rows and quality 1.0", report)
	}
	if report.Mode != types.AlignStrict {
		t.Fatalf("mode = %q, want strict", report.Mode)
	}
}

func TestAlign_EmptyWordStream(t *testing.T) {
	_, _, err := New(Config{}).Align([]types.Sentence{{Text: "hi"}}, nil, nil)
	if pipeerr.CodeOf(err) != pipeerr.CodeWordSegmentsEmpty {
		t.Fatalf("err = %v, want word_segments_empty", err)
	}
}

func TestAlign_MissWithoutFallbackFails(t *testing.T) {
	rows := []types.Sentence{{Text: "completely unrelated sentence nothing matches"}}
	_, _, err := New(Config{}).Align(rows, helloWords(), nil)

	var pe *pipeerr.Error
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want pipeerr envelope", err)
	}
	if pe.Code != pipeerr.CodeTimestampAlignmentFailed {
		t.Fatalf("code = %q, want timestamp_alignment_failed", pe.Code)
	}
	if pe.Detail["sentence"] == nil || pe.Detail["context"] == nil {
		t.Fatalf("detail missing diagnostics: %v", pe.Detail)
	}
}

func TestAlign_FuzzyMatchToleratesASRNoise(t *testing.T) {
	// ASR heard "helo wold"; the sentence text is the clean form.
	words := wordStream(
		[3]any{0.0, 0.5, "helo"},
		[3]any{0.6, 1.5, "wold"},
		[3]any{1.6, 2.0, "how"},
		[3]any{2.1, 2.4, "are"},
		[3]any{2.5, 3.0, "you"},
	)
	rows := []types.Sentence{
		{Text: "Hello world"},
		{Text: "How are you"},
	}
	got, report, err := New(Config{}).Align(rows, words, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.FuzzyRows != 1 {
		t.Fatalf("fuzzy rows = %d, want 1", report.FuzzyRows)
	}
	if got[0].Start != 0.0 {
		t.Fatalf("fuzzy row start = %v, want 0.0", got[0].Start)
	}
	if report.QualityScore >= 1.0 || report.QualityScore < 0.70 {
		t.Fatalf("quality = %v, want in [0.70, 1.0)", report.QualityScore)
	}
}

func TestAlign_FallbackAllocatesProportionally(t *testing.T) {
	words := wordStream(
		[3]any{0.0, 0.5, "aaa"},
		[3]any{0.6, 1.0, "bbb"},
		[3]any{1.1, 1.5, "ccc"},
		[3]any{1.6, 2.0, "ddd"},
	)
	rows := []types.Sentence{
		{Text: "xxx yyy"},
		{Text: "zzz"},
	}
	got, report, err := New(Config{AllowFallback: true}).Align(rows, words, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.FallbackRows != 2 {
		t.Fatalf("fallback rows = %d, want 2", report.FallbackRows)
	}
	if report.Mode != types.AlignQwenWordStreamFall {
		t.Fatalf("mode = %q, want qwen_word_stream_fallback", report.Mode)
	}
	if got[0].Start != 0.0 {
		t.Fatalf("row 0 start = %v, want 0.0", got[0].Start)
	}
	if got[1].End != 2.0 {
		t.Fatalf("row 1 end = %v, want 2.0", got[1].End)
	}
	if report.QualityScore != fallbackRowScore {
		t.Fatalf("quality = %v, want %v", report.QualityScore, fallbackRowScore)
	}
}

func TestAlign_FallbackRatioGate(t *testing.T) {
	words := wordStream(
		[3]any{0.0, 0.5, "aaa"},
		[3]any{0.6, 1.0, "bbb"},
	)
	rows := []types.Sentence{{Text: "nomatch"}}
	_, _, err := New(Config{AllowFallback: true, MaxFallbackRatio: 0.10}).Align(rows, words, nil)

	var pe *pipeerr.Error
	if !errors.As(err, &pe) || pe.Code != pipeerr.CodeTimestampAlignmentFailed {
		t.Fatalf("err = %v, want timestamp_alignment_failed", err)
	}
	if ratio, ok := pe.Detail["fallback_ratio"].(float64); !ok || ratio != 1.0 {
		t.Fatalf("detail.fallback_ratio = %v, want 1.0", pe.Detail["fallback_ratio"])
	}
}

func TestAlign_SmoothsSubSecondGaps(t *testing.T) {
	words := wordStream(
		[3]any{0.0, 1.0, "one"},
		[3]any{1.4, 2.0, "two"},
	)
	rows := []types.Sentence{
		{Text: "one"},
		{Text: "two"},
	}
	got, _, err := New(Config{}).Align(rows, words, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Gap of 0.4s between row 0 end and row 1 start must be closed.
	if got[0].End != got[1].Start {
		t.Fatalf("gap not closed: end=%v next start=%v", got[0].End, got[1].Start)
	}
}

func TestAlign_Deterministic(t *testing.T) {
	rows := []types.Sentence{
		{Text: "Hello world"},
		{Text: "How are you"},
	}
	a := New(Config{})
	got1, rep1, err1 := a.Align(rows, helloWords(), nil)
	got2, rep2, err2 := a.Align(rows, helloWords(), nil)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if !reflect.DeepEqual(got1, got2) || !reflect.DeepEqual(rep1, rep2) {
		t.Fatal("aligner output is not deterministic")
	}
}

func TestAlign_Cancellation(t *testing.T) {
	rows := []types.Sentence{{Text: "Hello world"}}
	_, _, err := New(Config{}).Align(rows, helloWords(), func() bool { return true })
	if pipeerr.CodeOf(err) != pipeerr.CodeCancelRequested {
		t.Fatalf("err = %v, want cancel_requested", err)
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Hello,", "hello"},
		{"  WORLD!! ", "world"},
		{"it's", "its"},
		{"42nd", "42nd"},
		{"...", ""},
		{"你好，", "你好"},
	}
	for _, c := range cases {
		if got := NormalizeToken(c.in); got != c.want {
			t.Errorf("NormalizeToken(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, s := range []string{"Hello, World!", "abc123", "你好 世界"} {
		once := normalizeSentence(s)
		if twice := normalizeSentence(once); twice != once {
			t.Errorf("normalizeSentence not idempotent for %q: %q vs %q", s, once, twice)
		}
	}
}

func TestLcsRatio(t *testing.T) {
	if r := lcsRatio("abc", "abc"); r != 1 {
		t.Fatalf("identical strings ratio = %v, want 1", r)
	}
	if r := lcsRatio("abc", "xyz"); r != 0 {
		t.Fatalf("disjoint strings ratio = %v, want 0", r)
	}
	if r := lcsRatio("helloworld", "heloworld"); r < 0.9 {
		t.Fatalf("near-identical ratio = %v, want >= 0.9", r)
	}
}

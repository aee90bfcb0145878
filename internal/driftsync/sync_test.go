package driftsync

import (
	"math"
	"testing"

	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

// pulseWords builds n words of 0.3 s duration spaced 1 s apart starting at 0.
func pulseWords(n int) []types.WordSegment {
	words := make([]types.WordSegment, n)
	for i := range words {
		words[i] = types.WordSegment{
			ID:    i,
			Start: float64(i),
			End:   float64(i) + 0.3,
			Word:  "w",
		}
	}
	return words
}

func shiftedSentences(words []types.WordSegment, shift float64) []types.Sentence {
	mid := len(words) / 2
	return []types.Sentence{
		{Start: words[0].Start + shift, End: words[mid-1].End + shift, Text: "first half"},
		{Start: words[mid].Start + shift, End: words[len(words)-1].End + shift, Text: "second half"},
	}
}

func TestSync_CorrectsConstantShift(t *testing.T) {
	words := pulseWords(10)
	sentences := shiftedSentences(words, 0.25)

	out, diag, err := New(Config{}).Sync(sentences, words, 0.85, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !diag.CorrectionApplied {
		t.Fatalf("correction not applied, diag = %+v", diag)
	}
	if diag.CorrectionMethod != "fftsync" {
		t.Fatalf("method = %q, want fftsync", diag.CorrectionMethod)
	}
	if math.Abs(diag.Offset+0.25) > 0.02 {
		t.Fatalf("offset = %v, want about -0.25", diag.Offset)
	}
	if diag.Scale != 1.0 {
		t.Fatalf("scale = %v, want 1.0", diag.Scale)
	}
	if diag.Score < minFFTScore {
		t.Fatalf("score = %v, want >= %v", diag.Score, minFFTScore)
	}
	if math.Abs(out[0].Start-words[0].Start) > 0.02 {
		t.Fatalf("corrected start = %v, want about %v", out[0].Start, words[0].Start)
	}
	if math.Abs(diag.PostStartGap) > 0.02 {
		t.Fatalf("post start gap = %v", diag.PostStartGap)
	}
}

func TestSync_NoTriggerIsNoOp(t *testing.T) {
	words := pulseWords(10)
	sentences := shiftedSentences(words, 0.05)

	out, diag, err := New(Config{}).Sync(sentences, words, 0.98, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diag.CorrectionApplied {
		t.Fatal("correction must not run below all trigger thresholds")
	}
	for i := range out {
		if out[i] != sentences[i] {
			t.Fatalf("sentence %d changed without a trigger", i)
		}
	}
}

func TestSync_TinyCorrectionSkipped(t *testing.T) {
	// Low quality triggers detection but the streams already agree, so the
	// estimated correction falls below the apply floor.
	words := pulseWords(10)
	sentences := shiftedSentences(words, 0)

	out, diag, err := New(Config{}).Sync(sentences, words, 0.5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diag.CorrectionApplied {
		t.Fatalf("near-identity correction must be skipped, diag = %+v", diag)
	}
	if diag.CorrectionMethod != "fftsync" {
		t.Fatalf("method = %q, want fftsync", diag.CorrectionMethod)
	}
	if out[0] != sentences[0] {
		t.Fatal("sentences changed despite skipped correction")
	}
}

func TestSync_BoundaryFallback(t *testing.T) {
	// The sentence stream sits 30 s away from the reference, beyond the
	// correlation lag window, so the FFT cannot score it.
	words := []types.WordSegment{{Start: 0, End: 1, Word: "w"}}
	sentences := []types.Sentence{{Start: 30, End: 40, Text: "late"}}

	out, diag, err := New(Config{}).Sync(sentences, words, 1.0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diag.CorrectionMethod != "boundary" {
		t.Fatalf("method = %q, want boundary", diag.CorrectionMethod)
	}
	if !diag.CorrectionApplied {
		t.Fatal("boundary correction should apply")
	}
	if diag.Scale != 0.90 {
		t.Fatalf("scale = %v, want the 0.90 clamp", diag.Scale)
	}
	if math.Abs(out[0].Start) > 1e-9 {
		t.Fatalf("corrected start = %v, want 0", out[0].Start)
	}
}

func TestSync_MonotonicAfterCorrection(t *testing.T) {
	words := pulseWords(10)
	sentences := shiftedSentences(words, 0.25)
	// Force adjacent sentences to touch so clamping has work to do.
	sentences[1].Start = sentences[0].End - 0.01

	out, _, err := New(Config{}).Sync(sentences, words, 0.85, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i < len(out); i++ {
		if out[i].Start < out[i-1].End {
			t.Fatalf("sentence %d overlaps its predecessor: %v < %v", i, out[i].Start, out[i-1].End)
		}
	}
	if out[0].Start < 0 {
		t.Fatalf("negative start after correction: %v", out[0].Start)
	}
}

func TestSync_Cancellation(t *testing.T) {
	words := pulseWords(10)
	sentences := shiftedSentences(words, 0.5)

	_, _, err := New(Config{}).Sync(sentences, words, 0.85, func() bool { return true })
	if pipeerr.CodeOf(err) != pipeerr.CodeCancelRequested {
		t.Fatalf("err = %v, want cancel_requested", err)
	}
}

func TestSync_EmptyInputs(t *testing.T) {
	out, diag, err := New(Config{}).Sync(nil, pulseWords(3), 0.5, nil)
	if err != nil || out != nil || diag.CorrectionApplied {
		t.Fatalf("empty sentences: out=%v diag=%+v err=%v", out, diag, err)
	}
	s := []types.Sentence{{Start: 0, End: 1, Text: "x"}}
	out, diag, err = New(Config{}).Sync(s, nil, 0.5, nil)
	if err != nil || len(out) != 1 || diag.CorrectionApplied {
		t.Fatalf("empty words: out=%v diag=%+v err=%v", out, diag, err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.StartGapThreshold != 0.12 || c.EndGapThreshold != 0.18 || c.QualityThreshold != 0.92 {
		t.Fatalf("defaults = %+v", c)
	}
	c = Config{StartGapThreshold: 0.3, EndGapThreshold: 0.4, QualityThreshold: 0.8}.withDefaults()
	if c.StartGapThreshold != 0.3 || c.EndGapThreshold != 0.4 || c.QualityThreshold != 0.8 {
		t.Fatalf("explicit values overridden: %+v", c)
	}
}

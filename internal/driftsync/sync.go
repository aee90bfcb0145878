// Package driftsync detects and corrects a global timing offset and linear
// drift between the reference word stream and the aligned sentence stream.
// Detection runs FFT cross-correlation over a small set of candidate scale
// factors; a boundary heuristic covers the cases correlation cannot score.
package driftsync

import (
	"log/slog"
	"math"

	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

const (
	// sampleRate is the rasterization rate for activity arrays.
	sampleRate = 100

	// maxLagSeconds constrains the correlation search.
	maxLagSeconds = 12

	// minFFTScore below which the boundary fallback takes over.
	minFFTScore = 0.35

	// applyOffsetFloor and applyScaleFloor: corrections smaller than both
	// are noise and skipped.
	applyOffsetFloor = 0.08
	applyScaleFloor  = 0.002
)

// scaleCandidates are the drift factors tried during correlation.
var scaleCandidates = []float64{0.985, 0.99, 0.995, 1.0, 1.005, 1.01, 1.015}

// Config holds the trigger thresholds. They default to the tuned values when
// zero; keep them configurable rather than baked in.
type Config struct {
	// StartGapThreshold triggers on |first sentence start − first word
	// start| ≥ threshold. Default 0.12 s.
	StartGapThreshold float64

	// EndGapThreshold is the same for stream ends. Default 0.18 s.
	EndGapThreshold float64

	// QualityThreshold triggers when the alignment quality score falls
	// below it. Default 0.92.
	QualityThreshold float64
}

func (c Config) withDefaults() Config {
	if c.StartGapThreshold <= 0 {
		c.StartGapThreshold = 0.12
	}
	if c.EndGapThreshold <= 0 {
		c.EndGapThreshold = 0.18
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.92
	}
	return c
}

// Synchronizer corrects sentence timelines against a reference word stream.
type Synchronizer struct {
	cfg Config
}

// New creates a Synchronizer; zero Config fields take the tuned defaults.
func New(cfg Config) *Synchronizer {
	return &Synchronizer{cfg: cfg.withDefaults()}
}

// Sync inspects the gap between the sentence stream and the word stream and,
// when any trigger threshold is exceeded, estimates and applies a linear
// correction new_t = old_t*scale + offset. The input slice is not mutated.
// shouldCancel is polled between scale candidates; pass nil to disable.
func (s *Synchronizer) Sync(sentences []types.Sentence, words []types.WordSegment, quality float64, shouldCancel func() bool) ([]types.Sentence, types.SyncDiagnostics, error) {
	diag := types.SyncDiagnostics{}
	if len(sentences) == 0 || len(words) == 0 {
		return sentences, diag, nil
	}

	refStart, refEnd := words[0].Start, words[len(words)-1].End
	qStart, qEnd := sentences[0].Start, sentences[len(sentences)-1].End
	diag.StartGap = qStart - refStart
	diag.EndGap = qEnd - refEnd

	triggered := math.Abs(diag.StartGap) >= s.cfg.StartGapThreshold ||
		math.Abs(diag.EndGap) >= s.cfg.EndGapThreshold ||
		quality < s.cfg.QualityThreshold
	if !triggered {
		return sentences, diag, nil
	}

	scale, offset, score, method, err := s.estimate(sentences, words, refStart, refEnd, qStart, qEnd, shouldCancel)
	if err != nil {
		return nil, diag, err
	}
	diag.Scale = scale
	diag.Offset = offset
	diag.Score = score
	diag.CorrectionMethod = method

	if math.Abs(offset) < applyOffsetFloor && math.Abs(scale-1) < applyScaleFloor {
		slog.Debug("drift correction below apply floor, skipping",
			"offset", offset, "scale", scale)
		return sentences, diag, nil
	}

	out := applyCorrection(sentences, scale, offset)
	diag.CorrectionApplied = true
	diag.PostStartGap = out[0].Start - refStart
	diag.PostEndGap = out[len(out)-1].End - refEnd

	slog.Info("drift correction applied",
		"method", method, "scale", scale, "offset", offset, "score", score)
	return out, diag, nil
}

// estimate picks the best (scale, offset) pair: FFT correlation first, the
// boundary heuristic when correlation scores too low.
func (s *Synchronizer) estimate(sentences []types.Sentence, words []types.WordSegment, refStart, refEnd, qStart, qEnd float64, shouldCancel func() bool) (scale, offset, score float64, method string, err error) {
	ref := rasterizeWords(words)

	bestScore := -1.0
	bestScale := 1.0
	bestLag := 0
	for _, sc := range scaleCandidates {
		if shouldCancel != nil && shouldCancel() {
			return 0, 0, 0, "", pipeerr.New(pipeerr.StageAlign, pipeerr.CodeCancelRequested, "cancel requested")
		}
		query := rasterizeSentences(sentences, sc)
		n := max(len(ref), len(query))
		if n == 0 {
			continue
		}
		a := padTo(ref, n)
		b := padTo(query, n)
		lag, sscore := crossCorrelate(a, b, maxLagSeconds*sampleRate)
		if sscore > bestScore {
			bestScore, bestScale, bestLag = sscore, sc, lag
		}
	}

	if bestScore >= minFFTScore {
		return bestScale, float64(bestLag) / sampleRate, bestScore, "fftsync", nil
	}

	// Boundary fallback: span ratio bounded to ±10% plus start anchoring.
	scale = 1.0
	if qSpan := qEnd - qStart; qSpan > 0 {
		scale = clamp((refEnd-refStart)/qSpan, 0.90, 1.10)
	}
	offset = refStart - qStart*scale
	score = boundaryConfidence(refStart, refEnd, qStart, qEnd, scale, offset)
	return scale, offset, score, "boundary", nil
}

// rasterizeWords builds a 100 Hz binary activity array for the word stream.
func rasterizeWords(words []types.WordSegment) []float64 {
	end := 0.0
	for _, w := range words {
		if w.End > end {
			end = w.End
		}
	}
	out := make([]float64, int(end*sampleRate)+1)
	for _, w := range words {
		markActive(out, w.Start, w.End)
	}
	return out
}

// rasterizeSentences builds the activity array for the sentence stream with
// timestamps multiplied by scale.
func rasterizeSentences(sentences []types.Sentence, scale float64) []float64 {
	end := 0.0
	for _, s := range sentences {
		if e := s.End * scale; e > end {
			end = e
		}
	}
	out := make([]float64, int(end*sampleRate)+1)
	for _, s := range sentences {
		markActive(out, s.Start*scale, s.End*scale)
	}
	return out
}

func markActive(arr []float64, start, end float64) {
	i0 := int(start * sampleRate)
	i1 := int(end * sampleRate)
	for i := i0; i <= i1 && i < len(arr); i++ {
		if i >= 0 {
			arr[i] = 1
		}
	}
}

func padTo(arr []float64, n int) []float64 {
	if len(arr) >= n {
		return arr
	}
	out := make([]float64, n)
	copy(out, arr)
	return out
}

// boundaryConfidence scores the boundary estimate by how far the corrected
// boundaries land from the reference ones, on a 1-second error scale.
func boundaryConfidence(refStart, refEnd, qStart, qEnd, scale, offset float64) float64 {
	startErr := math.Abs(qStart*scale + offset - refStart)
	endErr := math.Abs(qEnd*scale + offset - refEnd)
	return clamp(1-(startErr+endErr)/2, 0, 1)
}

// applyCorrection maps every sentence through the linear correction and
// clamps the result to a monotonic non-overlapping timeline.
func applyCorrection(sentences []types.Sentence, scale, offset float64) []types.Sentence {
	out := make([]types.Sentence, len(sentences))
	copy(out, sentences)
	for i := range out {
		out[i].Start = out[i].Start*scale + offset
		out[i].End = out[i].End*scale + offset
		if out[i].Start < 0 {
			out[i].Start = 0
		}
		if out[i].End < out[i].Start {
			out[i].End = out[i].Start
		}
		if i > 0 && out[i].Start < out[i-1].End {
			out[i].Start = out[i-1].End
			if out[i].End < out[i].Start {
				out[i].End = out[i].Start
			}
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package asr

import (
	"context"
	"log/slog"

	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

// Dispatcher runs the provider chain for a job and returns the first success.
type Dispatcher struct {
	providers map[string]Provider

	// defaultCloud is the provider name appended to local chains when
	// cloud fallback is allowed.
	defaultCloud string
}

// NewDispatcher registers providers by their canonical names. defaultCloud
// names the cloud provider used as a local-runtime fallback; pass "" when no
// cloud provider is configured.
func NewDispatcher(defaultCloud string, providers ...Provider) *Dispatcher {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Dispatcher{providers: m, defaultCloud: defaultCloud}
}

// Run executes the chain derived from opts. The first provider that returns
// segments wins; all failures are recorded as attempts. shouldCancel is
// polled before each provider.
func (d *Dispatcher) Run(ctx context.Context, audioPath string, opts types.WhisperOptions, shouldCancel func() bool) (*Outcome, error) {
	chain, err := BuildChain(opts, d.defaultCloud)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeASRProviderChainEmpty, "no providers for options")
	}

	var attempts []Attempt
	for i, name := range chain {
		if shouldCancel != nil && shouldCancel() {
			return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeCancelRequested, "cancel requested")
		}
		p, ok := d.providers[name]
		if !ok {
			attempts = append(attempts, Attempt{
				Provider: name,
				Code:     string(pipeerr.CodeASRProviderUnknown),
				Message:  "provider not configured",
			})
			continue
		}

		segments, err := p.Transcribe(ctx, audioPath)
		if err != nil {
			slog.Warn("asr provider failed", "provider", name, "error", err)
			attempts = append(attempts, Attempt{
				Provider: name,
				Code:     string(codeOrUnexpected(err)),
				Message:  err.Error(),
			})
			continue
		}
		if len(segments) == 0 {
			attempts = append(attempts, Attempt{
				Provider: name,
				Code:     string(pipeerr.CodeASREmptySegments),
				Message:  "provider returned no segments",
			})
			continue
		}
		if !hasWords(segments) {
			// Without word timings nothing downstream can align; a later
			// provider cannot fix the transcript we already have.
			return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeWordTimestampsMissing,
				"provider "+name+" returned segments without word timestamps")
		}

		return &Outcome{
			Segments:          segments,
			ProviderEffective: name,
			RuntimeEffective:  p.Runtime(),
			ModelEffective:    p.Model(),
			FallbackUsed:      i > 0,
			Attempts:          attempts,
		}, nil
	}

	// When emptiness was the only failure mode, surface it directly instead
	// of the generic chain exhaustion code.
	if allEmpty(attempts) {
		return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeASREmptySegments,
			"every transcription provider returned no segments").With("attempts", attempts)
	}
	return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeASRAllProvidersFailed,
		"all transcription providers failed").With("attempts", attempts)
}

func allEmpty(attempts []Attempt) bool {
	for _, a := range attempts {
		if a.Code != string(pipeerr.CodeASREmptySegments) {
			return false
		}
	}
	return len(attempts) > 0
}

func codeOrUnexpected(err error) pipeerr.Code {
	if c := pipeerr.CodeOf(err); c != "" {
		return c
	}
	return pipeerr.CodePipelineUnexpectedError
}

func hasWords(segments []types.AsrSegment) bool {
	for _, s := range segments {
		if len(s.Words) > 0 {
			return true
		}
	}
	return false
}

// FlattenWords turns segment word timings into the flat 1-based stream the
// aligner consumes. source is "cloud" or "local" per the winning runtime.
func FlattenWords(segments []types.AsrSegment, source types.Runtime) []types.WordSegment {
	var out []types.WordSegment
	for si, seg := range segments {
		for _, w := range seg.Words {
			if w.End < w.Start || w.Start < 0 {
				continue
			}
			out = append(out, types.WordSegment{
				ID:              len(out) + 1,
				Start:           w.Start,
				End:             w.End,
				Word:            w.Word,
				Confidence:      w.Confidence,
				AsrSegmentIndex: si,
				Source:          string(source),
			})
		}
	}
	return out
}

// Package asr transcribes extracted audio through an ordered provider chain
// spanning cloud OpenAI-compatible endpoints and local whisper.cpp runtimes.
package asr

import (
	"context"
	"fmt"
	"strings"

	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

// Canonical provider names.
const (
	ProviderCloudParaformer    = "cloud_paraformer_v2"
	ProviderCloudQwen3         = "cloud_qwen3_asr_flash_filetrans"
	ProviderLocalWhisperX      = "local_whisperx"
	ProviderLocalFasterWhisper = "local_faster_whisper"
)

// Cloud model identifiers accepted in cloud runtime.
const (
	ModelParaformerV2 = "paraformer-v2"
	ModelQwen3Flash   = "qwen3-asr-flash-filetrans"
)

// localModels are the permitted local whisper model sizes.
var localModels = map[string]bool{
	"tiny": true, "base": true, "small": true, "medium": true, "large-v3": true,
}

// QwenFallbackRatioLimit is the alignment fallback-row budget enforced when
// the effective provider is the qwen3 flash transcription service.
const QwenFallbackRatioLimit = 0.10

// Provider transcribes one audio file.
type Provider interface {
	// Name returns the canonical provider name.
	Name() string

	// Runtime reports where inference runs.
	Runtime() types.Runtime

	// Model returns the effective model identifier.
	Model() string

	// Transcribe processes a mono 16 kHz WAV file.
	Transcribe(ctx context.Context, audioPath string) ([]types.AsrSegment, error)
}

// Attempt records one failed provider invocation for diagnostics.
type Attempt struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Outcome is a successful dispatch result.
type Outcome struct {
	Segments          []types.AsrSegment
	ProviderEffective string
	RuntimeEffective  types.Runtime
	ModelEffective    string
	FallbackUsed      bool
	Attempts          []Attempt
}

// AllowAlignmentFallback reports whether the aligner may use proportional
// fallback spans for output of the given provider.
func AllowAlignmentFallback(providerName string) bool {
	return providerName == ProviderCloudQwen3
}

// CloudProviderName maps a cloud model identifier to its provider name.
func CloudProviderName(model string) string {
	sanitized := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToLower(model))
	return "cloud_" + sanitized
}

// BuildChain derives the ordered, deduplicated provider-name chain for the
// given options. cloudName is the provider appended to local chains when
// cloud fallback is allowed.
func BuildChain(opts types.WhisperOptions, cloudName string) ([]string, error) {
	var chain []string
	switch opts.Runtime {
	case types.RuntimeCloud:
		if opts.Model != ModelParaformerV2 && opts.Model != ModelQwen3Flash {
			return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeInvalidWhisperModel,
				fmt.Sprintf("model %q is not a cloud transcription model", opts.Model))
		}
		chain = append(chain, CloudProviderName(opts.Model))
		if opts.FallbackEnabled && opts.AllowLocalFallback {
			if opts.Profile == types.ProfileAccurate {
				chain = append(chain, ProviderLocalWhisperX)
			}
			chain = append(chain, ProviderLocalFasterWhisper)
		}
	case types.RuntimeLocal:
		if !localModels[opts.Model] {
			return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeInvalidWhisperModel,
				fmt.Sprintf("model %q is not a local whisper model", opts.Model))
		}
		if opts.Profile == types.ProfileAccurate {
			chain = append(chain, ProviderLocalWhisperX)
			if opts.FallbackEnabled {
				chain = append(chain, ProviderLocalFasterWhisper)
			}
		} else {
			chain = append(chain, ProviderLocalFasterWhisper)
		}
		if opts.FallbackEnabled && opts.AllowCloudFallback && cloudName != "" {
			chain = append(chain, cloudName)
		}
	default:
		return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeInvalidRuntime,
			fmt.Sprintf("runtime %q is not supported", opts.Runtime))
	}
	return dedupe(chain), nil
}

func dedupe(chain []string) []string {
	seen := make(map[string]bool, len(chain))
	out := chain[:0]
	for _, name := range chain {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

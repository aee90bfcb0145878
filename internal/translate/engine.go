// Package translate turns sentence text into target-language translations via
// an OpenAI-compatible LLM. Two strategies exist: chunked batching through a
// generic model, and a direct single-call path for the dedicated qwen-mt
// translation model. The strategy is chosen at pipeline construction.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/subweave/subweave/internal/llmproto"
	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

// QwenMTModel is the dedicated machine-translation model that bypasses
// batching and speaks translation_options.
const QwenMTModel = "qwen-mt-flash"

// Progress reports (done, total) row counts as batches complete.
type Progress func(done, total int)

// Strategy translates an ordered list of texts. Implementations must poll
// shouldCancel between batches; pass nil to disable cancellation.
type Strategy interface {
	Translate(ctx context.Context, texts []string, progress Progress, shouldCancel func() bool) ([]string, types.Usage, error)
}

// NewStrategy selects the strategy for the configured model.
func NewStrategy(caller llmproto.Caller, model, sourceLang, targetLang string) Strategy {
	if model == QwenMTModel {
		return &QwenMTDirectStrategy{caller: caller, sourceLang: sourceLang, targetLang: targetLang}
	}
	return &ChunkedLLMStrategy{caller: caller, sourceLang: sourceLang, targetLang: targetLang}
}

// ChunkedLLMStrategy partitions rows under the dual batch limits and prompts
// a generic LLM for a row-keyed JSON object per batch.
type ChunkedLLMStrategy struct {
	caller     llmproto.Caller
	sourceLang string
	targetLang string
}

// Compile-time interface assertion.
var _ Strategy = (*ChunkedLLMStrategy)(nil)

// Translate implements Strategy.
func (s *ChunkedLLMStrategy) Translate(ctx context.Context, texts []string, progress Progress, shouldCancel func() bool) ([]string, types.Usage, error) {
	out := make([]string, len(texts))
	var usage types.Usage
	if len(texts) == 0 {
		return out, usage, nil
	}

	batches := partition(texts)
	done := 0
	for _, b := range batches {
		if shouldCancel != nil && shouldCancel() {
			return nil, usage, pipeerr.New(pipeerr.StageTranslate, pipeerr.CodeCancelRequested, "cancel requested")
		}

		payload, keys := batchPayload(b.texts)
		resp, err := s.caller.Complete(ctx, llmproto.Request{
			System:     batchSystemPrompt(s.sourceLang, s.targetLang),
			User:       payload,
			JSONObject: true,
		})
		if err != nil {
			return nil, usage, callFailure(err)
		}
		usage.Add(resp.Usage)

		rows, err := parseKeyed(resp.Content, keys)
		if err != nil {
			return nil, usage, pipeerr.Wrap(pipeerr.StageTranslate, pipeerr.CodeLLMInvalidJSON,
				fmt.Sprintf("translation response invalid: %v", err), err).
				With("batch_first_row", b.first).
				With("batch_size", len(b.texts))
		}
		for i := range b.texts {
			out[b.first+i] = rows[rowKey(i)]
		}

		done += len(b.texts)
		if progress != nil {
			progress(done, len(texts))
		}
	}
	return out, usage, nil
}

// batchPayload serialises batch rows as a stable-keyed JSON object and
// returns the expected response keys.
func batchPayload(texts []string) (string, []string) {
	obj := make(map[string]string, len(texts))
	keys := make([]string, len(texts))
	for i, t := range texts {
		k := rowKey(i)
		obj[k] = t
		keys[i] = k
	}
	b, _ := json.Marshal(obj)
	return string(b), keys
}

// batchSystemPrompt instructs the model to return the same keys it received.
func batchSystemPrompt(sourceLang, targetLang string) string {
	return fmt.Sprintf(
		"You are a subtitle translator. Translate each value of the JSON object "+
			"from %s to %s. Reply with a single JSON object using exactly the same "+
			"keys. Do not add, drop, or merge keys. Do not explain.",
		sourceLang, targetLang)
}

// callFailure maps an endpoint failure to the pipeline error taxonomy.
func callFailure(err error) error {
	var ce *llmproto.CallError
	if errors.As(err, &ce) && ce.AccessDenied() {
		return pipeerr.Wrap(pipeerr.StageTranslate, pipeerr.CodeLLMAccessDenied, ce.Text, err).
			With("status", ce.Status)
	}
	slog.Warn("llm translation request failed", "error", err)
	return pipeerr.Wrap(pipeerr.StageTranslate, pipeerr.CodeLLMRequestFailed, "", err)
}

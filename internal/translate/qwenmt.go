package translate

import (
	"context"
	"errors"
	"strings"

	"github.com/subweave/subweave/internal/llmproto"
	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

// maxSplitDepth bounds the context-length halving recursion.
const maxSplitDepth = 12

// contextLengthMarkers identify a 400/413 failure caused by the payload being
// too large for the model's context window.
var contextLengthMarkers = []string{
	"maximum context",
	"context length",
	"too long",
	"token",
	"length",
	"input is too long",
}

// QwenMTDirectStrategy sends all rows in one chat-completion call with
// translation_options, bypassing the generic batching path. On a
// context-length rejection it splits the rows in half and recurses.
type QwenMTDirectStrategy struct {
	caller     llmproto.Caller
	sourceLang string
	targetLang string
}

// Compile-time interface assertion.
var _ Strategy = (*QwenMTDirectStrategy)(nil)

// Translate implements Strategy.
func (s *QwenMTDirectStrategy) Translate(ctx context.Context, texts []string, progress Progress, shouldCancel func() bool) ([]string, types.Usage, error) {
	var usage types.Usage
	out, err := s.translateSpan(ctx, texts, 0, &usage, shouldCancel)
	if err != nil {
		return nil, usage, err
	}
	if progress != nil {
		progress(len(texts), len(texts))
	}
	return out, usage, nil
}

// translateSpan translates one contiguous span, recursing on context-length
// rejections up to maxSplitDepth.
func (s *QwenMTDirectStrategy) translateSpan(ctx context.Context, texts []string, depth int, usage *types.Usage, shouldCancel func() bool) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if shouldCancel != nil && shouldCancel() {
		return nil, pipeerr.New(pipeerr.StageTranslate, pipeerr.CodeCancelRequested, "cancel requested")
	}

	payload, keys := batchPayload(texts)
	resp, err := s.caller.Complete(ctx, llmproto.Request{
		User: payload,
		Extra: map[string]any{
			"translation_options": map[string]string{
				"source_lang": s.sourceLang,
				"target_lang": s.targetLang,
			},
		},
	})
	if err != nil {
		if isContextLength(err) && len(texts) > 1 && depth < maxSplitDepth {
			mid := len(texts) / 2
			left, lerr := s.translateSpan(ctx, texts[:mid], depth+1, usage, shouldCancel)
			if lerr != nil {
				return nil, lerr
			}
			right, rerr := s.translateSpan(ctx, texts[mid:], depth+1, usage, shouldCancel)
			if rerr != nil {
				return nil, rerr
			}
			return append(left, right...), nil
		}
		return nil, callFailure(err)
	}
	usage.Add(resp.Usage)

	rows, err := parseKeyed(resp.Content, keys)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.StageTranslate, pipeerr.CodeLLMInvalidJSON,
			"qwen-mt response did not cover all rows", err).
			With("rows", len(texts))
	}
	out := make([]string, len(texts))
	for i := range texts {
		out[i] = rows[rowKey(i)]
	}
	return out, nil
}

// isContextLength reports whether the failure is a context-window rejection.
func isContextLength(err error) bool {
	var ce *llmproto.CallError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.Status != 400 && ce.Status != 413 {
		return false
	}
	lower := strings.ToLower(ce.Text)
	for _, m := range contextLengthMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

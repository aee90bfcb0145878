// Package metering emits append-only usage records to a billing collaborator.
// The pipeline forwards token counters; record storage and pricing are the
// collaborator's concern.
package metering

import (
	"log/slog"
	"time"

	"github.com/subweave/subweave/pkg/types"
)

// Scene labels for emitted records.
const (
	SceneTranslate   = "subtitle_translate"
	SceneLLMProbe    = "llm_probe"
	SceneJobComplete = "subtitle_job"
)

// Record is one metered usage event.
type Record struct {
	Scene             string `json:"scene"`
	OwnerID           string `json:"owner_id"`
	ProviderEffective string `json:"provider_effective,omitempty"`
	ModelEffective    string `json:"model_effective,omitempty"`
	PromptTokens      int    `json:"prompt_tokens"`
	CompletionTokens  int    `json:"completion_tokens"`
	TotalTokens       int    `json:"total_tokens"`
	ProviderRequestID string `json:"provider_request_id,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// Sink receives usage records. Implementations must tolerate concurrent
// emission; a failing sink must not fail the job.
type Sink interface {
	Emit(rec Record)
}

// LogSink writes records to the structured log. It is the default sink when
// no billing collaborator is wired.
type LogSink struct{}

var _ Sink = (*LogSink)(nil)

func (LogSink) Emit(rec Record) {
	slog.Info("usage metered",
		"scene", rec.Scene,
		"owner_id", rec.OwnerID,
		"provider", rec.ProviderEffective,
		"model", rec.ModelEffective,
		"prompt_tokens", rec.PromptTokens,
		"completion_tokens", rec.CompletionTokens,
		"total_tokens", rec.TotalTokens,
		"request_id", rec.ProviderRequestID,
	)
}

// FromUsage builds a record from aggregated LLM usage.
func FromUsage(scene, ownerID, provider, model string, u types.Usage) Record {
	return Record{
		Scene:             scene,
		OwnerID:           ownerID,
		ProviderEffective: provider,
		ModelEffective:    model,
		PromptTokens:      u.PromptTokens,
		CompletionTokens:  u.CompletionTokens,
		TotalTokens:       u.TotalTokens,
		ProviderRequestID: u.ProviderRequestID,
		Timestamp:         time.Now().UnixMilli(),
	}
}

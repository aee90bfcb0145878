// Package types holds the data model shared between the pipeline engine, the
// job manager, and an embedding HTTP shell: word segments, sentences,
// subtitles, job options, and the result/diagnostics structs.
package types

// Runtime selects where ASR inference runs.
type Runtime string

const (
	RuntimeCloud Runtime = "cloud"
	RuntimeLocal Runtime = "local"
)

// IsValid reports whether r is a recognised runtime.
func (r Runtime) IsValid() bool {
	return r == RuntimeCloud || r == RuntimeLocal
}

// ASRProfile trades transcription speed against accuracy when choosing the
// provider chain.
type ASRProfile string

const (
	ProfileFast     ASRProfile = "fast"
	ProfileBalanced ASRProfile = "balanced"
	ProfileAccurate ASRProfile = "accurate"
)

// IsValid reports whether p is a recognised ASR profile.
func (p ASRProfile) IsValid() bool {
	switch p {
	case ProfileFast, ProfileBalanced, ProfileAccurate:
		return true
	}
	return false
}

// SourceMode describes how the media artifact reaches the pipeline.
type SourceMode string

const (
	SourceFile   SourceMode = "file"
	SourceURL    SourceMode = "url"
	SourceResume SourceMode = "resume"
)

// WordSegment is a single spoken token with word-level timing from ASR.
// Word keeps the raw token verbatim; matching uses a normalized form.
type WordSegment struct {
	// ID is the 1-based position of the word in the flattened stream.
	ID int `json:"id"`

	// Start and End are in seconds with 3-decimal precision.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Word is the raw token as emitted by the provider.
	Word string `json:"word"`

	// Confidence is the provider-reported score, zero when unavailable.
	Confidence float64 `json:"confidence,omitempty"`

	// AsrSegmentIndex is the index of the segment this word came from.
	AsrSegmentIndex int `json:"asr_segment_index"`

	// Source is "cloud" or "local".
	Source string `json:"source"`
}

// AsrWord is the per-word timing attached to an AsrSegment.
type AsrWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence,omitempty"`
}

// AsrSegment is one transcribed utterance with optional word-level detail.
// Words are required for downstream alignment; cloud providers that omit
// them cause the pipeline to abort with word_timestamps_missing.
type AsrSegment struct {
	Start float64   `json:"start"`
	End   float64   `json:"end"`
	Text  string    `json:"text"`
	Words []AsrWord `json:"words,omitempty"`
}

// Sentence is a sentence-level row flowing through translation and alignment.
// After alignment End >= Start and consecutive sentences never overlap.
type Sentence struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Translation string  `json:"translation,omitempty"`
}

// Subtitle is the emitted subtitle row.
type Subtitle struct {
	// ID is the 1-based SRT cue number.
	ID          int     `json:"id"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Translation string  `json:"translation"`

	// Index is the 0-based position, kept alongside ID for clients that
	// prefer zero-based addressing.
	Index int `json:"index"`
}

// AlignmentMode records which matching regime produced the aligned rows.
type AlignmentMode string

const (
	AlignStrict             AlignmentMode = "strict"
	AlignQwenWordStreamFall AlignmentMode = "qwen_word_stream_fallback"
)

// AlignmentReport carries the aligner's quality diagnostics.
type AlignmentReport struct {
	// QualityScore is the mean per-row score in [0,1]: exact rows score
	// 1.0, fuzzy rows their LCS ratio, fallback rows 0.35.
	QualityScore float64 `json:"alignment_quality_score"`

	AlignedRows  int `json:"aligned_rows"`
	TotalRows    int `json:"total_rows"`
	ExactRows    int `json:"exact_match_rows"`
	FuzzyRows    int `json:"fuzzy_match_rows"`
	FallbackRows int `json:"fallback_rows"`

	// FallbackRatio is FallbackRows/TotalRows. Above the provider-specific
	// gate it is a hard failure.
	FallbackRatio float64 `json:"fallback_ratio"`

	Mode AlignmentMode `json:"alignment_mode"`
}

// SyncDiagnostics is the drift synchronizer's snapshot attached to a job.
type SyncDiagnostics struct {
	CorrectionApplied bool    `json:"correction_applied"`
	CorrectionMethod  string  `json:"correction_method,omitempty"`
	Offset            float64 `json:"offset,omitempty"`
	Scale             float64 `json:"scale,omitempty"`
	Score             float64 `json:"score,omitempty"`
	StartGap          float64 `json:"start_gap"`
	EndGap            float64 `json:"end_gap"`
	PostStartGap      float64 `json:"post_start_gap,omitempty"`
	PostEndGap        float64 `json:"post_end_gap,omitempty"`
}

// WhisperOptions configures the ASR stage of a job.
type WhisperOptions struct {
	// Runtime selects cloud or local inference.
	Runtime Runtime `json:"runtime" yaml:"runtime"`

	// Model is the ASR model identifier. Cloud: paraformer-v2 or
	// qwen3-asr-flash-filetrans. Local: tiny, base, small, medium, large-v3.
	Model string `json:"model" yaml:"model"`

	// Language is the BCP-47 language hint for transcription.
	Language string `json:"language" yaml:"language"`

	// Profile trades speed against accuracy when building the provider chain.
	Profile ASRProfile `json:"profile,omitempty" yaml:"profile"`

	// FallbackEnabled allows trying further providers after the first fails.
	FallbackEnabled bool `json:"fallback_enabled" yaml:"fallback_enabled"`

	// AllowCloudFallback permits appending the cloud provider to a local chain.
	AllowCloudFallback bool `json:"allow_cloud_fallback" yaml:"allow_cloud_fallback"`

	// AllowLocalFallback permits appending local providers to a cloud chain.
	AllowLocalFallback bool `json:"allow_local_fallback" yaml:"allow_local_fallback"`
}

// LLMOptions configures the translation stage of a job.
type LLMOptions struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
}

// Options is the immutable per-job configuration captured at submission.
type Options struct {
	Whisper        WhisperOptions `json:"whisper"`
	LLM            LLMOptions     `json:"llm"`
	SourceLanguage string         `json:"source_language"`
	TargetLanguage string         `json:"target_language"`
}

// Usage aggregates token usage from LLM calls for metering.
type Usage struct {
	PromptTokens      int    `json:"prompt_tokens"`
	CompletionTokens  int    `json:"completion_tokens"`
	TotalTokens       int    `json:"total_tokens"`
	ProviderRequestID string `json:"provider_request_id,omitempty"`
}

// Add accumulates u2 into u, keeping the most recent request id.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
	if u2.ProviderRequestID != "" {
		u.ProviderRequestID = u2.ProviderRequestID
	}
}

// Stats summarises how a completed job was produced.
type Stats struct {
	AsrProviderEffective string          `json:"asr_provider_effective"`
	AsrRuntimeEffective  Runtime         `json:"asr_runtime_effective"`
	AsrModelEffective    string          `json:"asr_model_effective"`
	AsrFallbackUsed      bool            `json:"asr_fallback_used"`
	Alignment            AlignmentReport `json:"alignment"`
	Sync                 SyncDiagnostics `json:"sync"`
	Usage                Usage           `json:"usage"`
}

// Result is what a completed pipeline hands back to the job manager.
type Result struct {
	Subtitles        []Subtitle `json:"subtitles"`
	SrtPath          string     `json:"srt_path,omitempty"`
	BilingualSrtPath string     `json:"bilingual_srt_path,omitempty"`
	Stats            Stats      `json:"stats"`
}

// Package pipeline sequences one job through its stages: optional source
// download, audio extraction, ASR, translation precheck, translation,
// alignment, drift correction, and subtitle emission. Cancellation is checked
// before each stage and inside every stage loop; progress is re-projected
// into per-stage percent bands.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subweave/subweave/internal/align"
	"github.com/subweave/subweave/internal/asr"
	"github.com/subweave/subweave/internal/driftsync"
	"github.com/subweave/subweave/internal/jobs"
	"github.com/subweave/subweave/internal/llmproto"
	"github.com/subweave/subweave/internal/media"
	"github.com/subweave/subweave/internal/metering"
	"github.com/subweave/subweave/internal/observe"
	"github.com/subweave/subweave/internal/sourcecache"
	"github.com/subweave/subweave/internal/srt"
	"github.com/subweave/subweave/internal/translate"
	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

// Default LLM endpoint when the job supplies none.
const (
	DefaultLLMBaseURL = "https://api.siliconflow.cn/v1"
	DefaultLLMModel   = "tencent/Hunyuan-MT-7B"
)

// Progress bands per stage. Translation maps (done, total) into its band
// proportionally; the download band wraps the cache's 0..100 pseudo-percent.
const (
	pctDownloadLow   = 3.0
	pctDownloadHigh  = 12.0
	pctExtractStart  = 15.0
	pctExtractDone   = 28.0
	pctASRStart      = 30.0
	pctASRDone       = 42.0
	pctPrecheck      = 70.0
	pctTranslateLow  = 72.0
	pctTranslateHigh = 90.0
	pctAlign         = 92.0
	pctSync          = 95.0
	pctEmit          = 97.0
)

// Config wires the engine's collaborators.
type Config struct {
	// Cache resolves URL sources. nil disables URL jobs.
	Cache *sourcecache.Cache

	// ASR executes the provider chain.
	ASR *asr.Dispatcher

	// Probes memoizes LLM access prechecks across jobs.
	Probes *llmproto.ProbeCache

	// Sink receives usage records. nil falls back to the log sink.
	Sink metering.Sink

	// Metrics is optional; nil disables instrumentation.
	Metrics *observe.Metrics

	// Drift tunes the synchronizer trigger thresholds.
	Drift driftsync.Config

	// LLMDefaults fills base URL and model when the job omits them.
	LLMDefaults types.LLMOptions
}

// Engine runs jobs. Safe for concurrent use by multiple workers.
type Engine struct {
	cfg Config
}

var _ jobs.Runner = (*Engine)(nil)

// New builds an Engine, filling collaborator defaults.
func New(cfg Config) *Engine {
	if cfg.Probes == nil {
		cfg.Probes = llmproto.NewProbeCache()
	}
	if cfg.Sink == nil {
		cfg.Sink = metering.LogSink{}
	}
	if cfg.LLMDefaults.BaseURL == "" {
		cfg.LLMDefaults.BaseURL = DefaultLLMBaseURL
	}
	if cfg.LLMDefaults.Model == "" {
		cfg.LLMDefaults.Model = DefaultLLMModel
	}
	return &Engine{cfg: cfg}
}

// Run implements jobs.Runner.
func (e *Engine) Run(ctx context.Context, exec jobs.Exec) (*jobs.RunOutput, error) {
	out := &jobs.RunOutput{}
	progress := exec.Progress
	if progress == nil {
		progress = func(string, float64, string, *jobs.StageDetail) {}
	}
	check := func(stage string) error {
		if exec.ShouldCancel != nil && exec.ShouldCancel() {
			return pipeerr.New(stage, pipeerr.CodeCancelRequested, "cancel requested")
		}
		return nil
	}

	var (
		sentences []types.Sentence
		words     []types.WordSegment
		stats     types.Stats
	)

	if exec.Kind == jobs.KindResume {
		sentences = cloneSentences(exec.ResumeSentences)
		words = exec.ResumeWords
		if len(words) == 0 {
			return out, pipeerr.New(pipeerr.StageAlign, pipeerr.CodeWordSegmentsEmpty,
				"resume job carries no word segments")
		}
	} else {
		videoPath := exec.VideoPath
		if exec.Kind == jobs.KindURL {
			p, err := e.download(ctx, exec, progress, check)
			if err != nil {
				return out, err
			}
			videoPath = p
			out.VideoPath = p
		}

		audioPath, err := e.extract(ctx, exec, videoPath, progress, check)
		if err != nil {
			return out, err
		}

		sentences, words, stats, err = e.transcribe(ctx, exec, audioPath, progress, check)
		if err != nil {
			return out, err
		}
	}

	client, err := e.precheck(ctx, exec, progress, check)
	if err != nil {
		return out, err
	}

	usage, err := e.translateRows(ctx, exec, client, sentences, progress, check)
	stats.Usage = usage
	if err != nil {
		if pipeerr.CodeOf(err) == pipeerr.CodeLLMInvalidJSON {
			// Salvage the untranslated rows so the job can still complete.
			out.Partial = srt.Assemble(sentences)
		}
		return out, err
	}

	result, diag, err := e.alignAndBuild(exec, sentences, words, &stats, progress, check)
	if diag != nil {
		out.Diagnostics = diag
	}
	if err != nil {
		return out, err
	}
	out.Result = result
	e.cfg.Sink.Emit(metering.FromUsage(metering.SceneJobComplete, exec.UserID,
		stats.AsrProviderEffective, e.effectiveLLM(exec.Options.LLM).Model, usage))
	return out, nil
}

// download resolves a URL source through the cache into the work dir,
// mapping the cache's pseudo-percent into the stage band.
func (e *Engine) download(ctx context.Context, exec jobs.Exec, progress jobs.ProgressFunc, check func(string) error) (string, error) {
	if err := check(pipeerr.StageDownload); err != nil {
		return "", err
	}
	if e.cfg.Cache == nil {
		return "", pipeerr.New(pipeerr.StageDownload, pipeerr.CodeYtDlpNotAvailable,
			"url ingestion is not configured")
	}
	start := time.Now()
	progress(pipeerr.StageDownload, pctDownloadLow, "fetching source", nil)

	prog := func(percent float64, message string) {
		mapped := pctDownloadLow + (pctDownloadHigh-pctDownloadLow)*percent/100
		progress(pipeerr.StageDownload, mapped, message, nil)
	}
	path, hit, err := e.cfg.Cache.Fetch(ctx, exec.SourceURL, exec.WorkDir, prog, exec.ShouldCancel)
	if e.cfg.Metrics != nil {
		if err == nil {
			e.cfg.Metrics.RecordCacheLookup(ctx, hit)
		}
		e.cfg.Metrics.RecordStage(ctx, pipeerr.StageDownload, time.Since(start).Seconds())
	}
	if err != nil {
		return "", err
	}
	progress(pipeerr.StageDownload, pctDownloadHigh, "source ready", nil)
	return path, nil
}

// extract produces the 16 kHz mono WAV the ASR providers consume.
func (e *Engine) extract(ctx context.Context, exec jobs.Exec, videoPath string, progress jobs.ProgressFunc, check func(string) error) (string, error) {
	if err := check(pipeerr.StageExtract); err != nil {
		return "", err
	}
	start := time.Now()
	progress(pipeerr.StageExtract, pctExtractStart, "extracting audio", nil)
	if err := media.EnsureFFmpeg(); err != nil {
		return "", err
	}
	audioPath, err := media.ExtractAudio(ctx, videoPath, exec.WorkDir)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordStage(ctx, pipeerr.StageExtract, time.Since(start).Seconds())
	}
	if err != nil {
		return "", err
	}
	progress(pipeerr.StageExtract, pctExtractDone, "audio extracted", nil)
	return audioPath, nil
}

// transcribe runs the provider chain, persists the stage logs, and derives
// the sentence rows from the returned segments.
func (e *Engine) transcribe(ctx context.Context, exec jobs.Exec, audioPath string, progress jobs.ProgressFunc, check func(string) error) ([]types.Sentence, []types.WordSegment, types.Stats, error) {
	var stats types.Stats
	if err := check(pipeerr.StageASR); err != nil {
		return nil, nil, stats, err
	}
	start := time.Now()
	progress(pipeerr.StageASR, pctASRStart, "transcribing", nil)

	outcome, err := e.cfg.ASR.Run(ctx, audioPath, exec.Options.Whisper, exec.ShouldCancel)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordStage(ctx, pipeerr.StageASR, time.Since(start).Seconds())
		if outcome != nil {
			for _, at := range outcome.Attempts {
				e.cfg.Metrics.RecordProviderError(ctx, at.Provider, string(at.Code))
			}
			if err == nil {
				e.cfg.Metrics.RecordProviderAttempt(ctx, outcome.ProviderEffective, "asr", "ok")
			}
		}
	}
	if err != nil {
		return nil, nil, stats, err
	}

	words := asr.FlattenWords(outcome.Segments, outcome.RuntimeEffective)
	if len(words) == 0 {
		return nil, nil, stats, pipeerr.New(pipeerr.StageASR, pipeerr.CodeWordTimestampsMissing,
			"provider returned no usable word timestamps").
			With("provider", outcome.ProviderEffective)
	}
	sentences := sentencesFromSegments(outcome.Segments)

	if err := writeStageLog(exec.WorkDir, "asr_segments.json", outcome.Segments); err != nil {
		return nil, nil, stats, err
	}
	if err := writeStageLog(exec.WorkDir, "word_segments.json", words); err != nil {
		return nil, nil, stats, err
	}

	stats.AsrProviderEffective = outcome.ProviderEffective
	stats.AsrRuntimeEffective = outcome.RuntimeEffective
	stats.AsrModelEffective = outcome.ModelEffective
	stats.AsrFallbackUsed = outcome.FallbackUsed

	progress(pipeerr.StageASR, pctASRDone, fmt.Sprintf("%d segments transcribed", len(outcome.Segments)),
		&jobs.StageDetail{Key: "segments", Done: len(outcome.Segments), Total: len(outcome.Segments), Unit: "segments"})
	return sentences, words, stats, nil
}

// precheck verifies LLM credentials before committing to the translation
// stage, served from the probe cache when fresh.
func (e *Engine) precheck(ctx context.Context, exec jobs.Exec, progress jobs.ProgressFunc, check func(string) error) (*llmproto.Client, error) {
	if err := check(pipeerr.StagePrecheck); err != nil {
		return nil, err
	}
	progress(pipeerr.StagePrecheck, pctPrecheck, "verifying translation access", nil)

	llm := e.effectiveLLM(exec.Options.LLM)
	if llm.APIKey == "" {
		return nil, pipeerr.New(pipeerr.StagePrecheck, pipeerr.CodeMissingLLMAPIKey,
			"no llm api key configured")
	}
	client := llmproto.NewClient(llmproto.ClientConfig{
		BaseURL: llm.BaseURL,
		APIKey:  llm.APIKey,
		Model:   llm.Model,
	})
	if err := e.cfg.Probes.Verify(ctx, client); err != nil {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordProviderError(ctx, llm.Model, string(pipeerr.CodeLLMAccessDenied))
		}
		var ce *llmproto.CallError
		if errors.As(err, &ce) && ce.AccessDenied() {
			return nil, pipeerr.Wrap(pipeerr.StagePrecheck, pipeerr.CodeLLMAccessDenied, ce.Text, err).
				With("status", ce.Status)
		}
		return nil, pipeerr.Wrap(pipeerr.StagePrecheck, pipeerr.CodeLLMRequestFailed, "", err)
	}
	e.cfg.Sink.Emit(metering.FromUsage(metering.SceneLLMProbe, exec.UserID, "llm", llm.Model, types.Usage{}))
	return client, nil
}

// translateRows fills each sentence's Translation in place and reports usage.
func (e *Engine) translateRows(ctx context.Context, exec jobs.Exec, client *llmproto.Client, sentences []types.Sentence, progress jobs.ProgressFunc, check func(string) error) (types.Usage, error) {
	var usage types.Usage
	if err := check(pipeerr.StageTranslate); err != nil {
		return usage, err
	}
	start := time.Now()
	progress(pipeerr.StageTranslate, pctTranslateLow, "translating", nil)

	llm := e.effectiveLLM(exec.Options.LLM)
	strategy := translate.NewStrategy(client, llm.Model, exec.Options.SourceLanguage, exec.Options.TargetLanguage)

	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = s.Text
	}
	prog := func(done, total int) {
		pct := pctTranslateLow + (pctTranslateHigh-pctTranslateLow)*float64(done)/float64(total)
		progress(pipeerr.StageTranslate, pct, fmt.Sprintf("translated %d/%d rows", done, total),
			&jobs.StageDetail{Key: "batch", Done: done, Total: total, Unit: "rows"})
	}

	rows, u, err := strategy.Translate(ctx, texts, prog, exec.ShouldCancel)
	usage = u
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordStage(ctx, pipeerr.StageTranslate, time.Since(start).Seconds())
		e.cfg.Metrics.RecordTokens(ctx, usage.PromptTokens, usage.CompletionTokens)
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.cfg.Metrics.RecordProviderAttempt(ctx, llm.Model, "llm", status)
	}
	// Tokens spent before a failure are still billable.
	if usage.TotalTokens > 0 {
		e.cfg.Sink.Emit(metering.FromUsage(metering.SceneTranslate, exec.UserID, "llm", llm.Model, usage))
	}
	if err != nil {
		return usage, err
	}
	for i := range sentences {
		sentences[i].Translation = rows[i]
	}
	progress(pipeerr.StageTranslate, pctTranslateHigh, "translation complete", nil)
	return usage, nil
}

// alignAndBuild maps sentences onto word timing, corrects drift, and emits
// both SRT files.
func (e *Engine) alignAndBuild(exec jobs.Exec, sentences []types.Sentence, words []types.WordSegment, stats *types.Stats, progress jobs.ProgressFunc, check func(string) error) (*types.Result, *types.SyncDiagnostics, error) {
	if err := check(pipeerr.StageAlign); err != nil {
		return nil, nil, err
	}
	start := time.Now()
	progress(pipeerr.StageAlign, pctAlign, "aligning timestamps", nil)

	alignCfg := alignerFor(stats.AsrProviderEffective)
	aligned, report, err := alignCfg.Align(sentences, words, exec.ShouldCancel)
	if err != nil {
		return nil, nil, err
	}
	stats.Alignment = report

	progress(pipeerr.StageAlign, pctSync, "checking timing drift", nil)
	synced, diag, err := driftsync.New(e.cfg.Drift).Sync(aligned, words, report.QualityScore, exec.ShouldCancel)
	if err != nil {
		return nil, &diag, err
	}
	stats.Sync = diag

	progress(pipeerr.StageAlign, pctEmit, "writing subtitles", nil)
	subs := srt.Assemble(synced)
	srtPath := filepath.Join(exec.WorkDir, "output", "src.srt")
	biPath := filepath.Join(exec.WorkDir, "output", "src_trans.srt")
	if err := srt.WriteFile(srtPath, subs, false); err != nil {
		return nil, &diag, pipeerr.Wrap(pipeerr.StageAlign, pipeerr.CodePipelineUnexpectedError, "", err)
	}
	if err := srt.WriteFile(biPath, subs, true); err != nil {
		return nil, &diag, pipeerr.Wrap(pipeerr.StageAlign, pipeerr.CodePipelineUnexpectedError, "", err)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordStage(context.Background(), pipeerr.StageAlign, time.Since(start).Seconds())
	}

	return &types.Result{
		Subtitles:        subs,
		SrtPath:          srtPath,
		BilingualSrtPath: biPath,
		Stats:            *stats,
	}, &diag, nil
}

// effectiveLLM layers configured defaults under the job's options.
func (e *Engine) effectiveLLM(opts types.LLMOptions) types.LLMOptions {
	if opts.BaseURL == "" {
		opts.BaseURL = e.cfg.LLMDefaults.BaseURL
	}
	if opts.Model == "" {
		opts.Model = e.cfg.LLMDefaults.Model
	}
	if opts.APIKey == "" {
		opts.APIKey = e.cfg.LLMDefaults.APIKey
	}
	return opts
}

// alignConfigFor builds the aligner with the provider-specific fallback gate.
func alignerFor(provider string) *align.Aligner {
	cfg := align.Config{AllowFallback: asr.AllowAlignmentFallback(provider)}
	if cfg.AllowFallback {
		cfg.MaxFallbackRatio = asr.QwenFallbackRatioLimit
	}
	return align.New(cfg)
}

// sentencesFromSegments derives one sentence row per non-empty segment.
func sentencesFromSegments(segments []types.AsrSegment) []types.Sentence {
	out := make([]types.Sentence, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		out = append(out, types.Sentence{Start: seg.Start, End: seg.End, Text: text})
	}
	return out
}

func cloneSentences(in []types.Sentence) []types.Sentence {
	out := make([]types.Sentence, len(in))
	copy(out, in)
	return out
}

// writeStageLog persists intermediate stage output under <work_dir>/log for
// debugging and partial-result salvage.
func writeStageLog(workDir, name string, v any) error {
	dir := filepath.Join(workDir, "log")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pipeline: create log dir: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
		return fmt.Errorf("pipeline: write %s: %w", name, err)
	}
	return nil
}

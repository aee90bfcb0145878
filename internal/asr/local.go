package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

// Weight cache capacities. WhisperX-style beam models are big, so only one
// stays resident.
const (
	fasterWhisperCacheCap = 2
	whisperxCacheCap      = 1
)

// modelCache is a refcounted LRU over loaded whisper.cpp models. Entries are
// never evicted while in use.
type modelCache struct {
	mu      sync.Mutex
	cap     int
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	model    whisperlib.Model
	refs     int
	lastUsed time.Time
}

func newModelCache(capacity int) *modelCache {
	return &modelCache{cap: capacity, entries: make(map[string]*cacheEntry)}
}

// Acquire loads (or reuses) the model at path and returns it with a release
// func the caller must invoke when inference finishes.
func (c *modelCache) Acquire(path string) (whisperlib.Model, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		model, err := whisperlib.New(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load whisper model %q: %w", path, err)
		}
		e = &cacheEntry{model: model}
		c.entries[path] = e
		c.evictLocked()
	}
	e.refs++
	e.lastUsed = time.Now()

	release := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		e.refs--
		e.lastUsed = time.Now()
		c.evictLocked()
	}
	return e.model, release, nil
}

// evictLocked drops idle entries oldest-first until the cache fits.
func (c *modelCache) evictLocked() {
	for len(c.entries) > c.cap {
		var victim string
		var oldest time.Time
		for path, e := range c.entries {
			if e.refs > 0 {
				continue
			}
			if victim == "" || e.lastUsed.Before(oldest) {
				victim, oldest = path, e.lastUsed
			}
		}
		if victim == "" {
			return
		}
		_ = c.entries[victim].model.Close()
		delete(c.entries, victim)
	}
}

// LocalProvider runs whisper.cpp inference in-process. The greedy variant
// stands in for faster-whisper; the beam-search variant with token timestamps
// covers the accurate whisperx profile.
type LocalProvider struct {
	name      string
	modelName string
	modelPath string
	language  string
	beamSize  int
	failCode  pipeerr.Code
	cache     *modelCache
}

var _ Provider = (*LocalProvider)(nil)

// NewFasterWhisper creates the greedy local provider. model must be one of
// the permitted local sizes; the weight file is expected at
// <modelDir>/ggml-<model>.bin.
func NewFasterWhisper(modelDir, model, language string) *LocalProvider {
	return &LocalProvider{
		name:      ProviderLocalFasterWhisper,
		modelName: model,
		modelPath: modelPath(modelDir, model),
		language:  language,
		beamSize:  1,
		failCode:  pipeerr.CodeLocalASRFailed,
		cache:     newModelCache(fasterWhisperCacheCap),
	}
}

// NewWhisperX creates the beam-search local provider used by the accurate
// profile.
func NewWhisperX(modelDir, model, language string) *LocalProvider {
	return &LocalProvider{
		name:      ProviderLocalWhisperX,
		modelName: model,
		modelPath: modelPath(modelDir, model),
		language:  language,
		beamSize:  5,
		failCode:  pipeerr.CodeLocalWhisperxFailed,
		cache:     newModelCache(whisperxCacheCap),
	}
}

func modelPath(modelDir, model string) string {
	return filepath.Join(modelDir, "ggml-"+model+".bin")
}

func (p *LocalProvider) Name() string           { return p.name }
func (p *LocalProvider) Runtime() types.Runtime { return types.RuntimeLocal }
func (p *LocalProvider) Model() string          { return p.modelName }

// Transcribe decodes the WAV file and runs a fresh whisper context over it.
// Word timings come from token timestamps.
func (p *LocalProvider) Transcribe(ctx context.Context, audioPath string) ([]types.AsrSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeerr.Wrap(pipeerr.StageASR, pipeerr.CodeCancelRequested, "context cancelled", err)
	}
	if _, err := os.Stat(p.modelPath); err != nil {
		code := pipeerr.CodeLocalRuntimeMissing
		if p.name == ProviderLocalWhisperX {
			code = pipeerr.CodeLocalWhisperxMissing
		}
		return nil, pipeerr.Wrap(pipeerr.StageASR, code,
			fmt.Sprintf("model weights not found at %s", p.modelPath), err)
	}

	samples, err := decodeWAVMono16(audioPath)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.StageASR, p.failCode, "decode audio", err)
	}

	model, release, err := p.cache.Acquire(p.modelPath)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.StageASR, p.failCode, "load model", err)
	}
	defer release()

	wctx, err := model.NewContext()
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.StageASR, p.failCode, "create whisper context", err)
	}
	if p.language != "" {
		// A bad language hint is survivable; whisper falls back to
		// autodetection.
		_ = wctx.SetLanguage(p.language)
	}
	wctx.SetTokenTimestamps(true)
	wctx.SetSplitOnWord(true)
	wctx.SetBeamSize(p.beamSize)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, pipeerr.Wrap(pipeerr.StageASR, p.failCode, "whisper inference", err)
	}

	var segments []types.AsrSegment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, pipeerr.Wrap(pipeerr.StageASR, p.failCode, "read segment", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, types.AsrSegment{
			Start: seg.Start.Seconds(),
			End:   seg.End.Seconds(),
			Text:  text,
			Words: wordsFromTokens(seg.Tokens),
		})
	}
	if len(segments) == 0 && p.name == ProviderLocalWhisperX {
		return nil, pipeerr.New(pipeerr.StageASR, pipeerr.CodeLocalWhisperxEmptySegs,
			"inference produced no segments")
	}
	return segments, nil
}

// wordsFromTokens merges subword tokens into words. A token whose text begins
// with a space opens a new word; special tokens like [_BEG_] are dropped.
func wordsFromTokens(tokens []whisperlib.Token) []types.AsrWord {
	var words []types.AsrWord
	for _, tok := range tokens {
		text := tok.Text
		if isSpecialToken(text) {
			continue
		}
		startsWord := strings.HasPrefix(text, " ")
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			continue
		}
		if len(words) == 0 || startsWord {
			words = append(words, types.AsrWord{
				Word:       trimmed,
				Start:      tok.Start.Seconds(),
				End:        tok.End.Seconds(),
				Confidence: float64(tok.P),
			})
			continue
		}
		last := &words[len(words)-1]
		last.Word += trimmed
		last.End = tok.End.Seconds()
		if float64(tok.P) < last.Confidence {
			last.Confidence = float64(tok.P)
		}
	}
	return words
}

func isSpecialToken(text string) bool {
	return strings.HasPrefix(text, "[_") && strings.HasSuffix(text, "]")
}

package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subweave/subweave/internal/llmproto"
	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

const cloudTimeout = 180 * time.Second

// transcriptionPaths are the endpoint suffixes tried in order. Providers
// expose one or the other depending on their gateway generation.
var transcriptionPaths = []string{"/audio/transcriptions", "/files/transcriptions"}

// fieldVariant writes the variant-specific form fields for one request shape.
type fieldVariant func(w *multipart.Writer) error

// fieldVariants are tried in order per endpoint, from the richest word-level
// request down to a bare upload.
var fieldVariants = []fieldVariant{
	func(w *multipart.Writer) error {
		if err := w.WriteField("response_format", "verbose_json"); err != nil {
			return err
		}
		if err := w.WriteField("timestamp_granularities[]", "word"); err != nil {
			return err
		}
		return w.WriteField("timestamp_granularities[]", "segment")
	},
	func(w *multipart.Writer) error {
		if err := w.WriteField("response_format", "verbose_json"); err != nil {
			return err
		}
		if err := w.WriteField("timestamp_granularities", "word"); err != nil {
			return err
		}
		return w.WriteField("timestamp_granularities", "segment")
	},
	func(w *multipart.Writer) error {
		return w.WriteField("response_format", "verbose_json")
	},
	func(w *multipart.Writer) error { return nil },
}

// CloudProvider transcribes through an OpenAI-compatible endpoint, probing
// endpoint paths and request-field variants until one succeeds.
type CloudProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

var _ Provider = (*CloudProvider)(nil)

// NewCloud creates a provider for one cloud transcription model.
func NewCloud(baseURL, apiKey, model string) *CloudProvider {
	return &CloudProvider{
		name:    CloudProviderName(model),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: cloudTimeout},
	}
}

func (p *CloudProvider) Name() string           { return p.name }
func (p *CloudProvider) Runtime() types.Runtime { return types.RuntimeCloud }
func (p *CloudProvider) Model() string          { return p.model }

// Transcribe uploads the audio file, walking endpoint paths and field
// variants. Access-denied failures surface immediately; shape rejections
// advance to the next variant.
func (p *CloudProvider) Transcribe(ctx context.Context, audioPath string) ([]types.AsrSegment, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.StageASR, pipeerr.CodeCloudASRFailed, "read audio file", err)
	}

	var lastErr error
	for _, path := range transcriptionPaths {
		for vi, variant := range fieldVariants {
			segments, err := p.request(ctx, p.baseURL+path, audio, filepath.Base(audioPath), variant)
			if err == nil {
				return segments, nil
			}
			lastErr = err

			status, text := statusAndText(err)
			if llmproto.IsAccessDenied(status, text) {
				return nil, pipeerr.Wrap(pipeerr.StageASR, pipeerr.CodeLLMAccessDenied,
					"transcription endpoint rejected credentials", err)
			}
			if status != 0 && !llmproto.ShouldFallback(status, text) {
				return nil, pipeerr.Wrap(pipeerr.StageASR, pipeerr.CodeCloudASRFailed,
					fmt.Sprintf("transcription failed at %s variant %d", path, vi), err)
			}
			// Network failure or shape rejection: try the next variant.
		}
	}
	return nil, pipeerr.Wrap(pipeerr.StageASR, pipeerr.CodeCloudASRFailed,
		"all endpoint and field variants failed", lastErr)
}

// httpError carries the status and body of a non-2xx response so the
// classification policy can inspect it.
type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

func statusAndText(err error) (int, string) {
	if he, ok := err.(*httpError); ok {
		return he.Status, he.Body
	}
	return 0, err.Error()
}

func (p *CloudProvider) request(ctx context.Context, url string, audio []byte, filename string, variant fieldVariant) ([]types.AsrSegment, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, fmt.Errorf("write audio: %w", err)
	}
	if err := mw.WriteField("model", p.model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if err := variant(mw); err != nil {
		return nil, fmt.Errorf("write variant fields: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &httpError{Status: resp.StatusCode, Body: string(data)}
	}
	return parseVerboseJSON(data)
}

// verboseResponse mirrors the verbose_json transcription shape. Some
// providers nest words per segment, others return one flat array.
type verboseResponse struct {
	Text     string        `json:"text"`
	Segments []verboseSeg  `json:"segments"`
	Words    []verboseWord `json:"words"`
}

type verboseSeg struct {
	Start float64       `json:"start"`
	End   float64       `json:"end"`
	Text  string        `json:"text"`
	Words []verboseWord `json:"words"`
}

type verboseWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

func parseVerboseJSON(data []byte) ([]types.AsrSegment, error) {
	var vr verboseResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("parse transcription response: %w", err)
	}

	if len(vr.Segments) == 0 && vr.Text != "" {
		seg := types.AsrSegment{Text: strings.TrimSpace(vr.Text)}
		for _, w := range vr.Words {
			seg.Words = append(seg.Words, asrWord(w))
			if w.End > seg.End {
				seg.End = w.End
			}
		}
		return []types.AsrSegment{seg}, nil
	}

	out := make([]types.AsrSegment, 0, len(vr.Segments))
	for _, s := range vr.Segments {
		seg := types.AsrSegment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
		for _, w := range s.Words {
			seg.Words = append(seg.Words, asrWord(w))
		}
		out = append(out, seg)
	}

	// Flat word array: attach each word to the segment containing its
	// midpoint.
	if len(vr.Words) > 0 && !hasWords(out) {
		for _, w := range vr.Words {
			mid := (w.Start + w.End) / 2
			for i := range out {
				if mid >= out[i].Start && mid <= out[i].End {
					out[i].Words = append(out[i].Words, asrWord(w))
					break
				}
			}
		}
	}
	return out, nil
}

func asrWord(w verboseWord) types.AsrWord {
	return types.AsrWord{
		Word:       w.Word,
		Start:      w.Start,
		End:        w.End,
		Confidence: w.Probability,
	}
}

package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/subweave/subweave/internal/llmproto"
	"github.com/subweave/subweave/pkg/pipeerr"
)

func TestNewStrategy_Selection(t *testing.T) {
	f := &fakeCaller{}
	if _, ok := NewStrategy(f, QwenMTModel, "en", "zh").(*QwenMTDirectStrategy); !ok {
		t.Fatal("qwen-mt-flash must select the direct strategy")
	}
	if _, ok := NewStrategy(f, "tencent/Hunyuan-MT-7B", "en", "zh").(*ChunkedLLMStrategy); !ok {
		t.Fatal("generic models must select the chunked strategy")
	}
}

func TestQwenMT_SingleCallWithTranslationOptions(t *testing.T) {
	f := &fakeCaller{handler: echoTranslator}
	s := NewStrategy(f, QwenMTModel, "en", "zh")

	// Well past the chunked batching limits: still one call.
	texts := make([]string, 60)
	for i := range texts {
		texts[i] = fmt.Sprintf("row %d", i)
	}
	got, _, err := s.Translate(context.Background(), texts, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no batching)", len(f.calls))
	}
	opts, ok := f.calls[0].Extra["translation_options"].(map[string]string)
	if !ok || opts["source_lang"] != "en" || opts["target_lang"] != "zh" {
		t.Fatalf("translation_options = %v", f.calls[0].Extra)
	}
	if got[59] != "T:row 59" {
		t.Fatalf("row 59 = %q", got[59])
	}
}

func TestQwenMT_LineFormatResponse(t *testing.T) {
	f := &fakeCaller{handler: func(req llmproto.Request) (*llmproto.Response, error) {
		return &llmproto.Response{Content: "id_0: 你好\nid_1: 世界"}, nil
	}}
	s := NewStrategy(f, QwenMTModel, "en", "zh")

	got, _, err := s.Translate(context.Background(), []string{"hello", "world"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0] != "你好" || got[1] != "世界" {
		t.Fatalf("got = %v", got)
	}
}

func TestQwenMT_ContextLengthSplits(t *testing.T) {
	// Reject payloads holding more than 2 rows, forcing two levels of
	// halving for 8 rows.
	f := &fakeCaller{}
	f.handler = func(req llmproto.Request) (*llmproto.Response, error) {
		var in map[string]string
		_ = json.Unmarshal([]byte(req.User), &in)
		if len(in) > 2 {
			return nil, &llmproto.CallError{Protocol: llmproto.ProtocolChat, Status: 400, Text: "input is too long"}
		}
		return echoTranslator(req)
	}
	s := NewStrategy(f, QwenMTModel, "en", "zh")

	texts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	got, _, err := s.Translate(context.Background(), texts, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, src := range texts {
		if got[i] != "T:"+src {
			t.Fatalf("row %d = %q, want %q", i, got[i], "T:"+src)
		}
	}
}

func TestQwenMT_SingleRowContextLengthFails(t *testing.T) {
	// A single row cannot be split further; the failure surfaces.
	f := &fakeCaller{handler: func(req llmproto.Request) (*llmproto.Response, error) {
		return nil, &llmproto.CallError{Protocol: llmproto.ProtocolChat, Status: 413, Text: "maximum context exceeded"}
	}}
	s := NewStrategy(f, QwenMTModel, "en", "zh")

	_, _, err := s.Translate(context.Background(), []string{"one giant row"}, nil, nil)
	if pipeerr.CodeOf(err) != pipeerr.CodeLLMRequestFailed {
		t.Fatalf("err = %v, want llm_request_failed", err)
	}
}

func TestQwenMT_KeyMismatchIsInvalidJSON(t *testing.T) {
	f := &fakeCaller{handler: func(req llmproto.Request) (*llmproto.Response, error) {
		return &llmproto.Response{Content: `{"id_0":"x","wrong_key":"y"}`}, nil
	}}
	s := NewStrategy(f, QwenMTModel, "en", "zh")

	_, _, err := s.Translate(context.Background(), []string{"a", "b"}, nil, nil)
	if pipeerr.CodeOf(err) != pipeerr.CodeLLMInvalidJSON {
		t.Fatalf("err = %v, want llm_invalid_json", err)
	}
}

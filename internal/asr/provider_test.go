package asr

import (
	"reflect"
	"testing"

	"github.com/subweave/subweave/pkg/pipeerr"
	"github.com/subweave/subweave/pkg/types"
)

func TestBuildChain_Cloud(t *testing.T) {
	cases := []struct {
		name string
		opts types.WhisperOptions
		want []string
	}{
		{
			name: "no fallback",
			opts: types.WhisperOptions{Runtime: types.RuntimeCloud, Model: ModelParaformerV2},
			want: []string{ProviderCloudParaformer},
		},
		{
			name: "fallback without local permission",
			opts: types.WhisperOptions{Runtime: types.RuntimeCloud, Model: ModelQwen3Flash, FallbackEnabled: true},
			want: []string{ProviderCloudQwen3},
		},
		{
			name: "fallback to local",
			opts: types.WhisperOptions{Runtime: types.RuntimeCloud, Model: ModelParaformerV2,
				FallbackEnabled: true, AllowLocalFallback: true},
			want: []string{ProviderCloudParaformer, ProviderLocalFasterWhisper},
		},
		{
			name: "accurate profile inserts whisperx first",
			opts: types.WhisperOptions{Runtime: types.RuntimeCloud, Model: ModelParaformerV2,
				Profile: types.ProfileAccurate, FallbackEnabled: true, AllowLocalFallback: true},
			want: []string{ProviderCloudParaformer, ProviderLocalWhisperX, ProviderLocalFasterWhisper},
		},
	}
	for _, tc := range cases {
		got, err := BuildChain(tc.opts, ProviderCloudParaformer)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: chain = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBuildChain_Local(t *testing.T) {
	cases := []struct {
		name string
		opts types.WhisperOptions
		want []string
	}{
		{
			name: "fast profile",
			opts: types.WhisperOptions{Runtime: types.RuntimeLocal, Model: "base", Profile: types.ProfileFast},
			want: []string{ProviderLocalFasterWhisper},
		},
		{
			name: "accurate with fallback",
			opts: types.WhisperOptions{Runtime: types.RuntimeLocal, Model: "large-v3",
				Profile: types.ProfileAccurate, FallbackEnabled: true},
			want: []string{ProviderLocalWhisperX, ProviderLocalFasterWhisper},
		},
		{
			name: "cloud fallback appended",
			opts: types.WhisperOptions{Runtime: types.RuntimeLocal, Model: "small",
				FallbackEnabled: true, AllowCloudFallback: true},
			want: []string{ProviderLocalFasterWhisper, ProviderCloudParaformer},
		},
	}
	for _, tc := range cases {
		got, err := BuildChain(tc.opts, ProviderCloudParaformer)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: chain = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBuildChain_RejectsCloudModelInLocalRuntime(t *testing.T) {
	_, err := BuildChain(types.WhisperOptions{Runtime: types.RuntimeLocal, Model: ModelParaformerV2}, "")
	if pipeerr.CodeOf(err) != pipeerr.CodeInvalidWhisperModel {
		t.Fatalf("err = %v, want invalid_whisper_model", err)
	}
	_, err = BuildChain(types.WhisperOptions{Runtime: types.RuntimeCloud, Model: "base"}, "")
	if pipeerr.CodeOf(err) != pipeerr.CodeInvalidWhisperModel {
		t.Fatalf("err = %v, want invalid_whisper_model for local size in cloud runtime", err)
	}
}

func TestBuildChain_InvalidRuntime(t *testing.T) {
	_, err := BuildChain(types.WhisperOptions{Runtime: "gpu", Model: "base"}, "")
	if pipeerr.CodeOf(err) != pipeerr.CodeInvalidRuntime {
		t.Fatalf("err = %v, want invalid_runtime", err)
	}
}

func TestCloudProviderName(t *testing.T) {
	if got := CloudProviderName(ModelParaformerV2); got != ProviderCloudParaformer {
		t.Fatalf("got %q", got)
	}
	if got := CloudProviderName(ModelQwen3Flash); got != ProviderCloudQwen3 {
		t.Fatalf("got %q", got)
	}
}

func TestAllowAlignmentFallback(t *testing.T) {
	if !AllowAlignmentFallback(ProviderCloudQwen3) {
		t.Fatal("qwen3 flash must allow alignment fallback")
	}
	if AllowAlignmentFallback(ProviderCloudParaformer) || AllowAlignmentFallback(ProviderLocalFasterWhisper) {
		t.Fatal("only qwen3 flash allows alignment fallback")
	}
}

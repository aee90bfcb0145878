package metering

import (
	"testing"

	"github.com/subweave/subweave/pkg/types"
)

func TestFromUsage(t *testing.T) {
	rec := FromUsage(SceneTranslate, "user-1", "siliconflow", "tencent/Hunyuan-MT-7B", types.Usage{
		PromptTokens:      120,
		CompletionTokens:  45,
		TotalTokens:       165,
		ProviderRequestID: "req-9",
	})

	if rec.Scene != SceneTranslate || rec.OwnerID != "user-1" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.PromptTokens != 120 || rec.CompletionTokens != 45 || rec.TotalTokens != 165 {
		t.Fatalf("tokens = %+v", rec)
	}
	if rec.ProviderRequestID != "req-9" {
		t.Fatalf("request id = %q", rec.ProviderRequestID)
	}
	if rec.Timestamp == 0 {
		t.Fatal("timestamp unset")
	}
}

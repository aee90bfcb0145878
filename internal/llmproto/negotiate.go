// Package llmproto decides which OpenAI-compatible HTTP shape to speak to a
// user-configured LLM endpoint, classifies request failures as
// retry-with-other-protocol versus terminal, and caches access-probe results.
//
// Two competing shapes exist in the wild: the Responses API (single input
// array, optional text.format = json_object) and classic Chat Completions
// (messages array, optional response_format = json_object). The negotiator
// always produces an ordered pair [first, second] so a caller can fall back.
package llmproto

import "strings"

// Protocol identifies one of the two OpenAI-compatible request shapes.
type Protocol string

const (
	ProtocolResponses Protocol = "responses"
	ProtocolChat      Protocol = "chat"
)

// responsesModelPrefixes lists model families that default to the Responses
// shape when the base URL does not pin a protocol.
var responsesModelPrefixes = []string{"gpt-5", "o1", "o3", "o4"}

// DecideOrder returns the ordered protocol list for a base URL and model.
// An explicit endpoint path wins; otherwise the model family decides; the
// opposite protocol is always listed second.
func DecideOrder(baseURL, model string) [2]Protocol {
	path := strings.TrimRight(strings.ToLower(baseURL), "/")
	switch {
	case strings.HasSuffix(path, "/responses"):
		return [2]Protocol{ProtocolResponses, ProtocolChat}
	case strings.HasSuffix(path, "/chat/completions"), strings.HasSuffix(path, "/completions"):
		return [2]Protocol{ProtocolChat, ProtocolResponses}
	}

	lower := strings.ToLower(model)
	for _, p := range responsesModelPrefixes {
		if strings.HasPrefix(lower, p) {
			return [2]Protocol{ProtocolResponses, ProtocolChat}
		}
	}
	return [2]Protocol{ProtocolChat, ProtocolResponses}
}

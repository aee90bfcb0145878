package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// stripFence removes a Markdown code fence wrapper (``` or ```json) when the
// whole payload is fenced.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseKeyed parses an LLM translation payload into a key→string map. The
// payload may be a JSON object (possibly fenced) or newline-delimited
// "id_N: translation" lines. The returned map's key set must exactly equal
// want; never fabricate missing rows.
func parseKeyed(content string, want []string) (map[string]string, error) {
	body := stripFence(content)

	got := map[string]string{}
	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err == nil {
		for k, v := range raw {
			switch t := v.(type) {
			case string:
				got[k] = t
			default:
				got[k] = fmt.Sprint(t)
			}
		}
	} else {
		// Line-oriented fallback: "id_0: text" (ASCII or full-width colon).
		for line := range strings.Lines(body) {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "id_") {
				continue
			}
			key, val, ok := strings.Cut(line, ":")
			if !ok {
				key, val, ok = strings.Cut(line, "：")
			}
			if !ok {
				continue
			}
			got[strings.TrimSpace(key)] = strings.TrimSpace(val)
		}
	}

	if len(got) == 0 {
		return nil, fmt.Errorf("no parsable rows in response")
	}
	var missing []string
	for _, k := range want {
		if _, ok := got[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("response missing keys: %s", strings.Join(missing, ", "))
	}
	if len(got) != len(want) {
		return nil, fmt.Errorf("response has %d keys, want %d", len(got), len(want))
	}
	return got, nil
}

// rowKey formats the stable row key for index i within a batch payload.
func rowKey(i int) string { return fmt.Sprintf("id_%d", i) }

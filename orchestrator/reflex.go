package orchestrator

import (
	"encoding/json"
	"strings"
)

// parseReflex decodes Reflex's {"intent":..., "rewritten_query":...} reply,
// tolerating an optional markdown code-fence wrapper.
func parseReflex(raw string) (reflexOutput, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var out reflexOutput
	if err := json.Unmarshal([]byte(s), &out); err != nil || out.RewrittenQuery == "" {
		return reflexOutput{}, false
	}
	return out, true
}

package agent

import "encoding/json"

// extractJSONObject returns the first balanced {...} object in the text,
// tracking string literals and escapes so braces inside strings don't count.
// Planners often wrap their JSON in prose or markdown fences.
func extractJSONObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range text {
		if start >= 0 && inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		case '"':
			if start >= 0 {
				inString = true
			}
		}
	}
	return "", false
}

// parseToolCall extracts and validates the planner's tool call from a raw
// reply. ok=false means the reply is malformed and the run should end.
func parseToolCall(reply string) (ToolCall, bool) {
	raw, found := extractJSONObject(reply)
	if !found {
		return ToolCall{}, false
	}
	var call ToolCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return ToolCall{}, false
	}
	if call.Tool == "" || call.Args == nil || call.SuccessCriteria == "" {
		return ToolCall{}, false
	}
	return call, true
}

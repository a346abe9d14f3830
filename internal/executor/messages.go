package executor

import (
	"encoding/json"
	"strings"
)

// StreamMessage is a single stream-json line emitted by the external
// agent CLI. Raw retains the full decoded object so callers can reach
// fields beyond the small set this type promotes to named accessors.
type StreamMessage struct {
	Type string
	Raw  map[string]any
}

// ParseStreamMessage decodes one JSON line into a StreamMessage. Lines
// that fail to decode are the caller's responsibility to skip.
func ParseStreamMessage(line []byte) (StreamMessage, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return StreamMessage{}, err
	}
	msgType, _ := raw["type"].(string)
	return StreamMessage{Type: strings.TrimSpace(msgType), Raw: raw}, nil
}

// ExtractText returns the assistant text carried by this message,
// whether it arrives as a top-level "result"/"output" string or as
// content blocks nested under "message".
func (m StreamMessage) ExtractText() string {
	if m.Raw == nil {
		return ""
	}
	if val, ok := m.Raw["result"].(string); ok && val != "" {
		return val
	}
	if val, ok := m.Raw["output"].(string); ok && val != "" {
		return val
	}
	if msg, ok := m.Raw["message"].(map[string]any); ok {
		return extractContentText(msg["content"])
	}
	if content, ok := m.Raw["content"]; ok {
		return extractContentText(content)
	}
	return ""
}

// ExtractToolEvent returns the tool name and a best-effort string
// rendering of its arguments when this message records a tool-use
// block, or ("", "") otherwise.
func (m StreamMessage) ExtractToolEvent() (toolName, toolArgs string) {
	if m.Raw == nil {
		return "", ""
	}
	if name, ok := m.Raw["tool_name"].(string); ok && name != "" {
		return name, stringifyArgs(m.Raw["tool_args"])
	}
	if msg, ok := m.Raw["message"].(map[string]any); ok {
		if content, ok := msg["content"].([]any); ok {
			for _, item := range content {
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := entry["type"].(string); t == "tool_use" {
					name, _ := entry["name"].(string)
					if name != "" {
						return name, stringifyArgs(entry["input"])
					}
				}
			}
		}
		if tool, ok := msg["tool_use"].(map[string]any); ok {
			if name, ok := tool["name"].(string); ok && name != "" {
				return name, stringifyArgs(tool["input"])
			}
		}
	}
	return "", ""
}

// ResultInfo is the decoded payload of a terminal "result" message.
type ResultInfo struct {
	IsError       bool
	Result        string
	TotalCostUSD  float64
	DurationMs    int64
	DurationAPIMs int64
	NumTurns      int
}

// ExtractResult decodes usage/outcome fields from a "result" type
// message. ok is false if this message is not a result message.
func (m StreamMessage) ExtractResult() (ResultInfo, bool) {
	if m.Type != "result" || m.Raw == nil {
		return ResultInfo{}, false
	}
	info := ResultInfo{}
	info.IsError, _ = m.Raw["is_error"].(bool)
	info.Result, _ = m.Raw["result"].(string)
	info.TotalCostUSD = numberAsFloat(m.Raw["total_cost_usd"])
	info.DurationMs = int64(numberAsFloat(m.Raw["duration_ms"]))
	info.DurationAPIMs = int64(numberAsFloat(m.Raw["duration_api_ms"]))
	info.NumTurns = int(numberAsFloat(m.Raw["num_turns"]))
	return info, true
}

func extractContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if entryType, _ := entry["type"].(string); entryType == "text" {
				if text, ok := entry["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func stringifyArgs(val any) string {
	if val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	encoded, err := json.Marshal(val)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func numberAsFloat(val any) float64 {
	switch v := val.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

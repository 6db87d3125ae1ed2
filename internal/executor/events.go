package executor

import "encoding/json"

// The SDK's typed events cover text content only; tool_use blocks inside
// assistant messages and tool_result blocks inside user messages are decoded
// from the raw frame.

// rawContentBlock is the superset of content-block fields the demux needs.
type rawContentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

type rawMessageFrame struct {
	Message struct {
		Content []rawContentBlock `json:"content"`
	} `json:"message"`
}

// toolUse is one tool invocation extracted from an assistant message.
type toolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// decodeToolUses extracts tool_use blocks from a raw assistant frame.
func decodeToolUses(raw json.RawMessage) []toolUse {
	var frame rawMessageFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil
	}

	var uses []toolUse
	for _, block := range frame.Message.Content {
		if block.Type != "tool_use" {
			continue
		}
		use := toolUse{ID: block.ID, Name: block.Name}
		if len(block.Input) > 0 {
			json.Unmarshal(block.Input, &use.Input)
		}
		uses = append(uses, use)
	}
	return uses
}

// decodeToolResults extracts tool_use ids from tool_result blocks in a raw
// user frame.
func decodeToolResults(raw json.RawMessage) []string {
	var frame rawMessageFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil
	}

	var ids []string
	for _, block := range frame.Message.Content {
		if block.Type == "tool_result" && block.ToolUseID != "" {
			ids = append(ids, block.ToolUseID)
		}
	}
	return ids
}

// toolDetail builds the short human-readable summary attached to a
// tool_status start message.
func toolDetail(name string, input map[string]any) string {
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}

	switch name {
	case "Read", "Write", "Edit", "NotebookEdit":
		return str("file_path")
	case "Bash":
		command := str("command")
		if len(command) > 80 {
			command = command[:80]
		}
		return command
	case "Glob", "Grep":
		return str("pattern")
	case "WebFetch":
		return str("url")
	case "WebSearch":
		return str("query")
	}
	return ""
}

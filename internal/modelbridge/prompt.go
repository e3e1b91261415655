package modelbridge

import (
	"encoding/json"
	"strings"
)

// chatRequest is the inbound chat-completion request shape the bridge
// accepts. Content may be a plain string or an array of typed parts; both
// forms appear in the wild.
type chatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m chatMessage) textParts() []string {
	raw := m.Content
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		return []string{s}
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.Type) != "" && p.Type != "text" {
			continue
		}
		t := strings.TrimSpace(p.Text)
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

func roleLabel(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "system":
		return "System:"
	case "assistant":
		return "Assistant:"
	case "tool":
		return "Tool:"
	default:
		return "User:"
	}
}

// flattenMessages joins a chat transcript into a single prompt: each
// message's text parts are newline-joined under a role label, messages are
// separated by a blank line, and messages with no extractable text are
// skipped entirely.
func flattenMessages(messages []chatMessage) string {
	blocks := make([]string, 0, len(messages))
	for _, m := range messages {
		parts := m.textParts()
		if len(parts) == 0 {
			continue
		}
		blocks = append(blocks, roleLabel(m.Role)+"\n"+strings.Join(parts, "\n"))
	}
	return strings.Join(blocks, "\n\n")
}

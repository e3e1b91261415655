package modelbridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Usage is the token accounting a CLI run may report.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type cliUsage struct {
	InputTokens          int64 `json:"input_tokens"`
	OutputTokens         int64 `json:"output_tokens"`
	CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
}

func (u *cliUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheReadInputTokens == 0 {
		return nil
	}
	return &Usage{
		InputTokens:  u.InputTokens + u.CacheReadInputTokens,
		OutputTokens: u.OutputTokens,
	}
}

// cliDocument is the single-JSON-document output shape (e.g. claude CLI
// with --output-format json).
type cliDocument struct {
	Result   string    `json:"result"`
	Response string    `json:"response"`
	IsError  bool      `json:"is_error"`
	Usage    *cliUsage `json:"usage"`
}

// cliEvent is one record of line-delimited JSON event output.
type cliEvent struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Delta   string    `json:"delta"`
	Result  string    `json:"result"`
	Error   string    `json:"error"`
	Message string    `json:"message"`
	IsError bool      `json:"is_error"`
	Usage   *cliUsage `json:"usage"`
}

// parseOutput extracts the response text (and usage, when reported) from
// raw CLI stdout. Accepted shapes, in order: a single JSON document with a
// result field, a sequence of newline-delimited JSON events, and finally
// the raw trimmed output itself.
//
// For event streams, delta events are accumulated in order and a terminal
// completion event's full text wins over the accumulation. An explicit
// error event surfaces as a failure rather than partial text.
func parseOutput(raw string) (string, *Usage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil, nil
	}

	var doc cliDocument
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
		text := strings.TrimSpace(doc.Result)
		if text == "" {
			text = strings.TrimSpace(doc.Response)
		}
		if doc.IsError {
			return "", nil, fmt.Errorf("tool reported error: %s", firstNonEmpty(text, trimmed))
		}
		if text != "" {
			return text, doc.Usage.toUsage(), nil
		}
		// A lone JSON object without a known text field falls through to
		// the raw-output fallback below.
	}

	if text, usage, ok, err := parseEventLines(trimmed); ok {
		return text, usage, err
	}

	return trimmed, nil, nil
}

func parseEventLines(raw string) (string, *Usage, bool, error) {
	lines := strings.Split(raw, "\n")
	var deltas strings.Builder
	finalText := ""
	var usage *Usage
	sawEvent := false

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev cliEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return "", nil, false, nil
		}
		kind := strings.ToLower(strings.TrimSpace(ev.Type))
		if kind == "" {
			return "", nil, false, nil
		}
		sawEvent = true

		switch kind {
		case "delta", "text_delta", "content_delta":
			if ev.Delta != "" {
				deltas.WriteString(ev.Delta)
			} else {
				deltas.WriteString(ev.Text)
			}
		case "completed", "complete", "result", "done":
			if ev.IsError {
				msg := firstNonEmpty(ev.Error, ev.Message, ev.Result, "unknown error")
				return "", nil, true, fmt.Errorf("tool reported error: %s", msg)
			}
			t := strings.TrimSpace(firstNonEmpty(ev.Result, ev.Text))
			if t != "" {
				finalText = t
			}
			if u := ev.Usage.toUsage(); u != nil {
				usage = u
			}
		case "error":
			msg := firstNonEmpty(ev.Error, ev.Message, "unknown error")
			return "", nil, true, fmt.Errorf("tool reported error: %s", msg)
		default:
			// Unknown event kinds (system banners, tool traces) are skipped.
		}
	}

	if !sawEvent {
		return "", nil, false, nil
	}
	if finalText != "" {
		return finalText, usage, true, nil
	}
	return strings.TrimSpace(deltas.String()), usage, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

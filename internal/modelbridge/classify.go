// Package modelbridge turns provider-CLI subprocess output into standard
// chat-completion responses, streaming or not, so downstream conversation
// code never has to know whether a reply came from a local subprocess or a
// remote API.
package modelbridge

import "strings"

// FailureKind classifies free-form failure text from a CLI run.
type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureQuota
	FailureUnauthorized
)

var quotaMarkers = []string{
	"quota exceeded",
	"rate limit",
	"resource exhausted",
	"429",
}

// ClassifyFailure scans failure output for quota and auth signals. It is a
// best-effort heuristic over unstructured text; keep it pure so it stays
// independently testable and swappable.
func ClassifyFailure(text string) FailureKind {
	lowered := strings.ToLower(text)
	for _, marker := range quotaMarkers {
		if strings.Contains(lowered, marker) {
			return FailureQuota
		}
	}
	if strings.Contains(lowered, "401") || strings.Contains(lowered, "unauthorized") {
		return FailureUnauthorized
	}
	return FailureGeneric
}

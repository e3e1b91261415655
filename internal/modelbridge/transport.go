package modelbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/veltworks/velt-agent/internal/cliexec"
)

const defaultInvokeTimeout = 60 * time.Second

// ExecConfig describes how to drive one provider's CLI for inference.
type ExecConfig struct {
	// Path is the resolved CLI executable.
	Path string

	// Model is the default model selector when the inbound request does
	// not carry one.
	Model string

	// BaseArgs are the provider-specific invocation flags (machine-readable
	// output format, non-interactive/auto-approval flags).
	BaseArgs []string

	// ModelFlag names the model-selection flag. Defaults to "--model".
	ModelFlag string

	// PromptViaStdin feeds the flattened prompt on standard input; when
	// false it is appended as the final argument.
	PromptViaStdin bool

	// Env entries (KEY=VALUE) are added to the child environment, e.g. a
	// credential the CLI expects.
	Env []string

	// Timeout bounds each CLI invocation. Defaults to 60s.
	Timeout time.Duration
}

type runFunc func(ctx context.Context, log *slog.Logger, inv cliexec.Invocation) cliexec.Result

// Transport fulfils OpenAI-style chat-completion requests by invoking a
// local CLI and synthesizing the HTTP response the caller would have
// received from the remote API. Plugging it into an http.Client keeps every
// downstream consumer transport-agnostic.
type Transport struct {
	log *slog.Logger
	cfg ExecConfig
	run runFunc
}

func NewTransport(log *slog.Logger, cfg ExecConfig) *Transport {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Transport{log: log, cfg: cfg, run: cliexec.Run}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t == nil {
		return nil, fmt.Errorf("nil transport")
	}
	if req.Method != http.MethodPost || !strings.HasSuffix(strings.TrimRight(req.URL.Path, "/"), "/chat/completions") {
		return synthesize(req, http.StatusNotFound, errorBody("unsupported endpoint", "invalid_request_error", "unsupported_endpoint")), nil
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()

	var creq chatRequest
	if err := json.Unmarshal(body, &creq); err != nil {
		return synthesize(req, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", "invalid_body")), nil
	}

	model := firstNonEmpty(creq.Model, t.cfg.Model)
	prompt := flattenMessages(creq.Messages)

	inv := cliexec.Invocation{
		Path:    t.cfg.Path,
		Env:     t.cfg.Env,
		Timeout: t.cfg.Timeout,
	}
	if inv.Timeout <= 0 {
		inv.Timeout = defaultInvokeTimeout
	}
	inv.Args = append(inv.Args, t.cfg.BaseArgs...)
	if model != "" {
		flag := firstNonEmpty(t.cfg.ModelFlag, "--model")
		inv.Args = append(inv.Args, flag, model)
	}
	if t.cfg.PromptViaStdin {
		inv.Stdin = prompt
	} else {
		inv.Args = append(inv.Args, prompt)
	}

	res := t.run(req.Context(), t.log, inv)
	if !res.Succeeded {
		return t.failureResponse(req, res), nil
	}

	text, usage, perr := parseOutput(res.Stdout)
	if perr != nil {
		t.log.Warn("cli output carried error event", "component", "modelbridge", "error", perr)
		return synthesize(req, http.StatusInternalServerError, errorBody(perr.Error(), "server_error", "cli_error")), nil
	}

	if creq.Stream {
		return synthesizeStream(req, model, text, usage), nil
	}
	return synthesize(req, http.StatusOK, completionBody(model, text, usage)), nil
}

func (t *Transport) failureResponse(req *http.Request, res cliexec.Result) *http.Response {
	combined := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
	switch ClassifyFailure(combined) {
	case FailureQuota:
		t.log.Warn("cli run hit provider quota", "component", "modelbridge", "path", t.cfg.Path)
		return synthesize(req, http.StatusTooManyRequests,
			errorBody("Provider rate limit or quota exceeded. Try again later or switch to the API connection.", "rate_limit_error", "rate_limit_exceeded"))
	case FailureUnauthorized:
		return synthesize(req, http.StatusUnauthorized,
			errorBody("The CLI is not authenticated. Run the tool's login command or configure an API key.", "authentication_error", "unauthorized"))
	default:
		detail := res.CombinedOutput()
		if detail == "" {
			detail = "cli invocation failed"
		}
		return synthesize(req, http.StatusInternalServerError, errorBody(detail, "server_error", "cli_error"))
	}
}

// Wire shapes mirroring the standard chat-completion schema.

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *completionUsage   `json:"usage,omitempty"`
}

type completionChoice struct {
	Index        int                `json:"index"`
	Message      *completionMessage `json:"message,omitempty"`
	Delta        *completionMessage `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

type completionMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type completionUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func errorBody(message, kind, code string) []byte {
	b, _ := json.Marshal(errorResponse{Error: errorDetail{Message: message, Type: kind, Code: code}})
	return b
}

func toCompletionUsage(u *Usage) *completionUsage {
	if u == nil {
		return nil
	}
	return &completionUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

func completionID() string {
	return fmt.Sprintf("chatcmpl-local-%d", time.Now().UnixNano())
}

func completionBody(model, text string, usage *Usage) []byte {
	stop := "stop"
	b, _ := json.Marshal(completionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Message:      &completionMessage{Role: "assistant", Content: text},
			FinishReason: &stop,
		}},
		Usage: toCompletionUsage(usage),
	})
	return b
}

// synthesizeStream renders the same reply as an incremental event stream:
// a role-announcement chunk, one content chunk carrying the full text, a
// terminal chunk with the stop reason (and usage when known), then the
// end-of-stream marker.
func synthesizeStream(req *http.Request, model, text string, usage *Usage) *http.Response {
	id := completionID()
	created := time.Now().Unix()
	stop := "stop"

	chunk := func(choice completionChoice, u *completionUsage) []byte {
		b, _ := json.Marshal(completionResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []completionChoice{choice},
			Usage:   u,
		})
		return b
	}

	var buf bytes.Buffer
	writeEvent := func(b []byte) {
		buf.WriteString("data: ")
		buf.Write(b)
		buf.WriteString("\n\n")
	}
	writeEvent(chunk(completionChoice{Delta: &completionMessage{Role: "assistant"}}, nil))
	writeEvent(chunk(completionChoice{Delta: &completionMessage{Content: text}}, nil))
	writeEvent(chunk(completionChoice{Delta: &completionMessage{}, FinishReason: &stop}, toCompletionUsage(usage)))
	buf.WriteString("data: [DONE]\n\n")

	resp := newResponse(req, http.StatusOK, buf.Bytes())
	resp.Header.Set("Content-Type", "text/event-stream")
	return resp
}

func synthesize(req *http.Request, status int, body []byte) *http.Response {
	resp := newResponse(req, status, body)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

func newResponse(req *http.Request, status int, body []byte) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

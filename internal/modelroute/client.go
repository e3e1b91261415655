// Package modelroute decides how a model request is served: through the
// provider's CLI binary, through the provider's remote HTTP API, or through
// an aggregate of free-tier models. It owns the fallback policy between
// those paths.
package modelroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/veltworks/velt-agent/internal/modelbridge"
)

// Message is one chat turn handed to a resolved client.
type Message struct {
	Role string
	Text string
}

// Usage is token accounting when the serving path reports it.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Completion is the result of one model turn.
type Completion struct {
	Text  string
	Model string
	// Source is "cli" or "remote"; surfaced so the UI can show which path
	// served the turn.
	Source string
	Usage  *Usage
}

// Client is the narrow completion surface the rest of the agent consumes.
// The router returns one of these; callers never know whether a CLI or a
// remote API sits behind it.
type Client interface {
	Complete(ctx context.Context, model string, msgs []Message) (*Completion, error)
}

const defaultMaxOutputTokens = 4096

// openAIClient serves completions through the OpenAI chat-completions API.
// With a bridge transport injected into its http client, the very same code
// path serves CLI-backed completions.
type openAIClient struct {
	client openai.Client
	source string
}

func newOpenAIRemoteClient(baseURL string, apiKey string) (Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIClient{client: openai.NewClient(opts...), source: SourceRemote}, nil
}

// newCLIClient wraps the protocol bridge in an OpenAI client so the CLI path
// speaks the exact same request/response shapes as the remote path.
func newCLIClient(execCfg modelbridge.ExecConfig, log *slog.Logger) Client {
	tr := modelbridge.NewTransport(log, execCfg)
	timeout := execCfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	opts := []ooption.RequestOption{
		ooption.WithAPIKey("local-cli"),
		ooption.WithBaseURL("http://velt.cli.local/v1"),
		ooption.WithHTTPClient(&http.Client{
			Transport: tr,
			Timeout:   timeout + 10*time.Second,
		}),
		ooption.WithMaxRetries(0),
	}
	return &openAIClient{client: openai.NewClient(opts...), source: SourceCLI}
}

func (c *openAIClient) Complete(ctx context.Context, model string, msgs []Message) (*Completion, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("missing model")
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(msgs),
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("provider returned no choices")
	}
	out := &Completion{
		Text:   resp.Choices[0].Message.Content,
		Model:  model,
		Source: c.source,
	}
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		out.Usage = &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			out = append(out, openai.SystemMessage(text))
		case "assistant":
			out = append(out, openai.AssistantMessage(text))
		default:
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

type anthropicClient struct {
	client anthropic.Client
}

func newAnthropicRemoteClient(baseURL string, apiKey string) (Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicClient{client: anthropic.NewClient(opts...)}, nil
}

func (c *anthropicClient) Complete(ctx context.Context, model string, msgs []Message) (*Completion, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("missing model")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxOutputTokens,
	}
	var systemParts []string
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			systemParts = append(systemParts, text)
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	if len(systemParts) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(systemParts, "\n\n")}}
	}
	if len(params.Messages) == 0 {
		return nil, errors.New("no user content in request")
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("provider returned no message")
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block.Text)
	}
	out := &Completion{
		Text:   b.String(),
		Model:  model,
		Source: SourceRemote,
	}
	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		out.Usage = &Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		}
	}
	return out, nil
}

func newRemoteClient(providerType string, baseURL string, apiKey string) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case "openai", "openai_compatible":
		return newOpenAIRemoteClient(baseURL, apiKey)
	case "anthropic":
		return newAnthropicRemoteClient(baseURL, apiKey)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

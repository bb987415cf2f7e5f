package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/internal/model"
)

const openaiDoneMarker = "[DONE]"

// OpenAIAdapter speaks the OpenAI chat-completions streaming protocol.
// It has no native reasoning or interactive concept and no provider-side
// session: plain text deltas map to chunk events and nothing else.
type OpenAIAdapter struct {
	client *http.Client
}

// NewOpenAIAdapter creates the adapter.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{client: newHTTPClient()}
}

// Family returns the provider family this adapter serves.
func (a *OpenAIAdapter) Family() model.ProviderFamily {
	return model.ProviderOpenAI
}

// Open starts the chat-completions stream. externalSessionID is ignored:
// the protocol is stateless and the full history travels in the request.
func (a *OpenAIAdapter) Open(ctx context.Context, cfg *model.AgentConfig, req *model.ChatRequest, _ string) (RawStream, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	body, err := gojson.Marshal(openai.ChatCompletionRequest{
		Model:    cfg.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, event.NewProxyError(event.KindConnectionFailed, "encode request", false, err)
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, event.NewProxyError(event.KindConnectionFailed, "build request", false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.Credential)

	return doStream(a.client, httpReq)
}

// NewTranslator returns a fresh per-stream translator.
func (a *OpenAIAdapter) NewTranslator() Translator {
	return &openaiTranslator{}
}

// openaiToolCall accumulates one streamed tool call. The name arrives on
// the first delta for the call's index; the argument JSON is split over
// later deltas that carry no name and must be concatenated in order.
type openaiToolCall struct {
	name string
	args []byte
}

type openaiTranslator struct {
	usage *event.Event
	tools []openaiToolCall
	done  bool
}

func (t *openaiTranslator) Translate(chunk RawChunk) []event.Event {
	if t.done {
		return nil
	}
	if string(chunk.Data) == openaiDoneMarker {
		t.done = true
		return t.finish()
	}
	if !gjson.ValidBytes(chunk.Data) {
		t.done = true
		return []event.Event{event.NewError(event.KindProtocolError, "unparseable chat-completions chunk", false)}
	}

	var resp openai.ChatCompletionStreamResponse
	if err := gojson.Unmarshal(chunk.Data, &resp); err != nil {
		t.done = true
		return []event.Event{event.NewError(event.KindProtocolError, "malformed chat-completions chunk", false)}
	}

	var events []event.Event
	for _, choice := range resp.Choices {
		if choice.Delta.Content != "" {
			events = append(events, event.NewChunk(choice.Delta.Content))
		}
		for _, call := range choice.Delta.ToolCalls {
			t.accumulateToolCall(call)
		}
	}

	// Some deployments attach usage to the final data chunk.
	if usage := gjson.GetBytes(chunk.Data, "usage"); usage.Exists() {
		ev := event.NewUsage(
			int(usage.Get("prompt_tokens").Int()),
			int(usage.Get("completion_tokens").Int()),
			int(usage.Get("total_tokens").Int()),
		)
		t.usage = &ev
	}
	return events
}

func (t *openaiTranslator) accumulateToolCall(call openai.ToolCall) {
	idx := len(t.tools)
	if call.Index != nil {
		idx = *call.Index
	} else if idx > 0 {
		idx--
	}
	for len(t.tools) <= idx {
		t.tools = append(t.tools, openaiToolCall{})
	}
	if call.Function.Name != "" {
		t.tools[idx].name = call.Function.Name
	}
	t.tools[idx].args = append(t.tools[idx].args, call.Function.Arguments...)
}

// finish flushes accumulated tool calls, then usage, then the end event.
// Tool calls are held until the stream closes because their argument JSON
// is only complete once every fragment has arrived.
func (t *openaiTranslator) finish() []event.Event {
	var events []event.Event
	for _, call := range t.tools {
		if call.name == "" {
			continue
		}
		args := call.args
		if len(args) == 0 {
			args = []byte("{}")
		}
		events = append(events, event.NewTool(call.name, json.RawMessage(args), nil))
	}
	if t.usage != nil {
		events = append(events, *t.usage)
	}
	return append(events, event.NewEnd())
}

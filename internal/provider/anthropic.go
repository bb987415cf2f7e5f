package provider

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	gojson "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/internal/model"
)

const anthropicVersion = "2023-06-01"

const defaultAnthropicMaxTokens = 4096

// AnthropicAdapter speaks the Anthropic messages streaming protocol.
// Native thinking deltas map to reasoning events; the protocol is
// stateless so no session is ever bound.
type AnthropicAdapter struct {
	client *http.Client
}

// NewAnthropicAdapter creates the adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{client: newHTTPClient()}
}

// Family returns the provider family this adapter serves.
func (a *AnthropicAdapter) Family() model.ProviderFamily {
	return model.ProviderAnthropic
}

// anthropicRequest is the messages-API request envelope. The system
// prompt travels in a top-level field, not as a message.
type anthropicRequest struct {
	Model     string                  `json:"model"`
	MaxTokens int                     `json:"max_tokens"`
	System    string                  `json:"system,omitempty"`
	Messages  []anthropicMessageParam `json:"messages"`
	Stream    bool                    `json:"stream"`
}

type anthropicMessageParam struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Open starts the messages stream. externalSessionID is ignored: the
// protocol is stateless and the full history travels in the request.
func (a *AnthropicAdapter) Open(ctx context.Context, cfg *model.AgentConfig, req *model.ChatRequest, _ string) (RawStream, error) {
	payload := anthropicRequest{
		Model:     cfg.Model,
		MaxTokens: defaultAnthropicMaxTokens,
		Stream:    true,
	}
	for _, msg := range req.Messages {
		if msg.Role == model.RoleSystem {
			payload.System = msg.Content
			continue
		}
		payload.Messages = append(payload.Messages, anthropicMessageParam{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	body, err := gojson.Marshal(payload)
	if err != nil {
		return nil, event.NewProxyError(event.KindConnectionFailed, "encode request", false, err)
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, event.NewProxyError(event.KindConnectionFailed, "build request", false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cfg.Credential)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return doStream(a.client, httpReq)
}

// NewTranslator returns a fresh per-stream translator.
func (a *AnthropicAdapter) NewTranslator() Translator {
	return &anthropicTranslator{}
}

type anthropicTranslator struct {
	promptTokens     int
	completionTokens int
	done             bool
}

func (t *anthropicTranslator) Translate(chunk RawChunk) []event.Event {
	if t.done {
		return nil
	}
	if !gjson.ValidBytes(chunk.Data) {
		t.done = true
		return []event.Event{event.NewError(event.KindProtocolError, "unparseable messages-API chunk", false)}
	}

	switch gjson.GetBytes(chunk.Data, "type").String() {
	case "ping":
		return nil
	case "error":
		// The API reports mid-stream failures as a dedicated error event.
		t.done = true
		errType := gjson.GetBytes(chunk.Data, "error.type").String()
		msg := gjson.GetBytes(chunk.Data, "error.message").String()
		retryable := errType == "overloaded_error" || errType == "api_error"
		return []event.Event{event.NewError(event.KindUpstreamRejected, msg, retryable)}
	}

	var streamEvent anthropic.MessageStreamEvent
	if err := gojson.Unmarshal(chunk.Data, &streamEvent); err != nil {
		t.done = true
		return []event.Event{event.NewError(event.KindProtocolError, "malformed messages-API chunk", false)}
	}

	switch streamEvent.Type {
	case anthropic.MessageStreamEventTypeMessageStart:
		t.promptTokens = int(gjson.GetBytes(chunk.Data, "message.usage.input_tokens").Int())
		return nil

	case anthropic.MessageStreamEventTypeContentBlockDelta:
		blockIndex := int(gjson.GetBytes(chunk.Data, "index").Int())
		switch gjson.GetBytes(chunk.Data, "delta.type").String() {
		case "text_delta":
			return []event.Event{event.NewChunk(gjson.GetBytes(chunk.Data, "delta.text").String())}
		case "thinking_delta":
			return []event.Event{event.NewReasoning(blockIndex, gjson.GetBytes(chunk.Data, "delta.thinking").String())}
		}
		return nil

	case anthropic.MessageStreamEventTypeMessageDelta:
		if tokens := gjson.GetBytes(chunk.Data, "usage.output_tokens"); tokens.Exists() {
			t.completionTokens = int(tokens.Int())
		}
		return nil

	case anthropic.MessageStreamEventTypeMessageStop:
		t.done = true
		return []event.Event{
			event.NewUsage(t.promptTokens, t.completionTokens, 0),
			event.NewEnd(),
		}
	}
	return nil
}

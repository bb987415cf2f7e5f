package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/internal/model"
)

// DifyAdapter speaks the Dify conversational API. The provider returns
// its conversation id in-band on every chunk; the first sighting is
// surfaced as a session_bound event for the orchestrator to bind.
// Reasoning is synthesized from agent_thought events.
type DifyAdapter struct {
	client *http.Client
}

// NewDifyAdapter creates the adapter.
func NewDifyAdapter() *DifyAdapter {
	return &DifyAdapter{client: newHTTPClient()}
}

// Family returns the provider family this adapter serves.
func (a *DifyAdapter) Family() model.ProviderFamily {
	return model.ProviderDify
}

type difyRequest struct {
	Inputs         map[string]string `json:"inputs"`
	Query          string            `json:"query"`
	ResponseMode   string            `json:"response_mode"`
	ConversationID string            `json:"conversation_id,omitempty"`
	User           string            `json:"user"`
}

// Open starts the chat-messages stream. Dify takes only the newest user
// turn; history lives server-side under the conversation id.
func (a *DifyAdapter) Open(ctx context.Context, cfg *model.AgentConfig, req *model.ChatRequest, externalSessionID string) (RawStream, error) {
	inputs := req.Variables
	if inputs == nil {
		inputs = map[string]string{}
	}
	body, err := gojson.Marshal(difyRequest{
		Inputs:         inputs,
		Query:          req.LastUserMessage(),
		ResponseMode:   "streaming",
		ConversationID: externalSessionID,
		User:           req.SessionID,
	})
	if err != nil {
		return nil, event.NewProxyError(event.KindConnectionFailed, "encode request", false, err)
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/") + "/v1/chat-messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, event.NewProxyError(event.KindConnectionFailed, "build request", false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.Credential)

	return doStream(a.client, httpReq)
}

// NewTranslator returns a fresh per-stream translator.
func (a *DifyAdapter) NewTranslator() Translator {
	return &difyTranslator{}
}

type difyTranslator struct {
	sessionSeen   bool
	reasoningStep int
	done          bool
}

func (t *difyTranslator) Translate(chunk RawChunk) []event.Event {
	if t.done {
		return nil
	}
	if !gjson.ValidBytes(chunk.Data) {
		t.done = true
		return []event.Event{event.NewError(event.KindProtocolError, "unparseable chat-messages chunk", false)}
	}

	payload := gjson.ParseBytes(chunk.Data)
	var events []event.Event

	// conversation_id rides on every chunk; surface it once, ahead of any
	// content from the same chunk, so it can be the stream's first event.
	if !t.sessionSeen {
		if conversationID := payload.Get("conversation_id").String(); conversationID != "" {
			t.sessionSeen = true
			events = append(events, event.NewSessionBound(conversationID))
		}
	}

	switch payload.Get("event").String() {
	case "message", "agent_message":
		if answer := payload.Get("answer"); answer.Str != "" {
			events = append(events, event.NewChunk(answer.Str))
		}

	case "agent_thought":
		if thought := payload.Get("thought").String(); thought != "" {
			events = append(events, event.NewReasoning(t.reasoningStep, thought))
			t.reasoningStep++
		}
		if tool := payload.Get("tool").String(); tool != "" {
			events = append(events, event.NewTool(
				tool,
				json.RawMessage(payload.Get("tool_input").Raw),
				json.RawMessage(payload.Get("observation").Raw),
			))
		}

	case "message_end":
		t.done = true
		if refs := t.retrieverReferences(payload); len(refs) > 0 {
			events = append(events, event.NewDataset(refs))
		}
		usage := payload.Get("metadata.usage")
		events = append(events,
			event.NewUsage(
				int(usage.Get("prompt_tokens").Int()),
				int(usage.Get("completion_tokens").Int()),
				int(usage.Get("total_tokens").Int()),
			),
			event.NewEnd(),
		)

	case "error":
		t.done = true
		msg := payload.Get("message").String()
		retryable := payload.Get("status").Int() >= 500
		events = append(events, event.NewError(event.KindUpstreamRejected, msg, retryable))

	case "ping":
		// Keep-alive.
	}

	return events
}

func (t *difyTranslator) retrieverReferences(payload gjson.Result) []event.Citation {
	var refs []event.Citation
	for _, res := range payload.Get("metadata.retriever_resources").Array() {
		refs = append(refs, event.Citation{
			Source:  res.Get("dataset_name").String(),
			Title:   res.Get("document_name").String(),
			Snippet: res.Get("content").String(),
			Score:   res.Get("score").Float(),
		})
	}
	return refs
}

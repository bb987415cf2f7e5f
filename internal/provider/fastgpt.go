package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/internal/model"
)

// FastGPT SSE event names in detail mode.
const (
	fastgptEventAnswer        = "answer"
	fastgptEventFlowStatus    = "flowNodeStatus"
	fastgptEventFlowResponses = "flowResponses"
	fastgptEventInteractive   = "interactive"
	fastgptEventError         = "error"
)

// FastGPTAdapter speaks the FastGPT conversational API. The caller
// supplies the chat id up front (the orchestrator mints one on the first
// turn), interactive form pauses arrive on a dedicated SSE event, and
// reasoning is synthesized from the reasoning_content delta field.
type FastGPTAdapter struct {
	client *http.Client
}

// NewFastGPTAdapter creates the adapter.
func NewFastGPTAdapter() *FastGPTAdapter {
	return &FastGPTAdapter{client: newHTTPClient()}
}

// Family returns the provider family this adapter serves.
func (a *FastGPTAdapter) Family() model.ProviderFamily {
	return model.ProviderFastGPT
}

// MintSessionID generates a fresh chat id. FastGPT never returns one
// in-band; continuity exists only if the caller replays the same id.
func (a *FastGPTAdapter) MintSessionID() string {
	return uuid.Must(uuid.NewV7()).String()
}

type fastgptRequest struct {
	ChatID    string              `json:"chatId"`
	Stream    bool                `json:"stream"`
	Detail    bool                `json:"detail"`
	Messages  []model.ChatMessage `json:"messages"`
	Variables map[string]string   `json:"variables,omitempty"`
}

// Open starts the stream. externalSessionID is the previously bound chat
// id and is required for multi-turn continuity.
func (a *FastGPTAdapter) Open(ctx context.Context, cfg *model.AgentConfig, req *model.ChatRequest, externalSessionID string) (RawStream, error) {
	body, err := gojson.Marshal(fastgptRequest{
		ChatID:    externalSessionID,
		Stream:    true,
		Detail:    true,
		Messages:  req.Messages,
		Variables: req.Variables,
	})
	if err != nil {
		return nil, event.NewProxyError(event.KindConnectionFailed, "encode request", false, err)
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/") + "/api/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, event.NewProxyError(event.KindConnectionFailed, "build request", false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.Credential)

	return doStream(a.client, httpReq)
}

// NewTranslator returns a fresh per-stream translator.
func (a *FastGPTAdapter) NewTranslator() Translator {
	return &fastgptTranslator{}
}

type fastgptTranslator struct {
	reasoningStep int
	usage         *event.Event
	done          bool
}

func (t *fastgptTranslator) Translate(chunk RawChunk) []event.Event {
	if t.done {
		return nil
	}

	switch chunk.Event {
	case fastgptEventAnswer, "":
		return t.translateAnswer(chunk.Data)
	case fastgptEventFlowStatus:
		if name := gjson.GetBytes(chunk.Data, "name").String(); name != "" {
			return []event.Event{event.NewStatus(event.PhaseRunning, name)}
		}
		return nil
	case fastgptEventFlowResponses:
		return t.translateFlowResponses(chunk.Data)
	case fastgptEventInteractive:
		return t.translateInteractive(chunk.Data)
	case fastgptEventError:
		t.done = true
		msg := upstreamErrorMessage(chunk.Data)
		return []event.Event{event.NewError(event.KindUpstreamRejected, msg, false)}
	}
	// updateVariables and other auxiliary events carry nothing we forward.
	return nil
}

func (t *fastgptTranslator) translateAnswer(data []byte) []event.Event {
	if string(data) == openaiDoneMarker {
		t.done = true
		if t.usage != nil {
			return []event.Event{*t.usage, event.NewEnd()}
		}
		return []event.Event{event.NewEnd()}
	}
	if !gjson.ValidBytes(data) {
		t.done = true
		return []event.Event{event.NewError(event.KindProtocolError, "unparseable answer chunk", false)}
	}

	var events []event.Event
	delta := gjson.GetBytes(data, "choices.0.delta")
	if reasoning := delta.Get("reasoning_content"); reasoning.Str != "" {
		events = append(events, event.NewReasoning(t.reasoningStep, reasoning.Str))
		t.reasoningStep++
	}
	if content := delta.Get("content"); content.Str != "" {
		events = append(events, event.NewChunk(content.Str))
	}
	return events
}

// translateFlowResponses folds the end-of-run workflow summary into tool,
// citation and usage events.
func (t *fastgptTranslator) translateFlowResponses(data []byte) []event.Event {
	if !gjson.ValidBytes(data) {
		return nil
	}

	var events []event.Event
	var refs []event.Citation
	totalTokens := 0

	for _, node := range gjson.ParseBytes(data).Array() {
		totalTokens += int(node.Get("tokens").Int())

		if toolDetail := node.Get("toolDetail"); toolDetail.Exists() {
			for _, call := range toolDetail.Array() {
				events = append(events, event.NewTool(
					call.Get("toolName").String(),
					json.RawMessage(call.Get("params").Raw),
					json.RawMessage(call.Get("response").Raw),
				))
			}
		}

		for _, quote := range node.Get("quoteList").Array() {
			refs = append(refs, event.Citation{
				Source:  quote.Get("sourceName").String(),
				Title:   quote.Get("q").String(),
				Snippet: quote.Get("a").String(),
				Score:   quote.Get("score").Float(),
			})
		}
	}

	if len(refs) > 0 {
		events = append(events, event.NewDataset(refs))
	}
	if totalTokens > 0 {
		ev := event.NewUsage(0, 0, totalTokens)
		t.usage = &ev
	}
	return events
}

func (t *fastgptTranslator) translateInteractive(data []byte) []event.Event {
	interactive := gjson.GetBytes(data, "interactive")
	params := interactive.Get("params")
	prompt := params.Get("description").String()

	switch interactive.Get("type").String() {
	case "userSelect":
		var options []event.Choice
		for _, opt := range params.Get("userSelectOptions").Array() {
			options = append(options, event.Choice{
				Key:   opt.Get("key").String(),
				Value: opt.Get("value").String(),
			})
		}
		return []event.Event{event.NewInteractive(event.InteractiveUserSelect, prompt, options)}
	case "userInput":
		var options []event.Choice
		for _, field := range params.Get("inputForm").Array() {
			options = append(options, event.Choice{
				Key:   field.Get("key").String(),
				Value: field.Get("label").String(),
			})
		}
		return []event.Event{event.NewInteractive(event.InteractiveUserInput, prompt, options)}
	}
	return nil
}

package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/internal/model"
)

func difyChunk(data string) RawChunk {
	return RawChunk{Data: []byte(data)}
}

func TestDifySessionBoundPrecedesContent(t *testing.T) {
	tr := NewDifyAdapter().NewTranslator()

	// The very first chunk carries both the conversation id and content;
	// the binding must come out first.
	events := tr.Translate(difyChunk(`{"event":"message","conversation_id":"conv-9","answer":"Hello"}`))
	require.Len(t, events, 2)
	require.Equal(t, event.TypeSessionBound, events[0].Type)
	assert.Equal(t, "conv-9", events[0].SessionBound.ExternalSessionID)
	assert.Equal(t, "Hello", events[1].Chunk.Content)

	// Subsequent chunks repeat the id but it is surfaced only once.
	events = tr.Translate(difyChunk(`{"event":"message","conversation_id":"conv-9","answer":" world"}`))
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeChunk, events[0].Type)
}

func TestDifyAgentThought(t *testing.T) {
	tr := NewDifyAdapter().NewTranslator()

	events := tr.Translate(difyChunk(`{"event":"agent_thought","conversation_id":"conv-9","thought":"I should search","tool":"web_search","tool_input":"{\"q\":\"weather\"}","observation":"\"sunny\""}`))
	require.Len(t, events, 3)
	assert.Equal(t, event.TypeSessionBound, events[0].Type)
	require.Equal(t, event.TypeReasoning, events[1].Type)
	assert.Equal(t, 0, events[1].Reasoning.StepIndex)
	assert.Equal(t, "I should search", events[1].Reasoning.Content)
	require.Equal(t, event.TypeTool, events[2].Type)
	assert.Equal(t, "web_search", events[2].Tool.Name)
}

func TestDifyMessageEnd(t *testing.T) {
	tr := NewDifyAdapter().NewTranslator()
	tr.Translate(difyChunk(`{"event":"message","conversation_id":"conv-9","answer":"hi"}`))

	data := `{"event":"message_end","conversation_id":"conv-9","metadata":{"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12},"retriever_resources":[{"dataset_name":"faq","document_name":"intro.md","content":"snippet","score":0.8}]}}`
	events := tr.Translate(difyChunk(data))
	require.Len(t, events, 3)
	require.Equal(t, event.TypeDataset, events[0].Type)
	assert.Equal(t, "faq", events[0].Dataset.References[0].Source)
	require.Equal(t, event.TypeUsage, events[1].Type)
	assert.Equal(t, 12, events[1].Usage.TotalTokens)
	assert.Equal(t, event.TypeEnd, events[2].Type)

	// Nothing after the terminal.
	assert.Empty(t, tr.Translate(difyChunk(`{"event":"message","answer":"late"}`)))
}

func TestDifyErrorEvent(t *testing.T) {
	tr := NewDifyAdapter().NewTranslator()

	events := tr.Translate(difyChunk(`{"event":"error","status":500,"message":"internal error"}`))
	require.Len(t, events, 1)
	require.Equal(t, event.TypeError, events[0].Type)
	assert.Equal(t, event.KindUpstreamRejected, events[0].Error.Kind)
	assert.True(t, events[0].Error.Retryable)

	tr = NewDifyAdapter().NewTranslator()
	events = tr.Translate(difyChunk(`{"event":"error","status":400,"message":"bad input"}`))
	require.Len(t, events, 1)
	assert.False(t, events[0].Error.Retryable)
}

func TestDifyPingIgnored(t *testing.T) {
	tr := NewDifyAdapter().NewTranslator()
	assert.Empty(t, tr.Translate(difyChunk(`{"event":"ping"}`)))
}

func TestDifyOpenSendsNewestTurnOnly(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, gojson.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"ping\"}\n\n")
	}))
	defer srv.Close()

	adapter := NewDifyAdapter()
	cfg := &model.AgentConfig{Provider: model.ProviderDify, Endpoint: srv.URL, Credential: "dify-key"}
	req := &model.ChatRequest{
		SessionID: "sess-1",
		Messages: []model.ChatMessage{
			{Role: model.RoleUser, Content: "first turn"},
			{Role: model.RoleAssistant, Content: "reply"},
			{Role: model.RoleUser, Content: "second turn"},
		},
	}

	rs, err := adapter.Open(context.Background(), cfg, req, "conv-9")
	require.NoError(t, err)
	rs.Close()

	// History lives server-side; only the newest user turn is sent.
	assert.Equal(t, "second turn", gotBody["query"])
	assert.Equal(t, "conv-9", gotBody["conversation_id"])
	assert.Equal(t, "streaming", gotBody["response_mode"])
	assert.Equal(t, "sess-1", gotBody["user"])
}

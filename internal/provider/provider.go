// Package provider contains the per-upstream adapters that translate each
// provider's wire protocol into the canonical event stream.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/internal/model"
)

// RawChunk is one provider-specific frame as read off the wire: the SSE
// event name (may be empty) and the data payload.
type RawChunk struct {
	Event string
	Data  []byte
}

// RawStream is a lazy, cancellable sequence of raw chunks. Recv returns
// io.EOF when the upstream closes the response body cleanly.
type RawStream interface {
	Recv() (RawChunk, error)
	Close() error
}

// Translator turns raw chunks into canonical events. A translator lives
// for exactly one stream and carries only per-stream counters (reasoning
// step index, cached usage); adapters themselves hold no cross-call state.
//
// Translate never fails: unrecognized fields are ignored and completely
// unparseable data yields a single terminal protocol error event.
type Translator interface {
	Translate(chunk RawChunk) []event.Event
}

// Adapter is one upstream provider family. Open establishes the streaming
// connection and must not block past the first network round-trip; errors
// discovered later are reported through the stream, not returned here.
type Adapter interface {
	Family() model.ProviderFamily
	Open(ctx context.Context, cfg *model.AgentConfig, req *model.ChatRequest, externalSessionID string) (RawStream, error)
	NewTranslator() Translator
}

// SessionMinter is implemented by adapters whose provider requires the
// caller to supply the conversation id up front rather than returning one
// in-band. The orchestrator mints and binds the id before connecting.
type SessionMinter interface {
	MintSessionID() string
}

// Registry is the closed set of configured adapters, selected by explicit
// dispatch on the provider family.
type Registry struct {
	adapters map[model.ProviderFamily]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.ProviderFamily]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Family()] = a
	}
	return r
}

// Lookup returns the adapter for a provider family.
func (r *Registry) Lookup(family model.ProviderFamily) (Adapter, error) {
	a, ok := r.adapters[family]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", family)
	}
	return a, nil
}

// Families lists the registered provider families.
func (r *Registry) Families() []model.ProviderFamily {
	out := make([]model.ProviderFamily, 0, len(r.adapters))
	for f := range r.adapters {
		out = append(out, f)
	}
	return out
}

// newHTTPClient is the transport shared by adapters. No overall request
// timeout: streams are long-lived and bounded by the orchestrator's
// context instead.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          64,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

package orchestrator

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agent-gateway/internal/audit"
	"github.com/capitalize-ai/agent-gateway/internal/breaker"
	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/internal/model"
	"github.com/capitalize-ai/agent-gateway/internal/mux"
	"github.com/capitalize-ai/agent-gateway/internal/provider"
	"github.com/capitalize-ai/agent-gateway/internal/session"
	"github.com/capitalize-ai/agent-gateway/pkg/logger"
)

// fakeStream replays scripted chunks, then ends with finalErr (io.EOF for a
// clean close). A nil blockUntil chunk entry blocks until the context is
// cancelled.
type fakeStream struct {
	chunks   []provider.RawChunk
	finalErr error
	ctx      context.Context
	block    bool

	mu     sync.Mutex
	pos    int
	closed bool
}

func (s *fakeStream) Recv() (provider.RawChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.block {
		s.mu.Unlock()
		<-s.ctx.Done()
		s.mu.Lock()
		return provider.RawChunk{}, s.ctx.Err()
	}
	if s.finalErr != nil {
		return provider.RawChunk{}, s.finalErr
	}
	return provider.RawChunk{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// passthroughTranslator emits events pre-encoded in the chunk's Event field
// name, one canonical event per raw chunk.
type passthroughTranslator struct{}

func (passthroughTranslator) Translate(chunk provider.RawChunk) []event.Event {
	switch chunk.Event {
	case "chunk":
		return []event.Event{event.NewChunk(string(chunk.Data))}
	case "session_bound":
		return []event.Event{event.NewSessionBound(string(chunk.Data))}
	case "interactive":
		return []event.Event{event.NewInteractive(event.InteractiveUserSelect, string(chunk.Data), nil)}
	case "usage":
		return []event.Event{event.NewUsage(3, 4, 0)}
	case "end":
		return []event.Event{event.NewEnd()}
	case "error":
		return []event.Event{event.NewError(event.KindUpstreamRejected, string(chunk.Data), false)}
	}
	return nil
}

type fakeAdapter struct {
	family model.ProviderFamily

	mu       sync.Mutex
	openErrs []error // consumed per Open call before opening succeeds
	stream   func(ctx context.Context) *fakeStream
	opens    int
	lastExt  string
}

func (a *fakeAdapter) Family() model.ProviderFamily {
	if a.family == "" {
		return model.ProviderOpenAI
	}
	return a.family
}

func (a *fakeAdapter) Open(ctx context.Context, _ *model.AgentConfig, _ *model.ChatRequest, externalSessionID string) (provider.RawStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opens++
	a.lastExt = externalSessionID
	if len(a.openErrs) > 0 {
		err := a.openErrs[0]
		a.openErrs = a.openErrs[1:]
		return nil, err
	}
	if a.stream == nil {
		return &fakeStream{}, nil
	}
	return a.stream(ctx), nil
}

func (a *fakeAdapter) NewTranslator() provider.Translator { return passthroughTranslator{} }

// minterAdapter wraps a fakeAdapter for providers that take the
// conversation id up front.
type minterAdapter struct {
	*fakeAdapter
	mint string
}

func (a *minterAdapter) MintSessionID() string { return a.mint }

func (a *fakeAdapter) openCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

func chunks(pairs ...string) []provider.RawChunk {
	out := make([]provider.RawChunk, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, provider.RawChunk{Event: pairs[i], Data: []byte(pairs[i+1])})
	}
	return out
}

func newTestOrchestrator(t *testing.T, a provider.Adapter, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 5 * time.Millisecond
	}
	return New(
		provider.NewRegistry(a),
		breaker.New(breaker.Config{FailureThreshold: 3, Cooldown: time.Minute}),
		session.NewBinder(session.NewMemoryStore()),
		audit.NopSink{},
		logger.NewNop(),
		cfg,
	)
}

func runAndCollect(t *testing.T, o *Orchestrator, req *model.ChatRequest, cfg *model.AgentConfig) ([]event.Event, error) {
	t.Helper()
	m := mux.New(64)
	ch := m.Subscribe("client")

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(context.Background(), req, cfg, m) }()

	var got []event.Event
	for ev := range ch {
		got = append(got, ev)
	}
	return got, <-errCh
}

func testAgentCfg(family model.ProviderFamily) *model.AgentConfig {
	return &model.AgentConfig{Provider: family, Endpoint: "https://upstream.test", Model: "m"}
}

func testReq() *model.ChatRequest {
	return &model.ChatRequest{
		SessionID: "sess-1",
		Messages:  []model.ChatMessage{{Role: model.RoleUser, Content: "Hi"}},
		Stream:    true,
	}
}

func countTerminals(events []event.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

func TestHappyPathSingleTerminal(t *testing.T) {
	a := &fakeAdapter{stream: func(context.Context) *fakeStream {
		return &fakeStream{chunks: chunks("chunk", "Hello", "chunk", " world", "usage", "", "end", "")}
	}}
	o := newTestOrchestrator(t, a, Config{})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(a.Family()))
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.Equal(t, "Hello", got[0].Chunk.Content)
	assert.Equal(t, event.TypeUsage, got[2].Type)
	assert.Equal(t, event.TypeEnd, got[3].Type)
	assert.Equal(t, 1, countTerminals(got))
}

func TestStreamInterruptedNoRetryAfterPartialDelivery(t *testing.T) {
	a := &fakeAdapter{stream: func(context.Context) *fakeStream {
		return &fakeStream{chunks: chunks("chunk", "part", "chunk", "ial"), finalErr: io.ErrUnexpectedEOF}
	}}
	o := newTestOrchestrator(t, a, Config{ConnectRetryLimit: 5})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(a.Family()))
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "part", got[0].Chunk.Content)
	assert.Equal(t, "ial", got[1].Chunk.Content)
	require.Equal(t, event.TypeError, got[2].Type)
	assert.Equal(t, event.KindStreamInterrupted, got[2].Error.Kind)
	assert.True(t, got[2].Error.Retryable)

	// The connection succeeded once and was never reopened.
	assert.Equal(t, 1, a.openCount())
}

func TestCleanEOFWithoutTerminalIsInterrupted(t *testing.T) {
	a := &fakeAdapter{stream: func(context.Context) *fakeStream {
		return &fakeStream{chunks: chunks("chunk", "partial")}
	}}
	o := newTestOrchestrator(t, a, Config{})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(a.Family()))
	require.NoError(t, err)
	require.Equal(t, event.TypeError, got[len(got)-1].Type)
	assert.Equal(t, event.KindStreamInterrupted, got[len(got)-1].Error.Kind)
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	a := &fakeAdapter{
		openErrs: []error{
			event.NewProxyError(event.KindConnectionFailed, "refused", true, nil),
			event.NewProxyError(event.KindConnectionFailed, "refused", true, nil),
		},
		stream: func(context.Context) *fakeStream {
			return &fakeStream{chunks: chunks("chunk", "ok", "end", "")}
		},
	}
	o := newTestOrchestrator(t, a, Config{ConnectRetryLimit: 2})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(a.Family()))
	require.NoError(t, err)
	assert.Equal(t, 3, a.openCount())
	assert.Equal(t, event.TypeEnd, got[len(got)-1].Type)
}

func TestConnectRetriesExhausted(t *testing.T) {
	a := &fakeAdapter{
		openErrs: []error{
			event.NewProxyError(event.KindConnectionFailed, "refused", true, nil),
			event.NewProxyError(event.KindConnectionFailed, "refused", true, nil),
			event.NewProxyError(event.KindConnectionFailed, "refused", true, nil),
		},
	}
	o := newTestOrchestrator(t, a, Config{ConnectRetryLimit: 2})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(a.Family()))
	require.NoError(t, err)
	assert.Equal(t, 3, a.openCount())
	require.Len(t, got, 1)
	assert.Equal(t, event.KindConnectionFailed, got[0].Error.Kind)
}

func TestNonRetryableRejectionNotRetried(t *testing.T) {
	a := &fakeAdapter{
		openErrs: []error{
			event.NewProxyError(event.KindUpstreamRejected, "invalid api key", false, nil),
		},
	}
	o := newTestOrchestrator(t, a, Config{ConnectRetryLimit: 5})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(a.Family()))
	require.NoError(t, err)
	assert.Equal(t, 1, a.openCount())
	require.Len(t, got, 1)
	assert.Equal(t, event.KindUpstreamRejected, got[0].Error.Kind)
	assert.False(t, got[0].Error.Retryable)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	fail := func() []error {
		return []error{event.NewProxyError(event.KindConnectionFailed, "refused", true, nil)}
	}
	a := &fakeAdapter{openErrs: fail()}
	o := newTestOrchestrator(t, a, Config{})
	cfg := testAgentCfg(a.Family())

	// Threshold is 3: three failed invocations trip the breaker.
	for i := 0; i < 3; i++ {
		a.mu.Lock()
		a.openErrs = fail()
		a.mu.Unlock()
		got, err := runAndCollect(t, o, testReq(), cfg)
		require.NoError(t, err)
		assert.Equal(t, event.KindConnectionFailed, got[len(got)-1].Error.Kind)
	}

	opensBefore := a.openCount()
	got, err := runAndCollect(t, o, testReq(), cfg)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, event.KindCircuitOpen, got[0].Error.Kind)
	assert.True(t, got[0].Error.Retryable)

	// Fast-fail never touches the adapter.
	assert.Equal(t, opensBefore, a.openCount())
}

func TestHalfOpenSlotFreedAfterUnjudgedAttempt(t *testing.T) {
	a := &fakeAdapter{
		openErrs: []error{
			event.NewProxyError(event.KindConnectionFailed, "refused", true, nil),
			event.NewProxyError(event.KindUpstreamRejected, "invalid api key", false, nil),
		},
		stream: func(context.Context) *fakeStream {
			return &fakeStream{chunks: chunks("chunk", "ok", "end", "")}
		},
	}
	o := New(
		provider.NewRegistry(a),
		breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}),
		session.NewBinder(session.NewMemoryStore()),
		audit.NopSink{},
		logger.NewNop(),
		Config{BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Millisecond},
	)
	cfg := testAgentCfg(a.Family())

	// One retryable failure trips the breaker open.
	got, err := runAndCollect(t, o, testReq(), cfg)
	require.NoError(t, err)
	require.Equal(t, event.KindConnectionFailed, got[len(got)-1].Error.Kind)

	time.Sleep(30 * time.Millisecond)

	// The first caller after the cooldown is admitted but ends with a
	// semantic rejection, which counts neither for nor against the
	// upstream's health.
	got, err = runAndCollect(t, o, testReq(), cfg)
	require.NoError(t, err)
	require.Equal(t, event.KindUpstreamRejected, got[len(got)-1].Error.Kind)

	// The half-open slot must be free again: a healthy upstream closes the
	// breaker instead of fast-failing forever.
	got, err = runAndCollect(t, o, testReq(), cfg)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, event.TypeEnd, got[len(got)-1].Type)
	assert.Equal(t, breaker.Closed, o.breaker.State(cfg.BreakerKey()))
}

func TestCallerCancellationNoTerminalEvent(t *testing.T) {
	a := &fakeAdapter{stream: func(ctx context.Context) *fakeStream {
		return &fakeStream{chunks: chunks("chunk", "partial"), ctx: ctx, block: true}
	}}
	o := newTestOrchestrator(t, a, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := mux.New(64)
	ch := m.Subscribe("client")

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx, testReq(), testAgentCfg(a.Family()), m) }()

	var got []event.Event
	for ev := range ch {
		got = append(got, ev)
		if len(got) == 1 {
			cancel()
		}
	}

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, countTerminals(got))
}

func TestStreamMaxDurationYieldsTimeout(t *testing.T) {
	a := &fakeAdapter{stream: func(ctx context.Context) *fakeStream {
		return &fakeStream{chunks: chunks("chunk", "partial"), ctx: ctx, block: true}
	}}
	o := newTestOrchestrator(t, a, Config{StreamMaxDuration: 50 * time.Millisecond})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(a.Family()))
	require.NoError(t, err)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, event.TypeError, last.Type)
	assert.Equal(t, event.KindTimeout, last.Error.Kind)
	assert.Equal(t, 1, countTerminals(got))
}

func TestMinterBindsBeforeConnect(t *testing.T) {
	inner := &fakeAdapter{
		family: model.ProviderFastGPT,
		stream: func(context.Context) *fakeStream {
			return &fakeStream{chunks: chunks("chunk", "hi", "end", "")}
		},
	}
	a := &minterAdapter{fakeAdapter: inner, mint: "chat-minted"}
	o := newTestOrchestrator(t, a, Config{})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(model.ProviderFastGPT))
	require.NoError(t, err)

	// The minted id is announced first and passed to Open.
	require.Equal(t, event.TypeSessionBound, got[0].Type)
	assert.Equal(t, "chat-minted", got[0].SessionBound.ExternalSessionID)
	assert.Equal(t, "chat-minted", inner.lastExt)
}

func TestMinterReplaysBoundSession(t *testing.T) {
	inner := &fakeAdapter{
		family: model.ProviderFastGPT,
		stream: func(context.Context) *fakeStream {
			return &fakeStream{chunks: chunks("end", "")}
		},
	}
	a := &minterAdapter{fakeAdapter: inner, mint: "chat-new"}
	o := newTestOrchestrator(t, a, Config{})

	_, err := o.binder.Bind(context.Background(), "sess-1", "chat-old")
	require.NoError(t, err)

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(model.ProviderFastGPT))
	require.NoError(t, err)

	// The existing binding wins over a fresh mint.
	require.Equal(t, event.TypeSessionBound, got[0].Type)
	assert.Equal(t, "chat-old", got[0].SessionBound.ExternalSessionID)
	assert.Equal(t, "chat-old", inner.lastExt)
}

func TestInBandSessionBound(t *testing.T) {
	a := &fakeAdapter{
		family: model.ProviderDify,
		stream: func(context.Context) *fakeStream {
			return &fakeStream{chunks: chunks("session_bound", "conv-1", "chunk", "hi", "end", "")}
		},
	}
	o := newTestOrchestrator(t, a, Config{})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(model.ProviderDify))
	require.NoError(t, err)

	require.Equal(t, event.TypeSessionBound, got[0].Type)
	assert.Equal(t, "conv-1", got[0].SessionBound.ExternalSessionID)

	ext, ok, err := o.binder.Resolve(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conv-1", ext)
}

func TestInBandSessionConflictTerminates(t *testing.T) {
	a := &fakeAdapter{
		family: model.ProviderDify,
		stream: func(context.Context) *fakeStream {
			return &fakeStream{chunks: chunks("session_bound", "conv-other", "chunk", "hi", "end", "")}
		},
	}
	o := newTestOrchestrator(t, a, Config{})

	_, err := o.binder.Bind(context.Background(), "sess-1", "conv-original")
	require.NoError(t, err)

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(model.ProviderDify))
	require.NoError(t, err)

	// The pre-announced binding, then the conflict terminal. No content
	// from the conflicting stream leaks through.
	last := got[len(got)-1]
	require.Equal(t, event.TypeError, last.Type)
	assert.Equal(t, event.KindSessionConflict, last.Error.Kind)
	assert.False(t, last.Error.Retryable)
	assert.Equal(t, 1, countTerminals(got))
}

func TestInteractivePauseKeepsStreamOpen(t *testing.T) {
	a := &fakeAdapter{stream: func(context.Context) *fakeStream {
		return &fakeStream{chunks: chunks(
			"chunk", "before",
			"interactive", "pick one",
			"chunk", "after",
			"end", "",
		)}
	}}
	o := newTestOrchestrator(t, a, Config{})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(a.Family()))
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.Equal(t, event.TypeInteractive, got[1].Type)
	assert.Equal(t, "after", got[2].Chunk.Content)
	assert.Equal(t, event.TypeEnd, got[3].Type)
}

func TestUpstreamErrorEventTerminates(t *testing.T) {
	a := &fakeAdapter{stream: func(context.Context) *fakeStream {
		return &fakeStream{chunks: chunks("chunk", "x", "error", "quota exceeded", "chunk", "never")}
	}}
	o := newTestOrchestrator(t, a, Config{})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(a.Family()))
	require.NoError(t, err)

	require.Len(t, got, 2)
	require.Equal(t, event.TypeError, got[1].Type)
	assert.Equal(t, "quota exceeded", got[1].Error.Message)
}

func TestUnknownProviderRejected(t *testing.T) {
	a := &fakeAdapter{}
	o := newTestOrchestrator(t, a, Config{})

	got, err := runAndCollect(t, o, testReq(), testAgentCfg(model.ProviderDify))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, event.KindUpstreamRejected, got[0].Error.Kind)
}

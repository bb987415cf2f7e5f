// Package orchestrator coordinates one streaming chat invocation: adapter
// selection, circuit-breaker gating, session binding, connect retries,
// translation, and fan-out through the multiplexer.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/capitalize-ai/agent-gateway/internal/audit"
	"github.com/capitalize-ai/agent-gateway/internal/breaker"
	"github.com/capitalize-ai/agent-gateway/internal/event"
	"github.com/capitalize-ai/agent-gateway/internal/model"
	"github.com/capitalize-ai/agent-gateway/internal/mux"
	"github.com/capitalize-ai/agent-gateway/internal/provider"
	"github.com/capitalize-ai/agent-gateway/internal/session"
	"github.com/capitalize-ai/agent-gateway/pkg/logger"
	"github.com/capitalize-ai/agent-gateway/pkg/metrics"
)

// Config controls retry and timeout behavior.
type Config struct {
	// ConnectRetryLimit is the number of additional connect attempts after
	// the first. Retries never apply once streaming has begun.
	ConnectRetryLimit int
	// BackoffInitial is the first retry delay; subsequent delays grow
	// exponentially with jitter up to BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StreamMaxDuration bounds the whole invocation, covering normal
	// streaming waits and outstanding interactive pauses alike. When it
	// elapses without a terminal event the stream terminates with a
	// timeout error. Zero disables the bound.
	StreamMaxDuration time.Duration
}

// Orchestrator runs streaming invocations. One goroutine per active Run;
// the breaker and binder are the only state shared across invocations.
type Orchestrator struct {
	registry *provider.Registry
	breaker  *breaker.Breaker
	binder   *session.Binder
	audit    audit.Sink
	logger   *logger.Logger
	tracer   trace.Tracer
	cfg      Config
}

// New creates an orchestrator.
func New(registry *provider.Registry, brk *breaker.Breaker, binder *session.Binder, auditSink audit.Sink, log *logger.Logger, cfg Config) *Orchestrator {
	if cfg.ConnectRetryLimit < 0 {
		cfg.ConnectRetryLimit = 0
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	return &Orchestrator{
		registry: registry,
		breaker:  brk,
		binder:   binder,
		audit:    auditSink,
		logger:   log,
		tracer:   otel.Tracer("agent-gateway/orchestrator"),
		cfg:      cfg,
	}
}

// Run executes one invocation, publishing canonical events into m in
// order. It returns nil once exactly one terminal event has been
// published. Caller cancellation is the one outcome with no terminal
// event: Run closes the mux and returns the context error.
func (o *Orchestrator) Run(ctx context.Context, req *model.ChatRequest, cfg *model.AgentConfig, m *mux.Mux) error {
	ctx, span := o.tracer.Start(ctx, "proxy.run", trace.WithAttributes(
		attribute.String("provider", string(cfg.Provider)),
		attribute.String("session_id", req.SessionID),
	))
	defer span.End()

	log := o.logger.With("session_id", req.SessionID, "provider", string(cfg.Provider))

	// The audit sink rides the mux like any other consumer, so it sees
	// interactive and terminal events in stream order and can never stall
	// the client sink.
	auditCh := m.Subscribe("audit")
	go o.drainAudit(req.SessionID, string(cfg.Provider), auditCh)

	start := time.Now()
	outcome, err := o.run(ctx, req, cfg, m, log)
	metrics.StreamDuration.WithLabelValues(string(cfg.Provider), outcome).Observe(time.Since(start).Seconds())
	metrics.TerminalEvents.WithLabelValues(string(cfg.Provider), outcome).Inc()
	if err != nil {
		m.Close()
		return err
	}
	return nil
}

// run returns the outcome label and, for caller cancellation only, a
// non-nil error. Every other path publishes exactly one terminal event
// and returns a nil error.
func (o *Orchestrator) run(callerCtx context.Context, req *model.ChatRequest, cfg *model.AgentConfig, m *mux.Mux, log *logger.Logger) (string, error) {
	ctx := callerCtx
	if o.cfg.StreamMaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(callerCtx, o.cfg.StreamMaxDuration)
		defer cancel()
	}

	adapter, err := o.registry.Lookup(cfg.Provider)
	if err != nil {
		m.Publish(event.NewError(event.KindUpstreamRejected, err.Error(), false))
		return "error", nil
	}

	key := cfg.BreakerKey()
	if !o.breaker.Allow(key) {
		log.Warn("request fast-failed, circuit open", "key", key)
		m.Publish(event.NewError(event.KindCircuitOpen, "upstream temporarily unavailable", true))
		return "circuit_open", nil
	}
	// If this attempt ends without a success or failure verdict (semantic
	// rejection, caller cancel), the half-open slot must still be freed.
	defer o.breaker.Release(key)

	external, bound, err := o.binder.Resolve(ctx, req.SessionID)
	if err != nil {
		log.Warn("session resolve failed, continuing unbound", "error", err)
	}

	// Providers that take the conversation id up front get one minted and
	// bound before the connection is opened.
	if !bound {
		if minter, ok := adapter.(provider.SessionMinter); ok {
			winner, bindErr := o.binder.Bind(ctx, req.SessionID, minter.MintSessionID())
			if bindErr != nil && !errors.Is(bindErr, session.ErrConflict) {
				log.Warn("session bind failed, continuing unbound", "error", bindErr)
			} else {
				// Losing the mint race is harmless here: nothing has gone
				// upstream yet, so adopt the winner's id.
				external = winner
			}
		}
	}
	announced := external != ""
	if announced {
		m.Publish(event.NewSessionBound(external))
	}

	rs, connectErr := o.connect(ctx, adapter, cfg, req, external, key, log)
	if connectErr != nil {
		if callerCtx.Err() != nil {
			return "cancelled", callerCtx.Err()
		}
		if ctx.Err() != nil {
			o.breaker.RecordFailure(key)
			m.Publish(event.NewError(event.KindTimeout, "stream deadline exceeded while connecting", true))
			return "timeout", nil
		}
		var pe *event.ProxyError
		if !errors.As(connectErr, &pe) {
			pe = event.NewProxyError(event.KindConnectionFailed, "failed to establish upstream stream", true, connectErr)
		}
		log.Error("failed to establish upstream stream", "error", pe)
		m.Publish(pe.Event())
		return "error", nil
	}
	defer rs.Close()
	o.breaker.RecordSuccess(key)

	return o.stream(ctx, callerCtx, adapter, rs, req, m, key, announced, log)
}

// connect opens the upstream stream with bounded exponential backoff and
// jitter. Only retryable pre-first-byte failures are retried; semantic
// rejections are permanent. Each attempt's outcome is recorded in the
// circuit breaker.
func (o *Orchestrator) connect(ctx context.Context, adapter provider.Adapter, cfg *model.AgentConfig, req *model.ChatRequest, external, key string, log *logger.Logger) (provider.RawStream, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.BackoffInitial
	bo.MaxInterval = o.cfg.BackoffMax
	bo.MaxElapsedTime = 0

	var rs provider.RawStream
	attempt := 0
	operation := func() error {
		attempt++
		s, openErr := adapter.Open(ctx, cfg, req, external)
		if openErr == nil {
			rs = s
			return nil
		}
		openErr = event.Classify(openErr)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if event.CountsForBreaker(openErr) {
			o.breaker.RecordFailure(key)
		}
		if !event.IsRetryable(openErr) {
			return backoff.Permanent(openErr)
		}
		log.Warn("connect attempt failed, will retry", "attempt", attempt, "error", openErr)
		metrics.ConnectRetries.WithLabelValues(string(cfg.Provider)).Inc()
		return openErr
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.cfg.ConnectRetryLimit)), ctx))
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// stream pumps raw chunks through the translator into the mux until a
// terminal event. Mid-stream failures are never retried: a retry after
// partial delivery would restart provider-side generation with no way to
// deduplicate chunks already delivered.
func (o *Orchestrator) stream(ctx, callerCtx context.Context, adapter provider.Adapter, rs provider.RawStream, req *model.ChatRequest, m *mux.Mux, key string, announced bool, log *logger.Logger) (string, error) {
	tr := adapter.NewTranslator()
	published := announced
	promptTokens, completionTokens := 0, 0

	for {
		chunk, err := rs.Recv()
		if err != nil {
			// Cancellation closes the request context, which closes the
			// response body, which surfaces here as a read error.
			if callerCtx.Err() != nil {
				log.Info("stream cancelled by caller")
				return "cancelled", callerCtx.Err()
			}
			if ctx.Err() != nil {
				o.breaker.RecordFailure(key)
				m.Publish(event.NewError(event.KindTimeout, "stream exceeded maximum duration", true))
				return "timeout", nil
			}
			if errors.Is(err, io.EOF) {
				log.Warn("upstream closed stream without terminal event")
			} else {
				log.Warn("upstream stream read failed", "error", err)
			}
			o.breaker.RecordFailure(key)
			m.Publish(event.NewError(event.KindStreamInterrupted, "upstream connection lost mid-stream", true))
			return "stream_interrupted", nil
		}

		for _, ev := range tr.Translate(chunk) {
			switch ev.Type {
			case event.TypeSessionBound:
				winner, bindErr := o.binder.Bind(ctx, req.SessionID, ev.SessionBound.ExternalSessionID)
				if bindErr != nil {
					if errors.Is(bindErr, session.ErrConflict) {
						// The upstream already committed to its own id for
						// this turn; adopting the winner's would silently
						// fork history.
						log.Error("session bind conflict",
							"ours", ev.SessionBound.ExternalSessionID,
							"winner", winner,
						)
						m.Publish(event.NewError(event.KindSessionConflict, "session already bound to a different provider conversation", false))
						return "session_conflict", nil
					}
					log.Warn("session bind failed", "error", bindErr)
					continue
				}
				// SessionBound must be the stream's first event; if content
				// already went out, the binding still holds but is not
				// announced on this stream.
				if !published {
					m.Publish(ev)
					published = true
				}

			case event.TypeUsage:
				promptTokens = ev.Usage.PromptTokens
				completionTokens = ev.Usage.CompletionTokens
				m.Publish(ev)
				published = true

			case event.TypeEnd:
				m.Publish(ev)
				metrics.TokensTotal.WithLabelValues(string(adapter.Family()), "in").Add(float64(promptTokens))
				metrics.TokensTotal.WithLabelValues(string(adapter.Family()), "out").Add(float64(completionTokens))
				return "end", nil

			case event.TypeError:
				if ev.Error.Kind == event.KindUpstreamRejected && ev.Error.Retryable {
					o.breaker.RecordFailure(key)
				}
				m.Publish(ev)
				return "error", nil

			default:
				m.Publish(ev)
				published = true
			}
		}
	}
}

// drainAudit forwards auditable events from the mux to the audit sink.
// It exits when the sink channel closes, after the terminal event or on
// cancellation.
func (o *Orchestrator) drainAudit(sessionID, providerName string, ch <-chan event.Event) {
	for ev := range ch {
		rec, ok := audit.Summarize(sessionID, providerName, ev)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = o.audit.Record(ctx, rec)
		cancel()
	}
}

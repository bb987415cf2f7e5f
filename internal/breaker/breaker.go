// Package breaker implements a per-upstream circuit breaker. State is keyed
// by (provider, endpoint) and each key carries its own lock, so unrelated
// upstreams never serialize on each other.
package breaker

import (
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/capitalize-ai/agent-gateway/pkg/metrics"
)

// Status is the breaker state for one key.
type Status int

const (
	Closed Status = iota
	Open
	HalfOpen
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// Closed into Open.
	FailureThreshold int
	// Cooldown is how long a key stays Open before a probe is allowed.
	Cooldown time.Duration
}

type state struct {
	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	openedAt            time.Time
	// probing guards the single in-flight HalfOpen probe.
	probing bool
}

// Breaker tracks upstream health per key and fast-fails requests while an
// upstream is known-bad.
type Breaker struct {
	cfg    Config
	states *haxmap.Map[string, *state]
	now    func() time.Time
}

// New creates a breaker. Keys are created lazily on first use and never
// deleted.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		cfg:    cfg,
		states: haxmap.New[string, *state](),
		now:    time.Now,
	}
}

func (b *Breaker) get(key string) *state {
	st, _ := b.states.GetOrSet(key, &state{})
	return st
}

// Allow reports whether a request for key may proceed. While Open it
// returns false until the cooldown elapses; the first caller after the
// cooldown transitions the key to HalfOpen and is admitted as the single
// probe, concurrent callers keep being rejected until the probe resolves.
func (b *Breaker) Allow(key string) bool {
	st := b.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.status {
	case Closed:
		return true
	case Open:
		if b.now().Sub(st.openedAt) < b.cfg.Cooldown {
			metrics.BreakerFastFails.WithLabelValues(key).Inc()
			return false
		}
		st.status = HalfOpen
		st.probing = true
		metrics.SetBreakerState(key, HalfOpen.String())
		return true
	case HalfOpen:
		if st.probing {
			metrics.BreakerFastFails.WithLabelValues(key).Inc()
			return false
		}
		st.probing = true
		return true
	}
	return false
}

// Release frees the HalfOpen probe slot without judging the attempt.
// Callers whose admitted request ends with an outcome that counts
// neither as success nor failure (a semantic rejection, a caller
// cancel) must still release the slot or the key would reject probes
// forever. After RecordSuccess or RecordFailure this is a no-op.
func (b *Breaker) Release(key string) {
	st := b.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status == HalfOpen && st.probing {
		st.probing = false
	}
}

// RecordSuccess resets the key toward Closed. A HalfOpen probe success
// closes the breaker immediately.
func (b *Breaker) RecordSuccess(key string) {
	st := b.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.consecutiveFailures = 0
	st.probing = false
	if st.status != Closed {
		st.status = Closed
		metrics.SetBreakerState(key, Closed.String())
	}
}

// RecordFailure counts one failure. Callers classify first: only retryable
// and network-level failures should be recorded here. Crossing the
// threshold while Closed, or any failure while HalfOpen, opens the key.
func (b *Breaker) RecordFailure(key string) {
	st := b.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.consecutiveFailures++
	st.probing = false

	switch st.status {
	case Closed:
		if st.consecutiveFailures >= b.cfg.FailureThreshold {
			st.status = Open
			st.openedAt = b.now()
			metrics.SetBreakerState(key, Open.String())
		}
	case HalfOpen:
		st.status = Open
		st.openedAt = b.now()
		metrics.SetBreakerState(key, Open.String())
	case Open:
		// Already open; refresh the window so a flapping upstream does not
		// leak probes faster than the cooldown.
		st.openedAt = b.now()
	}
}

// State returns the current status for a key, for health reporting.
func (b *Breaker) State(key string) Status {
	st := b.get(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the admission state of a Breaker.
type BreakerState int

const (
	// BreakerClosed admits every call.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen admits probe calls to test whether the upstream recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected without reaching the
// upstream. It is deliberately NOT transient: retrying inside the cooldown
// would only burn attempts, so callers fail fast and the next unit probes
// after the cooldown has elapsed.
var ErrBreakerOpen = eris.New("upstream circuit open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive tripping failures that opens
	// the breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before admitting a probe.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeQuota is the number of probe successes required to close again.
	// Default: 1.
	ProbeQuota int

	// TripOn decides whether an error counts toward Threshold. If nil, only
	// transient errors trip: a 4xx from the upstream means our request was
	// bad, not that the service is down.
	TripOn func(err error) bool
}

// DefaultBreakerConfig returns the standard breaker tuning for geodata upstreams.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:  5,
		Cooldown:   30 * time.Second,
		ProbeQuota: 1,
	}
}

// Breaker guards a single named upstream (the POI API or a tile style) and
// stops hammering it once consecutive transient failures pass the threshold.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time

	now func() time.Time
}

// NewBreaker creates a breaker for the named upstream.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 1
	}
	return &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
}

// Name returns the upstream this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Do runs fn if the breaker admits the call, recording the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn through the breaker, preserving its return value. Returns
// ErrBreakerOpen without invoking fn when the breaker is open.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.admit() {
		return zero, ErrBreakerOpen
	}

	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the current admission state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed. Used after manual recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
	b.failures = 0
	b.probes = 0
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.transition(BreakerHalfOpen)
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tripOn := b.cfg.TripOn
	if tripOn == nil {
		tripOn = IsTransient
	}

	if err == nil || !tripOn(err) {
		b.onSuccess()
		return
	}
	b.onFailure()
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerHalfOpen:
		b.probes++
		if b.probes >= b.cfg.ProbeQuota {
			b.transition(BreakerClosed)
			b.failures = 0
			b.probes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *Breaker) onFailure() {
	b.failures++
	b.openedAt = b.now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.Threshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		// A failed probe reopens for a full cooldown.
		b.transition(BreakerOpen)
		b.probes = 0
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	zap.L().Info("breaker state change",
		zap.String("upstream", b.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("failures", b.failures))
}

// BreakerSet hands out one breaker per upstream so a dead tile mirror does
// not block POI fetches.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewBreakerSet creates a registry of per-upstream breakers sharing one config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for the named upstream, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, s.cfg)
	s.breakers[name] = b
	return b
}

// States snapshots every breaker's state, keyed by upstream name.
func (s *BreakerSet) States() map[string]BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BreakerState, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}

package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBucketUnavailable is returned without touching the bucket while the
// breaker is open.
var ErrBucketUnavailable = errors.New("storage: bucket unavailable")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every upload through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects uploads until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe uploads through.
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

// Breaker trips after a run of consecutive bucket failures and probes the
// bucket again once the cooldown has passed. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// NewBreaker returns a closed breaker. failureThreshold consecutive failures
// open it; successThreshold consecutive probe successes close it again.
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// State returns the current state, moving an open breaker to half-open once
// its cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	return b.state != BreakerOpen
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case failed && b.state == BreakerHalfOpen:
		b.trip()
	case failed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case b.state == BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	default:
		b.failures = 0
	}
}

// tick must be called with mu held.
func (b *Breaker) tick() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

// trip must be called with mu held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

// GuardedStore routes uploads through a Breaker. Oversize uploads are the
// caller's fault and never count as bucket failures.
type GuardedStore struct {
	*BlobStore
	breaker *Breaker
}

// NewGuarded wraps s with breaker.
func NewGuarded(s *BlobStore, breaker *Breaker) *GuardedStore {
	return &GuardedStore{BlobStore: s, breaker: breaker}
}

// Upload stores the document unless the breaker is open.
func (g *GuardedStore) Upload(ctx context.Context, up Upload) (string, error) {
	if !g.breaker.allow() {
		return "", ErrBucketUnavailable
	}
	ref, err := g.BlobStore.Upload(ctx, up)
	if errors.Is(err, ErrTooLarge) || errors.Is(err, context.Canceled) {
		return "", err
	}
	g.breaker.record(err != nil)
	return ref, err
}

// Circuit reports the breaker state for readiness probes.
func (g *GuardedStore) Circuit() string {
	return g.breaker.State().String()
}

// Package breaker implements a consecutive-error circuit breaker that opens
// after a configured number of non-credential remote failures and auto-closes
// after a fixed pause, so a degraded object store does not keep failing every
// request while it recovers.
package breaker

import (
	"sync"
	"time"
)

// Config controls when the breaker opens and how long it stays open.
type Config struct {
	// ErrorsBeforePausing is the number of consecutive non-credential
	// errors that trips the breaker open. A value ≤ 0 disables tripping.
	ErrorsBeforePausing int
	// PauseDuration is how long the breaker stays open before it
	// auto-closes and gives the remote another chance.
	PauseDuration time.Duration
}

// Breaker tracks consecutive remote-call failures and exposes an open/closed
// state the router consults before issuing any remote call.
type Breaker struct {
	cfg Config

	mu                sync.Mutex
	consecutiveErrors int
	open              bool
	timer             *time.Timer
}

// New creates a Breaker in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg}
}

// OnSuccess resets the consecutive-error counter. Call this after any remote
// call that completed without error, including a well-formed "not found"
// response, since the network and the credentials both worked.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveErrors = 0
}

// OnError records a non-credential remote failure, opening the breaker if
// the configured threshold is reached. Credential-expiry errors are never
// passed here; the router treats those as immediately fatal instead.
func (b *Breaker) OnError() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveErrors++
	if b.open {
		return
	}
	if b.cfg.ErrorsBeforePausing > 0 && b.consecutiveErrors >= b.cfg.ErrorsBeforePausing {
		b.openLocked()
	}
}

// openLocked flips the breaker open and arms the auto-close timer. Caller
// must hold b.mu.
func (b *Breaker) openLocked() {
	b.open = true
	if b.cfg.PauseDuration <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.PauseDuration, b.autoClose)
}

func (b *Breaker) autoClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.consecutiveErrors = 0
}

// IsOpen reports whether the breaker is currently short-circuiting remote
// calls.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// ConsecutiveErrors returns the current run length of uninterrupted
// failures, for status reporting.
func (b *Breaker) ConsecutiveErrors() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveErrors
}

// Stop cancels any pending auto-close timer. Call during shutdown so the
// timer goroutine does not outlive the process's intended lifetime.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
}

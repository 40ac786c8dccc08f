package session

import (
	"math/rand"
	"sync"
	"time"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	backoffJitter  = 0.25
)

// backoff produces the reconnect delay sequence 1s, 2s, 4s ... capped at
// 60s, with up to 25% jitter on top of each base delay.
type backoff struct {
	mu       sync.Mutex
	current  time.Duration
	attempts int

	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64
}

func newBackoff() *backoff {
	return &backoff{
		current: initialBackoff,
		initial: initialBackoff,
		max:     maxBackoff,
		factor:  backoffFactor,
		jitter:  backoffJitter,
	}
}

// next returns the delay to wait before the upcoming attempt and advances
// the sequence.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	if b.jitter > 0 {
		delay += time.Duration(float64(delay) * b.jitter * rand.Float64())
	}

	b.attempts++
	grown := time.Duration(float64(b.current) * b.factor)
	if grown > b.max {
		grown = b.max
	}
	b.current = grown

	return delay
}

// reset returns the sequence to its initial delay after a successful
// connection.
func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

func (b *backoff) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

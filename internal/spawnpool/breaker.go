package spawnpool

import "time"

// breaker disables a kind after threshold consecutive spawn failures until
// cooldown has elapsed. Callers hold the pool mutex.
type breaker struct {
	threshold int
	cooldown  time.Duration
	failures  map[Kind]int
	openUntil map[Kind]time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		failures:  make(map[Kind]int),
		openUntil: make(map[Kind]time.Time),
	}
}

// failure records one failure and reports whether it tripped the breaker.
func (b *breaker) failure(key Kind, now time.Time) bool {
	b.failures[key]++
	if b.threshold <= 0 || b.failures[key] < b.threshold {
		return false
	}
	if _, open := b.openUntil[key]; open {
		return false
	}
	b.openUntil[key] = now.Add(b.cooldown)
	return true
}

func (b *breaker) success(key Kind) {
	b.failures[key] = 0
}

// isOpen reports whether key is disabled, re-enabling it once the cooldown passed.
func (b *breaker) isOpen(key Kind, now time.Time) bool {
	until, open := b.openUntil[key]
	if !open {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(b.openUntil, key)
	b.failures[key] = 0
	return false
}

func (b *breaker) state(key Kind, now time.Time) (int, *time.Time) {
	until, open := b.openUntil[key]
	if !open || !now.Before(until) {
		return b.failures[key], nil
	}
	return b.failures[key], &until
}

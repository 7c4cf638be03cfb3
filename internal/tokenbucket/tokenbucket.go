// Package tokenbucket implements the counting semaphore that bounds how
// many tunnels a client process serves concurrently, independent of how
// many idle worker connections it offers the server (spec §4.5).
package tokenbucket

import "go.uber.org/atomic"

// TokenBucket is a counting semaphore of fixed capacity C. Acquire blocks
// until a unit is available; the returned Token releases its unit exactly
// once, on Release.
type TokenBucket struct {
	slots chan struct{}
}

// New creates a TokenBucket with the given capacity.
func New(capacity int) *TokenBucket {
	return &TokenBucket{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a unit is available and returns a Token holding it.
func (b *TokenBucket) Acquire() *Token {
	b.slots <- struct{}{}
	return &Token{bucket: b}
}

// Token is a RAII-style permit: exactly one Release call returns its unit
// to the bucket. Subsequent calls are no-ops.
type Token struct {
	bucket   *TokenBucket
	released atomic.Bool
}

// Release returns the token's unit to the bucket. Safe to call more than
// once or concurrently; only the first call has effect.
func (t *Token) Release() {
	if t.released.CompareAndSwap(false, true) {
		<-t.bucket.slots
	}
}

package engine

import (
	"math/rand/v2"
	"sync"
	"time"
)

// maxJitterMillis bounds the random offset added to every nonce.
const maxJitterMillis = 1000

// Nonce produces the unique time value passed with every crypto-core call.
//
// Values are wall-clock milliseconds plus a random jitter below one second,
// forced strictly increasing so two calls in the same millisecond never
// share a value.
//
// Thread-safety: Nonce is safe for concurrent use. The engine's
// single-writer design means only the loop goroutine typically calls Next().
type Nonce struct {
	mu     sync.Mutex
	last   uint64
	jitter func() uint64
}

// NewNonce creates a nonce source with random jitter.
func NewNonce() *Nonce {
	return &Nonce{jitter: func() uint64 { return rand.Uint64N(maxJitterMillis) }}
}

// newNonceWithJitter is used by tests to pin the jitter.
func newNonceWithJitter(jitter func() uint64) *Nonce {
	return &Nonce{jitter: jitter}
}

// Next returns the nonce for a call made at now.
func (n *Nonce) Next(now time.Time) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	v := uint64(now.UnixMilli()) + n.jitter()
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return v
}

// Last returns the most recent value without advancing.
func (n *Nonce) Last() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

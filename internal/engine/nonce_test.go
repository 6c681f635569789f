package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var nonceEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNonce_AddsJitter(t *testing.T) {
	n := newNonceWithJitter(func() uint64 { return 7 })

	got := n.Next(nonceEpoch)
	assert.Equal(t, uint64(nonceEpoch.UnixMilli())+7, got)
	assert.Equal(t, got, n.Last())
}

func TestNonce_JitterBelowOneSecond(t *testing.T) {
	n := NewNonce()
	base := uint64(nonceEpoch.UnixMilli())

	for i := 0; i < 100; i++ {
		at := nonceEpoch.Add(time.Duration(i) * time.Hour)
		v := n.Next(at)
		lo := base + uint64(i)*uint64(time.Hour/time.Millisecond)
		assert.GreaterOrEqual(t, v, lo)
		assert.Less(t, v, lo+maxJitterMillis)
	}
}

func TestNonce_StrictlyIncreasingAtSameInstant(t *testing.T) {
	n := newNonceWithJitter(func() uint64 { return 0 })

	first := n.Next(nonceEpoch)
	second := n.Next(nonceEpoch)
	third := n.Next(nonceEpoch.Add(-time.Second))

	assert.Equal(t, first+1, second)
	assert.Equal(t, second+1, third, "clock going backwards still advances")
}

func TestNonce_ThreadSafe(t *testing.T) {
	n := NewNonce()
	const goroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	values := make(chan uint64, goroutines*callsPerGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				values <- n.Next(nonceEpoch)
			}
		}()
	}
	wg.Wait()
	close(values)

	seen := make(map[uint64]bool)
	for v := range values {
		assert.False(t, seen[v], "nonce %d generated twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, goroutines*callsPerGoroutine)
}

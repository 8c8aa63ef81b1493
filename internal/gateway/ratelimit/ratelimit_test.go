package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowRefills(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	l := newLimiter(2, time.Second, func() time.Time { return clock })

	ok, _ := l.Allow("U1")
	assert.True(t, ok)
	ok, _ = l.Allow("U1")
	assert.True(t, ok)
	ok, wait := l.Allow("U1")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	ok, _ = l.Allow("U2")
	assert.True(t, ok, "buckets are per key")

	clock = clock.Add(500 * time.Millisecond)
	ok, _ = l.Allow("U1")
	assert.True(t, ok)
}

func TestResetAndEvict(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	l := newLimiter(1, time.Second, func() time.Time { return clock })

	ok, _ := l.Allow("U1")
	assert.True(t, ok)
	l.Reset("U1")
	ok, _ = l.Allow("U1")
	assert.True(t, ok)

	clock = clock.Add(3 * time.Second)
	l.evictIdle()
	assert.Empty(t, l.buckets)
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(10, time.Minute)
	l.Stop()
	l.Stop()
}

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl := NewRateLimiter()

	// rps 1, burst 3: three immediate requests pass, the fourth is denied.
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Check(1, 1, 3), "request %d should pass", i)
	}
	assert.False(t, rl.Check(1, 1, 3))
}

func TestRateLimiter_PerCredentialIsolation(t *testing.T) {
	rl := NewRateLimiter()

	assert.True(t, rl.Check(1, 1, 1))
	assert.False(t, rl.Check(1, 1, 1))

	// A different credential has its own bucket.
	assert.True(t, rl.Check(2, 1, 1))
}

func TestRateLimiter_SpecChangeReplacesBucket(t *testing.T) {
	rl := NewRateLimiter()

	assert.True(t, rl.Check(1, 1, 1))
	assert.False(t, rl.Check(1, 1, 1))

	// After a config change the bucket is rebuilt with a fresh burst.
	assert.True(t, rl.Check(1, 5, 5))
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter()

	// rps 100: a consumed slot returns within ~10ms.
	assert.True(t, rl.Check(1, 100, 1))
	assert.False(t, rl.Check(1, 100, 1))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Check(1, 100, 1))
}

package httpserver

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterPool_PerKey(t *testing.T) {
	p := newLimiterPool(1, 2, time.Minute)

	assert.True(t, p.Allow("10.0.0.1"))
	assert.True(t, p.Allow("10.0.0.1"))
	assert.False(t, p.Allow("10.0.0.1"))

	assert.True(t, p.Allow("10.0.0.2"), "keys have independent buckets")
	assert.Equal(t, 2, p.Len())
}

func TestLimiterPool_EvictsIdleKeys(t *testing.T) {
	p := newLimiterPool(0.001, 1, 200*time.Millisecond)

	for i := range 50 {
		p.Allow(fmt.Sprintf("10.0.1.%d", i))
	}
	assert.False(t, p.Allow("10.0.1.0"))
	assert.Positive(t, p.Len())

	require.Eventually(t, func() bool { return p.Len() == 0 }, 5*time.Second, 20*time.Millisecond)

	// A caller returning after eviction starts with a fresh bucket.
	assert.True(t, p.Allow("10.0.1.0"))
}

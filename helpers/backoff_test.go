package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore())

	steps := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for _, expect := range steps {
		b.Failure()
		assert.Equal(t, expect*time.Millisecond, b.Next())
		d := b.DelayBefore()
		assert.True(t, d > 0 && d <= expect*time.Millisecond, "delay=%v expect<=%v", d, expect*time.Millisecond)
	}

	b.Update(true)
	assert.Equal(t, time.Duration(0), b.Next())
	assert.Equal(t, time.Duration(0), b.DelayBefore())
}

func TestBackoffDelayAfter(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 50 * time.Millisecond, Max: 200 * time.Millisecond, K: 3}
	assert.Equal(t, time.Duration(0), b.DelayAfter(true))
	d := b.DelayAfter(false)
	assert.True(t, d > 0 && d <= 150*time.Millisecond, "delay=%v", d)
	b.Failure()
	assert.Equal(t, 200*time.Millisecond, b.Next())
}

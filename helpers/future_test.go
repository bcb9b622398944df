package helpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := NewFuture()
	go func() { f.Complete(42) }()
	r, err := f.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, r)
	assert.False(t, f.Cancel(nil), "second finish must be ignored")

	c := NewFuture()
	e := fmt.Errorf("connection lost")
	c.Cancel(e)
	_, err = c.Wait(ctx, time.Second)
	assert.Equal(t, e, err)

	_, err = NewFuture().Wait(ctx, 5*time.Millisecond)
	assert.Equal(t, ErrFutureTimeout, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewFuture().Wait(cctx, 0)
	assert.Equal(t, context.Canceled, err)
}

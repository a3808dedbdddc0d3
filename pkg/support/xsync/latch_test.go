package xsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	assert.False(t, l.Test())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.WaitContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var wg sync.WaitGroup
	got := make([]int, 3)
	for ii := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[ii] = l.Wait()
		}()
	}
	l.Trigger(7)
	l.Trigger(11) // Ignored.
	wg.Wait()
	assert.Equal(t, []int{7, 7, 7}, got)
	assert.True(t, l.Test())
	v, err := l.WaitContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

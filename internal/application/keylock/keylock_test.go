package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_SerializesSameKey(t *testing.T) {
	l := New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), QuoteKey("Q-1"))
			require.NoError(t, err)
			defer unlock()

			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, l.Held(), "idle keys are released")
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), QuoteKey("Q-1"))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := l.Lock(ctx, QuoteKey("Q-2"))
	require.NoError(t, err)
	other()
}

func TestLock_ContextCancelled(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, l.Held())
}

func TestTryLock(t *testing.T) {
	l := New()

	unlock, ok := l.TryLock(SyncKey("Q-1", "external"))
	require.True(t, ok)

	_, ok = l.TryLock(SyncKey("Q-1", "external"))
	assert.False(t, ok)

	_, ok = l.TryLock(SyncKey("Q-1", "internal"))
	assert.True(t, ok)

	unlock()
	again, ok := l.TryLock(SyncKey("Q-1", "external"))
	assert.True(t, ok)
	again()
}

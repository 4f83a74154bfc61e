package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalIsSingleSlot(t *testing.T) {
	var l Local
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, l.Held())

	_, ok, err = l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, l.Held(), "a refused acquire leaves the slot held")

	release()
	assert.False(t, l.Held())
}

func TestLocalConcurrentAcquire(t *testing.T) {
	var (
		l       Local
		wins    atomic.Int32
		tried   sync.WaitGroup
		done    sync.WaitGroup
		release = make(chan struct{})
	)
	const contenders = 32
	tried.Add(contenders)
	done.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func() {
			defer done.Done()
			rel, ok, _ := l.TryAcquire(context.Background())
			tried.Done()
			if ok {
				wins.Add(1)
				<-release
				rel()
			}
		}()
	}
	tried.Wait()
	close(release)
	done.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.False(t, l.Held())
}

type fakeGuard struct {
	ok       bool
	err      error
	released int
}

func (f *fakeGuard) TryAcquire(context.Context) (func(), bool, error) {
	if f.err != nil || !f.ok {
		return nil, false, f.err
	}
	return func() { f.released++ }, true, nil
}

func TestChainReleasesOnRefusal(t *testing.T) {
	first := &fakeGuard{ok: true}
	second := &fakeGuard{ok: false}

	_, ok, err := Chain(first, second).TryAcquire(context.Background())

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, first.released)
}

func TestChainPropagatesError(t *testing.T) {
	first := &fakeGuard{ok: true}
	boom := errors.New("boom")

	_, ok, err := Chain(first, &fakeGuard{err: boom}).TryAcquire(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
	assert.Equal(t, 1, first.released)
}

func TestChainReleasesAll(t *testing.T) {
	first := &fakeGuard{ok: true}
	second := &fakeGuard{ok: true}

	release, ok, err := Chain(first, second).TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	release()
	assert.Equal(t, 1, first.released)
	assert.Equal(t, 1, second.released)
}
